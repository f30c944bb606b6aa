package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
	"github.com/voxline-ai/callplane/pkg/logging"
)

type queueStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*queue.Entry, error)
	Position(ctx context.Context, q store.Querier, id uuid.UUID) (int, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// QueueHandler serves queue inspection and cancellation.
type QueueHandler struct {
	queue  queueStore
	logger *logging.Logger
}

// NewQueueHandler builds the queue handler.
func NewQueueHandler(q queueStore, logger *logging.Logger) *QueueHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &QueueHandler{queue: q, logger: logger.Named("queue-api")}
}

type queuePositionResponse struct {
	EntryID              string `json:"entry_id"`
	Status               string `json:"status"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

// Wait pacing mirrors the estimate admission hands out at enqueue time.
const estimatedSecondsPerSlot = 90

// GetPosition handles GET /queue/{entryID}/position.
func (h *QueueHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	entry, err := h.queue.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			respondError(w, http.StatusNotFound, "queue entry not found")
			return
		}
		h.logger.Error("queue entry lookup failed", "entry_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	position := 0
	if entry.Status == queue.StatusQueued {
		position, err = h.queue.Position(r.Context(), nil, id)
		if err != nil {
			h.logger.Error("queue position failed", "entry_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	respondJSON(w, http.StatusOK, queuePositionResponse{
		EntryID:              entry.ID.String(),
		Status:               entry.Status,
		Position:             position,
		EstimatedWaitSeconds: position * estimatedSecondsPerSlot,
	})
}

// Cancel handles DELETE /queue/{entryID}. Only still-queued entries can be
// cancelled; an entry mid-dispatch is reported as a conflict.
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		if !errors.Is(err, queue.ErrEntryNotFound) {
			h.logger.Error("queue cancel failed", "entry_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		// Either never existed or already claimed; disambiguate for the caller.
		if _, getErr := h.queue.GetByID(r.Context(), id); getErr == nil {
			respondError(w, http.StatusConflict, "entry is no longer queued")
			return
		}
		respondError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
