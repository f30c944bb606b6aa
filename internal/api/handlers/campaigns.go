package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/campaigns"
	"github.com/voxline-ai/callplane/internal/contacts"
	"github.com/voxline-ai/callplane/internal/phone"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
	"github.com/voxline-ai/callplane/pkg/logging"
)

type campaignStore interface {
	Get(ctx context.Context, id uuid.UUID) (*campaigns.Campaign, error)
}

type contactStore interface {
	GetOrCreateByPhone(ctx context.Context, q store.Querier, userID uuid.UUID, rawPhone, source string) (*contacts.Contact, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, q store.Querier, req queue.EnqueueRequest) (uuid.UUID, error)
}

// CampaignsHandler loads campaign contact batches into the call queue.
type CampaignsHandler struct {
	campaigns campaignStore
	contacts  contactStore
	queue     enqueuer
	logger    *logging.Logger
}

// NewCampaignsHandler builds the campaigns handler.
func NewCampaignsHandler(c campaignStore, contacts contactStore, q enqueuer, logger *logging.Logger) *CampaignsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CampaignsHandler{
		campaigns: c,
		contacts:  contacts,
		queue:     q,
		logger:    logger.Named("campaigns-api"),
	}
}

// EnqueueContactsRequest is the POST /campaigns/{campaignID}/enqueue body.
type EnqueueContactsRequest struct {
	Phones []string `json:"phones"`
}

type enqueueContactsResponse struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

const maxBatchSize = 1000

// EnqueueContacts handles POST /campaigns/{campaignID}/enqueue: each phone
// becomes a campaign-priority queue entry scheduled for the campaign's next
// open window. Duplicates of already-pending contacts are skipped.
func (h *CampaignsHandler) EnqueueContacts(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var req EnqueueContactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Phones) == 0 {
		respondError(w, http.StatusBadRequest, "phones required")
		return
	}
	if len(req.Phones) > maxBatchSize {
		respondError(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	campaign, err := h.campaigns.Get(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, campaigns.ErrCampaignNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.logger.Error("campaign lookup failed", "campaign_id", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now().UTC()
	var scheduledFor *time.Time
	if !campaign.Window.Open(now) {
		next := campaign.Window.NextOpen(now)
		scheduledFor = &next
	}

	resp := enqueueContactsResponse{}
	for _, raw := range req.Phones {
		normalized := phone.NormalizeE164(raw)
		if normalized == "" {
			resp.Skipped++
			continue
		}
		contact, err := h.contacts.GetOrCreateByPhone(r.Context(), nil, campaign.UserID, normalized, "campaign")
		if err != nil {
			h.logger.Error("contact upsert failed",
				"campaign_id", campaignID, "phone", phone.Mask(normalized), "error", err)
			resp.Skipped++
			continue
		}
		_, err = h.queue.Enqueue(r.Context(), nil, queue.EnqueueRequest{
			UserID:       campaign.UserID,
			AgentID:      campaign.AgentID,
			ContactID:    &contact.ID,
			CampaignID:   &campaign.ID,
			Phone:        normalized,
			Source:       calls.SourceCampaign,
			Priority:     queue.PriorityCampaign,
			ScheduledFor: scheduledFor,
		})
		if err != nil {
			if errors.Is(err, queue.ErrAlreadyQueued) {
				resp.Skipped++
				continue
			}
			h.logger.Error("campaign enqueue failed",
				"campaign_id", campaignID, "phone", phone.Mask(normalized), "error", err)
			resp.Skipped++
			continue
		}
		resp.Enqueued++
	}

	h.logger.Info("campaign batch enqueued",
		"campaign_id", campaignID, "enqueued", resp.Enqueued, "skipped", resp.Skipped)
	respondJSON(w, http.StatusAccepted, resp)
}
