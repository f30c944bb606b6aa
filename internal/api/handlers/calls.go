package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxline-ai/callplane/internal/admission"
	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/phone"
	"github.com/voxline-ai/callplane/internal/provider"
	"github.com/voxline-ai/callplane/internal/users"
	"github.com/voxline-ai/callplane/pkg/logging"
)

type admitter interface {
	Reserve(ctx context.Context, req admission.ReserveRequest) (*admission.Result, error)
	AttachExecutionID(ctx context.Context, callID uuid.UUID, executionID string) error
	ReleaseByInternalID(ctx context.Context, callID uuid.UUID) error
}

type callDialer interface {
	PlaceCall(ctx context.Context, req provider.CallRequest) (*provider.CallResponse, error)
}

type agentResolver interface {
	AgentProviderID(ctx context.Context, userID, agentID uuid.UUID) (string, error)
}

type callReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*calls.Call, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// CallsHandler serves the outbound call API.
type CallsHandler struct {
	admitter admitter
	dialer   callDialer
	agents   agentResolver
	calls    callReader
	logger   *logging.Logger
}

// CallsConfig wires the calls handler.
type CallsConfig struct {
	Admitter admitter
	Dialer   callDialer
	Agents   agentResolver
	Calls    callReader
	Logger   *logging.Logger
}

// NewCallsHandler builds the calls handler.
func NewCallsHandler(cfg CallsConfig) *CallsHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &CallsHandler{
		admitter: cfg.Admitter,
		dialer:   cfg.Dialer,
		agents:   cfg.Agents,
		calls:    cfg.Calls,
		logger:   cfg.Logger.Named("calls-api"),
	}
}

// InitiateCallRequest is the POST /calls body.
type InitiateCallRequest struct {
	UserID         string `json:"user_id"`
	AgentID        string `json:"agent_id"`
	RecipientPhone string `json:"recipient_phone"`
	ContactID      string `json:"contact_id,omitempty"`
}

type initiateCallResponse struct {
	Status               string `json:"status"`
	CallID               string `json:"call_id,omitempty"`
	ExecutionID          string `json:"execution_id,omitempty"`
	QueueEntryID         string `json:"queue_entry_id,omitempty"`
	Position             int    `json:"position,omitempty"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds,omitempty"`
}

// InitiateCall handles POST /calls: admission, then synchronous provider
// dispatch when a slot was granted.
func (h *CallsHandler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var req InitiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent_id")
		return
	}
	recipient := phone.NormalizeE164(req.RecipientPhone)
	if recipient == "" {
		respondError(w, http.StatusBadRequest, "invalid recipient_phone")
		return
	}
	var contactID *uuid.UUID
	if req.ContactID != "" {
		id, err := uuid.Parse(req.ContactID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid contact_id")
			return
		}
		contactID = &id
	}

	// Agent ownership is checked before admission so a bad agent id never
	// consumes a slot.
	agentProviderID, err := h.agents.AgentProviderID(r.Context(), userID, agentID)
	if err != nil {
		if errors.Is(err, users.ErrAgentNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("agent lookup failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	result, err := h.admitter.Reserve(r.Context(), admission.ReserveRequest{
		UserID:    userID,
		AgentID:   agentID,
		ContactID: contactID,
		Phone:     recipient,
		Kind:      calls.SourceDirect,
	})
	if err != nil {
		h.logger.Error("admission failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch result.Decision {
	case admission.DecisionRejected:
		h.respondRejected(w, result.Reason)
	case admission.DecisionQueued:
		respondJSON(w, http.StatusAccepted, initiateCallResponse{
			Status:               "queued",
			QueueEntryID:         result.QueueEntryID.String(),
			Position:             result.Position,
			EstimatedWaitSeconds: result.EstimatedWaitSeconds,
		})
	case admission.DecisionAdmitted:
		h.dispatch(w, r, result.CallID, agentProviderID, recipient)
	default:
		h.logger.Error("unexpected admission decision", "decision", result.Decision)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *CallsHandler) respondRejected(w http.ResponseWriter, reason admission.RejectReason) {
	switch reason {
	case admission.ReasonUnknownUser:
		respondError(w, http.StatusNotFound, "user not found")
	case admission.ReasonInsufficientCredits:
		respondError(w, http.StatusPaymentRequired, "insufficient credits")
	case admission.ReasonNoConcurrency:
		respondError(w, http.StatusForbidden, "concurrent call limit is zero")
	case admission.ReasonTransient:
		respondError(w, http.StatusServiceUnavailable, "admission temporarily unavailable")
	default:
		respondError(w, http.StatusForbidden, string(reason))
	}
}

// dispatch hands the admitted call to the provider. A dispatch failure frees
// the slot and fails the call so capacity never leaks.
func (h *CallsHandler) dispatch(w http.ResponseWriter, r *http.Request, callID uuid.UUID, agentProviderID, recipient string) {
	ack, err := h.dialer.PlaceCall(r.Context(), provider.CallRequest{
		AgentID:        agentProviderID,
		RecipientPhone: recipient,
		UserData:       map[string]string{"call_id": callID.String()},
	})
	if err != nil {
		h.logger.Error("provider dispatch failed",
			"call_id", callID, "phone", phone.Mask(recipient), "error", err)
		reason := "provider_error"
		if errors.Is(err, provider.ErrTimeout) {
			reason = "provider_timeout"
		}
		ctx := context.WithoutCancel(r.Context())
		if relErr := h.admitter.ReleaseByInternalID(ctx, callID); relErr != nil {
			h.logger.Error("slot release failed", "call_id", callID, "error", relErr)
		}
		if failErr := h.calls.MarkFailed(ctx, callID, reason); failErr != nil {
			h.logger.Error("call failure record failed", "call_id", callID, "error", failErr)
		}
		if reason == "provider_timeout" {
			respondError(w, http.StatusGatewayTimeout, "voice provider timed out")
			return
		}
		respondError(w, http.StatusBadGateway, "voice provider rejected the call")
		return
	}

	if err := h.admitter.AttachExecutionID(r.Context(), callID, ack.ExecutionID); err != nil {
		h.logger.Error("attaching execution id failed", "call_id", callID, "error", err)
	}
	respondJSON(w, http.StatusCreated, initiateCallResponse{
		Status:      "initiated",
		CallID:      callID.String(),
		ExecutionID: ack.ExecutionID,
	})
}

// GetCall handles GET /calls/{callID}.
func (h *CallsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "callID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	call, err := h.calls.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			respondError(w, http.StatusNotFound, "call not found")
			return
		}
		h.logger.Error("call lookup failed", "call_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, call)
}
