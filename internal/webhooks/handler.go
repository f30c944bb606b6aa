package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/lifecycle"
	"github.com/voxline-ai/callplane/internal/observability/metrics"
	"github.com/voxline-ai/callplane/pkg/logging"
)

var tracer = otel.Tracer("callplane.internal.webhooks")

type eventApplier interface {
	Apply(ctx context.Context, evt lifecycle.Event) error
}

// Handler receives Voice Provider status callbacks, normalizes them, and
// dispatches to the lifecycle state machine.
//
// It always answers HTTP 200: the provider retries on non-2xx, and since the
// state machine is idempotent, a 200 plus internal retry beats shedding work
// back to the provider.
type Handler struct {
	machine eventApplier
	events  *EventStore
	logger  *logging.Logger
	metrics *metrics.CallMetrics
}

// HandlerConfig wires the webhook ingress.
type HandlerConfig struct {
	Machine eventApplier
	Events  *EventStore
	Logger  *logging.Logger
	Metrics *metrics.CallMetrics
}

// NewHandler builds the webhook ingress.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Handler{
		machine: cfg.Machine,
		events:  cfg.Events,
		logger:  cfg.Logger.Named("webhooks"),
		metrics: cfg.Metrics,
	}
}

// payload is the provider's webhook shape. The provider sends either `id` or
// `execution_id` depending on the event vintage.
type payload struct {
	ID            string  `json:"id"`
	ExecutionID   string  `json:"execution_id"`
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Transcript    *string `json:"transcript"`
	RecordingURL  *string `json:"recording_url"`
	TelephonyData struct {
		DurationSeconds *int `json:"duration_seconds"`
	} `json:"telephony_data"`
	HangupBy           *string `json:"hangup_by"`
	HangupReason       *string `json:"hangup_reason"`
	HangupProviderCode *string `json:"hangup_provider_code"`
	AgentID            string  `json:"agent_id"`
	FromNumber         string  `json:"from_number"`
}

func (p payload) executionID() string {
	if v := strings.TrimSpace(p.ExecutionID); v != "" {
		return v
	}
	return strings.TrimSpace(p.ID)
}

func (p payload) timestamp() time.Time {
	if p.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// HandleVoice processes a provider status callback.
func (h *Handler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "webhooks.voice")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		h.logger.Warn("webhook body read failed", "error", err)
		respondOK(w)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.executionID() == "" || !calls.Status(p.Status).Valid() {
		// Keep the payload for post-mortems, but never bounce the provider.
		h.logger.Warn("webhook parse failed", "status", p.Status, "error", err)
		if h.metrics != nil {
			h.metrics.ObserveParseFailure()
		}
		h.recordRaw(ctx, p.executionID(), body)
		respondOK(w)
		return
	}
	span.SetAttributes(
		attribute.String("call.execution_id", p.executionID()),
		attribute.String("call.status", p.Status),
	)
	h.recordRaw(ctx, p.executionID(), body)

	evt := lifecycle.Event{
		ExecutionID:        p.executionID(),
		Status:             calls.Status(p.Status),
		Timestamp:          p.timestamp(),
		Transcript:         p.Transcript,
		RecordingURL:       p.RecordingURL,
		DurationSeconds:    p.TelephonyData.DurationSeconds,
		HangupBy:           p.HangupBy,
		HangupReason:       p.HangupReason,
		HangupProviderCode: p.HangupProviderCode,
		ProviderAgentID:    p.AgentID,
		FromPhone:          p.FromNumber,
	}

	result := "ok"
	if err := h.machine.Apply(ctx, evt); err != nil {
		// Internal failure: the provider's next retry or the reaper will
		// reconcile; responding non-2xx would only amplify load.
		result = "error"
		h.logger.Error("webhook processing failed",
			"execution_id", evt.ExecutionID,
			"status", p.Status,
			"error", err,
		)
	} else if err := h.events.SaveState(ctx, CallState{
		ExecutionID: evt.ExecutionID,
		Status:      p.Status,
		UpdatedAt:   evt.Timestamp,
	}); err != nil {
		h.logger.Warn("call state cache update failed", "execution_id", evt.ExecutionID, "error", err)
	}

	if h.metrics != nil {
		h.metrics.ObserveWebhook(p.Status, result)
		h.metrics.ObserveWebhookLatency(p.Status, time.Since(start).Seconds())
	}
	respondOK(w)
}

func (h *Handler) recordRaw(ctx context.Context, executionID string, body []byte) {
	if err := h.events.RecordRaw(ctx, executionID, body); err != nil {
		h.logger.Warn("raw payload record failed", "execution_id", executionID, "error", err)
	}
}

func respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"success": true}`))
}
