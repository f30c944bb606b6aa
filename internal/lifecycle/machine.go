package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/admission"
	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/campaigns"
	"github.com/voxline-ai/callplane/internal/contacts"
	"github.com/voxline-ai/callplane/internal/ledger"
	"github.com/voxline-ai/callplane/internal/observability/metrics"
	"github.com/voxline-ai/callplane/internal/privacy"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
	"github.com/voxline-ai/callplane/internal/users"
	"github.com/voxline-ai/callplane/pkg/logging"
)

// Event is a normalized provider webhook for one call.
type Event struct {
	ExecutionID        string
	Status             calls.Status
	Timestamp          time.Time
	Transcript         *string
	RecordingURL       *string
	DurationSeconds    *int
	HangupBy           *string
	HangupReason       *string
	HangupProviderCode *string
	// ProviderAgentID identifies the agent for calls first learned of here
	// (inbound calls bypass outbound admission).
	ProviderAgentID string
	// FromPhone is the caller's number on inbound calls.
	FromPhone string
}

// ErrUnknownStatus is returned for statuses outside the lifecycle DAG.
var ErrUnknownStatus = errors.New("lifecycle: unknown status")

const redialBaseDelay = 30 * time.Minute

// waker is poked after a terminal transition frees a slot, so the queue
// processor can drain the freed capacity without waiting for its next tick.
type waker interface {
	Wake()
}

// Machine applies webhook events to call records. Every handler is a
// conditional update keyed on the store's current state, so replaying any
// payload N times produces the same terminal state and at-most-once side
// effects.
type Machine struct {
	db        *store.Store
	calls     *calls.Store
	slots     *admission.SlotRegistry
	ledger    *ledger.Store
	contacts  *contacts.Store
	campaigns *campaigns.Store
	users     *users.Store
	queue     *queue.Store
	waker     waker
	logger    *logging.Logger
	metrics   *metrics.CallMetrics
}

// Config wires the state machine.
type Config struct {
	DB        *store.Store
	Calls     *calls.Store
	Slots     *admission.SlotRegistry
	Ledger    *ledger.Store
	Contacts  *contacts.Store
	Campaigns *campaigns.Store
	Users     *users.Store
	Queue     *queue.Store
	Waker     waker
	Logger    *logging.Logger
	Metrics   *metrics.CallMetrics
}

// NewMachine builds the lifecycle state machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Machine{
		db:        cfg.DB,
		calls:     cfg.Calls,
		slots:     cfg.Slots,
		ledger:    cfg.Ledger,
		contacts:  cfg.Contacts,
		campaigns: cfg.Campaigns,
		users:     cfg.Users,
		queue:     cfg.Queue,
		waker:     cfg.Waker,
		logger:    cfg.Logger.Named("lifecycle"),
		metrics:   cfg.Metrics,
	}
}

// Apply advances the call identified by the event's execution id.
func (m *Machine) Apply(ctx context.Context, evt Event) error {
	if evt.ExecutionID == "" {
		return errors.New("lifecycle: execution id required")
	}
	switch evt.Status {
	case calls.StatusInitiated:
		return m.handleInitiated(ctx, evt)
	case calls.StatusRinging:
		return m.calls.MarkRinging(ctx, evt.ExecutionID, evt.Timestamp)
	case calls.StatusInProgress:
		return m.calls.MarkAnswered(ctx, evt.ExecutionID, evt.Timestamp)
	case calls.StatusDisconnected:
		return m.calls.MarkDisconnected(ctx, evt.ExecutionID, calls.Disconnection{
			At:                 evt.Timestamp,
			Transcript:         evt.Transcript,
			HangupBy:           evt.HangupBy,
			HangupReason:       evt.HangupReason,
			HangupProviderCode: evt.HangupProviderCode,
		})
	case calls.StatusCompleted:
		return m.handleCompleted(ctx, evt)
	case calls.StatusBusy, calls.StatusNoAnswer:
		return m.handleFailedFast(ctx, evt)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, evt.Status)
	}
}

// handleInitiated upserts the call keyed by execution id. Outbound calls
// already have a row (admission created it); a missing row means an inbound
// call first learned of here.
func (m *Machine) handleInitiated(ctx context.Context, evt Event) error {
	_, err := m.calls.GetByExecutionID(ctx, nil, evt.ExecutionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, calls.ErrCallNotFound) {
		return err
	}

	agentID, userID, err := m.users.AgentByProviderID(ctx, nil, evt.ProviderAgentID)
	if err != nil {
		return fmt.Errorf("lifecycle: inbound call for unknown agent: %w", err)
	}
	callID := uuid.New()
	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		var contactID *uuid.UUID
		if evt.FromPhone != "" {
			contact, err := m.contacts.GetOrCreateByPhone(ctx, tx, userID, evt.FromPhone, "inbound_call")
			if err != nil {
				return err
			}
			contactID = &contact.ID
		}
		if err := m.calls.CreateInbound(ctx, tx, calls.InboundCreate{
			ID:          callID,
			UserID:      userID,
			AgentID:     agentID,
			ContactID:   contactID,
			Phone:       evt.FromPhone,
			ExecutionID: evt.ExecutionID,
		}); err != nil {
			return err
		}
		// Inbound slots count against the system limit but not the user
		// limit; a lost race on the insert above means a replay, so the
		// conflict-ignoring reserve keeps this idempotent.
		return m.slots.ReserveInbound(ctx, tx, callID, userID, evt.ExecutionID)
	})
}

// handleCompleted performs the terminal-success transition: credits, ledger,
// call artifacts, and slot release commit atomically.
func (m *Machine) handleCompleted(ctx context.Context, evt Event) error {
	call, err := m.calls.GetByExecutionID(ctx, nil, evt.ExecutionID)
	if err != nil {
		return err
	}
	duration := 0
	if evt.DurationSeconds != nil {
		duration = *evt.DurationSeconds
	}
	credits := calls.CreditsForDuration(duration)

	var advanced bool
	err = m.db.WithTx(ctx, func(tx pgx.Tx) error {
		advanced, err = m.calls.FinalizeCompleted(ctx, tx, evt.ExecutionID, calls.Completion{
			RecordingURL:    evt.RecordingURL,
			DurationSeconds: duration,
			Credits:         credits,
		})
		if err != nil {
			return err
		}
		if !advanced {
			// Replay of a terminal webhook: the slot release below is
			// idempotent, everything else already happened.
			return m.slots.ReleaseByExecutionID(ctx, tx, evt.ExecutionID)
		}
		if credits > 0 {
			result, err := m.ledger.Debit(ctx, tx, call.UserID, credits, call.ID)
			if err != nil {
				return err
			}
			if result.Clamped {
				m.logger.Error("credit balance clamped at zero",
					"user", privacy.Hash(call.UserID.String()),
					"call_id", call.ID,
					"credits", credits,
				)
			}
		}
		return m.slots.ReleaseByExecutionID(ctx, tx, evt.ExecutionID)
	})
	if err != nil {
		return err
	}
	m.wakeProcessor()
	if advanced && m.metrics != nil {
		m.metrics.AddCreditsDebited(credits)
	}

	// Campaign counters ride in their own best-effort transaction: a miss
	// only skews dashboards, never billing or capacity.
	if advanced && call.CampaignID != nil {
		if err := m.campaigns.RecordOutcome(ctx, nil, *call.CampaignID, true); err != nil {
			m.logger.Warn("campaign counter update failed", "campaign_id", *call.CampaignID, "error", err)
		}
	}
	return nil
}

// handleFailedFast performs the busy / no-answer terminal transition: no
// debit, slot released, optional campaign redial.
func (m *Machine) handleFailedFast(ctx context.Context, evt Event) error {
	call, err := m.calls.GetByExecutionID(ctx, nil, evt.ExecutionID)
	if err != nil {
		return err
	}
	var advanced bool
	err = m.db.WithTx(ctx, func(tx pgx.Tx) error {
		advanced, err = m.calls.FinalizeFailedFast(ctx, tx, evt.ExecutionID, evt.Status)
		if err != nil {
			return err
		}
		return m.slots.ReleaseByExecutionID(ctx, tx, evt.ExecutionID)
	})
	if err != nil {
		return err
	}
	m.wakeProcessor()
	if !advanced || call.CampaignID == nil {
		return nil
	}

	if err := m.campaigns.RecordOutcome(ctx, nil, *call.CampaignID, false); err != nil {
		m.logger.Warn("campaign counter update failed", "campaign_id", *call.CampaignID, "error", err)
	}
	return m.maybeRedial(ctx, call)
}

// wakeProcessor nudges the queue processor after a slot release so freed
// capacity drains immediately instead of on the next tick.
func (m *Machine) wakeProcessor() {
	if m.waker != nil {
		m.waker.Wake()
	}
}

// maybeRedial re-enqueues a campaign call after busy / no-answer, bounded by
// the campaign's redial policy, with exponential backoff per prior attempt.
func (m *Machine) maybeRedial(ctx context.Context, call *calls.Call) error {
	campaign, err := m.campaigns.Get(ctx, *call.CampaignID)
	if err != nil {
		return err
	}
	if campaign.MaxRedialAttempts <= 0 || call.ContactID == nil {
		return nil
	}
	attempts, err := m.calls.CountFailedFastAttempts(ctx, *call.CampaignID, *call.ContactID)
	if err != nil {
		return err
	}
	if attempts > campaign.MaxRedialAttempts {
		return nil
	}
	delay := redialBaseDelay * time.Duration(1<<(attempts-1))
	at := time.Now().UTC().Add(delay)
	_, err = m.queue.Enqueue(ctx, nil, queue.EnqueueRequest{
		UserID:       call.UserID,
		AgentID:      call.AgentID,
		ContactID:    call.ContactID,
		CampaignID:   call.CampaignID,
		Phone:        call.Phone,
		Source:       calls.SourceCampaign,
		Priority:     queue.PriorityCampaign,
		ScheduledFor: &at,
	})
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return nil
	}
	return err
}
