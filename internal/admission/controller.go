package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/observability/metrics"
	"github.com/voxline-ai/callplane/internal/privacy"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
	"github.com/voxline-ai/callplane/internal/users"
	"github.com/voxline-ai/callplane/pkg/logging"
)

// Decision is the admission outcome.
type Decision string

const (
	DecisionAdmitted Decision = "admitted"
	DecisionQueued   Decision = "queued"
	DecisionRejected Decision = "rejected"
	// DecisionNoCapacity is only returned on the queue-processor path, which
	// must not re-enqueue work that is already queued.
	DecisionNoCapacity Decision = "no-capacity"
)

// RejectReason explains a rejected reservation.
type RejectReason string

const (
	ReasonUnknownUser         RejectReason = "unknown_user"
	ReasonUnknownAgent        RejectReason = "unknown_agent"
	ReasonNoConcurrency       RejectReason = "non_positive_limit"
	ReasonInsufficientCredits RejectReason = "insufficient_credits"
	ReasonTransient           RejectReason = "transient"
)

// ReserveRequest asks for a concurrency slot for one outbound call.
type ReserveRequest struct {
	UserID     uuid.UUID
	AgentID    uuid.UUID
	ContactID  *uuid.UUID
	CampaignID *uuid.UUID
	Phone      string
	Kind       calls.Source
	// Priority used if the request is queued; zero means derive from Kind.
	Priority int
	// FromQueue marks the queue-processor path: capacity shortfall returns
	// DecisionNoCapacity instead of enqueueing a second time.
	FromQueue bool
}

// Result is the admission outcome plus its decision-specific payload.
type Result struct {
	Decision             Decision
	Reason               RejectReason
	CallID               uuid.UUID
	QueueEntryID         uuid.UUID
	Position             int
	EstimatedWaitSeconds int
}

// Rough dispatch pacing used only for the queued-position wait estimate.
const estimatedSecondsPerSlot = 90

// Controller is the single entry point for "may this call start now?".
type Controller struct {
	db      *store.Store
	slots   *SlotRegistry
	users   *users.Store
	calls   *calls.Store
	queue   *queue.Store
	logger  *logging.Logger
	metrics *metrics.CallMetrics

	systemLimit int
	timeout     time.Duration
}

// Config wires the controller.
type Config struct {
	DB          *store.Store
	Slots       *SlotRegistry
	Users       *users.Store
	Calls       *calls.Store
	Queue       *queue.Store
	Logger      *logging.Logger
	Metrics     *metrics.CallMetrics
	SystemLimit int
	Timeout     time.Duration
}

// NewController builds the admission controller.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.SystemLimit <= 0 {
		cfg.SystemLimit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Controller{
		db:          cfg.DB,
		slots:       cfg.Slots,
		users:       cfg.Users,
		calls:       cfg.Calls,
		queue:       cfg.Queue,
		logger:      cfg.Logger.Named("admission"),
		metrics:     cfg.Metrics,
		systemLimit: cfg.SystemLimit,
		timeout:     cfg.Timeout,
	}
}

// Reserve runs the two-level admission check and either reserves a slot,
// queues the request, or rejects it. The whole decision executes as one
// transaction: the guard row lock makes check-plus-insert linearizable.
func (c *Controller) Reserve(ctx context.Context, req ReserveRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result *Result
	err := c.db.WithRetry(ctx, func() error {
		return c.db.WithTx(ctx, func(tx pgx.Tx) error {
			r, err := c.reserveTx(ctx, tx, req)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || store.IsTransient(err) {
			// The rollback removed any partial rows; surface as transient.
			c.logger.Warn("admission timed out",
				"user", privacy.Hash(req.UserID.String()), "error", err)
			c.observe(string(DecisionRejected), req.Kind)
			return &Result{Decision: DecisionRejected, Reason: ReasonTransient}, nil
		}
		return nil, err
	}
	c.observe(string(result.Decision), req.Kind)
	return result, nil
}

func (c *Controller) reserveTx(ctx context.Context, tx pgx.Tx, req ReserveRequest) (*Result, error) {
	// Serialize all admission decisions on the singleton guard row. Slot
	// counts and the insert below therefore observe a consistent view.
	if _, err := tx.Exec(ctx, `SELECT id FROM admission_guard FOR UPDATE`); err != nil {
		return nil, fmt.Errorf("admission: lock guard: %w", err)
	}

	user, err := c.users.Get(ctx, tx, req.UserID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return &Result{Decision: DecisionRejected, Reason: ReasonUnknownUser}, nil
		}
		return nil, err
	}
	if user.ConcurrentLimit <= 0 {
		return &Result{Decision: DecisionRejected, Reason: ReasonNoConcurrency}, nil
	}
	if req.Kind == calls.SourceDirect && user.CreditBalance < 1 {
		return &Result{Decision: DecisionRejected, Reason: ReasonInsufficientCredits}, nil
	}

	userCount, globalCount, err := c.slots.Counts(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if globalCount >= c.systemLimit || userCount >= user.ConcurrentLimit {
		if req.FromQueue {
			return &Result{Decision: DecisionNoCapacity}, nil
		}
		return c.enqueueTx(ctx, tx, req)
	}

	callID := uuid.New()
	if err := c.calls.Create(ctx, tx, calls.CreateRequest{
		ID:         callID,
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		ContactID:  req.ContactID,
		CampaignID: req.CampaignID,
		Phone:      req.Phone,
		Source:     req.Kind,
	}); err != nil {
		return nil, err
	}
	if err := c.slots.Reserve(ctx, tx, callID, req.UserID, slotKindFor(req.Kind)); err != nil {
		return nil, err
	}
	return &Result{Decision: DecisionAdmitted, CallID: callID}, nil
}

func (c *Controller) enqueueTx(ctx context.Context, tx pgx.Tx, req ReserveRequest) (*Result, error) {
	priority := req.Priority
	if priority == 0 && req.Kind == calls.SourceDirect {
		priority = queue.PriorityDirect
	}
	entryID, err := c.queue.Enqueue(ctx, tx, queue.EnqueueRequest{
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		ContactID:  req.ContactID,
		CampaignID: req.CampaignID,
		Phone:      req.Phone,
		Source:     req.Kind,
		Priority:   priority,
	})
	if err != nil {
		return nil, err
	}
	position, err := c.queue.Position(ctx, tx, entryID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Decision:             DecisionQueued,
		QueueEntryID:         entryID,
		Position:             position,
		EstimatedWaitSeconds: position * estimatedSecondsPerSlot,
	}, nil
}

func slotKindFor(src calls.Source) SlotKind {
	if src == calls.SourceCampaign {
		return SlotCampaign
	}
	return SlotDirect
}

// AttachExecutionID records the provider's execution id on both the slot and
// the call row once the provider has acknowledged the call.
func (c *Controller) AttachExecutionID(ctx context.Context, callID uuid.UUID, executionID string) error {
	if err := c.slots.AttachExecutionID(ctx, callID, executionID); err != nil {
		return err
	}
	if err := c.calls.AttachExecutionID(ctx, callID, executionID); err != nil && !errors.Is(err, calls.ErrCallNotFound) {
		return err
	}
	return nil
}

// ReleaseByInternalID frees the slot. Idempotent; callers must invoke this
// when the provider dispatch fails after an admit.
func (c *Controller) ReleaseByInternalID(ctx context.Context, callID uuid.UUID) error {
	return c.slots.ReleaseByCallID(ctx, nil, callID)
}

// ReleaseByExecutionID frees the slot by provider id. Idempotent; used from
// webhook paths that only know the provider's identifier.
func (c *Controller) ReleaseByExecutionID(ctx context.Context, executionID string) error {
	return c.slots.ReleaseByExecutionID(ctx, nil, executionID)
}

func (c *Controller) observe(outcome string, kind calls.Source) {
	if c.metrics != nil {
		c.metrics.ObserveAdmission(outcome, string(kind))
	}
}
