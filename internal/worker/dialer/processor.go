package dialer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/admission"
	"github.com/voxline-ai/callplane/internal/campaigns"
	"github.com/voxline-ai/callplane/internal/observability/metrics"
	"github.com/voxline-ai/callplane/internal/provider"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
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

type campaignReader interface {
	Get(ctx context.Context, id uuid.UUID) (*campaigns.Campaign, error)
}

type callFailer interface {
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// How long terminal queue rows linger before cleanup.
const purgeGrace = 5 * time.Minute

// Processor drains the durable queue into admitted calls whenever capacity
// frees up. One logical leader runs the tick; additional workers are safe
// because claims use skip-locked row locks.
type Processor struct {
	db        *store.Store
	queue     *queue.Store
	slots     *admission.SlotRegistry
	admitter  admitter
	dialer    callDialer
	agents    agentResolver
	campaigns campaignReader
	calls     callFailer
	logger    *logging.Logger
	metrics   *metrics.CallMetrics

	interval    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	systemLimit int
	wake        chan struct{}
	dispatch    func(ctx context.Context, entry *queue.Entry, callID uuid.UUID)
}

// Config wires the processor.
type Config struct {
	DB          *store.Store
	Queue       *queue.Store
	Slots       *admission.SlotRegistry
	Admitter    admitter
	Dialer      callDialer
	Agents      agentResolver
	Campaigns   campaignReader
	Calls       callFailer
	Logger      *logging.Logger
	Metrics     *metrics.CallMetrics
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	SystemLimit int
}

// NewProcessor builds the queue processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.SystemLimit <= 0 {
		cfg.SystemLimit = 10
	}
	p := &Processor{
		db:          cfg.DB,
		queue:       cfg.Queue,
		slots:       cfg.Slots,
		admitter:    cfg.Admitter,
		dialer:      cfg.Dialer,
		agents:      cfg.Agents,
		campaigns:   cfg.Campaigns,
		calls:       cfg.Calls,
		logger:      cfg.Logger.Named("queue-processor"),
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		systemLimit: cfg.SystemLimit,
		wake:        make(chan struct{}, 1),
	}
	p.dispatch = p.dispatchEntry
	return p
}

// Run ticks until the context is cancelled. Ticks never overlap: the next
// tick waits for the prior drain to finish.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.drain(ctx)
		case <-ticker.C:
			start := time.Now()
			p.drain(ctx)
			if elapsed := time.Since(start); elapsed > p.interval {
				p.logger.Warn("tick overran its period", "elapsed", elapsed, "interval", p.interval)
			}
		}
	}
}

// Wake nudges the run loop to drain ahead of the next tick, e.g. right after
// a slot release frees capacity. Non-blocking; concurrent wakes coalesce into
// at most one pending drain.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) drain(ctx context.Context) {
	now := time.Now().UTC()

	if depth, err := p.queue.Depth(ctx); err == nil && p.metrics != nil {
		p.metrics.SetQueueDepth(depth)
	}
	if _, err := p.queue.PurgeTerminal(ctx, now.Add(-purgeGrace)); err != nil {
		p.logger.Warn("terminal purge failed", "error", err)
	}

	if p.globalFull(ctx) {
		return
	}

	userIDs, err := p.queue.UsersWithQueuedWork(ctx, now)
	if err != nil {
		p.logger.Error("listing users with queued work failed", "error", err)
		return
	}

	// Round-robin over users: each gets its available headroom this tick, so
	// one backlog cannot starve the rest.
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		p.drainUser(ctx, userID)
		// Capacity may have filled mid-tick; re-check before the next user.
		if p.globalFull(ctx) {
			return
		}
	}
}

func (p *Processor) globalFull(ctx context.Context) bool {
	_, globalCount, err := p.slots.Counts(ctx, nil, uuid.Nil)
	if err != nil {
		p.logger.Error("global slot count failed", "error", err)
		return true
	}
	return globalCount >= p.systemLimit
}

func (p *Processor) drainUser(ctx context.Context, userID uuid.UUID) {
	for {
		entry, err := p.claimOne(ctx, userID)
		if err != nil {
			if !errors.Is(err, queue.ErrEntryNotFound) {
				p.logger.Error("claim failed", "user_id", userID, "error", err)
			}
			return
		}
		if entry == nil {
			// Claimed entry was deferred (campaign window closed).
			continue
		}

		result, err := p.admitter.Reserve(ctx, admission.ReserveRequest{
			UserID:     entry.UserID,
			AgentID:    entry.AgentID,
			ContactID:  entry.ContactID,
			CampaignID: entry.CampaignID,
			Phone:      entry.Phone,
			Kind:       entry.Source,
			FromQueue:  true,
		})
		if err != nil {
			p.logger.Error("queued admission failed", "entry_id", entry.ID, "error", err)
			p.requeue(ctx, entry, nil)
			return
		}
		switch result.Decision {
		case admission.DecisionAdmitted:
			go p.dispatch(context.WithoutCancel(ctx), entry, result.CallID)
		case admission.DecisionNoCapacity:
			p.requeue(ctx, entry, nil)
			return
		default:
			reason := string(result.Reason)
			p.logger.Warn("queued entry rejected", "entry_id", entry.ID, "reason", reason)
			if err := p.queue.MarkFailed(ctx, nil, entry.ID, reason); err != nil {
				p.logger.Error("mark failed errored", "entry_id", entry.ID, "error", err)
			}
			return
		}
	}
}

// claimOne locks and claims the next eligible entry for the user. Campaign
// entries outside their dialing window are pushed forward to the window's
// next opening and reported as nil.
func (p *Processor) claimOne(ctx context.Context, userID uuid.UUID) (*queue.Entry, error) {
	now := time.Now().UTC()
	var claimed *queue.Entry
	err := p.db.WithTx(ctx, func(tx pgx.Tx) error {
		entry, err := p.queue.ClaimNext(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if entry.CampaignID != nil {
			campaign, err := p.campaigns.Get(ctx, *entry.CampaignID)
			if err != nil {
				return err
			}
			if !campaign.Window.Open(now) {
				return p.queue.Reschedule(ctx, tx, entry.ID, campaign.Window.NextOpen(now), false, nil)
			}
		}
		if err := p.queue.MarkProcessing(ctx, tx, entry.ID); err != nil {
			return err
		}
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// dispatchEntry hands an admitted entry to the provider and settles the
// queue row. Runs off the tick goroutine so a slow provider cannot stall the
// drain loop.
func (p *Processor) dispatchEntry(ctx context.Context, entry *queue.Entry, callID uuid.UUID) {
	agentProviderID, err := p.agents.AgentProviderID(ctx, entry.UserID, entry.AgentID)
	if err != nil {
		p.settleFailure(ctx, entry, callID, "unknown_agent", false)
		return
	}
	ack, err := p.dialer.PlaceCall(ctx, provider.CallRequest{
		AgentID:        agentProviderID,
		RecipientPhone: entry.Phone,
		UserData:       map[string]string{"call_id": callID.String()},
	})
	if err != nil {
		reason := "provider_error"
		if errors.Is(err, provider.ErrTimeout) {
			reason = "provider_timeout"
		}
		p.logger.Error("provider dispatch failed", "entry_id", entry.ID, "call_id", callID, "error", err)
		p.settleFailure(ctx, entry, callID, reason, true)
		return
	}

	if err := p.admitter.AttachExecutionID(ctx, callID, ack.ExecutionID); err != nil {
		p.logger.Error("attaching execution id failed", "call_id", callID, "error", err)
	}
	if err := p.queue.MarkCompleted(ctx, nil, entry.ID); err != nil {
		p.logger.Error("queue completion failed", "entry_id", entry.ID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.ObserveDispatch("ok")
	}
}

// settleFailure releases the slot the admission granted, fails the call row,
// and either retries the queue entry with backoff or fails it for good.
func (p *Processor) settleFailure(ctx context.Context, entry *queue.Entry, callID uuid.UUID, reason string, retryable bool) {
	if err := p.admitter.ReleaseByInternalID(ctx, callID); err != nil {
		p.logger.Error("slot release failed", "call_id", callID, "error", err)
	}
	if err := p.calls.MarkFailed(ctx, callID, reason); err != nil {
		p.logger.Error("call failure record failed", "call_id", callID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.ObserveDispatch(reason)
	}
	if retryable && entry.Attempts+1 < p.maxAttempts {
		p.requeueWithBackoff(ctx, entry, reason)
		return
	}
	if err := p.queue.MarkFailed(ctx, nil, entry.ID, reason); err != nil {
		p.logger.Error("mark failed errored", "entry_id", entry.ID, "error", err)
	}
}

func (p *Processor) requeue(ctx context.Context, entry *queue.Entry, lastError *string) {
	at := time.Now().UTC()
	if err := p.queue.Reschedule(ctx, nil, entry.ID, at, false, lastError); err != nil {
		p.logger.Error("requeue failed", "entry_id", entry.ID, "error", err)
	}
}

func (p *Processor) requeueWithBackoff(ctx context.Context, entry *queue.Entry, reason string) {
	delay := p.nextDelay(entry.Attempts)
	at := time.Now().UTC().Add(delay)
	if err := p.queue.Reschedule(ctx, nil, entry.ID, at, true, &reason); err != nil {
		p.logger.Error("retry reschedule failed", "entry_id", entry.ID, "error", err)
	}
}

func (p *Processor) nextDelay(attempts int) time.Duration {
	delay := p.baseDelay * time.Duration(1<<attempts)
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
