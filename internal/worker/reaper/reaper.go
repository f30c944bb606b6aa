package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/callplane/internal/observability/metrics"
	"github.com/voxline-ai/callplane/pkg/logging"
)

type slotReaper interface {
	ReapStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

type callFailer interface {
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

const failReason = "exceeded_max_duration"

// Reaper frees slots held past the maximum call duration. Without it a lost
// terminal webhook would pin capacity forever.
type Reaper struct {
	slots   slotReaper
	calls   callFailer
	logger  *logging.Logger
	metrics *metrics.CallMetrics

	interval time.Duration
	maxAge   time.Duration
}

// Config wires the reaper.
type Config struct {
	Slots    slotReaper
	Calls    callFailer
	Logger   *logging.Logger
	Metrics  *metrics.CallMetrics
	Interval time.Duration
	MaxAge   time.Duration
}

// New builds the stale slot reaper.
func New(cfg Config) *Reaper {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Hour
	}
	return &Reaper{
		slots:    cfg.Slots,
		calls:    cfg.Calls,
		logger:   cfg.Logger.Named("slot-reaper"),
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reaps one batch of expired slots and fails their calls if still live.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.maxAge)
	callIDs, err := r.slots.ReapStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("stale slot sweep failed", "error", err)
		return
	}
	if len(callIDs) == 0 {
		return
	}
	for _, id := range callIDs {
		// Conditional update: calls that reached a terminal state on their
		// own are left untouched.
		if err := r.calls.MarkFailed(ctx, id, failReason); err != nil {
			r.logger.Error("failing reaped call failed", "call_id", id, "error", err)
		}
	}
	r.logger.Warn("reaped stale slots", "count", len(callIDs), "cutoff", cutoff)
	if r.metrics != nil {
		r.metrics.AddSlotsReaped(len(callIDs))
	}
}
