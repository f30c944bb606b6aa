package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/callplane/internal/store"
)

// SlotKind tags why the slot is held.
type SlotKind string

const (
	SlotDirect   SlotKind = "direct"
	SlotCampaign SlotKind = "campaign"
	SlotInbound  SlotKind = "inbound"
)

// SlotRegistry is the active_calls table: one row per concurrent call in
// flight. A row exists iff the call holds a slot.
type SlotRegistry struct {
	pool store.PgxPool
}

// NewSlotRegistry creates a slot registry backed by pgx.
func NewSlotRegistry(pool store.PgxPool) *SlotRegistry {
	if pool == nil {
		panic("admission: pgx pool required")
	}
	return &SlotRegistry{pool: pool}
}

func (r *SlotRegistry) querier(q store.Querier) store.Querier {
	if q == nil {
		return r.pool
	}
	return q
}

// Counts reads the per-user and global slot counts in a single statement so
// both observe the same snapshot. Inbound slots consume system capacity but
// are excluded from the per-user count: an active inbound call must not eat
// the user's outbound headroom.
func (r *SlotRegistry) Counts(ctx context.Context, q store.Querier, userID uuid.UUID) (userCount, globalCount int, err error) {
	query := `
		SELECT count(*) FILTER (WHERE user_id = $1 AND kind <> 'inbound'), count(*)
		FROM active_calls
	`
	if err := r.querier(q).QueryRow(ctx, query, userID).Scan(&userCount, &globalCount); err != nil {
		return 0, 0, fmt.Errorf("admission: count slots: %w", err)
	}
	return userCount, globalCount, nil
}

// Reserve inserts the slot row. The call id doubles as the primary key, so a
// duplicate reservation for the same call fails on the constraint.
func (r *SlotRegistry) Reserve(ctx context.Context, q store.Querier, callID, userID uuid.UUID, kind SlotKind) error {
	query := `
		INSERT INTO active_calls (call_id, user_id, kind, reserved_at)
		VALUES ($1, $2, $3, now())
	`
	if _, err := r.querier(q).Exec(ctx, query, callID, userID, kind); err != nil {
		return fmt.Errorf("admission: reserve slot: %w", err)
	}
	return nil
}

// ReserveInbound inserts a slot for a call first observed via webhook.
// Idempotent: a replayed first webhook must not reserve twice.
func (r *SlotRegistry) ReserveInbound(ctx context.Context, q store.Querier, callID, userID uuid.UUID, executionID string) error {
	query := `
		INSERT INTO active_calls (call_id, user_id, kind, execution_id, reserved_at)
		VALUES ($1, $2, 'inbound', $3, now())
		ON CONFLICT (call_id) DO NOTHING
	`
	if _, err := r.querier(q).Exec(ctx, query, callID, userID, executionID); err != nil {
		return fmt.Errorf("admission: reserve inbound slot: %w", err)
	}
	return nil
}

// AttachExecutionID fills in the provider id after ACK so webhook paths can
// release the slot without knowing the internal id.
func (r *SlotRegistry) AttachExecutionID(ctx context.Context, callID uuid.UUID, executionID string) error {
	query := `
		UPDATE active_calls SET execution_id = $2
		WHERE call_id = $1 AND execution_id IS NULL
	`
	if _, err := r.pool.Exec(ctx, query, callID, executionID); err != nil {
		return fmt.Errorf("admission: attach execution id: %w", err)
	}
	return nil
}

// ReleaseByCallID deletes the slot row. Idempotent: releasing an absent slot
// is not an error.
func (r *SlotRegistry) ReleaseByCallID(ctx context.Context, q store.Querier, callID uuid.UUID) error {
	if _, err := r.querier(q).Exec(ctx, `DELETE FROM active_calls WHERE call_id = $1`, callID); err != nil {
		return fmt.Errorf("admission: release slot by call id: %w", err)
	}
	return nil
}

// ReleaseByExecutionID deletes the slot row by provider id. Idempotent.
func (r *SlotRegistry) ReleaseByExecutionID(ctx context.Context, q store.Querier, executionID string) error {
	if _, err := r.querier(q).Exec(ctx, `DELETE FROM active_calls WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("admission: release slot by execution id: %w", err)
	}
	return nil
}

// ReapStale deletes every slot reserved before the cutoff and returns the
// call ids so the caller can fail any call still marked live. A slot older
// than the maximum call duration is stale by definition: either the final
// webhook was lost or the caller crashed between admit and provider ACK.
func (r *SlotRegistry) ReapStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	query := `
		DELETE FROM active_calls
		WHERE reserved_at < $1
		RETURNING call_id
	`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("admission: reap stale slots: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("admission: scan reaped slot: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
