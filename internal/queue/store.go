package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/store"
)

// Entry statuses. Terminal rows are deleted after a short grace period; the
// historical trace lives on the call row.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Priorities: direct calls drain ahead of campaign calls.
const (
	PriorityDirect   = 100
	PriorityCampaign = 0
)

var (
	// ErrEntryNotFound is returned when a queue entry id has no row.
	ErrEntryNotFound = errors.New("queue: entry not found")
	// ErrAlreadyQueued is returned when the same contact is already pending
	// within the same campaign.
	ErrAlreadyQueued = errors.New("queue: contact already queued for campaign")
)

// Entry is one pending call waiting for capacity.
type Entry struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	AgentID      uuid.UUID
	ContactID    *uuid.UUID
	CampaignID   *uuid.UUID
	Phone        string
	Source       calls.Source
	Priority     int
	ScheduledFor *time.Time
	Status       string
	Attempts     int
	LastError    *string
	CreatedAt    time.Time
}

// EnqueueRequest carries the fields needed to persist a pending call.
type EnqueueRequest struct {
	UserID       uuid.UUID
	AgentID      uuid.UUID
	ContactID    *uuid.UUID
	CampaignID   *uuid.UUID
	Phone        string
	Source       calls.Source
	Priority     int
	ScheduledFor *time.Time
}

// Store persists the durable call queue in Postgres.
type Store struct {
	pool store.PgxPool
}

// NewStore creates a queue store backed by pgx.
func NewStore(pool store.PgxPool) *Store {
	if pool == nil {
		panic("queue: pgx pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) querier(q store.Querier) store.Querier {
	if q == nil {
		return s.pool
	}
	return q
}

// Enqueue inserts a queued entry. A partial unique index on
// (user_id, contact_id, campaign_id) where status = 'queued' rejects
// double-enqueues of the same contact while one is still pending.
func (s *Store) Enqueue(ctx context.Context, q store.Querier, req EnqueueRequest) (uuid.UUID, error) {
	query := `
		INSERT INTO call_queue (id, user_id, agent_id, contact_id, campaign_id, phone, source, priority, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'queued')
		ON CONFLICT DO NOTHING
		RETURNING id
	`
	id := uuid.New()
	if err := s.querier(q).QueryRow(ctx, query,
		id, req.UserID, req.AgentID, req.ContactID, req.CampaignID,
		req.Phone, req.Source, req.Priority, req.ScheduledFor,
	).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrAlreadyQueued
		}
		return uuid.Nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

const entryColumns = `
	id, user_id, agent_id, contact_id, campaign_id, phone, source,
	priority, scheduled_for, status, attempts, last_error, created_at
`

// ClaimNext atomically selects the next eligible entry for a user with a
// skip-locked row lock so concurrent workers never contend on the same row.
// Must run inside the caller's transaction: the lock is held until commit.
func (s *Store) ClaimNext(ctx context.Context, tx store.Querier, userID uuid.UUID, now time.Time) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM call_queue
		WHERE status = 'queued'
		  AND user_id = $1
		  AND (scheduled_for IS NULL OR scheduled_for <= $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	return s.scanOne(s.querier(tx).QueryRow(ctx, query, userID, now))
}

func (s *Store) scanOne(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID, &e.UserID, &e.AgentID, &e.ContactID, &e.CampaignID, &e.Phone,
		&e.Source, &e.Priority, &e.ScheduledFor, &e.Status, &e.Attempts,
		&e.LastError, &e.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("queue: select entry: %w", err)
	}
	return &e, nil
}

// GetByID fetches a queue entry.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM call_queue WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// MarkProcessing flips a claimed entry to processing.
func (s *Store) MarkProcessing(ctx context.Context, q store.Querier, id uuid.UUID) error {
	return s.setStatus(ctx, q, id, StatusProcessing, nil)
}

// MarkCompleted removes the entry: the call row is the durable trace.
func (s *Store) MarkCompleted(ctx context.Context, q store.Querier, id uuid.UUID) error {
	if _, err := s.querier(q).Exec(ctx, `DELETE FROM call_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("queue: delete completed entry: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure with its reason.
func (s *Store) MarkFailed(ctx context.Context, q store.Querier, id uuid.UUID, reason string) error {
	return s.setStatus(ctx, q, id, StatusFailed, &reason)
}

func (s *Store) setStatus(ctx context.Context, q store.Querier, id uuid.UUID, status string, lastError *string) error {
	query := `
		UPDATE call_queue
		SET status = $2, last_error = COALESCE($3, last_error), updated_at = now()
		WHERE id = $1
	`
	tag, err := s.querier(q).Exec(ctx, query, id, status, lastError)
	if err != nil {
		return fmt.Errorf("queue: set status %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Cancel prevents future claims. An already-claimed (processing) entry is not
// retroactively cancelled.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE call_queue
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'queued'
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Reschedule pushes a claimed entry back to queued with a future eligibility
// time, bumping the attempt counter. Used for dispatch retry backoff and for
// campaign-window deferrals.
func (s *Store) Reschedule(ctx context.Context, q store.Querier, id uuid.UUID, at time.Time, bumpAttempts bool, lastError *string) error {
	query := `
		UPDATE call_queue
		SET status = 'queued',
		    scheduled_for = $2,
		    attempts = attempts + CASE WHEN $3 THEN 1 ELSE 0 END,
		    last_error = COALESCE($4, last_error),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := s.querier(q).Exec(ctx, query, id, at, bumpAttempts, lastError)
	if err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Position returns the 1-based rank of the entry among queued entries at
// same-or-higher priority. The outer select is anchored on the entry's own
// row so an unknown id reads as no rows, not as rank 1.
func (s *Store) Position(ctx context.Context, q store.Querier, id uuid.UUID) (int, error) {
	query := `
		SELECT (
			SELECT count(*)
			FROM call_queue other
			WHERE other.status = 'queued'
			  AND other.id <> me.id
			  AND (other.priority > me.priority
			       OR (other.priority = me.priority AND other.created_at < me.created_at))
		) + 1
		FROM call_queue me
		WHERE me.id = $1
	`
	var pos int
	if err := s.querier(q).QueryRow(ctx, query, id).Scan(&pos); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrEntryNotFound
		}
		return 0, fmt.Errorf("queue: position: %w", err)
	}
	return pos, nil
}

// UsersWithQueuedWork lists users with eligible queued entries, highest
// priority first so direct backlogs drain before campaign backlogs.
func (s *Store) UsersWithQueuedWork(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM call_queue
		WHERE status = 'queued'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		GROUP BY user_id
		ORDER BY max(priority) DESC, min(created_at) ASC
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("queue: list users: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("queue: scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Depth counts queued entries, for the queue depth gauge.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM call_queue WHERE status = 'queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// PurgeTerminal deletes failed/cancelled rows older than the grace period to
// bound table size.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		DELETE FROM call_queue
		WHERE status IN ('failed', 'cancelled') AND updated_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("queue: purge terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
