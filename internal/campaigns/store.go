package campaigns

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/store"
)

// ErrCampaignNotFound is returned for unknown campaign ids.
var ErrCampaignNotFound = errors.New("campaigns: campaign not found")

// Campaign holds the scheduling slice of a campaign record: the dialing
// window and the redial policy for busy / no-answer outcomes.
type Campaign struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	AgentID           uuid.UUID
	Window            CallWindow
	MaxRedialAttempts int
}

// Store reads campaign scheduling config and writes progress counters.
type Store struct {
	pool store.PgxPool
}

// NewStore creates a campaign store backed by pgx.
func NewStore(pool store.PgxPool) *Store {
	if pool == nil {
		panic("campaigns: pgx pool required")
	}
	return &Store{pool: pool}
}

// Get loads a campaign's scheduling config.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `
		SELECT id, user_id, agent_id,
		       COALESCE(window_start, ''), COALESCE(window_end, ''), COALESCE(timezone, 'UTC'),
		       COALESCE(max_redial_attempts, 0)
		FROM campaigns
		WHERE id = $1
	`
	var (
		c                      Campaign
		windowStart, windowEnd string
		tz                     string
	)
	if err := s.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.UserID, &c.AgentID, &windowStart, &windowEnd, &tz, &c.MaxRedialAttempts,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("campaigns: select: %w", err)
	}
	window, err := ParseCallWindow(windowStart, windowEnd, tz)
	if err != nil {
		return nil, err
	}
	c.Window = window
	return &c, nil
}

// RecordOutcome bumps the campaign's progress counters. Runs best-effort in
// its own transaction; a miss here only skews dashboards, not billing.
func (s *Store) RecordOutcome(ctx context.Context, q store.Querier, id uuid.UUID, completed bool) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE campaigns
		SET calls_attempted = calls_attempted + 1,
		    calls_completed = calls_completed + CASE WHEN $2 THEN 1 ELSE 0 END,
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, completed); err != nil {
		return fmt.Errorf("campaigns: record outcome: %w", err)
	}
	return nil
}
