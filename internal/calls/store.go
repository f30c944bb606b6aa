package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/store"
)

// ErrCallNotFound is returned when a call id or execution id has no row.
var ErrCallNotFound = errors.New("calls: call not found")

// Store persists call records in Postgres.
type Store struct {
	pool store.PgxPool
}

// NewStore creates a call store backed by pgx.
func NewStore(pool store.PgxPool) *Store {
	if pool == nil {
		panic("calls: pgx pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) querier(q store.Querier) store.Querier {
	if q == nil {
		return s.pool
	}
	return q
}

// CreateRequest carries the fields the admission path knows before the
// provider has acknowledged anything.
type CreateRequest struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	AgentID    uuid.UUID
	ContactID  *uuid.UUID
	CampaignID *uuid.UUID
	Phone      string
	Source     Source
}

// Create inserts a new call in the initiated state. The caller supplies the
// id so the slot registry row can share it.
func (s *Store) Create(ctx context.Context, q store.Querier, req CreateRequest) error {
	query := `
		INSERT INTO calls (id, user_id, agent_id, contact_id, campaign_id, phone, source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.querier(q).Exec(ctx, query,
		req.ID, req.UserID, req.AgentID, req.ContactID, req.CampaignID,
		req.Phone, req.Source, StatusInitiated,
	); err != nil {
		return fmt.Errorf("calls: insert: %w", err)
	}
	return nil
}

// AttachExecutionID records the provider's call identifier after ACK.
func (s *Store) AttachExecutionID(ctx context.Context, id uuid.UUID, executionID string) error {
	query := `
		UPDATE calls SET execution_id = $2, updated_at = now()
		WHERE id = $1 AND execution_id IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, executionID)
	if err != nil {
		return fmt.Errorf("calls: attach execution id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

// GetByExecutionID fetches the call the provider is talking about.
func (s *Store) GetByExecutionID(ctx context.Context, q store.Querier, executionID string) (*Call, error) {
	query := `
		SELECT id, user_id, agent_id, contact_id, campaign_id, phone, execution_id,
		       source, status, ringing_started_at, answered_at, disconnected_at,
		       hangup_by, hangup_reason, hangup_provider_code, transcript,
		       recording_url, duration_seconds, credits_consumed, fail_reason,
		       created_at, updated_at
		FROM calls
		WHERE execution_id = $1
	`
	return s.scanOne(s.querier(q).QueryRow(ctx, query, executionID))
}

// GetByID fetches a call by its internal id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Call, error) {
	query := `
		SELECT id, user_id, agent_id, contact_id, campaign_id, phone, execution_id,
		       source, status, ringing_started_at, answered_at, disconnected_at,
		       hangup_by, hangup_reason, hangup_provider_code, transcript,
		       recording_url, duration_seconds, credits_consumed, fail_reason,
		       created_at, updated_at
		FROM calls
		WHERE id = $1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) scanOne(row pgx.Row) (*Call, error) {
	var c Call
	if err := row.Scan(
		&c.ID, &c.UserID, &c.AgentID, &c.ContactID, &c.CampaignID, &c.Phone,
		&c.ExecutionID, &c.Source, &c.Status, &c.RingingStartedAt, &c.AnsweredAt,
		&c.DisconnectedAt, &c.HangupBy, &c.HangupReason, &c.HangupProviderCode,
		&c.Transcript, &c.RecordingURL, &c.DurationSeconds, &c.CreditsConsumed,
		&c.FailReason, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("calls: select: %w", err)
	}
	return &c, nil
}

// InboundCreate carries the fields available when a call is first learned of
// through a webhook rather than through admission.
type InboundCreate struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	AgentID     uuid.UUID
	ContactID   *uuid.UUID
	Phone       string
	ExecutionID string
}

// CreateInbound inserts a call row discovered via webhook. The execution id
// uniqueness constraint makes concurrent first-webhook replays collapse to a
// single row; conflicts are reported as no-ops.
func (s *Store) CreateInbound(ctx context.Context, q store.Querier, req InboundCreate) error {
	query := `
		INSERT INTO calls (id, user_id, agent_id, contact_id, phone, execution_id, source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) WHERE execution_id IS NOT NULL DO NOTHING
	`
	if _, err := s.querier(q).Exec(ctx, query,
		req.ID, req.UserID, req.AgentID, req.ContactID, req.Phone,
		req.ExecutionID, SourceInbound, StatusInitiated,
	); err != nil {
		return fmt.Errorf("calls: insert inbound: %w", err)
	}
	return nil
}

// MarkRinging records the ringing timestamp exactly once and advances the
// status if the call has not already moved past ringing.
func (s *Store) MarkRinging(ctx context.Context, executionID string, at time.Time) error {
	query := `
		UPDATE calls
		SET ringing_started_at = COALESCE(ringing_started_at, $2),
		    status = CASE WHEN status = 'initiated' THEN 'ringing' ELSE status END,
		    updated_at = now()
		WHERE execution_id = $1 AND ringing_started_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, executionID, at); err != nil {
		return fmt.Errorf("calls: mark ringing: %w", err)
	}
	return nil
}

// MarkAnswered records the answer timestamp exactly once.
func (s *Store) MarkAnswered(ctx context.Context, executionID string, at time.Time) error {
	query := `
		UPDATE calls
		SET answered_at = COALESCE(answered_at, $2),
		    status = CASE WHEN status IN ('initiated', 'ringing') THEN 'in-progress' ELSE status END,
		    updated_at = now()
		WHERE execution_id = $1 AND answered_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, executionID, at); err != nil {
		return fmt.Errorf("calls: mark answered: %w", err)
	}
	return nil
}

// Disconnection carries the artifacts that arrive when the audio path ends.
// The transcript is available here, not at completion.
type Disconnection struct {
	At                 time.Time
	Transcript         *string
	HangupBy           *string
	HangupReason       *string
	HangupProviderCode *string
}

// MarkDisconnected persists the transcript and hang-up attribution. The
// transcript is written at most once; the null-check makes replays no-ops.
func (s *Store) MarkDisconnected(ctx context.Context, executionID string, d Disconnection) error {
	query := `
		UPDATE calls
		SET disconnected_at = COALESCE(disconnected_at, $2),
		    transcript = COALESCE(transcript, $3),
		    hangup_by = COALESCE(hangup_by, $4),
		    hangup_reason = COALESCE(hangup_reason, $5),
		    hangup_provider_code = COALESCE(hangup_provider_code, $6),
		    status = CASE WHEN status IN ('initiated', 'ringing', 'in-progress') THEN 'call-disconnected' ELSE status END,
		    updated_at = now()
		WHERE execution_id = $1 AND disconnected_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query,
		executionID, d.At, d.Transcript, d.HangupBy, d.HangupReason, d.HangupProviderCode,
	); err != nil {
		return fmt.Errorf("calls: mark disconnected: %w", err)
	}
	return nil
}

// Completion is the terminal-success artifact set.
type Completion struct {
	RecordingURL    *string
	DurationSeconds int
	Credits         int
}

// FinalizeCompleted moves the call to its terminal success state inside the
// caller's transaction. Returns false when the call was already terminal, so
// the caller can skip the side effects on replay.
func (s *Store) FinalizeCompleted(ctx context.Context, q store.Querier, executionID string, c Completion) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'completed',
		    recording_url = COALESCE(recording_url, $2),
		    duration_seconds = $3,
		    credits_consumed = $4,
		    updated_at = now()
		WHERE execution_id = $1
		  AND status NOT IN ('completed', 'failed', 'busy', 'no-answer')
	`
	tag, err := s.querier(q).Exec(ctx, query, executionID, c.RecordingURL, c.DurationSeconds, c.Credits)
	if err != nil {
		return false, fmt.Errorf("calls: finalize completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeFailedFast moves the call to busy or no-answer. Returns false when
// the call was already terminal.
func (s *Store) FinalizeFailedFast(ctx context.Context, q store.Querier, executionID string, status Status) (bool, error) {
	if status != StatusBusy && status != StatusNoAnswer {
		return false, fmt.Errorf("calls: %q is not a failed-fast status", status)
	}
	query := `
		UPDATE calls
		SET status = $2, updated_at = now()
		WHERE execution_id = $1
		  AND status NOT IN ('completed', 'failed', 'busy', 'no-answer')
	`
	tag, err := s.querier(q).Exec(ctx, query, executionID, status)
	if err != nil {
		return false, fmt.Errorf("calls: finalize %s: %w", status, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountFailedFastAttempts counts busy / no-answer outcomes for a contact
// within a campaign, which bounds the redial policy.
func (s *Store) CountFailedFastAttempts(ctx context.Context, campaignID, contactID uuid.UUID) (int, error) {
	query := `
		SELECT count(*)
		FROM calls
		WHERE campaign_id = $1 AND contact_id = $2 AND status IN ('busy', 'no-answer')
	`
	var n int
	if err := s.pool.QueryRow(ctx, query, campaignID, contactID).Scan(&n); err != nil {
		return 0, fmt.Errorf("calls: count failed-fast attempts: %w", err)
	}
	return n, nil
}

// MarkFailed records a terminal failure by internal id, used when the
// provider never acknowledged the call (timeout, 5xx).
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE calls
		SET status = 'failed', fail_reason = $2, updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'busy', 'no-answer')
	`
	if _, err := s.pool.Exec(ctx, query, id, reason); err != nil {
		return fmt.Errorf("calls: mark failed: %w", err)
	}
	return nil
}
