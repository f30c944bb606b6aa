package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/store"
)

// ErrUserNotFound is returned for unknown user ids.
var ErrUserNotFound = errors.New("users: user not found")

// User carries the admission-relevant slice of the account record.
type User struct {
	ID              uuid.UUID
	CreditBalance   int
	ConcurrentLimit int
}

// Store reads user limits and balances from Postgres.
type Store struct {
	pool         store.PgxPool
	defaultLimit int
}

// NewStore creates a user store. defaultLimit applies when the user row has
// no per-user override.
func NewStore(pool store.PgxPool, defaultLimit int) *Store {
	if pool == nil {
		panic("users: pgx pool required")
	}
	if defaultLimit <= 0 {
		defaultLimit = 2
	}
	return &Store{pool: pool, defaultLimit: defaultLimit}
}

// Get loads a user, applying the default concurrency limit when the row's
// override is null.
func (s *Store) Get(ctx context.Context, q store.Querier, id uuid.UUID) (*User, error) {
	if q == nil {
		q = s.pool
	}
	query := `
		SELECT id, credit_balance, COALESCE(concurrent_calls_limit, $2)
		FROM users
		WHERE id = $1
	`
	var u User
	if err := q.QueryRow(ctx, query, id, s.defaultLimit).Scan(&u.ID, &u.CreditBalance, &u.ConcurrentLimit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("users: select: %w", err)
	}
	return &u, nil
}

// AgentProviderID resolves an agent owned by the user to its provider-side
// id. The composite ownership check prevents cross-user agent use.
func (s *Store) AgentProviderID(ctx context.Context, userID, agentID uuid.UUID) (string, error) {
	query := `
		SELECT provider_agent_id
		FROM agents
		WHERE id = $1 AND user_id = $2 AND active
	`
	var providerID string
	if err := s.pool.QueryRow(ctx, query, agentID, userID).Scan(&providerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("users: agent %s: %w", agentID, ErrAgentNotFound)
		}
		return "", fmt.Errorf("users: select agent: %w", err)
	}
	return providerID, nil
}

// ErrAgentNotFound is returned when the agent does not exist, is inactive, or
// belongs to another user.
var ErrAgentNotFound = errors.New("users: agent not found")

// AgentByProviderID maps a provider-side agent id back to the owning user.
// Used when a call is first learned of through a webhook.
func (s *Store) AgentByProviderID(ctx context.Context, q store.Querier, providerAgentID string) (agentID, userID uuid.UUID, err error) {
	if q == nil {
		q = s.pool
	}
	query := `
		SELECT id, user_id
		FROM agents
		WHERE provider_agent_id = $1 AND active
	`
	if err := q.QueryRow(ctx, query, providerAgentID).Scan(&agentID, &userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, uuid.Nil, ErrAgentNotFound
		}
		return uuid.Nil, uuid.Nil, fmt.Errorf("users: select agent by provider id: %w", err)
	}
	return agentID, userID, nil
}
