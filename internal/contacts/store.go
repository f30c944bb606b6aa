package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/phone"
	"github.com/voxline-ai/callplane/internal/store"
)

// ErrContactNotFound is returned for unknown contact ids.
var ErrContactNotFound = errors.New("contacts: contact not found")

// Contact is a phone-number-keyed record owned by a user.
type Contact struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Phone     string
	Source    string
	CreatedAt time.Time
}

// Store persists contacts in Postgres.
type Store struct {
	pool store.PgxPool
}

// NewStore creates a contact store backed by pgx.
func NewStore(pool store.PgxPool) *Store {
	if pool == nil {
		panic("contacts: pgx pool required")
	}
	return &Store{pool: pool}
}

// GetOrCreateByPhone finds the user's contact for a phone number, creating it
// when absent. Auto-created rows are tagged with the source that first saw
// the number (e.g. "inbound_call").
func (s *Store) GetOrCreateByPhone(ctx context.Context, q store.Querier, userID uuid.UUID, rawPhone, source string) (*Contact, error) {
	if q == nil {
		q = s.pool
	}
	normalized := phone.NormalizeE164(rawPhone)
	if normalized == "" {
		return nil, fmt.Errorf("contacts: invalid phone %q", rawPhone)
	}
	query := `
		INSERT INTO contacts (id, user_id, phone, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, phone) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING id, user_id, phone, source, created_at
	`
	var c Contact
	if err := q.QueryRow(ctx, query, uuid.New(), userID, normalized, source).Scan(
		&c.ID, &c.UserID, &c.Phone, &c.Source, &c.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("contacts: get or create: %w", err)
	}
	return &c, nil
}

// GetByID fetches a contact scoped to its owner.
func (s *Store) GetByID(ctx context.Context, userID, id uuid.UUID) (*Contact, error) {
	query := `
		SELECT id, user_id, phone, source, created_at
		FROM contacts
		WHERE id = $1 AND user_id = $2
	`
	var c Contact
	if err := s.pool.QueryRow(ctx, query, id, userID).Scan(
		&c.ID, &c.UserID, &c.Phone, &c.Source, &c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("contacts: select: %w", err)
	}
	return &c, nil
}
