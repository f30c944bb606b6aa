package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxline-ai/callplane/internal/store"
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonCallDebit  Reason = "call-debit"
	ReasonPurchase   Reason = "purchase"
	ReasonBonus      Reason = "bonus"
	ReasonAdjustment Reason = "adjustment"
)

// ErrInvalidAmount is returned for non-positive debit/credit amounts.
var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// Store is the append-only credit ledger. The users.credit_balance column is
// a materialized cache kept consistent within each ledger-writing
// transaction.
type Store struct {
	pool store.PgxPool
}

// NewStore creates a ledger store backed by pgx.
func NewStore(pool store.PgxPool) *Store {
	if pool == nil {
		panic("ledger: pgx pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) querier(q store.Querier) store.Querier {
	if q == nil {
		return s.pool
	}
	return q
}

// DebitResult reports what a call debit actually did.
type DebitResult struct {
	// Applied is false when the (user, reference) pair was already debited:
	// a replayed completion webhook.
	Applied bool
	// Clamped is true when the balance would have gone negative and was
	// pinned at zero instead. The verification query surfaces the gap.
	Clamped bool
	// NewBalance is the cached balance after the debit.
	NewBalance int
}

// Debit appends a call-debit entry and decrements the cached balance inside
// the caller's transaction. The (user_id, reference) uniqueness on call
// debits makes replays no-ops.
func (s *Store) Debit(ctx context.Context, q store.Querier, userID uuid.UUID, amount int, callID uuid.UUID) (*DebitResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	qq := s.querier(q)

	insert := `
		INSERT INTO credit_ledger (user_id, delta, reason, reference)
		VALUES ($1, $2, 'call-debit', $3)
		ON CONFLICT (user_id, reference) WHERE reason = 'call-debit' DO NOTHING
	`
	tag, err := qq.Exec(ctx, insert, userID, -amount, callID.String())
	if err != nil {
		return nil, fmt.Errorf("ledger: insert debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var balance int
		if err := qq.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
			return nil, fmt.Errorf("ledger: read balance: %w", err)
		}
		return &DebitResult{Applied: false, NewBalance: balance}, nil
	}

	var oldBalance int
	if err := qq.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&oldBalance); err != nil {
		return nil, fmt.Errorf("ledger: lock balance: %w", err)
	}
	update := `
		UPDATE users SET credit_balance = GREATEST(credit_balance - $2, 0), updated_at = now()
		WHERE id = $1
		RETURNING credit_balance
	`
	var newBalance int
	if err := qq.QueryRow(ctx, update, userID, amount).Scan(&newBalance); err != nil {
		return nil, fmt.Errorf("ledger: update balance: %w", err)
	}
	return &DebitResult{
		Applied:    true,
		Clamped:    oldBalance < amount,
		NewBalance: newBalance,
	}, nil
}

// Credit appends a positive entry (purchase, bonus, adjustment) and bumps the
// cached balance in one transaction-scoped write pair.
func (s *Store) Credit(ctx context.Context, q store.Querier, userID uuid.UUID, amount int, reason Reason, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	qq := s.querier(q)
	insert := `
		INSERT INTO credit_ledger (user_id, delta, reason, reference)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := qq.Exec(ctx, insert, userID, amount, reason, reference); err != nil {
		return fmt.Errorf("ledger: insert credit: %w", err)
	}
	update := `
		UPDATE users SET credit_balance = credit_balance + $2, updated_at = now()
		WHERE id = $1
	`
	if _, err := qq.Exec(ctx, update, userID, amount); err != nil {
		return fmt.Errorf("ledger: update balance: %w", err)
	}
	return nil
}

// Balance reads the cached balance.
func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	if err := s.pool.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("ledger: user %s: %w", userID, pgx.ErrNoRows)
		}
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}

// Discrepancy is a user whose cached balance disagrees with the ledger sum.
type Discrepancy struct {
	UserID    uuid.UUID
	Cached    int
	LedgerSum int
}

// VerifyBalances compares each user's cached balance against the sum of its
// ledger deltas. Non-empty results need human reconciliation.
func (s *Store) VerifyBalances(ctx context.Context) ([]Discrepancy, error) {
	query := `
		SELECT u.id, u.credit_balance, COALESCE(sum(l.delta), 0)
		FROM users u
		LEFT JOIN credit_ledger l ON l.user_id = u.id
		GROUP BY u.id, u.credit_balance
		HAVING u.credit_balance <> COALESCE(sum(l.delta), 0)
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: verify balances: %w", err)
	}
	defer rows.Close()
	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.UserID, &d.Cached, &d.LedgerSum); err != nil {
			return nil, fmt.Errorf("ledger: scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
