package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx operations shared by pools, connections and
// transactions. Repositories accept it so the same SQL runs inside or outside
// a transaction, and so pgxmock can stand in for tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the Store needs. *pgxpool.Pool and
// pgxmock.PgxPoolIface both satisfy it.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the single gateway to the durable store. All transactional work
// goes through WithTx so connection release is guaranteed by scope exit; no
// other code path hands out raw connections.
type Store struct {
	pool PgxPool
}

// New wraps an established pool.
func New(pool PgxPool) *Store {
	if pool == nil {
		panic("store: pgx pool required")
	}
	return &Store{pool: pool}
}

// Connect opens a pgx pool against the configured database URL and verifies
// connectivity before returning.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Pool exposes the underlying querier for single-statement reads.
func (s *Store) Pool() Querier {
	return s.pool
}

// WithTx runs fn inside a transaction. The transaction is rolled back unless
// fn returns nil, in which case it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// transient store failures are retried with a short fixed backoff ladder
// before surfacing to callers.
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// WithRetry runs fn up to len(retryBackoff)+1 times, backing off between
// attempts, for errors that look transient (serialization conflicts,
// connection resets). Non-transient errors return immediately.
func (s *Store) WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt >= len(retryBackoff) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff[attempt]):
		}
	}
}

// IsTransient reports whether err is worth retrying: serialization failures,
// deadlocks, and connection-level errors.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "08006", "08003", "57P03":
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}
