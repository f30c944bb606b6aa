package admission

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockRegistry(t *testing.T) (*SlotRegistry, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewSlotRegistry(mock), mock
}

func TestCounts(t *testing.T) {
	r, mock := newMockRegistry(t)
	userID := uuid.New()

	mock.ExpectQuery("FROM active_calls").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"user_count", "global_count"}).AddRow(1, 7))

	userCount, globalCount, err := r.Counts(context.Background(), nil, userID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if userCount != 1 || globalCount != 7 {
		t.Fatalf("counts = (%d, %d), want (1, 7)", userCount, globalCount)
	}
}

func TestReleaseByCallID_AbsentSlotIsNoOp(t *testing.T) {
	r, mock := newMockRegistry(t)
	callID := uuid.New()

	mock.ExpectExec("DELETE FROM active_calls").
		WithArgs(callID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := r.ReleaseByCallID(context.Background(), nil, callID); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReapStale(t *testing.T) {
	r, mock := newMockRegistry(t)
	cutoff := time.Now().UTC().Add(-2 * time.Hour)
	id1, id2 := uuid.New(), uuid.New()

	mock.ExpectQuery("DELETE FROM active_calls").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"call_id"}).AddRow(id1).AddRow(id2))

	ids, err := r.ReapStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(ids) != 2 || ids[0] != id1 || ids[1] != id2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestReserveInbound_ReplayIsNoOp(t *testing.T) {
	r, mock := newMockRegistry(t)
	callID := uuid.New()
	userID := uuid.New()

	mock.ExpectExec("INSERT INTO active_calls").
		WithArgs(callID, userID, "exec-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	if err := r.ReserveInbound(context.Background(), nil, callID, userID, "exec-1"); err != nil {
		t.Fatalf("reserve inbound: %v", err)
	}
}
