package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestDebit(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()
	callID := uuid.New()

	mock.ExpectExec("INSERT INTO credit_ledger").
		WithArgs(userID, -3, callID.String()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT credit_balance FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"credit_balance"}).AddRow(10))
	mock.ExpectQuery("UPDATE users SET credit_balance").
		WithArgs(userID, 3).
		WillReturnRows(pgxmock.NewRows([]string{"credit_balance"}).AddRow(7))

	result, err := store.Debit(context.Background(), nil, userID, 3, callID)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !result.Applied || result.Clamped || result.NewBalance != 7 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDebit_ReplayIsNoOp(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()
	callID := uuid.New()

	// Second webhook for the same call: the unique (user, reference) index
	// swallows the insert and the balance must not move again.
	mock.ExpectExec("INSERT INTO credit_ledger").
		WithArgs(userID, -3, callID.String()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT credit_balance FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"credit_balance"}).AddRow(7))

	result, err := store.Debit(context.Background(), nil, userID, 3, callID)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if result.Applied {
		t.Fatal("replayed debit must not apply")
	}
	if result.NewBalance != 7 {
		t.Fatalf("balance = %d, want 7", result.NewBalance)
	}
}

func TestDebit_ClampsAtZero(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()
	callID := uuid.New()

	mock.ExpectExec("INSERT INTO credit_ledger").
		WithArgs(userID, -5, callID.String()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT credit_balance FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"credit_balance"}).AddRow(2))
	mock.ExpectQuery("UPDATE users SET credit_balance").
		WithArgs(userID, 5).
		WillReturnRows(pgxmock.NewRows([]string{"credit_balance"}).AddRow(0))

	result, err := store.Debit(context.Background(), nil, userID, 5, callID)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !result.Clamped {
		t.Fatal("expected clamp when balance is insufficient")
	}
	if result.NewBalance != 0 {
		t.Fatalf("balance = %d, want 0", result.NewBalance)
	}
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	store, _ := newMockStore(t)
	if _, err := store.Debit(context.Background(), nil, uuid.New(), 0, uuid.New()); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCredit(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectExec("INSERT INTO credit_ledger").
		WithArgs(userID, 50, ReasonPurchase, "order-42").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE users SET credit_balance").
		WithArgs(userID, 50).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Credit(context.Background(), nil, userID, 50, ReasonPurchase, "order-42"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestVerifyBalances(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("HAVING u.credit_balance").
		WillReturnRows(pgxmock.NewRows([]string{"id", "credit_balance", "sum"}).AddRow(userID, 10, 8))

	out, err := store.VerifyBalances(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(out) != 1 || out[0].Cached != 10 || out[0].LedgerSum != 8 {
		t.Fatalf("unexpected discrepancies: %+v", out)
	}
}
