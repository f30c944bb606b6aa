package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/voxline-ai/callplane/internal/calls"
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

func TestEnqueue(t *testing.T) {
	store, mock := newMockStore(t)
	req := EnqueueRequest{
		UserID:   uuid.New(),
		AgentID:  uuid.New(),
		Phone:    "+19378962713",
		Source:   calls.SourceDirect,
		Priority: PriorityDirect,
	}

	mock.ExpectQuery("INSERT INTO call_queue").
		WithArgs(pgxmock.AnyArg(), req.UserID, req.AgentID, (*uuid.UUID)(nil), (*uuid.UUID)(nil), req.Phone, calls.SourceDirect, PriorityDirect, (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	id, err := store.Enqueue(context.Background(), nil, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected entry id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnqueue_DuplicatePendingContact(t *testing.T) {
	store, mock := newMockStore(t)
	contactID := uuid.New()
	campaignID := uuid.New()
	req := EnqueueRequest{
		UserID:     uuid.New(),
		AgentID:    uuid.New(),
		ContactID:  &contactID,
		CampaignID: &campaignID,
		Phone:      "+19378962713",
		Source:     calls.SourceCampaign,
		Priority:   PriorityCampaign,
	}

	// ON CONFLICT DO NOTHING returns no row when the contact is already queued.
	mock.ExpectQuery("INSERT INTO call_queue").
		WithArgs(pgxmock.AnyArg(), req.UserID, req.AgentID, &contactID, &campaignID,
			req.Phone, calls.SourceCampaign, PriorityCampaign, (*time.Time)(nil)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Enqueue(context.Background(), nil, req)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestClaimNext_Empty(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(userID, now).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ClaimNext(context.Background(), mock, userID, now)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestCancel_OnlyQueuedEntries(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	// Entry already claimed by the processor: status is no longer 'queued'.
	mock.ExpectExec("UPDATE call_queue").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.Cancel(context.Background(), id)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPosition(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT count").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	pos, err := store.Position(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 4 {
		t.Fatalf("position = %d, want 4", pos)
	}
}

func TestPosition_UnknownEntry(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	// The query anchors on the entry's own row, so an unknown id must come
	// back as not-found rather than rank 1.
	mock.ExpectQuery("SELECT").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	if _, err := store.Position(context.Background(), nil, id); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestUsersWithQueuedWork(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	u1, u2 := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT user_id").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(u1).AddRow(u2))

	ids, err := store.UsersWithQueuedWork(context.Background(), now)
	if err != nil {
		t.Fatalf("users with queued work: %v", err)
	}
	if len(ids) != 2 || ids[0] != u1 || ids[1] != u2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestReschedule_BumpsAttempts(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	at := time.Now().UTC().Add(time.Minute)
	reason := "provider_error"

	mock.ExpectExec("UPDATE call_queue").
		WithArgs(id, at, true, &reason).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Reschedule(context.Background(), nil, id, at, true, &reason); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
