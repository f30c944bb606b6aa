package dialer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/voxline-ai/callplane/internal/admission"
	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/campaigns"
	"github.com/voxline-ai/callplane/internal/provider"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
)

type fakeAdmitter struct {
	result   *admission.Result
	attached []string
	released []uuid.UUID
}

func (f *fakeAdmitter) Reserve(_ context.Context, _ admission.ReserveRequest) (*admission.Result, error) {
	return f.result, nil
}

func (f *fakeAdmitter) AttachExecutionID(_ context.Context, _ uuid.UUID, executionID string) error {
	f.attached = append(f.attached, executionID)
	return nil
}

func (f *fakeAdmitter) ReleaseByInternalID(_ context.Context, callID uuid.UUID) error {
	f.released = append(f.released, callID)
	return nil
}

type fakeDialer struct {
	resp *provider.CallResponse
	err  error
}

func (f *fakeDialer) PlaceCall(_ context.Context, _ provider.CallRequest) (*provider.CallResponse, error) {
	return f.resp, f.err
}

type fakeAgents struct {
	providerID string
	err        error
}

func (f *fakeAgents) AgentProviderID(_ context.Context, _, _ uuid.UUID) (string, error) {
	return f.providerID, f.err
}

type fakeCampaigns struct {
	campaign *campaigns.Campaign
}

func (f *fakeCampaigns) Get(_ context.Context, _ uuid.UUID) (*campaigns.Campaign, error) {
	if f.campaign == nil {
		return nil, campaigns.ErrCampaignNotFound
	}
	return f.campaign, nil
}

type fakeCalls struct {
	failed []uuid.UUID
}

func (f *fakeCalls) MarkFailed(_ context.Context, id uuid.UUID, _ string) error {
	f.failed = append(f.failed, id)
	return nil
}

func newTestProcessor(t *testing.T, admitter *fakeAdmitter, dial *fakeDialer, agents *fakeAgents, campaignReader *fakeCampaigns, callStore *fakeCalls) (*Processor, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	p := NewProcessor(Config{
		DB:          store.New(mock),
		Queue:       queue.NewStore(mock),
		Slots:       admission.NewSlotRegistry(mock),
		Admitter:    admitter,
		Dialer:      dial,
		Agents:      agents,
		Campaigns:   campaignReader,
		Calls:       callStore,
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		SystemLimit: 10,
	})
	return p, mock
}

func TestNextDelay(t *testing.T) {
	p := NewProcessor(Config{BaseDelay: 30 * time.Second})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{10, time.Hour}, // capped
	}
	for _, tc := range cases {
		if got := p.nextDelay(tc.attempts); got != tc.want {
			t.Errorf("nextDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestWake_CoalescesIntoOnePendingDrain(t *testing.T) {
	p := NewProcessor(Config{BaseDelay: 30 * time.Second})

	p.Wake()
	p.Wake()

	select {
	case <-p.wake:
	default:
		t.Fatal("expected a pending wake")
	}
	select {
	case <-p.wake:
		t.Fatal("concurrent wakes must coalesce into one drain")
	default:
	}
}

func TestDispatchEntry_Success(t *testing.T) {
	admitter := &fakeAdmitter{}
	p, mock := newTestProcessor(t,
		admitter,
		&fakeDialer{resp: &provider.CallResponse{ExecutionID: "exec-7"}},
		&fakeAgents{providerID: "agent-provider-1"},
		&fakeCampaigns{},
		&fakeCalls{},
	)
	entry := &queue.Entry{ID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Phone: "+19378962713"}
	callID := uuid.New()

	// Completed entries are deleted, not kept around.
	mock.ExpectExec("DELETE FROM call_queue").
		WithArgs(entry.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	p.dispatchEntry(context.Background(), entry, callID)

	if len(admitter.attached) != 1 || admitter.attached[0] != "exec-7" {
		t.Fatal("execution id not attached after ACK")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDispatchEntry_FailureRetriesWithBackoff(t *testing.T) {
	admitter := &fakeAdmitter{}
	callStore := &fakeCalls{}
	p, mock := newTestProcessor(t,
		admitter,
		&fakeDialer{err: errors.New("connection refused")},
		&fakeAgents{providerID: "agent-provider-1"},
		&fakeCampaigns{},
		callStore,
	)
	entry := &queue.Entry{ID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Phone: "+19378962713", Attempts: 0}
	callID := uuid.New()

	mock.ExpectExec("UPDATE call_queue").
		WithArgs(entry.ID, pgxmock.AnyArg(), true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	p.dispatchEntry(context.Background(), entry, callID)

	if len(admitter.released) != 1 || admitter.released[0] != callID {
		t.Fatal("slot must be released on dispatch failure")
	}
	if len(callStore.failed) != 1 || callStore.failed[0] != callID {
		t.Fatal("call must be failed on dispatch failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDispatchEntry_FailureExhaustsRetries(t *testing.T) {
	admitter := &fakeAdmitter{}
	p, mock := newTestProcessor(t,
		admitter,
		&fakeDialer{err: errors.New("connection refused")},
		&fakeAgents{providerID: "agent-provider-1"},
		&fakeCampaigns{},
		&fakeCalls{},
	)
	// Third failure with max attempts 3: no more retries.
	entry := &queue.Entry{ID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Phone: "+19378962713", Attempts: 2}

	mock.ExpectExec("UPDATE call_queue").
		WithArgs(entry.ID, queue.StatusFailed, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	p.dispatchEntry(context.Background(), entry, uuid.New())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDispatchEntry_UnknownAgentDoesNotRetry(t *testing.T) {
	admitter := &fakeAdmitter{}
	p, mock := newTestProcessor(t,
		admitter,
		&fakeDialer{},
		&fakeAgents{err: errors.New("agent not found")},
		&fakeCampaigns{},
		&fakeCalls{},
	)
	entry := &queue.Entry{ID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Phone: "+19378962713"}

	mock.ExpectExec("UPDATE call_queue").
		WithArgs(entry.ID, queue.StatusFailed, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	p.dispatchEntry(context.Background(), entry, uuid.New())

	if len(admitter.released) != 1 {
		t.Fatal("slot must be released when the agent cannot be resolved")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimOne_DefersClosedWindow(t *testing.T) {
	// Pick a one-minute window guaranteed not to contain the current time.
	windowStart := time.Now().UTC().Add(2 * time.Hour).Format("15:04")
	windowEnd := time.Now().UTC().Add(2*time.Hour + time.Minute).Format("15:04")
	window, err := campaigns.ParseCallWindow(windowStart, windowEnd, "UTC")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	campaignID := uuid.New()
	p, mock := newTestProcessor(t,
		&fakeAdmitter{},
		&fakeDialer{},
		&fakeAgents{},
		&fakeCampaigns{campaign: &campaigns.Campaign{ID: campaignID, Window: window}},
		&fakeCalls{},
	)
	userID := uuid.New()
	entryID := uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "user_id", "agent_id", "contact_id", "campaign_id", "phone", "source",
		"priority", "scheduled_for", "status", "attempts", "last_error", "created_at",
	}).AddRow(entryID, userID, uuid.New(), nil, &campaignID, "+19378962713",
		calls.SourceCampaign, queue.PriorityCampaign, nil, queue.StatusQueued, 0, nil, time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(userID, pgxmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE call_queue").
		WithArgs(entryID, pgxmock.AnyArg(), false, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	claimed, err := p.claimOne(context.Background(), userID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("closed-window entry must not be claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
