package webhooks

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEventStore(t *testing.T) (*EventStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewEventStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestRecordRawAndListRaw(t *testing.T) {
	store, _ := newTestEventStore(t)
	ctx := context.Background()

	if err := store.RecordRaw(ctx, "exec-1", []byte(`{"status":"ringing"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordRaw(ctx, "exec-1", []byte(`{"status":"completed"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	payloads, err := store.ListRaw(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(payloads))
	}
	if payloads[0] != `{"status":"ringing"}` {
		t.Fatalf("wrong order: %q", payloads[0])
	}
}

func TestRecordRaw_UnparsedFallbackKey(t *testing.T) {
	store, mr := newTestEventStore(t)

	if err := store.RecordRaw(context.Background(), "", []byte(`garbage`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !mr.Exists("webhook:raw:unparsed") {
		t.Fatal("expected unparsed fallback key")
	}
}

func TestRecordRaw_SetsTTL(t *testing.T) {
	store, mr := newTestEventStore(t)

	if err := store.RecordRaw(context.Background(), "exec-1", []byte(`{}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if mr.TTL("webhook:raw:exec-1") <= 0 {
		t.Fatal("expected a TTL on the raw payload list")
	}
}

func TestSaveAndGetState(t *testing.T) {
	store, _ := newTestEventStore(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)

	if err := store.SaveState(ctx, CallState{ExecutionID: "exec-1", Status: "in-progress", UpdatedAt: at}); err != nil {
		t.Fatalf("save: %v", err)
	}
	state, err := store.GetState(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state == nil || state.Status != "in-progress" || !state.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestGetState_Missing(t *testing.T) {
	store, _ := newTestEventStore(t)

	state, err := store.GetState(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var store *EventStore
	if err := store.RecordRaw(context.Background(), "exec-1", []byte(`{}`)); err != nil {
		t.Fatalf("nil record: %v", err)
	}
	if err := store.SaveState(context.Background(), CallState{ExecutionID: "exec-1"}); err != nil {
		t.Fatalf("nil save: %v", err)
	}
}
