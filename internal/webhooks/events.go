package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rawEventKeyPrefix  = "webhook:raw:"
	callStateKeyPrefix = "webhook:call:"
	eventTTL           = 24 * time.Hour
)

// EventStore keeps raw webhook payloads (for replay and debugging) and a
// cheap mirror of the latest observed call state in Redis.
type EventStore struct {
	rdb *redis.Client
}

// NewEventStore creates an event store backed by Redis.
func NewEventStore(rdb *redis.Client) *EventStore {
	return &EventStore{rdb: rdb}
}

func rawEventKey(executionID string) string {
	return rawEventKeyPrefix + executionID
}

func callStateKey(executionID string) string {
	return callStateKeyPrefix + executionID
}

// RecordRaw appends the raw payload to the execution's replay list.
func (s *EventStore) RecordRaw(ctx context.Context, executionID string, payload []byte) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if executionID == "" {
		executionID = "unparsed"
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, rawEventKey(executionID), payload)
	pipe.Expire(ctx, rawEventKey(executionID), eventTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("webhooks: record raw payload: %w", err)
	}
	return nil
}

// ListRaw returns all recorded payloads for an execution, oldest first.
func (s *EventStore) ListRaw(ctx context.Context, executionID string) ([]string, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	payloads, err := s.rdb.LRange(ctx, rawEventKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhooks: list raw payloads: %w", err)
	}
	return payloads, nil
}

// CallState is the cached view of the latest webhook for an execution.
type CallState struct {
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveState caches the latest observed status for the execution.
func (s *EventStore) SaveState(ctx context.Context, state CallState) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if state.ExecutionID == "" {
		return fmt.Errorf("webhooks: call state: execution_id required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("webhooks: call state: marshal: %w", err)
	}
	return s.rdb.Set(ctx, callStateKey(state.ExecutionID), data, eventTTL).Err()
}

// GetState retrieves the cached state, or nil when none is cached.
func (s *EventStore) GetState(ctx context.Context, executionID string) (*CallState, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, callStateKey(executionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("webhooks: call state: get: %w", err)
	}
	var state CallState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("webhooks: call state: unmarshal: %w", err)
	}
	return &state, nil
}
