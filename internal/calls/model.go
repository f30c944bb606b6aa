package calls

import (
	"time"

	"github.com/google/uuid"
)

// Status is the call's position along the lifecycle DAG.
type Status string

const (
	StatusInitiated    Status = "initiated"
	StatusRinging      Status = "ringing"
	StatusInProgress   Status = "in-progress"
	StatusDisconnected Status = "call-disconnected"
	StatusCompleted    Status = "completed"
	StatusBusy         Status = "busy"
	StatusNoAnswer     Status = "no-answer"
	StatusFailed       Status = "failed"
)

// Source records how the call entered the system.
type Source string

const (
	SourceDirect   Source = "direct"
	SourceCampaign Source = "campaign"
	SourceInbound  Source = "inbound"
)

// statusRank orders the DAG so replayed webhooks can never move a call
// backwards. Terminal states share the top rank.
var statusRank = map[Status]int{
	StatusInitiated:    1,
	StatusRinging:      2,
	StatusInProgress:   3,
	StatusDisconnected: 4,
	StatusCompleted:    5,
	StatusBusy:         5,
	StatusNoAnswer:     5,
	StatusFailed:       5,
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

// canAdvanceTo reports whether moving from s to next respects the DAG. The
// store's SQL transition guards follow the same ordering.
func (s Status) canAdvanceTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Valid reports whether the status string came from the known provider set.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Call is the durable record of one phone call, inbound or outbound.
type Call struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	AgentID            uuid.UUID  `json:"agent_id"`
	ContactID          *uuid.UUID `json:"contact_id,omitempty"`
	CampaignID         *uuid.UUID `json:"campaign_id,omitempty"`
	Phone              string     `json:"phone"`
	ExecutionID        *string    `json:"execution_id,omitempty"`
	Source             Source     `json:"source"`
	Status             Status     `json:"status"`
	RingingStartedAt   *time.Time `json:"ringing_started_at,omitempty"`
	AnsweredAt         *time.Time `json:"answered_at,omitempty"`
	DisconnectedAt     *time.Time `json:"disconnected_at,omitempty"`
	HangupBy           *string    `json:"hangup_by,omitempty"`
	HangupReason       *string    `json:"hangup_reason,omitempty"`
	HangupProviderCode *string    `json:"hangup_provider_code,omitempty"`
	Transcript         *string    `json:"transcript,omitempty"`
	RecordingURL       *string    `json:"recording_url,omitempty"`
	DurationSeconds    *int       `json:"duration_seconds,omitempty"`
	CreditsConsumed    *int       `json:"credits_consumed,omitempty"`
	FailReason         *string    `json:"fail_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CreditsForDuration is the billing rule: one credit per started minute.
func CreditsForDuration(durationSeconds int) int {
	if durationSeconds <= 0 {
		return 0
	}
	return (durationSeconds + 59) / 60
}
