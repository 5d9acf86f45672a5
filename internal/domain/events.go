package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants for session progress events.
const (
	EventTypeSessionStarted   = "session.started"
	EventTypeSessionCompleted = "session.completed"
	EventTypeSessionFailed    = "session.failed"
	EventTypeSessionCancelled = "session.cancelled"
	EventTypeStageStarted     = "session.stage_started"
	EventTypeStageCompleted   = "session.stage_completed"
	EventTypeStageSkipped     = "session.stage_skipped"
	EventTypePapersDiscovered = "session.papers_discovered"
)

// ProgressEvent represents a session progress notification published to Kafka.
type ProgressEvent struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewProgressEvent creates a progress event for a session.
// The payload is JSON-serialized automatically.
func NewProgressEvent(eventType string, sessionID uuid.UUID, payload interface{}) (*ProgressEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	return &ProgressEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID.String(),
		EventType: eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// StageEventPayload is the payload for stage lifecycle events.
type StageEventPayload struct {
	Stage      string      `json:"stage"`
	Position   int         `json:"position"`
	Status     StageStatus `json:"status,omitempty"`
	SkipReason string      `json:"skip_reason,omitempty"`
	Usage      Usage       `json:"usage"`
}

// SessionEventPayload is the payload for session lifecycle events.
type SessionEventPayload struct {
	Status        SessionStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Usage         Usage         `json:"usage"`
	PapersFound   int           `json:"papers_found"`
	PapersOK      int           `json:"papers_ok"`
}
