package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventTypeWorkSessionCommitted announces a session moved into durable storage.
const EventTypeWorkSessionCommitted = "work_session.committed"

// OutboxEvent represents an outbox row for the application layer
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}

// WorkSessionCommittedPayload is the payload of a work_session.committed event
type WorkSessionCommittedPayload struct {
	WorkSessionID string  `json:"work_session_id"`
	Kind          string  `json:"kind"`
	UserID        string  `json:"user_id"`
	TaskID        *string `json:"task_id,omitempty"`
	StartTime     int64   `json:"start_time"`
	EndTime       int64   `json:"end_time"`
	EventCount    int     `json:"event_count"`
}
