package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkSession is a finished session moved into durable storage.
type WorkSession struct {
	ID        uuid.UUID          `json:"id"`
	Kind      string             `json:"kind"`
	UserID    string             `json:"user_id"`
	TaskID    *string            `json:"task_id,omitempty"`
	StartTime int64              `json:"start_time"`
	EndTime   int64              `json:"end_time"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Events    []WorkSessionEvent `json:"events"`
}

// WorkSessionEvent is the durable copy of one source event, owned by its WorkSession.
type WorkSessionEvent struct {
	ID            uuid.UUID       `json:"id"`
	WorkSessionID uuid.UUID       `json:"work_session_id"`
	Seq           int             `json:"seq"`
	Domain        Domain          `json:"domain"`
	Action        Action          `json:"action"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
