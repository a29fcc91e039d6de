package models

import "time"

// SessionStatus is the lifecycle state of an ephemeral session.
type SessionStatus string

const (
	SessionStatusInitializedNoTask   SessionStatus = "initialized_no_task"
	SessionStatusInitializedWithTask SessionStatus = "initialized_with_task"
	SessionStatusActive              SessionStatus = "active"
	SessionStatusCompleted           SessionStatus = "completed"
	// SessionStatusCancelled is never stored; cancelling deletes the entry.
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Started reports whether a stopwatch start has been recorded.
func (s SessionStatus) Started() bool {
	return s == SessionStatusActive || s == SessionStatusCompleted
}

// Session is the single in-progress session of a user held in the ephemeral store.
type Session struct {
	ID        string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	TaskID    *string       `json:"task_id,omitempty"`
	Status    SessionStatus `json:"status"`
	Events    []Event       `json:"events"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// LastEvent returns the most recently appended event.
func (s *Session) LastEvent() (Event, bool) {
	if len(s.Events) == 0 {
		return Event{}, false
	}
	return s.Events[len(s.Events)-1], true
}

// ApplyEvent appends e and moves the status for stopwatch start/finish.
func (s *Session) ApplyEvent(e Event) {
	s.Events = append(s.Events, e)
	if e.Domain != DomainStopwatch {
		return
	}
	switch e.Action {
	case ActionStart:
		s.Status = SessionStatusActive
	case ActionFinish:
		s.Status = SessionStatusCompleted
	}
}
