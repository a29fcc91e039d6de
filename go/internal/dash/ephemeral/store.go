// Package ephemeral holds the single in-progress session of each user.
//
// Sessions live under one key per user, so a user can never have two non-completed
// sessions: the slot is last-writer-wins. Entries expire after the TTL if they are never
// finished. Expiry is silent and loses the session; it is not a durability guarantee.
// MemoryStore can also evict an unfinished session when it is full; evictions are logged
// and counted.
//
// A completed log is frozen: no event can be appended after finish. Moving it into durable
// storage is guarded by a per-session commit claim so only one caller, in any process
// sharing the store, commits a given session.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/dashtrack/go/internal/models"
)

// DefaultTTL is how long an untouched session survives.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNoSession is returned when the user has no session in the store.
	ErrNoSession = errors.New("no session")
	// ErrNoTaskAssigned is returned by UnassignTask when no task is set.
	ErrNoTaskAssigned = errors.New("no task assigned")
	// ErrConflict is returned when a write keeps losing to concurrent writers.
	ErrConflict = errors.New("session write conflict")
	// ErrSessionCompleted is returned by AddEvent once the log ends with finish.
	ErrSessionCompleted = errors.New("session already completed")
)

// Store is the ephemeral session store contract. Every write refreshes the TTL.
type Store interface {
	Get(ctx context.Context, userID string) (*models.Session, error)
	CreateOrGet(ctx context.Context, userID string) (*models.Session, error)
	AssignTask(ctx context.Context, userID, taskID string) (*models.Session, error)
	UnassignTask(ctx context.Context, userID string) (*models.Session, error)
	AddEvent(ctx context.Context, userID string, event models.Event) (*models.Session, error)
	Delete(ctx context.Context, userID string) error
	Exists(ctx context.Context, userID string) (bool, error)

	// ClaimCommit reserves the commit of sessionID for lease. It reports false when the
	// claim is held elsewhere or the session was already committed.
	ClaimCommit(ctx context.Context, userID, sessionID string, lease time.Duration) (bool, error)
	// ReleaseCommit drops a pending claim after a failed commit.
	ReleaseCommit(ctx context.Context, userID, sessionID string) error
	// CompleteCommit marks sessionID committed and removes the user's entry if it still
	// holds that session.
	CompleteCommit(ctx context.Context, userID, sessionID string) error
}

// ChangeFeed is implemented by stores shared between processes. Changes yields the user
// ids written by other processes until ctx is done.
type ChangeFeed interface {
	Changes(ctx context.Context) (<-chan string, error)
}

const (
	claimPending   = "pending"
	claimCommitted = "committed"
)

// Key returns the cache key of a user's session for kind K.
func Key[K models.Kind](userID string) string {
	var k K
	return fmt.Sprintf("dashtrack:%s:%s", k.Namespace(), userID)
}

func commitKey[K models.Kind](userID, sessionID string) string {
	return Key[K](userID) + ":commit:" + sessionID
}

func changesChannel[K models.Kind]() string {
	var k K
	return fmt.Sprintf("dashtrack:%s:changes", k.Namespace())
}

func newSession(userID string, now time.Time) *models.Session {
	return &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.SessionStatusInitializedNoTask,
		Events:    []models.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func assignTask(taskID string) func(*models.Session) error {
	return func(s *models.Session) error {
		s.TaskID = &taskID
		s.Status = models.SessionStatusInitializedWithTask
		return nil
	}
}

func unassignTask(s *models.Session) error {
	if s.TaskID == nil {
		return ErrNoTaskAssigned
	}
	s.TaskID = nil
	s.Status = models.SessionStatusInitializedNoTask
	return nil
}

func addEvent(e models.Event) func(*models.Session) error {
	return func(s *models.Session) error {
		if s.Status == models.SessionStatusCompleted {
			return ErrSessionCompleted
		}
		s.ApplyEvent(e)
		return nil
	}
}

func clone(s *models.Session) *models.Session {
	out := *s
	out.Events = append([]models.Event(nil), s.Events...)
	if s.TaskID != nil {
		task := *s.TaskID
		out.TaskID = &task
	}
	return &out
}
