// Package dash is the work-session lifecycle: commands against a user's ephemeral session,
// replayed snapshots for clients, and the finish path into durable storage.
package dash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/dash/ephemeral"
	"github.com/mcdev12/dashtrack/go/internal/dash/replay"
	"github.com/mcdev12/dashtrack/go/internal/dash/validate"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Committer is what the app needs from durable storage.
type Committer interface {
	Commit(ctx context.Context, kind string, sess *models.Session) (*models.WorkSession, error)
}

// Snapshot is the full client-visible state of a user's session at one instant.
type Snapshot struct {
	SessionID       string                `json:"sessionId,omitempty"`
	Events          []models.Event        `json:"events"`
	Timers          replay.Timers         `json:"timers"`
	Mode            replay.Mode           `json:"mode"`
	LifecycleStatus *models.SessionStatus `json:"lifecycleStatus"`
	TaskID          *string               `json:"taskId"`
}

// CommitLease bounds how long a Finish may hold a session's commit claim.
const CommitLease = 30 * time.Second

// App runs lifecycle commands for activity kind K. Commands for one user are serialized
// within the process; across processes sharing a store, the store's commit claim makes
// sure a session is committed once.
type App[K models.Kind] struct {
	store     ephemeral.Store
	committer Committer
	clock     clockwork.Clock
	locks     *userLocks
}

func NewApp[K models.Kind](store ephemeral.Store, committer Committer, clock clockwork.Clock) *App[K] {
	return &App[K]{
		store:     store,
		committer: committer,
		clock:     clock,
		locks:     newUserLocks(),
	}
}

// Changes yields users whose session was changed by another process, or nil when the
// store is not shared.
func (a *App[K]) Changes(ctx context.Context) (<-chan string, error) {
	feed, ok := a.store.(ephemeral.ChangeFeed)
	if !ok {
		return nil, nil
	}
	return feed.Changes(ctx)
}

// Kind returns the namespace of K.
func (a *App[K]) Kind() string {
	var k K
	return k.Namespace()
}

func (a *App[K]) observe(command string, err error) {
	result := "ok"
	if err != nil {
		result = Code(err)
	}
	metrics.CommandsTotal.WithLabelValues(a.Kind(), command, result).Inc()
}

// Init returns the user's current session, creating one if none exists or the previous
// one completed.
func (a *App[K]) Init(ctx context.Context, userID string) (sess *models.Session, err error) {
	defer func() { a.observe("init", err) }()
	unlock := a.locks.lock(userID)
	defer unlock()

	sess, err = a.store.CreateOrGet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to init session: %w", err)
	}
	return sess, nil
}

// AssignTask binds a task to a session that has not started yet. Assigning the task that
// is already bound is a no-op.
func (a *App[K]) AssignTask(ctx context.Context, userID, taskID string) (sess *models.Session, err error) {
	defer func() { a.observe("assignTask", err) }()
	unlock := a.locks.lock(userID)
	defer unlock()

	current, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Status.Started() {
		return nil, ErrSessionStarted
	}
	if current.TaskID != nil {
		if *current.TaskID == taskID {
			return current, nil
		}
		return nil, ErrTaskAlreadyAssigned
	}

	return a.store.AssignTask(ctx, userID, taskID)
}

// UnassignTask clears the task of a session that has not started yet.
func (a *App[K]) UnassignTask(ctx context.Context, userID string) (sess *models.Session, err error) {
	defer func() { a.observe("unassignTask", err) }()
	unlock := a.locks.lock(userID)
	defer unlock()

	current, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Status.Started() {
		return nil, ErrSessionStarted
	}

	return a.store.UnassignTask(ctx, userID)
}

// AddEvent appends event to the log. Sequencing is not checked here; the log is validated
// as a whole on Finish. Stopwatch finish events must go through Finish.
func (a *App[K]) AddEvent(ctx context.Context, userID string, event models.Event) (sess *models.Session, err error) {
	defer func() { a.observe("addEvent", err) }()

	if err := event.Validate(); err != nil {
		return nil, err
	}
	if event.Is(models.DomainStopwatch, models.ActionFinish) {
		return nil, ErrFinishViaCommit
	}

	unlock := a.locks.lock(userID)
	defer unlock()

	current, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.SessionStatusCompleted {
		return nil, ErrSessionCompleted
	}

	return a.store.AddEvent(ctx, userID, event)
}

// Finish closes the session at `at` (ms epoch, zero means now), commits it and clears the
// ephemeral entry. An invalid log is left untouched so the client can correct it. When the
// commit fails the completed entry stays in the store and Finish can be called again.
func (a *App[K]) Finish(ctx context.Context, userID string, at int64) (ws *models.WorkSession, err error) {
	defer func() { a.observe("finish", err) }()
	unlock := a.locks.lock(userID)
	defer unlock()

	sess, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if last, ok := sess.LastEvent(); !ok || !last.Is(models.DomainStopwatch, models.ActionFinish) {
		if at == 0 {
			at = replay.Now(a.clock)
		}
		finish := models.StopwatchEvent(models.ActionFinish, at)

		candidate := append(append([]models.Event(nil), sess.Events...), finish)
		if _, err := validate.Validate(candidate); err != nil {
			if reason, ok := validate.ReasonOf(err); ok {
				metrics.ValidationFailures.WithLabelValues(a.Kind(), string(reason)).Inc()
			}
			return nil, err
		}

		// Fails with ErrSessionCompleted if another process finished first.
		sess, err = a.store.AddEvent(ctx, userID, finish)
		if err != nil {
			return nil, err
		}
	}

	claimed, err := a.store.ClaimCommit(ctx, userID, sess.ID, CommitLease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrCommitClaimed
	}

	ws, err = a.committer.Commit(ctx, a.Kind(), sess)
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("session_id", sess.ID).
			Msg("failed to commit session, keeping ephemeral entry")
		if rerr := a.store.ReleaseCommit(ctx, userID, sess.ID); rerr != nil {
			log.Warn().Err(rerr).Str("session_id", sess.ID).Msg("failed to release commit claim")
		}
		return nil, err
	}

	if err := a.store.CompleteCommit(ctx, userID, sess.ID); err != nil {
		// Already durable; the completed entry is replaced by the next Init.
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("work_session_id", ws.ID.String()).
			Msg("failed to clear committed session")
	}

	log.Info().
		Str("kind", a.Kind()).
		Str("user_id", userID).
		Str("work_session_id", ws.ID.String()).
		Int("events", len(ws.Events)).
		Msg("session finished")
	return ws, nil
}

// Cancel abandons the user's session without committing it.
func (a *App[K]) Cancel(ctx context.Context, userID string) (err error) {
	defer func() { a.observe("cancel", err) }()
	unlock := a.locks.lock(userID)
	defer unlock()

	exists, err := a.store.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ephemeral.ErrNoSession
	}
	return a.store.Delete(ctx, userID)
}

// Snapshot replays the user's session at the current clock. A user without a session
// gets an empty, not started snapshot.
func (a *App[K]) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	sess, err := a.store.Get(ctx, userID)
	if errors.Is(err, ephemeral.ErrNoSession) {
		return SnapshotOf(nil, replay.Now(a.clock)), nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(sess, replay.Now(a.clock)), nil
}

// SnapshotOf builds the snapshot of sess at now. sess may be nil.
func SnapshotOf(sess *models.Session, now int64) Snapshot {
	if sess == nil {
		return Snapshot{
			Events: []models.Event{},
			Mode:   replay.ModeNotStarted,
		}
	}

	result := replay.Replay(sess.Events, now)
	status := sess.Status
	events := sess.Events
	if events == nil {
		events = []models.Event{}
	}
	return Snapshot{
		SessionID:       sess.ID,
		Events:          events,
		Timers:          result.Timers,
		Mode:            result.Mode,
		LifecycleStatus: &status,
		TaskID:          sess.TaskID,
	}
}
