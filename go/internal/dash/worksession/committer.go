// Package worksession moves validated sessions into durable storage.
package worksession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/dash/outbox"
	"github.com/mcdev12/dashtrack/go/internal/dash/validate"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCommitFailed wraps storage failures. Nothing was written and the commit may be retried.
	ErrCommitFailed = errors.New("work session commit failed")
	// ErrNotFound is returned when a work session does not exist.
	ErrNotFound = errors.New("work session not found")
)

// txQueries binds every statement the commit needs to one transaction.
type txQueries struct {
	sessions *Queries
	outbox   *outbox.Queries
}

// Committer validates a finished session log and writes it durably in one transaction.
// It never touches the ephemeral store; deleting the ephemeral entry is the caller's job.
type Committer struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	clock   clockwork.Clock
}

func NewCommitter(db *sql.DB, dialect sqlutil.Dialect, clock clockwork.Clock) *Committer {
	return &Committer{db: db, dialect: dialect, clock: clock}
}

// Commit validates sess and inserts the work session, one event row per source event and
// an outbox announcement. Validation failures are returned unchanged; storage failures
// wrap ErrCommitFailed.
func (c *Committer) Commit(ctx context.Context, kind string, sess *models.Session) (*models.WorkSession, error) {
	window, err := validate.Validate(sess.Events)
	if err != nil {
		if reason, ok := validate.ReasonOf(err); ok {
			metrics.ValidationFailures.WithLabelValues(kind, string(reason)).Inc()
		}
		metrics.CommitsTotal.WithLabelValues(kind, "invalid").Inc()
		return nil, err
	}

	now := c.clock.Now()
	ws := &models.WorkSession{
		ID:        uuid.New(),
		Kind:      kind,
		UserID:    sess.UserID,
		TaskID:    sess.TaskID,
		StartTime: window.StartTime,
		EndTime:   window.EndTime,
		CreatedAt: now,
		UpdatedAt: now,
		Events:    orderedEvents(sess.Events),
	}
	for i := range ws.Events {
		ws.Events[i].ID = uuid.New()
		ws.Events[i].WorkSessionID = ws.ID
	}

	announcement, err := committedEvent(ws, now)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = sqlutil.Run(ctx, c.db, c.newTxQueries, func(q *txQueries) error {
		if err := q.sessions.CreateWorkSession(ctx, CreateWorkSessionParams{
			ID:        ws.ID,
			Kind:      ws.Kind,
			UserID:    ws.UserID,
			TaskID:    sqlutil.ToSqlString(ws.TaskID),
			StartTime: ws.StartTime,
			EndTime:   ws.EndTime,
			CreatedAt: ws.CreatedAt,
			UpdatedAt: ws.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("insert work session: %w", err)
		}

		for _, e := range ws.Events {
			if err := q.sessions.CreateWorkSessionEvent(ctx, CreateWorkSessionEventParams{
				ID:            e.ID,
				WorkSessionID: ws.ID,
				Seq:           e.Seq,
				Domain:        string(e.Domain),
				Action:        string(e.Action),
				Timestamp:     e.Timestamp,
				Payload:       sqlutil.ToNullRawMessage(e.Payload),
			}); err != nil {
				return fmt.Errorf("insert work session event %d: %w", e.Seq, err)
			}
		}

		return q.outbox.InsertOutbox(ctx, announcement)
	})
	metrics.CommitDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.CommitsTotal.WithLabelValues(kind, "error").Inc()
		log.Error().
			Err(err).
			Str("user_id", sess.UserID).
			Str("session_id", sess.ID).
			Msg("failed to commit work session")
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	metrics.CommitsTotal.WithLabelValues(kind, "ok").Inc()
	log.Info().
		Str("user_id", sess.UserID).
		Str("session_id", sess.ID).
		Str("work_session_id", ws.ID.String()).
		Int("events", len(ws.Events)).
		Msg("work session committed")
	return ws, nil
}

func (c *Committer) newTxQueries(tx *sql.Tx) *txQueries {
	return &txQueries{
		sessions: New(tx, c.dialect),
		outbox:   outbox.New(tx, c.dialect),
	}
}

// orderedEvents copies the log in timestamp order, keeping append order for ties.
func orderedEvents(events []models.Event) []models.WorkSessionEvent {
	sorted := make([]models.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	out := make([]models.WorkSessionEvent, len(sorted))
	for i, e := range sorted {
		out[i] = models.WorkSessionEvent{
			Seq:       i,
			Domain:    e.Domain,
			Action:    e.Action,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		}
	}
	return out
}

func committedEvent(ws *models.WorkSession, now time.Time) (outbox.OutboxEvent, error) {
	payload, err := json.Marshal(outbox.WorkSessionCommittedPayload{
		WorkSessionID: ws.ID.String(),
		Kind:          ws.Kind,
		UserID:        ws.UserID,
		TaskID:        ws.TaskID,
		StartTime:     ws.StartTime,
		EndTime:       ws.EndTime,
		EventCount:    len(ws.Events),
	})
	if err != nil {
		return outbox.OutboxEvent{}, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return outbox.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: ws.ID,
		EventType:   outbox.EventTypeWorkSessionCommitted,
		Payload:     payload,
		CreatedAt:   now,
	}, nil
}
