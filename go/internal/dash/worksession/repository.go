package worksession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const createWorkSession = `
INSERT INTO work_sessions (id, kind, user_id, task_id, start_time, end_time, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const createWorkSessionEvent = `
INSERT INTO work_session_events (id, work_session_id, seq, domain, action, timestamp, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const getWorkSession = `
SELECT id, kind, user_id, task_id, start_time, end_time, created_at, updated_at
FROM work_sessions
WHERE id = $1`

const listWorkSessionEvents = `
SELECT id, work_session_id, seq, domain, action, timestamp, payload
FROM work_session_events
WHERE work_session_id = $1
ORDER BY seq`

const listWorkSessionsByUser = `
SELECT id, kind, user_id, task_id, start_time, end_time, created_at, updated_at
FROM work_sessions
WHERE user_id = $1 AND kind = $2
ORDER BY start_time DESC
LIMIT $3`

// Queries runs work session statements against a connection or transaction.
type Queries struct {
	db      DBTX
	dialect sqlutil.Dialect
}

func New(db DBTX, dialect sqlutil.Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

type CreateWorkSessionParams struct {
	ID        uuid.UUID
	Kind      string
	UserID    string
	TaskID    sql.NullString
	StartTime int64
	EndTime   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (q *Queries) CreateWorkSession(ctx context.Context, arg CreateWorkSessionParams) error {
	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(createWorkSession),
		arg.ID, arg.Kind, arg.UserID, arg.TaskID, arg.StartTime, arg.EndTime, arg.CreatedAt, arg.UpdatedAt)
	return err
}

type CreateWorkSessionEventParams struct {
	ID            uuid.UUID
	WorkSessionID uuid.UUID
	Seq           int
	Domain        string
	Action        string
	Timestamp     int64
	Payload       pqtype.NullRawMessage
}

func (q *Queries) CreateWorkSessionEvent(ctx context.Context, arg CreateWorkSessionEventParams) error {
	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(createWorkSessionEvent),
		arg.ID, arg.WorkSessionID, arg.Seq, arg.Domain, arg.Action, arg.Timestamp, arg.Payload)
	return err
}

type workSessionRow struct {
	ID        uuid.UUID
	Kind      string
	UserID    string
	TaskID    sql.NullString
	StartTime int64
	EndTime   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkSession(row rowScanner) (workSessionRow, error) {
	var r workSessionRow
	err := row.Scan(&r.ID, &r.Kind, &r.UserID, &r.TaskID, &r.StartTime, &r.EndTime, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (q *Queries) GetWorkSession(ctx context.Context, id uuid.UUID) (workSessionRow, error) {
	return scanWorkSession(q.db.QueryRowContext(ctx, q.dialect.Rebind(getWorkSession), id))
}

func (q *Queries) ListWorkSessionsByUser(ctx context.Context, userID, kind string, limit int) ([]workSessionRow, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(listWorkSessionsByUser), userID, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workSessionRow
	for rows.Next() {
		r, err := scanWorkSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type workSessionEventRow struct {
	ID            uuid.UUID
	WorkSessionID uuid.UUID
	Seq           int
	Domain        string
	Action        string
	Timestamp     int64
	Payload       pqtype.NullRawMessage
}

func (q *Queries) ListWorkSessionEvents(ctx context.Context, workSessionID uuid.UUID) ([]workSessionEventRow, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(listWorkSessionEvents), workSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workSessionEventRow
	for rows.Next() {
		var r workSessionEventRow
		if err := rows.Scan(&r.ID, &r.WorkSessionID, &r.Seq, &r.Domain, &r.Action, &r.Timestamp, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Repository reads committed work sessions back.
type Repository struct {
	queries *Queries
}

func NewRepository(queries *Queries) *Repository {
	return &Repository{queries: queries}
}

func (r *Repository) GetWorkSession(ctx context.Context, id uuid.UUID) (*models.WorkSession, error) {
	row, err := r.queries.GetWorkSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work session: %w", err)
	}

	events, err := r.queries.ListWorkSessionEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list work session events: %w", err)
	}

	ws := dbWorkSessionToModel(row)
	ws.Events = make([]models.WorkSessionEvent, 0, len(events))
	for _, e := range events {
		ws.Events = append(ws.Events, dbEventToModel(e))
	}
	return ws, nil
}

// ListWorkSessions returns the user's most recent sessions of a kind, without events.
func (r *Repository) ListWorkSessions(ctx context.Context, userID, kind string, limit int) ([]*models.WorkSession, error) {
	rows, err := r.queries.ListWorkSessionsByUser(ctx, userID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list work sessions: %w", err)
	}

	out := make([]*models.WorkSession, 0, len(rows))
	for _, row := range rows {
		out = append(out, dbWorkSessionToModel(row))
	}
	return out, nil
}

func dbWorkSessionToModel(row workSessionRow) *models.WorkSession {
	return &models.WorkSession{
		ID:        row.ID,
		Kind:      row.Kind,
		UserID:    row.UserID,
		TaskID:    sqlutil.FromSqlStringPtr(row.TaskID),
		StartTime: row.StartTime,
		EndTime:   row.EndTime,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func dbEventToModel(row workSessionEventRow) models.WorkSessionEvent {
	return models.WorkSessionEvent{
		ID:            row.ID,
		WorkSessionID: row.WorkSessionID,
		Seq:           row.Seq,
		Domain:        models.Domain(row.Domain),
		Action:        models.Action(row.Action),
		Timestamp:     row.Timestamp,
		Payload:       sqlutil.FromNullRawMessage(row.Payload),
	}
}
