package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const insertOutbox = `
INSERT INTO outbox (id, aggregate_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`

const fetchUnsentOutbox = `
SELECT id, aggregate_id, event_type, payload, created_at
FROM outbox
WHERE sent_at IS NULL
ORDER BY created_at, id
LIMIT $1`

const markOutboxSent = `
UPDATE outbox SET sent_at = $1 WHERE id = $2 AND sent_at IS NULL`

// Queries runs outbox statements against a connection or transaction.
type Queries struct {
	db      DBTX
	dialect sqlutil.Dialect
}

func New(db DBTX, dialect sqlutil.Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

func (q *Queries) InsertOutbox(ctx context.Context, event OutboxEvent) error {
	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(insertOutbox),
		event.ID, event.AggregateID, event.EventType, []byte(event.Payload), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (q *Queries) FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(fetchUnsentOutbox), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var (
			e       OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (q *Queries) MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(markOutboxSent), at, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

const countUnsentOutbox = `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`

func (q *Queries) CountUnsentOutbox(ctx context.Context) (int, error) {
	rows, err := q.db.QueryContext(ctx, countUnsentOutbox)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsent outbox events: %w", err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan outbox count: %w", err)
		}
	}
	return n, rows.Err()
}
