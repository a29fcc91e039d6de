package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Beginner is satisfied by *sql.DB.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Run executes fn inside a *sql.Tx bound to queries built by newQueries.
// If fn returns an error or panics the tx rolls back, else it commits.
// Rollback failures are joined to the returned error.
func Run[T any](
	ctx context.Context,
	db Beginner,
	newQueries func(*sql.Tx) *T,
	fn func(q *T) error,
) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(newQueries(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
