package postgres

import (
	"context"
	"database/sql"
)

// Querier is the part of *sql.DB and *sql.Tx a Store runs statements through.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// withTx runs fn against a Store bound to one transaction, committing when fn
// succeeds and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *Store) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}
