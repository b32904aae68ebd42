package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TxRunner runs fn inside one transaction, committing when fn returns nil and
// rolling back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, exec Executor) error) error
}

// SQLTxRunner is a TxRunner over *sql.DB.
type SQLTxRunner struct {
	db   *sql.DB
	opts *sql.TxOptions
}

var _ TxRunner = (*SQLTxRunner)(nil)

// NewSQLTxRunner returns a TxRunner that begins transactions on db with opts.
// A nil opts uses the driver defaults.
func NewSQLTxRunner(db *sql.DB, opts *sql.TxOptions) *SQLTxRunner {
	if db == nil {
		panic("delivery: nil *sql.DB")
	}

	return &SQLTxRunner{db: db, opts: opts}
}

// InTx implements TxRunner.
func (r *SQLTxRunner) InTx(ctx context.Context, fn func(ctx context.Context, exec Executor) error) error {
	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("delivery: begin tx failed: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		rollbackErr := tx.Rollback()
		if rollbackErr == nil || errors.Is(rollbackErr, sql.ErrTxDone) {
			return err
		}

		return errors.Join(err, fmt.Errorf("delivery: rollback failed: %w", rollbackErr))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delivery: commit failed: %w", err)
	}

	return nil
}
