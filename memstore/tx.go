package memstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/velmie/delivery"
)

// ErrSQLUnsupported is returned when SQL is issued through a memstore Tx.
var ErrSQLUnsupported = errors.New("delivery memstore: SQL is not supported")

// Tx is the Executor handed out by InTx and by claimed batches. Store writes
// made through it are undone if the transaction rolls back. It does not run
// SQL: ExecContext and QueryContext fail and QueryRowContext returns nil.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

var _ delivery.Executor = (*Tx)(nil)

// ExecContext implements delivery.Executor.
func (t *Tx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, ErrSQLUnsupported
}

// QueryContext implements delivery.Executor.
func (t *Tx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, ErrSQLUnsupported
}

// QueryRowContext implements delivery.Executor.
func (t *Tx) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

// InTx implements delivery.TxRunner. Writes become visible immediately and are
// reverted if fn fails; there is no isolation between concurrent transactions.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, exec delivery.Executor) error) error {
	tx := &Tx{store: s}
	if err := fn(ctx, tx); err != nil {
		s.mu.Lock()
		tx.rollbackLocked()
		s.cond.Broadcast()
		s.mu.Unlock()

		return err
	}

	s.mu.Lock()
	tx.commitLocked()
	s.mu.Unlock()

	return nil
}

// journal records undo for a write made through exec. Callers hold s.mu.
func (s *Store) journal(exec delivery.Executor, undo func()) {
	tx, ok := exec.(*Tx)
	if !ok || tx == nil || tx.store != s || tx.done {
		return
	}
	tx.undo = append(tx.undo, undo)
}

func (t *Tx) commitLocked() {
	t.done = true
	t.undo = nil
}

func (t *Tx) rollbackLocked() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}
