package delivery

import (
	"context"
	"database/sql"
)

// Executor runs statements against a database or an open transaction. *sql.DB,
// *sql.Tx and *sql.Conn satisfy it. Stores treat a nil Executor as "use the
// store's own pool".
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Publisher appends events to the outbox.
type Publisher interface {
	// Publish stores entry through exec, normally the transaction of the business
	// change that caused it. If an event with the same Key is still pending, its
	// payload is overwritten and its retry count incremented instead of inserting
	// a duplicate. Publish returns the id of the pending event.
	Publish(ctx context.Context, exec Executor, entry Entry) (int64, error)
}

// PendingFinder looks up the pending event holding a key.
type PendingFinder interface {
	// PendingEvent returns the id of the unprocessed event with key. SQL stores
	// lock the row through exec until the surrounding transaction ends.
	PendingEvent(ctx context.Context, exec Executor, key Key) (int64, bool, error)
}

// ClaimOptions controls how due events are selected.
type ClaimOptions struct {
	ProcessorID string
	BatchSize   int
}

// Claimer provides claimed batches of due events.
type Claimer interface {
	// Claim returns up to opts.BatchSize due events, oldest first, skipping
	// events claimed by other in-flight batches instead of waiting on them.
	// It returns ErrNoEvents when nothing is due.
	Claim(ctx context.Context, opts ClaimOptions) (Batch, error)
}

// Batch is a set of claimed events. The claim lasts until Commit or Rollback;
// a batch abandoned by a crashed process is released when its connection ends.
type Batch interface {
	// Events returns the claimed events.
	Events() []Event
	// Complete records delivery outcomes. Successes become terminal, failures
	// stay pending with an incremented retry count and a next retry time.
	Complete(ctx context.Context, completions []Completion) error
	// Commit applies completions and releases the claim.
	Commit() error
	// Rollback releases the claim without applying any completion.
	Rollback() error
}

// ExecutorBatch exposes the transaction holding a claim, so related writes
// (such as dead-letter archival) commit atomically with the completions.
type ExecutorBatch interface {
	Executor() Executor
}

// PendingCounter provides a total count of pending events.
type PendingCounter interface {
	// PendingCount returns the current number of pending events.
	PendingCount(ctx context.Context) (int, error)
}

// OutboxStore is the full outbox contract of a backend.
type OutboxStore interface {
	Publisher
	Claimer
}
