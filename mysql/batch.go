package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/velmie/delivery"
)

type batch struct {
	tx          *sql.Tx
	store       *Store
	processorID string
	events      []delivery.Event
	ids         map[int64]struct{}
}

var _ delivery.ExecutorBatch = (*batch)(nil)

func newBatch(tx *sql.Tx, store *Store, processorID string, events []delivery.Event) *batch {
	ids := make(map[int64]struct{}, len(events))
	for _, event := range events {
		ids[event.ID] = struct{}{}
	}

	return &batch{tx: tx, store: store, processorID: processorID, events: events, ids: ids}
}

// Events returns the events claimed for this batch.
func (b *batch) Events() []delivery.Event {
	return b.events
}

// Executor returns the claim transaction.
func (b *batch) Executor() delivery.Executor {
	return b.tx
}

// Complete records outcomes for claimed events.
func (b *batch) Complete(ctx context.Context, completions []delivery.Completion) error {
	for _, c := range completions {
		if _, ok := b.ids[c.EventID]; !ok {
			return delivery.ErrEventNotClaimed
		}
	}

	return b.store.complete(ctx, b.tx, b.processorID, completions)
}

// Commit finalizes the batch transaction.
func (b *batch) Commit() error {
	return b.tx.Commit()
}

// Rollback releases locks without applying any changes.
func (b *batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}
