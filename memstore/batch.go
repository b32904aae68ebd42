package memstore

import (
	"context"

	"github.com/velmie/delivery"
)

var _ delivery.ExecutorBatch = (*batch)(nil)

type batch struct {
	store       *Store
	processorID string
	events      []delivery.Event
	ids         map[int64]struct{}
	staged      []delivery.Completion
	tx          *Tx
	closed      bool
}

// Events returns the events claimed for this batch.
func (b *batch) Events() []delivery.Event {
	return b.events
}

// Executor returns the journal that commits and rolls back with the batch.
func (b *batch) Executor() delivery.Executor {
	return b.tx
}

// Complete stages completions; they are applied on Commit.
func (b *batch) Complete(_ context.Context, completions []delivery.Completion) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.closed {
		return delivery.ErrBatchClosed
	}
	for _, completion := range completions {
		if _, ok := b.ids[completion.EventID]; !ok {
			return delivery.ErrEventNotClaimed
		}
	}
	b.staged = append(b.staged, completions...)

	return nil
}

// Commit applies staged completions and releases the claim.
func (b *batch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.closed {
		return delivery.ErrBatchClosed
	}
	b.closed = true
	b.store.complete(b)
	b.tx.commitLocked()
	b.store.release(b)

	return nil
}

// Rollback releases the claim and undoes writes made through Executor.
func (b *batch) Rollback() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.tx.rollbackLocked()
	b.store.release(b)

	return nil
}
