// Package memstore keeps outbox events, leases, replay records and dead-letter
// archives in process memory. It implements every store interface of the
// delivery package with the same claim-and-skip and conditional-upsert
// semantics as the SQL backends, and is meant for tests and local development.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

var (
	_ delivery.OutboxStore       = (*Store)(nil)
	_ delivery.PendingCounter    = (*Store)(nil)
	_ delivery.LeaseManager      = (*Store)(nil)
	_ delivery.LeaseInspector    = (*Store)(nil)
	_ delivery.ReplayLog         = (*Store)(nil)
	_ delivery.DeadLetterArchive = (*Store)(nil)
	_ delivery.TxRunner          = (*Store)(nil)
	_ delivery.Pruner            = (*Store)(nil)
)

// Store is an in-memory backend. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	cond *sync.Cond

	clock        delivery.Clock
	validateJSON bool

	nextID  int64
	order   []int64
	events  map[int64]*delivery.Event
	claimed map[int64]*batch

	leases  map[string]delivery.Lease
	replays map[string]delivery.ReplayRecord
	archive map[string]delivery.ArchiveRecord
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for due-ness and lease expiry.
func WithClock(clock delivery.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithValidateJSON toggles payload JSON validation on Publish.
func WithValidateJSON(enabled bool) Option {
	return func(s *Store) {
		s.validateJSON = enabled
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:        delivery.SystemClock{},
		validateJSON: true,
		events:       make(map[int64]*delivery.Event),
		claimed:      make(map[int64]*batch),
		leases:       make(map[string]delivery.Lease),
		replays:      make(map[string]delivery.ReplayRecord),
		archive:      make(map[string]delivery.ArchiveRecord),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Publish implements delivery.Publisher. When the pending event for the key is
// claimed by an open batch, Publish waits for that batch to finish, matching the
// row lock a SQL upsert would wait on.
func (s *Store) Publish(ctx context.Context, exec delivery.Executor, entry delivery.Entry) (int64, error) {
	if err := delivery.ValidateEntry(entry, s.validateJSON); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		pending := s.pendingByKey(entry.Key())
		if pending == nil {
			break
		}
		if _, held := s.claimed[pending.ID]; held {
			s.cond.Wait()

			continue
		}

		previous := *pending
		pending.Payload = slices.Clone(entry.Payload)
		pending.RetryCount++
		s.journal(exec, func() {
			if event, ok := s.events[previous.ID]; ok {
				*event = previous
			}
		})

		return pending.ID, nil
	}

	s.nextID++
	event := &delivery.Event{
		ID:            s.nextID,
		AggregateType: entry.AggregateType,
		AggregateID:   entry.AggregateID,
		EventType:     entry.EventType,
		Payload:       slices.Clone(entry.Payload),
		CreatedAt:     s.clock.Now(),
	}
	s.events[event.ID] = event
	s.order = append(s.order, event.ID)
	s.journal(exec, func() {
		delete(s.events, event.ID)
		if idx := slices.Index(s.order, event.ID); idx >= 0 {
			s.order = slices.Delete(s.order, idx, idx+1)
		}
	})

	return event.ID, nil
}

// Claim implements delivery.Claimer. Events held by another open batch are
// skipped, never waited on.
func (s *Store) Claim(_ context.Context, opts delivery.ClaimOptions) (delivery.Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}
	if opts.ProcessorID == "" {
		return nil, delivery.ErrProcessorIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	b := &batch{
		store:       s,
		processorID: opts.ProcessorID,
		ids:         make(map[int64]struct{}, opts.BatchSize),
		tx:          &Tx{store: s},
	}
	// Insertion order equals created_at order for a monotonic clock; ties on
	// created_at are broken by id either way.
	candidates := slices.Clone(s.order)
	slices.SortStableFunc(candidates, func(a, c int64) int {
		ea, ec := s.events[a], s.events[c]
		if cmp := ea.CreatedAt.Compare(ec.CreatedAt); cmp != 0 {
			return cmp
		}
		if a < c {
			return -1
		}
		if a > c {
			return 1
		}

		return 0
	})
	for _, id := range candidates {
		if len(b.events) == opts.BatchSize {
			break
		}
		event := s.events[id]
		if !event.Due(now) {
			continue
		}
		if _, held := s.claimed[id]; held {
			continue
		}
		s.claimed[id] = b
		b.ids[id] = struct{}{}
		b.events = append(b.events, cloneEvent(*event))
	}

	if len(b.events) == 0 {
		return nil, delivery.ErrNoEvents
	}

	return b, nil
}

// PendingCount implements delivery.PendingCounter.
func (s *Store) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, event := range s.events {
		if event.Pending() {
			count++
		}
	}

	return count, nil
}

// Events returns a copy of every stored event in id order.
func (s *Store) Events() []delivery.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneEvent(*s.events[id]))
	}

	return out
}

// Event returns a copy of the event with id.
func (s *Store) Event(id int64) (delivery.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return delivery.Event{}, false
	}

	return cloneEvent(*event), true
}

// PendingEvent implements delivery.PendingFinder.
func (s *Store) PendingEvent(_ context.Context, _ delivery.Executor, key delivery.Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event := s.pendingByKey(key); event != nil {
		return event.ID, true, nil
	}

	return 0, false, nil
}

func (s *Store) pendingByKey(key delivery.Key) *delivery.Event {
	for _, id := range s.order {
		event := s.events[id]
		if event.Pending() && event.Key() == key {
			return event
		}
	}

	return nil
}

func (s *Store) complete(b *batch) {
	now := s.clock.Now()
	for _, completion := range b.staged {
		event, ok := s.events[completion.EventID]
		if !ok || !event.Pending() {
			continue
		}
		if completion.Success {
			event.ProcessedAt = now
			event.ProcessedBy = b.processorID
			event.NextRetryAt = time.Time{}
			event.LastError = delivery.ErrorText(completion.Err)

			continue
		}

		event.RetryCount++
		event.LastError = delivery.ErrorText(completion.Err)
		event.NextRetryAt = now.Add(max(completion.RetryDelay, 0))
	}
}

func (s *Store) release(b *batch) {
	for id := range b.ids {
		if s.claimed[id] == b {
			delete(s.claimed, id)
		}
	}
	s.cond.Broadcast()
}

func cloneEvent(e delivery.Event) delivery.Event {
	e.Payload = slices.Clone(e.Payload)

	return e
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}

	return id
}
