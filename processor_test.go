package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type sequenceClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *sequenceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.times) == 0 {
		return time.Time{}
	}
	now := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}

	return now
}

type staticClaimer struct {
	batch Batch
	err   error
}

func (c staticClaimer) Claim(context.Context, ClaimOptions) (Batch, error) {
	return c.batch, c.err
}

type fakeBatch struct {
	events      []Event
	completions []Completion
	committed   bool
	rolled      bool
	completeErr error
	commitErr   error
	rollErr     error
}

func (b *fakeBatch) Events() []Event {
	return b.events
}

func (b *fakeBatch) Complete(_ context.Context, completions []Completion) error {
	b.completions = append(b.completions, completions...)
	return b.completeErr
}

func (b *fakeBatch) Commit() error {
	b.committed = true
	return b.commitErr
}

func (b *fakeBatch) Rollback() error {
	b.rolled = true
	return b.rollErr
}

func (b *fakeBatch) completion(id int64) (Completion, bool) {
	for _, c := range b.completions {
		if c.EventID == id {
			return c, true
		}
	}
	return Completion{}, false
}

type fakeExecutorBatch struct {
	fakeBatch
	exec Executor
}

func (b *fakeExecutorBatch) Executor() Executor {
	return b.exec
}

type fakeExec struct {
	Executor
}

type captureArchive struct {
	entries []ArchiveEntry
	execs   []Executor
	err     error
}

func (a *captureArchive) Archive(_ context.Context, exec Executor, entry ArchiveEntry) (uuid.UUID, error) {
	a.entries = append(a.entries, entry)
	a.execs = append(a.execs, exec)
	return uuid.New(), a.err
}

func (a *captureArchive) Lookup(context.Context, string) (ArchiveRecord, error) {
	return ArchiveRecord{}, ErrArchiveNotFound
}

type captureClaimer struct {
	opts ClaimOptions
	err  error
}

func (c *captureClaimer) Claim(_ context.Context, opts ClaimOptions) (Batch, error) {
	c.opts = opts
	if c.err != nil {
		return nil, c.err
	}
	return nil, ErrNoEvents
}

type cancelClaimer struct {
	started  chan struct{}
	allowErr chan struct{}
	err      error
	canceled int32
}

func (c *cancelClaimer) Claim(ctx context.Context, _ ClaimOptions) (Batch, error) {
	c.started <- struct{}{}
	select {
	case <-c.allowErr:
		return nil, c.err
	case <-ctx.Done():
		atomic.StoreInt32(&c.canceled, 1)
		return nil, ctx.Err()
	}
}

type pendingClaimer struct {
	count int
	calls int
}

func (c *pendingClaimer) Claim(context.Context, ClaimOptions) (Batch, error) {
	return nil, ErrNoEvents
}

func (c *pendingClaimer) PendingCount(context.Context) (int, error) {
	c.calls++
	return c.count, nil
}

type captureMetrics struct {
	NopMetrics
	processed    int
	duplicates   int
	failed       int
	retries      int
	dead         int
	claimed      int
	pending      int
	pendingCalls int
}

func (m *captureMetrics) AddClaimed(n int)      { m.claimed += n }
func (m *captureMetrics) AddProcessed(n int)    { m.processed += n }
func (m *captureMetrics) AddDuplicates(n int)   { m.duplicates += n }
func (m *captureMetrics) AddFailed(n int)       { m.failed += n }
func (m *captureMetrics) AddRetries(n int)      { m.retries += n }
func (m *captureMetrics) AddDeadLettered(n int) { m.dead += n }
func (m *captureMetrics) SetPending(count int) {
	m.pending = count
	m.pendingCalls++
}

func okHandler() Handler {
	return HandlerFunc(func(context.Context, Delivery) error { return nil })
}

func testEvent(id int64) Event {
	return Event{
		ID:            id,
		AggregateType: "invoice",
		AggregateID:   "inv-1",
		EventType:     "invoice.finalized",
		Payload:       json.RawMessage(`{"ok":true}`),
	}
}

func TestProcessorProcessOnce(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1), testEvent(2), testEvent(3)}}
	metrics := &captureMetrics{}

	handler := HandlerFunc(func(_ context.Context, d Delivery) error {
		if d.ID == 2 {
			return errors.New("fail")
		}
		return nil
	})

	processor := NewProcessor(staticClaimer{batch: batch}, handler, WithMetrics(metrics), WithBackoff(ConstantBackoff(time.Minute)))
	ok, err := processor.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !ok {
		t.Fatalf("expected batch to be processed")
	}
	if len(batch.completions) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(batch.completions))
	}
	failed, _ := batch.completion(2)
	if failed.Success || failed.Err == nil || failed.RetryDelay != time.Minute {
		t.Fatalf("unexpected failure completion: %+v", failed)
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
	if metrics.claimed != 3 || metrics.processed != 2 || metrics.failed != 1 || metrics.retries != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestProcessorDeliveryCarriesIdempotencyKey(t *testing.T) {
	event := testEvent(7)
	event.RetryCount = 2
	batch := &fakeBatch{events: []Event{event}}

	var got Delivery
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(_ context.Context, d Delivery) error {
		got = d
		return nil
	}))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if got.IdempotencyKey != IdempotencyKey(event) {
		t.Fatalf("expected key %s, got %s", IdempotencyKey(event), got.IdempotencyKey)
	}
	if got.Attempt != 3 {
		t.Fatalf("expected attempt 3, got %d", got.Attempt)
	}
}

func TestProcessorDuplicateAckIsSuccess(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	metrics := &captureMetrics{}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return ErrDuplicateAck
	}), WithMetrics(metrics))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	c, _ := batch.completion(1)
	if !c.Success || c.Err != nil {
		t.Fatalf("expected duplicate ack completed as success, got %+v", c)
	}
	if metrics.duplicates != 1 || metrics.processed != 1 || metrics.failed != 0 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestProcessorClientFailureRetriedByDefault(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	archive := &captureArchive{}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return ClientFailure(422, errors.New("unprocessable"))
	}), WithDeadLetterArchive(archive))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	c, _ := batch.completion(1)
	if c.Success {
		t.Fatalf("expected retry completion, got %+v", c)
	}
	if len(archive.entries) != 0 {
		t.Fatalf("expected nothing archived, got %d", len(archive.entries))
	}
}

func TestProcessorClientFailureDeadLettered(t *testing.T) {
	event := testEvent(9)
	exec := fakeExec{}
	batch := &fakeExecutorBatch{fakeBatch: fakeBatch{events: []Event{event}}, exec: exec}
	archive := &captureArchive{}
	metrics := &captureMetrics{}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return ClientFailure(400, errors.New("bad request"))
	}),
		WithDeadLetterArchive(archive),
		WithClientFailurePolicy(DeadLetterClientFailures),
		WithMetrics(metrics),
	)

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(archive.entries) != 1 {
		t.Fatalf("expected 1 archived entry, got %d", len(archive.entries))
	}
	entry := archive.entries[0]
	if entry.DLMsgID != "outbox-dl:9" || entry.OriginalMsgID != "outbox:9" || entry.FailureMatchID != failureMatchClient {
		t.Fatalf("unexpected archive entry: %+v", entry)
	}
	if archive.execs[0] != exec {
		t.Fatalf("expected archive to use the batch executor")
	}

	var envelope Envelope
	if err := json.Unmarshal(entry.Payload, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.EventID != 9 || envelope.Entry().Key() != event.Key() {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}

	c, _ := batch.completion(9)
	if !c.Success || c.Err == nil {
		t.Fatalf("expected terminal completion with error, got %+v", c)
	}
	if metrics.dead != 1 || metrics.failed != 1 || metrics.processed != 0 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestProcessorMaxRetriesDeadLetters(t *testing.T) {
	young := testEvent(1)
	old := testEvent(2)
	old.RetryCount = 4
	batch := &fakeBatch{events: []Event{young, old}}
	archive := &captureArchive{}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return errors.New("timeout")
	}), WithDeadLetterArchive(archive), WithMaxRetries(5))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(archive.entries) != 1 || archive.entries[0].FailureMatchID != failureMatchMaxRetries {
		t.Fatalf("expected one max-retries archive entry, got %+v", archive.entries)
	}
	if archive.entries[0].ReclaimCount != 4 {
		t.Fatalf("expected reclaim count 4, got %d", archive.entries[0].ReclaimCount)
	}
	if c, _ := batch.completion(1); c.Success {
		t.Fatalf("expected young event retried")
	}
	if c, _ := batch.completion(2); !c.Success {
		t.Fatalf("expected old event terminal")
	}
}

func TestProcessorDeadLetterFallbackWithoutArchive(t *testing.T) {
	event := testEvent(1)
	event.RetryCount = 10
	batch := &fakeBatch{events: []Event{event}}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return errors.New("boom")
	}), WithMaxRetries(3))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	c, _ := batch.completion(1)
	if c.Success {
		t.Fatalf("expected retry fallback, got %+v", c)
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
}

func TestProcessorArchiveErrorRollback(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	archive := &captureArchive{err: errors.New("archive down")}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return ClientFailure(400, errors.New("bad"))
	}), WithDeadLetterArchive(archive), WithClientFailurePolicy(DeadLetterClientFailures))

	err := processor.processBatch(context.Background(), batch)
	if !errors.Is(err, archive.err) {
		t.Fatalf("expected archive error, got %v", err)
	}
	if !batch.rolled || batch.committed {
		t.Fatalf("expected rollback without commit")
	}
}

func TestProcessorFailureHandlerCalled(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	var calls int
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(context.Context, Delivery) error {
		return errors.New("boom")
	}), WithErrorHandler(func(context.Context, Event, error) {
		calls++
	}))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected failure handler to be called once, got %d", calls)
	}
}

func TestProcessorCompletesBatchAfterCancel(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(ctx context.Context, _ Delivery) error {
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := processor.processBatch(ctx, batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	c, ok := batch.completion(1)
	if !ok || !c.Success {
		t.Fatalf("expected in-flight delivery to complete, got %+v", c)
	}
	if !batch.committed {
		t.Fatalf("expected commit after cancel")
	}
}

func TestProcessorCompleteErrorRollback(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}, completeErr: errors.New("complete fail")}
	processor := NewProcessor(staticClaimer{}, okHandler())

	err := processor.processBatch(context.Background(), batch)
	if err == nil || !errors.Is(err, batch.completeErr) {
		t.Fatalf("expected complete error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on complete error")
	}
	if batch.committed {
		t.Fatalf("expected no commit on complete error")
	}
}

func TestProcessorCommitErrorRollback(t *testing.T) {
	batch := &fakeBatch{
		events:    []Event{testEvent(1)},
		commitErr: errors.New("commit fail"),
		rollErr:   errors.New("roll fail"),
	}
	processor := NewProcessor(staticClaimer{}, okHandler())

	err := processor.processBatch(context.Background(), batch)
	if !errors.Is(err, batch.commitErr) || !errors.Is(err, batch.rollErr) {
		t.Fatalf("expected joined commit and rollback errors, got %v", err)
	}
	if !batch.committed {
		t.Fatalf("expected commit to be attempted")
	}
}

func TestProcessorHandlerTimeoutApplied(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	deadlineCh := make(chan time.Time, 1)
	processor := NewProcessor(staticClaimer{}, HandlerFunc(func(ctx context.Context, _ Delivery) error {
		if deadline, ok := ctx.Deadline(); ok {
			deadlineCh <- deadline
		} else {
			deadlineCh <- time.Time{}
		}
		return nil
	}), WithHandlerTimeout(10*time.Millisecond))

	if err := processor.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if deadline := <-deadlineCh; deadline.IsZero() {
		t.Fatalf("expected handler deadline")
	}
}

func TestProcessorProcessOnceNoEvents(t *testing.T) {
	processor := NewProcessor(staticClaimer{err: ErrNoEvents}, okHandler())
	ok, err := processor.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected no batch")
	}
}

func TestProcessorClaimOptions(t *testing.T) {
	claimer := &captureClaimer{}
	processor := NewProcessor(claimer, okHandler(), WithProcessorID("relay-1"), WithBatchSize(7))

	if _, err := processor.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if claimer.opts.ProcessorID != "relay-1" || claimer.opts.BatchSize != 7 {
		t.Fatalf("unexpected claim options: %+v", claimer.opts)
	}
}

func TestProcessorRunContextCancel(t *testing.T) {
	processor := NewProcessor(staticClaimer{err: ErrNoEvents}, okHandler(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := processor.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestProcessorRunCancelsOtherWorkers(t *testing.T) {
	claimer := &cancelClaimer{
		started:  make(chan struct{}, 2),
		allowErr: make(chan struct{}, 1),
		err:      errors.New("boom"),
	}
	processor := NewProcessor(claimer, okHandler(), WithWorkers(2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- processor.Run(context.Background())
	}()

	<-claimer.started
	<-claimer.started
	claimer.allowErr <- struct{}{}

	err := <-errCh
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if atomic.LoadInt32(&claimer.canceled) != 1 {
		t.Fatalf("expected other worker to observe cancellation")
	}
}

func TestProcessorRunRecoversPanic(t *testing.T) {
	batch := &fakeBatch{events: []Event{testEvent(1)}}
	processor := NewProcessor(staticClaimer{batch: batch}, HandlerFunc(func(context.Context, Delivery) error {
		panic("handler exploded")
	}))

	err := processor.Run(context.Background())
	if !errors.Is(err, ErrWorkerPanic) {
		t.Fatalf("expected worker panic error, got %v", err)
	}
}

func TestProcessorProcessBatchEmpty(t *testing.T) {
	batch := &fakeBatch{}
	processor := NewProcessor(staticClaimer{}, okHandler())

	err := processor.processBatch(context.Background(), batch)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on empty batch")
	}
}

func TestProcessorProcessBatchNil(t *testing.T) {
	processor := NewProcessor(staticClaimer{}, okHandler())

	err := processor.processBatch(context.Background(), nil)
	if !errors.Is(err, ErrNilBatch) {
		t.Fatalf("expected ErrNilBatch, got %v", err)
	}
}

func TestProcessorPendingCountDisabledByDefault(t *testing.T) {
	claimer := &pendingClaimer{count: 10}
	metrics := &captureMetrics{}
	processor := NewProcessor(claimer, okHandler(), WithMetrics(metrics))

	processor.maybeRecordPending(context.Background())

	if claimer.calls != 0 {
		t.Fatalf("expected no pending count calls, got %d", claimer.calls)
	}
	if metrics.pendingCalls != 0 {
		t.Fatalf("expected no pending metric updates, got %d", metrics.pendingCalls)
	}
}

func TestProcessorPendingCountEnabled(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &sequenceClock{times: []time.Time{now, now, now.Add(time.Second)}}
	claimer := &pendingClaimer{count: 42}
	metrics := &captureMetrics{}
	processor := NewProcessor(
		claimer,
		okHandler(),
		WithClock(clock),
		WithMetrics(metrics),
		WithPendingInterval(time.Second),
	)

	processor.maybeRecordPending(context.Background())
	processor.maybeRecordPending(context.Background())
	processor.maybeRecordPending(context.Background())

	if claimer.calls != 2 {
		t.Fatalf("expected 2 pending count calls, got %d", claimer.calls)
	}
	if metrics.pendingCalls != 2 {
		t.Fatalf("expected 2 pending metric updates, got %d", metrics.pendingCalls)
	}
	if metrics.pending != 42 {
		t.Fatalf("expected pending count 42, got %d", metrics.pending)
	}
}
