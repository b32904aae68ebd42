package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	failureMatchMaxRetries = "max-retries"
	failureMatchClient     = "client-failure"
)

// Processor claims batches from a Claimer and delivers each event through a
// Handler. Any number of processors may run against the same store; the claim
// semantics keep them from delivering the same event concurrently.
type Processor struct {
	claimer Claimer
	handler Handler
	cfg     ProcessorConfig

	pendingMu sync.Mutex
	pendingAt time.Time
}

type batchOutcome struct {
	completions []Completion
	dead        []deadLetter
	delivered   int
	duplicates  int
	retried     int
}

type deadLetter struct {
	event  Event
	err    error
	reason string
}

// NewProcessor constructs a Processor with defaults and optional settings.
func NewProcessor(claimer Claimer, handler Handler, opts ...ProcessorOption) *Processor {
	if claimer == nil {
		panic("delivery: nil Claimer")
	}
	if handler == nil {
		panic("delivery: nil Handler")
	}

	var cfg ProcessorConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Processor{
		claimer: claimer,
		handler: handler,
		cfg:     cfg,
	}
}

// ID returns the processor id recorded as processed_by.
func (p *Processor) ID() string {
	return p.cfg.ProcessorID
}

// Run starts the claim loop with the configured number of workers. Canceling
// ctx stops new claims; a batch already claimed is delivered and completed.
func (p *Processor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, p.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					p.cfg.Logger.Error("delivery worker panic", "worker", workerID, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := p.runWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.cfg.Logger.Error("delivery worker error", "worker", workerID, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// ProcessOnce claims and processes a single batch. It reports false when
// nothing was due.
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	batch, err := p.claim(ctx)
	if err != nil {
		if errors.Is(err, ErrNoEvents) {
			p.maybeRecordPending(ctx)

			return false, nil
		}

		return false, err
	}

	if err := p.processBatch(ctx, batch); err != nil {
		return false, err
	}

	return true, nil
}

func (p *Processor) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := p.claim(ctx)
		if err != nil {
			if errors.Is(err, ErrNoEvents) {
				p.maybeRecordPending(ctx)
				if sleepErr := p.sleep(ctx, p.cfg.PollInterval); sleepErr != nil {
					return sleepErr
				}

				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		if err := p.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (p *Processor) claim(ctx context.Context) (Batch, error) {
	batch, err := p.claimer.Claim(ctx, ClaimOptions{ProcessorID: p.cfg.ProcessorID, BatchSize: p.cfg.BatchSize})
	if err != nil {
		return nil, err
	}
	if batch != nil {
		p.cfg.Metrics.AddClaimed(len(batch.Events()))
	}

	return batch, nil
}

func (p *Processor) processBatch(ctx context.Context, batch Batch) error {
	start := time.Now()
	defer func() {
		p.cfg.Metrics.ObserveBatchDuration(time.Since(start))
	}()

	if batch == nil {
		return ErrNilBatch
	}

	events := batch.Events()
	if len(events) == 0 {
		rollbackErr := batch.Rollback()

		return errors.Join(ErrEmptyBatch, rollbackErr)
	}

	// In-flight deliveries are not canceled with the worker; the handler
	// timeout bounds them instead.
	workCtx := context.WithoutCancel(ctx)
	outcome := p.deliverAll(workCtx, events)

	return p.applyOutcome(workCtx, batch, outcome)
}

func (p *Processor) deliverAll(ctx context.Context, events []Event) batchOutcome {
	outcome := batchOutcome{
		completions: make([]Completion, 0, len(events)),
	}
	for i := range events {
		event := events[i]
		err := p.deliver(ctx, event)

		switch p.cfg.Classifier(ctx, event, err) {
		case OutcomeDelivered:
			outcome.delivered++
			outcome.completions = append(outcome.completions, Completion{EventID: event.ID, Success: true})
		case OutcomeDuplicate:
			p.cfg.Logger.Debug("delivery duplicate ack", "event_id", event.ID)
			outcome.duplicates++
			outcome.completions = append(outcome.completions, Completion{EventID: event.ID, Success: true})
		case OutcomeClientFailure:
			p.recordFailure(ctx, event, err, p.cfg.ClientFailurePolicy == DeadLetterClientFailures, &outcome)
		default:
			p.recordFailure(ctx, event, err, false, &outcome)
		}
	}

	return outcome
}

func (p *Processor) deliver(ctx context.Context, event Event) error {
	handleCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	return p.handler.Handle(handleCtx, Delivery{
		Event:          event,
		IdempotencyKey: IdempotencyKey(event),
		Attempt:        event.RetryCount + 1,
	})
}

func (p *Processor) recordFailure(ctx context.Context, event Event, err error, clientDead bool, outcome *batchOutcome) {
	if err == nil {
		err = errors.New("delivery failed without error")
	}
	if p.cfg.ErrorHandler != nil {
		p.cfg.ErrorHandler(ctx, event, err)
	}

	reason := ""
	switch {
	case clientDead:
		reason = failureMatchClient
	case p.cfg.MaxRetries > 0 && event.RetryCount+1 >= p.cfg.MaxRetries:
		reason = failureMatchMaxRetries
	}

	if reason != "" && p.cfg.Archive != nil {
		outcome.dead = append(outcome.dead, deadLetter{event: event, err: err, reason: reason})
		outcome.completions = append(outcome.completions, Completion{EventID: event.ID, Success: true, Err: err})

		return
	}
	if reason != "" {
		p.cfg.Logger.Warn("delivery dead-letter archive not configured; falling back to retry", "event_id", event.ID, "reason", reason)
	}

	outcome.retried++
	outcome.completions = append(outcome.completions, Completion{
		EventID:    event.ID,
		Err:        err,
		RetryDelay: p.cfg.Backoff(event.RetryCount),
	})
}

func (p *Processor) applyOutcome(ctx context.Context, batch Batch, outcome batchOutcome) error {
	if len(outcome.dead) > 0 {
		if err := p.archiveDead(ctx, batch, outcome.dead); err != nil {
			return p.rollbackWith(batch, err)
		}
	}

	if err := batch.Complete(ctx, outcome.completions); err != nil {
		return p.rollbackWith(batch, fmt.Errorf("delivery complete failed: %w", err))
	}
	if err := batch.Commit(); err != nil {
		return p.rollbackWith(batch, fmt.Errorf("delivery commit failed: %w", err))
	}

	failed := outcome.retried + len(outcome.dead)
	p.cfg.Metrics.AddProcessed(outcome.delivered + outcome.duplicates)
	p.cfg.Metrics.AddDuplicates(outcome.duplicates)
	p.cfg.Metrics.AddFailed(failed)
	p.cfg.Metrics.AddRetries(outcome.retried)
	p.cfg.Metrics.AddDeadLettered(len(outcome.dead))

	return nil
}

func (p *Processor) archiveDead(ctx context.Context, batch Batch, dead []deadLetter) error {
	var exec Executor
	if eb, ok := batch.(ExecutorBatch); ok {
		exec = eb.Executor()
	}

	now := p.cfg.Clock.Now()
	for _, dl := range dead {
		payload, err := json.Marshal(EnvelopeOf(dl.event))
		if err != nil {
			return fmt.Errorf("delivery dead-letter encode failed: %w", err)
		}

		entry := ArchiveEntry{
			DLMsgID:        DeadLetterID(dl.event.ID),
			OriginalMsgID:  OriginalMessageID(dl.event.ID),
			CandidateID:    dl.event.AggregateID,
			FailureMatchID: dl.reason,
			Payload:        payload,
			Reason:         ErrorText(dl.err),
			ReclaimCount:   dl.event.RetryCount,
			DeadLetteredAt: now,
		}
		if _, err := p.cfg.Archive.Archive(ctx, exec, entry); err != nil {
			return fmt.Errorf("delivery dead-letter archive failed: %w", err)
		}
		p.cfg.Logger.Warn("delivery event dead-lettered",
			"event_id", dl.event.ID,
			"retry_count", dl.event.RetryCount,
			"reason", dl.reason,
			"err", dl.err,
		)
	}

	return nil
}

// OriginalMessageID names an outbox event in replay and archive records.
func OriginalMessageID(eventID int64) string {
	return "outbox:" + strconv.FormatInt(eventID, 10)
}

// DeadLetterID names the dead-letter message of an outbox event.
func DeadLetterID(eventID int64) string {
	return "outbox-dl:" + strconv.FormatInt(eventID, 10)
}

func (p *Processor) rollbackWith(batch Batch, err error) error {
	rollbackErr := batch.Rollback()
	if rollbackErr == nil {
		return err
	}

	return errors.Join(err, fmt.Errorf("delivery rollback failed: %w", rollbackErr))
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Processor) maybeRecordPending(ctx context.Context) {
	counter, ok := p.claimer.(PendingCounter)
	if !ok {
		return
	}
	if p.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := p.cfg.Clock.Now()
	p.pendingMu.Lock()
	nextAllowed := p.pendingAt.Add(p.cfg.PendingInterval)
	if !p.pendingAt.IsZero() && now.Before(nextAllowed) {
		p.pendingMu.Unlock()

		return
	}
	p.pendingAt = now
	p.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		p.cfg.Logger.Warn("delivery pending count failed", "err", err)

		return
	}

	p.cfg.Metrics.SetPending(count)
}
