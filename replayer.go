package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// errReplayDone aborts the replay transaction when the log already holds a
// record, so the publish it made is rolled back.
var errReplayDone = errors.New("delivery replay already recorded")

// ReplayOutcome is the result of Replayer.Replay.
type ReplayOutcome struct {
	ReplayResult
	// EventID is the republished outbox event. It is zero when AlreadyReplayed.
	EventID int64
	// IdempotencyKey is the key the new event will be delivered with.
	IdempotencyKey string
}

// Replayer republishes archived dead letters exactly once per original message.
type Replayer struct {
	tx        TxRunner
	archive   DeadLetterArchive
	replays   ReplayLog
	publisher Publisher
	logger    Logger
	metrics   Metrics
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayLogger sets the replayer logger.
func WithReplayLogger(logger Logger) ReplayerOption {
	return func(r *Replayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReplayMetrics sets the replayer metrics recorder.
func WithReplayMetrics(metrics Metrics) ReplayerOption {
	return func(r *Replayer) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// NewReplayer wires a Replayer. The publish and the replay record are written
// in one transaction started by tx.
func NewReplayer(tx TxRunner, archive DeadLetterArchive, replays ReplayLog, publisher Publisher, opts ...ReplayerOption) *Replayer {
	if tx == nil || archive == nil || replays == nil || publisher == nil {
		panic("delivery: Replayer requires a TxRunner, DeadLetterArchive, ReplayLog and Publisher")
	}

	r := &Replayer{
		tx:        tx,
		archive:   archive,
		replays:   replays,
		publisher: publisher,
		logger:    NopLogger{},
		metrics:   NopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Replay republishes the archived message dlMsgID. A second replay of the same
// original message returns the first replay's id with AlreadyReplayed set and
// leaves the outbox untouched, even while the replayed event is still pending.
// Otherwise, when the publisher is a PendingFinder and an event with the same
// key is pending, Replay returns ErrReplayConflict and writes nothing.
func (r *Replayer) Replay(ctx context.Context, dlMsgID, replayedBy string) (ReplayOutcome, error) {
	if dlMsgID == "" {
		return ReplayOutcome{}, ErrDLMsgIDRequired
	}

	record, err := r.archive.Lookup(ctx, dlMsgID)
	if err != nil {
		return ReplayOutcome{}, err
	}

	var envelope Envelope
	if err := json.Unmarshal(record.Payload, &envelope); err != nil {
		return ReplayOutcome{}, fmt.Errorf("%w: %v", ErrNotReplayable, err)
	}
	entry := envelope.Entry()
	if err := entry.Validate(); err != nil {
		return ReplayOutcome{}, fmt.Errorf("%w: %v", ErrNotReplayable, err)
	}

	originalID := record.OriginalMsgID
	if originalID == "" {
		originalID = record.DLMsgID
	}
	candidateID := record.CandidateID
	if candidateID == "" {
		candidateID = entry.AggregateID
	}

	var outcome ReplayOutcome
	err = r.tx.InTx(ctx, func(ctx context.Context, exec Executor) error {
		pendingID, conflict, err := r.pendingEvent(ctx, exec, entry.Key())
		if err != nil {
			return err
		}
		eventID := pendingID
		if !conflict {
			eventID, err = r.publisher.Publish(ctx, exec, entry)
			if err != nil {
				return fmt.Errorf("delivery: replay publish failed: %w", err)
			}
		}

		key := IdempotencyKey(Event{
			ID:            eventID,
			AggregateType: entry.AggregateType,
			AggregateID:   entry.AggregateID,
			EventType:     entry.EventType,
		})
		result, err := r.replays.RecordReplay(ctx, exec, ReplayRequest{
			OriginalMsgID:  originalID,
			DLMsgID:        record.DLMsgID,
			CandidateID:    candidateID,
			IdempotencyKey: key,
			NewMsgID:       strconv.FormatInt(eventID, 10),
			ReplayedBy:     replayedBy,
		})
		if err != nil {
			return fmt.Errorf("delivery: record replay failed: %w", err)
		}

		outcome.ReplayResult = result
		if result.AlreadyReplayed {
			return errReplayDone
		}
		if conflict {
			// Rolls back the record just written.
			return fmt.Errorf("%w: event %d", ErrReplayConflict, pendingID)
		}
		outcome.EventID = eventID
		outcome.IdempotencyKey = key

		return nil
	})
	if errors.Is(err, errReplayDone) {
		r.metrics.AddReplaySkipped(1)
		r.logger.Info("delivery replay already done", "dl_msg_id", dlMsgID, "replay_id", outcome.ReplayID)

		return ReplayOutcome{ReplayResult: outcome.ReplayResult}, nil
	}
	if errors.Is(err, ErrReplayConflict) {
		r.logger.Warn("delivery replay refused", "dl_msg_id", dlMsgID, "err", err)

		return ReplayOutcome{}, err
	}
	if err != nil {
		return ReplayOutcome{}, err
	}

	r.metrics.AddReplayed(1)
	r.logger.Info("delivery dead letter replayed",
		"dl_msg_id", dlMsgID,
		"original_msg_id", originalID,
		"event_id", outcome.EventID,
		"replay_id", outcome.ReplayID,
	)

	return outcome, nil
}

// pendingEvent reports a pending event holding key. Publishers that cannot
// look one up never conflict.
func (r *Replayer) pendingEvent(ctx context.Context, exec Executor, key Key) (int64, bool, error) {
	finder, ok := r.publisher.(PendingFinder)
	if !ok {
		return 0, false, nil
	}

	id, found, err := finder.PendingEvent(ctx, exec, key)
	if err != nil {
		return 0, false, fmt.Errorf("delivery: replay pending lookup failed: %w", err)
	}

	return id, found, nil
}
