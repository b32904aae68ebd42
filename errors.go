package delivery

import "errors"

var (
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("delivery batch size must be positive")
	// ErrNoEvents signals that no events are due for processing. It is a normal
	// outcome of Claim, not a failure.
	ErrNoEvents = errors.New("delivery outbox has no due events")
	// ErrNilBatch indicates that a claimer returned a nil batch.
	ErrNilBatch = errors.New("delivery batch is nil")
	// ErrEmptyBatch indicates that a claimer returned a batch with no events.
	ErrEmptyBatch = errors.New("delivery batch has no events")
	// ErrBatchClosed is returned when a committed or rolled back batch is used.
	ErrBatchClosed = errors.New("delivery batch is closed")
	// ErrEventNotClaimed is returned when a batch completes an event it did not claim.
	ErrEventNotClaimed = errors.New("delivery event is not claimed by this batch")
	// ErrEventNotPending is returned when a completion targets an already processed event.
	ErrEventNotPending = errors.New("delivery event is not pending")
	// ErrProcessorIDRequired is returned when a claim has no processor id.
	ErrProcessorIDRequired = errors.New("delivery processor id is required")
	// ErrAggregateTypeRequired is returned when Entry.AggregateType is empty.
	ErrAggregateTypeRequired = errors.New("delivery aggregate type is required")
	// ErrAggregateIDRequired is returned when Entry.AggregateID is empty.
	ErrAggregateIDRequired = errors.New("delivery aggregate id is required")
	// ErrEventTypeRequired is returned when Entry.EventType is empty.
	ErrEventTypeRequired = errors.New("delivery event type is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("delivery payload is required")
	// ErrInvalidPayload is returned when Entry.Payload is not valid JSON.
	ErrInvalidPayload = errors.New("delivery payload must be valid JSON")
	// ErrWorkerPanic indicates a processor worker panic.
	ErrWorkerPanic = errors.New("delivery worker panic")

	// ErrDuplicateAck is returned by a Handler when the receiver reports the
	// idempotency key as already processed. The processor treats it as success.
	ErrDuplicateAck = errors.New("delivery already processed for idempotency key")

	// ErrLockUnavailable is returned by Singleton.Do when another holder owns a
	// live lease. Callers retry later and never block on it.
	ErrLockUnavailable = errors.New("delivery lease is held by another holder")
	// ErrLockLost is returned by Singleton.Do when the lease could not be extended.
	// The job context has been canceled and exclusive work must stop.
	ErrLockLost = errors.New("delivery lease was lost")
	// ErrLeaseNameRequired is returned when a lease name is empty.
	ErrLeaseNameRequired = errors.New("delivery lease name is required")
	// ErrLeaseHolderRequired is returned when a lease holder is empty.
	ErrLeaseHolderRequired = errors.New("delivery lease holder is required")
	// ErrInvalidTTL is returned when a lease TTL is not positive, or too short
	// for a Singleton to renew.
	ErrInvalidTTL = errors.New("delivery lease ttl must be positive")

	// ErrOriginalMsgIDRequired is returned when a replay has no original message id.
	ErrOriginalMsgIDRequired = errors.New("delivery replay original message id is required")
	// ErrDLMsgIDRequired is returned when a dead-letter message id is empty.
	ErrDLMsgIDRequired = errors.New("delivery dead-letter message id is required")
	// ErrArchiveNotFound is returned when no archive record exists for a dead-letter id.
	ErrArchiveNotFound = errors.New("delivery dead-letter archive record not found")
	// ErrNotReplayable is returned when an archived payload is not a replayable Envelope.
	ErrNotReplayable = errors.New("delivery archived payload is not replayable")
	// ErrReplayConflict is returned when a newer event with the same key is
	// still pending. Replaying would overwrite its payload.
	ErrReplayConflict = errors.New("delivery replay conflicts with a pending event")
)
