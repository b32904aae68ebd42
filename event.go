package delivery

import (
	"encoding/json"
	"time"
)

// Event is a stored outbox event.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	// ProcessedAt is zero while the event is pending.
	ProcessedAt time.Time
	ProcessedBy string
	// RetryCount grows on every failed attempt and on every publish that
	// overwrote the pending payload.
	RetryCount int
	LastError  string
	// NextRetryAt is zero when the event is due immediately.
	NextRetryAt time.Time
}

// Key returns the pending key of the event.
func (e Event) Key() Key {
	return Key{AggregateType: e.AggregateType, AggregateID: e.AggregateID, EventType: e.EventType}
}

// Pending reports whether the event has not reached its terminal state.
func (e Event) Pending() bool {
	return e.ProcessedAt.IsZero()
}

// Due reports whether a pending event may be claimed at now.
func (e Event) Due(now time.Time) bool {
	return e.Pending() && (e.NextRetryAt.IsZero() || !e.NextRetryAt.After(now))
}

// Completion is the outcome of one delivery attempt.
type Completion struct {
	EventID int64
	// Success marks the event terminal. Err may accompany Success when the
	// event was abandoned (dead-lettered) instead of delivered.
	Success bool
	Err     error
	// RetryDelay schedules the next attempt of a failed event.
	RetryDelay time.Duration
}

// Delivery is what a Handler receives for one attempt.
type Delivery struct {
	Event
	// IdempotencyKey is stable across attempts of the same event.
	IdempotencyKey string
	// Attempt is RetryCount+1.
	Attempt int
}

// Envelope is the archived form of a dead-lettered event. It carries everything
// needed to publish the event again.
type Envelope struct {
	EventID       int64           `json:"event_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// EnvelopeOf builds the archive envelope of an event.
func EnvelopeOf(e Event) Envelope {
	return Envelope{
		EventID:       e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
	}
}

// Entry converts the envelope back into a publishable entry.
func (e Envelope) Entry() Entry {
	return Entry{
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
	}
}
