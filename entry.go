package delivery

import "encoding/json"

// Entry describes a new outbox event to be published.
type Entry struct {
	// AggregateType is a coarse-grained stream identifier (e.g., "invoice").
	AggregateType string
	// AggregateID identifies the stream instance (e.g., invoice ID).
	AggregateID string
	// EventType names the specific event (e.g., "invoice.finalized").
	EventType string
	// Payload is the JSON document delivered to the receiver.
	Payload json.RawMessage
}

// Key identifies the logical queue slot of an event. At most one pending event
// exists per Key.
type Key struct {
	AggregateType string
	AggregateID   string
	EventType     string
}

// Key returns the pending key of the entry.
func (e Entry) Key() Key {
	return Key{AggregateType: e.AggregateType, AggregateID: e.AggregateID, EventType: e.EventType}
}

// Validate checks required fields and JSON validity.
func (e Entry) Validate() error {
	return ValidateEntry(e, true)
}

// ValidateEntry validates an entry with optional JSON validation of the payload.
func ValidateEntry(entry Entry, validateJSON bool) error {
	if entry.AggregateType == "" {
		return ErrAggregateTypeRequired
	}
	if entry.AggregateID == "" {
		return ErrAggregateIDRequired
	}
	if entry.EventType == "" {
		return ErrEventTypeRequired
	}
	if len(entry.Payload) == 0 {
		return ErrPayloadRequired
	}
	if validateJSON && !json.Valid(entry.Payload) {
		return ErrInvalidPayload
	}

	return nil
}
