package delivery

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// FailureKind separates retryable receiver failures from client-side ones.
type FailureKind int

const (
	// KindTransient covers timeouts, connection failures and server errors.
	KindTransient FailureKind = iota
	// KindClient covers rejections by the receiver that are not duplicate acks.
	KindClient
)

// String implements fmt.Stringer.
func (k FailureKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindClient:
		return "client"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DeliveryError is a classified delivery failure returned by sinks.
type DeliveryError struct {
	Kind FailureKind
	// StatusCode is the receiver's status, when the transport has one.
	StatusCode int
	Err        error
}

// Error implements error.
func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery %s failure (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("delivery %s failure: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &DeliveryError{Kind: KindTransient, Err: err}
}

// ClientFailure wraps err as a client-side failure with the receiver status.
func ClientFailure(status int, err error) error {
	return &DeliveryError{Kind: KindClient, StatusCode: status, Err: err}
}

// Outcome is the processor's reading of a Handler result.
type Outcome int

const (
	// OutcomeDelivered means the receiver accepted the event.
	OutcomeDelivered Outcome = iota
	// OutcomeDuplicate means the receiver had already processed the key.
	OutcomeDuplicate
	// OutcomeRetry means the attempt failed and should be retried with backoff.
	OutcomeRetry
	// OutcomeClientFailure means the receiver rejected the event; the
	// ClientFailurePolicy decides what happens next.
	OutcomeClientFailure
)

// Classifier maps a Handler result to an Outcome.
type Classifier func(ctx context.Context, event Event, err error) Outcome

// Classify is the default Classifier. Errors without a DeliveryError in their
// chain are treated as transient.
func Classify(_ context.Context, _ Event, err error) Outcome {
	if err == nil {
		return OutcomeDelivered
	}
	if errors.Is(err, ErrDuplicateAck) {
		return OutcomeDuplicate
	}

	var derr *DeliveryError
	if errors.As(err, &derr) && derr.Kind == KindClient {
		return OutcomeClientFailure
	}

	return OutcomeRetry
}

// ClientFailurePolicy decides how client-side failures are handled.
type ClientFailurePolicy int

const (
	// RetryClientFailures retries client failures with backoff, like transient
	// ones. Retries stay unbounded unless MaxRetries is set.
	RetryClientFailures ClientFailurePolicy = iota
	// DeadLetterClientFailures archives the event and marks it terminal on the
	// first client failure.
	DeadLetterClientFailures
)

// ParseClientFailurePolicy parses "retry" or "dead-letter".
func ParseClientFailurePolicy(value string) (ClientFailurePolicy, error) {
	switch value {
	case "", "retry":
		return RetryClientFailures, nil
	case "dead-letter", "deadletter":
		return DeadLetterClientFailures, nil
	default:
		return RetryClientFailures, fmt.Errorf("delivery: unknown client failure policy %q", value)
	}
}

// FailureHandler is called when a delivery attempt returns an error.
type FailureHandler func(ctx context.Context, event Event, err error)

// MaxErrorLength caps the stored last_error text, in runes.
const MaxErrorLength = 1024

// ErrorText returns err's message truncated to MaxErrorLength runes, or "" for nil.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}

	return string([]rune(msg)[:MaxErrorLength])
}
