package delivery

import "context"

// Handler delivers a single event to its receiver.
type Handler interface {
	// Handle performs one delivery attempt. Returning ErrDuplicateAck reports
	// that the receiver already processed the idempotency key; returning a
	// *DeliveryError classifies the failure.
	Handle(ctx context.Context, delivery Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, delivery Delivery) error

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, delivery Delivery) error {
	return fn(ctx, delivery)
}
