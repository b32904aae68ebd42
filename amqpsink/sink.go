// Package amqpsink delivers outbox events to a RabbitMQ exchange.
package amqpsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/delivery"
)

// Header keys set on every message.
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderAttempt       = "x-delivery-attempt"
)

var (
	// ErrChannelRequired is returned when New gets a nil channel.
	ErrChannelRequired = errors.New("delivery amqp: channel is required")
	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("delivery amqp: publish was nacked")
)

// Publisher is the part of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ConfirmPublisher is implemented by channels in confirm mode. When the
// channel implements it, Handle waits for the broker confirm.
type ConfirmPublisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

var (
	_ Publisher        = (*amqp.Channel)(nil)
	_ ConfirmPublisher = (*amqp.Channel)(nil)
)

// Config controls routing of published events.
type Config struct {
	Exchange string
	// RoutingKey defaults to the event type.
	RoutingKey string
	// Confirm waits for publisher confirms when the channel supports them.
	Confirm bool
}

// Sink is a delivery.Handler publishing one persistent message per event.
// MessageId carries the idempotency key for consumer-side deduplication.
type Sink struct {
	ch  Publisher
	cfg Config
}

var _ delivery.Handler = (*Sink)(nil)

// New creates a sink on ch.
func New(ch Publisher, cfg Config) (*Sink, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	return &Sink{ch: ch, cfg: cfg}, nil
}

// Handle implements delivery.Handler. Publish and confirm failures are transient.
func (s *Sink) Handle(ctx context.Context, d delivery.Delivery) error {
	key := s.cfg.RoutingKey
	if key == "" {
		key = d.Event.EventType
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.IdempotencyKey,
		Type:         d.Event.EventType,
		Timestamp:    d.Event.CreatedAt,
		Body:         d.Event.Payload,
		Headers: amqp.Table{
			HeaderEventID:       strconv.FormatInt(d.Event.ID, 10),
			HeaderEventType:     d.Event.EventType,
			HeaderAggregateType: d.Event.AggregateType,
			HeaderAggregateID:   d.Event.AggregateID,
			HeaderAttempt:       int32(d.Attempt),
		},
	}

	if confirmer, ok := s.ch.(ConfirmPublisher); ok && s.cfg.Confirm {
		return s.publishConfirmed(ctx, confirmer, key, msg)
	}

	if err := s.ch.PublishWithContext(ctx, s.cfg.Exchange, key, false, false, msg); err != nil {
		return delivery.Transient(fmt.Errorf("amqp publish: %w", err))
	}

	return nil
}

func (s *Sink) publishConfirmed(ctx context.Context, ch ConfirmPublisher, key string, msg amqp.Publishing) error {
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.cfg.Exchange, key, false, false, msg)
	if err != nil {
		return delivery.Transient(fmt.Errorf("amqp publish: %w", err))
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return delivery.Transient(fmt.Errorf("amqp confirm: %w", err))
	}
	if !acked {
		return delivery.Transient(ErrNacked)
	}

	return nil
}

// Dial connects to url and opens a channel, in confirm mode when confirm is set.
// Callers close the connection.
func Dial(url string, confirm bool) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("delivery amqp: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("delivery amqp: open channel failed: %w", err), conn.Close())
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("delivery amqp: enable confirms failed: %w", err), conn.Close())
		}
	}

	return conn, ch, nil
}
