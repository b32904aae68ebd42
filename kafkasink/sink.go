// Package kafkasink delivers outbox events to a Kafka topic.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/velmie/delivery"
)

// Header keys set on every message.
const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderEventID        = "event-id"
	HeaderEventType      = "event-type"
	HeaderAggregateType  = "aggregate-type"
	HeaderAttempt        = "delivery-attempt"
)

// ErrWriterRequired is returned when New gets a nil writer.
var ErrWriterRequired = errors.New("delivery kafka: writer is required")

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ Writer = (*kafka.Writer)(nil)

// Sink is a delivery.Handler writing one message per event. The aggregate id
// is the message key, so events of one aggregate land on one partition.
type Sink struct {
	writer Writer
	topic  string
}

var _ delivery.Handler = (*Sink)(nil)

// New creates a sink. topic is set on each message, so it must be empty when
// the writer has a fixed Topic.
func New(writer Writer, topic string) (*Sink, error) {
	if writer == nil {
		return nil, ErrWriterRequired
	}

	return &Sink{writer: writer, topic: topic}, nil
}

// NewWriter builds a topic-less writer for brokers, to be used with New.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Handle implements delivery.Handler. Every writer error is transient.
func (s *Sink) Handle(ctx context.Context, d delivery.Delivery) error {
	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(d.Event.AggregateID),
		Value: d.Event.Payload,
		Headers: []kafka.Header{
			{Key: HeaderIdempotencyKey, Value: []byte(d.IdempotencyKey)},
			{Key: HeaderEventID, Value: []byte(strconv.FormatInt(d.Event.ID, 10))},
			{Key: HeaderEventType, Value: []byte(d.Event.EventType)},
			{Key: HeaderAggregateType, Value: []byte(d.Event.AggregateType)},
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(d.Attempt))},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return delivery.Transient(fmt.Errorf("kafka write: %w", err))
	}

	return nil
}
