package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/delivery"
)

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type capturePublisher struct {
	calls []publishCall
	err   error
}

func (p *capturePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.calls = append(p.calls, publishCall{exchange: exchange, key: key, msg: msg})
	return p.err
}

type confirmingPublisher struct {
	capturePublisher
	confirmErr error
	confirms   int
}

func (p *confirmingPublisher) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	p.confirms++
	return nil, errors.Join(p.confirmErr, p.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg))
}

func testDelivery() delivery.Delivery {
	return delivery.Delivery{
		Event: delivery.Event{
			ID:            3,
			AggregateType: "order",
			AggregateID:   "o-3",
			EventType:     "order.created",
			Payload:       json.RawMessage(`{"id":3}`),
			CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		IdempotencyKey: "key-3",
		Attempt:        4,
	}
}

func TestSinkPublishesPersistentMessage(t *testing.T) {
	pub := &capturePublisher{}
	sink, err := New(pub, Config{Exchange: "events"})
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), testDelivery()))
	require.Len(t, pub.calls, 1)

	call := pub.calls[0]
	assert.Equal(t, "events", call.exchange)
	assert.Equal(t, "order.created", call.key)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
	assert.Equal(t, "key-3", call.msg.MessageId)
	assert.Equal(t, "application/json", call.msg.ContentType)
	assert.JSONEq(t, `{"id":3}`, string(call.msg.Body))
	assert.Equal(t, "3", call.msg.Headers[HeaderEventID])
	assert.Equal(t, "o-3", call.msg.Headers[HeaderAggregateID])
	assert.Equal(t, int32(4), call.msg.Headers[HeaderAttempt])
	require.NoError(t, call.msg.Headers.Validate())
}

func TestSinkUsesConfiguredRoutingKey(t *testing.T) {
	pub := &capturePublisher{}
	sink, err := New(pub, Config{Exchange: "events", RoutingKey: "orders"})
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), testDelivery()))
	assert.Equal(t, "orders", pub.calls[0].key)
}

func TestSinkPublishErrorIsTransient(t *testing.T) {
	boom := errors.New("channel closed")
	sink, err := New(&capturePublisher{err: boom}, Config{})
	require.NoError(t, err)

	err = sink.Handle(context.Background(), testDelivery())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, delivery.OutcomeRetry, delivery.Classify(context.Background(), delivery.Event{}, err))
}

func TestSinkUsesConfirmsWhenEnabled(t *testing.T) {
	pub := &confirmingPublisher{}
	sink, err := New(pub, Config{Exchange: "events", Confirm: true})
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), testDelivery()))
	assert.Equal(t, 1, pub.confirms)

	pub.confirmErr = errors.New("confirm channel closed")
	err = sink.Handle(context.Background(), testDelivery())
	require.Error(t, err)
	assert.Equal(t, delivery.OutcomeRetry, delivery.Classify(context.Background(), delivery.Event{}, err))
}

func TestSinkSkipsConfirmsWhenDisabled(t *testing.T) {
	pub := &confirmingPublisher{}
	sink, err := New(pub, Config{Exchange: "events"})
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), testDelivery()))
	assert.Zero(t, pub.confirms)
	assert.Len(t, pub.calls, 1)
}

func TestNewRequiresChannel(t *testing.T) {
	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrChannelRequired)
}
