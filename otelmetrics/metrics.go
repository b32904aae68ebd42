// Package otelmetrics records delivery.Metrics hooks as OpenTelemetry
// instruments.
package otelmetrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/delivery"
)

// Instrument names.
const (
	BatchDuration   = "delivery.batch.duration"
	EventsClaimed   = "delivery.events.claimed"
	EventsProcessed = "delivery.events.processed"
	EventsDuplicate = "delivery.events.duplicate"
	EventsFailed    = "delivery.events.failed"
	EventsRetried   = "delivery.events.retried"
	EventsDead      = "delivery.events.dead_lettered"
	EventsPending   = "delivery.events.pending"
	LeaseAcquired   = "delivery.lease.acquired"
	LeaseLost       = "delivery.lease.lost"
	ReplayReplayed  = "delivery.replay.replayed"
	ReplaySkipped   = "delivery.replay.skipped"
)

// ErrMeterRequired is returned when New receives a nil meter.
var ErrMeterRequired = errors.New("otelmetrics: meter is required")

// Option configures a Recorder.
type Option func(*Recorder)

// WithAttributes attaches attrs to every recorded value.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(r *Recorder) {
		r.attrs = append(r.attrs, attrs...)
	}
}

// Recorder implements delivery.Metrics.
type Recorder struct {
	attrs []attribute.KeyValue
	opt   metric.MeasurementOption

	batchDuration metric.Float64Histogram
	claimed       metric.Int64Counter
	processed     metric.Int64Counter
	duplicates    metric.Int64Counter
	failed        metric.Int64Counter
	retries       metric.Int64Counter
	deadLettered  metric.Int64Counter
	pending       metric.Int64Gauge
	leaseAcquired metric.Int64Counter
	leaseLost     metric.Int64Counter
	replayed      metric.Int64Counter
	replaySkipped metric.Int64Counter
}

var _ delivery.Metrics = (*Recorder)(nil)

// New creates every instrument on meter.
func New(meter metric.Meter, opts ...Option) (*Recorder, error) {
	if meter == nil {
		return nil, ErrMeterRequired
	}

	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	r.opt = metric.WithAttributes(r.attrs...)

	var err error
	if r.batchDuration, err = meter.Float64Histogram(BatchDuration,
		metric.WithDescription("Time to deliver and complete one claimed batch."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("otelmetrics: create %s: %w", BatchDuration, err)
	}
	if r.pending, err = meter.Int64Gauge(EventsPending,
		metric.WithDescription("Outbox events still waiting for delivery."),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("otelmetrics: create %s: %w", EventsPending, err)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.claimed, EventsClaimed, "Events returned by claim."},
		{&r.processed, EventsProcessed, "Events completed as processed."},
		{&r.duplicates, EventsDuplicate, "Duplicate acknowledgements treated as success."},
		{&r.failed, EventsFailed, "Failed delivery attempts."},
		{&r.retries, EventsRetried, "Failed events scheduled for another attempt."},
		{&r.deadLettered, EventsDead, "Events archived as dead letters."},
		{&r.leaseAcquired, LeaseAcquired, "Successful lease acquisitions."},
		{&r.leaseLost, LeaseLost, "Leases lost while a job was running."},
		{&r.replayed, ReplayReplayed, "Dead letters republished by replay."},
		{&r.replaySkipped, ReplaySkipped, "Replays answered as already done."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("otelmetrics: create %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	return r, nil
}

func (r *Recorder) add(counter metric.Int64Counter, count int) {
	if count <= 0 {
		return
	}
	counter.Add(context.Background(), int64(count), r.opt)
}

// ObserveBatchDuration implements delivery.Metrics.
func (r *Recorder) ObserveBatchDuration(duration time.Duration) {
	r.batchDuration.Record(context.Background(), duration.Seconds(), r.opt)
}

// AddClaimed implements delivery.Metrics.
func (r *Recorder) AddClaimed(count int) { r.add(r.claimed, count) }

// AddProcessed implements delivery.Metrics.
func (r *Recorder) AddProcessed(count int) { r.add(r.processed, count) }

// AddDuplicates implements delivery.Metrics.
func (r *Recorder) AddDuplicates(count int) { r.add(r.duplicates, count) }

// AddFailed implements delivery.Metrics.
func (r *Recorder) AddFailed(count int) { r.add(r.failed, count) }

// AddRetries implements delivery.Metrics.
func (r *Recorder) AddRetries(count int) { r.add(r.retries, count) }

// AddDeadLettered implements delivery.Metrics.
func (r *Recorder) AddDeadLettered(count int) { r.add(r.deadLettered, count) }

// SetPending implements delivery.Metrics.
func (r *Recorder) SetPending(count int) {
	r.pending.Record(context.Background(), int64(count), r.opt)
}

// AddLeaseAcquired implements delivery.Metrics.
func (r *Recorder) AddLeaseAcquired(count int) { r.add(r.leaseAcquired, count) }

// AddLeaseLost implements delivery.Metrics.
func (r *Recorder) AddLeaseLost(count int) { r.add(r.leaseLost, count) }

// AddReplayed implements delivery.Metrics.
func (r *Recorder) AddReplayed(count int) { r.add(r.replayed, count) }

// AddReplaySkipped implements delivery.Metrics.
func (r *Recorder) AddReplaySkipped(count int) { r.add(r.replaySkipped, count) }
