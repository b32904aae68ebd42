package delivery

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 100 * time.Millisecond
	defaultWorkers        = 1
	defaultHandlerTimeout = 30 * time.Second
	defaultPendingCheck   = 0
)

// ProcessorConfig defines how the Processor claims and delivers events.
type ProcessorConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	Workers        int
	ProcessorID    string
	HandlerTimeout time.Duration
	// MaxRetries dead-letters an event once its retry count reaches this many.
	// The retry count also grows each time a publish overwrites the pending
	// payload, so a frequently republished key reaches the cap with fewer
	// failed deliveries. Zero keeps retries unbounded.
	MaxRetries          int
	ClientFailurePolicy ClientFailurePolicy
	Backoff             Backoff
	Classifier          Classifier
	// Archive receives dead-lettered events. Without it, events the policy would
	// dead-letter are retried instead.
	Archive         DeadLetterArchive
	Clock           Clock
	ErrorHandler    FailureHandler
	Logger          Logger
	Metrics         Metrics
	PendingInterval time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ProcessorID == "" {
		c.ProcessorID = DefaultProcessorID()
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff(defaultBackoffBase, defaultBackoffMax)
	}
	if c.Classifier == nil {
		c.Classifier = Classify
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}

	return c
}

// DefaultProcessorID returns host-pid-random, unique per process start.
func DefaultProcessorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ProcessorOption configures Processor behavior.
type ProcessorOption func(*ProcessorConfig)

// WithBatchSize sets the number of events claimed per batch.
func WithBatchSize(size int) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty claims.
func WithPollInterval(interval time.Duration) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent claim loops.
func WithWorkers(count int) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Workers = count
	}
}

// WithProcessorID sets the id recorded as processed_by.
func WithProcessorID(id string) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.ProcessorID = id
	}
}

// WithHandlerTimeout bounds a single delivery attempt.
func WithHandlerTimeout(timeout time.Duration) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithMaxRetries dead-letters an event whose failure would bring its retry
// count to limit. Publishes that overwrite the pending payload count toward
// the limit too, see ProcessorConfig.MaxRetries.
func WithMaxRetries(limit int) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.MaxRetries = limit
	}
}

// WithClientFailurePolicy sets how client-side failures are handled.
func WithClientFailurePolicy(policy ClientFailurePolicy) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.ClientFailurePolicy = policy
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(backoff Backoff) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Backoff = backoff
	}
}

// WithClassifier overrides how Handler results map to outcomes.
func WithClassifier(classifier Classifier) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Classifier = classifier
	}
}

// WithDeadLetterArchive sets the archive for dead-lettered events.
func WithDeadLetterArchive(archive DeadLetterArchive) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Archive = archive
	}
}

// WithClock sets the processor clock.
func WithClock(clock Clock) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for failed attempts.
func WithErrorHandler(handler FailureHandler) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger Logger) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.Metrics = metrics
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) ProcessorOption {
	return func(c *ProcessorConfig) {
		c.PendingInterval = interval
	}
}
