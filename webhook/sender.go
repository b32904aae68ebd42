package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/velmie/delivery"
)

// Header names set on every request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEventID        = "X-Event-ID"
	HeaderEventType      = "X-Event-Type"
	HeaderAggregateType  = "X-Aggregate-Type"
	HeaderAggregateID    = "X-Aggregate-ID"
	HeaderAttempt        = "X-Delivery-Attempt"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
	maxDrainBody   = 64 << 10
)

// ErrURLRequired is returned when the sender has no target URL.
var ErrURLRequired = errors.New("delivery webhook: url is required")

// Sender is a delivery.Handler posting events to one URL.
type Sender struct {
	url     string
	client  *http.Client
	headers http.Header
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  delivery.Logger
}

var _ delivery.Handler = (*Sender)(nil)

// Option configures a Sender.
type Option func(*Sender)

// WithClient sets the HTTP client. Its Timeout bounds each attempt.
func WithClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTimeout sets the timeout of the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Sender) {
		if timeout > 0 {
			s.client = &http.Client{Timeout: timeout}
		}
	}
}

// WithHeader adds a static header to every request, e.g. an auth token.
func WithHeader(key, value string) Option {
	return func(s *Sender) {
		s.headers.Add(key, value)
	}
}

// WithCircuitBreaker guards the endpoint with a breaker built from settings.
// Only transient failures count against it. Settings.IsSuccessful is replaced.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(s *Sender) {
		settings.IsSuccessful = countsAsSuccess
		s.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithRateLimit caps the request rate. Waiting honors the delivery context.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Sender) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithLogger sets the logger for breaker state changes and failures.
func WithLogger(logger delivery.Logger) Option {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a sender for url.
func New(url string, opts ...Option) (*Sender, error) {
	if url == "" {
		return nil, ErrURLRequired
	}

	s := &Sender{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		headers: make(http.Header),
		logger:  delivery.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Handle implements delivery.Handler.
func (s *Sender) Handle(ctx context.Context, d delivery.Delivery) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return delivery.Transient(fmt.Errorf("rate limit wait: %w", err))
		}
	}
	if s.breaker == nil {
		return s.post(ctx, d)
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, d)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Warn("delivery webhook circuit breaker rejected request", "url", s.url, "state", s.breaker.State().String())

		return delivery.Transient(err)
	}

	return err
}

func (s *Sender) post(ctx context.Context, d delivery.Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(d.Event.Payload))
	if err != nil {
		return fmt.Errorf("delivery webhook: build request failed: %w", err)
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, d.IdempotencyKey)
	req.Header.Set(HeaderEventID, strconv.FormatInt(d.Event.ID, 10))
	req.Header.Set(HeaderEventType, d.Event.EventType)
	req.Header.Set(HeaderAggregateType, d.Event.AggregateType)
	req.Header.Set(HeaderAggregateID, d.Event.AggregateID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempt))

	resp, err := s.client.Do(req)
	if err != nil {
		return delivery.Transient(fmt.Errorf("post %s: %w", s.url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBody))

		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return classifyStatus(resp.StatusCode, bytes.TrimSpace(body))
}

func classifyStatus(code int, body []byte) error {
	cause := fmt.Errorf("receiver responded %d %s", code, http.StatusText(code))
	if len(body) > 0 {
		cause = fmt.Errorf("%w: %s", cause, body)
	}

	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		return delivery.ErrDuplicateAck
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return &delivery.DeliveryError{Kind: delivery.KindTransient, StatusCode: code, Err: cause}
	case code >= 400:
		return delivery.ClientFailure(code, cause)
	default:
		return &delivery.DeliveryError{Kind: delivery.KindTransient, StatusCode: code, Err: cause}
	}
}

func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, delivery.ErrDuplicateAck) {
		return true
	}
	var de *delivery.DeliveryError

	return errors.As(err, &de) && de.Kind == delivery.KindClient
}
