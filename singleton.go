package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultSingletonTTL = 30 * time.Second
	releaseTimeout      = 5 * time.Second
)

// MinSingletonTTL is the shortest lease TTL a Singleton accepts.
const MinSingletonTTL = time.Millisecond

// SingletonConfig controls a Singleton.
type SingletonConfig struct {
	// Name is the lease name shared by all replicas (required).
	Name string
	// Holder identifies this replica. Defaults to DefaultProcessorID().
	Holder string
	// TTL bounds how long a crashed holder keeps the lease. Zero means 30s;
	// anything else below MinSingletonTTL is rejected.
	TTL time.Duration
	// RenewEvery is the extend interval. Defaults to TTL/3.
	RenewEvery time.Duration
	Clock      Clock
	Logger     Logger
	Metrics    Metrics
}

// Singleton runs a job on at most one replica at a time, as long as every
// replica renews before its TTL elapses. The lease carries no fencing token:
// a holder that stalls past its TTL can overlap with the next holder, so jobs
// run under a Singleton must be idempotent.
type Singleton struct {
	leases LeaseManager
	cfg    SingletonConfig
}

// NewSingleton returns a Singleton backed by leases.
func NewSingleton(leases LeaseManager, cfg SingletonConfig) (*Singleton, error) {
	if leases == nil {
		return nil, errors.New("delivery: nil LeaseManager")
	}
	if cfg.Name == "" {
		return nil, ErrLeaseNameRequired
	}
	if cfg.Holder == "" {
		cfg.Holder = DefaultProcessorID()
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultSingletonTTL
	}
	if cfg.TTL < MinSingletonTTL {
		return nil, fmt.Errorf("%w: %s is below %s", ErrInvalidTTL, cfg.TTL, MinSingletonTTL)
	}
	if cfg.RenewEvery <= 0 || cfg.RenewEvery >= cfg.TTL {
		cfg.RenewEvery = cfg.TTL / 3
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}

	return &Singleton{leases: leases, cfg: cfg}, nil
}

// Holder returns the holder id written to the lease.
func (s *Singleton) Holder() string {
	return s.cfg.Holder
}

// Do acquires the lease, runs fn while renewing it and releases it afterwards.
// It returns ErrLockUnavailable without running fn when another holder owns the
// lease. If a renewal fails, fn's context is canceled and Do returns an error
// matching ErrLockLost.
func (s *Singleton) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	acquired, err := s.leases.Acquire(ctx, s.cfg.Name, s.cfg.Holder, s.cfg.TTL)
	if err != nil {
		return fmt.Errorf("delivery: acquire lease %q failed: %w", s.cfg.Name, err)
	}
	if !acquired {
		return ErrLockUnavailable
	}
	s.cfg.Metrics.AddLeaseAcquired(1)
	s.cfg.Logger.Debug("delivery lease acquired", "lease", s.cfg.Name, "holder", s.cfg.Holder)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		s.renew(jobCtx, cancel, done)
	}()

	fnErr := fn(jobCtx)
	close(done)
	<-renewed

	lost := errors.Is(context.Cause(jobCtx), ErrLockLost)
	s.release(ctx)

	if lost {
		if fnErr == nil {
			return ErrLockLost
		}

		return errors.Join(ErrLockLost, fnErr)
	}

	return fnErr
}

// Run calls Do immediately and then every interval until ctx is canceled.
// Contention and job failures are logged, not returned.
func (s *Singleton) Run(ctx context.Context, every time.Duration, fn func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("delivery: singleton interval must be positive")
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.runOnce(ctx, fn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, fn)
		}
	}
}

func (s *Singleton) runOnce(ctx context.Context, fn func(ctx context.Context) error) {
	err := s.Do(ctx, fn)
	switch {
	case err == nil:
	case errors.Is(err, ErrLockUnavailable):
		s.cfg.Logger.Debug("delivery lease held by another holder", "lease", s.cfg.Name)
	case ctx.Err() != nil:
	case errors.Is(err, ErrLockLost):
		s.cfg.Logger.Warn("delivery lease lost during job", "lease", s.cfg.Name, "err", err)
	default:
		s.cfg.Logger.Warn("delivery singleton job failed", "lease", s.cfg.Name, "err", err)
	}
}

func (s *Singleton) renew(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.RenewEvery)
	defer ticker.Stop()

	deadline := s.cfg.Clock.Now().Add(s.cfg.TTL)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := s.cfg.Clock.Now()
		ok, err := s.leases.Extend(ctx, s.cfg.Name, s.cfg.Holder, s.cfg.TTL)
		if err == nil && ok {
			deadline = start.Add(s.cfg.TTL)

			continue
		}
		if err == nil {
			s.lose(cancel, "extend rejected")

			return
		}
		if ctx.Err() != nil {
			return
		}

		s.cfg.Logger.Warn("delivery lease extend failed", "lease", s.cfg.Name, "err", err)
		if !s.cfg.Clock.Now().Before(deadline) {
			s.lose(cancel, "lease expired while extend was failing")

			return
		}
	}
}

func (s *Singleton) lose(cancel context.CancelCauseFunc, reason string) {
	s.cfg.Metrics.AddLeaseLost(1)
	s.cfg.Logger.Warn("delivery lease lost", "lease", s.cfg.Name, "holder", s.cfg.Holder, "reason", reason)
	cancel(ErrLockLost)
}

func (s *Singleton) release(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := s.leases.Release(releaseCtx, s.cfg.Name, s.cfg.Holder)
	if err != nil {
		s.cfg.Logger.Warn("delivery lease release failed", "lease", s.cfg.Name, "err", err)

		return
	}
	if !released {
		s.cfg.Logger.Debug("delivery lease was not held at release", "lease", s.cfg.Name)
	}
}
