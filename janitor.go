package delivery

import (
	"context"
	"errors"
	"time"
)

const (
	defaultJanitorEvery = time.Hour
	// DefaultJanitorLease is the lease the janitor itself runs under.
	DefaultJanitorLease = "delivery:lease-janitor"
)

// LeaseJanitorConfig controls periodic removal of expired leases.
type LeaseJanitorConfig struct {
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// LockName is the lease that serializes janitors. Defaults to DefaultJanitorLease.
	LockName string
	Holder   string
	TTL      time.Duration
	Clock    Clock
	Logger   Logger
	Metrics  Metrics
}

// LeaseJanitor deletes expired leases on one replica at a time.
type LeaseJanitor struct {
	leases    LeaseManager
	singleton *Singleton
	cfg       LeaseJanitorConfig
}

// NewLeaseJanitor creates a janitor with defaults applied.
func NewLeaseJanitor(leases LeaseManager, cfg LeaseJanitorConfig) (*LeaseJanitor, error) {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultJanitorEvery
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultJanitorLease
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}

	singleton, err := NewSingleton(leases, SingletonConfig{
		Name:    cfg.LockName,
		Holder:  cfg.Holder,
		TTL:     cfg.TTL,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &LeaseJanitor{leases: leases, singleton: singleton, cfg: cfg}, nil
}

// Run periodically removes expired leases until the context is canceled.
func (j *LeaseJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := j.Ensure(ctx); err != nil {
		j.cfg.Logger.Warn("delivery lease cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.Ensure(ctx); err != nil {
				j.cfg.Logger.Warn("delivery lease cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single cleanup pass. It returns zero without error when
// another replica holds the janitor lease.
func (j *LeaseJanitor) Ensure(ctx context.Context) (int64, error) {
	var removed int64
	err := j.singleton.Do(ctx, func(ctx context.Context) error {
		n, err := j.leases.CleanupExpired(ctx)
		removed = n

		return err
	})
	if errors.Is(err, ErrLockUnavailable) {
		j.cfg.Logger.Debug("delivery lease janitor held by another replica")

		return 0, nil
	}
	if err != nil {
		return removed, err
	}

	j.cfg.Logger.Debug("delivery expired leases removed", "count", removed)

	return removed, nil
}
