package delivery

import (
	"context"
	"errors"
	"time"
)

const (
	defaultPruneEvery = time.Hour
	defaultPruneLimit = 10000
	// DefaultPrunerLease is the lease the outbox pruner runs under.
	DefaultPrunerLease = "delivery:outbox-pruner"
)

var (
	// ErrRetentionInvalid is returned when a pruner retention is not positive.
	ErrRetentionInvalid = errors.New("delivery prune retention must be positive")
	// ErrPruneLimitInvalid is returned when a prune limit is negative.
	ErrPruneLimitInvalid = errors.New("delivery prune limit must be non-negative")
)

// Pruner deletes processed events. Pending events are never removed, so
// pruning cannot drop an undelivered message or free a pending key early.
type Pruner interface {
	// PruneProcessed deletes at most limit events processed at or before
	// before and reports how many were removed.
	PruneProcessed(ctx context.Context, before time.Time, limit int) (int64, error)
}

// OutboxPrunerConfig controls periodic removal of processed events.
type OutboxPrunerConfig struct {
	// Retention keeps processed events for this long (required).
	Retention time.Duration
	// CheckEvery is the interval between prune runs.
	CheckEvery time.Duration
	// Limit caps the rows deleted per run (0 uses the default).
	Limit int
	// LockName is the lease that serializes pruners. Defaults to DefaultPrunerLease.
	LockName string
	Holder   string
	TTL      time.Duration
	Clock    Clock
	Logger   Logger
	Metrics  Metrics
}

// OutboxPruner deletes old processed events on one replica at a time.
type OutboxPruner struct {
	pruner    Pruner
	singleton *Singleton
	cfg       OutboxPrunerConfig
}

// NewOutboxPruner creates a pruner with defaults applied.
func NewOutboxPruner(pruner Pruner, leases LeaseManager, cfg OutboxPrunerConfig) (*OutboxPruner, error) {
	if pruner == nil {
		panic("delivery: pruner is required")
	}
	if cfg.Retention <= 0 {
		return nil, ErrRetentionInvalid
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultPruneLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrPruneLimitInvalid
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultPruneEvery
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultPrunerLease
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
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

	return &OutboxPruner{pruner: pruner, singleton: singleton, cfg: cfg}, nil
}

// Run prunes immediately and then every CheckEvery until ctx is canceled.
func (p *OutboxPruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := p.Ensure(ctx); err != nil {
		p.cfg.Logger.Warn("delivery outbox prune failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Ensure(ctx); err != nil {
				p.cfg.Logger.Warn("delivery outbox prune failed", "err", err)
			}
		}
	}
}

// Ensure executes a single prune pass. It returns zero without error when
// another replica holds the pruner lease.
func (p *OutboxPruner) Ensure(ctx context.Context) (int64, error) {
	var removed int64
	err := p.singleton.Do(ctx, func(ctx context.Context) error {
		before := p.cfg.Clock.Now().Add(-p.cfg.Retention)
		n, err := p.pruner.PruneProcessed(ctx, before, p.cfg.Limit)
		removed = n

		return err
	})
	if errors.Is(err, ErrLockUnavailable) {
		p.cfg.Logger.Debug("delivery outbox pruner held by another replica")

		return 0, nil
	}
	if err != nil {
		return removed, err
	}

	p.cfg.Logger.Debug("delivery processed events pruned", "count", removed)

	return removed, nil
}
