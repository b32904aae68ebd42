package delivery

import (
	"context"
	"errors"
	"testing"
	"time"
)

type capturePruner struct {
	before time.Time
	limit  int
	calls  int
	err    error
}

func (p *capturePruner) PruneProcessed(_ context.Context, before time.Time, limit int) (int64, error) {
	p.calls++
	p.before = before
	p.limit = limit
	return 7, p.err
}

func TestOutboxPrunerEnsure(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	pruner := &capturePruner{}
	p, err := NewOutboxPruner(pruner, &scriptedLeases{acquire: true}, OutboxPrunerConfig{
		Retention: 24 * time.Hour,
		Holder:    "A",
		TTL:       time.Second,
		Clock:     fixedClock{now: now},
	})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}

	removed, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if removed != 7 || pruner.calls != 1 {
		t.Fatalf("expected one prune removing 7, got removed=%d calls=%d", removed, pruner.calls)
	}
	if !pruner.before.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected cutoff %s", pruner.before)
	}
	if pruner.limit != defaultPruneLimit {
		t.Fatalf("expected default limit, got %d", pruner.limit)
	}
}

func TestOutboxPrunerSkipsWhenHeld(t *testing.T) {
	pruner := &capturePruner{}
	p, err := NewOutboxPruner(pruner, &scriptedLeases{acquire: false}, OutboxPrunerConfig{
		Retention: time.Hour,
		Holder:    "A",
		TTL:       time.Second,
	})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}

	removed, err := p.Ensure(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("expected silent skip, got removed=%d err=%v", removed, err)
	}
	if pruner.calls != 0 {
		t.Fatalf("expected no prune while lease is held elsewhere")
	}
}

func TestOutboxPrunerReturnsPruneError(t *testing.T) {
	boom := errors.New("boom")
	p, err := NewOutboxPruner(&capturePruner{err: boom}, &scriptedLeases{acquire: true}, OutboxPrunerConfig{
		Retention: time.Hour,
		Holder:    "A",
		TTL:       time.Second,
	})
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}

	if _, err := p.Ensure(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected prune error, got %v", err)
	}
}

func TestNewOutboxPrunerValidates(t *testing.T) {
	leases := &scriptedLeases{}
	if _, err := NewOutboxPruner(&capturePruner{}, leases, OutboxPrunerConfig{Holder: "A", TTL: time.Second}); !errors.Is(err, ErrRetentionInvalid) {
		t.Fatalf("expected ErrRetentionInvalid, got %v", err)
	}
	if _, err := NewOutboxPruner(&capturePruner{}, leases, OutboxPrunerConfig{Retention: time.Hour, Limit: -1, Holder: "A", TTL: time.Second}); !errors.Is(err, ErrPruneLimitInvalid) {
		t.Fatalf("expected ErrPruneLimitInvalid, got %v", err)
	}
	if _, err := NewOutboxPruner(&capturePruner{}, leases, OutboxPrunerConfig{Retention: time.Hour, TTL: -time.Second}); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}
