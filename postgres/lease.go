package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/delivery"
)

// Acquire takes the lease with one conditional upsert: the row is written only
// if it is absent, expired or already held by holder.
func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := delivery.ValidateLease(name, holder, ttl); err != nil {
		return false, err
	}

	now := s.cfg.Clock.Now()
	var owner string
	err := s.db.QueryRowContext(ctx, s.queries.acquire, name, holder, now, now.Add(ttl)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delivery postgres: acquire lease failed: %w", err)
	}

	return owner == holder, nil
}

// Release deletes the lease if holder owns it.
func (s *Store) Release(ctx context.Context, name, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.queries.release, name, holder)
	if err != nil {
		return false, fmt.Errorf("delivery postgres: release lease failed: %w", err)
	}

	return affectedOne(res)
}

// Extend moves the expiry of a live lease owned by holder.
func (s *Store) Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := delivery.ValidateLease(name, holder, ttl); err != nil {
		return false, err
	}

	now := s.cfg.Clock.Now()
	res, err := s.db.ExecContext(ctx, s.queries.extend, now.Add(ttl), name, holder, now)
	if err != nil {
		return false, fmt.Errorf("delivery postgres: extend lease failed: %w", err)
	}

	return affectedOne(res)
}

// CleanupExpired deletes expired leases.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.queries.cleanup, s.cfg.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delivery postgres: cleanup leases failed: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delivery postgres: cleanup rows failed: %w", err)
	}

	return removed, nil
}

// Inspect reads the stored lease.
func (s *Store) Inspect(ctx context.Context, name string) (delivery.Lease, bool, error) {
	var (
		lease    delivery.Lease
		metadata []byte
	)
	err := s.db.QueryRowContext(ctx, s.queries.inspect, name).Scan(
		&lease.Name,
		&lease.HolderID,
		&lease.AcquiredAt,
		&lease.ExpiresAt,
		&metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Lease{}, false, nil
	}
	if err != nil {
		return delivery.Lease{}, false, fmt.Errorf("delivery postgres: inspect lease failed: %w", err)
	}
	lease.Metadata = metadata

	return lease, lease.Live(s.cfg.Clock.Now()), nil
}

func affectedOne(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delivery postgres: rows affected failed: %w", err)
	}

	return affected > 0, nil
}
