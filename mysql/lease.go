package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/velmie/delivery"
)

const (
	errDeadlock     = 1213
	acquireAttempts = 3
)

// Acquire takes the lease with one guarded INSERT ... ON DUPLICATE KEY UPDATE,
// then reads the holder under the row lock that statement took. Concurrent
// first inserts can deadlock in InnoDB; the losing attempt is retried.
func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := delivery.ValidateLease(name, holder, ttl); err != nil {
		return false, err
	}

	var err error
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		var acquired bool
		acquired, err = s.acquireOnce(ctx, name, holder, ttl)
		if !isDeadlock(err) {
			return acquired, err
		}
	}

	return false, err
}

func (s *Store) acquireOnce(ctx context.Context, name, holder string, ttl time.Duration) (acquired bool, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("delivery mysql: begin tx failed: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	now := s.now()
	if _, err := tx.ExecContext(ctx, s.queries.acquire, name, holder, now, now.Add(ttl)); err != nil {
		return false, fmt.Errorf("delivery mysql: acquire lease failed: %w", err)
	}

	var owner string
	if err := tx.QueryRowContext(ctx, s.queries.selectHolder, name).Scan(&owner); err != nil {
		return false, fmt.Errorf("delivery mysql: read lease holder failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delivery mysql: commit lease failed: %w", err)
	}

	return owner == holder, nil
}

// Release deletes the lease if holder owns it.
func (s *Store) Release(ctx context.Context, name, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.queries.release, name, holder)
	if err != nil {
		return false, fmt.Errorf("delivery mysql: release lease failed: %w", err)
	}

	return affectedOne(res)
}

// Extend moves the expiry of a live lease owned by holder.
func (s *Store) Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := delivery.ValidateLease(name, holder, ttl); err != nil {
		return false, err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, s.queries.extend, now.Add(ttl), name, holder, now)
	if err != nil {
		return false, fmt.Errorf("delivery mysql: extend lease failed: %w", err)
	}

	return affectedOne(res)
}

// CleanupExpired deletes expired leases.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.queries.cleanup, s.now())
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: cleanup leases failed: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: cleanup rows failed: %w", err)
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
		return delivery.Lease{}, false, fmt.Errorf("delivery mysql: inspect lease failed: %w", err)
	}
	lease.Metadata = metadata

	return lease, lease.Live(s.now()), nil
}

func isDeadlock(err error) bool {
	var myErr *mysqldrv.MySQLError

	return errors.As(err, &myErr) && myErr.Number == errDeadlock
}

func affectedOne(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delivery mysql: rows affected failed: %w", err)
	}

	return affected > 0, nil
}
