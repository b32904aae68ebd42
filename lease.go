package delivery

import (
	"context"
	"encoding/json"
	"time"
)

// Lease is a named, time-bounded claim of mutual exclusion.
type Lease struct {
	Name       string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Metadata   json.RawMessage
}

// Live reports whether the lease is still held at now.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// LeaseManager is a named TTL lock kept in the shared store.
//
// Expiry is evaluated against the current time on every call, so a crashed
// holder's lease becomes available once its TTL passes. No fencing token is
// issued: a holder that stalls past its TTL may overlap with the next one.
// Use leases to serialize idempotent periodic jobs only.
type LeaseManager interface {
	// Acquire takes the lease if it is free, expired, or already held by holder.
	// It returns false when another holder owns a live lease.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// Release drops the lease only if holder owns it.
	Release(ctx context.Context, name, holder string) (bool, error)
	// Extend pushes the expiry of a live lease owned by holder to now+ttl. A false
	// result means ownership may have moved and exclusive work must stop.
	Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// CleanupExpired deletes expired leases and returns how many were removed.
	// It is garbage collection only; correctness never depends on it.
	CleanupExpired(ctx context.Context) (int64, error)
}

// LeaseInspector reads the current state of a lease.
type LeaseInspector interface {
	// Inspect returns the stored lease and whether it is live. A missing lease
	// returns a zero Lease and false.
	Inspect(ctx context.Context, name string) (Lease, bool, error)
}

// ValidateLease checks the arguments shared by Acquire and Extend.
func ValidateLease(name, holder string, ttl time.Duration) error {
	if name == "" {
		return ErrLeaseNameRequired
	}
	if holder == "" {
		return ErrLeaseHolderRequired
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	return nil
}
