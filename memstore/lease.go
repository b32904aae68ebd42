package memstore

import (
	"context"
	"time"

	"github.com/velmie/delivery"
)

// Acquire implements delivery.LeaseManager.
func (s *Store) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := delivery.ValidateLease(name, holder, ttl); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	current, ok := s.leases[name]
	if ok && current.Live(now) && current.HolderID != holder {
		return false, nil
	}

	s.leases[name] = delivery.Lease{
		Name:       name,
		HolderID:   holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	return true, nil
}

// Release implements delivery.LeaseManager.
func (s *Store) Release(_ context.Context, name, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[name]
	if !ok || current.HolderID != holder {
		return false, nil
	}
	delete(s.leases, name)

	return true, nil
}

// Extend implements delivery.LeaseManager.
func (s *Store) Extend(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := delivery.ValidateLease(name, holder, ttl); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	current, ok := s.leases[name]
	if !ok || current.HolderID != holder || !current.Live(now) {
		return false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	s.leases[name] = current

	return true, nil
}

// CleanupExpired implements delivery.LeaseManager.
func (s *Store) CleanupExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var removed int64
	for name, lease := range s.leases {
		if !lease.Live(now) {
			delete(s.leases, name)
			removed++
		}
	}

	return removed, nil
}

// Inspect implements delivery.LeaseInspector.
func (s *Store) Inspect(_ context.Context, name string) (delivery.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[name]
	if !ok {
		return delivery.Lease{}, false, nil
	}

	return lease, lease.Live(s.clock.Now()), nil
}
