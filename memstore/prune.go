package memstore

import (
	"context"
	"time"

	"github.com/velmie/delivery"
)

// PruneProcessed implements delivery.Pruner in id order.
func (s *Store) PruneProcessed(_ context.Context, before time.Time, limit int) (int64, error) {
	if limit < 0 {
		return 0, delivery.ErrPruneLimitInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.order[:0]
	for _, id := range s.order {
		event := s.events[id]
		if (limit == 0 || removed < int64(limit)) && !event.Pending() && !event.ProcessedAt.After(before) {
			delete(s.events, id)
			removed++

			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	return removed, nil
}
