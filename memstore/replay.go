package memstore

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

// RecordReplay implements delivery.ReplayLog.
func (s *Store) RecordReplay(_ context.Context, exec delivery.Executor, req delivery.ReplayRequest) (delivery.ReplayResult, error) {
	if err := req.Validate(); err != nil {
		return delivery.ReplayResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.replays[req.OriginalMsgID]; ok {
		return delivery.ReplayResult{AlreadyReplayed: true, ReplayID: existing.ID}, nil
	}

	record := delivery.ReplayRecord{
		ID:             newID(),
		OriginalMsgID:  req.OriginalMsgID,
		DLMsgID:        req.DLMsgID,
		CandidateID:    req.CandidateID,
		IdempotencyKey: req.IdempotencyKey,
		NewMsgID:       req.NewMsgID,
		ReplayedBy:     req.ReplayedBy,
		ReplayedAt:     s.clock.Now(),
		Status:         delivery.ReplayStatusReplayed,
	}
	s.replays[req.OriginalMsgID] = record
	s.journal(exec, func() {
		delete(s.replays, req.OriginalMsgID)
	})

	return delivery.ReplayResult{ReplayID: record.ID}, nil
}

// Replay returns the record stored for originalMsgID.
func (s *Store) Replay(originalMsgID string) (delivery.ReplayRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.replays[originalMsgID]

	return record, ok
}

// Archive implements delivery.DeadLetterArchive.
func (s *Store) Archive(_ context.Context, exec delivery.Executor, entry delivery.ArchiveEntry) (uuid.UUID, error) {
	if err := entry.Validate(); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.archive[entry.DLMsgID]; ok {
		previous := existing.ArchivedAt
		existing.ArchivedAt = now
		s.archive[entry.DLMsgID] = existing
		s.journal(exec, func() {
			if record, ok := s.archive[entry.DLMsgID]; ok {
				record.ArchivedAt = previous
				s.archive[entry.DLMsgID] = record
			}
		})

		return existing.ID, nil
	}

	entry.Payload = slices.Clone(entry.Payload)
	record := delivery.ArchiveRecord{
		ID:           newID(),
		ArchiveEntry: entry,
		ArchivedAt:   now,
	}
	s.archive[entry.DLMsgID] = record
	s.journal(exec, func() {
		delete(s.archive, entry.DLMsgID)
	})

	return record.ID, nil
}

// Lookup implements delivery.DeadLetterArchive.
func (s *Store) Lookup(_ context.Context, dlMsgID string) (delivery.ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.archive[dlMsgID]
	if !ok {
		return delivery.ArchiveRecord{}, delivery.ErrArchiveNotFound
	}
	record.Payload = slices.Clone(record.Payload)

	return record, nil
}
