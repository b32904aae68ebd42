package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

// RecordReplay inserts a replay record. A conflict on original_msg_id returns
// the existing id with AlreadyReplayed set.
func (s *Store) RecordReplay(ctx context.Context, exec delivery.Executor, req delivery.ReplayRequest) (delivery.ReplayResult, error) {
	if err := req.Validate(); err != nil {
		return delivery.ReplayResult{}, err
	}

	candidate, err := uuid.NewV7()
	if err != nil {
		return delivery.ReplayResult{}, fmt.Errorf("delivery postgres: generate replay id failed: %w", err)
	}

	q := s.executor(exec)
	var id uuid.UUID
	err = q.QueryRowContext(
		ctx,
		s.queries.insertReplay,
		candidate,
		req.OriginalMsgID,
		req.DLMsgID,
		req.CandidateID,
		req.IdempotencyKey,
		req.NewMsgID,
		req.ReplayedBy,
		s.cfg.Clock.Now(),
		delivery.ReplayStatusReplayed,
	).Scan(&id)
	if err == nil {
		return delivery.ReplayResult{ReplayID: id}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return delivery.ReplayResult{}, fmt.Errorf("delivery postgres: insert replay failed: %w", err)
	}

	if err := q.QueryRowContext(ctx, s.queries.selectReplay, req.OriginalMsgID).Scan(&id); err != nil {
		return delivery.ReplayResult{}, fmt.Errorf("delivery postgres: select replay failed: %w", err)
	}

	return delivery.ReplayResult{AlreadyReplayed: true, ReplayID: id}, nil
}

// Archive upserts a dead-letter record keyed by dl_msg_id.
func (s *Store) Archive(ctx context.Context, exec delivery.Executor, entry delivery.ArchiveEntry) (uuid.UUID, error) {
	if err := entry.Validate(); err != nil {
		return uuid.Nil, err
	}

	candidate, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("delivery postgres: generate archive id failed: %w", err)
	}

	var id uuid.UUID
	err = s.executor(exec).QueryRowContext(
		ctx,
		s.queries.upsertArchive,
		candidate,
		entry.DLMsgID,
		entry.OriginalMsgID,
		entry.CandidateID,
		entry.FailureMatchID,
		string(entry.Payload),
		entry.Reason,
		entry.ReclaimCount,
		nullTime(entry.DeadLetteredAt),
		s.cfg.Clock.Now(),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("delivery postgres: archive failed: %w", err)
	}

	return id, nil
}

// Lookup returns the archive record for dlMsgID.
func (s *Store) Lookup(ctx context.Context, dlMsgID string) (delivery.ArchiveRecord, error) {
	var (
		record       delivery.ArchiveRecord
		payload      []byte
		deadLettered sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.queries.lookupArchive, dlMsgID).Scan(
		&record.ID,
		&record.DLMsgID,
		&record.OriginalMsgID,
		&record.CandidateID,
		&record.FailureMatchID,
		&payload,
		&record.Reason,
		&record.ReclaimCount,
		&deadLettered,
		&record.ArchivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.ArchiveRecord{}, delivery.ErrArchiveNotFound
	}
	if err != nil {
		return delivery.ArchiveRecord{}, fmt.Errorf("delivery postgres: lookup archive failed: %w", err)
	}
	record.Payload = payload
	if deadLettered.Valid {
		record.DeadLetteredAt = deadLettered.Time
	}

	return record, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t, Valid: true}
}
