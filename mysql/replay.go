package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

// RecordReplay inserts a replay record. When original_msg_id already exists the
// insert is a no-op and the stored id is returned with AlreadyReplayed set.
func (s *Store) RecordReplay(ctx context.Context, exec delivery.Executor, req delivery.ReplayRequest) (delivery.ReplayResult, error) {
	if err := req.Validate(); err != nil {
		return delivery.ReplayResult{}, err
	}

	candidate, err := uuid.NewV7()
	if err != nil {
		return delivery.ReplayResult{}, fmt.Errorf("delivery mysql: generate replay id failed: %w", err)
	}

	q := s.executor(exec)
	if _, err := q.ExecContext(
		ctx,
		s.queries.insertReplay,
		candidate[:],
		req.OriginalMsgID,
		req.DLMsgID,
		req.CandidateID,
		req.IdempotencyKey,
		req.NewMsgID,
		req.ReplayedBy,
		s.now(),
		delivery.ReplayStatusReplayed,
	); err != nil {
		return delivery.ReplayResult{}, fmt.Errorf("delivery mysql: insert replay failed: %w", err)
	}

	var id uuid.UUID
	if err := q.QueryRowContext(ctx, s.queries.selectReplay, req.OriginalMsgID).Scan(&id); err != nil {
		return delivery.ReplayResult{}, fmt.Errorf("delivery mysql: select replay failed: %w", err)
	}

	return delivery.ReplayResult{AlreadyReplayed: id != candidate, ReplayID: id}, nil
}

// Archive upserts a dead-letter record keyed by dl_msg_id.
func (s *Store) Archive(ctx context.Context, exec delivery.Executor, entry delivery.ArchiveEntry) (uuid.UUID, error) {
	if err := entry.Validate(); err != nil {
		return uuid.Nil, err
	}

	candidate, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("delivery mysql: generate archive id failed: %w", err)
	}

	q := s.executor(exec)
	if _, err := q.ExecContext(
		ctx,
		s.queries.upsertArchive,
		candidate[:],
		entry.DLMsgID,
		entry.OriginalMsgID,
		entry.CandidateID,
		entry.FailureMatchID,
		[]byte(entry.Payload),
		entry.Reason,
		entry.ReclaimCount,
		nullTime(entry.DeadLetteredAt),
		s.now(),
	); err != nil {
		return uuid.Nil, fmt.Errorf("delivery mysql: archive failed: %w", err)
	}

	var id uuid.UUID
	if err := q.QueryRowContext(ctx, s.queries.selectArchive, entry.DLMsgID).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("delivery mysql: select archive failed: %w", err)
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
		return delivery.ArchiveRecord{}, fmt.Errorf("delivery mysql: lookup archive failed: %w", err)
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

	return sql.NullTime{Time: t.UTC(), Valid: true}
}
