package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReplayStatusReplayed is the status stored for a recorded replay.
const ReplayStatusReplayed = "replayed"

// ReplayRequest describes one replay of a dead-lettered message.
type ReplayRequest struct {
	OriginalMsgID  string
	DLMsgID        string
	CandidateID    string
	IdempotencyKey string
	NewMsgID       string
	ReplayedBy     string
}

// Validate checks required fields.
func (r ReplayRequest) Validate() error {
	if r.OriginalMsgID == "" {
		return ErrOriginalMsgIDRequired
	}
	if r.DLMsgID == "" {
		return ErrDLMsgIDRequired
	}

	return nil
}

// ReplayResult reports whether a replay was new or already recorded.
type ReplayResult struct {
	AlreadyReplayed bool
	ReplayID        uuid.UUID
}

// ReplayRecord is a stored replay. It never changes after insertion.
type ReplayRecord struct {
	ID             uuid.UUID
	OriginalMsgID  string
	DLMsgID        string
	CandidateID    string
	IdempotencyKey string
	NewMsgID       string
	ReplayedBy     string
	ReplayedAt     time.Time
	Status         string
}

// ReplayLog deduplicates replays of dead-lettered messages at the storage layer.
type ReplayLog interface {
	// RecordReplay inserts a replay record unique on OriginalMsgID. When a record
	// already exists it returns that record's id with AlreadyReplayed set; this is
	// a result, not an error.
	RecordReplay(ctx context.Context, exec Executor, req ReplayRequest) (ReplayResult, error)
}
