package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ArchiveEntry is a dead-lettered payload captured before its source is trimmed.
type ArchiveEntry struct {
	DLMsgID        string
	OriginalMsgID  string
	CandidateID    string
	FailureMatchID string
	Payload        json.RawMessage
	Reason         string
	ReclaimCount   int
	DeadLetteredAt time.Time
}

// Validate checks required fields.
func (e ArchiveEntry) Validate() error {
	if e.DLMsgID == "" {
		return ErrDLMsgIDRequired
	}
	if len(e.Payload) == 0 {
		return ErrPayloadRequired
	}
	if !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// ArchiveRecord is a stored archive entry.
type ArchiveRecord struct {
	ID uuid.UUID
	ArchiveEntry
	ArchivedAt time.Time
}

// DeadLetterArchive durably keeps dead-lettered payloads for forensic replay.
type DeadLetterArchive interface {
	// Archive upserts entry keyed by DLMsgID. The first call creates the record;
	// later calls for the same DLMsgID only refresh ArchivedAt. The record id is
	// returned either way.
	Archive(ctx context.Context, exec Executor, entry ArchiveEntry) (uuid.UUID, error)
	// Lookup returns the record for dlMsgID or ErrArchiveNotFound.
	Lookup(ctx context.Context, dlMsgID string) (ArchiveRecord, error)
}
