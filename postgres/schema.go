package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	name TEXT PRIMARY KEY,
	holder_id TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at);
CREATE TABLE IF NOT EXISTS %[3]s (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ NULL,
	processed_by TEXT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NULL,
	next_retry_at TIMESTAMPTZ NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS %[4]s ON %[3]s (aggregate_type, aggregate_id, event_type) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS %[5]s ON %[3]s (created_at, id) WHERE processed_at IS NULL;
CREATE TABLE IF NOT EXISTS %[6]s (
	id UUID PRIMARY KEY,
	original_msg_id TEXT NOT NULL UNIQUE,
	dl_msg_id TEXT NOT NULL,
	candidate_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	new_msg_id TEXT NOT NULL DEFAULT '',
	replayed_by TEXT NOT NULL DEFAULT '',
	replayed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS %[7]s (
	id UUID PRIMARY KEY,
	dl_msg_id TEXT NOT NULL UNIQUE,
	original_msg_id TEXT NOT NULL DEFAULT '',
	candidate_id TEXT NOT NULL DEFAULT '',
	failure_match_id TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	reclaim_count INTEGER NOT NULL DEFAULT 0,
	dead_lettered_at TIMESTAMPTZ NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Schema returns the DDL for tables. Empty names use the defaults.
func Schema(tables Tables) (string, error) {
	t, err := tables.sanitize()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		schemaTemplate,
		t.Locks,
		indexName(t.Locks, "expires_idx"),
		t.Outbox,
		indexName(t.Outbox, "pending_key"),
		indexName(t.Outbox, "claim_idx"),
		t.Replays,
		t.DeadLetters,
	), nil
}

// ApplySchema executes Schema(tables) statement by statement.
func ApplySchema(ctx context.Context, db *sql.DB, tables Tables) error {
	if db == nil {
		return ErrDBRequired
	}

	ddl, err := Schema(tables)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("delivery postgres: apply schema failed: %w", err)
		}
	}

	return nil
}

func splitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}

	return out
}
