package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	name VARCHAR(255) NOT NULL,
	holder_id VARCHAR(255) NOT NULL,
	acquired_at DATETIME(6) NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	metadata JSON NULL,
	PRIMARY KEY (name),
	INDEX idx_expires_at (expires_at)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	aggregate_type VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	payload %[5]s NOT NULL,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	processed_at DATETIME(6) NULL,
	processed_by VARCHAR(255) NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	next_retry_at DATETIME(6) NULL,
	pending TINYINT GENERATED ALWAYS AS (IF(processed_at IS NULL, 1, NULL)) STORED,
	PRIMARY KEY (id),
	UNIQUE KEY uq_pending_key (aggregate_type, aggregate_id, event_type, pending),
	INDEX idx_claim (processed_at, created_at, id)
);
CREATE TABLE IF NOT EXISTS %[3]s (
	id BINARY(16) NOT NULL,
	original_msg_id VARCHAR(255) NOT NULL,
	dl_msg_id VARCHAR(255) NOT NULL,
	candidate_id VARCHAR(255) NOT NULL DEFAULT '',
	idempotency_key VARCHAR(128) NOT NULL DEFAULT '',
	new_msg_id VARCHAR(255) NOT NULL DEFAULT '',
	replayed_by VARCHAR(255) NOT NULL DEFAULT '',
	replayed_at DATETIME(6) NOT NULL,
	status VARCHAR(32) NOT NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_original_msg_id (original_msg_id)
);
CREATE TABLE IF NOT EXISTS %[4]s (
	id BINARY(16) NOT NULL,
	dl_msg_id VARCHAR(255) NOT NULL,
	original_msg_id VARCHAR(255) NOT NULL DEFAULT '',
	candidate_id VARCHAR(255) NOT NULL DEFAULT '',
	failure_match_id VARCHAR(255) NOT NULL DEFAULT '',
	payload %[5]s NOT NULL,
	reason VARCHAR(1024) NOT NULL DEFAULT '',
	reclaim_count INT NOT NULL DEFAULT 0,
	dead_lettered_at DATETIME(6) NULL,
	archived_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_dl_msg_id (dl_msg_id)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
)

// Schema returns the DDL for tables with JSON payload columns. Empty names use
// the defaults.
func Schema(tables Tables) (string, error) {
	return buildSchema(tables, payloadJSON)
}

// SchemaBinary returns the DDL with LONGBLOB payload columns, for stores that
// run with JSON validation disabled.
func SchemaBinary(tables Tables) (string, error) {
	return buildSchema(tables, payloadBinary)
}

// ApplySchema executes ddl statement by statement, so it works without
// multiStatements on the DSN.
func ApplySchema(ctx context.Context, db *sql.DB, ddl string) error {
	if db == nil {
		return ErrDBRequired
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("delivery mysql: apply schema failed: %w", err)
		}
	}

	return nil
}

func buildSchema(tables Tables, payloadType string) (string, error) {
	t, err := tables.sanitize()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, t.Locks, t.Outbox, t.Replays, t.DeadLetters, payloadType), nil
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
