package mysql

import "fmt"

const (
	eventColumns   = "id, aggregate_type, aggregate_id, event_type, payload, created_at, retry_count, last_error, next_retry_at"
	archiveColumns = "id, dl_msg_id, original_msg_id, candidate_id, failure_match_id, payload, reason, reclaim_count, dead_lettered_at, archived_at"
)

type queries struct {
	publish       string
	pendingByKey  string
	claim         string
	failOne       string
	abandonOne    string
	countPending  string
	prune         string
	pruneAll      string
	acquire       string
	selectHolder  string
	release       string
	extend        string
	cleanup       string
	inspect       string
	insertReplay  string
	selectReplay  string
	upsertArchive string
	selectArchive string
	lookupArchive string
}

func newQueries(t Tables) queries {
	// The acquire condition must read the stored row, so assignments that depend
	// on it come before holder_id changes. Swapping holder_id keeps the condition's
	// value, which lets expires_at follow it.
	acquireCond := "(expires_at <= new.acquired_at OR holder_id = new.holder_id)"

	return queries{
		publish: fmt.Sprintf(
			"INSERT INTO %s (aggregate_type, aggregate_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?) AS new "+
				"ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id), payload = new.payload, retry_count = retry_count + 1",
			t.Outbox,
		),
		pendingByKey: fmt.Sprintf(
			"SELECT id FROM %s WHERE aggregate_type = ? AND aggregate_id = ? AND event_type = ? "+
				"AND pending = 1 FOR UPDATE",
			t.Outbox,
		),
		claim: fmt.Sprintf(
			"SELECT %s FROM %s "+
				"WHERE processed_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?) "+
				"ORDER BY created_at, id LIMIT ? FOR UPDATE SKIP LOCKED",
			eventColumns,
			t.Outbox,
		),
		failOne: fmt.Sprintf(
			"UPDATE %s SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ? "+
				"WHERE id = ? AND processed_at IS NULL",
			t.Outbox,
		),
		abandonOne: fmt.Sprintf(
			"UPDATE %s SET processed_at = ?, processed_by = ?, last_error = ?, next_retry_at = NULL "+
				"WHERE id = ? AND processed_at IS NULL",
			t.Outbox,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE processed_at IS NULL", t.Outbox),
		prune: fmt.Sprintf(
			"DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at <= ? ORDER BY id LIMIT ?",
			t.Outbox,
		),
		pruneAll: fmt.Sprintf("DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at <= ?", t.Outbox),
		acquire: fmt.Sprintf(
			"INSERT INTO %s (name, holder_id, acquired_at, expires_at) VALUES (?, ?, ?, ?) AS new "+
				"ON DUPLICATE KEY UPDATE "+
				"metadata = IF(holder_id = new.holder_id OR expires_at > new.acquired_at, metadata, NULL), "+
				"acquired_at = IF(%[2]s, new.acquired_at, acquired_at), "+
				"holder_id = IF(%[2]s, new.holder_id, holder_id), "+
				"expires_at = IF(%[2]s, new.expires_at, expires_at)",
			t.Locks,
			acquireCond,
		),
		selectHolder: fmt.Sprintf("SELECT holder_id FROM %s WHERE name = ?", t.Locks),
		release:      fmt.Sprintf("DELETE FROM %s WHERE name = ? AND holder_id = ?", t.Locks),
		extend: fmt.Sprintf(
			"UPDATE %s SET expires_at = ? WHERE name = ? AND holder_id = ? AND expires_at > ?",
			t.Locks,
		),
		cleanup: fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ?", t.Locks),
		inspect: fmt.Sprintf(
			"SELECT name, holder_id, acquired_at, expires_at, metadata FROM %s WHERE name = ?",
			t.Locks,
		),
		insertReplay: fmt.Sprintf(
			"INSERT INTO %s (id, original_msg_id, dl_msg_id, candidate_id, idempotency_key, new_msg_id, replayed_by, replayed_at, status) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE id = id",
			t.Replays,
		),
		selectReplay: fmt.Sprintf("SELECT id FROM %s WHERE original_msg_id = ?", t.Replays),
		upsertArchive: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) AS new "+
				"ON DUPLICATE KEY UPDATE archived_at = new.archived_at",
			t.DeadLetters,
			archiveColumns,
		),
		selectArchive: fmt.Sprintf("SELECT id FROM %s WHERE dl_msg_id = ?", t.DeadLetters),
		lookupArchive: fmt.Sprintf("SELECT %s FROM %s WHERE dl_msg_id = ?", archiveColumns, t.DeadLetters),
	}
}
