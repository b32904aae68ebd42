package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

const eventColumns = "id, aggregate_type, aggregate_id, event_type, payload, created_at, retry_count, last_error, next_retry_at"

type queries struct {
	publish       string
	pendingByKey  string
	claim         string
	failOne       string
	abandonOne    string
	countPending  string
	acquire       string
	release       string
	extend        string
	cleanup       string
	inspect       string
	insertReplay  string
	selectReplay  string
	upsertArchive string
	lookupArchive string
	prune         string
	pruneAll      string
	outbox        string
}

func newQueries(t Tables) queries {
	return queries{
		publish: fmt.Sprintf(
			"INSERT INTO %s AS o (aggregate_type, aggregate_id, event_type, payload, created_at) "+
				"VALUES ($1, $2, $3, $4, $5) "+
				"ON CONFLICT (aggregate_type, aggregate_id, event_type) WHERE processed_at IS NULL "+
				"DO UPDATE SET payload = EXCLUDED.payload, retry_count = o.retry_count + 1 "+
				"RETURNING id",
			t.Outbox,
		),
		pendingByKey: fmt.Sprintf(
			"SELECT id FROM %s WHERE aggregate_type = $1 AND aggregate_id = $2 AND event_type = $3 "+
				"AND processed_at IS NULL FOR UPDATE",
			t.Outbox,
		),
		claim: fmt.Sprintf(
			"SELECT %s FROM %s "+
				"WHERE processed_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= $1) "+
				"ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED",
			eventColumns,
			t.Outbox,
		),
		failOne: fmt.Sprintf(
			"UPDATE %s SET retry_count = retry_count + 1, last_error = $1, next_retry_at = $2 "+
				"WHERE id = $3 AND processed_at IS NULL",
			t.Outbox,
		),
		abandonOne: fmt.Sprintf(
			"UPDATE %s SET processed_at = $1, processed_by = $2, last_error = $3, next_retry_at = NULL "+
				"WHERE id = $4 AND processed_at IS NULL",
			t.Outbox,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE processed_at IS NULL", t.Outbox),
		acquire: fmt.Sprintf(
			"INSERT INTO %s AS l (name, holder_id, acquired_at, expires_at) VALUES ($1, $2, $3, $4) "+
				"ON CONFLICT (name) DO UPDATE SET "+
				"holder_id = EXCLUDED.holder_id, "+
				"acquired_at = EXCLUDED.acquired_at, "+
				"expires_at = EXCLUDED.expires_at, "+
				"metadata = CASE WHEN l.holder_id = EXCLUDED.holder_id THEN l.metadata END "+
				"WHERE l.expires_at <= EXCLUDED.acquired_at OR l.holder_id = EXCLUDED.holder_id "+
				"RETURNING holder_id",
			t.Locks,
		),
		release: fmt.Sprintf("DELETE FROM %s WHERE name = $1 AND holder_id = $2", t.Locks),
		extend: fmt.Sprintf(
			"UPDATE %s SET expires_at = $1 WHERE name = $2 AND holder_id = $3 AND expires_at > $4",
			t.Locks,
		),
		cleanup: fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", t.Locks),
		inspect: fmt.Sprintf(
			"SELECT name, holder_id, acquired_at, expires_at, metadata FROM %s WHERE name = $1",
			t.Locks,
		),
		insertReplay: fmt.Sprintf(
			"INSERT INTO %s (id, original_msg_id, dl_msg_id, candidate_id, idempotency_key, new_msg_id, replayed_by, replayed_at, status) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) "+
				"ON CONFLICT (original_msg_id) DO NOTHING RETURNING id",
			t.Replays,
		),
		selectReplay: fmt.Sprintf("SELECT id FROM %s WHERE original_msg_id = $1", t.Replays),
		upsertArchive: fmt.Sprintf(
			"INSERT INTO %s (id, dl_msg_id, original_msg_id, candidate_id, failure_match_id, payload, reason, reclaim_count, dead_lettered_at, archived_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) "+
				"ON CONFLICT (dl_msg_id) DO UPDATE SET archived_at = EXCLUDED.archived_at "+
				"RETURNING id",
			t.DeadLetters,
		),
		lookupArchive: fmt.Sprintf(
			"SELECT id, dl_msg_id, original_msg_id, candidate_id, failure_match_id, payload, reason, reclaim_count, dead_lettered_at, archived_at "+
				"FROM %s WHERE dl_msg_id = $1",
			t.DeadLetters,
		),
		prune: fmt.Sprintf(
			"DELETE FROM %[1]s WHERE id IN ("+
				"SELECT id FROM %[1]s WHERE processed_at IS NOT NULL AND processed_at <= $1 ORDER BY id LIMIT $2)",
			t.Outbox,
		),
		pruneAll: fmt.Sprintf("DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at <= $1", t.Outbox),
		outbox:   t.Outbox,
	}
}

// buildSuccessQuery marks claimed rows processed. Arguments are processed_at,
// processed_by and then the ids.
func buildSuccessQuery(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET processed_at = $1, processed_by = $2, last_error = NULL, next_retry_at = NULL "+
			"WHERE processed_at IS NULL AND id IN (%s)",
		table,
		makePlaceholders(3, count),
	)
}

func makePlaceholders(start, count int) string {
	if count <= 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(start + i))
	}

	return b.String()
}
