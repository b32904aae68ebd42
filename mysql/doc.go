// Package mysql implements the delivery stores on MySQL 8.0.19+.
//
// The claimer uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY created_at, id
//   - LIMIT for batching
//
// At most one pending event per (aggregate_type, aggregate_id, event_type) is
// enforced by a unique key over a STORED generated column that is NULL once
// the event is processed, so processed rows never collide.
//
// Handles must be opened with Open, or with parseTime=true, loc=UTC and
// clientFoundRows=true set on the DSN. See Schema for the DDL and PruneProcessed
// for removing delivered rows.
package mysql
