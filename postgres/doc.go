// Package postgres implements the delivery stores on PostgreSQL 13+ through
// database/sql and the pgx stdlib driver (driver name "pgx").
//
// Claims run in a READ COMMITTED transaction using
//
//	SELECT ... FOR UPDATE SKIP LOCKED
//
// ordered by created_at, id. The returned batch owns the transaction, so a
// crashed processor releases its claim when the connection ends. Publish,
// Acquire, RecordReplay and Archive are each a single INSERT ... ON CONFLICT
// statement; none of them reads before writing.
//
// Use Schema or ApplySchema for custom table names, or Migrate to apply the
// embedded migrations for the default tables.
package postgres
