package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/velmie/delivery"
)

const (
	successFixedArgs  = 2
	placeholderGrowth = 2
)

// Store implements the delivery outbox, lease, replay and archive stores on
// MySQL using polling + SKIP LOCKED.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	tables  Tables
}

var (
	_ delivery.OutboxStore       = (*Store)(nil)
	_ delivery.PendingCounter    = (*Store)(nil)
	_ delivery.LeaseManager      = (*Store)(nil)
	_ delivery.LeaseInspector    = (*Store)(nil)
	_ delivery.ReplayLog         = (*Store)(nil)
	_ delivery.DeadLetterArchive = (*Store)(nil)
	_ delivery.TxRunner          = (*Store)(nil)
	_ delivery.Pruner            = (*Store)(nil)
)

// Open parses dsn and opens a handle with the session settings the store
// relies on: parsed UTC timestamps and matched-row counts.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: parse dsn failed: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	connector, err := mysqldrv.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: connector failed: %w", err)
	}

	return sql.OpenDB(connector), nil
}

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	tables, err := cfg.Tables.sanitize()
	if err != nil {
		return nil, err
	}
	cfg.Tables = tables

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(tables),
		tables:  tables,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Tables returns the sanitized table names.
func (s *Store) Tables() Tables {
	return s.tables
}

// InTx implements delivery.TxRunner with the driver's default isolation.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, exec delivery.Executor) error) error {
	return delivery.NewSQLTxRunner(s.db, nil).InTx(ctx, fn)
}

// Publish inserts an outbox entry using the provided executor (transaction
// preferred), or refreshes the pending event with the same key. A nil exec
// uses the store's pool.
func (s *Store) Publish(ctx context.Context, exec delivery.Executor, entry delivery.Entry) (int64, error) {
	if err := delivery.ValidateEntry(entry, s.cfg.ValidateJSON); err != nil {
		return 0, err
	}

	res, err := s.executor(exec).ExecContext(
		ctx,
		s.queries.publish,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		[]byte(entry.Payload),
		s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: publish failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: publish id failed: %w", err)
	}

	return id, nil
}

// PendingEvent implements delivery.PendingFinder. The row stays locked until
// exec's transaction ends.
func (s *Store) PendingEvent(ctx context.Context, exec delivery.Executor, key delivery.Key) (int64, bool, error) {
	var id int64
	err := s.executor(exec).QueryRowContext(ctx, s.queries.pendingByKey, key.AggregateType, key.AggregateID, key.EventType).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("delivery mysql: pending lookup failed: %w", err)
	}

	return id, true, nil
}

// Claim locks and returns due events using READ COMMITTED + SKIP LOCKED.
func (s *Store) Claim(ctx context.Context, opts delivery.ClaimOptions) (delivery.Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}
	if opts.ProcessorID == "" {
		return nil, delivery.ErrProcessorIDRequired
	}

	// The claim outlives ctx: canceling the caller stops new claims, while a
	// batch already handed out is still completed and committed. database/sql
	// would otherwise roll the transaction back on cancel.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: begin tx failed: %w", err)
	}

	events, err := s.selectDue(ctx, tx, opts.BatchSize)
	if err != nil {
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(events) == 0 {
		_ = tx.Rollback()

		return nil, delivery.ErrNoEvents
	}

	return newBatch(tx, s, opts.ProcessorID, events), nil
}

func (s *Store) selectDue(ctx context.Context, tx *sql.Tx, limit int) ([]delivery.Event, error) {
	rows, err := tx.QueryContext(ctx, s.queries.claim, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: select failed: %w", err)
	}
	defer rows.Close()

	events := make([]delivery.Event, 0, limit)
	for rows.Next() {
		var (
			event     delivery.Event
			payload   []byte
			lastError sql.NullString
			nextRetry sql.NullTime
		)
		if err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&payload,
			&event.CreatedAt,
			&event.RetryCount,
			&lastError,
			&nextRetry,
		); err != nil {
			return nil, fmt.Errorf("delivery mysql: scan failed: %w", err)
		}
		event.Payload = payload
		event.LastError = lastError.String
		if nextRetry.Valid {
			event.NextRetryAt = nextRetry.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery mysql: rows failed: %w", err)
	}

	return events, nil
}

func (s *Store) complete(ctx context.Context, tx delivery.Executor, processorID string, completions []delivery.Completion) error {
	now := s.now()

	var succeeded []int64
	for _, c := range completions {
		switch {
		case c.Success && c.Err == nil:
			succeeded = append(succeeded, c.EventID)
		case c.Success:
			if err := s.execOne(ctx, tx, s.queries.abandonOne, c.EventID, now, processorID, delivery.ErrorText(c.Err), c.EventID); err != nil {
				return err
			}
		default:
			nextRetry := now.Add(max(c.RetryDelay, 0))
			if err := s.execOne(ctx, tx, s.queries.failOne, c.EventID, delivery.ErrorText(c.Err), nextRetry, c.EventID); err != nil {
				return err
			}
		}
	}
	if len(succeeded) == 0 {
		return nil
	}

	args := make([]any, 0, len(succeeded)+successFixedArgs)
	args = append(args, now, processorID)
	for _, id := range succeeded {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, buildSuccessQuery(s.tables.Outbox, len(succeeded)), args...)
	if err != nil {
		return fmt.Errorf("delivery mysql: ack update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery mysql: ack rows failed: %w", err)
	}
	if affected != int64(len(succeeded)) {
		return fmt.Errorf("%w: %d of %d events updated", delivery.ErrEventNotPending, affected, len(succeeded))
	}

	return nil
}

func (s *Store) execOne(ctx context.Context, exec delivery.Executor, query string, id int64, args ...any) error {
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delivery mysql: complete update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery mysql: complete rows failed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", delivery.ErrEventNotPending, id)
	}

	return nil
}

// PendingCount returns the number of pending outbox rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("delivery mysql: pending count failed: %w", err)
	}

	return count, nil
}

func (s *Store) executor(exec delivery.Executor) delivery.Executor {
	if exec == nil {
		return s.db
	}

	return exec
}

// now truncates to the DATETIME(6) precision so values read back compare equal.
func (s *Store) now() time.Time {
	return s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}

func buildSuccessQuery(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET processed_at = ?, processed_by = ?, last_error = NULL, next_retry_at = NULL "+
			"WHERE processed_at IS NULL AND id IN (%s)",
		table,
		makePlaceholders(count),
	)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
