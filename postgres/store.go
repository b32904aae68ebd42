package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/velmie/delivery"
)

const successFixedArgs = 2

// DriverName is the database/sql driver name to open connections with.
const DriverName = "pgx"

// Store implements the delivery outbox, lease, replay and archive stores on
// PostgreSQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	tables  Tables
	queries queries
}

var (
	_ delivery.OutboxStore       = (*Store)(nil)
	_ delivery.PendingCounter    = (*Store)(nil)
	_ delivery.LeaseManager      = (*Store)(nil)
	_ delivery.LeaseInspector    = (*Store)(nil)
	_ delivery.ReplayLog         = (*Store)(nil)
	_ delivery.DeadLetterArchive = (*Store)(nil)
	_ delivery.TxRunner          = (*Store)(nil)
)

// Open opens a database handle for dsn with the pgx driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("delivery postgres: open failed: %w", err)
	}

	return db, nil
}

// NewStore constructs a PostgreSQL store with validated configuration.
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
		tables:  tables,
		queries: newQueries(tables),
	}, nil
}

// MustNewStore constructs a PostgreSQL store or panics on error.
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

// Publish inserts entry through exec, or refreshes the pending event with the
// same key. A nil exec uses the store's pool.
func (s *Store) Publish(ctx context.Context, exec delivery.Executor, entry delivery.Entry) (int64, error) {
	if err := delivery.ValidateEntry(entry, s.cfg.ValidateJSON); err != nil {
		return 0, err
	}

	var id int64
	err := s.executor(exec).QueryRowContext(
		ctx,
		s.queries.publish,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		string(entry.Payload),
		s.cfg.Clock.Now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("delivery postgres: publish failed: %w", err)
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
		return 0, false, fmt.Errorf("delivery postgres: pending lookup failed: %w", err)
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
		return nil, fmt.Errorf("delivery postgres: begin tx failed: %w", err)
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
	rows, err := tx.QueryContext(ctx, s.queries.claim, s.cfg.Clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("delivery postgres: claim select failed: %w", err)
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
			return nil, fmt.Errorf("delivery postgres: claim scan failed: %w", err)
		}
		event.Payload = payload
		event.LastError = lastError.String
		if nextRetry.Valid {
			event.NextRetryAt = nextRetry.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery postgres: claim rows failed: %w", err)
	}

	return events, nil
}

func (s *Store) complete(ctx context.Context, tx *sql.Tx, processorID string, completions []delivery.Completion) error {
	now := s.cfg.Clock.Now()

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
		return fmt.Errorf("delivery postgres: complete update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery postgres: complete rows failed: %w", err)
	}
	if affected != int64(len(succeeded)) {
		return fmt.Errorf("%w: %d of %d events updated", delivery.ErrEventNotPending, affected, len(succeeded))
	}

	return nil
}

func (s *Store) execOne(ctx context.Context, tx *sql.Tx, query string, id int64, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delivery postgres: complete update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery postgres: complete rows failed: %w", err)
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
		return 0, fmt.Errorf("delivery postgres: pending count failed: %w", err)
	}

	return count, nil
}

func (s *Store) executor(exec delivery.Executor) delivery.Executor {
	if exec == nil {
		return s.db
	}

	return exec
}
