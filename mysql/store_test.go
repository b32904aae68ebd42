package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/velmie/delivery"
)

type fakeResult struct {
	lastID   int64
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type execCall struct {
	query string
	args  []any
}

type fakeExecutor struct {
	calls    []execCall
	lastID   int64
	affected func(query string, args []any) int64
}

func (f *fakeExecutor) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	affected := int64(1)
	if f.affected != nil {
		affected = f.affected(query, args)
	}
	return fakeResult{lastID: f.lastID, affected: affected}, nil
}

func (f *fakeExecutor) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeExecutor) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	tables, err := cfg.Tables.sanitize()
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	cfg.Tables = tables
	return &Store{cfg: cfg, queries: newQueries(tables), tables: tables}
}

func testEntry() delivery.Entry {
	return delivery.Entry{
		AggregateType: "order",
		AggregateID:   "1",
		EventType:     "created",
		Payload:       json.RawMessage(`{"id":1}`),
	}
}

func TestStorePublishReturnsInsertID(t *testing.T) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 789123456, time.UTC)
	store := newTestStore(t, WithClock(fixedClock{now: now}))
	exec := &fakeExecutor{lastID: 42}

	id, err := store.Publish(context.Background(), exec, testEntry())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected id 42, got %d", id)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected one statement, got %d", len(exec.calls))
	}
	call := exec.calls[0]
	if !strings.Contains(call.query, "ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)") {
		t.Fatalf("expected upsert on the pending key, got %q", call.query)
	}
	if len(call.args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(call.args))
	}
	createdAt, ok := call.args[4].(time.Time)
	if !ok || !createdAt.Equal(now.Truncate(time.Microsecond)) {
		t.Fatalf("expected created_at truncated to microseconds, got %v", call.args[4])
	}
}

func TestStorePublishValidatesPayload(t *testing.T) {
	store := newTestStore(t)
	entry := testEntry()
	entry.Payload = json.RawMessage(`{`)

	if _, err := store.Publish(context.Background(), &fakeExecutor{}, entry); !errors.Is(err, delivery.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	store = newTestStore(t, WithValidateJSON(false))
	if _, err := store.Publish(context.Background(), &fakeExecutor{}, entry); err != nil {
		t.Fatalf("publish without validation: %v", err)
	}
}

func TestStoreCompleteGroupsSuccesses(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{affected: func(query string, args []any) int64 {
		if strings.HasPrefix(query, "UPDATE delivery_outbox SET processed_at = ?, processed_by = ?, last_error = NULL") {
			return int64(len(args) - successFixedArgs)
		}
		return 1
	}}

	err := store.complete(context.Background(), exec, "p1", []delivery.Completion{
		{EventID: 1, Success: true},
		{EventID: 2, Err: errors.New("boom"), RetryDelay: time.Second},
		{EventID: 3, Success: true},
		{EventID: 4, Success: true, Err: errors.New("rejected")},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(exec.calls))
	}
	if exec.calls[0].query != store.queries.failOne {
		t.Fatalf("expected retry update first, got %q", exec.calls[0].query)
	}
	if exec.calls[1].query != store.queries.abandonOne {
		t.Fatalf("expected abandon update second, got %q", exec.calls[1].query)
	}
	last := exec.calls[2]
	if !strings.HasSuffix(last.query, "id IN (?,?)") {
		t.Fatalf("expected bulk success update, got %q", last.query)
	}
	if last.args[1] != "p1" || last.args[2] != int64(1) || last.args[3] != int64(3) {
		t.Fatalf("unexpected success args %v", last.args)
	}
}

func TestStoreCompleteDetectsProcessedEvent(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{affected: func(string, []any) int64 { return 0 }}

	err := store.complete(context.Background(), exec, "p1", []delivery.Completion{{EventID: 1, Success: true}})
	if !errors.Is(err, delivery.ErrEventNotPending) {
		t.Fatalf("expected ErrEventNotPending, got %v", err)
	}

	err = store.complete(context.Background(), exec, "p1", []delivery.Completion{{EventID: 1, Err: errors.New("boom")}})
	if !errors.Is(err, delivery.ErrEventNotPending) {
		t.Fatalf("expected ErrEventNotPending for retry, got %v", err)
	}
}

func TestAcquireQueryOrdersAssignments(t *testing.T) {
	q := newQueries(Tables{}.withDefaults())
	holder := strings.Index(q.acquire, "holder_id = IF(")
	acquired := strings.Index(q.acquire, "acquired_at = IF(")
	expires := strings.Index(q.acquire, "expires_at = IF(")
	metadata := strings.Index(q.acquire, "metadata = IF(")
	if metadata < 0 || acquired < 0 || holder < 0 || expires < 0 {
		t.Fatalf("unexpected acquire query %q", q.acquire)
	}
	if !(metadata < holder && acquired < holder && holder < expires) {
		t.Fatalf("holder_id must change after metadata and acquired_at and before expires_at: %q", q.acquire)
	}
}

func TestMakePlaceholders(t *testing.T) {
	if got := makePlaceholders(1); got != "?" {
		t.Fatalf("unexpected placeholders: %s", got)
	}
	if got := makePlaceholders(3); got != "?,?,?" {
		t.Fatalf("unexpected placeholders: %s", got)
	}
	if got := makePlaceholders(0); got != "" {
		t.Fatalf("unexpected placeholders: %s", got)
	}
}

func TestNewStoreRequiresDB(t *testing.T) {
	if _, err := NewStore(nil); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
}

func TestOpenForcesSessionSettings(t *testing.T) {
	db, err := Open("root:secret@tcp(127.0.0.1:3306)/delivery")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := Open("::not a dsn"); err == nil {
		t.Fatalf("expected dsn parse error")
	}
}
