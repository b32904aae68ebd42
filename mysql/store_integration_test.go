//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/mysql"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStorePublishClaimCompleteIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	publishInTx(t, ctx, db, store, entry("1", `{"id":1}`), entry("2", `{"id":2}`), entry("3", `{"id":3}`))

	batch1, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, batch1.Events(), 2)
	require.NoError(t, batch1.Complete(ctx, successes(batch1.Events())))
	require.NoError(t, batch1.Commit())

	batch2, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, batch2.Events(), 1)
	require.NoError(t, batch2.Complete(ctx, successes(batch2.Events())))
	require.NoError(t, batch2.Commit())

	_, err = store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.ErrorIs(t, err, delivery.ErrNoEvents)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStorePublishUpsertsPendingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	first, err := store.Publish(ctx, nil, entry("42", `{"v":1}`))
	require.NoError(t, err)
	second, err := store.Publish(ctx, nil, entry("42", `{"v":2}`))
	require.NoError(t, err)
	require.Equal(t, first, second)

	batch, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, batch.Events(), 1)
	require.JSONEq(t, `{"v":2}`, string(batch.Events()[0].Payload))
	require.Equal(t, 1, batch.Events()[0].RetryCount)
	require.NoError(t, batch.Complete(ctx, successes(batch.Events())))
	require.NoError(t, batch.Commit())

	third, err := store.Publish(ctx, nil, entry("42", `{"v":3}`))
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestStoreSkipLockedIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	publishInTx(t, ctx, db, store, entry("1", `{"id":1}`), entry("2", `{"id":2}`))

	batch1, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, batch1.Events(), 1)

	batch2, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p2", BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, batch2.Events(), 1)

	require.NotEqual(t, batch1.Events()[0].ID, batch2.Events()[0].ID)

	require.NoError(t, batch1.Rollback())
	require.NoError(t, batch2.Rollback())
}

func TestStoreFailureSchedulesRetryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db, mysql.WithClock(clock))
	require.NoError(t, err)

	publishInTx(t, ctx, db, store, entry("1", `{"id":1}`))

	batch1, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.NoError(t, err)
	id := batch1.Events()[0].ID
	longErr := errors.New(strings.Repeat("a", 1100))
	require.NoError(t, batch1.Complete(ctx, []delivery.Completion{{EventID: id, Err: longErr, RetryDelay: time.Minute}}))
	require.NoError(t, batch1.Commit())

	_, err = store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.ErrorIs(t, err, delivery.ErrNoEvents)

	clock.Advance(time.Minute)
	batch2, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.NoError(t, err)
	retried := batch2.Events()[0]
	require.Equal(t, id, retried.ID)
	require.Equal(t, 1, retried.RetryCount)
	require.Len(t, retried.LastError, 1024)
	require.NoError(t, batch2.Complete(ctx, successes(batch2.Events())))
	require.NoError(t, batch2.Commit())

	lastErr, processedAt := fetchDetails(t, ctx, db, id)
	require.False(t, lastErr.Valid)
	require.True(t, processedAt.Valid)
}

func TestStoreRollbackMakesVisibleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	publishInTx(t, ctx, db, store, entry("1", `{"id":1}`))

	batch, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.NoError(t, err)
	id := batch.Events()[0].ID
	require.NoError(t, batch.Rollback())

	batch2, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, id, batch2.Events()[0].ID)
	require.NoError(t, batch2.Rollback())
}

func TestLeaseLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db, mysql.WithClock(clock))
	require.NoError(t, err)

	ok, err := store.Acquire(ctx, "relay", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Acquire(ctx, "relay", "b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	lease, live, err := store.Inspect(ctx, "relay")
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, "a", lease.HolderID)

	ok, err = store.Extend(ctx, "relay", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Extend(ctx, "relay", "b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Minute)
	ok, err = store.Acquire(ctx, "relay", "b", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	lease, _, err = store.Inspect(ctx, "relay")
	require.NoError(t, err)
	require.Equal(t, "b", lease.HolderID)
	require.True(t, lease.ExpiresAt.Equal(clock.Now().Add(30*time.Second)))

	ok, err = store.Release(ctx, "relay", "a")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Minute)
	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func TestConcurrentAcquireSingleWinnerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	const holders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.Acquire(ctx, "race", fmt.Sprintf("h%d", i), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}

func TestReplayAndArchiveIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	archived := delivery.ArchiveEntry{
		DLMsgID:       "outbox-dl:9",
		OriginalMsgID: "outbox:9",
		Payload:       json.RawMessage(`{"aggregate_type":"order","aggregate_id":"9","event_type":"created","payload":{}}`),
		Reason:        "client-failure",
	}
	id1, err := store.Archive(ctx, nil, archived)
	require.NoError(t, err)
	id2, err := store.Archive(ctx, nil, archived)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	record, err := store.Lookup(ctx, "outbox-dl:9")
	require.NoError(t, err)
	require.Equal(t, id1, record.ID)
	require.Equal(t, "client-failure", record.Reason)

	_, err = store.Lookup(ctx, "outbox-dl:none")
	require.ErrorIs(t, err, delivery.ErrArchiveNotFound)

	req := delivery.ReplayRequest{OriginalMsgID: "outbox:9", DLMsgID: "outbox-dl:9", ReplayedBy: "ops"}
	first, err := store.RecordReplay(ctx, nil, req)
	require.NoError(t, err)
	require.False(t, first.AlreadyReplayed)

	second, err := store.RecordReplay(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, second.AlreadyReplayed)
	require.Equal(t, first.ReplayID, second.ReplayID)
}

func TestPruneProcessedIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db := startMySQL(t, ctx)
	store, err := mysql.NewStore(db, mysql.WithClock(clock))
	require.NoError(t, err)

	publishInTx(t, ctx, db, store, entry("1", `{}`), entry("2", `{}`), entry("3", `{}`))

	batch, err := store.Claim(ctx, delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, batch.Complete(ctx, successes(batch.Events())))
	require.NoError(t, batch.Commit())

	removed, err := store.PruneProcessed(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	removed, err = store.PruneProcessed(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func startMySQL(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "delivery",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/delivery", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	db, err := mysql.Open(fmt.Sprintf("root:secret@tcp(%s:%s)/delivery", host, mappedPort.Port()))
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	schema, err := mysql.Schema(mysql.Tables{})
	require.NoError(t, err)
	require.NoError(t, mysql.ApplySchema(ctx, db, schema))

	return db
}

func entry(aggregateID, payload string) delivery.Entry {
	return delivery.Entry{
		AggregateType: "order",
		AggregateID:   aggregateID,
		EventType:     "created",
		Payload:       json.RawMessage(payload),
	}
}

func publishInTx(t *testing.T, ctx context.Context, db *sql.DB, store *mysql.Store, entries ...delivery.Entry) {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	for _, e := range entries {
		_, err := store.Publish(ctx, tx, e)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func successes(events []delivery.Event) []delivery.Completion {
	out := make([]delivery.Completion, 0, len(events))
	for _, event := range events {
		out = append(out, delivery.Completion{EventID: event.ID, Success: true})
	}
	return out
}

func fetchDetails(t *testing.T, ctx context.Context, db *sql.DB, id int64) (sql.NullString, sql.NullTime) {
	t.Helper()
	var (
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	err := db.QueryRowContext(ctx, "SELECT last_error, processed_at FROM delivery_outbox WHERE id = ?", id).
		Scan(&lastError, &processedAt)
	require.NoError(t, err)

	return lastError, processedAt
}
