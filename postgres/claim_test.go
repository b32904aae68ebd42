package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/internal/sqlfake"
)

var claimColumns = []string{
	"id", "aggregate_type", "aggregate_id", "event_type", "payload",
	"created_at", "retry_count", "last_error", "next_retry_at",
}

func claimDriver(t *testing.T, store func(*Store), ids ...int64) *sqlfake.Driver {
	t.Helper()

	d := sqlfake.New()
	var claimQuery string
	d.Query = func(query string, _ []driver.NamedValue) (sqlfake.Rows, error) {
		if query != claimQuery {
			return sqlfake.Rows{}, errors.New("unexpected query: " + query)
		}
		rows := sqlfake.Rows{Columns: claimColumns}
		for _, id := range ids {
			rows.Values = append(rows.Values, []driver.Value{
				id, "order", strconv.FormatInt(id, 10), "created", []byte(`{}`),
				time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), int64(0), nil, nil,
			})
		}

		return rows, nil
	}
	d.Exec = func(_ string, args []driver.NamedValue) (driver.Result, error) {
		return driver.RowsAffected(len(args) - successFixedArgs), nil
	}

	db := d.DB()
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	claimQuery = s.queries.claim
	store(s)

	return d
}

func TestClaimedBatchCommitsAfterCallerCancel(t *testing.T) {
	var store *Store
	d := claimDriver(t, func(s *Store) { store = s }, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered int
	processor := delivery.NewProcessor(store, delivery.HandlerFunc(func(context.Context, delivery.Delivery) error {
		delivered++
		cancel()
		// Give database/sql the chance to roll back a tx bound to ctx.
		select {
		case <-d.RolledBack():
		case <-time.After(50 * time.Millisecond):
		}

		return nil
	}))

	processed, err := processor.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !processed || delivered != 2 {
		t.Fatalf("expected both events delivered, processed=%v delivered=%d", processed, delivered)
	}
	if d.Commits() != 1 || d.Rollbacks() != 0 {
		t.Fatalf("expected the claim to commit, commits=%d rollbacks=%d", d.Commits(), d.Rollbacks())
	}
}

func TestClaimEmptyRollsBack(t *testing.T) {
	var store *Store
	d := claimDriver(t, func(s *Store) { store = s })

	_, err := store.Claim(context.Background(), delivery.ClaimOptions{ProcessorID: "p1", BatchSize: 5})
	if !errors.Is(err, delivery.ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
	if d.Rollbacks() != 1 || d.Commits() != 0 {
		t.Fatalf("expected empty claim to roll back, commits=%d rollbacks=%d", d.Commits(), d.Rollbacks())
	}
}
