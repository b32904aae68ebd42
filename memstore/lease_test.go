package memstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/memstore"
)

func TestAcquireIsExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := memstore.New(memstore.WithClock(clock))

	ok, err := store.Acquire(ctx, "reconcile", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Acquire(ctx, "reconcile", "B", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Acquire(ctx, "reconcile", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "same holder re-acquires")

	clock.Advance(time.Minute + time.Second)

	ok, err = store.Acquire(ctx, "reconcile", "B", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	lease, live, err := store.Inspect(ctx, "reconcile")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, "B", lease.HolderID)
}

func TestReleaseRequiresOwner(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	ok, err := store.Acquire(ctx, "reconcile", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := store.Release(ctx, "reconcile", "B")
	require.NoError(t, err)
	require.False(t, released)

	lease, live, err := store.Inspect(ctx, "reconcile")
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, "A", lease.HolderID)

	released, err = store.Release(ctx, "reconcile", "A")
	require.NoError(t, err)
	require.True(t, released)
}

func TestExtendFailsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := memstore.New(memstore.WithClock(clock))

	_, err := store.Acquire(ctx, "reconcile", "A", time.Minute)
	require.NoError(t, err)

	ok, err := store.Extend(ctx, "reconcile", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Extend(ctx, "reconcile", "B", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = store.Extend(ctx, "reconcile", "A", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := memstore.New(memstore.WithClock(clock))

	_, err := store.Acquire(ctx, "short", "A", time.Second)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "long", "A", time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, live, err := store.Inspect(ctx, "long")
	require.NoError(t, err)
	require.True(t, live)
}

func TestLeaseArgumentsValidated(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	_, err := store.Acquire(ctx, "", "A", time.Second)
	require.ErrorIs(t, err, delivery.ErrLeaseNameRequired)
	_, err = store.Acquire(ctx, "x", "", time.Second)
	require.ErrorIs(t, err, delivery.ErrLeaseHolderRequired)
	_, err = store.Extend(ctx, "x", "A", 0)
	require.ErrorIs(t, err, delivery.ErrInvalidTTL)
}

func TestRecordReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	req := delivery.ReplayRequest{OriginalMsgID: "outbox:1", DLMsgID: "outbox-dl:1", NewMsgID: "2"}

	first, err := store.RecordReplay(ctx, nil, req)
	require.NoError(t, err)
	require.False(t, first.AlreadyReplayed)

	second, err := store.RecordReplay(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, second.AlreadyReplayed)
	require.Equal(t, first.ReplayID, second.ReplayID)

	record, ok := store.Replay("outbox:1")
	require.True(t, ok)
	assert.Equal(t, delivery.ReplayStatusReplayed, record.Status)
}

func TestRecordReplayRolledBackWithTx(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context, exec delivery.Executor) error {
		_, err := store.RecordReplay(ctx, exec, delivery.ReplayRequest{OriginalMsgID: "outbox:1", DLMsgID: "dl:1"})
		require.NoError(t, err)

		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := store.Replay("outbox:1")
	require.False(t, ok)
}

func TestArchiveUpsertsByDeadLetterID(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := memstore.New(memstore.WithClock(clock))
	archived := delivery.ArchiveEntry{
		DLMsgID:       "outbox-dl:7",
		OriginalMsgID: "outbox:7",
		Payload:       json.RawMessage(`{"a":1}`),
		Reason:        "max-retries",
		ReclaimCount:  3,
	}

	first, err := store.Archive(ctx, nil, archived)
	require.NoError(t, err)
	before, err := store.Lookup(ctx, "outbox-dl:7")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	archived.Reason = "ignored on re-archive"
	second, err := store.Archive(ctx, nil, archived)
	require.NoError(t, err)
	require.Equal(t, first, second)

	after, err := store.Lookup(ctx, "outbox-dl:7")
	require.NoError(t, err)
	assert.Equal(t, "max-retries", after.Reason)
	assert.True(t, after.ArchivedAt.After(before.ArchivedAt))

	_, err = store.Lookup(ctx, "missing")
	require.ErrorIs(t, err, delivery.ErrArchiveNotFound)
}
