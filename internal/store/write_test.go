package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/event"
)

func TestInsertEvent_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := createTestEvent("e1", "case-1", 1, 1, map[string]any{"status": "open", "amount": 10})
	ev.CorrelationID = "corr-1"
	ev.CausationID = "cause-1"
	require.NoError(t, s.InsertEvent(ctx, ev))

	got, err := s.readEvent(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.AggregateID, got.AggregateID)
	assert.Equal(t, ev.AggregateType, got.AggregateType)
	assert.Equal(t, event.Updated, got.EventType)
	assert.Equal(t, ev.Timestamp, got.Timestamp)
	assert.Equal(t, ev.NodeID, got.NodeID)
	assert.Equal(t, ev.Clock, got.Clock)
	assert.Equal(t, ev.Version, got.Version)
	assert.Equal(t, map[string]any{"status": "open", "amount": int64(10)}, got.Data)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "cause-1", got.CausationID)
	assert.False(t, got.Synced)
	assert.Equal(t, ev.Checksum, got.Checksum)

	ok, err := got.VerifyChecksum()
	require.NoError(t, err)
	assert.True(t, ok, "checksum survives storage round-trip")
}

func TestInsertEvent_DuplicateVersionRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, createTestEvent("e1", "case-1", 1, 1, nil)))
	err := s.InsertEvent(ctx, createTestEvent("e2", "case-1", 1, 2, nil))
	require.Error(t, err, "a version must never be reused")
}

func TestInsertEvent_DuplicateIDRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, createTestEvent("e1", "case-1", 1, 1, nil)))
	err := s.InsertEvent(ctx, createTestEvent("e1", "case-2", 1, 2, nil))
	require.Error(t, err)
}

func TestMarkSynced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, createTestEvent("e1", "case-1", 1, 1, nil)))

	found, err := s.MarkSynced(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, found)

	got, err := s.readEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, got.Synced)
}

func TestMarkSynced_UnknownID(t *testing.T) {
	s := createTestStore(t)
	found, err := s.MarkSynced(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMarkSyncAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, createTestEvent("e1", "case-1", 1, 1, nil)))

	_, err := s.MarkSyncAttempt(ctx, "e1", 1000, "timeout")
	require.NoError(t, err)
	_, err = s.MarkSyncAttempt(ctx, "e1", 2000, "")
	require.NoError(t, err)

	got, err := s.readEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SyncAttempts)
	assert.Equal(t, int64(2000), got.LastSyncAttempt)
	assert.Equal(t, "timeout", got.SyncError, "empty error keeps the previous message")
	assert.False(t, got.Synced)
}

func TestPutSnapshot_Overwrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := event.Snapshot{
		AggregateID: "case-1",
		State:       map[string]any{"status": "open", "version": int64(1)},
		Version:     1, Clock: 1, Timestamp: 10,
	}
	require.NoError(t, s.PutSnapshot(ctx, first))

	second := event.Snapshot{
		AggregateID: "case-1",
		State:       map[string]any{"status": "closed", "version": int64(2)},
		Version:     2, Clock: 5, Timestamp: 20,
	}
	require.NoError(t, s.PutSnapshot(ctx, second))

	got, found, err := s.GetSnapshot(ctx, "case-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second, got)
}

func TestClear_KeepsMeta(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, createTestEvent("e1", "case-1", 1, 1, nil)))
	require.NoError(t, s.PutSnapshot(ctx, event.Snapshot{AggregateID: "case-1", Version: 1, Clock: 1}))
	require.NoError(t, s.SaveConflicts(ctx, []event.ConflictInfo{createTestConflict("case-1", "e1", "r1")}))
	require.NoError(t, s.SaveClock(ctx, 42))
	_, err := s.EnsureNodeID(ctx, "node-a")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, found, err := s.GetSnapshot(ctx, "case-1")
	require.NoError(t, err)
	assert.False(t, found)

	conflicts, err := s.ReadConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	v, err := s.LoadClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v, "clear must not regress the Lamport clock")

	node, err := s.EnsureNodeID(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, "node-a", node)
}

func TestSaveClock_Persists(t *testing.T) {
	path := t.TempDir() + "/clock.db"
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveClock(ctx, 51))
	s1.Close()

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.LoadClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(51), v)
}

func TestEnsureNodeID_FirstWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.EnsureNodeID(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", id)

	id, err = s.EnsureNodeID(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, "node-a", id)
}
