package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/eventstore"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/testutil"
)

const testToken = "secret-token"

func newStore(t *testing.T) *eventstore.Store {
	t.Helper()
	mt := testutil.NewManualTime(1700000000000)
	s := eventstore.New(
		eventstore.SQLiteOpener(filepath.Join(t.TempDir(), "events.db")),
		eventstore.WithNodeID("node-a"),
		eventstore.WithNow(mt.Now),
		eventstore.WithIDGenerator(testutil.NewSequentialIDs("evt")),
	)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, s *eventstore.Store, agg string, n int) []event.DomainEvent {
	t.Helper()
	var out []event.DomainEvent
	for i := 0; i < n; i++ {
		ev, err := s.Append(context.Background(), agg, "case", event.Updated, map[string]any{"amount": i})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// ackServer acknowledges every event it receives.
func ackServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := Response{Synced: []string{}, Failed: []string{}, Conflicts: []event.DomainEvent{}}
		for _, ev := range req.Events {
			resp.Synced = append(resp.Synced, ev.ID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSync_EmptyQueueMakesNoRequest(t *testing.T) {
	s := newStore(t)
	var requests atomic.Int32
	srv := ackServer(t, &requests)

	res := New(s, srv.URL, testToken).Sync(context.Background())

	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	assert.Equal(t, 0, res.SyncedCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.NotNil(t, res.Conflicts)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, int32(0), requests.Load())
}

func TestSync_RoundTrip(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 2)
	appendN(t, s, "case-2", 1)
	var requests atomic.Int32
	srv := ackServer(t, &requests)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := New(s, srv.URL, testToken, WithMetrics(m))
	res := c.Sync(context.Background())

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.SyncedCount)
	assert.Equal(t, []string{"case-1", "case-2"}, res.Aggregates)
	assert.Equal(t, int32(1), requests.Load())
	assert.NoError(t, c.LastError())

	unsynced, err := s.GetUnsyncedEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	n, err := promtest.GatherAndCount(reg, "offsync_sync_runs_total", "offsync_events_synced_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSync_SendsClockOrder(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "b", 1)
	appendN(t, s, "a", 1)
	appendN(t, s, "b", 1)

	var clocks []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, ev := range req.Events {
			clocks = append(clocks, ev.Clock)
		}
		json.NewEncoder(w).Encode(Response{})
	}))
	defer srv.Close()

	res := New(s, srv.URL, testToken).Sync(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, []int64{1, 2, 3}, clocks)
}

func TestSync_Non2xxFailsWholeBatch(t *testing.T) {
	s := newStore(t)
	events := appendN(t, s, "case-1", 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(s, srv.URL, testToken)
	res := c.Sync(context.Background())

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.True(t, IsStatus(res.Err, http.StatusServiceUnavailable))
	assert.Contains(t, res.Error, "maintenance")
	assert.Equal(t, res.Err, c.LastError())

	unsynced, err := s.GetUnsyncedEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, unsynced, len(events))
	for _, ev := range unsynced {
		assert.Equal(t, 1, ev.SyncAttempts)
		assert.Contains(t, ev.SyncError, "503")
	}
}

func TestSync_MalformedBodyFailsBatch(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"synced": [`))
	}))
	defer srv.Close()

	res := New(s, srv.URL, testToken).Sync(context.Background())
	assert.False(t, res.Success)

	n, err := s.GetUnsyncedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type brokenTransport struct{ err error }

func (b brokenTransport) Do(*http.Request) (*http.Response, error) { return nil, b.err }

func TestSync_TransportError(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 1)
	offline := errors.New("network unreachable")

	res := New(s, "http://sync.invalid", testToken, WithHTTPClient(brokenTransport{offline})).
		Sync(context.Background())

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, offline)

	events, err := s.GetUnsyncedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, events[0].SyncAttempts)
}

func TestSync_ServerRejectedIDs(t *testing.T) {
	s := newStore(t)
	events := appendN(t, s, "case-1", 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{
			Synced: []string{events[0].ID},
			Failed: []string{events[1].ID},
		})
	}))
	defer srv.Close()

	res := New(s, srv.URL, testToken).Sync(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 1, res.FailedCount)

	unsynced, err := s.GetUnsyncedEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, events[1].ID, unsynced[0].ID)
	assert.Equal(t, RejectedByServer, unsynced[0].SyncError)
}

func TestSync_ConflictsReturnedAndClockObserved(t *testing.T) {
	s := newStore(t)
	local := appendN(t, s, "case-1", 1)[0]

	remote := local
	remote.ID = "remote-1"
	remote.NodeID = "node-b"
	remote.Clock = 80
	remote.Data = map[string]any{"amount": int64(99)}
	remote.Checksum = event.MustChecksum(remote.Data, remote.Timestamp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{
			Synced:    []string{},
			Failed:    []string{},
			Conflicts: []event.DomainEvent{remote},
		})
	}))
	defer srv.Close()

	res := New(s, srv.URL, testToken).Sync(context.Background())
	require.True(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, event.KindConcurrentEdit, res.Conflicts[0].Kind)
	assert.Equal(t, []string{"amount"}, res.Conflicts[0].Fields)
	assert.Empty(t, res.Conflicts[0].Resolution, "resolution is the caller's decision")

	clk, err := s.Clock()
	require.NoError(t, err)
	assert.Equal(t, int64(81), clk)
}

func TestSync_ServerClockObserved(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 1)
	serverClock := int64(200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Clock: &serverClock})
	}))
	defer srv.Close()

	res := New(s, srv.URL, testToken).Sync(context.Background())
	require.True(t, res.Success)

	clk, err := s.Clock()
	require.NoError(t, err)
	assert.Equal(t, int64(201), clk)
}

func TestSync_ConcurrentCallIsSkipped(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		json.NewEncoder(w).Encode(Response{})
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := New(s, srv.URL, testToken, WithMetrics(metrics.New(reg)))

	done := make(chan Result)
	go func() { done <- c.Sync(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached the server")
	}
	assert.True(t, c.Syncing())

	skipped := c.Sync(context.Background())
	assert.True(t, skipped.Success)
	assert.True(t, skipped.Skipped)
	assert.NoError(t, skipped.Err)

	close(release)
	first := <-done
	assert.True(t, first.Success)
	assert.False(t, first.Skipped)
	assert.False(t, c.Syncing())
}

func TestSync_ContextCancelAbortsRequest(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := New(s, srv.URL, testToken).Sync(ctx)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	// The attempt is recorded even though the request context is done.
	events, err := s.GetUnsyncedEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].SyncAttempts)
	assert.Contains(t, events[0].SyncError, "deadline exceeded")
}

func TestSync_NoTokenOmitsHeader(t *testing.T) {
	s := newStore(t)
	appendN(t, s, "case-1", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Response{})
	}))
	defer srv.Close()

	res := New(s, srv.URL, "").Sync(context.Background())
	assert.True(t, res.Success)
}
