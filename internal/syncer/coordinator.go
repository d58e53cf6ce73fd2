// Package syncer ships unsynced events to the remote authority and reconciles
// its verdict.
//
// A Coordinator is either idle or syncing. Sync while a sync is already in
// flight returns immediately with Skipped set; it is never an error, so a
// background poller and a manual "sync now" can call it concurrently.
//
// The coordinator does not retry. It records one attempt per failed event
// (MarkSyncAttempt) and leaves the retry cadence to the caller.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/metrics"
)

// RejectedByServer is recorded as syncError for ids the server lists as failed.
const RejectedByServer = "rejected by server"

// maxErrorBody bounds how much of a non-2xx body ends up in error messages.
const maxErrorBody = 512

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Store is the part of the event store the coordinator needs.
// *eventstore.Store satisfies it.
type Store interface {
	GetUnsyncedEvents(ctx context.Context) ([]event.DomainEvent, error)
	MarkSynced(ctx context.Context, ids []string) (int, error)
	MarkSyncAttempt(ctx context.Context, id, errMsg string) error
	DetectConflicts(local, remote []event.DomainEvent) ([]event.ConflictInfo, error)
	Observe(ctx context.Context, remote int64) (int64, error)
	GetUnsyncedCount(ctx context.Context) (int64, error)
}

// Result is the outcome of one Sync call.
type Result struct {
	Success     bool                 `json:"success"`
	Skipped     bool                 `json:"skipped,omitempty"`
	SyncedCount int                  `json:"syncedCount"`
	FailedCount int                  `json:"failedCount"`
	Conflicts   []event.ConflictInfo `json:"conflicts"`

	// Aggregates lists the aggregates that had events marked synced, sorted.
	Aggregates []string `json:"aggregates,omitempty"`

	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

func failure(err error) Result {
	return Result{Conflicts: []event.ConflictInfo{}, Error: err.Error(), Err: err}
}

// Coordinator runs the sync protocol for one event store.
type Coordinator struct {
	store    Store
	endpoint string
	token    string
	client   HTTPDoer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	syncing atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient replaces the default client (http.Client, 30s timeout).
func WithHTTPClient(c HTTPDoer) Option {
	return func(co *Coordinator) { co.client = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithMetrics records sync outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithNow sets the clock used to time sync runs.
func WithNow(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// New creates a coordinator posting to endpoint with a bearer token.
func New(store Store, endpoint, token string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Syncing reports whether a sync is in flight.
func (c *Coordinator) Syncing() bool {
	return c.syncing.Load()
}

// LastError returns the error of the most recent completed sync, or nil if
// it succeeded. Skipped syncs do not change it.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Sync ships every unsynced event in one batch. It never returns an error:
// failures are reported in the Result (and logged).
//
// Cancelling ctx aborts the HTTP request; the batch is then a failure and
// stays unsynced.
func (c *Coordinator) Sync(ctx context.Context) Result {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress, skipping")
		c.metrics.ObserveSync(metrics.OutcomeSkipped, 0)
		return Result{Success: true, Skipped: true, Conflicts: []event.ConflictInfo{}}
	}
	defer c.syncing.Store(false)

	start := c.now()
	res, outcome := c.run(ctx)
	c.metrics.ObserveSync(outcome, c.now().Sub(start))

	c.mu.Lock()
	c.lastErr = res.Err
	c.mu.Unlock()

	if n, err := c.store.GetUnsyncedCount(ctx); err == nil {
		c.metrics.SetUnsynced(n)
	}

	if res.Err != nil {
		c.logger.Error("sync failed", "error", res.Err)
	} else if outcome == metrics.OutcomeSuccess {
		c.logger.Info("sync completed",
			"synced", res.SyncedCount, "failed", res.FailedCount, "conflicts", len(res.Conflicts))
	}
	return res
}

func (c *Coordinator) run(ctx context.Context) (Result, string) {
	events, err := c.store.GetUnsyncedEvents(ctx)
	if err != nil {
		return failure(fmt.Errorf("sync: read unsynced events: %w", err)), metrics.OutcomeFailure
	}
	if len(events) == 0 {
		return Result{Success: true, Conflicts: []event.ConflictInfo{}}, metrics.OutcomeEmpty
	}

	resp, err := c.post(ctx, events)
	if err != nil {
		c.recordAttempts(context.WithoutCancel(ctx), events, err.Error())
		return failure(err), metrics.OutcomeFailure
	}

	marked, err := c.store.MarkSynced(ctx, resp.Synced)
	if err != nil {
		return failure(fmt.Errorf("sync: %w", err)), metrics.OutcomeFailure
	}
	c.metrics.AddSynced(marked)

	for _, id := range resp.Failed {
		if err := c.store.MarkSyncAttempt(ctx, id, RejectedByServer); err != nil {
			c.logger.Warn("record rejected event", "id", id, "error", err)
		}
	}
	c.metrics.AddRejected(len(resp.Failed))

	conflicts, err := c.store.DetectConflicts(events, resp.Conflicts)
	if err != nil {
		return failure(fmt.Errorf("sync: detect conflicts: %w", err)), metrics.OutcomeFailure
	}
	for _, ci := range conflicts {
		c.metrics.IncConflict(string(ci.Kind))
	}

	remoteClock := event.MaxClock(resp.Conflicts)
	if resp.Clock != nil && *resp.Clock > remoteClock {
		remoteClock = *resp.Clock
	}
	if remoteClock > 0 {
		if _, err := c.store.Observe(ctx, remoteClock); err != nil {
			return failure(fmt.Errorf("sync: observe server clock: %w", err)), metrics.OutcomeFailure
		}
	}

	return Result{
		Success:     true,
		SyncedCount: marked,
		FailedCount: len(resp.Failed),
		Conflicts:   conflicts,
		Aggregates:  syncedAggregates(events, resp.Synced),
	}, metrics.OutcomeSuccess
}

// post sends the batch and decodes a 2xx reply. Any other status, transport
// error or malformed body fails the whole batch.
func (c *Coordinator) post(ctx context.Context, events []event.DomainEvent) (*Response, error) {
	body, err := json.Marshal(Request{Events: events})
	if err != nil {
		return nil, fmt.Errorf("sync: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sync: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync: send: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &StatusError{Code: httpResp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("sync: decode response: %w", err)
	}
	return &resp, nil
}

func (c *Coordinator) recordAttempts(ctx context.Context, events []event.DomainEvent, msg string) {
	for _, ev := range events {
		if err := c.store.MarkSyncAttempt(ctx, ev.ID, msg); err != nil {
			c.logger.Warn("record sync attempt", "id", ev.ID, "error", err)
		}
	}
}

func syncedAggregates(sent []event.DomainEvent, synced []string) []string {
	acked := make(map[string]struct{}, len(synced))
	for _, id := range synced {
		acked[id] = struct{}{}
	}
	seen := map[string]struct{}{}
	aggs := []string{}
	for _, ev := range sent {
		if _, ok := acked[ev.ID]; !ok {
			continue
		}
		if _, dup := seen[ev.AggregateID]; dup {
			continue
		}
		seen[ev.AggregateID] = struct{}{}
		aggs = append(aggs, ev.AggregateID)
	}
	slices.Sort(aggs)
	return aggs
}

// StatusError is a non-2xx reply from the sync endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sync: server returned %d", e.Code)
	}
	return fmt.Sprintf("sync: server returned %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
