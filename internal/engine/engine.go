package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/eventstore"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/replay"
	"github.com/roach88/offsync/internal/syncer"
)

// DefaultSnapshotEvery is the number of appends per aggregate between
// snapshots.
const DefaultSnapshotEvery = 50

// Engine is the collaborator-facing API of one node.
type Engine struct {
	store   *eventstore.Store
	coord   *syncer.Coordinator
	metrics *metrics.Metrics
	logger  *slog.Logger

	snapshotEvery int

	mu            sync.Mutex
	sinceSnapshot map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSnapshotEvery sets how many appends to an aggregate trigger a snapshot.
// n <= 0 disables count-based snapshots; post-sync snapshots still happen.
func WithSnapshotEvery(n int) Option {
	return func(e *Engine) { e.snapshotEvery = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records appends and the unsynced gauge on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an Engine. coord may be nil for a node that never syncs; Sync
// then fails.
func New(store *eventstore.Store, coord *syncer.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		coord:         coord,
		logger:        slog.Default(),
		snapshotEvery: DefaultSnapshotEvery,
		sinceSnapshot: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize opens the underlying store. Safe to call more than once.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.store.Initialize(ctx)
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store exposes the event store for read-only tooling.
func (e *Engine) Store() *eventstore.Store {
	return e.store
}

// NodeID returns the node id bound by Initialize.
func (e *Engine) NodeID() string {
	return e.store.NodeID()
}

// AppendEvent records a domain event and returns it fully stamped.
func (e *Engine) AppendEvent(
	ctx context.Context,
	aggregateID, aggregateType string,
	eventType event.Type,
	data map[string]any,
	opts ...eventstore.AppendOption,
) (event.DomainEvent, error) {
	ev, err := e.store.Append(ctx, aggregateID, aggregateType, eventType, data, opts...)
	if err != nil {
		return event.DomainEvent{}, err
	}
	e.metrics.IncAppended()
	e.refreshUnsynced(ctx)

	if e.snapshotEvery > 0 && e.countAppend(aggregateID) {
		e.snapshot(ctx, aggregateID)
	}
	return ev, nil
}

// countAppend bumps the per-aggregate counter and reports whether a
// snapshot is due, resetting the counter if so.
func (e *Engine) countAppend(aggregateID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sinceSnapshot[aggregateID]++
	if e.sinceSnapshot[aggregateID] < e.snapshotEvery {
		return false
	}
	delete(e.sinceSnapshot, aggregateID)
	return true
}

// snapshot failures are logged; the log stays authoritative.
func (e *Engine) snapshot(ctx context.Context, aggregateID string) {
	snap, found, err := e.store.CreateSnapshot(ctx, aggregateID)
	if err != nil {
		e.logger.Warn("snapshot failed", "aggregate_id", aggregateID, "error", err)
		return
	}
	if found {
		e.logger.Debug("snapshot taken", "aggregate_id", aggregateID, "version", snap.Version, "clock", snap.Clock)
	}
}

// GetState returns the projected state of an aggregate. An aggregate with no
// events yields an empty, non-nil state.
func (e *Engine) GetState(ctx context.Context, aggregateID string) (replay.State, error) {
	return e.store.State(ctx, aggregateID)
}

// GetEvents returns an aggregate's events in clock order.
func (e *Engine) GetEvents(ctx context.Context, aggregateID string) ([]event.DomainEvent, error) {
	return e.store.GetEvents(ctx, aggregateID)
}

// GetUnsyncedCount returns the number of events waiting to be synced.
func (e *Engine) GetUnsyncedCount(ctx context.Context) (int64, error) {
	return e.store.GetUnsyncedCount(ctx)
}

func (e *Engine) refreshUnsynced(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	n, err := e.store.GetUnsyncedCount(ctx)
	if err != nil {
		e.logger.Debug("read unsynced count failed", "error", err)
		return
	}
	e.metrics.SetUnsynced(n)
}

// Sync pushes unsynced events to the server. After a successful run every
// aggregate with newly synced events is snapshotted. Conflicts are returned
// unresolved and recorded as pending until Resolve settles them.
func (e *Engine) Sync(ctx context.Context) syncer.Result {
	if e.coord == nil {
		err := fmt.Errorf("sync: %w", ErrNoCoordinator)
		return syncer.Result{Conflicts: []event.ConflictInfo{}, Error: err.Error(), Err: err}
	}

	res := e.coord.Sync(ctx)
	if res.Success {
		for _, agg := range res.Aggregates {
			e.snapshot(ctx, agg)
		}
	}
	if len(res.Conflicts) > 0 {
		if err := e.store.RecordConflicts(context.WithoutCancel(ctx), res.Conflicts); err != nil {
			e.logger.Error("record conflicts failed", "count", len(res.Conflicts), "error", err)
		}
	}
	return res
}

// PendingConflicts returns the conflicts reported by earlier syncs that
// have not been resolved, in detection order.
func (e *Engine) PendingConflicts(ctx context.Context) ([]event.ConflictInfo, error) {
	return e.store.PendingConflicts(ctx)
}

// ResolvePending resolves every pending conflict with strategy.
func (e *Engine) ResolvePending(ctx context.Context, strategy conflict.Strategy) ([]Resolved, error) {
	pending, err := e.store.PendingConflicts(ctx)
	if err != nil {
		return nil, err
	}
	return e.Resolve(ctx, pending, strategy)
}

// LastSyncError returns the error of the most recent sync, or nil if it
// succeeded or none has run.
func (e *Engine) LastSyncError() error {
	if e.coord == nil {
		return nil
	}
	return e.coord.LastError()
}

// Resolved is the outcome of resolving one conflict.
type Resolved struct {
	Conflict event.ConflictInfo `json:"conflict"`
	Winner   event.DomainEvent  `json:"winner"`

	// Adopted is the local event appended for a remote or merged winner.
	// Nil when the local event won.
	Adopted *event.DomainEvent `json:"adopted,omitempty"`
}

// Resolve picks a winner for each conflict. Remote and merged winners are
// adopted by appending their data as a new local event caused by the remote
// event, so the next sync carries the resolution. Local winners need no
// write. Each settled conflict is removed from the pending list.
func (e *Engine) Resolve(ctx context.Context, conflicts []event.ConflictInfo, strategy conflict.Strategy) ([]Resolved, error) {
	resolved := make([]event.ConflictInfo, len(conflicts))
	copy(resolved, conflicts)

	winners, err := e.store.ResolveConflicts(resolved, strategy)
	if err != nil {
		return nil, err
	}

	out := make([]Resolved, 0, len(resolved))
	for i, c := range resolved {
		r := Resolved{Conflict: c, Winner: winners[i]}
		if c.Resolution != event.ResolutionLocal {
			w := winners[i]
			adopted, err := e.AppendEvent(ctx, c.AggregateID, w.AggregateType, w.EventType, w.Data,
				eventstore.WithCausationID(c.RemoteEvent.ID),
				eventstore.WithCorrelationID(w.CorrelationID),
			)
			if err != nil {
				return out, fmt.Errorf("adopt %s winner for %s: %w", c.Resolution, c.AggregateID, err)
			}
			r.Adopted = &adopted
		}
		if err := e.store.DismissConflicts(ctx, []event.ConflictInfo{c}); err != nil {
			return out, fmt.Errorf("dismiss conflict for %s: %w", c.AggregateID, err)
		}
		out = append(out, r)
		e.logger.Info("conflict resolved",
			"aggregate_id", c.AggregateID, "kind", c.Kind, "resolution", c.Resolution)
	}
	return out, nil
}

// Aggregates lists every aggregate id in the log, sorted.
func (e *Engine) Aggregates(ctx context.Context) ([]string, error) {
	ids, err := e.store.ListAggregates(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
