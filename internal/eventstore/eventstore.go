package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/event"
)

// Validator checks an event payload before it is appended.
// schema.Registry is the production implementation.
type Validator interface {
	Validate(aggregateType string, eventType event.Type, data map[string]any) error
}

// Store is the event log of one node. Create it with New and call Initialize
// before anything else.
type Store struct {
	open      Opener
	nodeID    string // requested; empty means "generate or reuse"
	logger    *slog.Logger
	now       func() time.Time
	ids       event.IDGenerator
	validator Validator

	init singleflight.Group

	mu    sync.RWMutex
	st    Storage
	clock *clock.Lamport
	node  string // bound node id, set by Initialize

	appendLocks keyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithNodeID pins the node id. Initialize fails with ErrNodeMismatch if the
// database was created by another node. Without it, the stored id is reused
// and a fresh UUIDv7 is generated for a new database.
func WithNodeID(id string) Option {
	return func(s *Store) { s.nodeID = id }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNow sets the wall-clock source for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the event id source. Default: UUIDv7.
func WithIDGenerator(ids event.IDGenerator) Option {
	return func(s *Store) { s.ids = ids }
}

// WithValidator checks payloads on Append. Default: none (open map).
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validator = v }
}

// New creates an uninitialized Store backed by open.
func New(open Opener, opts ...Option) *Store {
	s := &Store{
		open:   open,
		logger: slog.Default(),
		now:    time.Now,
		ids:    event.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens storage, binds the node id and loads the Lamport clock.
// It is idempotent; concurrent callers share one attempt.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.RLock()
	ready := s.st != nil
	s.mu.RUnlock()
	if ready {
		return nil
	}

	_, err, _ := s.init.Do("init", func() (any, error) {
		s.mu.RLock()
		ready := s.st != nil
		s.mu.RUnlock()
		if ready {
			return nil, nil
		}
		return nil, s.initialize(ctx)
	})
	return err
}

func (s *Store) initialize(ctx context.Context) error {
	st, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("initialize: open storage: %w", err)
	}

	candidate := s.nodeID
	if candidate == "" {
		candidate = event.UUIDv7Generator{}.Generate()
	}
	node, err := st.EnsureNodeID(ctx, candidate)
	if err != nil {
		st.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	if s.nodeID != "" && node != s.nodeID {
		st.Close()
		return fmt.Errorf("initialize: %w: stored %q, configured %q", ErrNodeMismatch, node, s.nodeID)
	}

	clk, err := clock.Open(ctx, st)
	if err != nil {
		st.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	s.mu.Lock()
	s.st, s.clock, s.node = st, clk, node
	s.mu.Unlock()

	s.logger.Info("event store initialized", "node_id", node, "clock", clk.Current())
	return nil
}

// ready returns the storage and clock, or ErrNotInitialized.
func (s *Store) ready() (Storage, *clock.Lamport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st == nil {
		return nil, nil, ErrNotInitialized
	}
	return s.st, s.clock, nil
}

// Close releases storage. The Store must be initialized again before reuse.
func (s *Store) Close() error {
	s.mu.Lock()
	st := s.st
	s.st, s.clock = nil, nil
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close()
}

// NodeID returns the node id bound by Initialize, or "" before it.
func (s *Store) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node
}

// Clock returns the current Lamport value.
func (s *Store) Clock() (int64, error) {
	_, clk, err := s.ready()
	if err != nil {
		return 0, err
	}
	return clk.Current(), nil
}

// Observe merges a clock value received from another node.
func (s *Store) Observe(ctx context.Context, remote int64) (int64, error) {
	_, clk, err := s.ready()
	if err != nil {
		return 0, err
	}
	return clk.Observe(ctx, remote)
}

// AppendOption sets optional fields of an appended event.
type AppendOption func(*event.DomainEvent)

// WithCorrelationID links the event to a chain of related events.
func WithCorrelationID(id string) AppendOption {
	return func(ev *event.DomainEvent) { ev.CorrelationID = id }
}

// WithCausationID names the event that caused this one.
func WithCausationID(id string) AppendOption {
	return func(ev *event.DomainEvent) { ev.CausationID = id }
}

// Append records a new event for aggregateID and returns it.
//
// The version is the aggregate's prior event count plus one and the clock is
// the next Lamport value. The checksum covers data and the capture timestamp.
// A nil data map is stored as {}.
func (s *Store) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	eventType event.Type,
	data map[string]any,
	opts ...AppendOption,
) (event.DomainEvent, error) {
	st, clk, err := s.ready()
	if err != nil {
		return event.DomainEvent{}, err
	}
	if strings.TrimSpace(aggregateID) == "" {
		return event.DomainEvent{}, ErrEmptyAggregateID
	}

	data, err = event.NormalizeData(data)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}
	if err := event.CheckKeys(data); err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}
	if s.validator != nil {
		if err := s.validator.Validate(aggregateType, eventType, data); err != nil {
			return event.DomainEvent{}, fmt.Errorf("append: %w", err)
		}
	}

	unlock := s.appendLocks.Lock(aggregateID)
	defer unlock()

	tick, err := clk.Tick(ctx)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}
	prior, err := st.CountAggregateEvents(ctx, aggregateID)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}

	ts := s.now().UnixMilli()
	sum, err := event.Checksum(data, ts)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}

	ev := event.DomainEvent{
		ID:            s.ids.Generate(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Timestamp:     ts,
		NodeID:        s.NodeID(),
		Clock:         tick,
		Version:       prior + 1,
		Data:          data,
		Checksum:      sum,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	if err := st.InsertEvent(ctx, ev); err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}

	s.logger.Debug("event appended",
		"id", ev.ID, "aggregate_id", aggregateID, "event_type", eventType,
		"version", ev.Version, "clock", ev.Clock)
	return ev, nil
}

// GetEvents returns every event of an aggregate in clock order.
func (s *Store) GetEvents(ctx context.Context, aggregateID string) ([]event.DomainEvent, error) {
	st, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	events, err := st.ReadAggregateEvents(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	event.SortByClock(events)
	return events, nil
}

// GetUnsyncedEvents returns every event not yet acknowledged by the server,
// in clock order across all aggregates.
func (s *Store) GetUnsyncedEvents(ctx context.Context) ([]event.DomainEvent, error) {
	st, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	events, err := st.ReadUnsyncedEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("get unsynced events: %w", err)
	}
	event.SortByClock(events)
	return events, nil
}

// GetAllEvents returns the whole log in clock order.
func (s *Store) GetAllEvents(ctx context.Context) ([]event.DomainEvent, error) {
	st, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	events, err := st.ReadAllEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all events: %w", err)
	}
	event.SortByClock(events)
	return events, nil
}

// MarkSynced flags each id as acknowledged and returns how many were found.
// Each event is updated on its own; unknown ids are skipped. Empty input is
// a no-op.
func (s *Store) MarkSynced(ctx context.Context, ids []string) (int, error) {
	st, _, err := s.ready()
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, id := range ids {
		found, err := st.MarkSynced(ctx, id)
		if err != nil {
			return marked, fmt.Errorf("mark synced %s: %w", id, err)
		}
		if found {
			marked++
		} else {
			s.logger.Warn("mark synced: unknown event id", "id", id)
		}
	}
	return marked, nil
}

// MarkSyncAttempt records one failed or pending delivery of an event:
// increments syncAttempts, stamps lastSyncAttempt and, when errMsg is not
// empty, records it as syncError.
func (s *Store) MarkSyncAttempt(ctx context.Context, id, errMsg string) error {
	st, _, err := s.ready()
	if err != nil {
		return err
	}
	found, err := st.MarkSyncAttempt(ctx, id, s.now().UnixMilli(), errMsg)
	if err != nil {
		return fmt.Errorf("mark sync attempt %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("mark sync attempt: %w: %s", ErrEventNotFound, id)
	}
	return nil
}

// GetEventCount returns the number of events across all aggregates.
func (s *Store) GetEventCount(ctx context.Context) (int64, error) {
	st, _, err := s.ready()
	if err != nil {
		return 0, err
	}
	n, err := st.CountEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("get event count: %w", err)
	}
	return n, nil
}

// GetUnsyncedCount returns the number of events waiting to be synced.
func (s *Store) GetUnsyncedCount(ctx context.Context) (int64, error) {
	st, _, err := s.ready()
	if err != nil {
		return 0, err
	}
	n, err := st.CountUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("get unsynced count: %w", err)
	}
	return n, nil
}

// ListAggregates returns the ids of every aggregate with at least one event.
func (s *Store) ListAggregates(ctx context.Context) ([]string, error) {
	st, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	ids, err := st.ListAggregateIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	return ids, nil
}

// Clear deletes every event, snapshot and pending conflict. The Lamport clock
// and node id are kept. Reserved for explicit reset flows.
func (s *Store) Clear(ctx context.Context) error {
	st, _, err := s.ready()
	if err != nil {
		return err
	}
	if err := st.Clear(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	s.logger.Warn("event store cleared", "node_id", s.NodeID())
	return nil
}

// Corrupt describes an event whose stored checksum does not match its payload.
type Corrupt struct {
	Event    event.DomainEvent `json:"event"`
	Expected string            `json:"expected"`
}

// Verify recomputes every checksum in the log and returns the events that
// fail, in clock order.
func (s *Store) Verify(ctx context.Context) ([]Corrupt, error) {
	events, err := s.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	bad := []Corrupt{}
	for _, ev := range events {
		sum, err := event.Checksum(ev.Data, ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", ev.ID, err)
		}
		if sum != ev.Checksum {
			bad = append(bad, Corrupt{Event: ev, Expected: sum})
		}
	}
	if len(bad) > 0 {
		s.logger.Warn("checksum verification failed", "corrupt", len(bad), "total", len(events))
	}
	return bad, nil
}

// IsNotInitialized reports whether err stems from a call before Initialize.
func IsNotInitialized(err error) bool {
	return errors.Is(err, ErrNotInitialized)
}
