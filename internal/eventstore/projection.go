package eventstore

import (
	"context"
	"fmt"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/replay"
)

// Replay folds every event of an aggregate into its current state.
// An aggregate without events yields an empty state.
func (s *Store) Replay(ctx context.Context, aggregateID string) (replay.State, error) {
	events, err := s.GetEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	return replay.Replay(events), nil
}

// State returns the current state of an aggregate, starting from its
// snapshot (if any) and applying only the events after it. The result equals
// Replay.
func (s *Store) State(ctx context.Context, aggregateID string) (replay.State, error) {
	st, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	snap, found, err := st.GetSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	events, err := s.GetEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if !found {
		return replay.Replay(events), nil
	}

	suffix := events[:0:0]
	for _, ev := range events {
		if ev.Version > snap.Version {
			suffix = append(suffix, ev)
		}
	}
	return replay.Apply(snap.State, suffix), nil
}

// CreateSnapshot replays an aggregate and stores the result with the last
// event's version and clock. found is false (and nothing is stored) when the
// aggregate has no events.
func (s *Store) CreateSnapshot(ctx context.Context, aggregateID string) (snap event.Snapshot, found bool, err error) {
	st, _, err := s.ready()
	if err != nil {
		return event.Snapshot{}, false, err
	}
	events, err := s.GetEvents(ctx, aggregateID)
	if err != nil {
		return event.Snapshot{}, false, err
	}
	if len(events) == 0 {
		return event.Snapshot{}, false, nil
	}

	last := events[len(events)-1]
	snap = event.Snapshot{
		AggregateID: aggregateID,
		State:       replay.Replay(events),
		Version:     last.Version,
		Clock:       last.Clock,
		Timestamp:   s.now().UnixMilli(),
	}
	if err := st.PutSnapshot(ctx, snap); err != nil {
		return event.Snapshot{}, false, fmt.Errorf("create snapshot: %w", err)
	}
	s.logger.Debug("snapshot created", "aggregate_id", aggregateID, "version", snap.Version)
	return snap, true, nil
}

// GetSnapshot returns the stored snapshot of an aggregate.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (event.Snapshot, bool, error) {
	st, _, err := s.ready()
	if err != nil {
		return event.Snapshot{}, false, err
	}
	snap, found, err := st.GetSnapshot(ctx, aggregateID)
	if err != nil {
		return event.Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, found, nil
}

// DetectConflicts compares local events with events held by the server.
// See conflict.Detect.
func (s *Store) DetectConflicts(local, remote []event.DomainEvent) ([]event.ConflictInfo, error) {
	if _, _, err := s.ready(); err != nil {
		return nil, err
	}
	return conflict.Detect(local, remote), nil
}

// ResolveConflicts picks a winner per conflict with the given strategy and
// records the resolution on each conflict. See conflict.Resolve.
func (s *Store) ResolveConflicts(conflicts []event.ConflictInfo, strategy conflict.Strategy) ([]event.DomainEvent, error) {
	if _, _, err := s.ready(); err != nil {
		return nil, err
	}
	return conflict.Resolve(conflicts, strategy,
		conflict.WithNow(s.now),
		conflict.WithIDGenerator(s.ids),
	)
}

// RecordConflicts stores conflicts until they are resolved. Recording the
// same local/remote pair again replaces the earlier record.
func (s *Store) RecordConflicts(ctx context.Context, conflicts []event.ConflictInfo) error {
	st, _, err := s.ready()
	if err != nil {
		return err
	}
	if err := st.SaveConflicts(ctx, conflicts); err != nil {
		return fmt.Errorf("record conflicts: %w", err)
	}
	return nil
}

// PendingConflicts returns the recorded, unresolved conflicts in detection
// order.
func (s *Store) PendingConflicts(ctx context.Context) ([]event.ConflictInfo, error) {
	st, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	conflicts, err := st.ReadConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending conflicts: %w", err)
	}
	return conflicts, nil
}

// DismissConflicts removes conflicts from the pending list.
func (s *Store) DismissConflicts(ctx context.Context, conflicts []event.ConflictInfo) error {
	st, _, err := s.ready()
	if err != nil {
		return err
	}
	if err := st.DeleteConflicts(ctx, conflicts); err != nil {
		return fmt.Errorf("dismiss conflicts: %w", err)
	}
	return nil
}
