package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/offsync/internal/event"
)

const eventColumns = `
	id, aggregate_id, aggregate_type, event_type, timestamp, node_id, clock, version,
	data, correlation_id, causation_id, synced, sync_attempts, last_sync_attempt,
	sync_error, checksum`

// ReadAggregateEvents returns every event of one aggregate ordered by clock.
//
// Returns an empty slice (not nil) if the aggregate has no events.
func (s *Store) ReadAggregateEvents(ctx context.Context, aggregateID string) ([]event.DomainEvent, error) {
	return s.queryEvents(ctx, "aggregate events", `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = ?
		ORDER BY clock ASC, node_id ASC, id COLLATE BINARY ASC
	`, aggregateID)
}

// ReadUnsyncedEvents returns every event not yet acknowledged by the server,
// ordered by clock across all aggregates.
func (s *Store) ReadUnsyncedEvents(ctx context.Context) ([]event.DomainEvent, error) {
	return s.queryEvents(ctx, "unsynced events", `
		SELECT `+eventColumns+`
		FROM events
		WHERE synced = 0
		ORDER BY clock ASC, node_id ASC, id COLLATE BINARY ASC
	`)
}

// ReadAllEvents returns the whole log ordered by clock.
// Used for integrity scans and diagnostics.
func (s *Store) ReadAllEvents(ctx context.Context) ([]event.DomainEvent, error) {
	return s.queryEvents(ctx, "all events", `
		SELECT `+eventColumns+`
		FROM events
		ORDER BY clock ASC, node_id ASC, id COLLATE BINARY ASC
	`)
}

// CountAggregateEvents returns the number of events stored for an aggregate.
func (s *Store) CountAggregateEvents(ctx context.Context, aggregateID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count aggregate events: %w", err)
	}
	return n, nil
}

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountUnsynced returns the number of events with synced = 0.
func (s *Store) CountUnsynced(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

// ListAggregateIDs returns the distinct aggregate ids in the log, sorted.
func (s *Store) ListAggregateIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT aggregate_id FROM events ORDER BY aggregate_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list aggregate ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate ids: %w", err)
	}
	return ids, nil
}

// GetSnapshot returns the snapshot of an aggregate. found is false when
// none has been taken.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (snap event.Snapshot, found bool, err error) {
	var blob []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, state, version, clock, timestamp
		FROM snapshots
		WHERE aggregate_id = ?
	`, aggregateID).Scan(&snap.AggregateID, &blob, &snap.Version, &snap.Clock, &snap.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Snapshot{}, false, nil
	}
	if err != nil {
		return event.Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}

	snap.State, err = unmarshalState(blob)
	if err != nil {
		return event.Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, true, nil
}

// LoadClock returns the persisted Lamport counter (0 if never saved).
// Implements clock.Persister.
func (s *Store) LoadClock(ctx context.Context) (int64, error) {
	v, found, err := s.getMeta(ctx, metaLamportClock)
	if err != nil {
		return 0, fmt.Errorf("load clock: %w", err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("load clock: corrupt value %q: %w", v, err)
	}
	return n, nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) queryEvents(ctx context.Context, what, query string, args ...any) ([]event.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	events := []event.DomainEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return events, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (event.DomainEvent, error) {
	var ev event.DomainEvent
	var eventType, dataJSON string
	var synced int

	if err := r.Scan(
		&ev.ID, &ev.AggregateID, &ev.AggregateType, &eventType, &ev.Timestamp, &ev.NodeID,
		&ev.Clock, &ev.Version, &dataJSON, &ev.CorrelationID, &ev.CausationID, &synced,
		&ev.SyncAttempts, &ev.LastSyncAttempt, &ev.SyncError, &ev.Checksum,
	); err != nil {
		return event.DomainEvent{}, err
	}

	ev.EventType = event.Type(eventType)
	ev.Synced = synced != 0

	data, err := unmarshalData(dataJSON)
	if err != nil {
		return event.DomainEvent{}, err
	}
	ev.Data = data

	return ev, nil
}
