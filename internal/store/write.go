package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/offsync/internal/event"
)

// InsertEvent appends an event. The insert fails if the id already exists
// or if the aggregate already has an event at the same version.
//
// The payload is serialized to canonical JSON.
func (s *Store) InsertEvent(ctx context.Context, ev event.DomainEvent) error {
	dataJSON, err := marshalData(ev.Data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, aggregate_id, aggregate_type, event_type, timestamp, node_id, clock, version,
		 data, correlation_id, causation_id, synced, sync_attempts, last_sync_attempt,
		 sync_error, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.AggregateID,
		ev.AggregateType,
		string(ev.EventType),
		ev.Timestamp,
		ev.NodeID,
		ev.Clock,
		ev.Version,
		dataJSON,
		ev.CorrelationID,
		ev.CausationID,
		boolToInt(ev.Synced),
		ev.SyncAttempts,
		ev.LastSyncAttempt,
		ev.SyncError,
		ev.Checksum,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// MarkSynced flags one event as acknowledged by the server.
// Returns false if no event has the given id.
func (s *Store) MarkSynced(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced: rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkSyncAttempt increments sync_attempts and stamps last_sync_attempt
// (unix milliseconds). sync_error is replaced only when errMsg is non-empty.
// Returns false if no event has the given id.
func (s *Store) MarkSyncAttempt(ctx context.Context, id string, at int64, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET sync_attempts = sync_attempts + 1,
		    last_sync_attempt = ?,
		    sync_error = CASE WHEN ? <> '' THEN ? ELSE sync_error END
		WHERE id = ?
	`, at, errMsg, errMsg, id)
	if err != nil {
		return false, fmt.Errorf("mark sync attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sync attempt: rows affected: %w", err)
	}
	return n > 0, nil
}

// PutSnapshot stores or replaces the snapshot for snap.AggregateID.
func (s *Store) PutSnapshot(ctx context.Context, snap event.Snapshot) error {
	blob, err := marshalState(snap.State)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, state, version, clock, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			clock = excluded.clock,
			timestamp = excluded.timestamp
	`, snap.AggregateID, blob, snap.Version, snap.Clock, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// Clear deletes every event, snapshot and recorded conflict in one
// transaction.
// The meta table (Lamport counter, node id) is kept: a reset must not
// regress the node's causal history.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("clear: events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("clear: snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts`); err != nil {
		return fmt.Errorf("clear: conflicts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear: commit: %w", err)
	}
	return nil
}

// SaveClock persists the Lamport counter. Implements clock.Persister.
func (s *Store) SaveClock(ctx context.Context, value int64) error {
	if err := s.putMeta(ctx, metaLamportClock, strconv.FormatInt(value, 10)); err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}

// EnsureNodeID returns the node id bound to this database. The first call
// stores candidate; later calls return the stored value and ignore candidate.
func (s *Store) EnsureNodeID(ctx context.Context, candidate string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, metaNodeID, candidate,
	); err != nil {
		return "", fmt.Errorf("ensure node id: %w", err)
	}

	id, _, err := s.getMeta(ctx, metaNodeID)
	if err != nil {
		return "", fmt.Errorf("ensure node id: %w", err)
	}
	return id, nil
}

func (s *Store) putMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
