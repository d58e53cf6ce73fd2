package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/offsync/internal/event"
)

// SaveConflicts records unresolved conflicts in one transaction. A conflict
// already recorded for the same local and remote event is replaced in place.
func (s *Store) SaveConflicts(ctx context.Context, conflicts []event.ConflictInfo) error {
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save conflicts: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, c := range conflicts {
		body, err := event.MarshalCanonical(c)
		if err != nil {
			return fmt.Errorf("save conflicts: %s: %w", c.AggregateID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conflicts (local_id, remote_id, aggregate_id, kind, body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (local_id, remote_id) DO UPDATE SET
				aggregate_id = excluded.aggregate_id,
				kind = excluded.kind,
				body = excluded.body
		`, c.LocalEvent.ID, c.RemoteEvent.ID, c.AggregateID, string(c.Kind), string(body))
		if err != nil {
			return fmt.Errorf("save conflicts: %s: %w", c.AggregateID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save conflicts: commit: %w", err)
	}
	return nil
}

// ReadConflicts returns every recorded conflict in the order it was first
// saved.
func (s *Store) ReadConflicts(ctx context.Context) ([]event.ConflictInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM conflicts ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("read conflicts: %w", err)
	}
	defer rows.Close()

	out := []event.ConflictInfo{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("read conflicts: scan: %w", err)
		}
		c, err := unmarshalConflict(body)
		if err != nil {
			return nil, fmt.Errorf("read conflicts: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read conflicts: %w", err)
	}
	return out, nil
}

// DeleteConflicts removes the given conflicts, matched by their local and
// remote event ids. Unknown pairs are ignored.
func (s *Store) DeleteConflicts(ctx context.Context, conflicts []event.ConflictInfo) error {
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete conflicts: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, c := range conflicts {
		_, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE local_id = ? AND remote_id = ?`,
			c.LocalEvent.ID, c.RemoteEvent.ID)
		if err != nil {
			return fmt.Errorf("delete conflicts: %s: %w", c.AggregateID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete conflicts: commit: %w", err)
	}
	return nil
}

// unmarshalConflict decodes a stored conflict body. Payload numbers come
// back as int64 or float64, the same as event data read from the log.
func unmarshalConflict(body string) (event.ConflictInfo, error) {
	var c event.ConflictInfo
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return event.ConflictInfo{}, fmt.Errorf("unmarshal conflict: %w", err)
	}

	var err error
	if c.LocalEvent.Data, err = event.NormalizeData(c.LocalEvent.Data); err != nil {
		return event.ConflictInfo{}, fmt.Errorf("unmarshal conflict: local data: %w", err)
	}
	if c.RemoteEvent.Data, err = event.NormalizeData(c.RemoteEvent.Data); err != nil {
		return event.ConflictInfo{}, fmt.Errorf("unmarshal conflict: remote data: %w", err)
	}
	if c.Fields == nil {
		c.Fields = []string{}
	}
	return c, nil
}
