package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/offsync/internal/event"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent creates an event with a valid checksum.
func createTestEvent(id, aggregateID string, version, clock int64, data map[string]any) event.DomainEvent {
	ts := int64(1700000000000) + clock
	return event.DomainEvent{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: "case",
		EventType:     event.Updated,
		Timestamp:     ts,
		NodeID:        "node-a",
		Clock:         clock,
		Version:       version,
		Data:          data,
		Checksum:      event.MustChecksum(data, ts),
	}
}

// newWithDB wraps a database handle without applying pragmas or schema, for
// tests that substitute the driver.
func newWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// readEvent retrieves a single event by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) readEvent(ctx context.Context, id string) (event.DomainEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// pragma reads a single pragma value as text.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return value, nil
}
