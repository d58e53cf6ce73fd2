package eventstore

import (
	"context"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/store"
)

// Storage is the port the event store persists through. *store.Store (SQLite)
// is the production implementation.
type Storage interface {
	clock.Persister

	InsertEvent(ctx context.Context, ev event.DomainEvent) error
	MarkSynced(ctx context.Context, id string) (bool, error)
	MarkSyncAttempt(ctx context.Context, id string, at int64, errMsg string) (bool, error)
	PutSnapshot(ctx context.Context, snap event.Snapshot) error
	Clear(ctx context.Context) error
	EnsureNodeID(ctx context.Context, candidate string) (string, error)

	ReadAggregateEvents(ctx context.Context, aggregateID string) ([]event.DomainEvent, error)
	ReadUnsyncedEvents(ctx context.Context) ([]event.DomainEvent, error)
	ReadAllEvents(ctx context.Context) ([]event.DomainEvent, error)
	CountAggregateEvents(ctx context.Context, aggregateID string) (int64, error)
	CountEvents(ctx context.Context) (int64, error)
	CountUnsynced(ctx context.Context) (int64, error)
	ListAggregateIDs(ctx context.Context) ([]string, error)
	GetSnapshot(ctx context.Context, aggregateID string) (event.Snapshot, bool, error)

	SaveConflicts(ctx context.Context, conflicts []event.ConflictInfo) error
	ReadConflicts(ctx context.Context) ([]event.ConflictInfo, error)
	DeleteConflicts(ctx context.Context, conflicts []event.ConflictInfo) error

	Close() error
}

var _ Storage = (*store.Store)(nil)

// Opener opens the storage backing a Store. It is called by Initialize and
// may be called again after a failed attempt.
type Opener func(ctx context.Context) (Storage, error)

// SQLiteOpener opens (creating if needed) the SQLite database at path.
func SQLiteOpener(path string) Opener {
	return func(context.Context) (Storage, error) {
		return store.Open(path)
	}
}

// StorageOpener returns an Opener that hands out an already open Storage.
func StorageOpener(st Storage) Opener {
	return func(context.Context) (Storage, error) {
		return st, nil
	}
}
