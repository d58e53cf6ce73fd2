// Package engine is the collaborator-facing facade of offsync.
//
// An Engine ties one node's event store to its sync coordinator. Callers
// append domain events, read projected state and trigger synchronisation; the
// engine takes snapshots as aggregates grow and after they are synced.
//
// Engines are built explicitly from their parts:
//
//	store := eventstore.New(eventstore.SQLiteOpener(path))
//	coord := syncer.New(store, endpoint, token)
//	eng := engine.New(store, coord, engine.WithSnapshotEvery(50))
//	if err := eng.Initialize(ctx); err != nil { ... }
//
// Every method is safe for concurrent use.
package engine
