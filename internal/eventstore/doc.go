// Package eventstore is the append-only, per-aggregate event log of one node.
//
// A Store stamps every appended event with the next Lamport clock value, the
// aggregate's next version (count of prior events + 1) and a checksum over
// its payload. Reads always return events in clock order; storage order is
// never trusted.
//
// # Lifecycle
//
//	s := eventstore.New(eventstore.SQLiteOpener("offsync.db"))
//	if err := s.Initialize(ctx); err != nil { ... }
//	defer s.Close()
//
// Every method other than Initialize returns ErrNotInitialized until
// Initialize has succeeded. Concurrent Initialize calls share one attempt;
// a failed attempt is reported to every waiter and retried on the next call.
//
// # Concurrency
//
// Store is safe for concurrent use. Appends to the same aggregate are
// serialized by a per-aggregate mutex around tick, count and insert, so two
// concurrent appends can never compute the same version.
//
// # Errors
//
// Storage errors are wrapped with %w and never retried here: retrying a local
// write risks duplicate events. Conflicts are returned as data.
package eventstore
