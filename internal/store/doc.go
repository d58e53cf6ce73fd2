// Package store provides SQLite-backed durable storage for the offline
// event log.
//
// Three tables back the engine:
//   - events: append-only domain events, keyed by id, with secondary indexes
//     on aggregate_id, event_type, timestamp, synced and clock
//   - snapshots: overwritable projection cache keyed by aggregate_id,
//     indexed by version; state is canonical JSON compressed with snappy
//   - meta: scalar values that must survive restarts (Lamport counter,
//     node id)
//
// # Ordering
//
// Every multi-row read orders by clock ASC, node_id ASC, id ASC so results are
// identical across calls regardless of physical insertion order.
//
// # Immutability
//
// Event content columns are written once. Only synced, sync_attempts,
// last_sync_attempt and sync_error are updated afterwards. UNIQUE(aggregate_id,
// version) guarantees a version is never reused.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single connection: all transactions are serialized
//
// Storage errors are wrapped with %w and never retried here; callers can
// inspect the driver error with errors.Is / errors.As.
package store
