package event

import (
	"slices"
	"sort"
)

// Type is the domain verb of an event.
//
// The engine gives special meaning to Deleted only. Created, Updated, Merged
// and any custom verb shallow-merge their data into the projected state.
type Type string

const (
	Created Type = "created"
	Updated Type = "updated"
	Deleted Type = "deleted"

	// Merged marks an event synthesized by the merge resolution strategy.
	Merged Type = "merged"
)

// Known reports whether t is one of the built-in verbs.
func (t Type) Known() bool {
	switch t {
	case Created, Updated, Deleted, Merged:
		return true
	default:
		return false
	}
}

// DomainEvent is the atomic, immutable unit of change.
//
// Only the sync bookkeeping fields (Synced, SyncAttempts, LastSyncAttempt,
// SyncError) change after an event has been appended.
type DomainEvent struct {
	ID            string         `json:"id"`
	AggregateID   string         `json:"aggregateId"`
	AggregateType string         `json:"aggregateType"`
	EventType     Type           `json:"eventType"`
	Timestamp     int64          `json:"timestamp"` // unix milliseconds at the origin node
	NodeID        string         `json:"nodeId"`
	Clock         int64          `json:"clock"`
	Version       int64          `json:"version"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`

	Synced          bool   `json:"synced"`
	SyncAttempts    int    `json:"syncAttempts"`
	LastSyncAttempt int64  `json:"lastSyncAttempt,omitempty"` // unix milliseconds, 0 if never attempted
	SyncError       string `json:"syncError,omitempty"`

	Checksum string `json:"checksum"`
}

// DataKeys returns the keys of the event payload in sorted order.
func (e DomainEvent) DataKeys() []string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// VerifyChecksum recomputes the checksum over Data and Timestamp and reports
// whether it matches the stored value.
func (e DomainEvent) VerifyChecksum() (bool, error) {
	sum, err := Checksum(e.Data, e.Timestamp)
	if err != nil {
		return false, err
	}
	return sum == e.Checksum, nil
}

// SortByClock sorts events in place by ascending clock. Equal clocks (only
// possible between different nodes) fall back to node id, then event id, so
// the order is total and deterministic.
func SortByClock(events []DomainEvent) {
	slices.SortStableFunc(events, compareByClock)
}

func compareByClock(a, b DomainEvent) int {
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// MaxClock returns the largest clock value in events, or 0 for an empty slice.
func MaxClock(events []DomainEvent) int64 {
	var highest int64
	for _, e := range events {
		if e.Clock > highest {
			highest = e.Clock
		}
	}
	return highest
}

// ConflictKind classifies why two events were reported as conflicting.
type ConflictKind string

const (
	// KindConcurrentEdit: different nodes produced the same aggregate version
	// and touched overlapping fields.
	KindConcurrentEdit ConflictKind = "concurrent_edit"

	// KindChecksumMismatch: the remote copy of an event does not match its
	// checksum or the local copy's checksum.
	KindChecksumMismatch ConflictKind = "checksum_mismatch"
)

// Resolution records which side won a resolved conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
)

// ConflictInfo describes a pair of colliding events for one aggregate.
type ConflictInfo struct {
	AggregateID string       `json:"aggregateId"`
	Fields      []string     `json:"fields"`
	LocalEvent  DomainEvent  `json:"localEvent"`
	RemoteEvent DomainEvent  `json:"remoteEvent"`
	Kind        ConflictKind `json:"kind"`
	Resolution  Resolution   `json:"resolution,omitempty"`
}

// Snapshot is a disposable cache of an aggregate's projected state.
// It is never authoritative: a full replay always reproduces it.
type Snapshot struct {
	AggregateID string         `json:"aggregateId"`
	State       map[string]any `json:"state"`
	Version     int64          `json:"version"`
	Clock       int64          `json:"clock"`
	Timestamp   int64          `json:"timestamp"` // unix milliseconds when taken
}
