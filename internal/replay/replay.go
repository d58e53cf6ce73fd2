// Package replay folds an aggregate's events into its current-state projection.
//
// Replay is a pure function of the event list. Events are ordered by Lamport
// clock before folding, so the physical order of the input never matters:
//
//	Replay(events) == Replay(shuffle(events))
//	Apply(Replay(prefix), suffix) == Replay(prefix ++ suffix)
//
// The second identity is what lets a snapshot stand in for a log prefix.
package replay

import (
	"maps"
	"slices"

	"github.com/roach88/offsync/internal/event"
)

// Reserved state keys written by the fold itself.
const (
	KeyVersion     = "version"
	KeyLastUpdated = "lastUpdated"
	KeyDeleted     = "_deleted"
	KeyDeletedAt   = "_deletedAt"
)

// State is the projected field map of one aggregate.
type State = map[string]any

// Replay folds events into a fresh state. An empty list yields an empty,
// non-nil state.
func Replay(events []event.DomainEvent) State {
	return Apply(nil, events)
}

// Apply folds events on top of state and returns the result. state is never
// mutated; a nil state is treated as empty.
//
// Semantics per verb:
//   - deleted: sets _deleted=true and _deletedAt to the event timestamp
//   - created, updated, merged and any custom verb: shallow-merge data
//
// After every event, version and lastUpdated are taken from it.
func Apply(state State, events []event.DomainEvent) State {
	out := make(State, len(state)+4)
	maps.Copy(out, state)

	ordered := slices.Clone(events)
	event.SortByClock(ordered)

	for _, ev := range ordered {
		applyOne(out, ev)
	}
	return out
}

func applyOne(state State, ev event.DomainEvent) {
	switch ev.EventType {
	case event.Deleted:
		state[KeyDeleted] = true
		state[KeyDeletedAt] = ev.Timestamp
	default:
		// Unknown verbs are deliberately merged like updates.
		maps.Copy(state, ev.Data)
	}
	state[KeyVersion] = ev.Version
	state[KeyLastUpdated] = ev.Timestamp
}

// IsDeleted reports whether a deleted event has been applied to state.
func IsDeleted(state State) bool {
	deleted, _ := state[KeyDeleted].(bool)
	return deleted
}

// Version returns the version stamped by the last applied event, or 0.
func Version(state State) int64 {
	switch v := state[KeyVersion].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
