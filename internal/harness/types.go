package harness

import (
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/replay"
	"github.com/roach88/offsync/internal/syncer"
)

// Trace operations.
const (
	OpAppend  = "append"
	OpAdvance = "advance"
	OpSync    = "sync"
	OpResolve = "resolve"
)

// TraceEntry records what one step did.
type TraceEntry struct {
	Step     int                 `json:"step"` // 1-based
	Node     string              `json:"node"`
	Op       string              `json:"op"`
	Millis   int64               `json:"millis,omitempty"`
	Event    *EventSummary       `json:"event,omitempty"`
	Rejected string              `json:"rejected,omitempty"`
	Sync     *SyncSummary        `json:"sync,omitempty"`
	Resolved []ResolutionSummary `json:"resolved,omitempty"`
}

// EventSummary is the stable part of an event: no checksum, no sync
// bookkeeping.
type EventSummary struct {
	ID          string     `json:"id"`
	AggregateID string     `json:"aggregateId"`
	EventType   event.Type `json:"eventType"`
	Version     int64      `json:"version"`
	Clock       int64      `json:"clock"`
	Timestamp   int64      `json:"timestamp"`
	CausationID string     `json:"causationId,omitempty"`
}

func summarizeEvent(ev event.DomainEvent) *EventSummary {
	return &EventSummary{
		ID:          ev.ID,
		AggregateID: ev.AggregateID,
		EventType:   ev.EventType,
		Version:     ev.Version,
		Clock:       ev.Clock,
		Timestamp:   ev.Timestamp,
		CausationID: ev.CausationID,
	}
}

// ConflictSummary names the two colliding events.
type ConflictSummary struct {
	AggregateID string             `json:"aggregateId"`
	Kind        event.ConflictKind `json:"kind"`
	Fields      []string           `json:"fields"`
	Local       string             `json:"local"`
	Remote      string             `json:"remote"`
}

// SyncSummary is the outcome of a sync step.
type SyncSummary struct {
	Success   bool              `json:"success"`
	Synced    int               `json:"synced"`
	Failed    int               `json:"failed"`
	Conflicts []ConflictSummary `json:"conflicts"`
	Error     string            `json:"error,omitempty"`
}

func summarizeSync(res syncer.Result) *SyncSummary {
	s := &SyncSummary{
		Success:   res.Success,
		Synced:    res.SyncedCount,
		Failed:    res.FailedCount,
		Conflicts: make([]ConflictSummary, 0, len(res.Conflicts)),
		Error:     res.Error,
	}
	for _, c := range res.Conflicts {
		s.Conflicts = append(s.Conflicts, ConflictSummary{
			AggregateID: c.AggregateID,
			Kind:        c.Kind,
			Fields:      c.Fields,
			Local:       c.LocalEvent.ID,
			Remote:      c.RemoteEvent.ID,
		})
	}
	return s
}

// ResolutionSummary is the outcome of resolving one conflict.
type ResolutionSummary struct {
	AggregateID string           `json:"aggregateId"`
	Resolution  event.Resolution `json:"resolution"`
	Winner      string           `json:"winner"`
	Adopted     *EventSummary    `json:"adopted,omitempty"`
}

// NodeState is a node's final state.
type NodeState struct {
	Clock    int64                   `json:"clock"`
	Events   int64                   `json:"events"`
	Unsynced int64                   `json:"unsynced"`
	States   map[string]replay.State `json:"states"`
}

// ServerState is the reference server's final state.
type ServerState struct {
	Clock  int64 `json:"clock"`
	Events int   `json:"events"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every sync expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per step.
	Trace []TraceEntry `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Nodes  map[string]NodeState `json:"nodes"`
	Server ServerState          `json:"server"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
		Nodes:  map[string]NodeState{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
