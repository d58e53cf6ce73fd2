package conflict

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/roach88/offsync/internal/event"
)

// ErrUnknownStrategy is returned by Resolve and ParseStrategy for a strategy
// name they do not implement.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// Strategy names a resolution policy.
type Strategy string

const (
	// LastWriteWins keeps the event with the larger timestamp.
	LastWriteWins Strategy = "last-write-wins"

	// FirstWriteWins keeps the event with the smaller timestamp.
	FirstWriteWins Strategy = "first-write-wins"

	// Merge synthesizes a new event: remote fields overlaid by local fields.
	// Local edits win field by field. This is a policy, not a semantic merge.
	Merge Strategy = "merge"
)

// Strategies lists the supported strategies in display order.
var Strategies = []Strategy{LastWriteWins, FirstWriteWins, Merge}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Option configures Resolve.
type Option func(*resolver)

type resolver struct {
	now func() time.Time
	ids event.IDGenerator
}

// WithNow sets the time source stamped on merged events.
func WithNow(now func() time.Time) Option {
	return func(r *resolver) { r.now = now }
}

// WithIDGenerator sets the id source for merged events.
func WithIDGenerator(ids event.IDGenerator) Option {
	return func(r *resolver) { r.ids = ids }
}

// Resolve picks one winning event per conflict and records which side won in
// conflicts[i].Resolution. Winners are returned in conflict order.
//
// Timestamp ties under last-write-wins and first-write-wins go to the remote
// event: the server copy is already acknowledged by other nodes.
// Timestamps are wall-clock values from the originating nodes and may be
// skewed; this is an accepted limitation of both policies.
func Resolve(conflicts []event.ConflictInfo, strategy Strategy, opts ...Option) ([]event.DomainEvent, error) {
	r := &resolver{now: time.Now, ids: event.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(r)
	}

	var pick func(c event.ConflictInfo) (event.DomainEvent, event.Resolution, error)
	switch strategy {
	case LastWriteWins:
		pick = func(c event.ConflictInfo) (event.DomainEvent, event.Resolution, error) {
			if c.LocalEvent.Timestamp > c.RemoteEvent.Timestamp {
				return c.LocalEvent, event.ResolutionLocal, nil
			}
			return c.RemoteEvent, event.ResolutionRemote, nil
		}
	case FirstWriteWins:
		pick = func(c event.ConflictInfo) (event.DomainEvent, event.Resolution, error) {
			if c.LocalEvent.Timestamp < c.RemoteEvent.Timestamp {
				return c.LocalEvent, event.ResolutionLocal, nil
			}
			return c.RemoteEvent, event.ResolutionRemote, nil
		}
	case Merge:
		pick = r.merge
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	winners := make([]event.DomainEvent, 0, len(conflicts))
	for i := range conflicts {
		winner, resolution, err := pick(conflicts[i])
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", conflicts[i].AggregateID, err)
		}
		conflicts[i].Resolution = resolution
		winners = append(winners, winner)
	}
	return winners, nil
}

func (r *resolver) merge(c event.ConflictInfo) (event.DomainEvent, event.Resolution, error) {
	data := make(map[string]any, len(c.RemoteEvent.Data)+len(c.LocalEvent.Data))
	maps.Copy(data, c.RemoteEvent.Data)
	maps.Copy(data, c.LocalEvent.Data)

	merged := c.LocalEvent
	merged.ID = r.ids.Generate()
	merged.EventType = event.Merged
	merged.Data = data
	merged.Timestamp = r.now().UnixMilli()
	merged.Synced = false
	merged.SyncAttempts = 0
	merged.LastSyncAttempt = 0
	merged.SyncError = ""

	sum, err := event.Checksum(merged.Data, merged.Timestamp)
	if err != nil {
		return event.DomainEvent{}, "", err
	}
	merged.Checksum = sum
	return merged, event.ResolutionMerge, nil
}
