package replay

import (
	"fmt"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/event"
)

func ev(id string, clock, version, ts int64, typ event.Type, data map[string]any) event.DomainEvent {
	return event.DomainEvent{
		ID:          id,
		AggregateID: "case-1",
		EventType:   typ,
		NodeID:      "node-a",
		Clock:       clock,
		Version:     version,
		Timestamp:   ts,
		Data:        data,
	}
}

func TestReplay_CreatedThenUpdated(t *testing.T) {
	events := []event.DomainEvent{
		ev("e1", 1, 1, 1000, event.Created, map[string]any{"status": "open"}),
	}
	assert.Equal(t, State{"status": "open", "version": int64(1), "lastUpdated": int64(1000)}, Replay(events))

	events = append(events, ev("e2", 2, 2, 2000, event.Updated, map[string]any{"status": "closed"}))
	assert.Equal(t, State{"status": "closed", "version": int64(2), "lastUpdated": int64(2000)}, Replay(events))
}

func TestReplay_Empty(t *testing.T) {
	state := Replay(nil)
	require.NotNil(t, state)
	assert.Empty(t, state)
}

func TestReplay_Deleted(t *testing.T) {
	events := []event.DomainEvent{
		ev("e1", 1, 1, 1000, event.Created, map[string]any{"status": "open"}),
		ev("e2", 2, 2, 3000, event.Deleted, map[string]any{"reason": "ignored"}),
	}

	state := Replay(events)
	assert.True(t, IsDeleted(state))
	assert.Equal(t, int64(3000), state[KeyDeletedAt])
	assert.Equal(t, "open", state["status"])
	assert.NotContains(t, state, "reason")
	assert.Equal(t, int64(2), Version(state))
}

func TestReplay_CustomVerbMerges(t *testing.T) {
	events := []event.DomainEvent{
		ev("e1", 1, 1, 1000, event.Created, map[string]any{"status": "open", "owner": "ana"}),
		ev("e2", 2, 2, 2000, event.Type("assigned"), map[string]any{"owner": "bo"}),
	}

	state := Replay(events)
	assert.Equal(t, "open", state["status"])
	assert.Equal(t, "bo", state["owner"])
}

func TestReplay_OrdersByClockNotInput(t *testing.T) {
	events := []event.DomainEvent{
		ev("e2", 7, 2, 1000, event.Updated, map[string]any{"status": "closed"}),
		ev("e1", 3, 1, 9000, event.Created, map[string]any{"status": "open"}),
	}

	state := Replay(events)
	assert.Equal(t, "closed", state["status"], "clock decides, timestamps are skewed")
	assert.Equal(t, int64(2), Version(state))
	assert.Equal(t, int64(1000), state[KeyLastUpdated])
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	base := State{"status": "open", "version": int64(1)}
	events := []event.DomainEvent{
		ev("e2", 2, 2, 2000, event.Updated, map[string]any{"status": "closed"}),
	}
	input := slices.Clone(events)

	out := Apply(base, events)

	assert.Equal(t, State{"status": "open", "version": int64(1)}, base)
	assert.Equal(t, input, events)
	assert.Equal(t, "closed", out["status"])
}

func TestReplay_Deterministic(t *testing.T) {
	events := []event.DomainEvent{
		ev("e1", 1, 1, 1000, event.Created, map[string]any{"a": int64(1), "b": []any{"x"}}),
		ev("e2", 2, 2, 2000, event.Updated, map[string]any{"a": int64(2)}),
	}
	assert.Equal(t, Replay(events), Replay(events))
}

func TestVersion_MissingOrForeign(t *testing.T) {
	assert.Equal(t, int64(0), Version(State{}))
	assert.Equal(t, int64(4), Version(State{"version": float64(4)}))
	assert.Equal(t, int64(0), Version(State{"version": "4"}))
}

// buildLog turns generated integers into a clock-ordered log: each value
// picks a field to touch, and 4 means delete.
func buildLog(ops []int) []event.DomainEvent {
	events := make([]event.DomainEvent, 0, len(ops))
	for i, op := range ops {
		n := int64(i + 1)
		typ := event.Updated
		if op == 4 {
			typ = event.Deleted
		}
		events = append(events, ev(
			fmt.Sprintf("e%d", n), n, n, 1000+n*10, typ,
			map[string]any{fmt.Sprintf("f%d", op%3): n},
		))
	}
	return events
}

func TestReplay_ChunkingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Apply(Replay(prefix), suffix) == Replay(all)", prop.ForAll(
		func(ops []int, split int) bool {
			events := buildLog(ops)
			if split > len(events) {
				split = len(events)
			}
			whole := Replay(events)
			chunked := Apply(Replay(events[:split]), events[split:])
			return assert.ObjectsAreEqual(whole, chunked)
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.IntRange(0, 30),
	))

	properties.Property("input order does not matter", prop.ForAll(
		func(ops []int) bool {
			events := buildLog(ops)
			reversed := slices.Clone(events)
			slices.Reverse(reversed)
			return assert.ObjectsAreEqual(Replay(events), Replay(reversed))
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
