package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/offsync/internal/event"
)

// AssertionContext gives assertions access to the live nodes and server.
type AssertionContext struct {
	Ctx     context.Context
	Harness *Harness
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEntry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, entry := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s%s\n", entry.Step, entry.Node, entry.Op, describeEntry(entry))
	}

	return buf.String()
}

func describeEntry(e TraceEntry) string {
	switch {
	case e.Event != nil:
		return fmt.Sprintf(" %s %s v%d clock %d", e.Event.AggregateID, e.Event.EventType, e.Event.Version, e.Event.Clock)
	case e.Rejected != "":
		return " rejected: " + e.Rejected
	case e.Sync != nil:
		return fmt.Sprintf(" success=%v synced=%d failed=%d conflicts=%d",
			e.Sync.Success, e.Sync.Synced, e.Sync.Failed, len(e.Sync.Conflicts))
	case e.Millis != 0:
		return fmt.Sprintf(" %dms", e.Millis)
	case e.Resolved != nil:
		return fmt.Sprintf(" %d conflicts", len(e.Resolved))
	default:
		return ""
	}
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertState:
		return assertState(result, a, actx)
	case AssertUnsynced:
		return assertCount(result, a, result.Nodes[a.Node].Unsynced, "unsynced events on "+a.Node)
	case AssertEventCount:
		return assertCount(result, a, result.Nodes[a.Node].Events, "events on "+a.Node)
	case AssertClock:
		if got := result.Nodes[a.Node].Clock; got != a.Value {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("clock of %s = %d", a.Node, a.Value),
				Actual:   fmt.Sprintf("%d", got),
				Trace:    result.Trace,
			}
		}
		return nil
	case AssertConflicts:
		return assertCount(result, a, int64(countConflicts(result.Trace, a.Node)), "reported conflicts")
	case AssertServerEvents:
		return assertCount(result, a, int64(result.Server.Events), "server events")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertCount(result *Result, a Assertion, got int64, what string) error {
	if got == int64(a.Count) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d", got),
		Trace:    result.Trace,
	}
}

func countConflicts(trace []TraceEntry, node string) int {
	n := 0
	for _, e := range trace {
		if e.Sync == nil || (node != "" && e.Node != node) {
			continue
		}
		n += len(e.Sync.Conflicts)
	}
	return n
}

// assertState checks that the aggregate's state contains every expected
// field (subset match). Values compare by canonical JSON, so 3 and 3.0 are
// equal and YAML ints match stored int64s.
func assertState(result *Result, a Assertion, actx *AssertionContext) error {
	n, ok := actx.Harness.nodes[a.Node]
	if !ok {
		return fmt.Errorf("unknown node %q", a.Node)
	}
	state, err := n.eng.GetState(actx.Ctx, a.Aggregate)
	if err != nil {
		return fmt.Errorf("read state of %s on %s: %w", a.Aggregate, a.Node, err)
	}
	if len(state) == 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("state of %s on %s", a.Aggregate, a.Node),
			Actual:   "aggregate has no events",
			Trace:    result.Trace,
		}
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var mismatches []string
	for _, k := range keys {
		actual, ok := state[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s missing", k))
			continue
		}
		same, err := canonicalEqual(a.Expect[k], actual)
		if err != nil {
			return fmt.Errorf("compare field %s: %w", k, err)
		}
		if !same {
			mismatches = append(mismatches, fmt.Sprintf("%s = %v", k, actual))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s on %s contains %v", a.Aggregate, a.Node, a.Expect),
		Actual:   strings.Join(mismatches, ", "),
		Trace:    result.Trace,
	}
}

func canonicalEqual(expected, actual any) (bool, error) {
	ce, err := event.MarshalCanonical(map[string]any{"v": expected})
	if err != nil {
		return false, err
	}
	ca, err := event.MarshalCanonical(map[string]any{"v": actual})
	if err != nil {
		return false, err
	}
	return bytes.Equal(ce, ca), nil
}
