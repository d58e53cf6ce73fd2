package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/conflict"
)

// DefaultStart is the wall clock, in unix milliseconds, every node starts at
// unless the scenario sets start.
const DefaultStart int64 = 1700000000000

// Scenario defines a multi-node sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the node ids taking part. Each gets its own log.
	Nodes []string `yaml:"nodes"`

	// Start is the initial wall clock of every node in unix milliseconds.
	Start int64 `yaml:"start,omitempty"`

	// Schema is an optional CUE schema file applied to every node.
	// Relative paths are resolved against the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// SnapshotEvery configures count-based snapshots (0 keeps the engine
	// default).
	SnapshotEvery int `yaml:"snapshot_every,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action on one node. Exactly one of Append, Advance, Sync and
// Resolve is set.
type Step struct {
	Node string `yaml:"node"`

	Append *AppendStep `yaml:"append,omitempty"`

	// Advance moves the node's wall clock forward, in milliseconds.
	Advance int64 `yaml:"advance,omitempty"`

	Sync *SyncStep `yaml:"sync,omitempty"`

	Resolve *ResolveStep `yaml:"resolve,omitempty"`
}

// AppendStep appends one event.
type AppendStep struct {
	Aggregate string         `yaml:"aggregate"`
	Type      string         `yaml:"type"`
	Event     string         `yaml:"event"`
	Data      map[string]any `yaml:"data,omitempty"`

	// Reject expects the append to fail (for example a schema violation).
	Reject bool `yaml:"reject,omitempty"`
}

// SyncStep runs one sync.
type SyncStep struct {
	Expect *SyncExpect `yaml:"expect,omitempty"`
}

// SyncExpect checks a sync result. Unset fields are not checked.
type SyncExpect struct {
	Success   *bool `yaml:"success,omitempty"`
	Synced    *int  `yaml:"synced,omitempty"`
	Failed    *int  `yaml:"failed,omitempty"`
	Conflicts *int  `yaml:"conflicts,omitempty"`
}

// ResolveStep resolves every conflict the node has pending from earlier syncs.
type ResolveStep struct {
	Strategy string `yaml:"strategy"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "state": the aggregate's projected state contains Expect
	// - "unsynced": the node has exactly Count unsynced events
	// - "event_count": the node's log holds exactly Count events
	// - "clock": the node's Lamport clock equals Value
	// - "conflicts": Count conflicts were reported (by Node, if set)
	// - "server_events": the server holds exactly Count events
	Type string `yaml:"type"`

	Node      string         `yaml:"node,omitempty"`
	Aggregate string         `yaml:"aggregate,omitempty"`
	Expect    map[string]any `yaml:"expect,omitempty"`
	Count     int            `yaml:"count,omitempty"`
	Value     int64          `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertState        = "state"
	AssertUnsynced     = "unsynced"
	AssertEventCount   = "event_count"
	AssertClock        = "clock"
	AssertConflicts    = "conflicts"
	AssertServerEvents = "server_events"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	seen := map[string]bool{}
	for i, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes[%d]: empty node id", i)
		}
		if seen[n] {
			return fmt.Errorf("nodes[%d]: duplicate node id %q", i, n)
		}
		seen[n] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, seen); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, seen); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step Step, nodes map[string]bool) error {
	if !nodes[step.Node] {
		return fmt.Errorf("steps[%d]: unknown node %q", index, step.Node)
	}

	actions := 0
	if step.Append != nil {
		actions++
		if step.Append.Aggregate == "" || step.Append.Type == "" || step.Append.Event == "" {
			return fmt.Errorf("steps[%d].append: aggregate, type and event are required", index)
		}
	}
	if step.Advance != 0 {
		actions++
		if step.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if step.Sync != nil {
		actions++
	}
	if step.Resolve != nil {
		actions++
		if _, err := conflict.ParseStrategy(step.Resolve.Strategy); err != nil {
			return fmt.Errorf("steps[%d].resolve: %w", index, err)
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of append, advance, sync, resolve is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, nodes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needsNode := []string{AssertState, AssertUnsynced, AssertEventCount, AssertClock}
	if slices.Contains(needsNode, a.Type) && a.Node == "" {
		return fmt.Errorf("assertions[%d]: node is required for %s", index, a.Type)
	}
	if a.Node != "" && !nodes[a.Node] {
		return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
	}

	switch a.Type {
	case AssertState:
		if a.Aggregate == "" {
			return fmt.Errorf("assertions[%d]: aggregate is required for state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for state", index)
		}
	case AssertUnsynced, AssertEventCount, AssertConflicts, AssertServerEvents:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertClock:
		if a.Value <= 0 {
			return fmt.Errorf("assertions[%d]: value must be positive for clock", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
