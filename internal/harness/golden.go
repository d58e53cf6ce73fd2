package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/offsync/internal/event"
)

// Snapshot is what a golden file holds: the trace and the final state of a
// run, serialised as canonical JSON.
type Snapshot struct {
	ScenarioName string               `json:"scenario"`
	Trace        []TraceEntry         `json:"trace"`
	Nodes        map[string]NodeState `json:"nodes"`
	Server       ServerState          `json:"server"`
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	return event.MarshalCanonical(Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Nodes:        result.Nodes,
		Server:       result.Server,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)

	return nil
}
