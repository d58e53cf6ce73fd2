package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../../testdata/scenarios"

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_Valid(t *testing.T) {
	s, err := LoadScenario(filepath.Join(scenarioDir, "concurrent_edit.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "concurrent_edit", s.Name)
	assert.Equal(t, []string{"node-a", "node-b"}, s.Nodes)
	require.Len(t, s.Steps, 7)

	first := s.Steps[0]
	require.NotNil(t, first.Append)
	assert.Equal(t, "case-1", first.Append.Aggregate)
	assert.Equal(t, "From A", first.Append.Data["title"])

	assert.Equal(t, int64(5000), s.Steps[2].Advance)
	require.NotNil(t, s.Steps[4].Sync)
	require.NotNil(t, s.Steps[4].Sync.Expect.Conflicts)
	assert.Equal(t, 1, *s.Steps[4].Sync.Expect.Conflicts)
	assert.Equal(t, "first-write-wins", s.Steps[5].Resolve.Strategy)
}

func TestLoadScenario_SchemaRelativeToFile(t *testing.T) {
	s, err := LoadScenario(filepath.Join(scenarioDir, "schema_reject.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(scenarioDir, "case.cue"), s.Schema)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario("does-not-exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: misspelt key
nodes: [a]
steps:
  - node: a
    advance: 10
assertion:
  - type: server_events
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `
description: d
nodes: [a]
steps: [{node: a, advance: 1}]
assertions: [{type: server_events}]
`,
			wantErr: "name is required",
		},
		{
			name: "duplicate node",
			yaml: `
name: n
description: d
nodes: [a, a]
steps: [{node: a, advance: 1}]
assertions: [{type: server_events}]
`,
			wantErr: "duplicate node id",
		},
		{
			name: "step on unknown node",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: b, advance: 1}]
assertions: [{type: server_events}]
`,
			wantErr: `unknown node "b"`,
		},
		{
			name: "two actions in one step",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: a, advance: 1, sync: {}}]
assertions: [{type: server_events}]
`,
			wantErr: "exactly one of",
		},
		{
			name: "no action",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: a}]
assertions: [{type: server_events}]
`,
			wantErr: "exactly one of",
		},
		{
			name: "unknown strategy",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: a, resolve: {strategy: coin-flip}}]
assertions: [{type: server_events}]
`,
			wantErr: "steps[0].resolve",
		},
		{
			name: "state without aggregate",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: a, advance: 1}]
assertions: [{type: state, node: a, expect: {x: 1}}]
`,
			wantErr: "aggregate is required",
		},
		{
			name: "clock without node",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: a, advance: 1}]
assertions: [{type: clock, value: 1}]
`,
			wantErr: "node is required",
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
nodes: [a]
steps: [{node: a, advance: 1}]
assertions: [{type: vibes}]
`,
			wantErr: "unknown assertion type",
		},
		{
			name: "missing schema file",
			yaml: `
name: n
description: d
nodes: [a]
schema: nowhere.cue
steps: [{node: a, advance: 1}]
assertions: [{type: server_events}]
`,
			wantErr: "schema file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
