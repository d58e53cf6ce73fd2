// Package harness runs multi-node sync scenarios against real engines.
//
// A scenario is a YAML file naming a set of nodes, a sequence of steps
// (append, advance, sync, resolve) and assertions on the final state. Each
// node gets its own SQLite log, a manual wall clock and sequential event ids,
// and all nodes sync against one in-process reference server, so a run is
// fully deterministic.
//
// Example:
//
//	name: concurrent_edit
//	description: two nodes edit the same field
//	nodes: [node-a, node-b]
//	steps:
//	  - node: node-a
//	    append: {aggregate: case-1, type: case, event: created, data: {title: A}}
//	  - node: node-a
//	    sync: {}
//	  - node: node-b
//	    append: {aggregate: case-1, type: case, event: created, data: {title: B}}
//	  - node: node-b
//	    sync: {expect: {conflicts: 1}}
//	assertions:
//	  - type: conflicts
//	    count: 1
//
// RunWithGolden additionally compares the run's trace and final state with
// testdata/golden/<name>.golden. Regenerate golden files with:
//
//	go test ./internal/harness -update
package harness
