package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/eventstore"
	"github.com/roach88/offsync/internal/replay"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/syncer"
	"github.com/roach88/offsync/internal/syncserver"
	"github.com/roach88/offsync/internal/testutil"
)

// node is one participant: its engine and wall clock.
type node struct {
	id   string
	eng  *engine.Engine
	time *testutil.ManualTime
}

// Harness is the test execution engine.
// It runs scenarios with manual wall clocks and sequential event ids.
type Harness struct {
	nodes  map[string]*node
	order  []string
	server *syncserver.Server
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each run gets fresh databases in a temporary directory and a fresh
// reference server. Assertion failures and unmet sync expectations are
// reported in Result.Errors; an error is returned only when the scenario
// cannot be executed.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "offsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in runs
	srv := syncserver.New(syncserver.WithLogger(logger))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var validator eventstore.Validator
	if scenario.Schema != "" {
		reg, err := schema.Load(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
		validator = reg
	}

	h := &Harness{
		nodes:  make(map[string]*node, len(scenario.Nodes)),
		server: srv,
		logger: logger,
	}
	defer h.close()

	start := scenario.Start
	if start == 0 {
		start = DefaultStart
	}
	for _, id := range scenario.Nodes {
		n, err := h.openNode(ctx, filepath.Join(dir, id+".db"), id, start, ts.URL, validator, scenario.SnapshotEvery)
		if err != nil {
			return nil, fmt.Errorf("failed to open node %s: %w", id, err)
		}
		h.nodes[id] = n
		h.order = append(h.order, id)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		entry, err := h.execute(ctx, i+1, step, result)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Node, err)
		}
		result.Trace = append(result.Trace, entry)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to collect final state: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Harness: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func (h *Harness) openNode(
	ctx context.Context,
	dbPath, id string,
	start int64,
	endpoint string,
	validator eventstore.Validator,
	snapshotEvery int,
) (*node, error) {
	mt := testutil.NewManualTime(start)

	storeOpts := []eventstore.Option{
		eventstore.WithNodeID(id),
		eventstore.WithNow(mt.Now),
		eventstore.WithIDGenerator(testutil.NewSequentialIDs(id)),
		eventstore.WithLogger(h.logger),
	}
	if validator != nil {
		storeOpts = append(storeOpts, eventstore.WithValidator(validator))
	}
	store := eventstore.New(eventstore.SQLiteOpener(dbPath), storeOpts...)

	coord := syncer.New(store, endpoint, "",
		syncer.WithNow(mt.Now),
		syncer.WithLogger(h.logger),
	)

	engOpts := []engine.Option{engine.WithLogger(h.logger)}
	if snapshotEvery != 0 {
		engOpts = append(engOpts, engine.WithSnapshotEvery(snapshotEvery))
	}
	eng := engine.New(store, coord, engOpts...)
	if err := eng.Initialize(ctx); err != nil {
		return nil, err
	}
	return &node{id: id, eng: eng, time: mt}, nil
}

func (h *Harness) close() {
	for _, id := range h.order {
		if err := h.nodes[id].eng.Close(); err != nil {
			h.logger.Error("error closing node", "node", id, "error", err)
		}
	}
}

// execute runs one step. Unmet expectations are added to result; only
// failures that make the scenario meaningless are returned.
func (h *Harness) execute(ctx context.Context, stepNo int, step Step, result *Result) (TraceEntry, error) {
	n := h.nodes[step.Node]
	entry := TraceEntry{Step: stepNo, Node: step.Node}

	switch {
	case step.Append != nil:
		entry.Op = OpAppend
		a := step.Append
		ev, err := n.eng.AppendEvent(ctx, a.Aggregate, a.Type, event.Type(a.Event), a.Data)
		switch {
		case err != nil && a.Reject:
			entry.Rejected = rejectReason(err)
		case err != nil:
			return entry, fmt.Errorf("append: %w", err)
		case a.Reject:
			result.AddError(fmt.Sprintf("step %d: expected append to %s to be rejected", stepNo, a.Aggregate))
			entry.Event = summarizeEvent(ev)
		default:
			entry.Event = summarizeEvent(ev)
		}

	case step.Advance != 0:
		entry.Op = OpAdvance
		entry.Millis = step.Advance
		n.time.Advance(time.Duration(step.Advance) * time.Millisecond)

	case step.Sync != nil:
		entry.Op = OpSync
		res := n.eng.Sync(ctx)
		entry.Sync = summarizeSync(res)
		for _, msg := range checkSync(step.Sync.Expect, res) {
			result.AddError(fmt.Sprintf("step %d: %s", stepNo, msg))
		}

	case step.Resolve != nil:
		entry.Op = OpResolve
		strategy, err := conflict.ParseStrategy(step.Resolve.Strategy)
		if err != nil {
			return entry, err
		}
		resolved, err := n.eng.ResolvePending(ctx, strategy)
		if err != nil {
			return entry, fmt.Errorf("resolve: %w", err)
		}
		entry.Resolved = make([]ResolutionSummary, 0, len(resolved))
		for _, r := range resolved {
			rs := ResolutionSummary{
				AggregateID: r.Conflict.AggregateID,
				Resolution:  r.Conflict.Resolution,
				Winner:      r.Winner.ID,
			}
			if r.Adopted != nil {
				rs.Adopted = summarizeEvent(*r.Adopted)
			}
			entry.Resolved = append(entry.Resolved, rs)
		}
		h.logger.Info("conflicts resolved", "node", n.id, "count", len(resolved))
	}

	return entry, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, schema.ErrInvalidPayload):
		return "invalid payload"
	case errors.Is(err, eventstore.ErrEmptyAggregateID):
		return "empty aggregate id"
	default:
		return err.Error()
	}
}

func checkSync(expect *SyncExpect, res syncer.Result) []string {
	if expect == nil {
		return nil
	}
	var errs []string
	if expect.Success != nil && *expect.Success != res.Success {
		errs = append(errs, fmt.Sprintf("sync success: expected %v, got %v (%s)", *expect.Success, res.Success, res.Error))
	}
	if expect.Synced != nil && *expect.Synced != res.SyncedCount {
		errs = append(errs, fmt.Sprintf("sync synced: expected %d, got %d", *expect.Synced, res.SyncedCount))
	}
	if expect.Failed != nil && *expect.Failed != res.FailedCount {
		errs = append(errs, fmt.Sprintf("sync failed: expected %d, got %d", *expect.Failed, res.FailedCount))
	}
	if expect.Conflicts != nil && *expect.Conflicts != len(res.Conflicts) {
		errs = append(errs, fmt.Sprintf("sync conflicts: expected %d, got %d", *expect.Conflicts, len(res.Conflicts)))
	}
	return errs
}

// collect records every node's final state and the server's.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	for _, id := range h.order {
		st, err := h.nodeState(ctx, h.nodes[id])
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		result.Nodes[id] = st
	}
	result.Server = ServerState{
		Clock:  h.server.Clock(),
		Events: len(h.server.Events()),
	}
	return nil
}

func (h *Harness) nodeState(ctx context.Context, n *node) (NodeState, error) {
	store := n.eng.Store()
	clk, err := store.Clock()
	if err != nil {
		return NodeState{}, err
	}
	total, err := store.GetEventCount(ctx)
	if err != nil {
		return NodeState{}, err
	}
	unsynced, err := n.eng.GetUnsyncedCount(ctx)
	if err != nil {
		return NodeState{}, err
	}
	aggs, err := n.eng.Aggregates(ctx)
	if err != nil {
		return NodeState{}, err
	}

	st := NodeState{Clock: clk, Events: total, Unsynced: unsynced, States: make(map[string]replay.State, len(aggs))}
	for _, agg := range aggs {
		state, err := n.eng.GetState(ctx, agg)
		if err != nil {
			return NodeState{}, fmt.Errorf("state of %s: %w", agg, err)
		}
		st.States[agg] = state
	}
	return st, nil
}
