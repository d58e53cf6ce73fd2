package poller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/syncer"
)

// scripted returns queued results, then successes.
type scripted struct {
	mu      sync.Mutex
	results []syncer.Result
	calls   int
}

func (s *scripted) Sync(context.Context) syncer.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return syncer.Result{Success: true}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fail(msg string) syncer.Result {
	err := errors.New(msg)
	return syncer.Result{Error: msg, Err: err}
}

func deterministicBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

func TestStep_SuccessWaitsInterval(t *testing.T) {
	p := New(&scripted{}, time.Minute)
	assert.Equal(t, time.Minute, p.Step(context.Background()))
	assert.Equal(t, 0, p.ConsecutiveFailures())
}

func TestStep_FailuresBackOffExponentially(t *testing.T) {
	s := &scripted{results: []syncer.Result{fail("a"), fail("b"), fail("c"), fail("d"), fail("e")}}
	p := New(s, time.Minute, WithBackOff(deterministicBackOff()))
	ctx := context.Background()

	assert.Equal(t, 100*time.Millisecond, p.Step(ctx))
	assert.Equal(t, 200*time.Millisecond, p.Step(ctx))
	assert.Equal(t, 400*time.Millisecond, p.Step(ctx))
	assert.Equal(t, 800*time.Millisecond, p.Step(ctx))
	assert.Equal(t, time.Second, p.Step(ctx), "capped at MaxInterval")
	assert.Equal(t, 5, p.ConsecutiveFailures())

	assert.Equal(t, time.Minute, p.Step(ctx), "success resets to the interval")
	assert.Equal(t, 0, p.ConsecutiveFailures())
}

func TestStep_BackoffResetsAfterSuccess(t *testing.T) {
	s := &scripted{results: []syncer.Result{fail("a"), fail("b"), {Success: true}, fail("c")}}
	p := New(s, time.Minute, WithBackOff(deterministicBackOff()))
	ctx := context.Background()

	p.Step(ctx)
	p.Step(ctx)
	p.Step(ctx)
	assert.Equal(t, 100*time.Millisecond, p.Step(ctx))
}

func TestStep_StopMeansInterval(t *testing.T) {
	s := &scripted{results: []syncer.Result{fail("a")}}
	p := New(s, time.Minute, WithBackOff(&backoff.StopBackOff{}))

	assert.Equal(t, time.Minute, p.Step(context.Background()), "the poller never gives up")
}

func TestStep_SkippedCountsAsSuccess(t *testing.T) {
	s := &scripted{results: []syncer.Result{{Success: true, Skipped: true}}}
	p := New(s, time.Minute)

	assert.Equal(t, time.Minute, p.Step(context.Background()))
	assert.Equal(t, 0, p.ConsecutiveFailures())
}

func TestStep_WarnsOnceAtThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	results := make([]syncer.Result, 6)
	for i := range results {
		results[i] = fail("offline")
	}
	p := New(&scripted{results: results}, time.Minute,
		WithWarnThreshold(3), WithLogger(logger), WithBackOff(deterministicBackOff()))

	for i := 0; i < 6; i++ {
		p.Step(context.Background())
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "sync keeps failing"))
	assert.Contains(t, buf.String(), "consecutive_failures=3")
}

func TestStep_OnResult(t *testing.T) {
	var got []syncer.Result
	p := New(&scripted{results: []syncer.Result{fail("x")}}, time.Minute,
		WithOnResult(func(r syncer.Result) { got = append(got, r) }))

	p.Step(context.Background())
	p.Step(context.Background())
	require.Len(t, got, 2)
	assert.False(t, got[0].Success)
	assert.True(t, got[1].Success)
}

func TestRun_SyncsImmediatelyAndStopsOnCancel(t *testing.T) {
	s := &scripted{}
	p := New(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	p.Trigger()
	require.Eventually(t, func() bool { return s.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestTrigger_Coalesces(t *testing.T) {
	p := New(&scripted{}, time.Hour)
	p.Trigger()
	p.Trigger()
	p.Trigger()
	assert.Len(t, p.trigger, 1)
}
