// Package poller drives periodic background syncs.
//
// After a successful (or skipped) sync the poller waits the configured
// interval. After a failed one it waits an exponential backoff instead and
// never gives up; once consecutive failures reach the warning threshold it
// logs a warning so the host can surface a "sync keeps failing" notice.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/offsync/internal/syncer"
)

// Defaults.
const (
	DefaultInterval      = 30 * time.Second
	DefaultWarnThreshold = 5
)

// Syncer runs one sync. *syncer.Coordinator and *engine.Engine satisfy it.
type Syncer interface {
	Sync(ctx context.Context) syncer.Result
}

// Poller calls Sync on a schedule.
type Poller struct {
	s             Syncer
	interval      time.Duration
	warnThreshold int
	logger        *slog.Logger
	onResult      func(syncer.Result)

	trigger chan struct{}

	mu       sync.Mutex
	bo       backoff.BackOff
	failures int
}

// Option configures a Poller.
type Option func(*Poller)

// WithBackOff replaces the default exponential backoff used after failures.
// A backoff.Stop from b is treated as "wait the regular interval".
func WithBackOff(b backoff.BackOff) Option {
	return func(p *Poller) { p.bo = b }
}

// WithWarnThreshold sets how many consecutive failures trigger a warning.
func WithWarnThreshold(n int) Option {
	return func(p *Poller) { p.warnThreshold = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithOnResult registers a callback invoked after every sync.
func WithOnResult(fn func(syncer.Result)) Option {
	return func(p *Poller) { p.onResult = fn }
}

// New creates a poller. A non-positive interval uses DefaultInterval.
func New(s Syncer, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		s:             s,
		interval:      interval,
		warnThreshold: DefaultWarnThreshold,
		logger:        slog.Default(),
		trigger:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bo == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Second
		eb.MaxInterval = 5 * time.Minute
		eb.MaxElapsedTime = 0 // never stop
		p.bo = eb
	}
	p.bo.Reset()
	return p
}

// Run syncs immediately, then keeps syncing until ctx is cancelled.
// It returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-p.trigger:
		}
		timer.Reset(p.Step(ctx))
	}
}

// Trigger requests a sync as soon as possible. Requests made while one is
// already pending are merged.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Step runs one sync and returns how long to wait before the next one.
func (p *Poller) Step(ctx context.Context) time.Duration {
	res := p.s.Sync(ctx)
	if p.onResult != nil {
		p.onResult(res)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if res.Success {
		if p.failures > 0 {
			p.logger.Info("sync recovered", "after_failures", p.failures)
		}
		p.failures = 0
		p.bo.Reset()
		return p.interval
	}

	p.failures++
	if p.failures == p.warnThreshold {
		p.logger.Warn("sync keeps failing",
			"consecutive_failures", p.failures, "error", res.Error)
	}

	wait := p.bo.NextBackOff()
	if wait == backoff.Stop {
		wait = p.interval
	}
	p.logger.Debug("sync failed, backing off", "wait", wait, "consecutive_failures", p.failures)
	return wait
}

// ConsecutiveFailures returns the number of failed syncs since the last success.
func (p *Poller) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
