// Package clock implements the persisted Lamport clock that orders events
// produced by one node and merges in causality observed from other nodes.
package clock

import (
	"context"
	"fmt"
	"sync"
)

// Persister stores the clock's counter durably.
//
// Losing the persisted value silently regresses causality, so SaveClock
// errors are returned to callers rather than ignored.
type Persister interface {
	LoadClock(ctx context.Context) (int64, error)
	SaveClock(ctx context.Context, value int64) error
}

// Lamport is a monotonic logical clock.
//
// The value only ever increases: Tick adds one, Observe sets
// max(local, remote) + 1. Every change is persisted before it becomes
// visible; if persisting fails the in-memory value is left unchanged.
//
// Thread-safety: Lamport is safe for concurrent use.
type Lamport struct {
	mu    sync.Mutex
	value int64
	p     Persister
}

// Open loads the last persisted value and returns a clock resuming from it.
func Open(ctx context.Context, p Persister) (*Lamport, error) {
	v, err := p.LoadClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("open clock: %w", err)
	}
	if v < 0 {
		return nil, fmt.Errorf("open clock: persisted value %d is negative", v)
	}
	return &Lamport{value: v, p: p}, nil
}

// Tick increments the clock for a locally authored event and returns the
// new value.
func (c *Lamport) Tick(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.value + 1
	if err := c.p.SaveClock(ctx, next); err != nil {
		return 0, fmt.Errorf("tick clock: %w", err)
	}
	c.value = next
	return next, nil
}

// Observe merges a clock value received from another node:
// local = max(local, remote) + 1. Returns the new value.
func (c *Lamport) Observe(ctx context.Context, remote int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.value
	if remote > next {
		next = remote
	}
	next++
	if err := c.p.SaveClock(ctx, next); err != nil {
		return 0, fmt.Errorf("observe clock: %w", err)
	}
	c.value = next
	return next, nil
}

// Current returns the clock value without advancing it.
func (c *Lamport) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// MemoryPersister keeps the counter in memory. It is meant for tests and
// for hosts that knowingly run without durable storage.
type MemoryPersister struct {
	mu    sync.Mutex
	value int64
	err   error
}

// NewMemoryPersister creates a persister holding start.
func NewMemoryPersister(start int64) *MemoryPersister {
	return &MemoryPersister{value: start}
}

// LoadClock implements Persister.
func (m *MemoryPersister) LoadClock(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

// SaveClock implements Persister.
func (m *MemoryPersister) SaveClock(_ context.Context, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.value = value
	return nil
}

// FailWith makes every subsequent SaveClock return err. Pass nil to recover.
func (m *MemoryPersister) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
