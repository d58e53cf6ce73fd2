package testutil

import (
	"sync"
	"time"
)

// ManualTime is a wall-clock source for tests that only moves when told to.
//
// Components take a `func() time.Time`; pass ManualTime.Now so timestamps,
// checksums and golden output are identical on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualTime creates a time source starting at the given unix millisecond.
func NewManualTime(startMillis int64) *ManualTime {
	return &ManualTime{now: time.UnixMilli(startMillis)}
}

// Now returns the current manual time.
func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the time forward by d and returns the new time.
func (m *ManualTime) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps to the given unix millisecond. Moving backwards is allowed so tests
// can simulate skewed client clocks.
func (m *ManualTime) Set(millis int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = time.UnixMilli(millis)
}
