package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is settable clock for deterministic tests and replay tools.
// Params: current instant guarded by mutex.
// Returns: clock advanced only by explicit calls.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock positioned at start.
// Params: initial instant.
// Returns: manual clock.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves clock to given instant.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now.UTC()
	m.mu.Unlock()
}

// Advance moves clock forward by delta.
// Params: duration to add.
// Returns: new current time.
func (m *Manual) Advance(delta time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(delta)
	return m.now
}
