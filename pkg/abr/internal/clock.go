// Package internal holds time helpers shared by the abr packages.
package internal

import "time"

// Clock supplies the time used to age throughput samples.
type Clock interface {
	// Now returns the current time. Successive calls must not go backwards.
	Now() time.Time
}

// MonotonicClock reads the system clock. time.Now carries a monotonic
// reading, so sample ages are unaffected by wall-clock steps.
type MonotonicClock struct{}

// Now returns time.Now().
func (MonotonicClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced Clock for tests and simulations.
// It is not safe for concurrent use.
type MockClock struct {
	current time.Time
}

// NewMockClock returns a MockClock reading t, or a fixed epoch if t is zero.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Unix(1_000_000_000, 0)
	}
	return &MockClock{current: t}
}

// Now returns the mock time.
func (m *MockClock) Now() time.Time {
	return m.current
}

// Advance moves the mock time forward by d. It panics if d is negative.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: negative duration")
	}
	m.current = m.current.Add(d)
}
