// Package clock provides the time source used by save debouncing and stats.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now.
type System struct{}

// New creates a System clock.
func New() System {
	return System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the frozen time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
