package pipeline

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/clock"
)

// Progress is a snapshot of an ETA tracker.
type Progress struct {
	Counted       int
	Remaining     int
	PerSecond     float64
	Elapsed       time.Duration
	RemainingTime time.Duration
	LastStep      time.Duration
}

// ETA estimates completion time for a known total.
type ETA struct {
	total   int
	counted int
	clock   clock.Clock
	last    time.Time
	elapsed time.Duration
}

// NewETA tracks progress towards total.
func NewETA(total int, c clock.Clock) *ETA {
	if c == nil {
		c = clock.New()
	}
	return &ETA{total: total, clock: c}
}

// Kickoff starts the stopwatch.
func (e *ETA) Kickoff() {
	e.last = e.clock.Now()
}

// Update adds counted units and returns the current estimate.
func (e *ETA) Update(added int) Progress {
	now := e.clock.Now()
	step := now.Sub(e.last)
	e.last = now
	e.elapsed += step
	e.counted += added

	p := Progress{
		Counted:   e.counted,
		Remaining: e.total - e.counted,
		Elapsed:   e.elapsed,
		LastStep:  step,
	}
	if p.Remaining < 0 {
		p.Remaining = 0
	}
	if secs := e.elapsed.Seconds(); secs > 0 {
		p.PerSecond = float64(e.counted) / secs
	}
	if p.PerSecond > 0 {
		p.RemainingTime = time.Duration(float64(p.Remaining) / p.PerSecond * float64(time.Second))
	}
	return p
}
