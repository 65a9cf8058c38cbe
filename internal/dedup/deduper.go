// Package dedup rejects records whose identity was already seen and stops a
// crawl that keeps producing nothing but duplicates.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/record"
)

const (
	// DefaultStreakMinimum is the floor of the tolerated duplicate streak.
	DefaultStreakMinimum = 1000
	// DefaultFailureFactor scales the tolerated streak.
	DefaultFailureFactor = 2.0
)

// ErrDuplicateCycle matches every *CycleError.
var ErrDuplicateCycle = errors.New("duplicate cycle detected")

// CycleError reports a crawl that appears stuck revisiting the same content.
type CycleError struct {
	Streak int
	Unique int
	Factor float64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("duplicate cycle suspected: unique records %d, duplicate streak %d, streak factor %g",
		e.Unique, e.Streak, e.Factor)
}

// Is lets errors.Is match ErrDuplicateCycle.
func (e *CycleError) Is(target error) bool {
	return target == ErrDuplicateCycle
}

// StreakCounter holds the shared duplicate streak. *crawlstate.Store
// satisfies it.
type StreakCounter interface {
	IncrementDuplicateStreak(ctx context.Context) (int, error)
	ResetDuplicateStreak(ctx context.Context) (int, error)
}

// Deduper tracks seen identities.
type Deduper struct {
	mu       sync.Mutex
	identity record.Identity
	seen     map[string]struct{}
	streak   StreakCounter
	factor   float64
	minimum  int
	logger   *zap.Logger
}

// Option customizes a Deduper.
type Option func(*Deduper)

// WithFailureFactor sets how far the streak may outgrow the unique count.
func WithFailureFactor(f float64) Option {
	return func(d *Deduper) {
		if f > 0 {
			d.factor = f
		}
	}
}

// WithStreakMinimum sets the floor of the tolerated streak.
func WithStreakMinimum(n int) Option {
	return func(d *Deduper) {
		if n > 0 {
			d.minimum = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Deduper) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New builds a Deduper keyed by identity that reports streaks to counter.
func New(identity record.Identity, counter StreakCounter, opts ...Option) (*Deduper, error) {
	if counter == nil {
		return nil, fmt.Errorf("streak counter is required")
	}
	d := &Deduper{
		identity: identity,
		seen:     map[string]struct{}{},
		streak:   counter,
		factor:   DefaultFailureFactor,
		minimum:  DefaultStreakMinimum,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Identity returns the identity used for deduplication.
func (d *Deduper) Identity() record.Identity {
	return d.identity
}

// Seed marks the identities of previously written records as seen.
// It does not touch the duplicate streak.
func (d *Deduper) Seed(records []record.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range records {
		id, err := d.identity.Generate(rec)
		if err != nil {
			return fmt.Errorf("seed identity: %w", err)
		}
		d.seen[id] = struct{}{}
	}
	d.logger.Info("dedup seeded from existing output", zap.Int("unique", len(d.seen)))
	return nil
}

// Dedup reports whether rec was already seen and returns its identity.
// A *CycleError is returned, alongside the verdict, when the duplicate streak
// outgrows max(minimum, unique) by more than the failure factor.
func (d *Deduper) Dedup(ctx context.Context, rec record.Record) (bool, string, error) {
	id, err := d.identity.Generate(rec)
	if err != nil {
		return false, "", fmt.Errorf("generate identity: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, duplicate := d.seen[id]
	var streak int
	if duplicate {
		streak, err = d.streak.IncrementDuplicateStreak(ctx)
	} else {
		d.seen[id] = struct{}{}
		streak, err = d.streak.ResetDuplicateStreak(ctx)
	}
	metrics.ObserveDedup(duplicate)
	if err != nil {
		return duplicate, id, fmt.Errorf("update duplicate streak: %w", err)
	}

	unique := len(d.seen)
	floor := d.minimum
	if unique > floor {
		floor = unique
	}
	if float64(streak)/d.factor > float64(floor) {
		return duplicate, id, &CycleError{Streak: streak, Unique: unique, Factor: d.factor}
	}
	return duplicate, id, nil
}

// Forget drops id from the seen-set, for a record that was accepted by Dedup
// but never made it to the output.
func (d *Deduper) Forget(id string) {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

// Unique returns the number of distinct identities seen.
func (d *Deduper) Unique() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
