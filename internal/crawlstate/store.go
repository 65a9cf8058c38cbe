// Package crawlstate holds the resumable memory of a crawl: a LIFO stack of
// pending requests, per-key visited counters, the duplicate streak and misc
// bookkeeping values. State is persisted through a Backend on a debounced
// cadence and rehydrated when the next run opens it.
package crawlstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/clock"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// DefaultMinInterval is the minimum time between opportunistic saves.
const DefaultMinInterval = 30 * time.Second

// Save reasons reported to metrics and logs.
const (
	reasonOverride = "override"
	reasonSignal   = "signal"
	reasonInterval = "interval"
)

// Store is the process-wide crawl state. It is safe for concurrent use; build
// one per process and share the handle.
type Store struct {
	mu      sync.Mutex
	queue   []Request
	index   map[string]struct{}
	visited map[string]int
	streak  int
	misc    map[string]any

	lastSaved     time.Time
	signalHonored bool

	// persistMu serializes every Load and Save against the backend.
	persistMu   sync.Mutex
	backend     Backend
	signal      Signal
	clock       clock.Clock
	minInterval time.Duration
	logger      *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithMinInterval sets the debounce interval between saves. A save is due
// once more than d has passed; zero saves on every change.
func WithMinInterval(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.minInterval = d
		}
	}
}

// WithSignal sets the checkpoint signal polled on every save check.
func WithSignal(sig Signal) Option {
	return func(s *Store) {
		if sig != nil {
			s.signal = sig
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open builds a Store over backend and hydrates it from any saved state.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("state backend is required")
	}
	s := &Store{
		index:       map[string]struct{}{},
		visited:     map[string]int{},
		misc:        map[string]any{},
		backend:     backend,
		signal:      noSignal{},
		clock:       clock.New(),
		minInterval: DefaultMinInterval,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.persistMu.Lock()
	data, err := backend.Load(ctx)
	s.persistMu.Unlock()
	switch {
	case errors.Is(err, ErrNoState):
		s.logger.Info("no saved crawl state; starting fresh")
	case err != nil:
		return nil, fmt.Errorf("load crawl state: %w", err)
	default:
		if err := s.decode(data); err != nil {
			return nil, err
		}
		s.logger.Info("crawl state restored",
			zap.Int("pending", len(s.queue)),
			zap.Int("visited_keys", len(s.visited)),
			zap.Int("duplicate_streak", s.streak),
		)
	}
	s.lastSaved = s.clock.Now()
	metrics.SetPendingRequests(len(s.queue))
	return s, nil
}

// Push adds req on top of the stack unless an identical request is already
// pending. It reports whether the request was added.
func (s *Store) Push(ctx context.Context, req Request) (bool, error) {
	id := req.ID()
	s.mu.Lock()
	if _, ok := s.index[id]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.index[id] = struct{}{}
	s.queue = append(s.queue, req.clone())
	metrics.SetPendingRequests(len(s.queue))
	return true, s.saveLocked(ctx, false)
}

// Pop removes and returns the most recently pushed request.
func (s *Store) Pop(ctx context.Context) (Request, bool, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return Request{}, false, nil
	}
	last := len(s.queue) - 1
	req := s.queue[last]
	s.queue[last] = Request{}
	s.queue = s.queue[:last]
	delete(s.index, req.ID())
	metrics.SetPendingRequests(len(s.queue))
	return req, true, s.saveLocked(ctx, false)
}

// Len returns the number of pending requests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pending returns a copy of the stack, bottom first.
func (s *Store) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.queue))
	for i, r := range s.queue {
		out[i] = r.clone()
	}
	return out
}

// IncrementVisited bumps the counter for key and returns its new value.
func (s *Store) IncrementVisited(ctx context.Context, key string) (int, error) {
	return s.addVisited(ctx, key, 1)
}

// DecrementVisited lowers the counter for key and returns its new value.
func (s *Store) DecrementVisited(ctx context.Context, key string) (int, error) {
	return s.addVisited(ctx, key, -1)
}

func (s *Store) addVisited(ctx context.Context, key string, delta int) (int, error) {
	s.mu.Lock()
	s.visited[key] += delta
	v := s.visited[key]
	return v, s.saveLocked(ctx, false)
}

// Visited returns the counter for key, zero when absent.
func (s *Store) Visited(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visited[key]
}

// VisitedCounts returns a copy of all visited counters.
func (s *Store) VisitedCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.visited))
	for k, v := range s.visited {
		out[k] = v
	}
	return out
}

// IncrementDuplicateStreak bumps the duplicate streak and returns it.
func (s *Store) IncrementDuplicateStreak(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.streak++
	v := s.streak
	return v, s.saveLocked(ctx, false)
}

// ResetDuplicateStreak zeroes the duplicate streak and returns it.
func (s *Store) ResetDuplicateStreak(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.streak = 0
	return 0, s.saveLocked(ctx, false)
}

// DuplicateStreak returns the current duplicate streak.
func (s *Store) DuplicateStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streak
}

// SetMisc stores a scalar bookkeeping value.
func (s *Store) SetMisc(ctx context.Context, key string, value any) error {
	v, err := scalar(value)
	if err != nil {
		return fmt.Errorf("set misc %q: %w", key, err)
	}
	s.mu.Lock()
	s.misc[key] = v
	return s.saveLocked(ctx, false)
}

// Misc returns the value stored under key. When absent and defaultFn is not
// nil, the default is computed, stored and returned.
func (s *Store) Misc(ctx context.Context, key string, defaultFn func() any) (any, error) {
	s.mu.Lock()
	if v, ok := s.misc[key]; ok {
		s.mu.Unlock()
		return v, nil
	}
	if defaultFn == nil {
		s.mu.Unlock()
		return nil, nil
	}
	v, err := scalar(defaultFn())
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("misc default %q: %w", key, err)
	}
	s.misc[key] = v
	return v, s.saveLocked(ctx, false)
}

// MiscValues returns a copy of the misc map.
func (s *Store) MiscValues() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.misc))
	for k, v := range s.misc {
		out[k] = v
	}
	return out
}

// Save persists the state when override is set, when the checkpoint signal
// newly appeared, or when the minimum interval since the last save elapsed.
func (s *Store) Save(ctx context.Context, override bool) error {
	s.mu.Lock()
	return s.saveLocked(ctx, override)
}

// saveLocked must be called with s.mu held and releases it.
func (s *Store) saveLocked(ctx context.Context, override bool) error {
	reason, ok := s.shouldSave(override)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	data, err := s.encode()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.lastSaved
	stamp := s.clock.Now()
	s.lastSaved = stamp

	// Taking persistMu before releasing mu keeps snapshots landing in order.
	s.persistMu.Lock()
	s.mu.Unlock()
	err = s.backend.Save(ctx, data)
	s.persistMu.Unlock()

	if err != nil {
		s.mu.Lock()
		if s.lastSaved.Equal(stamp) {
			s.lastSaved = prev
		}
		s.mu.Unlock()
		s.logger.Warn("crawl state save failed", zap.String("reason", reason), zap.Error(err))
		return fmt.Errorf("save crawl state: %w", err)
	}
	metrics.ObserveStateSave(reason)
	s.logger.Debug("crawl state saved", zap.String("reason", reason), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) shouldSave(override bool) (string, bool) {
	present := s.signal.Present()
	if !present {
		s.signalHonored = false
	}
	onSignal := present && !s.signalHonored
	switch {
	case override:
		if onSignal {
			s.signalHonored = true
		}
		return reasonOverride, true
	case onSignal:
		s.signalHonored = true
		return reasonSignal, true
	case s.minInterval == 0 || s.clock.Now().Sub(s.lastSaved) > s.minInterval:
		return reasonInterval, true
	default:
		return "", false
	}
}

type document struct {
	Queue           []Request      `json:"request_queue"`
	Visited         map[string]int `json:"visited"`
	Misc            string         `json:"misc"`
	DuplicateStreak int            `json:"duplicate_streak"`
}

func (s *Store) encode() ([]byte, error) {
	misc, err := json.Marshal(s.misc)
	if err != nil {
		return nil, fmt.Errorf("encode misc state: %w", err)
	}
	doc := document{
		Queue:           s.queue,
		Visited:         s.visited,
		Misc:            string(misc),
		DuplicateStreak: s.streak,
	}
	if doc.Queue == nil {
		doc.Queue = []Request{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode crawl state: %w", err)
	}
	return data, nil
}

func (s *Store) decode(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode crawl state: %w", err)
	}
	for _, req := range doc.Queue {
		id := req.ID()
		if _, ok := s.index[id]; ok {
			continue
		}
		s.index[id] = struct{}{}
		s.queue = append(s.queue, req)
	}
	for k, v := range doc.Visited {
		s.visited[k] = v
	}
	s.streak = doc.DuplicateStreak
	if doc.Misc == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(doc.Misc)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode misc state: %w", err)
	}
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			s.misc[k] = fromNumber(n)
			continue
		}
		s.misc[k] = v
	}
	return nil
}

func fromNumber(n json.Number) any {
	if i, err := strconv.Atoi(n.String()); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func scalar(v any) (any, error) {
	switch val := v.(type) {
	case string, int, float64:
		return val, nil
	case int64:
		return int(val), nil
	case int32:
		return int(val), nil
	case float32:
		return float64(val), nil
	default:
		return nil, fmt.Errorf("unsupported misc value type %T", v)
	}
}
