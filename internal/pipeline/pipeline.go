// Package pipeline turns raw scraped records into normalized output rows
// according to declarative field definitions, and streams them to a writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/clock"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/record"
)

// DefaultStatsInterval is the number of records between progress logs.
const DefaultStatsInterval = 100

// ErrRequiredFieldMissing is returned in strict mode when a required field
// comes out empty.
var ErrRequiredFieldMissing = errors.New("required field missing")

// Normalizer rewrites a field value after transforms, e.g. to canonicalize
// addresses or units. It must be pure.
type Normalizer func(column, value string) string

// Stats summarizes the records seen by a pipeline.
type Stats struct {
	Processed  int
	Unique     int
	Duplicates int
	Skipped    int
	Elapsed    time.Duration
	Progress   *Progress
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	name       string
	schema     record.Schema
	defs       map[string]FieldDef
	columns    []string
	strict     bool
	filter     func(record.Record) bool
	interval   int
	normalizer Normalizer
	total      int
	clock      clock.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	started time.Time
	stats   Stats
	eta     *ETA
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// Strict turns invalid paths and missing required fields into errors
// instead of warnings.
func Strict(strict bool) Option {
	return func(p *Pipeline) { p.strict = strict }
}

// WithSchema sets the output columns. Defaults to record.CatalogSchema.
func WithSchema(schema record.Schema) Option {
	return func(p *Pipeline) { p.schema = schema }
}

// WithFilter keeps only the records for which keep returns true.
func WithFilter(keep func(record.Record) bool) Option {
	return func(p *Pipeline) { p.filter = keep }
}

// WithStatsInterval logs running stats every n records; zero disables them.
func WithStatsInterval(n int) Option {
	return func(p *Pipeline) { p.interval = n }
}

// WithNormalizer applies fn to every mapped value.
func WithNormalizer(fn Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = fn }
}

// WithExpectedTotal enables completion estimates in the stats logs.
func WithExpectedTotal(n int) Option {
	return func(p *Pipeline) { p.total = n }
}

// WithClock sets the clock used for elapsed time.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New validates defs and builds a pipeline named name.
func New(name string, defs map[string]FieldDef, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		name:     name,
		schema:   record.CatalogSchema,
		defs:     defs,
		interval: DefaultStatsInterval,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("pipeline", name))

	if len(defs) == 0 {
		return nil, fmt.Errorf("pipeline %s: no field definitions", name)
	}
	for column, def := range defs {
		if !p.schema.Has(column) {
			return nil, fmt.Errorf("pipeline %s: field %q is not an output column", name, column)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %s: field %q: %w", name, column, err)
		}
		p.columns = append(p.columns, column)
	}
	sort.Strings(p.columns)
	return p, nil
}

// Schema returns the output columns.
func (p *Pipeline) Schema() record.Schema {
	return p.schema
}

// Identity returns the identity made of every PartOfIdentity field.
func (p *Pipeline) Identity() record.Identity {
	var fields []string
	for _, column := range p.columns {
		if p.defs[column].identity {
			fields = append(fields, column)
		}
	}
	return record.NewIdentity(fields...).WithLogger(p.logger)
}

// Parse maps raw into a record. The boolean is false when the record was
// skipped (missing required field in lenient mode, or rejected by the filter).
func (p *Pipeline) Parse(raw map[string]any) (record.Record, bool, error) {
	values := make(map[string]any, len(p.columns))
	for _, column := range p.columns {
		def := p.defs[column]
		if def.isConstant {
			values[column] = def.constant
			continue
		}

		value, err := p.value(column, def, raw)
		if err != nil {
			return record.Record{}, false, err
		}
		if strings.TrimSpace(value) == "" {
			if def.required {
				if p.strict {
					return record.Record{}, false, fmt.Errorf("%w: %s", ErrRequiredFieldMissing, column)
				}
				p.logger.Warn("skipping record, required field missing",
					zap.String("field", column), zap.Any("record", raw))
				return record.Record{}, false, nil
			}
			value = record.Missing
		}
		values[column] = value
	}

	rec := record.New(p.schema, values)
	if p.filter != nil && !p.filter(rec) {
		p.logger.Info("record rejected by filter", zap.Stringer("record", rec))
		return rec, false, nil
	}
	return rec, true, nil
}

func (p *Pipeline) value(column string, def FieldDef, raw map[string]any) (string, error) {
	found := make([]any, 0, len(def.paths))
	for _, path := range def.paths {
		v, err := DrillDown(raw, path)
		if err != nil {
			if p.strict {
				return "", fmt.Errorf("field %s: %w", column, err)
			}
			p.logger.Warn("invalid path",
				zap.String("field", column), zap.Strings("path", path), zap.Any("record", raw))
			continue
		}
		found = append(found, v)
	}

	var value string
	if def.rawTransform != nil {
		value = def.rawTransform(found)
	} else {
		parts := make([]string, 0, len(found))
		for _, v := range found {
			if s := strings.TrimSpace(stringify(v)); s != "" {
				parts = append(parts, s)
			}
		}
		value = strings.Join(parts, def.concatWith)
	}
	if def.valueTransform != nil {
		value = def.valueTransform(value)
	}
	if p.normalizer != nil {
		value = p.normalizer(column, value)
	}
	return value, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

// Process parses raw and hands the record to w. It returns the identity of a
// rejected duplicate, if any.
func (p *Pipeline) Process(ctx context.Context, raw map[string]any, w crawler.RecordWriter) (string, error) {
	rec, ok, err := p.Parse(raw)
	if err != nil {
		return "", err
	}
	if !ok {
		p.count(func(s *Stats) { s.Skipped++ })
		return "", nil
	}
	dupID, err := w.Write(ctx, rec)
	if err != nil {
		return dupID, fmt.Errorf("write record: %w", err)
	}
	if dupID != "" {
		p.logger.Debug("duplicate record", zap.String("identity", dupID))
		p.count(func(s *Stats) { s.Duplicates++ })
	} else {
		p.count(func(s *Stats) { s.Unique++ })
	}
	return dupID, nil
}

func (p *Pipeline) count(update func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		p.started = p.clock.Now()
		if p.total > 0 {
			p.eta = NewETA(p.total, p.clock)
			p.eta.Kickoff()
		}
	}
	update(&p.stats)
	p.stats.Processed++
	if p.eta != nil {
		progress := p.eta.Update(1)
		p.stats.Progress = &progress
	}
	if p.interval > 0 && p.stats.Processed%p.interval == 0 {
		p.logStatsLocked()
	}
}

// Run processes every raw record of source, logging final stats when done.
func (p *Pipeline) Run(ctx context.Context, source iter.Seq[map[string]any], w crawler.RecordWriter) (Stats, error) {
	for raw := range source {
		if err := ctx.Err(); err != nil {
			return p.Stats(), fmt.Errorf("pipeline %s: %w", p.name, err)
		}
		if _, err := p.Process(ctx, raw, w); err != nil {
			return p.Stats(), fmt.Errorf("pipeline %s: %w", p.name, err)
		}
	}
	p.LogStats()
	return p.Stats(), nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	if !p.started.IsZero() {
		s.Elapsed = p.clock.Now().Sub(p.started)
	}
	return s
}

// LogStats logs the current counters.
func (p *Pipeline) LogStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logStatsLocked()
}

func (p *Pipeline) logStatsLocked() {
	fields := []zap.Field{
		zap.Int("processed", p.stats.Processed),
		zap.Int("unique", p.stats.Unique),
		zap.Int("duplicates", p.stats.Duplicates),
		zap.Int("skipped", p.stats.Skipped),
	}
	if !p.started.IsZero() {
		fields = append(fields, zap.Duration("elapsed", p.clock.Now().Sub(p.started)))
	}
	if pr := p.stats.Progress; pr != nil {
		fields = append(fields,
			zap.Int("remaining", pr.Remaining),
			zap.Float64("per_second", pr.PerSecond),
			zap.Duration("eta", pr.RemainingTime))
	}
	p.logger.Info("pipeline stats", fields...)
}
