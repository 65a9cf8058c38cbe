// Package writer appends deduplicated records to an Excel workbook, one sheet
// per partition, flushing to disk (and optionally to a blob store) every few
// rows so an interrupted crawl keeps what it already produced.
package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/clock"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dedup"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/record"
)

const (
	// DefaultPath is the workbook written when none is configured.
	DefaultPath = "data.xlsx"
	// DefaultFlushEvery is the number of rows between flushes.
	DefaultFlushEvery = 100
	// DefaultPartitionCap is the number of data rows per sheet.
	DefaultPartitionCap = 999999
	// MaxCellLength is the longest value a cell can hold.
	MaxCellLength = 32767
	// ContentType is used when uploading the workbook.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("writer is closed")

// Config controls where and how records are written.
type Config struct {
	Path         string
	Schema       record.Schema
	FlushEvery   int
	PartitionCap int
}

// FlushEvent is published after the workbook was uploaded.
type FlushEvent struct {
	RunID      string    `json:"run_id,omitempty"`
	Path       string    `json:"path"`
	URI        string    `json:"uri"`
	SHA256     string    `json:"sha256"`
	Bytes      int64     `json:"bytes"`
	Sheet      string    `json:"sheet"`
	Partitions int       `json:"partitions"`
	Rows       int       `json:"rows"`
	FlushedAt  time.Time `json:"flushed_at"`
}

// Stats summarizes the writer's progress in this run.
type Stats struct {
	Sheet      string `json:"sheet"`
	Partitions int    `json:"partitions"`
	Rows       int    `json:"rows"`
	Flushes    int    `json:"flushes"`
}

// Writer is safe for concurrent use.
type Writer struct {
	mu         sync.Mutex
	cfg        Config
	deduper    *dedup.Deduper
	file       *excelize.File
	sheet      string
	partitions int
	nextRow    int
	sinceFlush int
	rows       int
	flushes    int
	dirty      bool
	closed     bool

	uploader  crawler.BlobStore
	prefix    string
	publisher crawler.Publisher
	topic     string
	runID     string
	clock     clock.Clock
	logger    *zap.Logger
}

// Option customizes a Writer.
type Option func(*Writer)

// WithUploader copies the workbook to store under prefix after every flush.
func WithUploader(store crawler.BlobStore, prefix string) Option {
	return func(w *Writer) {
		w.uploader = store
		w.prefix = prefix
	}
}

// WithPublisher announces every upload on topic.
func WithPublisher(pub crawler.Publisher, topic string) Option {
	return func(w *Writer) {
		w.publisher = pub
		w.topic = topic
	}
}

// WithRunID stamps flush events with the crawl run.
func WithRunID(id string) Option {
	return func(w *Writer) { w.runID = id }
}

// WithClock sets the clock used for flush timestamps.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New opens the workbook at cfg.Path, resuming on its last sheet when it
// already exists, or starts a fresh one with a header row.
func New(_ context.Context, cfg Config, deduper *dedup.Deduper, opts ...Option) (*Writer, error) {
	if deduper == nil {
		return nil, fmt.Errorf("deduper is required")
	}
	if len(cfg.Schema) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.PartitionCap <= 0 {
		cfg.PartitionCap = DefaultPartitionCap
	}

	w := &Writer{
		cfg:     cfg,
		deduper: deduper,
		clock:   clock.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.open(); err != nil {
		return nil, err
	}
	if w.dirty {
		if err := w.file.SaveAs(w.cfg.Path); err != nil {
			_ = w.file.Close()
			return nil, fmt.Errorf("save workbook: %w", err)
		}
		w.dirty = false
	}
	return w, nil
}

func (w *Writer) open() error {
	if _, err := os.Stat(w.cfg.Path); err == nil {
		return w.resume()
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat workbook: %w", err)
	}

	if dir := filepath.Dir(w.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create workbook directory: %w", err)
		}
	}
	w.file = excelize.NewFile()
	w.sheet = w.file.GetSheetName(0)
	w.partitions = 1
	w.nextRow = 1
	if err := w.writeHeader(); err != nil {
		return err
	}
	w.logger.Info("started new workbook", zap.String("path", w.cfg.Path), zap.String("sheet", w.sheet))
	return nil
}

func (w *Writer) resume() error {
	f, err := excelize.OpenFile(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return fmt.Errorf("workbook %s has no sheets", w.cfg.Path)
	}
	last := sheets[len(sheets)-1]
	rows, err := f.GetRows(last)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read sheet %s: %w", last, err)
	}
	idx, err := f.GetSheetIndex(last)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("locate sheet %s: %w", last, err)
	}
	f.SetActiveSheet(idx)

	w.file = f
	w.sheet = last
	w.partitions = len(sheets)
	w.nextRow = len(rows) + 1
	if len(rows) == 0 {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	w.logger.Info("resuming workbook",
		zap.String("path", w.cfg.Path),
		zap.String("sheet", w.sheet),
		zap.Int("next_row", w.nextRow))
	return nil
}

// Write deduplicates rec and appends it when it is new. The identity of a
// rejected duplicate is returned; an empty string means rec was written.
// A new record that could not be written is forgotten by the deduper.
func (w *Writer) Write(ctx context.Context, rec record.Record) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	duplicate, id, err := w.deduper.Dedup(ctx, rec)
	if duplicate {
		return id, err
	}
	if err != nil {
		w.deduper.Forget(id)
		return id, err
	}

	if w.nextRow-2 >= w.cfg.PartitionCap {
		if err := w.rollover(); err != nil {
			w.deduper.Forget(id)
			return "", err
		}
	}
	if err := w.setRow(rowValues(rec.Row())); err != nil {
		w.deduper.Forget(id)
		return "", err
	}
	w.rows++
	w.sinceFlush++
	metrics.ObserveRowWritten()

	if w.sinceFlush >= w.cfg.FlushEvery {
		if err := w.flushLocked(ctx); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (w *Writer) rollover() error {
	name := fmt.Sprintf("Sheet%d", w.partitions+1)
	idx, err := w.file.NewSheet(name)
	if err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w.file.SetActiveSheet(idx)
	w.logger.Info("partition full, rolling over",
		zap.String("from", w.sheet),
		zap.String("to", name),
		zap.Int("cap", w.cfg.PartitionCap))
	w.sheet = name
	w.partitions++
	w.nextRow = 1
	return w.writeHeader()
}

func (w *Writer) writeHeader() error {
	header := make([]string, len(w.cfg.Schema))
	copy(header, w.cfg.Schema)
	return w.setRow(rowValues(header))
}

func (w *Writer) setRow(values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, w.nextRow)
	if err != nil {
		return fmt.Errorf("resolve cell: %w", err)
	}
	if err := w.file.SetSheetRow(w.sheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d of %s: %w", w.nextRow, w.sheet, err)
	}
	w.nextRow++
	w.dirty = true
	return nil
}

func rowValues(row []string) []interface{} {
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = truncateCell(v)
	}
	return values
}

func truncateCell(v string) string {
	if utf8.RuneCountInString(v) <= MaxCellLength {
		return v
	}
	runes := []rune(v)
	return string(runes[:MaxCellLength])
}

// Flush saves the workbook and uploads it when an uploader is configured.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if err := w.file.SaveAs(w.cfg.Path); err != nil {
		metrics.ObserveFlush("error")
		return fmt.Errorf("save workbook: %w", err)
	}
	w.sinceFlush = 0
	w.dirty = false
	w.flushes++
	w.logger.Debug("workbook flushed", zap.String("path", w.cfg.Path), zap.Int("rows", w.rows))

	if w.uploader == nil {
		metrics.ObserveFlush("saved")
		return nil
	}
	uri, digest, err := w.upload(ctx)
	if err != nil {
		metrics.ObserveFlush("upload_error")
		return err
	}
	metrics.ObserveFlush("uploaded")

	if w.publisher == nil {
		return nil
	}
	event := FlushEvent{
		RunID:      w.runID,
		Path:       w.cfg.Path,
		URI:        uri,
		SHA256:     digest.Sum(),
		Bytes:      digest.Size(),
		Sheet:      w.sheet,
		Partitions: w.partitions,
		Rows:       w.rows,
		FlushedAt:  w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.topic, event); err != nil {
		w.logger.Warn("failed to publish flush event", zap.String("uri", uri), zap.Error(err))
	}
	return nil
}

func (w *Writer) upload(ctx context.Context) (string, *sha256.Digest, error) {
	fh, err := os.Open(w.cfg.Path)
	if err != nil {
		return "", nil, fmt.Errorf("open workbook for upload: %w", err)
	}
	defer func() { _ = fh.Close() }()

	key := filepath.Base(w.cfg.Path)
	if w.prefix != "" {
		key = w.prefix + "/" + key
	}
	digest := sha256.New()
	uri, err := w.uploader.PutObject(ctx, key, ContentType, digest.Reader(fh))
	if err != nil {
		return "", nil, fmt.Errorf("upload workbook: %w", err)
	}
	w.logger.Info("workbook uploaded", zap.String("uri", uri), zap.String("sha256", digest.Sum()))
	return uri, digest, nil
}

// Close performs the final flush and releases the workbook. Calling it more
// than once is a no-op.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var flushErr error
	if w.dirty || w.sinceFlush > 0 {
		flushErr = w.flushLocked(ctx)
	}
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close workbook: %w", closeErr)
	}
	return nil
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Sheet: w.sheet, Partitions: w.partitions, Rows: w.rows, Flushes: w.flushes}
}
