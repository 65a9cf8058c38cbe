// Package worker processes one pending request end to end: fetch, parse,
// write records and queue follow-up requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher"
	"github.com/JakeFAU/catalog-crawler/internal/pipeline"
)

// GroupKey is the request context key whose value names the visited counter
// bumped after the request is processed. The URL host is used when absent.
const GroupKey = "group"

// Counters summarizes the pages handled by a Worker.
type Counters struct {
	PagesSucceeded int64
	PagesFailed    int64
	RecordsSeen    int64
	Discovered     int64
}

// Worker is safe for concurrent use; the dispatcher shares one across its
// goroutines.
type Worker struct {
	fetcher      crawler.Fetcher
	collaborator crawler.Collaborator
	pipeline     *pipeline.Pipeline
	writer       crawler.RecordWriter
	state        crawler.StateStore
	logger       *zap.Logger

	succeeded  atomic.Int64
	failed     atomic.Int64
	records    atomic.Int64
	discovered atomic.Int64
}

// New constructs a Worker.
func New(
	f crawler.Fetcher,
	collaborator crawler.Collaborator,
	pipe *pipeline.Pipeline,
	writer crawler.RecordWriter,
	state crawler.StateStore,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher:      f,
		collaborator: collaborator,
		pipeline:     pipe,
		writer:       writer,
		state:        state,
		logger:       logger,
	}
}

// Process handles req. Fetch and parse failures are logged and counted, and
// the crawl moves on; only errors that must stop the crawl (duplicate cycle,
// strict-mode violations, state or output failures, cancellation) are
// returned.
func (w *Worker) Process(ctx context.Context, req crawlstate.Request) error {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
		}
		w.failed.Add(1)
		if fetcher.IsCritical(err) {
			w.logger.Error("critical fetch failure", zap.String("url", req.URL), zap.Error(err))
		} else {
			w.logger.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
		}
		return nil
	}

	result, err := w.collaborator.Parse(ctx, req, resp)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("parse %s: %w", req.URL, err)
		}
		w.failed.Add(1)
		w.logger.Warn("parse failed", zap.String("url", req.URL), zap.Error(err))
		return nil
	}

	for _, raw := range result.Records {
		if _, err := w.pipeline.Process(ctx, raw, w.writer); err != nil {
			return fmt.Errorf("process record from %s: %w", req.URL, err)
		}
		w.records.Add(1)
	}

	for _, next := range result.Requests {
		added, err := w.state.Push(ctx, next)
		if err != nil {
			return fmt.Errorf("push %s: %w", next.URL, err)
		}
		if added {
			w.discovered.Add(1)
		}
	}

	if _, err := w.state.IncrementVisited(ctx, groupOf(req)); err != nil {
		return fmt.Errorf("count visit %s: %w", req.URL, err)
	}
	w.succeeded.Add(1)
	w.logger.Debug("request processed",
		zap.String("url", req.URL),
		zap.Int("records", len(result.Records)),
		zap.Int("requests", len(result.Requests)))
	return nil
}

// Counters returns a snapshot of the counters.
func (w *Worker) Counters() Counters {
	return Counters{
		PagesSucceeded: w.succeeded.Load(),
		PagesFailed:    w.failed.Load(),
		RecordsSeen:    w.records.Load(),
		Discovered:     w.discovered.Load(),
	}
}

func groupOf(req crawlstate.Request) string {
	if g := req.ContextValue(GroupKey); g != "" {
		return g
	}
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return "unknown"
}
