// Package dispatcher drives the crawl: it seeds the request stack once, then
// drains it in batches fanned out to a bounded pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 8

// SeededKey is the misc state entry marking that seeds were pushed.
const SeededKey = "seeded"

// Processor handles one request.
type Processor interface {
	Process(ctx context.Context, req crawlstate.Request) error
}

// Dispatcher fans pending requests out to a pool of goroutines.
type Dispatcher struct {
	state     crawler.StateStore
	processor Processor
	seeds     func(context.Context) ([]crawlstate.Request, error)
	workers   int
	logger    *zap.Logger
}

// New creates a Dispatcher. seeds supplies the starting requests of a fresh
// crawl.
func New(
	state crawler.StateStore,
	processor Processor,
	seeds func(context.Context) ([]crawlstate.Request, error),
	workers int,
	logger *zap.Logger,
) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		state:     state,
		processor: processor,
		seeds:     seeds,
		workers:   workers,
		logger:    logger,
	}
}

// Run blocks until the stack is empty, ctx is done or a request fails
// fatally. The state is always force-saved before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	runErr := d.run(ctx)
	if err := d.state.Save(context.WithoutCancel(ctx), true); err != nil {
		return errors.Join(runErr, fmt.Errorf("final state save: %w", err))
	}
	return runErr
}

func (d *Dispatcher) run(ctx context.Context) error {
	if err := d.seed(ctx); err != nil {
		return err
	}
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		batch, err := d.popBatch(ctx)
		if err != nil {
			d.restore(ctx, batch)
			return err
		}
		if len(batch) == 0 {
			d.logger.Info("request stack drained", zap.Int("batches", batches))
			return nil
		}
		if err := d.runBatch(ctx, batch); err != nil {
			return err
		}
		batches++
		d.logger.Debug("batch done", zap.Int("size", len(batch)), zap.Int("pending", d.state.Len()))
	}
}

// seed pushes the starting requests unless the crawl is resuming or already
// finished.
func (d *Dispatcher) seed(ctx context.Context) error {
	marker, err := d.state.Misc(ctx, SeededKey, func() any { return 0 })
	if err != nil {
		return fmt.Errorf("read seed marker: %w", err)
	}
	if marker != 0 || d.state.Len() > 0 {
		d.logger.Info("resuming crawl", zap.Int("pending", d.state.Len()))
		return nil
	}
	if d.seeds == nil {
		return fmt.Errorf("no seed source configured")
	}
	seeds, err := d.seeds(ctx)
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}
	for _, req := range seeds {
		if _, err := d.state.Push(ctx, req); err != nil {
			return fmt.Errorf("push seed %s: %w", req.URL, err)
		}
	}
	if err := d.state.SetMisc(ctx, SeededKey, 1); err != nil {
		return fmt.Errorf("mark seeded: %w", err)
	}
	d.logger.Info("seeded crawl", zap.Int("requests", len(seeds)))
	return nil
}

// popBatch pops up to d.workers requests. A request that left the stack is
// returned even when the save after it failed.
func (d *Dispatcher) popBatch(ctx context.Context) ([]crawlstate.Request, error) {
	batch := make([]crawlstate.Request, 0, d.workers)
	for len(batch) < d.workers {
		req, ok, err := d.state.Pop(ctx)
		if ok {
			batch = append(batch, req)
		}
		if err != nil {
			return batch, fmt.Errorf("pop request: %w", err)
		}
		if !ok {
			break
		}
	}
	return batch, nil
}

// runBatch processes batch concurrently. When the batch fails, requests that
// did not complete are pushed back so a resumed crawl retries them.
func (d *Dispatcher) runBatch(ctx context.Context, batch []crawlstate.Request) error {
	done := make([]bool, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, req := range batch {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			if err := d.processor.Process(gctx, req); err != nil {
				return err
			}
			done[i] = true
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	unfinished := make([]crawlstate.Request, 0, len(batch))
	for i, req := range batch {
		if !done[i] {
			unfinished = append(unfinished, req)
		}
	}
	d.restore(ctx, unfinished)
	return err
}

// restore pushes popped requests back so they come off the stack in the
// order they were popped. reqs is in pop order, so the first one goes on
// last. A failed save still leaves the request in memory for the final save.
func (d *Dispatcher) restore(ctx context.Context, reqs []crawlstate.Request) {
	restoreCtx := context.WithoutCancel(ctx)
	for i := len(reqs) - 1; i >= 0; i-- {
		if _, err := d.state.Push(restoreCtx, reqs[i]); err != nil {
			d.logger.Warn("restored request not saved", zap.String("url", reqs[i].URL), zap.Error(err))
		}
	}
}
