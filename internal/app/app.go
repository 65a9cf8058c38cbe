// Package app initializes and holds the long-lived services of a crawl run,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/dedup"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/pipeline"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-crawler/internal/record"
	"github.com/JakeFAU/catalog-crawler/internal/sites/zoro"
	"github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	"github.com/JakeFAU/catalog-crawler/internal/storage/redis"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
	"github.com/JakeFAU/catalog-crawler/internal/writer"
)

// App holds the shared services of one crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	state      *crawlstate.Store
	fetcher    *fetcher.Fetcher
	pipeline   *pipeline.Pipeline
	deduper    *dedup.Deduper
	blobs      crawler.BlobStore
	writer     *writer.Writer
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
	server     *api.Server

	closers []func() error
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunID identifies this process's run in logs and notifications.
func (a *App) RunID() string {
	return a.runID
}

// State exposes the crawl state store.
func (a *App) State() *crawlstate.Store {
	return a.state
}

// Deduper exposes the record deduplicator.
func (a *App) Deduper() *dedup.Deduper {
	return a.deduper
}

// BlobStore returns the workbook upload target, or nil when uploads are off.
func (a *App) BlobStore() crawler.BlobStore {
	return a.blobs
}

// Writer exposes the workbook writer.
func (a *App) Writer() *writer.Writer {
	return a.writer
}

// New wires every component from cfg. The caller owns the returned App and
// must call Close.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.New().RunID()
	a = &App{cfg: cfg, runID: runID, logger: logging.ForRun(logger, cfg.Crawl.Name, runID)}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()
	a.logger.Info("initializing crawl services")

	backend, closeBackend, err := NewStateBackend(ctx, cfg)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, closeBackend)

	a.state, err = crawlstate.Open(ctx, backend,
		crawlstate.WithMinInterval(cfg.State.SaveInterval()),
		crawlstate.WithSignal(crawlstate.FileSignal{Path: cfg.State.SignalFile}),
		crawlstate.WithLogger(a.logger.Named("state")),
	)
	if err != nil {
		return a, fmt.Errorf("open crawl state: %w", err)
	}

	if a.fetcher, err = a.buildFetcher(); err != nil {
		return a, err
	}

	site, err := zoro.New(cfg.Crawl.BaseURL, a.logger.Named("zoro"))
	if err != nil {
		return a, fmt.Errorf("build site collaborator: %w", err)
	}
	if len(cfg.Crawl.Seeds) > 0 {
		site.StartAtCategories(cfg.Crawl.Seeds...)
	}

	a.pipeline, err = pipeline.New(site.Name(), site.Fields(),
		pipeline.Strict(cfg.Crawl.Strict),
		pipeline.WithStatsInterval(cfg.Crawl.StatsInterval),
		pipeline.WithExpectedTotal(cfg.Crawl.ExpectedTotal),
		pipeline.WithLogger(a.logger.Named("pipeline")),
	)
	if err != nil {
		return a, fmt.Errorf("build pipeline: %w", err)
	}

	if a.deduper, err = a.buildDeduper(); err != nil {
		return a, err
	}

	if a.writer, err = a.buildWriter(ctx, a.deduper); err != nil {
		return a, err
	}
	a.closers = append(a.closers, func() error {
		return a.writer.Close(context.WithoutCancel(ctx))
	})

	a.worker = worker.New(a.fetcher, site, a.pipeline, a.writer, a.state, a.logger.Named("worker"))
	a.dispatcher = dispatcher.New(a.state, a.worker, site.Seeds, cfg.Crawl.Workers, a.logger.Named("dispatcher"))

	if cfg.Server.Enabled {
		a.server, err = api.NewServer(a.state, a.logger.Named("api"),
			api.WithWriter(a.writer),
			api.WithRunID(runID),
		)
		if err != nil {
			return a, fmt.Errorf("build admin server: %w", err)
		}
	}

	a.logger.Info("crawl services initialized",
		zap.String("state_backend", cfg.State.Backend),
		zap.String("upload_backend", cfg.Upload.Backend),
		zap.Int("workers", cfg.Crawl.Workers),
		zap.Int("pending", a.state.Len()),
	)
	return a, nil
}

// NewStateBackend opens the configured crawl state backend and returns its
// closer.
func NewStateBackend(ctx context.Context, cfg config.Config) (crawlstate.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.State.Backend {
	case config.StateBackendFile:
		b, err := crawlstate.NewFileBackend(cfg.State.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("file state backend: %w", err)
		}
		return b, noop, nil
	case config.StateBackendPostgres:
		s, err := postgres.NewStateStore(ctx, postgres.StateStoreConfig{
			DSN:      cfg.Database.DSN,
			Table:    cfg.Database.Table,
			Crawl:    cfg.Crawl.Name,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres state backend: %w", err)
		}
		return s, func() error { s.Close(); return nil }, nil
	case config.StateBackendRedis:
		rcfg := redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Crawl:    cfg.Crawl.Name,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		}
		client, err := redis.NewClient(rcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("redis state backend: %w", err)
		}
		s, err := redis.New(client, rcfg)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis state backend: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend: %s", cfg.State.Backend)
	}
}

func (a *App) buildFetcher() (*fetcher.Fetcher, error) {
	fc := a.cfg.Fetch
	egress, err := fetcher.NewEgress(a.cfg.Proxy.URLs,
		fetcher.WithIPEchoURL(a.cfg.Proxy.IPEchoURL),
		fetcher.WithEgressLogger(a.logger.Named("egress")),
	)
	if err != nil {
		return nil, fmt.Errorf("build egress: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: fc.RatePerSecond,
		Burst:             fc.RateBurst,
	})
	f, err := fetcher.New(fetcher.Config{
		Timeout:      fc.Timeout(),
		MaxAttempts:  fc.MaxAttempts,
		MaxRedirects: fc.MaxRedirects,
		Backoff: fetcher.Backoff{
			Start:     fc.BackoffStart(),
			Increment: fc.BackoffIncrement(),
			Max:       fc.BackoffMax(),
		},
		DontRetryMin:         fc.DontRetryMin,
		DontRetryMax:         fc.DontRetryMax,
		DontRetryExceptions:  fc.DontRetryExceptions,
		UserAgent:            fc.UserAgent,
		CloudflareBypass:     fc.CloudflareBypass,
		RotationRetries:      a.cfg.Proxy.RotationRetries,
		IPRotationMaxRetries: a.cfg.Proxy.IPRotationMaxRetries,
	}, egress,
		fetcher.WithPacer(limiter),
		fetcher.WithLogger(a.logger.Named("fetcher")),
	)
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	return f, nil
}

func (a *App) buildDeduper() (*dedup.Deduper, error) {
	dc := a.cfg.Dedup
	identity := a.pipeline.Identity()
	if len(dc.IdentityFields) > 0 {
		identity = record.NewIdentity(dc.IdentityFields...)
	}
	if len(identity.Fields()) == 0 {
		return nil, fmt.Errorf("record identity has no fields")
	}
	identity = identity.
		FailOnEmptyField(dc.FailOnEmptyField).
		FailOnEmptyID(dc.FailOnEmptyID).
		WithLogger(a.logger.Named("identity"))
	for field, digits := range dc.Truncate {
		identity = identity.WithTruncate(field, digits)
	}
	deduper, err := dedup.New(identity, a.state,
		dedup.WithFailureFactor(dc.FailureFactor),
		dedup.WithStreakMinimum(dc.StreakMinimum),
		dedup.WithLogger(a.logger.Named("dedup")),
	)
	if err != nil {
		return nil, fmt.Errorf("build deduper: %w", err)
	}

	a.logger.Info("deduplicating records", zap.String("identity", deduper.Identity().String()))

	existing, err := writer.ReadExisting(a.cfg.Writer.Path, a.pipeline.Schema())
	if err != nil {
		return nil, fmt.Errorf("read existing output: %w", err)
	}
	if err := deduper.Seed(existing); err != nil {
		return nil, fmt.Errorf("seed deduper: %w", err)
	}
	if len(existing) > 0 {
		a.logger.Info("deduper seeded from existing output",
			zap.String("path", a.cfg.Writer.Path),
			zap.Int("records", len(existing)),
			zap.Int("unique", deduper.Unique()),
		)
	}
	return deduper, nil
}

func (a *App) buildWriter(ctx context.Context, deduper *dedup.Deduper) (*writer.Writer, error) {
	opts := []writer.Option{
		writer.WithRunID(a.runID),
		writer.WithLogger(a.logger.Named("writer")),
	}
	uploader, err := a.buildUploader(ctx)
	if err != nil {
		return nil, err
	}
	a.blobs = uploader
	if uploader != nil {
		opts = append(opts, writer.WithUploader(uploader, path.Join(a.cfg.Upload.Prefix, a.cfg.Crawl.Name)))
	}
	if a.cfg.PubSub.Topic != "" {
		client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubsub.New(client, map[string]string{"crawl": a.cfg.Crawl.Name, "run_id": a.runID})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, writer.WithPublisher(pub, a.cfg.PubSub.Topic))
	}

	w, err := writer.New(ctx, writer.Config{
		Path:         a.cfg.Writer.Path,
		Schema:       a.pipeline.Schema(),
		FlushEvery:   a.cfg.Writer.FlushEvery,
		PartitionCap: a.cfg.Writer.PartitionCap,
	}, deduper, opts...)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	return w, nil
}

func (a *App) buildUploader(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Upload.Backend {
	case config.UploadBackendNone, "":
		return nil, nil
	case config.UploadBackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Upload.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local uploader: %w", err)
		}
		return store, nil
	case config.UploadBackendMemory:
		return memory.NewBlobStore(), nil
	case config.UploadBackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Upload.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs uploader: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown upload backend: %s", a.cfg.Upload.Backend)
	}
}

// Run drives the crawl to completion, serving the admin API alongside when
// enabled, then flushes the workbook.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if a.server != nil {
		g.Go(func() error {
			return a.server.ListenAndServe(gctx, a.cfg.Server.Addr())
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.dispatcher.Run(gctx)
	})
	runErr := g.Wait()

	if err := a.writer.Close(context.WithoutCancel(ctx)); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close writer: %w", err))
	}
	a.pipeline.LogStats()
	counters := a.worker.Counters()
	stats := a.writer.Stats()
	a.logger.Info("crawl finished",
		zap.Int64("pages_succeeded", counters.PagesSucceeded),
		zap.Int64("pages_failed", counters.PagesFailed),
		zap.Int64("records_seen", counters.RecordsSeen),
		zap.Int64("requests_discovered", counters.Discovered),
		zap.Int("rows_written", stats.Rows),
		zap.Int("partitions", stats.Partitions),
		zap.Int("pending", a.state.Len()),
		zap.Error(runErr),
	)
	return runErr
}

// Close releases every service in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
