// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rewrite-core/internal/api"
	"github.com/JakeFAU/rewrite-core/internal/cache"
	"github.com/JakeFAU/rewrite-core/internal/clock/system"
	"github.com/JakeFAU/rewrite-core/internal/config"
	"github.com/JakeFAU/rewrite-core/internal/fetcher"
	collyfetcher "github.com/JakeFAU/rewrite-core/internal/fetcher/colly"
	"github.com/JakeFAU/rewrite-core/internal/filters"
	"github.com/JakeFAU/rewrite-core/internal/hash"
	"github.com/JakeFAU/rewrite-core/internal/hash/sha256"
	"github.com/JakeFAU/rewrite-core/internal/hash/xxhash"
	"github.com/JakeFAU/rewrite-core/internal/lock"
	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/metacache"
	"github.com/JakeFAU/rewrite-core/internal/metrics"
	"github.com/JakeFAU/rewrite-core/internal/policy/ratelimit"
	"github.com/JakeFAU/rewrite-core/internal/popularity"
	"github.com/JakeFAU/rewrite-core/internal/progress"
	progresssinks "github.com/JakeFAU/rewrite-core/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/rewrite-core/internal/publisher/pubsub"
	"github.com/JakeFAU/rewrite-core/internal/rewrite"
	"github.com/JakeFAU/rewrite-core/internal/scheduler"
	"github.com/JakeFAU/rewrite-core/internal/stats"
	pgstore "github.com/JakeFAU/rewrite-core/internal/storage/postgres"
	"github.com/JakeFAU/rewrite-core/internal/store"
	"github.com/JakeFAU/rewrite-core/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	stats  *stats.Statistics

	sched         *scheduler.Scheduler
	stopScheduler context.CancelFunc
	schedDone     chan struct{}
	locks         lock.Manager

	rewritePool     *worker.Pool
	fetchPool       *worker.Pool
	lowPriorityPool *worker.Pool

	stores   []cache.Store
	rewrites *rewrite.ServerContext

	apiServer       *api.Server
	progressHub     *progress.Hub
	eventStore      *pgstore.EventStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	type SanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		CacheBackend string `json:"cache_backend"`
		LockBackend  string `json:"lock_backend"`
	}
	logger.Info("Creating application", zap.Any("config", SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		CacheBackend: cfg.Cache.Backend,
		LockBackend:  cfg.Lock.Backend,
	}))
	return &App{
		cfg:    cfg,
		logger: logger,
		stats:  stats.New(),
	}, nil
}

// Handler exposes the HTTP handler, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until the context is canceled or a signal arrives, then
// drains in-flight rewrites and closes every dependency.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.apiServer.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close waits for in-flight rewrites, then shuts down workers, the
// scheduler and every backend.
func (a *App) Close(ctx context.Context) error {
	if a.rewrites != nil {
		if err := a.rewrites.Wait(ctx); err != nil {
			a.logger.Warn("rewrites still running at shutdown", zap.Error(err))
		}
	}
	for _, p := range []*worker.Pool{a.rewritePool, a.fetchPool, a.lowPriorityPool} {
		if p != nil {
			p.Shutdown()
		}
	}
	if a.locks != nil {
		a.locks.Close()
	}
	if a.stopScheduler != nil {
		a.stopScheduler()
		<-a.schedDone
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	for _, s := range a.stores {
		if err := s.Close(); err != nil {
			a.logger.Warn("cache store close failed", zap.String("backend", s.Name()), zap.Error(err))
		}
	}
	if a.eventStore != nil {
		a.eventStore.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		if closeErr := app.Close(ctx); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	a.logger.Info("building application dependencies")
	if err := setupMetrics(a); err != nil {
		return err
	}

	timer := system.New()
	a.sched = scheduler.New(timer)
	schedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopScheduler = cancel
	a.schedDone = make(chan struct{})
	go func() {
		defer close(a.schedDone)
		a.sched.Run(schedCtx)
	}()

	threads := scheduler.NewGoroutineSystem()
	a.rewritePool = worker.NewPool("rewrite", cfg.Workers.Rewrite, threads, logger)
	a.fetchPool = worker.NewPool("fetch", cfg.Workers.Fetch, threads, logger)
	a.lowPriorityPool = worker.NewPool("low_priority", cfg.Workers.LowPriority, threads, logger)

	var err error
	if a.locks, err = setupLocks(a); err != nil {
		return err
	}

	metaStore, outStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.stores = append(a.stores, metaStore, outStore)
	metaCache, outCache := adaptStores(cfg, metaStore, outStore, a.lowPriorityPool, logger)

	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	var repo store.EventRepository
	if a.eventStore != nil {
		repo = a.eventStore
	}

	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	if err := setupProgress(ctx, a, repo, publisher); err != nil {
		return err
	}

	meta := metacache.New(metaCache, a.locks, timer, a.stats, metacache.Config{
		DeadlineMs: cfg.Rewrite.LockDeadlineMs,
		WaitMs:     cfg.Rewrite.WaitMs,
	}, logger)
	contest, err := popularity.New(a.stats, cfg.Rewrite.MaxRewrites, cfg.Rewrite.MaxQueue, logger)
	if err != nil {
		return fmt.Errorf("popularity contest init failed: %w", err)
	}

	deps := rewrite.Deps{
		Meta:    meta,
		Outputs: outCache,
		Contest: contest,
		Fetcher: setupFetcher(a),
		Hasher:  newHasher(cfg.Rewrite),
		Timer:   timer,
		Rewrite: a.rewritePool,
		Fetch:   a.fetchPool,
	}
	if a.progressHub != nil {
		deps.Progress = a.progressHub
	}
	a.rewrites, err = rewrite.NewServerContext(deps, rewrite.Options{
		URLPrefix:          cfg.URLPrefix(),
		ImplicitCacheTTLMs: cfg.Rewrite.ImplicitCacheTTLMs,
		DeadlineMs:         cfg.Rewrite.DeadlineMs,
		FetchTimeout:       cfg.Rewrite.FetchTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("rewrite init failed: %w", err)
	}
	for _, id := range cfg.Rewrite.Filters {
		f, err := filters.New(id, filters.Options{MaxCombinedBytes: cfg.Rewrite.MaxCombinedBytes})
		if err != nil {
			return fmt.Errorf("filter init failed: %w", err)
		}
		a.rewrites.RegisterFilter(f)
	}
	a.logger.Info("filters registered", zap.Strings("filters", a.rewrites.Filters()))

	a.apiServer = api.NewServer(a.rewrites, a.stats, repo, *cfg, logger)
	return nil
}

func setupMetrics(app *App) error {
	if !app.cfg.Metrics.Enabled {
		return nil
	}
	metrics.Init()
	if err := metrics.RegisterStatistics(prometheus.DefaultRegisterer, app.cfg.Metrics.Namespace, app.stats); err != nil {
		return fmt.Errorf("statistics registration failed: %w", err)
	}
	return nil
}

func setupLocks(app *App) (lock.Manager, error) {
	switch app.cfg.Lock.Backend {
	case "file":
		app.logger.Info("using file lock manager", zap.String("dir", app.cfg.Lock.Dir))
		m, err := lock.NewFileManager(app.cfg.Lock.Dir, app.sched, app.cfg.Lock.PollMs, app.logger)
		if err != nil {
			return nil, fmt.Errorf("file lock manager init failed: %w", err)
		}
		return m, nil
	default:
		app.logger.Info("using in-process lock manager")
		return lock.NewThreadSafeManager(app.sched), nil
	}
}

func setupFetcher(app *App) fetcher.Fetcher {
	fc := app.cfg.Fetcher
	origin := collyfetcher.New(collyfetcher.Config{
		UserAgent:   fc.UserAgent,
		Timeout:     app.cfg.Rewrite.FetchTimeout,
		MaxBodySize: fc.MaxBodySize,
	})
	var limiter *ratelimit.Limiter
	if fc.RatePerHost > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   fc.RatePerHost,
			DefaultBurst: fc.Burst,
		})
		app.logger.Info("origin rate limiter enabled",
			zap.Float64("rate_per_host", fc.RatePerHost),
			zap.Int("burst", fc.Burst),
		)
	}
	policy := fetcher.DefaultRetryPolicy()
	policy.MaxAttempts = fc.MaxAttempts
	var next fetcher.Fetcher = fetcher.NewRetrying(origin, policy)
	if len(fc.AllowedDomains) > 0 || len(fc.BlockedDomains) > 0 {
		next = fetcher.NewDomainGuard(next, fc.AllowedDomains, fc.BlockedDomains)
		app.logger.Info("input domain policy enabled",
			zap.Strings("allowed", fc.AllowedDomains),
			zap.Strings("blocked", fc.BlockedDomains),
		)
	}
	return fetcher.NewCoalescing(next, limiter)
}

func newHasher(cfg config.RewriteConfig) hash.Hasher {
	if cfg.Hasher == "xxhash" {
		return xxhash.New()
	}
	return sha256.NewTruncated(cfg.HashLength)
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping event store initialization")
		return nil
	}
	var err error
	app.eventStore, err = pgstore.NewEventStore(ctx, app.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("event store init failed: %w", err)
	}
	if app.cfg.Database.EnsureSchema {
		if err := app.eventStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("event store schema failed: %w", err)
		}
	}
	app.logger.Info("event store initialized")
	return nil
}

func setupPublisher(ctx context.Context, app *App) (progresssinks.Publisher, error) {
	ps := app.cfg.Progress.PubSub
	if !app.cfg.Progress.Enabled || ps.TopicName == "" {
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher, err = gcppublisher.Open(ctx, app.pubsubClient, ps.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub topic init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	repo store.EventRepository,
	publisher progresssinks.Publisher,
) error {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if repo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(repo, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Metrics.Enabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPubSubSink(publisher, app.logger.Named("progress_pubsub")))
		app.logger.Debug("Added progress pubsub sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}
