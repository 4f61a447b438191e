// Package server builds the collector from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/adapter"
	"github.com/adrianolucasdepaula/invest-sub002/internal/api"
	"github.com/adrianolucasdepaula/invest-sub002/internal/clock/system"
	"github.com/adrianolucasdepaula/invest-sub002/internal/config"
	"github.com/adrianolucasdepaula/invest-sub002/internal/cotahist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/dispatcher"
	collyfetcher "github.com/adrianolucasdepaula/invest-sub002/internal/fetcher/colly"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fetcher/headless"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
	"github.com/adrianolucasdepaula/invest-sub002/internal/hash/sha256"
	"github.com/adrianolucasdepaula/invest-sub002/internal/headless/detector"
	"github.com/adrianolucasdepaula/invest-sub002/internal/id/uuid"
	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/persist"
	persistmem "github.com/adrianolucasdepaula/invest-sub002/internal/persist/memory"
	pgstore "github.com/adrianolucasdepaula/invest-sub002/internal/persist/postgres"
	"github.com/adrianolucasdepaula/invest-sub002/internal/policy/ratelimit"
	memorypublisher "github.com/adrianolucasdepaula/invest-sub002/internal/publisher/memory"
	gcppublisher "github.com/adrianolucasdepaula/invest-sub002/internal/publisher/pubsub"
	redispub "github.com/adrianolucasdepaula/invest-sub002/internal/publisher/redis"
	queuemem "github.com/adrianolucasdepaula/invest-sub002/internal/queue/memory"
	redisqueue "github.com/adrianolucasdepaula/invest-sub002/internal/queue/redis"
	"github.com/adrianolucasdepaula/invest-sub002/internal/resource"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scheduler"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
	"github.com/adrianolucasdepaula/invest-sub002/internal/session"
	"github.com/adrianolucasdepaula/invest-sub002/internal/sites"
	gcsstorage "github.com/adrianolucasdepaula/invest-sub002/internal/storage/gcs"
	localstorage "github.com/adrianolucasdepaula/invest-sub002/internal/storage/local"
	memorystorage "github.com/adrianolucasdepaula/invest-sub002/internal/storage/memory"
	"github.com/adrianolucasdepaula/invest-sub002/internal/worker"
)

// archiveBodyLimit is the default cap on one COTAHIST download. Full-year
// archives run to a few hundred megabytes.
const archiveBodyLimit = 512 << 20

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock  *system.Clock
	ids    *uuid.Generator
	hasher *sha256.Hasher

	queue     scrape.Queue
	store     persist.Store
	blobs     cotahist.ArchiveStore
	publisher scrape.Publisher
	sessions  *session.Store
	monitor   *resource.Monitor
	registry  *adapter.Registry
	fusion    *fusion.Engine

	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	redis        *redis.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	gcs          *gcsstorage.BlobStore
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app = &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		hasher: sha256.New(),
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Worker.Count),
		zap.Bool("redis_queue", cfg.Queue.RedisAddr != ""),
		zap.Bool("postgres_store", cfg.Store.DSN != ""),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	steps := []func(context.Context) error{
		app.setupQueue,
		app.setupStore,
		app.setupStorage,
		app.setupPublisher,
		app.setupSessions,
		app.setupMonitor,
		app.setupAdapters,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}

	app.fusion = fusion.NewEngine(cfg.Fusion, nil,
		fusion.WithWriter(app.store),
		fusion.WithPublisher(app.publisher),
		fusion.WithClock(app.clock),
		fusion.WithLogger(logger),
	)
	app.dispatch = dispatcher.New(app.queue, app.workers(), app.registry, app.ids, app.clock,
		dispatcher.Config{MaxAttempts: cfg.Worker.MaxAttempts}, logger)

	if err := app.setupScheduler(); err != nil {
		return nil, err
	}

	ready := map[string]api.Pinger{"store": app.store}
	if q, ok := app.queue.(api.Pinger); ok {
		ready["queue"] = q
	}
	app.apiServer = api.NewServer(api.Deps{
		Jobs:     app.dispatch,
		Adapters: app.registry,
		Sessions: app.sessions,
		Assets:   app.store,
		Ready:    ready,
	}, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger)

	return app, nil
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Submit enqueues a job without going through HTTP.
func (a *App) Submit(ctx context.Context, req dispatcher.SubmitRequest) (dispatcher.Submission, error) {
	return a.dispatch.Submit(ctx, req)
}

// Run starts the workers, the scheduler and the HTTP server, and blocks until
// ctx is cancelled. Running jobs finish or requeue before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

	if err := a.scheduler.Start(ctx); err != nil {
		stop()
		<-dispatchDone
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Stop()
	<-dispatchDone

	return a.Close(shutdownCtx)
}

// Close releases adapters and infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close(ctx))
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.gcpPublisher != nil {
		if err := a.gcpPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Queue.RedisAddr == "" {
		a.logger.Warn("no queue.redis_addr configured, using in-memory queue")
		a.queue = queuemem.NewQueue()
		return nil
	}
	client, err := redisqueue.Connect(ctx, redisqueue.ClientConfig{
		Addr:     a.cfg.Queue.RedisAddr,
		Password: a.cfg.Queue.RedisPassword,
		DB:       a.cfg.Queue.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.redis = client
	a.queue = redisqueue.New(client, redisqueue.Options{
		Prefix:    a.cfg.Queue.Prefix,
		Retention: time.Duration(a.cfg.Queue.RetentionHours) * time.Hour,
		Now:       a.clock.Now,
	})
	a.logger.Info("redis queue initialized", zap.String("addr", a.cfg.Queue.RedisAddr))
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Store.DSN == "" {
		a.logger.Warn("no store.dsn configured, using in-memory canonical store")
		a.store = persistmem.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.Store.DSN,
		Schema:   a.cfg.Store.Schema,
		MaxConns: a.cfg.Store.MaxConns,
		MinConns: a.cfg.Store.MinConns,
		Migrate:  a.cfg.Store.Migrate,
	})
	if err != nil {
		return fmt.Errorf("canonical store init failed: %w", err)
	}
	a.store = store
	a.logger.Info("postgres canonical store initialized", zap.String("schema", a.cfg.Store.Schema))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		blobs, err := gcsstorage.Connect(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = blobs
		a.blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.PubSub.Backend {
	case "gcp":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.gcpPublisher = gcppublisher.New(client, a.cfg.PubSub.Topics)
		a.publisher = a.gcpPublisher
		a.logger.Info("Pub/Sub publisher initialized", zap.String("project", a.cfg.PubSub.ProjectID))
	case "redis":
		if a.redis == nil {
			return errors.New("redis publisher requires the redis queue")
		}
		a.publisher = redispub.New(a.redis)
		a.logger.Info("redis publisher initialized")
	default:
		a.logger.Warn("no Pub/Sub backend configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
	}
	return nil
}

func (a *App) setupSessions(context.Context) error {
	store, err := session.NewStore(session.Config{
		Dir:              a.cfg.Session.Dir,
		MaxAgeDays:       a.cfg.Session.MaxAgeDays,
		WarnAgeDays:      a.cfg.Session.WarnAgeDays,
		FederatedDomains: a.cfg.Session.FederatedDomains,
	}, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("session store init failed: %w", err)
	}
	a.sessions = store
	return nil
}

func (a *App) setupMonitor(context.Context) error {
	sampler, err := resource.NewProcSampler()
	if err != nil {
		// Without procfs the gate stays open.
		a.logger.Warn("resource sampler unavailable, backpressure disabled", zap.Error(err))
		return nil
	}
	a.monitor = resource.NewMonitor(sampler, resource.Config{
		MemThresholdPct: a.cfg.Resource.MemThresholdPct,
		CPUThresholdPct: a.cfg.Resource.CPUThresholdPct,
		PollInterval:    time.Duration(a.cfg.Resource.PollSeconds) * time.Second,
	}, a.logger)
	return nil
}

// setupAdapters registers every built-in source. HTTP tables share one
// rate-limited colly fetcher; browser tables get a Browser per instance.
func (a *App) setupAdapters(context.Context) error {
	a.registry = adapter.NewRegistry(a.logger)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		PerHostRPS:   a.cfg.RateLimit.PerHostRPS,
	})
	pages := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.RequestTimeout(),
		MaxBodySize: a.cfg.HTTP.MaxBodyMB << 20,
	}, limiter)
	shell := detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)

	browser := func() scrape.Fetcher {
		if !a.cfg.Headless.Enabled {
			return headless.Unavailable{}
		}
		return headless.New(headless.Config{
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       time.Duration(a.cfg.Headless.SettleMs) * time.Millisecond,
			ExecPath:          a.cfg.Headless.ExecPath,
		})
	}

	for _, table := range sites.Tables() {
		opts := []sites.Option{sites.WithSessions(a.sessions), sites.WithLogger(a.logger)}
		instances := a.cfg.Worker.Count
		if table.Family == scrape.FamilyBrowser {
			instances = a.cfg.Worker.BrowserInstances
		}
		factory := func() (scrape.Adapter, error) {
			if table.Family == scrape.FamilyBrowser {
				return sites.NewPageAdapter(table, browser(), opts...), nil
			}
			if a.cfg.Headless.Enabled {
				return sites.NewPageAdapter(table, pages, append(opts, sites.WithPromotion(browser(), shell))...), nil
			}
			return sites.NewPageAdapter(table, pages, opts...), nil
		}
		if err := a.registry.Register(table.Descriptor(), factory, instances); err != nil {
			return fmt.Errorf("register %s: %w", table.Source, err)
		}
	}

	if a.cfg.Quotes.Enabled {
		quotes := sites.NewQuoteAPI(sites.QuoteAPIConfig{
			BaseURL: a.cfg.Quotes.BaseURL,
			Token:   a.cfg.Quotes.Token,
			Timeout: a.cfg.RequestTimeout(),
		}, pages)
		if err := a.registry.Register(quotes.Descriptor(), func() (scrape.Adapter, error) { return quotes, nil }, 1); err != nil {
			return fmt.Errorf("register quotes: %w", err)
		}
	}

	archiveLimit := archiveBodyLimit
	if a.cfg.Cotahist.MaxArchiveMB > 0 {
		archiveLimit = a.cfg.Cotahist.MaxArchiveMB << 20
	}
	archives := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     time.Duration(a.cfg.Cotahist.TimeoutSeconds) * time.Second,
		MaxBodySize: archiveLimit,
	}, limiter)
	downloader := cotahist.NewDownloader(cotahist.DownloaderConfig{
		BaseURL: a.cfg.Cotahist.BaseURL,
		Timeout: time.Duration(a.cfg.Cotahist.TimeoutSeconds) * time.Second,
		Keep:    a.cfg.Cotahist.KeepArchives,
	}, archives, a.blobs, a.clock, a.logger).WithHasher(a.hasher)
	history := cotahist.NewAdapter(downloader, a.store, a.clock, a.logger,
		cotahist.WithProductCodes(a.cfg.Cotahist.Products...))
	if err := a.registry.Register(history.Descriptor(), func() (scrape.Adapter, error) { return history, nil }, 1); err != nil {
		return fmt.Errorf("register cotahist: %w", err)
	}

	a.logger.Info("adapters registered", zap.Int("sources", len(a.registry.Descriptors())))
	return nil
}

func (a *App) workers() []dispatcher.Runner {
	var gate worker.Gate
	if a.monitor != nil {
		gate = a.monitor
	}
	out := make([]dispatcher.Runner, 0, a.cfg.Worker.Count)
	for i := range a.cfg.Worker.Count {
		out = append(out, worker.New(worker.Config{
			ID:                  i,
			BackpressureTimeout: time.Duration(a.cfg.Worker.BackpressureTimeoutSeconds) * time.Second,
			IdleSleep:           time.Duration(a.cfg.Worker.IdleSleepMs) * time.Millisecond,
			CancelPoll:          time.Duration(a.cfg.Worker.CancelPollMs) * time.Millisecond,
			Retry:               a.cfg.RetryPolicy(),
			DiagnosticsPrefix:   a.cfg.Storage.DiagnosticsPrefix,
		}, worker.Deps{
			Queue:     a.queue,
			Adapters:  a.registry,
			Gate:      gate,
			Fusion:    a.fusion,
			Publisher: a.publisher,
			Blobs:     a.blobs,
			Hasher:    a.hasher,
			Clock:     a.clock,
			Sessions:  a.sessions,
		}, a.logger))
	}
	return out
}

func (a *App) setupScheduler() error {
	a.scheduler = scheduler.New(a.dispatch, a.sessions, scheduler.Config{
		Universe:     a.cfg.Universe,
		Location:     a.cfg.Location(),
		SessionSweep: a.cfg.Session.SweepCron,
	}, a.logger)
	for _, sched := range a.cfg.Schedules {
		if err := a.scheduler.Add(sched); err != nil {
			return fmt.Errorf("schedule %s: %w", sched.Name, err)
		}
	}
	return nil
}
