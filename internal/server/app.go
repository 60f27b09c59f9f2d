// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/api"
	"github.com/JakeFAU/lens-scraper/internal/browser"
	"github.com/JakeFAU/lens-scraper/internal/cache"
	"github.com/JakeFAU/lens-scraper/internal/clock/system"
	"github.com/JakeFAU/lens-scraper/internal/config"
	"github.com/JakeFAU/lens-scraper/internal/hash/sha256"
	"github.com/JakeFAU/lens-scraper/internal/id/uuid"
	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/logging"
	"github.com/JakeFAU/lens-scraper/internal/pipeline"
	"github.com/JakeFAU/lens-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/lens-scraper/internal/probe"
	"github.com/JakeFAU/lens-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/lens-scraper/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/lens-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/lens-scraper/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/lens-scraper/internal/queue/memory"
	"github.com/JakeFAU/lens-scraper/internal/scheduler"
	gcsstorage "github.com/JakeFAU/lens-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/lens-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/lens-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/lens-scraper/internal/storage/postgres"
	"github.com/JakeFAU/lens-scraper/internal/sysinfo"
	"github.com/JakeFAU/lens-scraper/internal/telemetry"
)

// ErrPoolFatal is returned by Run when browsers can no longer be launched.
var ErrPoolFatal = errors.New("browser pool cannot launch contexts")

const (
	defaultTopic       = "lens-completions"
	fatalCheckInterval = time.Second
	shutdownTimeout    = 30 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool        *browser.Pool
	scheduler   *scheduler.Scheduler
	queue       *queuememory.Queue
	apiServer   *api.Server
	progressHub *progress.Hub
	publisher   *gcppublisher.Publisher
	storage     *storage.Client
	pgPool      *pgxpool.Pool

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, zap.String("service", cfg.Telemetry.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("pool_size", cfg.Pool.MaxConcurrency),
		zap.Int("workers", cfg.WorkerCount()),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()

	launcher := browser.NewChromeLauncher(browser.ChromeConfig{
		ExecPath:  a.cfg.Pool.ChromePath,
		Headless:  a.cfg.Pool.Headless,
		UserAgent: a.cfg.Pool.UserAgent,
	}, a.logger.Named("chrome"))
	guard := sysinfo.NewMemoryGuard(a.cfg.Pool.MemoryMaxPercent, a.logger.Named("memory_guard"))
	pool, err := browser.NewPool(launcher, browser.Config{
		MaxConcurrency:    a.cfg.Pool.MaxConcurrency,
		MaxAge:            a.cfg.Pool.MaxAge,
		MaxJobs:           a.cfg.Pool.MaxJobs,
		MaxNavFailures:    a.cfg.Pool.MaxNavFailures,
		MaxLaunchFailures: a.cfg.Pool.MaxLaunchFailures,
	}, guard, a.logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	a.pool = pool

	var pacer lens.Pacer
	if a.cfg.RateLimit.Enabled {
		pacer = ratelimit.New(ratelimit.Config{RPS: a.cfg.RateLimit.RPS, Burst: a.cfg.RateLimit.Burst})
		a.logger.Info("navigation pacing enabled",
			zap.Float64("rps", a.cfg.RateLimit.RPS),
			zap.Int("burst", a.cfg.RateLimit.Burst),
		)
	}
	executor := pipeline.New(pipeline.Config{
		AttemptTimeout: a.cfg.Scrape.JobTimeout,
	}, pacer, clock, a.logger.Named("pipeline"))

	jobs, events, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(events)
	if err != nil {
		return err
	}

	a.queue = queuememory.NewQueue(a.cfg.Scrape.QueueDepth)
	deps := scheduler.Deps{
		Pool:      pool,
		Executor:  executor,
		Queue:     a.queue,
		Jobs:      jobs,
		Flights:   cache.NewFlights(),
		Retry:     lens.NewRetryPolicy(a.cfg.RetryPolicy()),
		Hasher:    sha256.New(),
		IDs:       uuid.New(),
		Clock:     clock,
		Sleeper:   clock,
		Blobs:     blobs,
		Publisher: publisher,
		Progress:  emitter,
		Logger:    a.logger,
	}
	if a.cfg.Cache.Enabled {
		deps.Cache = cache.New(clock)
	}
	if a.cfg.Probe.Enabled {
		deps.Prober = probe.New(probe.Config{
			UserAgent: a.cfg.Pool.UserAgent,
			Timeout:   a.cfg.Probe.Timeout,
			MaxBytes:  a.cfg.Probe.MaxBytes,
		})
	}
	a.scheduler, err = scheduler.New(scheduler.Config{
		Workers:        a.cfg.WorkerCount(),
		AcquireTimeout: a.cfg.Pool.AcquireTimeout,
		ProbeTimeout:   a.cfg.Pool.ProbeTimeout,
		MaxNavFailures: a.cfg.Pool.MaxNavFailures,
		JobDeadline:    a.cfg.Scrape.JobDeadline,
		CacheTTL:       a.cfg.Cache.TTL,
		Retention:      a.cfg.Scrape.Retention,
		SnapshotPrefix: a.cfg.Storage.Prefix,
		Topic:          topic,
	}, deps)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(api.Options{
		Scraper:        a.scheduler,
		Pool:           pool,
		Logger:         a.logger,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		ProbeTimeout:   a.cfg.Pool.ProbeTimeout,
		SearchTimeout:  a.cfg.Scrape.JobDeadline,
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
	})
	return nil
}

// Run serves HTTP and runs the scheduler until ctx ends, a termination
// signal arrives, or the browser pool turns fatal.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedCtx, cancelScheduler := context.WithCancel(context.WithoutCancel(ctx))
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.logger.Info("scheduler started", zap.Int("workers", a.cfg.WorkerCount()))
		a.scheduler.Run(schedCtx)
	}()

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

	runErr := a.watchPool(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.stopScheduler(shutdownCtx, cancelScheduler, schedDone)

	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return runErr
}

// stopScheduler lets running jobs finish within ctx, fails queued ones, and
// then stops the workers. Pool draining happens afterwards in Close.
func (a *App) stopScheduler(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) {
	if err := a.scheduler.Shutdown(ctx); err != nil {
		a.logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	cancel()
	<-done
}

// watchPool blocks until ctx ends and reports ErrPoolFatal if the pool gave
// up launching browsers first.
func (a *App) watchPool(ctx context.Context) error {
	ticker := time.NewTicker(fatalCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.pool.Fatal() {
				a.logger.Error("browser pool is fatal; exiting")
				return ErrPoolFatal
			}
		}
	}
}

// Scrape runs one job to completion without serving HTTP.
func (a *App) Scrape(ctx context.Context, req lens.Request) (lens.Job, error) {
	runCtx, stopScheduler := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.scheduler.Run(runCtx)
	}()
	defer func() {
		stopScheduler()
		<-done
	}()

	job, err := a.scheduler.Submit(ctx, req)
	if err != nil {
		return lens.Job{}, err
	}
	job, err = a.scheduler.Wait(ctx, job.ID)
	if err != nil {
		return job, err
	}
	if a.pool.Fatal() {
		return job, ErrPoolFatal
	}
	return job, nil
}

// Close drains the browser pool and releases every client.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var drainErr error
	if a.pool != nil {
		drainErr = a.pool.Drain(ctx)
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return drainErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; nothing to act on.
	_ = a.logger.Sync()
}

func (a *App) setupDatabase(ctx context.Context) (lens.JobStore, *pgstore.EventStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database dsn configured, using in-memory job store")
		return memorystorage.NewJobStore(), nil, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pgPool = pool

	jobs, err := pgstore.NewJobStore(pool, "")
	if err != nil {
		return nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	if err := jobs.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("job store schema failed: %w", err)
	}
	events, err := pgstore.NewEventStore(pool, "")
	if err != nil {
		return nil, nil, fmt.Errorf("event store init failed: %w", err)
	}
	if err := events.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("event store schema failed: %w", err)
	}
	a.logger.Info("postgres job and event stores initialized")
	return jobs, events, nil
}

func (a *App) setupStorage(ctx context.Context) (lens.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		return store, nil
	case "local":
		a.logger.Info("using local snapshot backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory snapshot backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (lens.Publisher, string, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), defaultTopic, nil
	}
	publisher, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, a.cfg.PubSub.TopicName, nil
}

func (a *App) setupProgress(events *pgstore.EventStore) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if events != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(events, uuid.New().NewEventID, a.logger.Named("progress_store")))
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.Progress.Batch.MaxWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger,
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}
