// Package server builds the application graph from configuration and runs it
// either as a long-lived HTTP service or as a single synchronous job.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/api"
	"github.com/JakeFAU/forum-ingestor/internal/clock/system"
	"github.com/JakeFAU/forum-ingestor/internal/config"
	"github.com/JakeFAU/forum-ingestor/internal/dispatcher"
	"github.com/JakeFAU/forum-ingestor/internal/docstore"
	"github.com/JakeFAU/forum-ingestor/internal/hash/sha256"
	"github.com/JakeFAU/forum-ingestor/internal/id/uuid"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/metrics"
	"github.com/JakeFAU/forum-ingestor/internal/orchestrator"
	"github.com/JakeFAU/forum-ingestor/internal/pipeline"
	"github.com/JakeFAU/forum-ingestor/internal/progress"
	progresssinks "github.com/JakeFAU/forum-ingestor/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/forum-ingestor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/forum-ingestor/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/forum-ingestor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/forum-ingestor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/forum-ingestor/internal/storage/memory"
	pgstore "github.com/JakeFAU/forum-ingestor/internal/storage/postgres"
	"github.com/JakeFAU/forum-ingestor/internal/store"
	"github.com/JakeFAU/forum-ingestor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Options overrides process-wide collaborators, mainly for tests.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global
	// Prometheus registerer.
	Registerer prometheus.Registerer
	// HTTPClient is used for upstream and store calls when set.
	HTTPClient *http.Client
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	orch      *orchestrator.Orchestrator
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	hub       *progress.Hub
	events    *api.Broadcaster
	docs      *docstore.Client

	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	redis           *redis.Client
	tracerShutdown  func(context.Context) error

	closeOnce sync.Once
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			app.Close(closeCtx)
			app = nil
		}
	}()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("channels", len(cfg.EnabledChannels())),
		zap.String("archive", cfg.Archive.Backend),
	)

	jobStore, progressRepo, err := app.setupDatabase(ctx)
	if err != nil {
		return app, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return app, err
	}
	app.events = api.NewBroadcaster(0)
	if err := app.setupProgress(ctx, opts.Registerer, progressRepo, app.events); err != nil {
		return app, err
	}

	app.docs, err = docstore.NewClient(docstore.ClientConfig{
		BaseURL:     cfg.Store.BaseURL,
		Token:       cfg.Store.Token,
		UserAgent:   cfg.Upstream.UserAgent,
		HTTPClient:  httpClient(opts.HTTPClient, cfg.Store.Timeout),
		MaxRetries:  cfg.Store.MaxRetries,
		BackoffBase: cfg.Ingest.BackoffBase,
		Logger:      logger.Named("docstore"),
	})
	if err != nil {
		return app, fmt.Errorf("document store client init failed: %w", err)
	}

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		APIBaseURL:        cfg.Upstream.APIBaseURL,
		TokenURL:          cfg.Upstream.TokenURL,
		UserAgent:         cfg.Upstream.UserAgent,
		PageSize:          cfg.Upstream.PageSize,
		MinInterval:       cfg.Upstream.MinInterval,
		TokenSafetyMargin: cfg.Upstream.TokenSafetyMargin,
		DeeplinkBase:      cfg.Upstream.DeeplinkBase,
		SourceName:        cfg.Store.SourceName,
		MaxRetries:        cfg.Ingest.MaxRetries,
		BackoffBase:       cfg.Ingest.BackoffBase,
		Pacing:            cfg.Store.Pacing,
		HTTPClient:        httpClient(opts.HTTPClient, cfg.Upstream.Timeout),
		Logger:            logger,
	}, app.docs)

	clock := system.New()
	app.orch, err = orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Ingest.Concurrency,
		Store:       jobStore,
		Runner:      runner,
		Emitter:     app.hub,
		Archive:     archive,
		Hasher:      sha256.New(),
		Resolver:    cfg.SelectChannels,
		Clock:       clock,
		IDs:         uuid.New(),
		Logger:      logger,
	})
	if err != nil {
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Server.QueueDepth)
	app.dispatch = dispatcher.New(dispatcher.Config{
		Queue:  app.queue,
		Runner: app.orch,
		Logger: logger,
	})
	app.apiServer = api.NewServer(api.Deps{
		Jobs:               app.orch,
		Queue:              app.dispatch,
		Resolver:           cfg.SelectChannels,
		Health:             app.docs,
		Progress:           progressRepo,
		Events:             app.events,
		Clock:              clock,
		Auth:               cfg.Auth,
		DefaultWindowHours: cfg.Ingest.WindowHours,
		Logger:             logger,
	})
	return app, nil
}

func httpClient(override *http.Client, timeout time.Duration) *http.Client {
	if override != nil {
		return override
	}
	return &http.Client{Timeout: timeout}
}

func (a *App) setupDatabase(ctx context.Context) (ingestor.JobStore, store.ProgressRepository, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured; jobs are kept in memory and run history is unavailable")
		return memoryStorage.NewJobStore(), nil, nil
	}
	if a.cfg.Database.Migrate {
		if err := pgstore.RunMigrations(a.cfg.Database.DSN); err != nil {
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		a.logger.Info("database migrations applied")
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	a.logger.Info("postgres job and progress stores initialized")
	return pgstore.NewJobStore(pool), pgstore.NewProgressStore(pool), nil
}

func (a *App) setupArchive(ctx context.Context) (ingestor.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:   a.cfg.Archive.Bucket,
			Prefix:   a.cfg.Archive.Prefix,
			Metadata: map[string]string{"service": a.cfg.Telemetry.ServiceName},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("using GCS job archive", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local job archive", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	default:
		a.logger.Info("using in-memory job archive")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupProgress(
	ctx context.Context,
	reg prometheus.Registerer,
	progressRepo store.ProgressRepository,
	broadcaster *api.Broadcaster,
) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink, broadcaster}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(progressRepo, a.logger.Named("progress_store")))
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
		sinkList = append(sinkList, progresssinks.NewPubSubSink(gcppublisher.New(a.pubsubPublisher)))
		a.logger.Info("Pub/Sub progress sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	if a.cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.logger.Warn("redis unreachable; progress stream writes will fail until it recovers", zap.Error(err))
		}
		sinkList = append(sinkList, progresssinks.NewRedisSink(a.redis, a.cfg.Redis.Stream))
		a.logger.Info("redis progress sink initialized", zap.String("addr", a.cfg.Redis.Addr))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API and the dispatcher until ctx is canceled or a
// termination signal arrives, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Open event streams never go idle; end them so Shutdown can drain.
	srv.RegisterOnShutdown(func() {
		_ = a.events.Close(context.Background())
	})
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	<-dispatchDone
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// RunOnce creates a job for the named channels (all enabled when empty),
// runs it to completion, and returns the final job.
func (a *App) RunOnce(ctx context.Context, channels []string, params ingestor.JobParams) (ingestor.Job, error) {
	if params.WindowHours <= 0 && params.WindowDays <= 0 {
		params.WindowHours = a.cfg.Ingest.WindowHours
	}
	specs, err := a.cfg.SelectChannels(channels)
	if err != nil {
		return ingestor.Job{}, fmt.Errorf("select channels: %w", err)
	}
	id, err := a.orch.CreateJob(ctx, specs, params)
	if err != nil {
		return ingestor.Job{}, err
	}
	job, err := a.orch.RunJob(ctx, id)
	if err != nil {
		return ingestor.Job{}, fmt.Errorf("run job %s: %w", id, err)
	}
	return job, nil
}

// Health checks the document store.
func (a *App) Health(ctx context.Context) (docstore.HealthStatus, error) {
	status, err := a.docs.Health(ctx)
	if err != nil {
		return docstore.HealthStatus{}, fmt.Errorf("document store health: %w", err)
	}
	return status, nil
}

// Close releases every resource. The hub is flushed before the clients its
// sinks write through are closed. Later calls are no-ops.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.orch != nil {
		a.orch.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
