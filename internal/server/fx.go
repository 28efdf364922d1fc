// Package server builds the application graph and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/meo-rank-tracker/internal/api"
	"github.com/JakeFAU/meo-rank-tracker/internal/clock/system"
	"github.com/JakeFAU/meo-rank-tracker/internal/config"
	"github.com/JakeFAU/meo-rank-tracker/internal/dispatcher"
	"github.com/JakeFAU/meo-rank-tracker/internal/feed"
	"github.com/JakeFAU/meo-rank-tracker/internal/id/uuid"
	"github.com/JakeFAU/meo-rank-tracker/internal/logging"
	"github.com/JakeFAU/meo-rank-tracker/internal/metrics"
	"github.com/JakeFAU/meo-rank-tracker/internal/placement"
	"github.com/JakeFAU/meo-rank-tracker/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/meo-rank-tracker/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/meo-rank-tracker/internal/queue/memory"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
	"github.com/JakeFAU/meo-rank-tracker/internal/render"
	"github.com/JakeFAU/meo-rank-tracker/internal/runner"
	gcsstorage "github.com/JakeFAU/meo-rank-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/meo-rank-tracker/internal/storage/local"
	memoryStorage "github.com/JakeFAU/meo-rank-tracker/internal/storage/memory"
	memorystore "github.com/JakeFAU/meo-rank-tracker/internal/store/memory"
	pgstore "github.com/JakeFAU/meo-rank-tracker/internal/store/postgres"
	sheetsstore "github.com/JakeFAU/meo-rank-tracker/internal/store/sheets"
	"github.com/JakeFAU/meo-rank-tracker/internal/telemetry"
	"github.com/JakeFAU/meo-rank-tracker/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     rank.Store
	artifacts rank.BlobStore
	publisher rank.Publisher
	factory   *render.Factory
	runner    *runner.Runner
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pgStore         *pgstore.Store
	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracer          *sdktrace.TracerProvider

	closing atomic.Bool
}

// Build creates the application's dependencies. Configuration and
// credential problems fail here, before anything is served.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("output_backend", cfg.Output.Backend),
		zap.String("artifacts_backend", cfg.Artifacts.Backend),
		zap.Int("concurrency", cfg.Runs.Concurrency),
	)

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}
	if err := app.setupStore(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupArtifacts(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupRunner(); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.setupDispatcher()
	app.setupAPI()
	return app, nil
}

// Store exposes the configured output store.
func (a *App) Store() rank.Store {
	return a.store
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	layout := rank.DefaultLayout()
	switch a.cfg.Output.Backend {
	case config.BackendSheets:
		st, err := sheetsstore.New(ctx, sheetsstore.Config{
			SpreadsheetID:   a.cfg.Sheets.SpreadsheetID,
			CredentialsFile: a.cfg.Sheets.CredentialsFile,
			Endpoint:        a.cfg.Sheets.Endpoint,
		}, layout)
		if err != nil {
			return fmt.Errorf("sheets store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using sheets output store", zap.String("spreadsheet_id", a.cfg.Sheets.SpreadsheetID))
	case config.BackendPostgres:
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.Table,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		}, layout)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = st
		a.store = st
		if a.cfg.Database.EnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		a.logger.Info("using postgres output store", zap.String("table", a.cfg.Database.Table))
	default:
		a.store = memorystore.New(layout)
		a.logger.Warn("using in-memory output store; results are lost on exit")
	}
	return nil
}

func (a *App) setupArtifacts(ctx context.Context) error {
	switch a.cfg.Artifacts.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Artifacts.Bucket,
			Prefix: a.cfg.Artifacts.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.artifacts = blobs
		a.logger.Info("storing failure screenshots in GCS", zap.String("bucket", a.cfg.Artifacts.Bucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Artifacts.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.artifacts = blobs
		a.logger.Info("storing failure screenshots locally", zap.String("path", a.cfg.Artifacts.LocalDir))
	case config.BackendMemory:
		a.artifacts = memoryStorage.NewBlobStore()
	default:
		a.logger.Info("failure screenshots disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("run notifications disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client)
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupRunner() error {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.RPS,
		DefaultBurst: a.cfg.RateLimit.Burst,
	})
	factory, err := render.NewFactory(renderConfig(a.cfg), limiter, a.logger.Named("render"))
	if err != nil {
		return fmt.Errorf("render factory init failed: %w", err)
	}
	a.factory = factory

	crawler := feed.New(factory, a.artifacts, feedConfig(a.cfg), a.logger.Named("feed"))
	allocator := placement.New(a.store, placement.Config{
		Layout:      rank.DefaultLayout(),
		FallbackRow: a.cfg.Placement.FallbackRow,
	}, a.logger.Named("placement"))

	clock, err := system.Load(a.cfg.Runs.Timezone)
	if err != nil {
		return fmt.Errorf("load runs.timezone: %w", err)
	}

	a.runner = runner.New(a.store, a.store, allocator, crawler, a.publisher, clock, runner.Config{
		Sentinels: rank.Sentinels{
			NotFound:      a.cfg.Output.NotFound,
			FailurePrefix: a.cfg.Output.FailurePrefix,
		},
		Topic: a.cfg.PubSub.Topic,
	}, a.logger.Named("runner"))
	return nil
}

func (a *App) setupDispatcher() {
	a.queue = queueMemory.NewQueue(a.cfg.Runs.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Runs.Concurrency)
	for i := range a.cfg.Runs.Concurrency {
		workers = append(workers, worker.New(i, a.queue, a.runner, a.logger.Named("worker")))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
}

func (a *App) setupAPI() {
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(
		a.dispatch,
		uuid.New(""),
		system.New(nil),
		api.Options{
			APIKey:         apiKey,
			AllowedOrigins: a.cfg.CORS.AllowedOrigins,
			RequestTimeout: a.cfg.Server.RequestTimeout,
			EnqueueTimeout: a.cfg.Runs.EnqueueTimeout,
			Diagnostics: api.Diagnostics{
				OutputBackend:    a.cfg.Output.Backend,
				ArtifactsBackend: a.cfg.Artifacts.Backend,
				Headless:         a.cfg.Headless.Headless,
				MaxBrowsers:      a.cfg.Headless.MaxParallel,
				Workers:          a.dispatch.Workers(),
			},
			Ready: a.ready,
		},
		a.logger.Named("api"),
	)
}

func (a *App) ready(context.Context) error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Run serves HTTP and executes queued runs until SIGINT/SIGTERM or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Workers()))
		a.dispatch.Run(gctx)
		a.logger.Info("dispatcher stopped")
		return nil
	})
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
		a.closing.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		a.queue.Close()
		return nil
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RunOnce executes a single run in the foreground, bypassing the queue.
func (a *App) RunOnce(ctx context.Context, sheet, entity string) (rank.RunSummary, error) {
	runID, err := uuid.New("").NewID()
	if err != nil {
		return rank.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	if entity == "" {
		entity = sheet
	}
	return a.runner.Run(ctx, rank.RunRequest{
		RunID:     runID,
		SheetID:   sheet,
		Entity:    entity,
		Submitted: time.Now(),
	})
}

// Close releases browsers and clients. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closing.Store(true)
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.factory != nil {
		a.factory.Close()
		a.factory = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
	_ = a.logger.Sync()
}

func renderConfig(cfg config.Config) render.Config {
	rc := render.DefaultConfig()
	rc.ExecPath = cfg.Headless.ExecPath
	rc.Headless = cfg.Headless.Headless
	rc.MaxParallel = cfg.Headless.MaxParallel
	if cfg.Headless.WindowWidth > 0 && cfg.Headless.WindowHeight > 0 {
		rc.WindowWidth, rc.WindowHeight = cfg.Headless.WindowWidth, cfg.Headless.WindowHeight
	}
	setDuration(&rc.NavigationTimeout, cfg.Headless.NavigationTimeout)
	setDuration(&rc.WaitTimeout, cfg.Headless.WaitTimeout)
	setDuration(&rc.InterstitialTimeout, cfg.Headless.InterstitialTimeout)
	setDuration(&rc.ActionTimeout, cfg.Headless.ActionTimeout)
	setString(&rc.UserAgent, cfg.Provider.UserAgent)
	setString(&rc.AcceptLanguage, cfg.Provider.AcceptLanguage)
	setString(&rc.EntrySelector, cfg.Provider.EntrySelector)
	setString(&rc.FeedSelector, cfg.Provider.FeedSelector)
	if len(cfg.Provider.ConsentSelectors) > 0 {
		rc.ConsentSelectors = cfg.Provider.ConsentSelectors
	}
	return rc
}

func feedConfig(cfg config.Config) feed.Config {
	fc := feed.DefaultConfig()
	setString(&fc.SearchURL, cfg.Provider.SearchURL)
	fc.MaxReveals = cfg.Reveal.MaxAttempts
	if fc.MaxReveals <= 0 {
		fc.MaxReveals = -1
	}
	if cfg.Reveal.MaxEntries > 0 {
		fc.MaxEntries = cfg.Reveal.MaxEntries
	}
	if cfg.Reveal.StableRounds > 0 {
		fc.StableRounds = cfg.Reveal.StableRounds
	}
	fc.DelayMin = cfg.Reveal.DelayMin
	fc.DelayMax = cfg.Reveal.DelayMax
	setDuration(&fc.OperationTimeout, cfg.Reveal.OperationTimeout)
	return fc
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
