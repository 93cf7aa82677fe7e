package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/cache"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/config"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/converter"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/eligibility"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/handlers"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/lister"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/metrics"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/middleware"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/pipeline"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/processor"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/repositories"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/tracing"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/usecases"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/pkg/logger"
)

const (
	// Startup connectivity check against the Bitable table.
	healthCheckRetries    = 5
	healthCheckRetryDelay = 2 * time.Second

	shutdownTimeout = 30 * time.Second
)

// App holds every long-lived component so startup and teardown happen in
// one place.
type App struct {
	configPath string

	config   *config.Config
	logger   *zap.Logger
	repo     *repositories.BitableRepository
	leases   *cache.LeaseTable
	pool     *processor.WorkerPool
	usecase  *usecases.TranslationUsecase
	tracer   *tracing.Provider
	metrics  *metrics.Metrics
	server   *http.Server
	initOnce sync.Once
	initErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

func NewApp(configPath string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		configPath: configPath,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Initialize builds the application once; later calls return the first result.
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

// doInitialize wires components bottom-up: config and logging, the record
// store, then the worker pool, pipeline and use case, and finally HTTP.
func (a *App) doInitialize() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	if err := logger.InitWithOptions(logger.Options{
		Level:       a.config.Log.Level,
		Development: a.config.Log.Development,
		File:        a.config.Log.File,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.logger = logger.Get()
	a.logger.Info("configuration loaded",
		zap.String("server_host", a.config.Server.Host),
		zap.Int("server_port", a.config.Server.Port),
		zap.String("table_id", a.config.Store.TableID),
		zap.Int("workers", a.config.Concurrency.Workers),
	)

	tracer, err := tracing.NewProvider(a.ctx, tracing.Config{
		Enabled:      a.config.Tracing.Enabled,
		OTLPEndpoint: a.config.Tracing.OTLPEndpoint,
		Insecure:     a.config.Tracing.Insecure,
		SampleRate:   a.config.Tracing.SampleRate,
		ServiceName:  a.config.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer
	a.metrics = metrics.Default()

	if err := a.initializeRepository(); err != nil {
		return fmt.Errorf("init record store: %w", err)
	}

	doc2x, err := converter.NewDoc2X(converter.Config{
		APIKey:       a.config.Converter.APIKey,
		BaseURL:      a.config.Converter.BaseURL,
		PollInterval: a.config.Converter.PollInterval,
		Timeout:      a.config.Converter.Timeout,
		HTTPTimeout:  a.config.Converter.HTTPTimeout,
		MaxRetries:   a.config.Converter.MaxRetries,
	}, a.logger.Named("doc2x"))
	if err != nil {
		return fmt.Errorf("init converter: %w", err)
	}

	a.leases = cache.NewLeaseTable(a.config.InFlight.Shards, a.config.InFlight.TTL)
	a.leases.StartCleanupWorker()

	a.pool = processor.NewWorkerPool(
		a.config.Concurrency.Workers,
		a.config.Concurrency.QueueSize,
		a.logger,
		a.metrics,
	)
	a.pool.Start()

	cols := eligibility.Columns{
		Name:          a.config.Columns.Name,
		Origin:        a.config.Columns.Origin,
		TargetFile:    a.config.Columns.TargetFile,
		TargetContext: a.config.Columns.TargetContext,
	}
	filter := eligibility.NewFilter(cols)
	staging := pipeline.NewStaging(a.config.Staging.Root)
	if err := staging.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare staging: %w", err)
	}

	runner := pipeline.New(
		pipeline.NewStages(a.repo, doc2x, staging, cols),
		a.logger,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTracer(a.tracer),
	)

	a.usecase = usecases.NewTranslationUsecase(usecases.Dependencies{
		Store:                a.repo,
		Lister:               lister.New(a.repo, filter, a.logger),
		Filter:               filter,
		Runner:               runner,
		Pool:                 a.pool,
		Leases:               a.leases,
		Staging:              staging,
		Logger:               a.logger,
		Metrics:              a.metrics,
		MaxConcurrentBatches: a.config.Concurrency.MaxBatches,
	})

	a.initializeServer()

	a.logger.Info("application initialised")
	return nil
}

func (a *App) loadConfig() error {
	path := a.configPath
	if path == "" {
		path = os.Getenv("APP_CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if err := config.Load(path); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.config = config.Get()
	return nil
}

// initializeRepository builds the Bitable client and retries the
// connectivity check, since the network may come up after the process.
func (a *App) initializeRepository() error {
	repo, err := repositories.NewBitableRepository(repositories.BitableConfig{
		AppID:             a.config.Store.AppID,
		AppSecret:         a.config.Store.AppSecret,
		AppToken:          a.config.Store.AppToken,
		PersonalBaseToken: a.config.Store.PersonalBaseToken,
		TableID:           a.config.Store.TableID,
		NameColumn:        a.config.Columns.Name,
		PageSize:          a.config.Store.PageSize,
		BaseURL:           a.config.Store.BaseURL,
		RequestTimeout:    a.config.Store.RequestTimeout,
	}, a.logger)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < healthCheckRetries; attempt++ {
		if attempt > 0 {
			a.logger.Info("retrying record store check",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", healthCheckRetryDelay),
			)
			select {
			case <-a.ctx.Done():
				return a.ctx.Err()
			case <-time.After(healthCheckRetryDelay):
			}
		}

		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		err = repo.CheckConnection(ctx)
		cancel()
		if err == nil {
			a.repo = repo
			a.logger.Info("record store reachable", zap.Int("attempts", attempt+1))
			return nil
		}
		a.logger.Warn("record store check failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return fmt.Errorf("record store unreachable after %d attempts: %w", healthCheckRetries, err)
}

// initializeServer sets up routing and middleware.
func (a *App) initializeServer() {
	translate := handlers.NewTranslateHandler(a.usecase, a.logger)
	health := handlers.NewHealthHandler(a.repo, a.logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)

	rateLimiter := middleware.NewRateLimiter(a.config.Server.RateLimit, time.Minute)

	// Probes and scraping bypass logging and rate limiting.
	r.Get("/health", health.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(a.logger))
		r.Use(middleware.RecoveryMiddleware(a.logger))
		r.Use(middleware.TimeoutMiddleware(a.config.Server.RequestTimeout))
		r.Use(middleware.RateLimitMiddleware(rateLimiter, a.logger))

		r.Get("/", health.Index)
		r.Get("/ready", health.Ready)
		r.Route("/translate", func(r chi.Router) {
			r.Get("/all", translate.TranslateAll)
			r.Get("/record", translate.TranslateRecord)
		})
	})

	a.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port),
		Handler:     r,
		ReadTimeout: a.config.Server.ReadTimeout,
		// No write timeout: event streams last as long as their batch.
		WriteTimeout: 0,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
}

// StartBackgroundJobs launches periodic maintenance.
func (a *App) StartBackgroundJobs() {
	a.wg.Add(1)
	go a.periodicHealthCheck()
}

// periodicHealthCheck logs store connectivity every 30 seconds.
func (a *App) periodicHealthCheck() {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
			if err := a.repo.CheckConnection(ctx); err != nil {
				a.logger.Warn("periodic store check failed", zap.Error(err))
			} else {
				a.logger.Debug("periodic store check ok",
					zap.Int("leases", a.leases.Stats().TotalLeases),
				)
			}
			cancel()
		}
	}
}

// Start launches the HTTP server in the background.
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("starting HTTP server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", zap.Error(err))
			a.cancel()
		}
	}()

	return nil
}

// Done is closed when the app context ends, e.g. after a server failure.
func (a *App) Done() <-chan struct{} { return a.ctx.Done() }

// Shutdown stops accepting requests, lets running batches drain, then stops
// the pool and background workers.
func (a *App) Shutdown() error {
	var errs []error

	a.shutdownOnce.Do(func() {
		log := a.logger
		if log == nil {
			log = zap.NewNop()
		}
		log.Info("shutting down")

		a.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				log.Error("server shutdown", zap.Error(err))
				errs = append(errs, err)
			}
		}

		if a.usecase != nil {
			if err := a.usecase.Shutdown(ctx); err != nil {
				log.Warn("batches still running at shutdown", zap.Error(err))
				errs = append(errs, err)
			}
		}

		if a.pool != nil {
			a.pool.Stop()
		}

		if a.leases != nil {
			a.leases.StopCleanupWorker()
		}

		if err := a.tracer.Shutdown(ctx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn("timed out waiting for background goroutines")
		}

		log.Info("shutdown complete")
		_ = logger.Sync()
	})

	return errors.Join(errs...)
}
