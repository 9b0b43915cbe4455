// Package app wires the publisher's components together and manages the
// application lifecycle: configuration, database, workers and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/crosspost/publisher/internal/api"
	"github.com/crosspost/publisher/internal/config"
	"github.com/crosspost/publisher/internal/database"
	"github.com/crosspost/publisher/internal/logger"
	"github.com/crosspost/publisher/internal/metrics"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/platform"
	"github.com/crosspost/publisher/internal/queue"
	"github.com/crosspost/publisher/internal/ratelimit"
	"github.com/crosspost/publisher/internal/scheduler"
)

const (
	redisPingTimeout = 5 * time.Second
	migrateTimeout   = 30 * time.Second
)

// App holds the assembled publisher service.
type App struct {
	config      *config.Config
	logger      logger.Logger
	db          *sqlx.DB
	redisClient redis.UniversalClient
	dispatcher  *queue.Dispatcher
	sweeper     *scheduler.Sweeper
	httpServer  *http.Server
	version     string
}

// Options contains configuration for creating a new App.
type Options struct {
	ConfigPath string
	Version    string
}

// New creates an App with all dependencies initialized.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", "publisher"),
		logger.String("version", opts.Version),
	)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if migrateErr := database.Migrate(migrateCtx, db); migrateErr != nil {
		_ = db.Close()
		_ = appLogger.Sync()
		return nil, fmt.Errorf("run migrations: %w", migrateErr)
	}

	var redisClient redis.UniversalClient
	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, pingCancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer pingCancel()
		if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
			_ = db.Close()
			_ = appLogger.Sync()
			return nil, fmt.Errorf("connect to Redis: %w", pingErr)
		}
		limitStore = ratelimit.NewRedisStore(redisClient)
	}

	registry := platform.NewRegistry(
		platform.NewTwitterAdapter(cfg.Platforms.TwitterBaseURL, nil, appLogger),
		platform.NewLinkedInAdapter(cfg.Platforms.LinkedInBaseURL, nil, appLogger),
	)

	limiter := ratelimit.NewLimiter(cfg.RateLimits, limitStore)
	oauthManager := oauth.NewManager(cfg.OAuth.Providers, cfg.OAuth.StateSecret, nil, appLogger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promRegistry)

	posts := database.NewPostRepository(db)
	jobs := database.NewJobRepository(db)
	connections := database.NewConnectionRepository(db)

	service := queue.NewService(posts, jobs, connections, registry, limiter, m, appLogger)
	dispatcher := queue.NewDispatcher(jobs, posts, connections, registry, oauthManager, queue.DispatcherConfig{
		PollInterval:   cfg.Queue.PollInterval,
		BatchSize:      cfg.Queue.BatchSize,
		PublishTimeout: cfg.Queue.PublishTimeout,
	}, m, appLogger)
	sweeper := scheduler.NewSweeper(posts, jobs, scheduler.SweeperConfig{
		SweepInterval: cfg.Scheduler.SweepInterval,
		BatchSize:     cfg.Scheduler.BatchSize,
	}, m, appLogger)

	router := api.NewRouter(api.RouterConfig{
		Service:     service,
		OAuth:       oauthManager,
		Connections: connections,
		DB:          posts,
		Gatherer:    promRegistry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Debug:       cfg.Debug,
		Logger:      appLogger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		config:      cfg,
		logger:      appLogger,
		db:          db,
		redisClient: redisClient,
		dispatcher:  dispatcher,
		sweeper:     sweeper,
		httpServer:  httpServer,
		version:     opts.Version,
	}, nil
}

// Run starts the workers and HTTP server, then blocks until a shutdown
// signal arrives or the server fails.
func (a *App) Run(ctx context.Context) error {
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	a.dispatcher.Start(workerCtx)
	a.sweeper.Start(workerCtx)

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server",
			logger.String("address", a.httpServer.Addr),
			logger.Bool("debug", a.config.Debug),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	return a.waitForShutdown(workerCancel, serverErr)
}

// waitForShutdown blocks on a signal or server error, then stops
// everything in order: server first so no new work arrives, then workers.
func (a *App) waitForShutdown(workerCancel context.CancelFunc, serverErr chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownErr error

	select {
	case sig := <-sigChan:
		a.logger.Info("Shutting down gracefully",
			logger.String("signal", sig.String()),
		)
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("Server error", logger.Error(err))
			shutdownErr = err
		}
	}

	a.shutdownHTTPServer()
	workerCancel()
	a.dispatcher.Stop()
	a.sweeper.Stop()

	a.logger.Info("Service stopped")
	return shutdownErr
}

// shutdownHTTPServer gracefully drains in-flight requests.
func (a *App) shutdownHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("Server shutdown error", logger.Error(err))
	} else {
		a.logger.Info("HTTP server stopped")
	}
}

// Close cleans up resources.
func (a *App) Close() error {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", logger.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", logger.Error(err))
		}
	}
	return a.logger.Sync()
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger {
	return a.logger
}
