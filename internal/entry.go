// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/mimir/internal/api"
	"github.com/starford/mimir/internal/chunker"
	"github.com/starford/mimir/internal/heartbeat"
	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/llm"
	"github.com/starford/mimir/internal/mcpserver"
	"github.com/starford/mimir/internal/session"
	"github.com/starford/mimir/internal/sse"
	"github.com/starford/mimir/internal/storage"
	"github.com/starford/mimir/internal/tokens"
	"github.com/starford/mimir/internal/workspace"
)

// App holds the components shared by the daemon and the one-shot commands.
type App struct {
	Config    *Config
	Logger    *slog.Logger
	Store     storage.Provider
	Workspace *workspace.Workspace
	DB        *index.DB
	Indexer   *index.Indexer
	Provider  llm.Provider
	Sessions  *session.Manager
	Heartbeat *heartbeat.Scheduler
}

// New wires every component from the configuration. Storage and index failures
// are fatal; a model backend that cannot be built is replaced by one that fails
// each call, so commands that do not talk to the model still work.
func New(ctx context.Context, opts ...Option) (*App, error) {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	level := cfg.App.LogLevel
	if app.logLevel != nil {
		level = *app.logLevel
	}
	out := app.logOutput
	if out == nil {
		out = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Debug("Configuration loaded",
		slog.String("workspace_path", cfg.Workspace.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("sqlite_driver", cfg.SQLite.Driver),
		slog.String("model", cfg.Agent.Model),
		slog.String("log_level", level.String()))

	// Ensure workspace directory exists.
	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	// Initialize storage.
	store, err := storage.NewFS(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	ws := workspace.New(store)

	// Initialize SQLite index.
	db, err := index.Open(cfg.SQLite.Path, index.WithDriver(cfg.SQLite.Driver))
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	ch, err := chunker.New(cfg.Memory.ChunkSize, cfg.Memory.ChunkOverlap)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init chunker: %w", err)
	}
	ix, err := index.NewIndexer(db, store, ch, cfg.Workspace.Ignore, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init indexer: %w", err)
	}

	provider := app.provider
	if provider == nil {
		provider, err = NewProvider(ctx, cfg.Agent)
		if err != nil {
			logger.Warn("model backend unavailable",
				slog.String("model", cfg.Agent.Model),
				slog.String("error", err.Error()))
			provider = llm.Unavailable(string(llm.Select(cfg.Agent.Model).Backend), err)
		}
	}

	sessions, err := session.NewManager(cfg.SessionConfig(), session.Deps{
		Provider:  provider,
		Estimator: tokens.New(cfg.Agent.Tokenizer, logger),
		Searcher:  db,
		Workspace: ws,
		Logger:    logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	window, err := cfg.Heartbeat.Window()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	hbOpts := []heartbeat.Option{heartbeat.WithLogger(logger)}
	if app.onHeartbeat != nil {
		hbOpts = append(hbOpts, heartbeat.WithEvents(app.onHeartbeat))
	}
	scheduler := heartbeat.New(
		heartbeat.Config{Interval: cfg.Heartbeat.Interval, ActiveHours: window},
		ws, sessions, hbOpts...,
	)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Workspace: ws,
		DB:        db,
		Indexer:   ix,
		Provider:  provider,
		Sessions:  sessions,
		Heartbeat: scheduler,
	}, nil
}

// Close releases the index.
func (a *App) Close() error {
	return a.DB.Close()
}

// MCP returns an MCP server over the application's workspace and index.
func (a *App) MCP() *mcpserver.Server {
	return mcpserver.New(a.Workspace, a.DB, a.Indexer, a.Logger)
}

// Run starts the daemon: the watcher followed by an initial reconciliation, the
// heartbeat scheduler and the HTTP server, until a signal arrives or ctx ends.
func Run(ctx context.Context, opts ...Option) error {
	// SSE broker.
	broker := sse.NewBroker()
	defer broker.Close()

	// Heartbeat progress goes to SSE subscribers.
	opts = append(opts, func(a *application) {
		a.onHeartbeat = broker.PublishHeartbeat
	})
	app, err := New(ctx, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config
	logger := app.Logger
	scheduler := app.Heartbeat

	// Build API service and router.
	var sched *heartbeat.Scheduler
	if cfg.Heartbeat.Enabled {
		sched = scheduler
	}
	svc := api.NewService(app.Sessions, app.DB, app.Indexer, sched, cfg.Agent.Model,
		api.WithPublisher(broker.PublishSession))
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := app.DB.Stats(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"index unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("workspace_path", cfg.Workspace.Path),
		slog.String("model", cfg.Agent.Model))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	watcher := index.NewWatcher(app.Indexer, cfg.Memory.Debounce, logger, broker.PublishIndex)
	g.Go(func() error {
		if err := watcher.Run(gCtx); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})

	// Initial sync once the watcher is live.
	g.Go(func() error {
		indexWorkspace(gCtx, watcher, app.Indexer, logger)
		return nil
	})

	// Start heartbeat scheduler.
	if cfg.Heartbeat.Enabled {
		g.Go(func() error {
			return scheduler.Run(gCtx)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// indexWorkspace waits until w is watching the workspace, then reconciles the index
// with the files on disk.
func indexWorkspace(ctx context.Context, w *index.Watcher, ix *index.Indexer, logger *slog.Logger) {
	select {
	case <-w.Ready():
	case <-ctx.Done():
		return
	}
	report, err := ix.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("initial sync failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, fe := range report.Errors {
		logger.Warn("initial sync: file skipped", slog.String("path", fe.Path), slog.String("error", fe.Err.Error()))
	}
}

// errShutdown cancels the errgroup context once the HTTP server has stopped so
// the watcher and scheduler exit too.
var errShutdown = errors.New("shutdown")
