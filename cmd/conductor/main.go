package main

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
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/Conductor/internal/adapter/agentmock"
	"github.com/Strob0t/Conductor/internal/adapter/agentremote"
	cdhttp "github.com/Strob0t/Conductor/internal/adapter/http"
	cdmcp "github.com/Strob0t/Conductor/internal/adapter/mcp"
	"github.com/Strob0t/Conductor/internal/adapter/memory"
	cdnats "github.com/Strob0t/Conductor/internal/adapter/nats"
	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/adapter/postgres"
	"github.com/Strob0t/Conductor/internal/adapter/ristretto"
	"github.com/Strob0t/Conductor/internal/adapter/sse"
	"github.com/Strob0t/Conductor/internal/adapter/ws"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/middleware"
	"github.com/Strob0t/Conductor/internal/port/agent"
	"github.com/Strob0t/Conductor/internal/port/broadcast"
	"github.com/Strob0t/Conductor/internal/port/database"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

// packageCacheEntries bounds the in-process package cache.
const packageCacheEntries = 1024

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Database.DSN,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	// --- Observability ---
	if cfg.Otel.Enabled {
		shutdown, err := otel.Init(ctx, cfg.Logging.Service, cfg.Otel.Endpoint)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Store ---
	var store database.Store
	if cfg.Database.InMemory() {
		store = memory.NewStore()
		slog.Info("using in-memory store")
	} else {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewStore(pool)
		slog.Info("postgres connected, migrations applied")
	}

	// --- Event fan-out ---
	hub := sse.NewHub(sse.DefaultBufferSize)
	wsHub := ws.NewHub()
	casters := broadcast.Multi{hub, wsHub}

	if cfg.NATS.URL != "" {
		mirror, err := cdnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer mirror.Close()
		casters = append(casters, mirror)
	}

	// --- Repository ---
	cache, err := ristretto.NewPackageCache(packageCacheEntries)
	if err != nil {
		return fmt.Errorf("package cache: %w", err)
	}
	defer cache.Close()

	repo := service.NewRepository(store, casters, cache, log)

	// --- Agent adapter ---
	var adapter agent.Adapter
	var breaker *resilience.Breaker
	if cfg.Agent.BaseURL != "" {
		remote := agentremote.New(cfg.Agent.BaseURL, cfg.Agent.Secret, cfg.Agent.Directory)
		breaker = resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		remote.SetBreaker(breaker)
		adapter = remote
		slog.Info("using live agent adapter", "base_url", cfg.Agent.BaseURL)
	} else {
		adapter = agentmock.New(agentmock.Options{})
		slog.Info("using mock agent adapter", "allow_mock_runs", cfg.Agent.AllowMockRuns)
	}

	// --- Engine + preview ---
	preview := service.NewPreviewSupervisor(repo, cfg.Preview, log)
	engine := service.NewEngine(repo, adapter, preview, metrics, cfg.Engine, log)

	// --- HTTP ---
	handlers := cdhttp.NewHandlers(repo, engine, preview, hub, adapter, breaker,
		cfg.Agent.AllowMockRuns, log)

	r := chi.NewRouter()
	r.Use(cdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(cdhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	cdhttp.MountRoutes(r, handlers, wsHub)

	if cfg.MCP.Enabled {
		mcpServer := cdmcp.NewServer(
			cdmcp.ServerConfig{Name: cfg.Logging.Service, Version: "0.1.0"},
			cdmcp.ServerDeps{Runs: repo, Engine: engine},
		)
		r.Handle("/mcp", cdmcp.AuthMiddleware(cfg.MCP.APIKey, mcpServer.HTTPHandler()))
		slog.Info("mcp surface enabled")
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Warn("engine shutdown incomplete", "error", err)
	}
	preview.StopAll(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}
