// CaseDrill - Business-Case Simulation Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/casedrill/casedrill/internal/api"
	"github.com/casedrill/casedrill/internal/config"
	"github.com/casedrill/casedrill/internal/housekeeping"
	"github.com/casedrill/casedrill/internal/identity"
	"github.com/casedrill/casedrill/internal/llm"
	"github.com/casedrill/casedrill/internal/middleware"
	"github.com/casedrill/casedrill/internal/orchestrator"
	"github.com/casedrill/casedrill/internal/scenario"
	"github.com/casedrill/casedrill/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Load published scenario definitions and sync them into the store.
	scenarios, err := scenario.LoadDir(cfg.ScenarioDir)
	if err != nil {
		slog.Error("Failed to load scenario definitions", "error", err, "dir", cfg.ScenarioDir)
		os.Exit(1)
	}
	if err := scenario.Sync(context.Background(), repo, scenarios); err != nil {
		slog.Error("Failed to sync scenarios", "error", err)
		os.Exit(1)
	}
	slog.Info("Scenarios loaded", "count", len(scenarios), "dir", cfg.ScenarioDir)

	// Completion capability: live endpoint when configured, otherwise the
	// deterministic offline stand-in so the protocol still runs.
	var completer llm.Completer
	if cfg.LLM.Enabled() {
		completer = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.APIKey, cfg.LLM.Timeout)
		slog.Info("Completion client initialized", "model", cfg.LLM.Model)
	} else {
		completer = llm.NewOffline()
		slog.Warn("LLM_BASE_URL not set, running with offline canned completions")
	}

	feed := api.NewFeed()
	orch := orchestrator.New(repo, completer, orchestrator.Config{
		EvalMinTurns:      cfg.Orchestrator.EvalMinTurns,
		HintWindowDivisor: cfg.Orchestrator.HintWindowDivisor,
	}, orchestrator.WithNotifier(feed))

	rateLimiter := api.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	handler := api.NewHandler(repo, orch, rateLimiter, feed)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket feed connections stay open
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	housekeeping.StartSweeper(ctx, repo, cfg.SessionIdleTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
