package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/inkwell/assistant-core/internal/breaker"
	"github.com/inkwell/assistant-core/internal/broadcast"
	"github.com/inkwell/assistant-core/internal/config"
	"github.com/inkwell/assistant-core/internal/contentstore"
	"github.com/inkwell/assistant-core/internal/history"
	"github.com/inkwell/assistant-core/internal/orchestrator"
	"github.com/inkwell/assistant-core/internal/provider"
	"github.com/inkwell/assistant-core/internal/ratelimit"
	"github.com/inkwell/assistant-core/internal/server"
	"github.com/inkwell/assistant-core/internal/telemetry"
	"github.com/inkwell/assistant-core/internal/tokens"
	"github.com/inkwell/assistant-core/internal/toolexec"
)

const version = "0.1.0"

const systemPrompt = `You are a note-taking assistant. You manage the user's notebooks, folders, and notes with the provided tools. Always confirm in plain language what you did. When showing several notes, use a markdown table.`

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.Setup(context.Background(), "assistant-core", version)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("INKWELL_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	historyStore, contentStore, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer historyStore.Close()
	defer contentStore.Close()

	modelClient := provider.NewClient(
		cfg.Provider.Name,
		cfg.Provider.APIKey,
		cfg.Provider.Model,
		provider.WithBaseURL(cfg.Provider.BaseURL),
	)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		ResetInterval:    cfg.Breaker.ResetInterval,
	}, logger)

	userTiers := cfg.RateLimit.UserTiers
	tierResolver := ratelimit.TierResolverFunc(func(_ context.Context, identity string) (string, error) {
		return userTiers[identity], nil
	})
	limiter := ratelimit.New(ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		DefaultLimit:  cfg.RateLimit.DefaultLimit,
		TierLimits:    cfg.RateLimit.TierLimits,
		TierCacheTTL:  cfg.RateLimit.TierCacheTTL,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, tierResolver, logger)

	hub := broadcast.NewHub(broadcast.Config{
		StaleAfter:    cfg.Broadcast.StaleAfter,
		SweepInterval: cfg.Broadcast.SweepInterval,
	}, logger)

	executor := toolexec.NewContentExecutor(contentStore, logger, cfg.Engine.ToolResultMaxBytes)
	counter := tokens.NewCounter(cfg.Provider.Model)

	engine := orchestrator.New(orchestrator.Config{
		SystemPrompt:        systemPrompt,
		MaxRounds:           cfg.Engine.MaxRounds,
		MaxToolCalls:        cfg.Engine.MaxToolCalls,
		ToolsPerRound:       cfg.Engine.ToolsPerRound,
		ToolConcurrency:     cfg.Engine.ToolConcurrency,
		DedupWindow:         cfg.Engine.DedupWindow,
		RecoveryTemperature: cfg.Engine.RecoveryTemperature,
		HistoryTokenBudget:  cfg.Engine.HistoryTokenBudget,
	}, modelClient, executor, historyStore, breakers, limiter, hub, counter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go limiter.Run(ctx)
	go hub.Run(ctx)

	srv := server.New(cfg.Server.Port, engine, hub, logger)
	httpSrv := srv.HTTPServer()

	go func() {
		logger.Info("server listening", slog.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func openStores(cfg *config.Config) (history.Store, contentstore.Store, error) {
	if cfg.Storage.Type == "memory" {
		return history.NewMemoryStore(), contentstore.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
		return nil, nil, err
	}

	historyStore, err := history.NewSQLiteStore(cfg.Storage.SQLite.Path)
	if err != nil {
		return nil, nil, err
	}
	contentStore, err := contentstore.NewSQLiteStore(cfg.Storage.SQLite.Path)
	if err != nil {
		historyStore.Close()
		return nil, nil, err
	}
	return historyStore, contentStore, nil
}
