// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

// Command api is the entry point for the Sequana HTTP API server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Connect the metadata and query PostgreSQL pools.
//  4. Start the knowledge-base refresher (blocking first build).
//  5. Wire the query pipeline (resolver, retriever, generator, executor).
//  6. Start HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
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

	"github.com/phamtuananh/sequana/internal/api"
	"github.com/phamtuananh/sequana/internal/kb"
	"github.com/phamtuananh/sequana/internal/nlq"
	"github.com/phamtuananh/sequana/internal/observe"
	"github.com/phamtuananh/sequana/internal/platform/config"
	"github.com/phamtuananh/sequana/internal/platform/constants"
	"github.com/phamtuananh/sequana/internal/platform/llm"
	pgstore "github.com/phamtuananh/sequana/internal/platform/postgres"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("[Sequana] service_initializing")

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("schema", cfg.SchemaName),
	)

	// Root context for startup. Use a 60s deadline so the first KB build has
	// room to introspect a large catalog without hanging forever.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer startupCancel()

	// Background context for long-lived components (refresher, rate limiter).
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── 3. PostgreSQL ─────────────────────────────────────────────────────
	pools, err := pgstore.NewManager(startupCtx, cfg.MetadataDatabaseURL, cfg.QueryDatabaseURL,
		cfg.StatementTimeoutSeconds, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing postgres pools")
		pools.Close()
	}()

	// ── 4. Knowledge Base ─────────────────────────────────────────────────
	metrics := observe.NewMetrics()
	metadataCache := kb.NewMetadataCache(pools.Metadata)

	refresher := kb.NewRefresher(
		kb.NewIntrospector(pools.Metadata),
		cfg.KBDir,
		cfg.SchemaName,
		cfg.KBRefreshInterval,
		kb.PolicyConfig{
			DefaultLimit:            cfg.DefaultLimit,
			MaxLimit:                cfg.MaxLimit,
			MaxJoinDepth:            cfg.MaxJoinDepth,
			HardCapJoinDepth:        cfg.HardCapJoinDepth,
			StatementTimeoutSeconds: cfg.StatementTimeoutSeconds,
		},
		metadataCache,
		metrics,
		log,
	)
	must(log, refresher.Start(runCtx), "build knowledge base")

	// ── 5. Query Pipeline ─────────────────────────────────────────────────
	llmClient, err := llm.New(llm.Options{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout,
	})
	must(log, err, "initialize llm client")

	resolver := nlq.NewResolver(nlq.NewSessionStore(), log)
	retriever := nlq.NewRetriever(nlq.RetrievalCaps{
		Enabled:            cfg.RAGEnabled,
		MaxTables:          cfg.RAGMaxTables,
		MaxColumnsPerTable: cfg.RAGMaxColumnsPerTable,
		MaxJoinPaths:       cfg.RAGMaxJoinPaths,
	}, log)
	generator := nlq.NewGenerator(llmClient, retriever, metrics, log)
	executor := pgstore.NewExecutor(pools.Query, cfg.StatementTimeoutSeconds, log)
	queryService := nlq.NewService(refresher, resolver, generator, executor, metrics, log)
	queryHandler := nlq.NewHandler(queryService, log)

	// ── 6. Health handlers (wired with real dependency checkers) ──────────
	liveness, readiness, health, kbStatus, metricsHandler := api.NewHealthHandlers(api.HealthDependencies{
		CheckDatabase: func() error {
			if err := pgstore.Ping(context.Background(), pools.Metadata); err != nil {
				return err
			}
			return pgstore.Ping(context.Background(), pools.Query)
		},
		PoolHealth: func() map[string]pgstore.PoolHealth {
			return pools.Health(context.Background())
		},
		KBStatus: refresher.Status,
		Rules:    refresher.Current,
		Metrics:  metrics.Snapshot,
	}, log)

	// ── 7. HTTP Server ────────────────────────────────────────────────────
	handlers := api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Health:    health,
		KBStatus:  kbStatus,
		Metrics:   metricsHandler,
		Query:     queryHandler,
	}

	server := api.NewServer(runCtx, cfg, log, handlers)

	// ── 8. Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal or server error.
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server startup error", slog.Any("error", err))
	}

	// Stop the refresher loop before draining requests.
	runCancel()

	shutdownTimeout := constants.ShutdownTimeout
	log.Info("shutting down server", slog.Duration("timeout", shutdownTimeout))

	if err := server.Shutdown(shutdownTimeout); err != nil {
		log.Error("shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped cleanly")
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is intentionally limited to startup wiring. After startup, all errors
// must be returned and handled explicitly (never panic).
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
