package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vaultgrant/vaultgrant/internal/app"
	"github.com/vaultgrant/vaultgrant/internal/deferred"
	"github.com/vaultgrant/vaultgrant/internal/entry"
	"github.com/vaultgrant/vaultgrant/internal/grant"
	"github.com/vaultgrant/vaultgrant/internal/observability"
	"github.com/vaultgrant/vaultgrant/internal/platform/cache"
	"github.com/vaultgrant/vaultgrant/internal/platform/db"
	"github.com/vaultgrant/vaultgrant/internal/session"
	"github.com/vaultgrant/vaultgrant/internal/shared"
	"github.com/vaultgrant/vaultgrant/internal/vault"
	"github.com/vaultgrant/vaultgrant/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "vaultgrant_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	sessions := session.NewFactory(dbpool, cfg.StoreAcquireTimeout, logger)

	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	submissionKeys := shared.NewSubmissionKeys(dbpool)

	grantRepo := grant.NewPGRepository(sessions)
	directory := vault.NewDirectory(sessions)
	grantService := grant.NewService(grantRepo, directory, nil, approvalRecorder, auditLogger, logger)

	queue := deferred.NewQueue(redisClient)
	drainer := deferred.NewDrainer(queue, grantService, deferred.Bounds{
		MaxAttempts: cfg.DeferredMaxAttempts,
		MaxAge:      cfg.DeferredMaxAge,
	}, logger)
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	entryRouter := entry.NewRouter(grantService, queue, drainer, jobClient, logger)

	metrics := observability.NewMetrics()
	entryHandler := entry.NewHandler(logger, grantService, entryRouter, cfg.LinkScheme, metrics, submissionKeys, approvalRecorder)

	// Flush anything parked by a previous run.
	if _, err := jobClient.EnqueueDeferredDrain(ctx); err != nil {
		logger.Warn("enqueue startup drain", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		EntryHandler:   entryHandler,
		JobsHandler:    jobsHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
