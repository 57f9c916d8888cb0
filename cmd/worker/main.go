package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vaultgrant/vaultgrant/internal/app"
	"github.com/vaultgrant/vaultgrant/internal/deferred"
	"github.com/vaultgrant/vaultgrant/internal/grant"
	"github.com/vaultgrant/vaultgrant/internal/platform/cache"
	"github.com/vaultgrant/vaultgrant/internal/platform/db"
	"github.com/vaultgrant/vaultgrant/internal/session"
	"github.com/vaultgrant/vaultgrant/internal/shared"
	"github.com/vaultgrant/vaultgrant/internal/vault"
	"github.com/vaultgrant/vaultgrant/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	sessions := session.NewFactory(pool, cfg.StoreAcquireTimeout, logger)

	auditLogger := shared.NewAuditLogger(pool)
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	submissionKeys := shared.NewSubmissionKeys(pool)

	grantRepo := grant.NewPGRepository(sessions)
	directory := vault.NewDirectory(sessions)
	grantService := grant.NewService(grantRepo, directory, nil, approvalRecorder, auditLogger, logger)

	queue := deferred.NewQueue(redisClient)
	drainer := deferred.NewDrainer(queue, grantService, deferred.Bounds{
		MaxAttempts: cfg.DeferredMaxAttempts,
		MaxAge:      cfg.DeferredMaxAge,
	}, logger)

	drainTask, err := jobs.NewDeferredDrainTask(time.Now().UTC())
	if err != nil {
		logger.Error("build drain task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewRetentionSweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDeferredDrain, Handler: jobs.NewDeferredDrainHandler(drainer, nil, logger)},
			{Type: jobs.TaskRetentionSweep, Handler: jobs.NewRetentionSweepHandler(submissionKeys, cfg.IdempotencyRetention, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "* * * * *", Task: drainTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "0 3 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
