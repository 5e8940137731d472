package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/medcore/stockcore/internal/app"
	jobmetrics "github.com/medcore/stockcore/internal/jobs"
	"github.com/medcore/stockcore/internal/observability"
	"github.com/medcore/stockcore/internal/platform/cache"
	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/jobs"
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
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", slog.Any("error", err))
		os.Exit(1)
	}

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

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	services, err := app.BuildServices(app.ServiceDeps{
		Pool:    pool,
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}

	eventJob := jobs.NewEventJob(nil, logger, jobMetrics)
	reconcileJob := jobs.NewReconcileJob(services.Inventory, cache.NewLocker(redisClient), cfg.ReconcileLockTTL, logger, jobMetrics)

	reconcileTask, err := jobs.NewReconcileTask(jobs.ReconcilePayload{Repair: cfg.ReconcileRepair})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Location:  loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockEvent, Handler: eventJob.Handle},
			{Type: jobs.TaskStockReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
