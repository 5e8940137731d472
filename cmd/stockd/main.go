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

	"github.com/medcore/stockcore/internal/accounting/journals"
	"github.com/medcore/stockcore/internal/adjustment"
	"github.com/medcore/stockcore/internal/app"
	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/masterdata/items"
	"github.com/medcore/stockcore/internal/observability"
	"github.com/medcore/stockcore/internal/opname"
	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/internal/procurement"
	"github.com/medcore/stockcore/internal/requisition"
	"github.com/medcore/stockcore/internal/transfer"
	"github.com/medcore/stockcore/jobs"
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

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	publisher := jobs.NewClient(redisOpts)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	services, err := app.BuildServices(app.ServiceDeps{
		Pool:    dbpool,
		Config:  cfg,
		Logger:  logger,
		Events:  publisher,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		InventoryHandler:   inventory.NewHandler(logger, services.Inventory),
		RequisitionHandler: requisition.NewHandler(logger, services.Requisition),
		TransferHandler:    transfer.NewHandler(logger, services.Transfer),
		AdjustmentHandler:  adjustment.NewHandler(logger, services.Adjustment),
		OpnameHandler:      opname.NewHandler(logger, services.Opname),
		ProcurementHandler: procurement.NewHandler(logger, services.Procurement),
		JournalHandler:     journals.NewHandler(logger, services.Journals),
		ItemsHandler:       items.NewHandler(logger, services.Items),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
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
