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

	"github.com/hibiken/asynq"

	"github.com/konveksi/konveksi/internal/app"
	jobmetrics "github.com/konveksi/konveksi/internal/jobs"
	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/observability"
	"github.com/konveksi/konveksi/internal/platform/cache"
	"github.com/konveksi/konveksi/internal/platform/db"
	"github.com/konveksi/konveksi/internal/progress"
	"github.com/konveksi/konveksi/internal/shared"
	"github.com/konveksi/konveksi/jobs"
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
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
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
	workerMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	auditLogger := shared.NewAuditLogger(pool)

	progressService := progress.NewService(progress.NewRepository(pool), progress.Deps{
		Audit:   auditLogger,
		Cache:   progress.NewSummaryCache(redisClient, cfg.SummaryCacheTTL),
		Metrics: progress.NewMetrics(metrics.Registerer()),
		Logger:  logger,
	}, progress.Config{AllowFabricAfterCompletion: cfg.AllowFabricAfterCompletion})
	materialsService := materials.NewService(materials.NewRepository(pool), auditLogger, logger, materials.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	reconcileJob := jobs.NewOrderReconcileJob(progressService, logger, workerMetrics)
	stockJob := jobs.NewStockJob(materialsService, logger, workerMetrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:   shared.NewIdempotencyStore(pool),
		Logger:  logger,
		Metrics: workerMetrics,
	}

	lowStockTask, err := jobs.NewLowStockScanTask(100)
	if err != nil {
		logger.Error("build low stock task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(int(cfg.IdempotencyRetention / time.Hour))
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileOrder, Handler: reconcileJob.HandleOrder},
			{Type: jobs.TaskReconcileOrders, Handler: reconcileJob.HandleAll},
			{Type: jobs.TaskReconcileStock, Handler: stockJob.HandleReconcile},
			{Type: jobs.TaskLowStockScan, Handler: stockJob.HandleLowStockScan},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: jobs.NewReconcileOrdersTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.StockReconcileCron, Task: jobs.NewReconcileStockTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LowStockCron, Task: lowStockTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.IdempotencyCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
