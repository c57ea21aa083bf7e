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

	"github.com/konveksi/konveksi/internal/app"
	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/observability"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/platform/cache"
	"github.com/konveksi/konveksi/internal/platform/db"
	"github.com/konveksi/konveksi/internal/progress"
	"github.com/konveksi/konveksi/internal/shared"
	"github.com/konveksi/konveksi/jobs"
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
	slog.SetDefault(logger)
	observability.InstallPropagator()

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	// The summary cache is optional; without Redis reads go straight to Postgres.
	var summaryCache *progress.SummaryCache
	redisClient, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, summary cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		summaryCache = progress.NewSummaryCache(redisClient, cfg.SummaryCacheTTL)
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	jobClient := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	ordersService := orders.NewService(orders.NewRepository(pool), auditLogger, logger)
	materialsService := materials.NewService(materials.NewRepository(pool), auditLogger, logger, materials.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
		Scheduler:          jobClient,
	})
	progressService := progress.NewService(progress.NewRepository(pool), progress.Deps{
		Audit:     auditLogger,
		Cache:     summaryCache,
		Metrics:   progress.NewMetrics(metrics.Registerer()),
		Scheduler: jobClient,
		Logger:    logger,
	}, progress.Config{AllowFabricAfterCompletion: cfg.AllowFabricAfterCompletion})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		Database:         pool,
		OrdersHandler:    orders.NewHandler(logger, ordersService),
		ProgressHandler:  progress.NewHandler(logger, progressService, progress.HandlerConfig{PublicRateLimit: cfg.PublicRateLimit}),
		MaterialsHandler: materials.NewHandler(logger, materialsService),
		JobHandler:       jobs.NewHandler(inspector, jobClient, logger),
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
