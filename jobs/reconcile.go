package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/konveksi/konveksi/internal/jobs"
	"github.com/konveksi/konveksi/internal/progress"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OrderReconciler rebuilds order caches from progress entries.
type OrderReconciler interface {
	Reconcile(ctx context.Context, orderID int64) (progress.Reconciliation, error)
	ReconcileAll(ctx context.Context) ([]progress.Reconciliation, error)
}

// OrderReconcileJob repairs line item and order caches after drift.
type OrderReconcileJob struct {
	Service OrderReconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOrderReconcileJob initialises the reconciliation handlers.
func NewOrderReconcileJob(service OrderReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrderReconcileJob {
	return &OrderReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// HandleOrder reconciles the order named in the payload.
func (j *OrderReconcileJob) HandleOrder(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("order reconcile: handler not configured")
	}
	var payload ReconcileOrderPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	if payload.OrderID <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.metrics().Track(TaskReconcileOrder)
	defer func() { err = tracker.End(err) }()

	rec, err := j.Service.Reconcile(ctx, payload.OrderID)
	if err != nil {
		j.logger(TaskReconcileOrder).Error("reconcile failed", slog.Int64("order_id", payload.OrderID), slog.Any("error", err))
		return err
	}
	if rec.Repaired {
		j.metrics().AddRepaired("order", 1)
	}
	j.logger(TaskReconcileOrder).Info("order reconciled",
		slog.Int64("order_id", rec.OrderID),
		slog.Bool("repaired", rec.Repaired),
		slog.Int("drifted_line_items", len(rec.LineItems)),
	)
	return nil
}

// HandleAll sweeps every open order.
func (j *OrderReconcileJob) HandleAll(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("order reconcile: handler not configured")
	}
	start := time.Now()
	tracker := j.metrics().Track(TaskReconcileOrders)
	defer func() { err = tracker.End(err) }()

	repaired, err := j.Service.ReconcileAll(ctx)
	j.metrics().AddRepaired("order", len(repaired))
	for _, rec := range repaired {
		j.logger(TaskReconcileOrders).Warn("order caches repaired",
			slog.Int64("order_id", rec.OrderID),
			slog.Int("cached_total", rec.CachedTotal),
			slog.Int("computed_total", rec.ComputedTotal),
			slog.String("status_after", string(rec.StatusAfter)),
		)
	}
	j.logger(TaskReconcileOrders).Info("completed order sweep",
		slog.Int("repaired", len(repaired)),
		slog.Duration("duration", time.Since(start)),
	)
	return err
}

func (j *OrderReconcileJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *OrderReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
