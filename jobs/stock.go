package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/konveksi/konveksi/internal/jobs"
	"github.com/konveksi/konveksi/internal/materials"
)

// StockService is the materials surface used by stock jobs.
type StockService interface {
	ReconcileAllStock(ctx context.Context) ([]materials.StockReconciliation, error)
	ListLowStock(ctx context.Context, limit int) ([]materials.Material, error)
}

// StockJob keeps material caches honest and flags low stock.
type StockJob struct {
	Service StockService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockJob initialises the stock handlers.
func NewStockJob(service StockService, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockJob {
	return &StockJob{Service: service, Logger: logger, Metrics: metrics}
}

// HandleReconcile rebuilds every material's qty_on_hand from its ledger.
func (j *StockJob) HandleReconcile(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("stock reconcile: handler not configured")
	}
	tracker := j.metrics().Track(TaskReconcileStock)
	defer func() { err = tracker.End(err) }()

	results, err := j.Service.ReconcileAllStock(ctx)
	repaired := 0
	for _, r := range results {
		if !r.Repaired {
			continue
		}
		repaired++
		j.logger(TaskReconcileStock).Warn("material cache repaired",
			slog.Int64("material_id", r.MaterialID),
			slog.String("cached", r.Cached.String()),
			slog.String("computed", r.Computed.String()),
		)
	}
	j.metrics().AddRepaired("material", repaired)
	return err
}

// HandleLowStockScan logs every material below its safety stock.
func (j *StockJob) HandleLowStockScan(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskLowStockScan)
	defer func() { err = tracker.End(err) }()

	items, err := j.Service.ListLowStock(ctx, payload.Limit)
	if err != nil {
		return err
	}
	j.metrics().SetLowStock(len(items))
	for _, m := range items {
		j.logger(TaskLowStockScan).Warn("material below safety stock",
			slog.Int64("material_id", m.ID),
			slog.String("name", m.Name),
			slog.String("on_hand", m.QtyOnHand.String()),
			slog.String("safety_stock", m.SafetyStock.String()),
		)
	}
	return nil
}

func (j *StockJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *StockJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
