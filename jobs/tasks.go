package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries drift repairs scheduled by live submissions.
	QueueCritical = "critical"

	// TaskReconcileOrder rebuilds the caches of one order.
	TaskReconcileOrder = "production:reconcile_order"
	// TaskReconcileOrders sweeps every open order.
	TaskReconcileOrders = "production:reconcile_all"
	// TaskReconcileStock rebuilds material stock caches from the ledger.
	TaskReconcileStock = "materials:reconcile_stock"
	// TaskLowStockScan reports materials under safety stock.
	TaskLowStockScan = "materials:low_stock_scan"
	// TaskIdempotencyCleanup prunes old submission keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ReconcileOrderPayload identifies the order to reconcile.
type ReconcileOrderPayload struct {
	OrderID int64 `json:"order_id"`
}

// LowStockPayload bounds a low stock scan.
type LowStockPayload struct {
	Limit int `json:"limit"`
}

// CleanupPayload sets the retention of idempotency keys in hours.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewReconcileOrderTask constructs an Asynq task.
func NewReconcileOrderTask(orderID int64) (*asynq.Task, error) {
	if orderID <= 0 {
		return nil, fmt.Errorf("jobs: order id required")
	}
	data, err := json.Marshal(ReconcileOrderPayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileOrder, data), nil
}

// NewReconcileOrdersTask constructs the sweep task.
func NewReconcileOrdersTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileOrders, nil)
}

// NewReconcileStockTask constructs the stock reconciliation task.
func NewReconcileStockTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileStock, nil)
}

// NewLowStockScanTask constructs a low stock scan.
func NewLowStockScanTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(LowStockPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, data), nil
}

// NewIdempotencyCleanupTask constructs the key pruning task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

func decodePayload(t *asynq.Task, v any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("%s: decode payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
