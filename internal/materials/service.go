package materials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMaterial(ctx context.Context, id int64) (Material, error)
	SumDeltas(ctx context.Context, id int64) (decimal.Decimal, error)
	ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error)
	ListLowStock(ctx context.Context, limit int) ([]Material, error)
	ListMaterialIDs(ctx context.Context) ([]int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// StockScheduler queues a background rebuild of material caches.
type StockScheduler interface {
	ScheduleStockReconcile(ctx context.Context) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AllowNegativeStock lets manual adjustments push stock below zero.
	// Production consumption is always recorded regardless of this flag.
	AllowNegativeStock bool
	// Scheduler receives a reconcile request whenever a read observes drift.
	Scheduler StockScheduler
}

// Service coordinates material ledger operations.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	logger    *slog.Logger
	allowNeg  bool
	scheduler StockScheduler
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		audit:     audit,
		logger:    logger.With(slog.String("component", "materials")),
		allowNeg:  cfg.AllowNegativeStock,
		scheduler: cfg.Scheduler,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetMaterialStockOnHand replays the ledger for a material. The returned OnHand
// is the ledger sum; Cached is the stored projection and InSync tells whether
// they agree.
func (s *Service) GetMaterialStockOnHand(ctx context.Context, materialID int64) (StockOnHand, error) {
	if materialID <= 0 {
		return StockOnHand{}, shared.NewValidationError("material_id", "must be positive")
	}
	material, err := s.repo.GetMaterial(ctx, materialID)
	if err != nil {
		return StockOnHand{}, err
	}
	sum, err := s.repo.SumDeltas(ctx, materialID)
	if err != nil {
		return StockOnHand{}, fmt.Errorf("materials: sum ledger: %w", err)
	}
	out := StockOnHand{
		MaterialID: material.ID,
		Name:       material.Name,
		Unit:       material.Unit,
		OnHand:     sum,
		Cached:     material.QtyOnHand,
		InSync:     sum.Equal(material.QtyOnHand),
		LowStock:   material.SafetyStock.IsPositive() && sum.LessThan(material.SafetyStock),
	}
	if !out.InSync {
		s.logger.Warn("material cache drift",
			slog.Int64("material_id", materialID),
			slog.Any("error", &shared.ConsistencyError{Entity: "material", ID: materialID, Cached: material.QtyOnHand.String(), Computed: sum.String()}),
		)
		s.scheduleReconcile(ctx, materialID)
	}
	return out, nil
}

// scheduleReconcile asks the worker to repair the cache. The read still
// succeeds when the queue is unavailable.
func (s *Service) scheduleReconcile(ctx context.Context, materialID int64) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.ScheduleStockReconcile(ctx); err != nil {
		s.logger.Warn("schedule stock reconcile failed", slog.Int64("material_id", materialID), slog.Any("error", err))
	}
}

// ListMaterialLedger lists ledger entries for a material, newest first.
func (s *Service) ListMaterialLedger(ctx context.Context, materialID int64, filter LedgerFilter) (LedgerPage, error) {
	if materialID <= 0 {
		return LedgerPage{}, shared.NewValidationError("material_id", "must be positive")
	}
	if filter.Source != "" && !filter.Source.Valid() {
		return LedgerPage{}, shared.NewValidationError("source", "unknown ledger source")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return LedgerPage{}, shared.NewValidationError("to", "must not be before from")
	}
	if _, err := s.repo.GetMaterial(ctx, materialID); err != nil {
		return LedgerPage{}, err
	}
	filter.MaterialID = materialID
	entries, total, err := s.repo.ListLedger(ctx, filter)
	if err != nil {
		return LedgerPage{}, fmt.Errorf("materials: list ledger: %w", err)
	}
	return LedgerPage{Entries: entries, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
}

// PostPurchaseReceipt books inbound stock for a received purchase. Each
// purchase reference can be received once.
func (s *Service) PostPurchaseReceipt(ctx context.Context, input PurchaseReceiptInput) (LedgerEntry, error) {
	if input.MaterialID <= 0 {
		return LedgerEntry{}, shared.NewValidationError("material_id", "must be positive")
	}
	ref := strings.TrimSpace(input.PurchaseRef)
	if ref == "" {
		return LedgerEntry{}, shared.NewValidationError("purchase_ref", "required")
	}
	if !input.Quantity.IsPositive() {
		return LedgerEntry{}, ErrNegativeQuantity
	}
	if err := CheckQuantity("quantity", input.Quantity); err != nil {
		return LedgerEntry{}, err
	}
	if input.UnitPrice.IsNegative() {
		return LedgerEntry{}, shared.NewValidationError("unit_price", "must be >= 0")
	}
	entry := LedgerEntry{
		MaterialID:  input.MaterialID,
		Delta:       input.Quantity,
		Source:      SourcePurchase,
		PurchaseRef: ref,
		UnitPrice:   decimal.NewNullDecimal(input.UnitPrice),
		TotalValue:  decimal.NewNullDecimal(input.Quantity.Mul(input.UnitPrice).Round(2)),
		ReferenceNo: PurchaseReference(ref),
		Notes:       input.Notes,
		CreatedBy:   input.ActorID,
	}
	return s.post(ctx, entry, "materials.purchase_receipt")
}

// PostStockIn books a manual inbound movement.
func (s *Service) PostStockIn(ctx context.Context, input StockInInput) (LedgerEntry, error) {
	if input.MaterialID <= 0 {
		return LedgerEntry{}, shared.NewValidationError("material_id", "must be positive")
	}
	if !input.Quantity.IsPositive() {
		return LedgerEntry{}, ErrNegativeQuantity
	}
	if err := CheckQuantity("quantity", input.Quantity); err != nil {
		return LedgerEntry{}, err
	}
	return s.post(ctx, LedgerEntry{
		MaterialID:  input.MaterialID,
		Delta:       input.Quantity,
		Source:      SourceManual,
		ReferenceNo: strings.TrimSpace(input.ReferenceNo),
		Notes:       input.Notes,
		CreatedBy:   input.ActorID,
	}, "materials.stock_in")
}

// PostAdjustment books a signed correction.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (LedgerEntry, error) {
	if input.MaterialID <= 0 {
		return LedgerEntry{}, shared.NewValidationError("material_id", "must be positive")
	}
	if input.Delta.IsZero() {
		return LedgerEntry{}, ErrZeroDelta
	}
	if err := CheckQuantity("delta", input.Delta); err != nil {
		return LedgerEntry{}, err
	}
	if strings.TrimSpace(input.Notes) == "" {
		return LedgerEntry{}, shared.NewValidationError("notes", "adjustments require a reason")
	}
	return s.post(ctx, LedgerEntry{
		MaterialID:  input.MaterialID,
		Delta:       input.Delta,
		Source:      SourceAdjustment,
		ReferenceNo: strings.TrimSpace(input.ReferenceNo),
		Notes:       input.Notes,
		CreatedBy:   input.ActorID,
	}, "materials.adjustment")
}

func (s *Service) post(ctx context.Context, entry LedgerEntry, action string) (LedgerEntry, error) {
	entry.CreatedAt = s.now()
	var saved LedgerEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		material, err := tx.LockMaterial(ctx, entry.MaterialID)
		if err != nil {
			return err
		}
		if entry.Delta.IsNegative() && !s.allowNeg && material.QtyOnHand.Add(entry.Delta).IsNegative() {
			return ErrNegativeStock
		}
		saved, err = appendUnique(ctx, tx, entry)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.recordAudit(ctx, saved, action)
	return saved, nil
}

// ReconcileStock recomputes the cached quantity of a material from its ledger
// and repairs the cache when they disagree.
func (s *Service) ReconcileStock(ctx context.Context, materialID int64) (StockReconciliation, error) {
	var result StockReconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		material, err := tx.LockMaterial(ctx, materialID)
		if err != nil {
			return err
		}
		sum, err := tx.SumDeltas(ctx, materialID)
		if err != nil {
			return err
		}
		result = StockReconciliation{
			MaterialID: materialID,
			Cached:     material.QtyOnHand,
			Computed:   sum,
			Drift:      material.QtyOnHand.Sub(sum),
		}
		if sum.Equal(material.QtyOnHand) {
			return nil
		}
		if err := tx.SetQtyOnHand(ctx, materialID, sum); err != nil {
			return err
		}
		result.Repaired = true
		return nil
	})
	if err != nil {
		return StockReconciliation{}, err
	}
	if result.Repaired {
		s.logger.Warn("material cache repaired",
			slog.Int64("material_id", materialID),
			slog.String("cached", result.Cached.String()),
			slog.String("computed", result.Computed.String()),
		)
	}
	return result, nil
}

// ReconcileAllStock reconciles every material and returns the ones that drifted.
func (s *Service) ReconcileAllStock(ctx context.Context) ([]StockReconciliation, error) {
	ids, err := s.repo.ListMaterialIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("materials: list ids: %w", err)
	}
	repaired := []StockReconciliation{}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		res, err := s.ReconcileStock(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("material %d: %w", id, err))
			continue
		}
		if res.Repaired {
			repaired = append(repaired, res)
		}
	}
	return repaired, errors.Join(errs...)
}

// ListLowStock lists materials under their safety stock.
func (s *Service) ListLowStock(ctx context.Context, limit int) ([]Material, error) {
	return s.repo.ListLowStock(ctx, limit)
}

func (s *Service) recordAudit(ctx context.Context, entry LedgerEntry, action string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  entry.CreatedBy,
		Action:   action,
		Entity:   "material",
		EntityID: strconv.FormatInt(entry.MaterialID, 10),
		Meta: map[string]any{
			"ledger_id":    entry.ID,
			"delta":        entry.Delta.String(),
			"source":       string(entry.Source),
			"reference_no": entry.ReferenceNo,
		},
		At: entry.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
