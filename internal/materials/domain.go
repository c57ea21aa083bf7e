package materials

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/shared"
)

// Source classifies what caused a ledger movement.
type Source string

const (
	// SourceManual is a stock-in keyed by an operator.
	SourceManual Source = "manual"
	// SourcePurchase is inbound stock from a received purchase.
	SourcePurchase Source = "purchase"
	// SourceProductionConsumption is fabric consumed by a progress entry.
	SourceProductionConsumption Source = "production_consumption"
	// SourceAdjustment is a signed correction, including reversed consumption.
	SourceAdjustment Source = "adjustment"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourcePurchase, SourceProductionConsumption, SourceAdjustment:
		return true
	}
	return false
}

// Material is a stockable input such as a fabric roll. QtyOnHand is a cache of
// the ledger sum and is only written together with a ledger append.
type Material struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Unit        string          `json:"unit"`
	QtyOnHand   decimal.Decimal `json:"qty_on_hand"`
	SafetyStock decimal.Decimal `json:"safety_stock"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BelowSafetyStock reports whether the cached quantity is under the threshold.
func (m Material) BelowSafetyStock() bool {
	return m.SafetyStock.IsPositive() && m.QtyOnHand.LessThan(m.SafetyStock)
}

// LedgerEntry is one append-only stock movement. Positive deltas are inbound
// (MASUK), negative deltas are outbound (KELUAR).
type LedgerEntry struct {
	ID              int64               `json:"id"`
	MaterialID      int64               `json:"material_id"`
	Delta           decimal.Decimal     `json:"delta"`
	Source          Source              `json:"source"`
	OrderID         int64               `json:"order_id,omitempty"`
	LineItemID      int64               `json:"line_item_id,omitempty"`
	ProgressEntryID int64               `json:"progress_entry_id,omitempty"`
	PurchaseRef     string              `json:"purchase_ref,omitempty"`
	UnitPrice       decimal.NullDecimal `json:"unit_price"`
	TotalValue      decimal.NullDecimal `json:"total_value"`
	ReferenceNo     string              `json:"reference_no,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	CreatedBy       int64               `json:"created_by,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Direction returns MASUK for inbound and KELUAR for outbound entries.
func (e LedgerEntry) Direction() string {
	if e.Delta.IsNegative() {
		return "KELUAR"
	}
	return "MASUK"
}

// LedgerFilter narrows ListMaterialLedger results.
type LedgerFilter struct {
	MaterialID int64
	Source     Source
	OrderID    int64
	From       time.Time
	To         time.Time
	Page       int
	PerPage    int
}

// LedgerPage is one page of ledger entries, newest first.
type LedgerPage struct {
	Entries    []LedgerEntry     `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

// StockOnHand is the ledger-derived quantity for a material alongside its cache.
type StockOnHand struct {
	MaterialID int64           `json:"material_id"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	OnHand     decimal.Decimal `json:"on_hand"`
	Cached     decimal.Decimal `json:"cached"`
	InSync     bool            `json:"in_sync"`
	LowStock   bool            `json:"low_stock"`
}

// StockReconciliation reports the outcome of recomputing a material cache.
type StockReconciliation struct {
	MaterialID int64           `json:"material_id"`
	Cached     decimal.Decimal `json:"cached"`
	Computed   decimal.Decimal `json:"computed"`
	Drift      decimal.Decimal `json:"drift"`
	Repaired   bool            `json:"repaired"`
}

// PurchaseReceiptInput books inbound stock from a purchase.
type PurchaseReceiptInput struct {
	MaterialID  int64
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	PurchaseRef string
	Notes       string
	ActorID     int64
}

// StockInInput books a manual inbound movement.
type StockInInput struct {
	MaterialID  int64
	Quantity    decimal.Decimal
	ReferenceNo string
	Notes       string
	ActorID     int64
}

// AdjustmentInput books a signed correction.
type AdjustmentInput struct {
	MaterialID  int64
	Delta       decimal.Decimal
	ReferenceNo string
	Notes       string
	ActorID     int64
}

var (
	// ErrMaterialNotFound is returned for unknown material ids.
	ErrMaterialNotFound = fmt.Errorf("materials: material %w", shared.ErrNotFound)
	// ErrNegativeQuantity is returned when a movement quantity is not strictly positive.
	ErrNegativeQuantity = fmt.Errorf("materials: quantity must be positive: %w", shared.ErrValidation)
	// ErrZeroDelta is returned for adjustments that would not move stock.
	ErrZeroDelta = fmt.Errorf("materials: delta must be non zero: %w", shared.ErrValidation)
	// ErrDuplicateReference is returned when a reference number was already booked.
	ErrDuplicateReference = fmt.Errorf("materials: reference already recorded: %w", shared.ErrStateConflict)
	// ErrNegativeStock is returned when an adjustment would drive stock below zero.
	ErrNegativeStock = fmt.Errorf("materials: negative stock not allowed: %w", shared.ErrStateConflict)
)

// PurchaseReference is the ledger reference for a purchase receipt.
func PurchaseReference(purchaseRef string) string {
	return "PUR-" + purchaseRef
}

// ConsumptionReference is the ledger reference for fabric consumed by a progress entry.
func ConsumptionReference(progressEntryID int64) string {
	return "PROG-" + strconv.FormatInt(progressEntryID, 10)
}

// ReversalReference is the ledger reference for fabric returned by a correction entry.
func ReversalReference(progressEntryID int64) string {
	return "PROG-REV-" + strconv.FormatInt(progressEntryID, 10)
}

// QuantityScale is the number of decimal places stored for quantities.
const QuantityScale = 3

// quantityLimit is the smallest magnitude a NUMERIC(14,3) column rejects.
var quantityLimit = decimal.New(1, 14-QuantityScale)

// CheckQuantity rejects values a NUMERIC(14,3) column would round or overflow.
func CheckQuantity(field string, q decimal.Decimal) error {
	if !q.Equal(q.Truncate(QuantityScale)) {
		return shared.NewValidationError(field, fmt.Sprintf("at most %d decimal places", QuantityScale))
	}
	if q.Abs().GreaterThanOrEqual(quantityLimit) {
		return shared.NewValidationError(field, "must be less than "+quantityLimit.String())
	}
	return nil
}
