package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/shared"
)

// Kind discriminates how an entry was recorded.
type Kind string

const (
	// KindIndividual entries come from per-product submissions.
	KindIndividual Kind = "individual"
	// KindAggregated entries come from order level totals spread over line items.
	KindAggregated Kind = "aggregated"
	// KindCorrection entries compensate an earlier entry with negative amounts.
	KindCorrection Kind = "correction"
)

// Channel records who submitted an entry.
type Channel string

const (
	ChannelInternal Channel = "internal"
	ChannelPublic   Channel = "public"
)

// MaxPhotos is the number of photo references accepted per entry.
const MaxPhotos = 5

// Photo is an opaque reference to an uploaded image.
type Photo struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Entry is one immutable progress record against a line item.
type Entry struct {
	ID              int64           `json:"id"`
	SubmissionID    string          `json:"submission_id"`
	OrderID         int64           `json:"order_id"`
	LineItemID      int64           `json:"line_item_id"`
	Kind            Kind            `json:"kind"`
	Pieces          int             `json:"pieces_finished"`
	FabricUsed      decimal.Decimal `json:"fabric_used"`
	QualityScore    *int            `json:"quality_score,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Challenges      string          `json:"challenges,omitempty"`
	SubmittedBy     int64           `json:"submitted_by,omitempty"`
	Channel         Channel         `json:"channel"`
	CorrectsEntryID int64           `json:"corrects_entry_id,omitempty"`
	Photos          []Photo         `json:"photos,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ProductSubmission is the normalised per line item shape the coordinator accepts.
type ProductSubmission struct {
	LineItemID   int64
	Pieces       int
	FabricUsed   decimal.Decimal
	QualityScore *int
	Notes        string
	Challenges   string
	Photos       []Photo
}

// OrderRef identifies an order by id (internal callers) or share token (public callers).
type OrderRef struct {
	ID    int64
	Token uuid.UUID
}

// SubmissionMeta carries attribution for a batch.
type SubmissionMeta struct {
	UserID         int64
	Channel        Channel
	IdempotencyKey string
	Kind           Kind
}

// SubmitRequest is the input of SubmitProgress.
type SubmitRequest struct {
	Order OrderRef
	Items []ProductSubmission
	Meta  SubmissionMeta
}

// LineItemCompletion is the derived completion of one line item.
type LineItemCompletion struct {
	LineItemID  int64  `json:"line_item_id"`
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Completed   int    `json:"completed"`
	Ordered     int    `json:"ordered"`
	Remaining   int    `json:"remaining"`
	Percentage  int    `json:"percentage"`
	IsComplete  bool   `json:"is_complete"`
}

// OrderCompletion is the derived completion of an order.
type OrderCompletion struct {
	OrderID         int64                `json:"order_id"`
	OrderNo         string               `json:"order_no"`
	Status          orders.Status        `json:"status"`
	TotalOrdered    int                  `json:"total_ordered"`
	TotalCompleted  int                  `json:"total_completed"`
	Percentage      int                  `json:"percentage"`
	Products        []LineItemCompletion `json:"products"`
	IsOrderComplete bool                 `json:"is_order_complete"`
}

// SubmissionResult is returned by SubmitProgress and CorrectProgress.
type SubmissionResult struct {
	SubmissionID     string                  `json:"submission_id"`
	OrderID          int64                   `json:"order_id"`
	Entries          []Entry                 `json:"entries"`
	LedgerEntries    []materials.LedgerEntry `json:"ledger_entries"`
	LineItems        []LineItemCompletion    `json:"line_items"`
	Order            OrderCompletion         `json:"order"`
	PreviousStatus   orders.Status           `json:"previous_status"`
	Status           orders.Status           `json:"status"`
	StatusChanged    bool                    `json:"status_changed"`
	TransitionReason string                  `json:"transition_reason,omitempty"`
}

// CorrectionInput requests a compensating entry for an earlier entry.
type CorrectionInput struct {
	// OrderID, when set, must own the entry.
	OrderID        int64
	EntryID        int64
	Pieces         int
	FabricReturned decimal.Decimal
	Reason         string
	ActorID        int64
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	LineItemID int64
	Kind       Kind
	Limit      int
}

// LineItemDrift is one cache mismatch found by reconciliation.
type LineItemDrift struct {
	LineItemID int64 `json:"line_item_id"`
	Cached     int   `json:"cached"`
	Computed   int   `json:"computed"`
}

// Reconciliation reports the outcome of rebuilding an order's caches.
type Reconciliation struct {
	OrderID       int64           `json:"order_id"`
	LineItems     []LineItemDrift `json:"line_items"`
	CachedTotal   int             `json:"cached_total"`
	ComputedTotal int             `json:"computed_total"`
	StatusBefore  orders.Status   `json:"status_before"`
	StatusAfter   orders.Status   `json:"status_after"`
	Repaired      bool            `json:"repaired"`
}

// ErrQuantityExceeded matches every *QuantityExceededError.
var ErrQuantityExceeded = errors.New("progress: quantity exceeded")

var (
	// ErrOrderClosed is returned for piece submissions on completed, shipped or delivered orders.
	ErrOrderClosed = fmt.Errorf("progress: order no longer accepts pieces: %w", shared.ErrStateConflict)
	// ErrDuplicateSubmission is returned when an idempotency key was already used.
	ErrDuplicateSubmission = fmt.Errorf("progress: submission already processed: %w", shared.ErrStateConflict)
	// ErrEntryNotFound is returned for unknown progress entries.
	ErrEntryNotFound = fmt.Errorf("progress: entry %w", shared.ErrNotFound)
)

// QuantityExceededError reports a submission that would push a line item past
// its ordered quantity. LineItemID is zero when the order total was exceeded.
type QuantityExceededError struct {
	LineItemID int64
	Requested  int
	Remaining  int
}

func (e *QuantityExceededError) Error() string {
	if e.LineItemID == 0 {
		return fmt.Sprintf("progress: order quantity exceeded: requested %d, remaining %d", e.Requested, e.Remaining)
	}
	return fmt.Sprintf("progress: line item %d quantity exceeded: requested %d, remaining %d", e.LineItemID, e.Requested, e.Remaining)
}

// Is matches ErrQuantityExceeded and shared.ErrStateConflict.
func (e *QuantityExceededError) Is(target error) bool {
	return target == ErrQuantityExceeded || target == shared.ErrStateConflict
}
