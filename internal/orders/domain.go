package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/konveksi/konveksi/internal/shared"
)

// Status represents the lifecycle of a production order.
type Status string

const (
	StatusCreated      Status = "created"
	StatusNeedMaterial Status = "need_material"
	StatusConfirmed    Status = "confirmed"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusShipped      Status = "shipped"
	StatusDelivered    Status = "delivered"
	StatusCancelled    Status = "cancelled"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusNeedMaterial, StatusConfirmed, StatusProcessing,
		StatusCompleted, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsClosed reports whether production is finished, so new piece counts are
// no longer accepted.
func (s Status) IsClosed() bool {
	switch s {
	case StatusCompleted, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority ranks orders on the production floor.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Order is a customer production order.
type Order struct {
	ID           int64      `json:"id"`
	Number       string     `json:"order_no"`
	Status       Status     `json:"status"`
	TargetPcs    int        `json:"target_pcs"`
	CompletedPcs int        `json:"completed_pcs"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Priority     Priority   `json:"priority"`
	Active       bool       `json:"is_active"`
	ShareToken   uuid.UUID  `json:"share_token"`
	CreatedBy    int64      `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LineItem is one product and quantity row of an order. CompletedQty and
// IsComplete are caches of the progress entries recorded against it.
type LineItem struct {
	ID           int64      `json:"id"`
	OrderID      int64      `json:"order_id"`
	ProductID    int64      `json:"product_id"`
	ProductName  string     `json:"product_name"`
	MaterialID   int64      `json:"material_id,omitempty"`
	OrderedQty   int        `json:"ordered_qty"`
	CompletedQty int        `json:"completed_qty"`
	IsComplete   bool       `json:"is_complete"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Remaining returns how many pieces can still be recorded given completed.
func (li LineItem) Remaining(completed int) int {
	if completed >= li.OrderedQty {
		return 0
	}
	return li.OrderedQty - completed
}

// Product is read-only master data linking a garment to its fabric.
type Product struct {
	ID         int64
	Name       string
	MaterialID int64
}

// StatusChange is one row of the order status history.
type StatusChange struct {
	OrderID int64     `json:"order_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason"`
	ActorID int64     `json:"actor_id,omitempty"`
	At      time.Time `json:"at"`
}

// Detail bundles an order with its line items.
type Detail struct {
	Order     Order      `json:"order"`
	LineItems []LineItem `json:"line_items"`
}

// CreateLineItemInput requests one product on a new order.
type CreateLineItemInput struct {
	ProductID int64
	Quantity  int
}

// CreateOrderInput requests a new order.
type CreateOrderInput struct {
	Number   string
	DueDate  *time.Time
	Priority Priority
	Items    []CreateLineItemInput
	ActorID  int64
}

// TransitionInput requests a manual status change.
type TransitionInput struct {
	OrderID int64
	To      Status
	Reason  string
	ActorID int64
}

var (
	// ErrOrderNotFound is returned for unknown orders or share tokens.
	ErrOrderNotFound = fmt.Errorf("orders: order %w", shared.ErrNotFound)
	// ErrLineItemNotFound is returned when a line item does not belong to the order.
	ErrLineItemNotFound = fmt.Errorf("orders: line item %w", shared.ErrNotFound)
	// ErrProductNotFound is returned for unknown products.
	ErrProductNotFound = fmt.Errorf("orders: product %w", shared.ErrNotFound)
	// ErrOrderCancelled is returned for writes against a cancelled order.
	ErrOrderCancelled = fmt.Errorf("orders: order is cancelled: %w", shared.ErrStateConflict)
	// ErrOrderInactive is returned for writes against a deactivated order.
	ErrOrderInactive = fmt.Errorf("orders: order is inactive: %w", shared.ErrStateConflict)
	// ErrInvalidTransition is returned for status changes the lifecycle does not allow.
	ErrInvalidTransition = fmt.Errorf("orders: invalid status transition: %w", shared.ErrStateConflict)
	// ErrDuplicateNumber is returned when an order number is taken.
	ErrDuplicateNumber = fmt.Errorf("orders: order number already used: %w", shared.ErrStateConflict)
)
