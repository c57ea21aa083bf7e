package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/konveksi/konveksi/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	GetOrderByToken(ctx context.Context, token uuid.UUID) (Order, error)
	ListLineItems(ctx context.Context, orderID int64) ([]LineItem, error)
	ListStatusHistory(ctx context.Context, orderID int64) ([]StatusChange, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages order creation and operator driven status changes.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		audit:  audit,
		logger: logger.With(slog.String("component", "orders")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder creates an order and its line items in status created. The
// target piece count is the sum of line quantities.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Detail, error) {
	if len(input.Items) == 0 {
		return Detail{}, shared.NewValidationError("items", "at least one line item required")
	}
	target := 0
	for i, item := range input.Items {
		if item.ProductID <= 0 {
			return Detail{}, shared.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "must be positive")
		}
		if item.Quantity <= 0 {
			return Detail{}, shared.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
		}
		target += item.Quantity
	}
	priority := input.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	switch priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return Detail{}, shared.NewValidationError("priority", "must be one of low normal high urgent")
	}
	now := s.now()
	number := strings.TrimSpace(input.Number)
	if number == "" {
		number = generateNumber("ORD", now)
	}

	var detail Detail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		products := make([]Product, len(input.Items))
		for i, item := range input.Items {
			p, err := tx.GetProduct(ctx, item.ProductID)
			if err != nil {
				return fmt.Errorf("items[%d]: %w", i, err)
			}
			products[i] = p
		}
		order, err := tx.InsertOrder(ctx, Order{
			Number:     number,
			Status:     StatusCreated,
			TargetPcs:  target,
			DueDate:    input.DueDate,
			Priority:   priority,
			Active:     true,
			ShareToken: uuid.New(),
			CreatedBy:  input.ActorID,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		items := make([]LineItem, 0, len(input.Items))
		for i, in := range input.Items {
			li, err := tx.InsertLineItem(ctx, LineItem{
				OrderID:     order.ID,
				ProductID:   in.ProductID,
				ProductName: products[i].Name,
				MaterialID:  products[i].MaterialID,
				OrderedQty:  in.Quantity,
			})
			if err != nil {
				return err
			}
			items = append(items, li)
		}
		if err := tx.InsertStatusChange(ctx, StatusChange{OrderID: order.ID, From: "", To: StatusCreated, Reason: "order created", ActorID: input.ActorID, At: now}); err != nil {
			return err
		}
		detail = Detail{Order: order, LineItems: items}
		return nil
	})
	if err != nil {
		return Detail{}, err
	}
	s.recordAudit(ctx, input.ActorID, "orders.create", detail.Order.ID, map[string]any{
		"order_no":   detail.Order.Number,
		"target_pcs": detail.Order.TargetPcs,
	})
	return detail, nil
}

// GetOrder returns an order with its line items.
func (s *Service) GetOrder(ctx context.Context, id int64) (Detail, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	items, err := s.repo.ListLineItems(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Order: order, LineItems: items}, nil
}

// ResolveToken maps a public share token to its order.
func (s *Service) ResolveToken(ctx context.Context, token uuid.UUID) (Order, error) {
	if token == uuid.Nil {
		return Order{}, ErrOrderNotFound
	}
	return s.repo.GetOrderByToken(ctx, token)
}

// StatusHistory lists the status changes of an order.
func (s *Service) StatusHistory(ctx context.Context, id int64) ([]StatusChange, error) {
	if _, err := s.repo.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListStatusHistory(ctx, id)
}

// Transition applies an operator requested status change.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (Order, error) {
	if !input.To.IsValid() {
		return Order{}, shared.NewValidationError("status", "unknown status")
	}
	now := s.now()
	var updated Order
	var from Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		from = order.Status
		if !CanTransition(order.Status, input.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, input.To)
		}
		reason := strings.TrimSpace(input.Reason)
		if reason == "" {
			reason = fmt.Sprintf("manual transition to %s", input.To)
		}
		if err := tx.UpdateOrderProgress(ctx, order.ID, order.CompletedPcs, input.To, now); err != nil {
			return err
		}
		if err := tx.InsertStatusChange(ctx, StatusChange{OrderID: order.ID, From: order.Status, To: input.To, Reason: reason, ActorID: input.ActorID, At: now}); err != nil {
			return err
		}
		order.Status = input.To
		order.UpdatedAt = now
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.logger.Info("order status changed",
		slog.Int64("order_id", updated.ID),
		slog.String("from", string(from)),
		slog.String("to", string(updated.Status)),
	)
	s.recordAudit(ctx, input.ActorID, "orders.transition", updated.ID, map[string]any{
		"from":   string(from),
		"to":     string(updated.Status),
		"reason": input.Reason,
	})
	return updated, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "order",
		EntityID: strconv.FormatInt(orderID, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func generateNumber(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, at.Format("20060102"), at.UnixNano()%1000000)
}
