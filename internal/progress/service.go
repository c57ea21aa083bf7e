package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (orders.Order, error)
	GetOrderByToken(ctx context.Context, token uuid.UUID) (orders.Order, error)
	ListLineItems(ctx context.Context, orderID int64) ([]orders.LineItem, error)
	GetLineItem(ctx context.Context, id int64) (orders.LineItem, error)
	SumPiecesByLineItem(ctx context.Context, orderID int64) (map[int64]int, error)
	SumPiecesForLineItem(ctx context.Context, lineItemID int64) (int, error)
	ListEntries(ctx context.Context, orderID int64, filter EntryFilter) ([]Entry, error)
	ListOpenOrderIDs(ctx context.Context) ([]int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ReconcileScheduler queues a background rebuild of an order's caches.
type ReconcileScheduler interface {
	ScheduleOrderReconcile(ctx context.Context, orderID int64) error
}

// Config tunes the coordinator.
type Config struct {
	// AllowFabricAfterCompletion accepts fabric-only entries on completed,
	// shipped and delivered orders.
	AllowFabricAfterCompletion bool
}

// Deps groups the optional collaborators of Service.
type Deps struct {
	Audit     AuditPort
	Cache     *SummaryCache
	Metrics   *Metrics
	Scheduler ReconcileScheduler
	Logger    *slog.Logger
}

// Service records production progress and keeps order, line item and
// material caches consistent with it.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	cache     *SummaryCache
	metrics   *Metrics
	scheduler ReconcileScheduler
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
	newID     func() string
}

// NewService builds Service.
func NewService(repo RepositoryPort, deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		audit:     deps.Audit,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		scheduler: deps.Scheduler,
		logger:    logger.With(slog.String("component", "progress")),
		tracer:    otel.Tracer("github.com/konveksi/konveksi/internal/progress"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return ulid.Make().String() },
	}
}

// Submit normalises an API level submission and records it.
func (s *Service) Submit(ctx context.Context, ref OrderRef, sub Submission, meta SubmissionMeta) (SubmissionResult, error) {
	if sub == nil {
		return SubmissionResult{}, shared.NewValidationError("variant", "submission required")
	}
	order, err := s.resolve(ctx, ref)
	if err != nil {
		return SubmissionResult{}, err
	}
	snapshot, err := s.ComputeOrderCompletion(ctx, order.ID)
	if err != nil {
		return SubmissionResult{}, err
	}
	items, err := sub.normalize(snapshot)
	if err != nil {
		s.metrics.observeSubmission(meta.Channel, resultLabel(err))
		return SubmissionResult{}, err
	}
	meta.Kind = sub.kind()
	return s.SubmitProgress(ctx, SubmitRequest{Order: OrderRef{ID: order.ID}, Items: items, Meta: meta})
}

// SubmitProgress validates and records a batch of per line item progress in
// one transaction. Pieces, fabric consumption, line item caches and the
// derived order status either all commit or none do.
func (s *Service) SubmitProgress(ctx context.Context, req SubmitRequest) (result SubmissionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "progress.SubmitProgress")
	defer func() {
		s.metrics.observeSubmission(req.Meta.Channel, resultLabel(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "submission failed")
		}
		span.End()
	}()

	if err := validateItems(req.Items); err != nil {
		return SubmissionResult{}, err
	}
	meta := req.Meta
	if meta.Channel == "" {
		meta.Channel = ChannelInternal
	}
	if meta.Kind == "" {
		meta.Kind = KindIndividual
	}
	if meta.Kind == KindCorrection {
		return SubmissionResult{}, shared.NewValidationError("kind", "corrections go through CorrectProgress")
	}
	order, err := s.resolve(ctx, req.Order)
	if err != nil {
		return SubmissionResult{}, err
	}
	span.SetAttributes(
		attribute.Int64("order.id", order.ID),
		attribute.String("progress.channel", string(meta.Channel)),
		attribute.Int("progress.items", len(req.Items)),
	)

	now := s.now()
	result = SubmissionResult{SubmissionID: s.newID(), OrderID: order.ID}
	var drift []LineItemDrift
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if key := strings.TrimSpace(meta.IdempotencyKey); key != "" {
			if err := tx.ClaimSubmissionKey(ctx, order.ID, key); err != nil {
				return err
			}
		}
		locked, err := tx.Orders().LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := checkWritable(locked); err != nil {
			return err
		}
		items, err := tx.Orders().ListLineItems(ctx, locked.ID)
		if err != nil {
			return err
		}
		totals, err := tx.SumPiecesByLineItem(ctx, locked.ID)
		if err != nil {
			return err
		}
		drift = detectDrift(items, totals)

		byID := make(map[int64]int, len(items))
		for i, item := range items {
			byID[item.ID] = i
		}
		// Every item is checked before the first write.
		piecesRecorded := false
		for _, sub := range req.Items {
			idx, ok := byID[sub.LineItemID]
			if !ok {
				return fmt.Errorf("%w: %d", orders.ErrLineItemNotFound, sub.LineItemID)
			}
			remaining := items[idx].Remaining(totals[sub.LineItemID])
			if sub.Pieces > remaining {
				return &QuantityExceededError{LineItemID: sub.LineItemID, Requested: sub.Pieces, Remaining: remaining}
			}
			if locked.Status.IsClosed() {
				if sub.Pieces > 0 || !s.cfg.AllowFabricAfterCompletion {
					return fmt.Errorf("%w: status %s", ErrOrderClosed, locked.Status)
				}
			}
			piecesRecorded = piecesRecorded || sub.Pieces > 0
		}

		for _, sub := range req.Items {
			item := items[byID[sub.LineItemID]]
			entry, err := tx.InsertEntry(ctx, Entry{
				SubmissionID: result.SubmissionID,
				OrderID:      locked.ID,
				LineItemID:   item.ID,
				Kind:         meta.Kind,
				Pieces:       sub.Pieces,
				FabricUsed:   sub.FabricUsed,
				QualityScore: sub.QualityScore,
				Notes:        strings.TrimSpace(sub.Notes),
				Challenges:   strings.TrimSpace(sub.Challenges),
				SubmittedBy:  meta.UserID,
				Channel:      meta.Channel,
				Photos:       sub.Photos,
				CreatedAt:    now,
			})
			if err != nil {
				return fmt.Errorf("insert progress entry: %w", err)
			}
			result.Entries = append(result.Entries, entry)

			if sub.FabricUsed.IsPositive() {
				ledger, err := materials.AllocateConsumption(ctx, tx.Ledger(), materials.ConsumptionInput{
					OrderID:         locked.ID,
					LineItemID:      item.ID,
					MaterialID:      item.MaterialID,
					Quantity:        sub.FabricUsed,
					ProgressEntryID: entry.ID,
					SubmissionRef:   result.SubmissionID,
					ActorID:         meta.UserID,
					At:              now,
				})
				if err != nil {
					return fmt.Errorf("allocate fabric for line item %d: %w", item.ID, err)
				}
				result.LedgerEntries = append(result.LedgerEntries, ledger)
			}
			totals[item.ID] += sub.Pieces
		}

		return s.refreshCaches(ctx, tx, locked, items, totals, piecesRecorded, meta.UserID, now, &result)
	})
	if err != nil {
		if isClientError(err) {
			s.logger.Info("progress submission rejected", slog.Int64("order_id", order.ID), slog.Any("error", err))
		}
		return SubmissionResult{}, err
	}

	s.metrics.observeEntries(result.Entries)
	s.afterCommit(ctx, order.ID, drift)
	s.logger.Info("progress recorded",
		slog.String("submission_id", result.SubmissionID),
		slog.Int64("order_id", order.ID),
		slog.Int("entries", len(result.Entries)),
		slog.Int("ledger_entries", len(result.LedgerEntries)),
		slog.String("status", string(result.Status)),
	)
	s.recordAudit(ctx, meta.UserID, "progress.submit", order.ID, map[string]any{
		"submission_id": result.SubmissionID,
		"channel":       string(meta.Channel),
		"kind":          string(meta.Kind),
		"entries":       len(result.Entries),
		"status_from":   string(result.PreviousStatus),
		"status_to":     string(result.Status),
	})
	return result, nil
}

// CorrectProgress writes a compensating entry against an earlier entry and
// returns any fabric it reverses to stock. Corrections never push a line item
// below zero or undo more than the original entry recorded.
func (s *Service) CorrectProgress(ctx context.Context, in CorrectionInput) (result SubmissionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "progress.CorrectProgress")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "correction failed")
		}
		span.End()
	}()

	switch {
	case in.EntryID <= 0:
		return SubmissionResult{}, shared.NewValidationError("entry_id", "must be positive")
	case in.Pieces < 0:
		return SubmissionResult{}, shared.NewValidationError("pieces", "must be >= 0")
	case in.FabricReturned.IsNegative():
		return SubmissionResult{}, shared.NewValidationError("fabric_returned", "must be >= 0")
	case in.Pieces == 0 && in.FabricReturned.IsZero():
		return SubmissionResult{}, shared.NewValidationError("pieces", "pieces or fabric_returned required")
	case strings.TrimSpace(in.Reason) == "":
		return SubmissionResult{}, shared.NewValidationError("reason", "required")
	}
	if err := materials.CheckQuantity("fabric_returned", in.FabricReturned); err != nil {
		return SubmissionResult{}, err
	}

	now := s.now()
	result = SubmissionResult{SubmissionID: s.newID()}
	var orderID int64
	var drift []LineItemDrift
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetEntry(ctx, in.EntryID)
		if err != nil {
			return err
		}
		if in.OrderID > 0 && original.OrderID != in.OrderID {
			return ErrEntryNotFound
		}
		if original.Kind == KindCorrection {
			return shared.NewValidationError("entry_id", "corrections cannot be corrected")
		}
		orderID = original.OrderID
		locked, err := tx.Orders().LockOrder(ctx, original.OrderID)
		if err != nil {
			return err
		}
		if err := checkWritable(locked); err != nil {
			return err
		}
		if locked.Status == orders.StatusShipped || locked.Status == orders.StatusDelivered {
			return fmt.Errorf("%w: status %s", ErrOrderClosed, locked.Status)
		}

		undonePieces, returnedFabric, err := tx.CorrectedTotals(ctx, original.ID)
		if err != nil {
			return err
		}
		if in.Pieces > original.Pieces-undonePieces {
			return shared.NewValidationError("pieces", fmt.Sprintf("at most %d pieces left to correct", original.Pieces-undonePieces))
		}
		if in.FabricReturned.GreaterThan(original.FabricUsed.Sub(returnedFabric)) {
			return shared.NewValidationError("fabric_returned", "exceeds fabric recorded on the entry")
		}

		items, err := tx.Orders().ListLineItems(ctx, locked.ID)
		if err != nil {
			return err
		}
		totals, err := tx.SumPiecesByLineItem(ctx, locked.ID)
		if err != nil {
			return err
		}
		drift = detectDrift(items, totals)
		var item orders.LineItem
		for _, li := range items {
			if li.ID == original.LineItemID {
				item = li
			}
		}
		if item.ID == 0 {
			return orders.ErrLineItemNotFound
		}
		if totals[item.ID]-in.Pieces < 0 {
			return shared.NewValidationError("pieces", "line item would drop below zero")
		}

		entry, err := tx.InsertEntry(ctx, Entry{
			SubmissionID:    result.SubmissionID,
			OrderID:         locked.ID,
			LineItemID:      item.ID,
			Kind:            KindCorrection,
			Pieces:          -in.Pieces,
			FabricUsed:      in.FabricReturned.Neg(),
			Notes:           strings.TrimSpace(in.Reason),
			SubmittedBy:     in.ActorID,
			Channel:         ChannelInternal,
			CorrectsEntryID: original.ID,
			CreatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("insert correction entry: %w", err)
		}
		result.Entries = append(result.Entries, entry)

		if in.FabricReturned.IsPositive() {
			ledger, err := materials.ReverseConsumption(ctx, tx.Ledger(), materials.ConsumptionInput{
				OrderID:         locked.ID,
				LineItemID:      item.ID,
				MaterialID:      item.MaterialID,
				Quantity:        in.FabricReturned,
				ProgressEntryID: entry.ID,
				SubmissionRef:   result.SubmissionID,
				ActorID:         in.ActorID,
				At:              now,
			})
			if err != nil {
				return fmt.Errorf("return fabric for entry %d: %w", original.ID, err)
			}
			result.LedgerEntries = append(result.LedgerEntries, ledger)
		}
		totals[item.ID] -= in.Pieces
		return s.refreshCaches(ctx, tx, locked, items, totals, false, in.ActorID, now, &result)
	})
	if err != nil {
		return SubmissionResult{}, err
	}
	result.OrderID = orderID

	s.afterCommit(ctx, orderID, drift)
	s.logger.Info("progress corrected",
		slog.Int64("order_id", orderID),
		slog.Int64("entry_id", in.EntryID),
		slog.Int("pieces", in.Pieces),
		slog.String("fabric_returned", in.FabricReturned.String()),
	)
	s.recordAudit(ctx, in.ActorID, "progress.correct", orderID, map[string]any{
		"entry_id":        in.EntryID,
		"pieces":          in.Pieces,
		"fabric_returned": in.FabricReturned.String(),
		"reason":          in.Reason,
		"status_to":       string(result.Status),
	})
	return result, nil
}

// refreshCaches rewrites line item and order caches from totals and derives
// the order status. It runs inside the transaction that appended the entries.
func (s *Service) refreshCaches(ctx context.Context, tx TxRepository, order orders.Order, items []orders.LineItem,
	totals map[int64]int, piecesRecorded bool, actorID int64, now time.Time, result *SubmissionResult) error {
	for i := range items {
		item := &items[i]
		completed := totals[item.ID]
		done := completed >= item.OrderedQty
		if item.CompletedQty == completed && item.IsComplete == done {
			continue
		}
		item.CompletedQty = completed
		switch {
		case done && !item.IsComplete:
			at := now
			item.CompletedAt = &at
		case !done:
			item.CompletedAt = nil
		}
		item.IsComplete = done
		if err := tx.Orders().UpdateLineItemCompletion(ctx, *item); err != nil {
			return fmt.Errorf("update line item %d: %w", item.ID, err)
		}
	}

	completion := OrderCompletionOf(order, items, totals)
	derived := orders.DeriveFromProgress(order.Status, aggregateOf(completion, piecesRecorded))
	if err := tx.Orders().UpdateOrderProgress(ctx, order.ID, completion.TotalCompleted, derived.To, now); err != nil {
		return fmt.Errorf("update order %d: %w", order.ID, err)
	}
	if derived.Changed {
		if err := tx.Orders().InsertStatusChange(ctx, orders.StatusChange{
			OrderID: order.ID,
			From:    derived.From,
			To:      derived.To,
			Reason:  derived.Reason,
			ActorID: actorID,
			At:      now,
		}); err != nil {
			return err
		}
		s.metrics.observeTransition(string(derived.To))
	}
	completion.Status = derived.To

	result.LineItems = completion.Products
	result.Order = completion
	result.PreviousStatus = derived.From
	result.Status = derived.To
	result.StatusChanged = derived.Changed
	result.TransitionReason = derived.Reason
	return nil
}

// afterCommit drops stale summaries and reports drift found while the
// order was locked. Drift is repaired by a background reconciliation.
func (s *Service) afterCommit(ctx context.Context, orderID int64, drift []LineItemDrift) {
	if err := s.cache.Invalidate(ctx, orderID); err != nil {
		s.logger.Warn("summary cache invalidation failed", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
	if len(drift) == 0 {
		return
	}
	s.metrics.observeDrift("line_item", len(drift))
	for _, d := range drift {
		cerr := &shared.ConsistencyError{
			Entity:   "order_line_item",
			ID:       d.LineItemID,
			Cached:   strconv.Itoa(d.Cached),
			Computed: strconv.Itoa(d.Computed),
		}
		s.logger.Error("completion cache drift detected", slog.Int64("order_id", orderID), slog.Any("error", cerr))
	}
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.ScheduleOrderReconcile(ctx, orderID); err != nil {
		s.logger.Error("schedule reconciliation failed", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
}

// ComputeLineItemCompletion derives the completion of one line item from its entries.
func (s *Service) ComputeLineItemCompletion(ctx context.Context, lineItemID int64) (LineItemCompletion, error) {
	item, err := s.repo.GetLineItem(ctx, lineItemID)
	if err != nil {
		return LineItemCompletion{}, err
	}
	completed, err := s.repo.SumPiecesForLineItem(ctx, lineItemID)
	if err != nil {
		return LineItemCompletion{}, err
	}
	return LineItemCompletionOf(item, completed), nil
}

// ComputeOrderCompletion derives order completion from entries, ignoring caches.
func (s *Service) ComputeOrderCompletion(ctx context.Context, orderID int64) (OrderCompletion, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return OrderCompletion{}, err
	}
	return s.computeFor(ctx, order)
}

func (s *Service) computeFor(ctx context.Context, order orders.Order) (OrderCompletion, error) {
	items, err := s.repo.ListLineItems(ctx, order.ID)
	if err != nil {
		return OrderCompletion{}, err
	}
	totals, err := s.repo.SumPiecesByLineItem(ctx, order.ID)
	if err != nil {
		return OrderCompletion{}, err
	}
	return OrderCompletionOf(order, items, totals), nil
}

// GetOrderCompletionSummary returns the order completion projection, served
// from the summary cache when possible.
func (s *Service) GetOrderCompletionSummary(ctx context.Context, orderID int64) (OrderCompletion, error) {
	return s.cache.Fetch(ctx, orderID, func(ctx context.Context) (OrderCompletion, error) {
		return s.ComputeOrderCompletion(ctx, orderID)
	})
}

// GetCompletionByToken resolves a share token and returns its summary.
func (s *Service) GetCompletionByToken(ctx context.Context, token uuid.UUID) (OrderCompletion, error) {
	order, err := s.resolve(ctx, OrderRef{Token: token})
	if err != nil {
		return OrderCompletion{}, err
	}
	return s.GetOrderCompletionSummary(ctx, order.ID)
}

// GetLineItemCompletionStatus returns per line item completion of an order.
func (s *Service) GetLineItemCompletionStatus(ctx context.Context, orderID int64) ([]LineItemCompletion, error) {
	summary, err := s.GetOrderCompletionSummary(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return summary.Products, nil
}

// ListEntries lists progress entries of an order, newest first.
func (s *Service) ListEntries(ctx context.Context, orderID int64, filter EntryFilter) ([]Entry, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListEntries(ctx, orderID, filter)
}

// Reconcile rebuilds line item and order caches of an order from its entries
// and re-derives the order status.
func (s *Service) Reconcile(ctx context.Context, orderID int64) (Reconciliation, error) {
	ctx, span := s.tracer.Start(ctx, "progress.Reconcile", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	now := s.now()
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.Orders().LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := tx.Orders().ListLineItems(ctx, orderID)
		if err != nil {
			return err
		}
		totals, err := tx.SumPiecesByLineItem(ctx, orderID)
		if err != nil {
			return err
		}
		rec = Reconciliation{
			OrderID:      orderID,
			LineItems:    detectDrift(items, totals),
			CachedTotal:  locked.CompletedPcs,
			StatusBefore: locked.Status,
			StatusAfter:  locked.Status,
		}
		for _, item := range items {
			rec.ComputedTotal += totals[item.ID]
		}
		if len(rec.LineItems) == 0 && rec.CachedTotal == rec.ComputedTotal && !statusDrifted(locked, items, totals) {
			return nil
		}
		var result SubmissionResult
		if err := s.refreshCaches(ctx, tx, locked, items, totals, false, 0, now, &result); err != nil {
			return err
		}
		rec.StatusAfter = result.Status
		rec.Repaired = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Reconciliation{}, err
	}
	if rec.Repaired {
		s.afterCommit(ctx, orderID, nil)
		s.metrics.observeDrift("order", 1)
		s.logger.Warn("order caches rebuilt",
			slog.Int64("order_id", orderID),
			slog.Int("cached_total", rec.CachedTotal),
			slog.Int("computed_total", rec.ComputedTotal),
			slog.String("status_before", string(rec.StatusBefore)),
			slog.String("status_after", string(rec.StatusAfter)),
		)
	}
	return rec, nil
}

// ReconcileAll reconciles every order that is not delivered or cancelled.
// One failing order does not stop the pass; the first error is returned.
func (s *Service) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	ids, err := s.repo.ListOpenOrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []Reconciliation
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := s.Reconcile(ctx, id)
		if err != nil {
			s.logger.Error("order reconciliation failed", slog.Int64("order_id", id), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if rec.Repaired {
			out = append(out, rec)
		}
	}
	return out, firstErr
}

func (s *Service) resolve(ctx context.Context, ref OrderRef) (orders.Order, error) {
	switch {
	case ref.ID > 0:
		return s.repo.GetOrder(ctx, ref.ID)
	case ref.Token != uuid.Nil:
		return s.repo.GetOrderByToken(ctx, ref.Token)
	default:
		return orders.Order{}, shared.NewValidationError("order", "order id or token required")
	}
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

func checkWritable(order orders.Order) error {
	if order.Status == orders.StatusCancelled {
		return orders.ErrOrderCancelled
	}
	if !order.Active {
		return orders.ErrOrderInactive
	}
	return nil
}

func detectDrift(items []orders.LineItem, totals map[int64]int) []LineItemDrift {
	var out []LineItemDrift
	for _, item := range items {
		if item.CompletedQty != totals[item.ID] {
			out = append(out, LineItemDrift{LineItemID: item.ID, Cached: item.CompletedQty, Computed: totals[item.ID]})
		}
	}
	return out
}

func statusDrifted(order orders.Order, items []orders.LineItem, totals map[int64]int) bool {
	c := OrderCompletionOf(order, items, totals)
	return orders.DeriveFromProgress(order.Status, aggregateOf(c, false)).Changed
}

func isClientError(err error) bool {
	return errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrStateConflict) || errors.Is(err, shared.ErrNotFound)
}
