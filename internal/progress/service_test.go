package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/shared"
)

type fixture struct {
	store     *memoryStore
	service   *Service
	audit     *recordingAudit
	scheduler *recordingScheduler
}

func newFixture(cfg Config) *fixture {
	store := newMemoryStore()
	audit := &recordingAudit{}
	scheduler := &recordingScheduler{}
	svc := NewService(store, Deps{
		Audit:     audit,
		Scheduler: scheduler,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return &fixture{store: store, service: svc, audit: audit, scheduler: scheduler}
}

func defaultFixture() *fixture {
	return newFixture(Config{AllowFabricAfterCompletion: true})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func submit(t *testing.T, f *fixture, orderID int64, items ...ProductSubmission) (SubmissionResult, error) {
	t.Helper()
	return f.service.SubmitProgress(context.Background(), SubmitRequest{
		Order: OrderRef{ID: orderID},
		Items: items,
		Meta:  SubmissionMeta{UserID: 7, Channel: ChannelInternal},
	})
}

func TestSingleLineItemProgressesToCompleted(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusCreated, lineSpec{name: "Kaos", ordered: 10})

	res, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 4})
	require.NoError(t, err)
	require.Len(t, res.LineItems, 1)
	assert.Equal(t, 4, res.LineItems[0].Completed)
	assert.Equal(t, 40, res.LineItems[0].Percentage)
	assert.Equal(t, orders.StatusProcessing, res.Status)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, orders.StatusCreated, res.PreviousStatus)
	assert.NotEmpty(t, res.TransitionReason)

	res, err = submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 6})
	require.NoError(t, err)
	assert.Equal(t, 10, res.LineItems[0].Completed)
	assert.Equal(t, 100, res.LineItems[0].Percentage)
	assert.True(t, res.Order.IsOrderComplete)
	assert.Equal(t, orders.StatusCompleted, res.Status)

	item := f.store.lineItem(items[0].ID)
	assert.Equal(t, 10, item.CompletedQty)
	assert.True(t, item.IsComplete)
	assert.NotNil(t, item.CompletedAt)
	assert.Equal(t, 10, f.store.order(order.ID).CompletedPcs)
	assert.Contains(t, f.audit.actions, "progress.submit")
}

func TestCompletedOrderRejectsExtraPieces(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusCreated, lineSpec{name: "Kaos", ordered: 10})
	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 10})
	require.NoError(t, err)
	before := f.store.entryCount()

	_, err = submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1})
	require.ErrorIs(t, err, ErrQuantityExceeded)
	require.ErrorIs(t, err, shared.ErrStateConflict)
	var qe *QuantityExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, items[0].ID, qe.LineItemID)
	assert.Equal(t, 0, qe.Remaining)

	assert.Equal(t, before, f.store.entryCount())
	assert.Equal(t, orders.StatusCompleted, f.store.order(order.ID).Status)
}

func TestBatchBooksOneLedgerEntryPerLineItem(t *testing.T) {
	f := defaultFixture()
	m1 := f.store.addMaterial("Cotton Combed 30s", "100")
	m2 := f.store.addMaterial("Drill", "50")
	order, items := f.store.addOrder(orders.StatusConfirmed,
		lineSpec{name: "A", ordered: 5, materialID: m1},
		lineSpec{name: "B", ordered: 5, materialID: m2},
	)

	res, err := submit(t, f, order.ID,
		ProductSubmission{LineItemID: items[0].ID, Pieces: 5, FabricUsed: dec("2.0")},
		ProductSubmission{LineItemID: items[1].ID, Pieces: 5, FabricUsed: dec("3.0")},
	)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	require.Len(t, res.LedgerEntries, 2)
	assert.Equal(t, orders.StatusCompleted, res.Status)

	c1 := f.store.ledgerFor(m1, materials.SourceProductionConsumption)
	c2 := f.store.ledgerFor(m2, materials.SourceProductionConsumption)
	require.Len(t, c1, 1)
	require.Len(t, c2, 1)
	assert.True(t, c1[0].Delta.Equal(dec("-2")))
	assert.True(t, c2[0].Delta.Equal(dec("-3")))
	assert.Equal(t, materials.ConsumptionReference(res.Entries[0].ID), c1[0].ReferenceNo)
	assert.Equal(t, res.Entries[0].ID, c1[0].ProgressEntryID)
	assert.True(t, f.store.material(m1).QtyOnHand.Equal(dec("98")))
	assert.True(t, f.store.material(m2).QtyOnHand.Equal(dec("47")))
}

func TestSharedMaterialIsNotMerged(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusProcessing,
		lineSpec{name: "S", ordered: 10, materialID: m},
		lineSpec{name: "M", ordered: 10, materialID: m},
	)

	_, err := submit(t, f, order.ID,
		ProductSubmission{LineItemID: items[0].ID, Pieces: 2, FabricUsed: dec("1.5")},
		ProductSubmission{LineItemID: items[1].ID, Pieces: 3, FabricUsed: dec("2.5")},
	)
	require.NoError(t, err)
	consumption := f.store.ledgerFor(m, materials.SourceProductionConsumption)
	require.Len(t, consumption, 2)
	assert.NotEqual(t, consumption[0].LineItemID, consumption[1].LineItemID)
	assert.True(t, f.store.material(m).QtyOnHand.Equal(dec("16")))
}

func TestCancelledOrderRejectsSubmission(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusCancelled, lineSpec{name: "A", ordered: 5, materialID: m})

	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1, FabricUsed: dec("1")})
	require.ErrorIs(t, err, orders.ErrOrderCancelled)
	assert.Zero(t, f.store.entryCount())
	assert.Empty(t, f.store.ledgerFor(m, materials.SourceProductionConsumption))
	assert.Equal(t, orders.StatusCancelled, f.store.order(order.ID).Status)
}

func TestConcurrentSubmissionsNeverOverfill(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 10})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 6})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrQuantityExceeded)
	}
	assert.Equal(t, 1, succeeded)
	c, err := f.service.ComputeLineItemCompletion(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 6, c.Completed)
	assert.LessOrEqual(t, c.Completed, c.Ordered)
}

func TestAllocationFailureRollsBackEverything(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusCreated,
		lineSpec{name: "A", ordered: 5, materialID: m},
		lineSpec{name: "B", ordered: 5, materialID: 9999},
	)

	_, err := submit(t, f, order.ID,
		ProductSubmission{LineItemID: items[0].ID, Pieces: 5, FabricUsed: dec("1")},
		ProductSubmission{LineItemID: items[1].ID, Pieces: 5, FabricUsed: dec("1")},
	)
	require.ErrorIs(t, err, materials.ErrMaterialNotFound)
	assert.Zero(t, f.store.entryCount())
	assert.Empty(t, f.store.ledgerFor(m, materials.SourceProductionConsumption))
	assert.True(t, f.store.material(m).QtyOnHand.Equal(dec("20")))
	assert.Equal(t, orders.StatusCreated, f.store.order(order.ID).Status)
	assert.Zero(t, f.store.lineItem(items[0].ID).CompletedQty)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 10})
	req := SubmitRequest{
		Order: OrderRef{ID: order.ID},
		Items: []ProductSubmission{{LineItemID: items[0].ID, Pieces: 20}},
		Meta:  SubmissionMeta{Channel: ChannelPublic, IdempotencyKey: "k-1"},
	}

	_, err := f.service.SubmitProgress(context.Background(), req)
	require.ErrorIs(t, err, ErrQuantityExceeded)

	// A failed attempt releases its key.
	req.Items[0].Pieces = 2
	_, err = f.service.SubmitProgress(context.Background(), req)
	require.NoError(t, err)

	_, err = f.service.SubmitProgress(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, 1, f.store.entryCount())
}

func TestIdempotencyKeyIsScopedPerOrder(t *testing.T) {
	f := defaultFixture()
	first, firstItems := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 10})
	second, secondItems := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "B", ordered: 10})
	send := func(orderID, lineItemID int64) error {
		_, err := f.service.SubmitProgress(context.Background(), SubmitRequest{
			Order: OrderRef{ID: orderID},
			Items: []ProductSubmission{{LineItemID: lineItemID, Pieces: 1}},
			Meta:  SubmissionMeta{Channel: ChannelPublic, IdempotencyKey: "retry-1"},
		})
		return err
	}

	require.NoError(t, send(first.ID, firstItems[0].ID))
	require.NoError(t, send(second.ID, secondItems[0].ID))
	assert.Equal(t, 1, f.store.lineItem(secondItems[0].ID).CompletedQty)

	require.ErrorIs(t, send(first.ID, firstItems[0].ID), ErrDuplicateSubmission)
	require.ErrorIs(t, send(second.ID, secondItems[0].ID), ErrDuplicateSubmission)
	assert.Equal(t, 2, f.store.entryCount())
}

func TestFabricOnlyAfterCompletion(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusCompleted, lineSpec{name: "A", ordered: 5, materialID: m})
	f.store.entries = append(f.store.entries, Entry{ID: f.store.id(), OrderID: order.ID, LineItemID: items[0].ID, Pieces: 5})
	f.store.corruptLineItemCache(items[0].ID, 5)

	res, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, FabricUsed: dec("0.75")})
	require.NoError(t, err)
	assert.False(t, res.StatusChanged)
	assert.Equal(t, orders.StatusCompleted, res.Status)
	require.Len(t, res.LedgerEntries, 1)

	strict := newFixture(Config{AllowFabricAfterCompletion: false})
	order2, items2 := strict.store.addOrder(orders.StatusShipped, lineSpec{name: "A", ordered: 5})
	_, err = submit(t, strict, order2.ID, ProductSubmission{LineItemID: items2[0].ID, FabricUsed: dec("1")})
	require.ErrorIs(t, err, ErrOrderClosed)
}

func TestClosedOrderRejectsPiecesWithinRemaining(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusShipped, lineSpec{name: "A", ordered: 5})

	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1})
	require.ErrorIs(t, err, ErrOrderClosed)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestLineItemOfAnotherOrderIsNotFound(t *testing.T) {
	f := defaultFixture()
	order, _ := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 5})
	_, other := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "B", ordered: 5})

	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: other[0].ID, Pieces: 1})
	require.ErrorIs(t, err, orders.ErrLineItemNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUnknownOrder(t *testing.T) {
	f := defaultFixture()
	_, err := submit(t, f, 404, ProductSubmission{LineItemID: 1, Pieces: 1})
	require.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestInactiveOrderRejectsSubmission(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 5})
	o := f.store.orders[order.ID]
	o.Active = false
	f.store.orders[order.ID] = o

	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1})
	require.ErrorIs(t, err, orders.ErrOrderInactive)
}

func TestPublicTokenSubmission(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusConfirmed, lineSpec{name: "A", ordered: 5})

	res, err := f.service.SubmitProgress(context.Background(), SubmitRequest{
		Order: OrderRef{Token: order.ShareToken},
		Items: []ProductSubmission{{LineItemID: items[0].ID, Pieces: 2, Photos: []Photo{{URL: "https://cdn.example/p1.jpg"}}}},
		Meta:  SubmissionMeta{Channel: ChannelPublic},
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, ChannelPublic, res.Entries[0].Channel)
	assert.Zero(t, res.Entries[0].SubmittedBy)
	assert.Len(t, res.Entries[0].Photos, 1)
	assert.Equal(t, orders.StatusProcessing, res.Status)

	summary, err := f.service.GetCompletionByToken(context.Background(), order.ShareToken)
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Percentage)
}

func TestAggregatedSubmissionFillsLineItemsInOrder(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusProcessing,
		lineSpec{name: "S", ordered: 5, materialID: m},
		lineSpec{name: "M", ordered: 5, materialID: m},
	)
	score := 90

	res, err := f.service.Submit(context.Background(), OrderRef{ID: order.ID},
		AggregatedSubmission{Pieces: 7, FabricUsed: dec("3"), QualityScore: &score, Notes: "lembur"},
		SubmissionMeta{UserID: 3})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, items[0].ID, res.Entries[0].LineItemID)
	assert.Equal(t, 5, res.Entries[0].Pieces)
	assert.True(t, res.Entries[0].FabricUsed.Equal(dec("3")))
	assert.Equal(t, KindAggregated, res.Entries[0].Kind)
	assert.Equal(t, 2, res.Entries[1].Pieces)
	assert.True(t, res.Entries[1].FabricUsed.IsZero())
	require.Len(t, res.LedgerEntries, 1)

	_, err = f.service.Submit(context.Background(), OrderRef{ID: order.ID}, AggregatedSubmission{Pieces: 4}, SubmissionMeta{})
	require.ErrorIs(t, err, ErrQuantityExceeded)
}

func TestCorrectionRevertsCompletion(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusCreated, lineSpec{name: "A", ordered: 5, materialID: m})
	res, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 5, FabricUsed: dec("2")})
	require.NoError(t, err)
	require.Equal(t, orders.StatusCompleted, res.Status)
	original := res.Entries[0]

	corr, err := f.service.CorrectProgress(context.Background(), CorrectionInput{
		OrderID:        order.ID,
		EntryID:        original.ID,
		Pieces:         2,
		FabricReturned: dec("0.5"),
		Reason:         "double counted by line 2",
		ActorID:        7,
	})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, corr.Status)
	assert.True(t, corr.StatusChanged)
	require.Len(t, corr.Entries, 1)
	assert.Equal(t, KindCorrection, corr.Entries[0].Kind)
	assert.Equal(t, -2, corr.Entries[0].Pieces)
	assert.Equal(t, original.ID, corr.Entries[0].CorrectsEntryID)
	require.Len(t, corr.LedgerEntries, 1)
	assert.Equal(t, materials.SourceAdjustment, corr.LedgerEntries[0].Source)
	assert.True(t, corr.LedgerEntries[0].Delta.Equal(dec("0.5")))
	assert.True(t, f.store.material(m).QtyOnHand.Equal(dec("18.5")))
	assert.Equal(t, 3, f.store.lineItem(items[0].ID).CompletedQty)
	assert.Nil(t, f.store.lineItem(items[0].ID).CompletedAt)

	_, err = f.service.CorrectProgress(context.Background(), CorrectionInput{EntryID: original.ID, Pieces: 4, Reason: "again"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.CorrectProgress(context.Background(), CorrectionInput{EntryID: corr.Entries[0].ID, Pieces: 1, Reason: "nested"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.CorrectProgress(context.Background(), CorrectionInput{OrderID: order.ID + 100, EntryID: original.ID, Pieces: 1, Reason: "wrong order"})
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSubmissionRejectsFabricTheLedgerWouldRound(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 5, materialID: m})

	for _, fabric := range []string{"0.0004", "1.2345", "100000000000"} {
		_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1, FabricUsed: dec(fabric)})
		require.ErrorIs(t, err, shared.ErrValidation, fabric)
	}
	_, err := f.service.Submit(context.Background(), OrderRef{ID: order.ID}, AggregatedSubmission{Pieces: 1, FabricUsed: dec("0.0004")}, SubmissionMeta{})
	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "fabric_used", verr.Field)

	assert.Zero(t, f.store.entryCount())
	assert.Len(t, f.store.ledgerFor(m, materials.SourceProductionConsumption), 0)
	assert.True(t, f.store.material(m).QtyOnHand.Equal(dec("20")))

	res, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1, FabricUsed: dec("1.2500")})
	require.NoError(t, err)
	require.Len(t, res.LedgerEntries, 1)
	assert.True(t, f.store.material(m).QtyOnHand.Equal(dec("18.75")))
}

func TestCorrectionValidation(t *testing.T) {
	f := defaultFixture()
	cases := []struct {
		name  string
		in    CorrectionInput
		field string
	}{
		{"missing entry", CorrectionInput{Pieces: 1, Reason: "x"}, "entry_id"},
		{"negative pieces", CorrectionInput{EntryID: 1, Pieces: -1, Reason: "x"}, "pieces"},
		{"nothing to correct", CorrectionInput{EntryID: 1, Reason: "x"}, "pieces"},
		{"negative fabric", CorrectionInput{EntryID: 1, FabricReturned: dec("-1"), Reason: "x"}, "fabric_returned"},
		{"fabric below storage scale", CorrectionInput{EntryID: 1, FabricReturned: dec("0.0004"), Reason: "x"}, "fabric_returned"},
		{"missing reason", CorrectionInput{EntryID: 1, Pieces: 1}, "reason"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.CorrectProgress(context.Background(), tc.in)
			var verr *shared.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestDriftIsReportedAndReconciled(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusProcessing, lineSpec{name: "A", ordered: 10})
	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 3})
	require.NoError(t, err)
	f.store.corruptLineItemCache(items[0].ID, 9)

	res, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.LineItems[0].Completed)
	assert.Equal(t, []int64{order.ID}, f.scheduler.orders)
	assert.Equal(t, 5, f.store.lineItem(items[0].ID).CompletedQty)

	f.store.corruptLineItemCache(items[0].ID, 10)
	rec, err := f.service.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, rec.Repaired)
	require.Len(t, rec.LineItems, 1)
	assert.Equal(t, 10, rec.LineItems[0].Cached)
	assert.Equal(t, 5, rec.LineItems[0].Computed)
	assert.Equal(t, 5, f.store.lineItem(items[0].ID).CompletedQty)

	rec, err = f.service.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)
	assert.False(t, rec.Repaired)
}

func TestReconcileAllRepairsStatus(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusCompleted, lineSpec{name: "A", ordered: 4})
	f.store.entries = append(f.store.entries, Entry{ID: f.store.id(), OrderID: order.ID, LineItemID: items[0].ID, Pieces: 2})
	f.store.addOrder(orders.StatusCreated, lineSpec{name: "B", ordered: 4})

	recs, err := f.service.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, order.ID, recs[0].OrderID)
	assert.Equal(t, orders.StatusCompleted, recs[0].StatusBefore)
	assert.Equal(t, orders.StatusProcessing, recs[0].StatusAfter)
	assert.Equal(t, orders.StatusProcessing, f.store.order(order.ID).Status)
}

func TestCompletionInvariantsHoldAcrossSubmissions(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "500")
	order, items := f.store.addOrder(orders.StatusCreated,
		lineSpec{name: "S", ordered: 12, materialID: m},
		lineSpec{name: "M", ordered: 8, materialID: m},
		lineSpec{name: "L", ordered: 5, materialID: m},
	)
	batches := [][]ProductSubmission{
		{{LineItemID: items[0].ID, Pieces: 3, FabricUsed: dec("1.2")}},
		{{LineItemID: items[1].ID, Pieces: 8}, {LineItemID: items[2].ID, Pieces: 1, FabricUsed: dec("0.4")}},
		{{LineItemID: items[0].ID, Pieces: 20}},
		{{LineItemID: items[2].ID, Pieces: 4}, {LineItemID: items[0].ID, Pieces: 9, FabricUsed: dec("3.3")}},
	}
	for _, b := range batches {
		_, _ = submit(t, f, order.ID, b...)
	}

	ctx := context.Background()
	for _, item := range items {
		sum, err := f.store.SumPiecesForLineItem(ctx, item.ID)
		require.NoError(t, err)
		c, err := f.service.ComputeLineItemCompletion(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, sum, c.Completed)
		assert.Equal(t, sum, f.store.lineItem(item.ID).CompletedQty)
		assert.LessOrEqual(t, c.Completed, c.Ordered)
	}
	assert.True(t, f.store.ledgerSum(m).Equal(f.store.material(m).QtyOnHand))
	assert.True(t, f.store.material(m).QtyOnHand.Equal(dec("495.1")))

	summary, err := f.service.GetOrderCompletionSummary(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, summary.IsOrderComplete)
	assert.Equal(t, 100, summary.Percentage)
	assert.Equal(t, orders.StatusCompleted, f.store.order(order.ID).Status)
}

func TestComputeOrderCompletionIsRepeatable(t *testing.T) {
	f := defaultFixture()
	m := f.store.addMaterial("Cotton", "20")
	order, items := f.store.addOrder(orders.StatusConfirmed,
		lineSpec{name: "S", ordered: 4, materialID: m},
		lineSpec{name: "M", ordered: 6, materialID: m},
		lineSpec{name: "L", ordered: 5},
	)
	_, err := submit(t, f, order.ID,
		ProductSubmission{LineItemID: items[0].ID, Pieces: 4, FabricUsed: dec("1.5")},
		ProductSubmission{LineItemID: items[1].ID, Pieces: 2},
	)
	require.NoError(t, err)
	entries, ledger, history := f.store.entryCount(), len(f.store.ledger), len(f.store.history)

	ctx := context.Background()
	first, err := f.service.ComputeOrderCompletion(ctx, order.ID)
	require.NoError(t, err)
	second, err := f.service.ComputeOrderCompletion(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	assert.Equal(t, 6, first.TotalCompleted)
	assert.Equal(t, 40, first.Percentage)
	assert.False(t, first.IsOrderComplete)

	// Stale caches do not leak into the computed projection.
	f.store.corruptLineItemCache(items[2].ID, 5)
	third, err := f.service.ComputeOrderCompletion(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	assert.Equal(t, entries, f.store.entryCount())
	assert.Len(t, f.store.ledger, ledger)
	assert.Len(t, f.store.history, history)
	assert.Equal(t, orders.StatusProcessing, f.store.order(order.ID).Status)
}

func TestListEntriesFilters(t *testing.T) {
	f := defaultFixture()
	order, items := f.store.addOrder(orders.StatusProcessing,
		lineSpec{name: "A", ordered: 10},
		lineSpec{name: "B", ordered: 10},
	)
	_, err := submit(t, f, order.ID, ProductSubmission{LineItemID: items[0].ID, Pieces: 1}, ProductSubmission{LineItemID: items[1].ID, Pieces: 2})
	require.NoError(t, err)

	all, err := f.service.ListEntries(context.Background(), order.ID, EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	only, err := f.service.ListEntries(context.Background(), order.ID, EntryFilter{LineItemID: items[1].ID})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, 2, only[0].Pieces)

	_, err = f.service.ListEntries(context.Background(), 999, EntryFilter{})
	require.ErrorIs(t, err, orders.ErrOrderNotFound)
}
