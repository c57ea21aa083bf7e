package materials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConsumptionInput describes fabric used by one progress entry.
type ConsumptionInput struct {
	OrderID         int64
	LineItemID      int64
	MaterialID      int64
	Quantity        decimal.Decimal
	ProgressEntryID int64
	SubmissionRef   string
	ActorID         int64
	At              time.Time
}

// AllocateConsumption books quantity as an outbound production movement.
// Exactly one ledger entry is written per progress entry; entries sharing a
// material are never merged. The reference PROG-{entry} makes a replay of the
// same entry fail with ErrDuplicateReference.
func AllocateConsumption(ctx context.Context, store TxStore, in ConsumptionInput) (LedgerEntry, error) {
	if store == nil {
		return LedgerEntry{}, errors.New("materials: ledger store required")
	}
	if !in.Quantity.IsPositive() {
		return LedgerEntry{}, ErrNegativeQuantity
	}
	if in.ProgressEntryID <= 0 {
		return LedgerEntry{}, errors.New("materials: progress entry id required")
	}
	if _, err := store.GetMaterial(ctx, in.MaterialID); err != nil {
		return LedgerEntry{}, err
	}
	ref := ConsumptionReference(in.ProgressEntryID)
	return appendUnique(ctx, store, LedgerEntry{
		MaterialID:      in.MaterialID,
		Delta:           in.Quantity.Neg(),
		Source:          SourceProductionConsumption,
		OrderID:         in.OrderID,
		LineItemID:      in.LineItemID,
		ProgressEntryID: in.ProgressEntryID,
		ReferenceNo:     ref,
		Notes:           consumptionNote(in.SubmissionRef),
		CreatedBy:       in.ActorID,
		CreatedAt:       stamp(in.At),
	})
}

// ReverseConsumption returns fabric to stock for a compensating progress entry.
// It is booked as an adjustment so consumption totals stay traceable.
func ReverseConsumption(ctx context.Context, store TxStore, in ConsumptionInput) (LedgerEntry, error) {
	if store == nil {
		return LedgerEntry{}, errors.New("materials: ledger store required")
	}
	if !in.Quantity.IsPositive() {
		return LedgerEntry{}, ErrNegativeQuantity
	}
	if _, err := store.GetMaterial(ctx, in.MaterialID); err != nil {
		return LedgerEntry{}, err
	}
	return appendUnique(ctx, store, LedgerEntry{
		MaterialID:      in.MaterialID,
		Delta:           in.Quantity,
		Source:          SourceAdjustment,
		OrderID:         in.OrderID,
		LineItemID:      in.LineItemID,
		ProgressEntryID: in.ProgressEntryID,
		ReferenceNo:     ReversalReference(in.ProgressEntryID),
		Notes:           "fabric returned by progress correction",
		CreatedBy:       in.ActorID,
		CreatedAt:       stamp(in.At),
	})
}

func appendUnique(ctx context.Context, store TxStore, entry LedgerEntry) (LedgerEntry, error) {
	if entry.ReferenceNo != "" {
		exists, err := store.ReferenceExists(ctx, entry.ReferenceNo)
		if err != nil {
			return LedgerEntry{}, fmt.Errorf("materials: check reference: %w", err)
		}
		if exists {
			return LedgerEntry{}, fmt.Errorf("%w: %s", ErrDuplicateReference, entry.ReferenceNo)
		}
	}
	return store.AppendEntry(ctx, entry)
}

func consumptionNote(submissionRef string) string {
	if submissionRef == "" {
		return "production consumption"
	}
	return "production consumption, submission " + submissionRef
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
