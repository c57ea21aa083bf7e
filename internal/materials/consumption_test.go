package materials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateConsumptionWritesNegativeDelta(t *testing.T) {
	repo := newMemoryRepo(Material{ID: 1, QtyOnHand: dec("10")})
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := AllocateConsumption(ctx, tx, ConsumptionInput{OrderID: 3, LineItemID: 4, MaterialID: 1, Quantity: dec("2.0"), ProgressEntryID: 17, SubmissionRef: "01J0"})
		require.NoError(t, err)
		assert.True(t, entry.Delta.Equal(dec("-2")))
		assert.Equal(t, SourceProductionConsumption, entry.Source)
		assert.Equal(t, "PROG-17", entry.ReferenceNo)
		assert.Equal(t, int64(17), entry.ProgressEntryID)
		assert.Equal(t, int64(4), entry.LineItemID)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, repo.materials[1].QtyOnHand.Equal(dec("8")))
}

func TestAllocateConsumptionDoesNotMergeSharedMaterial(t *testing.T) {
	repo := newMemoryRepo(Material{ID: 1})
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := AllocateConsumption(ctx, tx, ConsumptionInput{LineItemID: 1, MaterialID: 1, Quantity: dec("1.5"), ProgressEntryID: 1}); err != nil {
			return err
		}
		_, err := AllocateConsumption(ctx, tx, ConsumptionInput{LineItemID: 2, MaterialID: 1, Quantity: dec("2.5"), ProgressEntryID: 2})
		return err
	})
	require.NoError(t, err)
	require.Len(t, repo.ledger, 2)
	assert.Equal(t, "PROG-1", repo.ledger[0].ReferenceNo)
	assert.Equal(t, "PROG-2", repo.ledger[1].ReferenceNo)
	assert.True(t, repo.materials[1].QtyOnHand.Equal(dec("-4")))
}

func TestAllocateConsumptionFailures(t *testing.T) {
	repo := newMemoryRepo(Material{ID: 1})
	ctx := context.Background()

	cases := []struct {
		name string
		in   ConsumptionInput
		want error
	}{
		{name: "unknown material", in: ConsumptionInput{MaterialID: 9, Quantity: dec("1"), ProgressEntryID: 1}, want: ErrMaterialNotFound},
		{name: "zero quantity", in: ConsumptionInput{MaterialID: 1, Quantity: dec("0"), ProgressEntryID: 1}, want: ErrNegativeQuantity},
		{name: "negative quantity", in: ConsumptionInput{MaterialID: 1, Quantity: dec("-1"), ProgressEntryID: 1}, want: ErrNegativeQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				_, err := AllocateConsumption(ctx, tx, tc.in)
				return err
			})
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, repo.ledger)
}

func TestAllocateConsumptionRejectsReplay(t *testing.T) {
	repo := newMemoryRepo(Material{ID: 1})
	ctx := context.Background()
	in := ConsumptionInput{MaterialID: 1, Quantity: dec("1"), ProgressEntryID: 5}

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := AllocateConsumption(ctx, tx, in)
		return err
	}))
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := AllocateConsumption(ctx, tx, in)
		return err
	})
	require.ErrorIs(t, err, ErrDuplicateReference)
	assert.Len(t, repo.ledger, 1)
}

func TestReverseConsumptionBooksAdjustment(t *testing.T) {
	repo := newMemoryRepo(Material{ID: 1})
	ctx := context.Background()

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := ReverseConsumption(ctx, tx, ConsumptionInput{MaterialID: 1, Quantity: dec("0.75"), ProgressEntryID: 8})
		require.NoError(t, err)
		assert.Equal(t, SourceAdjustment, entry.Source)
		assert.Equal(t, "PROG-REV-8", entry.ReferenceNo)
		assert.True(t, entry.Delta.Equal(dec("0.75")))
		return nil
	}))
}

func TestConsumptionFlushesStockInMaterialOrder(t *testing.T) {
	repo := newMemoryRepo(
		Material{ID: 1, QtyOnHand: dec("10")},
		Material{ID: 2, QtyOnHand: dec("10")},
		Material{ID: 3, QtyOnHand: dec("10")},
	)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, materialID := range []int64{3, 1, 3, 2} {
			in := ConsumptionInput{MaterialID: materialID, Quantity: dec("1.5"), ProgressEntryID: int64(i + 1)}
			if _, err := AllocateConsumption(ctx, tx, in); err != nil {
				return err
			}
		}
		cached, err := tx.GetMaterial(ctx, 3)
		require.NoError(t, err)
		assert.True(t, cached.QtyOnHand.Equal(dec("10")), "cache is written at flush")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, repo.flushed)
	assert.True(t, repo.materials[1].QtyOnHand.Equal(dec("8.5")))
	assert.True(t, repo.materials[2].QtyOnHand.Equal(dec("8.5")))
	assert.True(t, repo.materials[3].QtyOnHand.Equal(dec("7")))
	require.Len(t, repo.ledger, 4)
}

func TestStockDeltasAggregatePerMaterial(t *testing.T) {
	early := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	d := stockDeltas{}
	d.add(9, dec("-2"), late)
	d.add(4, dec("1.25"), early)
	d.add(9, dec("0.5"), early)

	assert.Equal(t, []int64{4, 9}, d.ordered())
	assert.True(t, d[9].delta.Equal(dec("-1.5")))
	assert.Equal(t, late, d[9].at)
}

func TestFailedFlushRollsBackLedger(t *testing.T) {
	repo := newMemoryRepo(Material{ID: 1, QtyOnHand: dec("5")})
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := AllocateConsumption(ctx, tx, ConsumptionInput{MaterialID: 1, Quantity: dec("1"), ProgressEntryID: 1}); err != nil {
			return err
		}
		delete(repo.materials, 1)
		return nil
	})
	require.ErrorIs(t, err, ErrMaterialNotFound)
	assert.Empty(t, repo.ledger)
	assert.True(t, repo.materials[1].QtyOnHand.Equal(dec("5")))
}
