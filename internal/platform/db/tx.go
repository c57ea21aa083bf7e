package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReadCommitted is used by write paths that serialise through explicit row
// locks (SELECT ... FOR UPDATE) and must see rows committed by the lock holder.
var ReadCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// RepeatableRead is used for read-only snapshots such as reconciliation reports.
var RepeatableRead = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, RepeatableRead, fn)
}

// WithTxOptions executes fn inside a transaction started with opts. The
// transaction is rolled back when fn returns an error or panics.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
