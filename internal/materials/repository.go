package materials

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/platform/db"
	"github.com/konveksi/konveksi/internal/shared"
)

// TxStore is the ledger surface available inside another component's
// transaction. Progress submissions append consumption through it.
type TxStore interface {
	GetMaterial(ctx context.Context, id int64) (Material, error)
	ReferenceExists(ctx context.Context, referenceNo string) (bool, error)
	// AppendEntry inserts the entry. Its delta reaches the material cache when
	// the transaction flushes pending stock.
	AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
}

// TxRepository extends TxStore with the locking and cache repair used by
// reconciliation.
type TxRepository interface {
	TxStore
	LockMaterial(ctx context.Context, id int64) (Material, error)
	SumDeltas(ctx context.Context, id int64) (decimal.Decimal, error)
	SetQtyOnHand(ctx context.Context, id int64, qty decimal.Decimal) error
	// FlushStock applies pending deltas to materials in ascending id order.
	FlushStock(ctx context.Context) error
}

// Repository persists materials and their ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx      pgx.Tx
	pending stockDeltas
}

// NewTxStore exposes the ledger on an already open transaction. The caller
// owns the transaction and must call FlushStock before committing.
func NewTxStore(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx, pending: stockDeltas{}}
}

// WithTx runs fn inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("materials repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		store := &txRepository{tx: tx, pending: stockDeltas{}}
		if err := fn(ctx, store); err != nil {
			return err
		}
		return store.FlushStock(ctx)
	})
}

const materialColumns = `id, name, unit, qty_on_hand, safety_stock, updated_at`

func scanMaterial(row pgx.Row) (Material, error) {
	var m Material
	if err := row.Scan(&m.ID, &m.Name, &m.Unit, &m.QtyOnHand, &m.SafetyStock, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Material{}, ErrMaterialNotFound
		}
		return Material{}, err
	}
	return m, nil
}

// GetMaterial loads a material by id.
func (r *Repository) GetMaterial(ctx context.Context, id int64) (Material, error) {
	return scanMaterial(r.pool.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE id=$1`, id))
}

// SumDeltas replays the ledger for a material.
func (r *Repository) SumDeltas(ctx context.Context, id int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM material_ledger WHERE material_id=$1`, id).Scan(&sum)
	return sum, err
}

// ListMaterialIDs returns every material id in ascending order.
func (r *Repository) ListMaterialIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM materials ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ListLowStock returns materials whose cached quantity is under their safety stock.
func (r *Repository) ListLowStock(ctx context.Context, limit int) ([]Material, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+materialColumns+` FROM materials
WHERE safety_stock > 0 AND qty_on_hand < safety_stock
ORDER BY (qty_on_hand - safety_stock) ASC, id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Material{}
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListLedger returns a page of ledger entries, newest first, plus the total count.
func (r *Repository) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	where := []string{"material_id=$1"}
	args := []any{filter.MaterialID}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		where = append(where, fmt.Sprintf("source=$%d", len(args)))
	}
	if filter.OrderID > 0 {
		args = append(args, filter.OrderID)
		where = append(where, fmt.Sprintf("order_id=$%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM material_ledger WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.pool.Query(ctx, `SELECT `+ledgerColumns+` FROM material_ledger WHERE `+clause+
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := []LedgerEntry{}
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

const ledgerColumns = `id, material_id, delta, source, COALESCE(order_id, 0), COALESCE(line_item_id, 0),
COALESCE(progress_entry_id, 0), COALESCE(purchase_ref, ''), unit_price, total_value,
COALESCE(reference_no, ''), notes, COALESCE(created_by, 0), created_at`

func scanLedgerEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	var source string
	err := row.Scan(&e.ID, &e.MaterialID, &e.Delta, &source, &e.OrderID, &e.LineItemID,
		&e.ProgressEntryID, &e.PurchaseRef, &e.UnitPrice, &e.TotalValue,
		&e.ReferenceNo, &e.Notes, &e.CreatedBy, &e.CreatedAt)
	e.Source = Source(source)
	return e, err
}

func (r *txRepository) GetMaterial(ctx context.Context, id int64) (Material, error) {
	return scanMaterial(r.tx.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE id=$1`, id))
}

func (r *txRepository) LockMaterial(ctx context.Context, id int64) (Material, error) {
	return scanMaterial(r.tx.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ReferenceExists(ctx context.Context, referenceNo string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM material_ledger WHERE reference_no=$1)`, referenceNo).Scan(&exists)
	return exists, err
}

func (r *txRepository) AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO material_ledger (material_id, delta, source, order_id, line_item_id, progress_entry_id,
purchase_ref, unit_price, total_value, reference_no, notes, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		entry.MaterialID, entry.Delta, string(entry.Source), nullInt(entry.OrderID), nullInt(entry.LineItemID),
		nullInt(entry.ProgressEntryID), nullString(entry.PurchaseRef), entry.UnitPrice, entry.TotalValue,
		nullString(entry.ReferenceNo), entry.Notes, nullInt(entry.CreatedBy), entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return LedgerEntry{}, ErrDuplicateReference
		}
		return LedgerEntry{}, err
	}
	r.pending.add(entry.MaterialID, entry.Delta, entry.CreatedAt)
	return entry, nil
}

// FlushStock writes pending deltas to the material cache in ascending id
// order. Cache row locks are taken here, not on append.
func (r *txRepository) FlushStock(ctx context.Context) error {
	for _, id := range r.pending.ordered() {
		p := r.pending[id]
		tag, err := r.tx.Exec(ctx, `UPDATE materials SET qty_on_hand = qty_on_hand + $2, updated_at = $3 WHERE id=$1`, id, p.delta, p.at)
		if err != nil {
			return fmt.Errorf("materials: flush stock %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrMaterialNotFound
		}
	}
	clear(r.pending)
	return nil
}

func (r *txRepository) SumDeltas(ctx context.Context, id int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM material_ledger WHERE material_id=$1`, id).Scan(&sum)
	return sum, err
}

func (r *txRepository) SetQtyOnHand(ctx context.Context, id int64, qty decimal.Decimal) error {
	delete(r.pending, id)
	_, err := r.tx.Exec(ctx, `UPDATE materials SET qty_on_hand=$2, updated_at=$3 WHERE id=$1`, id, qty, time.Now().UTC())
	return err
}

type pendingDelta struct {
	delta decimal.Decimal
	at    time.Time
}

// stockDeltas accumulates cache changes per material within one transaction.
type stockDeltas map[int64]pendingDelta

func (d stockDeltas) add(id int64, delta decimal.Decimal, at time.Time) {
	p, ok := d[id]
	if !ok {
		d[id] = pendingDelta{delta: delta, at: at}
		return
	}
	p.delta = p.delta.Add(delta)
	if at.After(p.at) {
		p.at = at
	}
	d[id] = p
}

func (d stockDeltas) ordered() []int64 {
	ids := make([]int64, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
