package progress

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/platform/db"
	"github.com/konveksi/konveksi/internal/shared"
)

const idempotencyModule = "progress.submit"

// TxRepository is everything a submission touches inside its transaction.
type TxRepository interface {
	Orders() orders.TxRepository
	Ledger() materials.TxStore
	// ClaimSubmissionKey reserves a client key for one order. The same key
	// may be used against different orders.
	ClaimSubmissionKey(ctx context.Context, orderID int64, key string) error
	SumPiecesByLineItem(ctx context.Context, orderID int64) (map[int64]int, error)
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	GetEntry(ctx context.Context, id int64) (Entry, error)
	// CorrectedTotals returns pieces and fabric already compensated for an entry.
	CorrectedTotals(ctx context.Context, entryID int64) (int, decimal.Decimal, error)
}

// Repository persists progress entries in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	orders *orders.Repository
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, orders: orders.NewRepository(pool)}
}

type txRepository struct {
	tx     pgx.Tx
	orders orders.TxRepository
	ledger materials.TxRepository
	idem   *shared.IdempotencyStore
}

// WithTx runs fn inside a read-committed transaction. Order, ledger and
// progress writes share the transaction; the order row lock serialises
// submissions per order. Material rows are locked last, at flush.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("progress repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		store := &txRepository{
			tx:     tx,
			orders: orders.NewTxStore(tx),
			ledger: materials.NewTxStore(tx),
			idem:   shared.NewIdempotencyStore(tx),
		}
		if err := fn(ctx, store); err != nil {
			return err
		}
		return store.ledger.FlushStock(ctx)
	})
}

// GetOrder loads an order.
func (r *Repository) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	return r.orders.GetOrder(ctx, id)
}

// GetOrderByToken resolves a public share token.
func (r *Repository) GetOrderByToken(ctx context.Context, token uuid.UUID) (orders.Order, error) {
	return r.orders.GetOrderByToken(ctx, token)
}

// ListLineItems lists the line items of an order.
func (r *Repository) ListLineItems(ctx context.Context, orderID int64) ([]orders.LineItem, error) {
	return r.orders.ListLineItems(ctx, orderID)
}

// GetLineItem loads one line item with its product.
func (r *Repository) GetLineItem(ctx context.Context, id int64) (orders.LineItem, error) {
	var li orders.LineItem
	err := r.pool.QueryRow(ctx, `SELECT li.id, li.order_id, li.product_id, p.name, COALESCE(p.material_id, 0), li.ordered_qty,
li.completed_qty, li.is_complete, li.completed_at
FROM order_line_items li JOIN products p ON p.id = li.product_id WHERE li.id=$1`, id).
		Scan(&li.ID, &li.OrderID, &li.ProductID, &li.ProductName, &li.MaterialID, &li.OrderedQty, &li.CompletedQty, &li.IsComplete, &li.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.LineItem{}, orders.ErrLineItemNotFound
	}
	return li, err
}

// SumPiecesByLineItem sums pieces over every entry of an order.
func (r *Repository) SumPiecesByLineItem(ctx context.Context, orderID int64) (map[int64]int, error) {
	return sumPieces(ctx, r.pool, orderID)
}

// SumPiecesForLineItem sums pieces over the entries of one line item.
func (r *Repository) SumPiecesForLineItem(ctx context.Context, lineItemID int64) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(pieces_finished), 0) FROM progress_entries WHERE line_item_id=$1`, lineItemID).Scan(&sum)
	return sum, err
}

// ListEntries lists entries of an order, newest first.
func (r *Repository) ListEntries(ctx context.Context, orderID int64, filter EntryFilter) ([]Entry, error) {
	where := []string{"order_id=$1"}
	args := []any{orderID}
	if filter.LineItemID > 0 {
		args = append(args, filter.LineItemID)
		where = append(where, "line_item_id=$2")
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, "kind=$"+itoa(len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	args = append(args, limit)
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM progress_entries WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at DESC, id DESC LIMIT $`+itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	index := map[int64]int{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	photoRows, err := r.pool.Query(ctx, `SELECT entry_id, url, caption FROM progress_photos WHERE entry_id = ANY($1) ORDER BY entry_id, position`, ids)
	if err != nil {
		return nil, err
	}
	defer photoRows.Close()
	for photoRows.Next() {
		var entryID int64
		var p Photo
		if err := photoRows.Scan(&entryID, &p.URL, &p.Caption); err != nil {
			return nil, err
		}
		i := index[entryID]
		entries[i].Photos = append(entries[i].Photos, p)
	}
	return entries, photoRows.Err()
}

// ListOpenOrderIDs lists orders whose caches may still change.
func (r *Repository) ListOpenOrderIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM orders WHERE status NOT IN ('delivered','cancelled') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

const entryColumns = `id, submission_id, order_id, line_item_id, kind, pieces_finished, fabric_used, quality_score,
notes, challenges, COALESCE(submitted_by, 0), channel, COALESCE(corrects_entry_id, 0), created_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var kind, channel string
	err := row.Scan(&e.ID, &e.SubmissionID, &e.OrderID, &e.LineItemID, &kind, &e.Pieces, &e.FabricUsed, &e.QualityScore,
		&e.Notes, &e.Challenges, &e.SubmittedBy, &channel, &e.CorrectsEntryID, &e.CreatedAt)
	e.Kind, e.Channel = Kind(kind), Channel(channel)
	return e, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func sumPieces(ctx context.Context, q querier, orderID int64) (map[int64]int, error) {
	rows, err := q.Query(ctx, `SELECT line_item_id, COALESCE(SUM(pieces_finished), 0) FROM progress_entries WHERE order_id=$1 GROUP BY line_item_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := map[int64]int{}
	for rows.Next() {
		var id int64
		var sum int
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		totals[id] = sum
	}
	return totals, rows.Err()
}

func (r *txRepository) Orders() orders.TxRepository { return r.orders }

func (r *txRepository) Ledger() materials.TxStore { return r.ledger }

func (r *txRepository) ClaimSubmissionKey(ctx context.Context, orderID int64, key string) error {
	err := r.idem.CheckAndInsert(ctx, submissionKey(orderID, key), idempotencyModule)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrDuplicateSubmission
	}
	return err
}

// submissionKey scopes a client idempotency key to its order.
func submissionKey(orderID int64, key string) string {
	return "order:" + strconv.FormatInt(orderID, 10) + ":" + key
}

func (r *txRepository) SumPiecesByLineItem(ctx context.Context, orderID int64) (map[int64]int, error) {
	return sumPieces(ctx, r.tx, orderID)
}

func (r *txRepository) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO progress_entries (submission_id, order_id, line_item_id, kind, pieces_finished, fabric_used,
quality_score, notes, challenges, submitted_by, channel, corrects_entry_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		entry.SubmissionID, entry.OrderID, entry.LineItemID, string(entry.Kind), entry.Pieces, entry.FabricUsed,
		entry.QualityScore, entry.Notes, entry.Challenges, nullInt(entry.SubmittedBy), string(entry.Channel),
		nullInt(entry.CorrectsEntryID), entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return Entry{}, err
	}
	for i, p := range entry.Photos {
		if _, err := r.tx.Exec(ctx, `INSERT INTO progress_photos (entry_id, position, url, caption) VALUES ($1,$2,$3,$4)`,
			entry.ID, i, p.URL, p.Caption); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}

func (r *txRepository) GetEntry(ctx context.Context, id int64) (Entry, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM progress_entries WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (r *txRepository) CorrectedTotals(ctx context.Context, entryID int64) (int, decimal.Decimal, error) {
	var pieces int
	var fabric decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(-SUM(pieces_finished), 0), COALESCE(-SUM(fabric_used), 0)
FROM progress_entries WHERE corrects_entry_id=$1`, entryID).Scan(&pieces, &fabric)
	return pieces, fabric, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
