package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/konveksi/konveksi/internal/platform/db"
	"github.com/konveksi/konveksi/internal/shared"
)

// TxRepository exposes order writes that must run inside a transaction.
// Other components reach it through NewTxStore on their own transaction.
type TxRepository interface {
	LockOrder(ctx context.Context, id int64) (Order, error)
	ListLineItems(ctx context.Context, orderID int64) ([]LineItem, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	InsertOrder(ctx context.Context, order Order) (Order, error)
	InsertLineItem(ctx context.Context, item LineItem) (LineItem, error)
	UpdateLineItemCompletion(ctx context.Context, item LineItem) error
	UpdateOrderProgress(ctx context.Context, orderID int64, completedPcs int, status Status, at time.Time) error
	InsertStatusChange(ctx context.Context, change StatusChange) error
}

// Repository persists orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxStore exposes order writes on an already open transaction.
func NewTxStore(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx runs fn inside a read-committed transaction. Callers serialise per
// order through LockOrder.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("orders repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const orderColumns = `id, order_no, status, target_pcs, completed_pcs, due_date, priority, is_active, share_token,
COALESCE(created_by, 0), created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status, priority string
	err := row.Scan(&o.ID, &o.Number, &status, &o.TargetPcs, &o.CompletedPcs, &o.DueDate, &priority,
		&o.Active, &o.ShareToken, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	o.Status = Status(status)
	o.Priority = Priority(priority)
	return o, nil
}

// GetOrder loads an order by id.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

// GetOrderByToken resolves a public share token.
func (r *Repository) GetOrderByToken(ctx context.Context, token uuid.UUID) (Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE share_token=$1`, token))
}

// ListLineItems lists the line items of an order.
func (r *Repository) ListLineItems(ctx context.Context, orderID int64) ([]LineItem, error) {
	return listLineItems(ctx, r.pool, orderID, false)
}

// ListStatusHistory lists status changes of an order, oldest first.
func (r *Repository) ListStatusHistory(ctx context.Context, orderID int64) ([]StatusChange, error) {
	rows, err := r.pool.Query(ctx, `SELECT order_id, from_status, to_status, reason, COALESCE(actor_id, 0), changed_at
FROM order_status_history WHERE order_id=$1 ORDER BY changed_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []StatusChange{}
	for rows.Next() {
		var c StatusChange
		var from, to string
		if err := rows.Scan(&c.OrderID, &from, &to, &c.Reason, &c.ActorID, &c.At); err != nil {
			return nil, err
		}
		c.From, c.To = Status(from), Status(to)
		out = append(out, c)
	}
	return out, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listLineItems(ctx context.Context, q querier, orderID int64, lock bool) ([]LineItem, error) {
	sql := `SELECT li.id, li.order_id, li.product_id, p.name, COALESCE(p.material_id, 0), li.ordered_qty,
li.completed_qty, li.is_complete, li.completed_at
FROM order_line_items li JOIN products p ON p.id = li.product_id
WHERE li.order_id=$1 ORDER BY li.id`
	if lock {
		sql += ` FOR UPDATE OF li`
	}
	rows, err := q.Query(ctx, sql, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []LineItem{}
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ID, &li.OrderID, &li.ProductID, &li.ProductName, &li.MaterialID, &li.OrderedQty,
			&li.CompletedQty, &li.IsComplete, &li.CompletedAt); err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

func (r *txRepository) LockOrder(ctx context.Context, id int64) (Order, error) {
	return scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ListLineItems(ctx context.Context, orderID int64) ([]LineItem, error) {
	return listLineItems(ctx, r.tx, orderID, true)
}

func (r *txRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.tx.QueryRow(ctx, `SELECT id, name, COALESCE(material_id, 0) FROM products WHERE id=$1`, id).Scan(&p.ID, &p.Name, &p.MaterialID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (r *txRepository) InsertOrder(ctx context.Context, order Order) (Order, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO orders (order_no, status, target_pcs, completed_pcs, due_date, priority, is_active, share_token, created_by, created_at, updated_at)
VALUES ($1,$2,$3,0,$4,$5,$6,$7,$8,$9,$9) RETURNING id`,
		order.Number, string(order.Status), order.TargetPcs, order.DueDate, string(order.Priority), order.Active,
		order.ShareToken, nullInt(order.CreatedBy), order.CreatedAt).Scan(&order.ID)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Order{}, ErrDuplicateNumber
		}
		return Order{}, err
	}
	order.UpdatedAt = order.CreatedAt
	return order, nil
}

func (r *txRepository) InsertLineItem(ctx context.Context, item LineItem) (LineItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO order_line_items (order_id, product_id, ordered_qty, completed_qty, is_complete)
VALUES ($1,$2,$3,0,FALSE) RETURNING id`, item.OrderID, item.ProductID, item.OrderedQty).Scan(&item.ID)
	return item, err
}

func (r *txRepository) UpdateLineItemCompletion(ctx context.Context, item LineItem) error {
	_, err := r.tx.Exec(ctx, `UPDATE order_line_items SET completed_qty=$2, is_complete=$3, completed_at=$4 WHERE id=$1`,
		item.ID, item.CompletedQty, item.IsComplete, item.CompletedAt)
	return err
}

func (r *txRepository) UpdateOrderProgress(ctx context.Context, orderID int64, completedPcs int, status Status, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE orders SET completed_pcs=$2, status=$3, updated_at=$4 WHERE id=$1`, orderID, completedPcs, string(status), at)
	return err
}

func (r *txRepository) InsertStatusChange(ctx context.Context, change StatusChange) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO order_status_history (order_id, from_status, to_status, reason, actor_id, changed_at)
VALUES ($1,$2,$3,$4,$5,$6)`, change.OrderID, string(change.From), string(change.To), change.Reason, nullInt(change.ActorID), change.At)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
