package procurement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/masterdata/items"
	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/internal/shared"
)

const numberConstraint = "purchases_purchase_number_key"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn with purchase and ledger repositories sharing one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx}, inventory.NewTxRepository(tx))
	})
}

const headerColumns = `id, purchase_number, supplier_id, status, note, created_by, COALESCE(approved_by, 0), approved_at,
ordered_at, paid_amount, payment_status, jurnal_posted, journal_ref, created_at, updated_at`

func scanHeader(row pgx.Row) (Purchase, error) {
	var (
		p       Purchase
		status  string
		payment string
	)
	err := row.Scan(&p.ID, &p.Number, &p.SupplierID, &status, &p.Note, &p.CreatedBy, &p.ApprovedBy, &p.ApprovedAt,
		&p.OrderedAt, &p.PaidAmount, &payment, &p.JournalPosted, &p.JournalRef, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, ErrPurchaseNotFound
	}
	if err != nil {
		return Purchase{}, err
	}
	p.Status = Status(status)
	p.PaymentStatus = PaymentStatus(payment)
	return p, nil
}

func loadItems(ctx context.Context, q querier, purchaseID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, purchase_id, item_id, quantity_ordered, quantity_received, unit_price
FROM purchase_items WHERE purchase_id = $1 ORDER BY id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.PurchaseID, &it.ItemID, &it.QuantityOrdered, &it.QuantityReceived, &it.UnitPrice); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func getPurchase(ctx context.Context, q querier, id int64, lock bool) (Purchase, error) {
	query := `SELECT ` + headerColumns + ` FROM purchases WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanHeader(q.QueryRow(ctx, query, id))
	if err != nil {
		return Purchase{}, err
	}
	p.Items, err = loadItems(ctx, q, id)
	return p, err
}

// Get loads a purchase with lines.
func (r *Repository) Get(ctx context.Context, id int64) (Purchase, error) {
	return getPurchase(ctx, r.pool, id, false)
}

// List returns purchase headers newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Purchase, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM purchases
WHERE ($1::bigint = 0 OR supplier_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, filter.SupplierID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Purchase
	for rows.Next() {
		p, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListReceipts returns deliveries oldest first.
func (r *Repository) ListReceipts(ctx context.Context, purchaseID int64) ([]Receipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, purchase_id, purchase_item_id, item_id, quantity, unit_price, batch_number,
expiry_date, movement_number, received_by, received_at FROM purchase_receipts WHERE purchase_id = $1 ORDER BY received_at, id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		var rc Receipt
		if err := rows.Scan(&rc.ID, &rc.PurchaseID, &rc.PurchaseItemID, &rc.ItemID, &rc.Quantity, &rc.UnitPrice, &rc.BatchNumber,
			&rc.ExpiryDate, &rc.MovementNumber, &rc.ReceivedBy, &rc.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// ListPayments returns payments oldest first.
func (r *Repository) ListPayments(ctx context.Context, purchaseID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, purchase_id, amount, method, reference, paid_at, created_by
FROM purchase_payments WHERE purchase_id = $1 ORDER BY paid_at, id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.PurchaseID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt, &p.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepo) Insert(ctx context.Context, p Purchase) (Purchase, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchases (purchase_number, supplier_id, status, note, created_by, paid_amount, payment_status)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		p.Number, p.SupplierID, string(p.Status), p.Note, p.CreatedBy, p.PaidAmount, string(p.PaymentStatus)).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return Purchase{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, p.Number)
		}
		return Purchase{}, err
	}
	p.Items, err = r.insertItems(ctx, p.ID, p.Items)
	return p, err
}

func (r *txRepo) insertItems(ctx context.Context, purchaseID int64, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		it.PurchaseID = purchaseID
		if err := r.tx.QueryRow(ctx, `INSERT INTO purchase_items (purchase_id, item_id, quantity_ordered, quantity_received, unit_price)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, purchaseID, it.ItemID, it.QuantityOrdered, it.QuantityReceived, it.UnitPrice).Scan(&it.ID); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return getPurchase(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateHeader(ctx context.Context, p Purchase) error {
	var approvedBy any
	if p.ApprovedBy != 0 {
		approvedBy = p.ApprovedBy
	}
	tag, err := r.tx.Exec(ctx, `UPDATE purchases SET status = $2, approved_by = $3, approved_at = $4, ordered_at = $5,
paid_amount = $6, payment_status = $7, jurnal_posted = $8, journal_ref = $9, updated_at = NOW() WHERE id = $1`,
		p.ID, string(p.Status), approvedBy, p.ApprovedAt, p.OrderedAt, p.PaidAmount, string(p.PaymentStatus),
		p.JournalPosted, p.JournalRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

func (r *txRepo) ReplaceItems(ctx context.Context, purchaseID int64, items []Item) ([]Item, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM purchase_items WHERE purchase_id = $1`, purchaseID); err != nil {
		return nil, err
	}
	return r.insertItems(ctx, purchaseID, items)
}

func (r *txRepo) UpdateItem(ctx context.Context, it Item) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_items SET quantity_received = $2 WHERE id = $1`, it.ID, it.QuantityReceived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseItemNotFound
	}
	return nil
}

func (r *txRepo) InsertReceipt(ctx context.Context, rc Receipt) (Receipt, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_receipts (purchase_id, purchase_item_id, item_id, quantity, unit_price,
batch_number, expiry_date, movement_number, received_by, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		rc.PurchaseID, rc.PurchaseItemID, rc.ItemID, rc.Quantity, rc.UnitPrice, rc.BatchNumber, rc.ExpiryDate,
		rc.MovementNumber, rc.ReceivedBy, rc.ReceivedAt).Scan(&rc.ID)
	return rc, err
}

func (r *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_payments (purchase_id, amount, method, reference, paid_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, p.PurchaseID, p.Amount, p.Method, p.Reference, p.PaidAt, p.CreatedBy).Scan(&p.ID)
	return p, err
}

func (r *txRepo) SetLastPurchaseCost(ctx context.Context, itemID int64, cost decimal.Decimal) error {
	return items.SetLastPurchaseCost(ctx, r.tx, itemID, cost)
}
