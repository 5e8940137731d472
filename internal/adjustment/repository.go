package adjustment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/internal/shared"
)

const numberConstraint = "stock_adjustments_adjustment_number_key"

// Repository persists adjustments in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn with adjustment and ledger repositories sharing one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx}, inventory.NewTxRepository(tx))
	})
}

const columns = `id, adjustment_number, item_id, tipe_adjustment, quantity, unit_price, status, note, created_by,
COALESCE(approved_by, 0), approved_at, jurnal_posted, journal_ref, created_at, updated_at`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var (
		a      Adjustment
		kind   string
		status string
	)
	err := row.Scan(&a.ID, &a.Number, &a.ItemID, &kind, &a.Quantity, &a.UnitPrice, &status, &a.Note, &a.CreatedBy,
		&a.ApprovedBy, &a.ApprovedAt, &a.JournalPosted, &a.JournalRef, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	a.Kind = Kind(kind)
	a.Status = Status(status)
	return a, err
}

// Get loads an adjustment.
func (r *Repository) Get(ctx context.Context, id int64) (Adjustment, error) {
	return scanAdjustment(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM stock_adjustments WHERE id = $1`, id))
}

// List returns adjustments newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Adjustment, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM stock_adjustments
WHERE ($1::bigint = 0 OR item_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, filter.ItemID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepo) Insert(ctx context.Context, a Adjustment) (Adjustment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_adjustments (adjustment_number, item_id, tipe_adjustment, quantity, unit_price, status, note, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at, updated_at`,
		a.Number, a.ItemID, string(a.Kind), a.Quantity, a.UnitPrice, string(a.Status), a.Note, a.CreatedBy).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return Adjustment{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, a.Number)
		}
		return Adjustment{}, err
	}
	return a, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	return scanAdjustment(r.tx.QueryRow(ctx, `SELECT `+columns+` FROM stock_adjustments WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) Update(ctx context.Context, a Adjustment) error {
	var approvedBy any
	if a.ApprovedBy != 0 {
		approvedBy = a.ApprovedBy
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_adjustments SET item_id = $2, tipe_adjustment = $3, quantity = $4, unit_price = $5,
status = $6, note = $7, approved_by = $8, approved_at = $9, jurnal_posted = $10, journal_ref = $11, updated_at = NOW()
WHERE id = $1`,
		a.ID, a.ItemID, string(a.Kind), a.Quantity, a.UnitPrice, string(a.Status), a.Note, approvedBy, a.ApprovedAt,
		a.JournalPosted, a.JournalRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdjustmentNotFound
	}
	return nil
}

func (r *txRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_adjustments WHERE id = $1 AND status = 'draft'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdjustmentNotFound
	}
	return nil
}
