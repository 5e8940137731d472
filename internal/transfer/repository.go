package transfer

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

const numberConstraint = "stock_transfers_transfer_number_key"

// Repository persists transfers in PostgreSQL.
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

// WithTx runs fn with transfer and ledger repositories sharing one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx}, inventory.NewTxRepository(tx))
	})
}

const columns = `id, transfer_number, from_department_id, to_department_id, item_id, quantity, unit_cost, status, note,
created_by, COALESCE(approved_by, 0), approved_at, COALESCE(received_by, 0), received_at, created_at, updated_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t      Transfer
		status string
	)
	err := row.Scan(&t.ID, &t.Number, &t.FromDepartmentID, &t.ToDepartmentID, &t.ItemID, &t.Quantity, &t.UnitCost,
		&status, &t.Note, &t.CreatedBy, &t.ApprovedBy, &t.ApprovedAt, &t.ReceivedBy, &t.ReceivedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrTransferNotFound
	}
	t.Status = Status(status)
	return t, err
}

// Get loads a transfer.
func (r *Repository) Get(ctx context.Context, id int64) (Transfer, error) {
	return scanTransfer(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM stock_transfers WHERE id = $1`, id))
}

// List returns transfers touching DepartmentID on either side.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM stock_transfers
WHERE ($1::bigint = 0 OR from_department_id = $1 OR to_department_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, filter.DepartmentID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *txRepo) Insert(ctx context.Context, t Transfer) (Transfer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transfers (transfer_number, from_department_id, to_department_id, item_id, quantity, unit_cost, status, note, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at, updated_at`,
		t.Number, t.FromDepartmentID, t.ToDepartmentID, t.ItemID, t.Quantity, t.UnitCost, string(t.Status), t.Note, t.CreatedBy).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return Transfer{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, t.Number)
		}
		return Transfer{}, err
	}
	return t, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Transfer, error) {
	return scanTransfer(r.tx.QueryRow(ctx, `SELECT `+columns+` FROM stock_transfers WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) Update(ctx context.Context, t Transfer) error {
	var approvedBy, receivedBy any
	if t.ApprovedBy != 0 {
		approvedBy = t.ApprovedBy
	}
	if t.ReceivedBy != 0 {
		receivedBy = t.ReceivedBy
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_transfers SET from_department_id = $2, to_department_id = $3, item_id = $4,
quantity = $5, unit_cost = $6, status = $7, note = $8, approved_by = $9, approved_at = $10, received_by = $11,
received_at = $12, updated_at = NOW() WHERE id = $1`,
		t.ID, t.FromDepartmentID, t.ToDepartmentID, t.ItemID, t.Quantity, t.UnitCost, string(t.Status), t.Note,
		approvedBy, t.ApprovedAt, receivedBy, t.ReceivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *txRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_transfers WHERE id = $1 AND status = 'draft'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}
