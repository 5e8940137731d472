package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/internal/shared"
)

const movementNumberConstraint = "movement_records_movement_number_key"

// Repository persists inventory data in PostgreSQL.
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

// NewTxRepository binds the ledger queries to a transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx executes the callback inside a read-committed transaction. Row locks
// taken by LockBalance serialise concurrent writers of the same key.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

func locationColumns(loc Location) (string, int64) {
	if loc.IsCentral() {
		return string(LocationCentral), 0
	}
	return string(LocationDepartment), loc.DepartmentID
}

func locationFromColumns(kind string, deptID int64) Location {
	if LocationKind(kind) == LocationCentral {
		return Central()
	}
	return Department(deptID)
}

const balanceColumns = `item_id, location_kind, department_id, quantity_on_hand, reserved_quantity, last_unit_cost, average_unit_cost, total_value, updated_at`

func scanBalance(row pgx.Row) (Balance, error) {
	var (
		bal    Balance
		kind   string
		deptID int64
	)
	if err := row.Scan(&bal.ItemID, &kind, &deptID, &bal.QuantityOnHand, &bal.ReservedQuantity,
		&bal.LastUnitCost, &bal.AverageUnitCost, &bal.TotalValue, &bal.UpdatedAt); err != nil {
		return Balance{}, err
	}
	bal.Location = locationFromColumns(kind, deptID)
	return bal, nil
}

// GetBalance reads the live balance without locking.
func (r *Repository) GetBalance(ctx context.Context, itemID int64, loc Location) (Balance, error) {
	kind, deptID := locationColumns(loc)
	bal, err := scanBalance(r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_balances
WHERE item_id = $1 AND location_kind = $2 AND department_id = $3`, itemID, kind, deptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrBalanceNotFound
	}
	return bal, err
}

// ListBalanceKeys returns every balance key in a stable order.
func (r *Repository) ListBalanceKeys(ctx context.Context) ([]BalanceKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_id, location_kind, department_id FROM stock_balances
ORDER BY item_id, location_kind, department_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []BalanceKey
	for rows.Next() {
		var (
			key    BalanceKey
			kind   string
			deptID int64
		)
		if err := rows.Scan(&key.ItemID, &kind, &deptID); err != nil {
			return nil, err
		}
		key.Location = locationFromColumns(kind, deptID)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

const movementColumns = `id, movement_number, item_id, location_kind, department_id, movement_type, quantity,
unit_cost, total_cost, movement_date, status, created_by, COALESCE(approved_by, 0), approved_at,
ref_module, ref_id, ref_number, note, created_at`

// ListMovements returns journal records ordered by movement date then id.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	kind, deptID := locationColumns(filter.Location)
	limit := filter.Limit
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM movement_records
WHERE item_id = $1 AND location_kind = $2 AND department_id = $3
  AND ($4::timestamptz IS NULL OR movement_date >= $4)
  AND ($5::timestamptz IS NULL OR movement_date <= $5)
ORDER BY movement_date, id
LIMIT $6`, filter.ItemID, kind, deptID, nullTime(filter.From), nullTime(filter.To), limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		mv     Movement
		kind   string
		deptID int64
		typ    string
		status string
	)
	if err := row.Scan(&mv.ID, &mv.Number, &mv.ItemID, &kind, &deptID, &typ, &mv.Quantity,
		&mv.UnitCost, &mv.TotalCost, &mv.MovementDate, &status, &mv.CreatedBy, &mv.ApprovedBy, &mv.ApprovedAt,
		&mv.Ref.Module, &mv.Ref.ID, &mv.Ref.Number, &mv.Note, &mv.CreatedAt); err != nil {
		return Movement{}, err
	}
	mv.Location = locationFromColumns(kind, deptID)
	mv.Type = MovementType(typ)
	mv.Status = MovementStatus(status)
	return mv, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// NextSequence increments the per-prefix daily counter.
func (r *txRepo) NextSequence(ctx context.Context, prefix string, day time.Time) (int, error) {
	var seq int
	err := r.tx.QueryRow(ctx, `INSERT INTO document_sequences (prefix, day, last_value)
VALUES ($1, $2::date, 1)
ON CONFLICT (prefix, day) DO UPDATE SET last_value = document_sequences.last_value + 1
RETURNING last_value`, prefix, day.Format("2006-01-02")).Scan(&seq)
	return seq, err
}

func (r *txRepo) LockBalance(ctx context.Context, itemID int64, loc Location) (Balance, error) {
	kind, deptID := locationColumns(loc)
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (item_id, location_kind, department_id)
VALUES ($1, $2, $3) ON CONFLICT (item_id, location_kind, department_id) DO NOTHING`, itemID, kind, deptID); err != nil {
		return Balance{}, err
	}
	return scanBalance(r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_balances
WHERE item_id = $1 AND location_kind = $2 AND department_id = $3 FOR UPDATE`, itemID, kind, deptID))
}

func (r *txRepo) SaveBalance(ctx context.Context, bal Balance) error {
	kind, deptID := locationColumns(bal.Location)
	tag, err := r.tx.Exec(ctx, `UPDATE stock_balances SET quantity_on_hand = $4, reserved_quantity = $5,
last_unit_cost = $6, average_unit_cost = $7, total_value = $8, updated_at = NOW()
WHERE item_id = $1 AND location_kind = $2 AND department_id = $3`,
		bal.ItemID, kind, deptID, bal.QuantityOnHand, bal.ReservedQuantity, bal.LastUnitCost, bal.AverageUnitCost, bal.TotalValue)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, mv Movement) (Movement, error) {
	kind, deptID := locationColumns(mv.Location)
	var approvedBy any
	if mv.ApprovedBy != 0 {
		approvedBy = mv.ApprovedBy
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO movement_records (movement_number, item_id, location_kind, department_id,
movement_type, quantity, unit_cost, total_cost, movement_date, status, created_by, approved_by, approved_at,
ref_module, ref_id, ref_number, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
RETURNING id`, mv.Number, mv.ItemID, kind, deptID, string(mv.Type), mv.Quantity, mv.UnitCost, mv.TotalCost,
		mv.MovementDate, string(mv.Status), mv.CreatedBy, approvedBy, mv.ApprovedAt,
		mv.Ref.Module, mv.Ref.ID, mv.Ref.Number, mv.Note, mv.CreatedAt).Scan(&mv.ID)
	if err != nil {
		if db.IsUniqueViolation(err, movementNumberConstraint) {
			return Movement{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, mv.Number)
		}
		return Movement{}, err
	}
	return mv, nil
}

func (r *txRepo) SumMovements(ctx context.Context, itemID int64, loc Location) (decimal.Decimal, error) {
	kind, deptID := locationColumns(loc)
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE
    WHEN movement_type IN ('stock_in','transfer_in','adjustment_plus','return') THEN quantity
    WHEN movement_type IN ('stock_out','transfer_out','adjustment_minus','disposal') THEN -quantity
    ELSE 0 END), 0)
FROM movement_records
WHERE item_id = $1 AND location_kind = $2 AND department_id = $3 AND status = 'approved'`, itemID, kind, deptID).Scan(&total)
	return total, err
}
