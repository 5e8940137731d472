package opname

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

const (
	numberConstraint   = "stock_opnames_opname_number_key"
	approvedConstraint = "stock_opnames_approved_period_key"
)

// Repository persists stock opnames in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
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

// WithTx runs fn with opname and ledger repositories sharing one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx}, inventory.NewTxRepository(tx))
	})
}

const headerColumns = `id, opname_number, department_id, period, status, note, created_by, COALESCE(approved_by, 0),
approved_at, reject_reason, journal_posted, journal_ref, created_at, updated_at`

func scanHeader(row pgx.Row) (Opname, error) {
	var (
		o      Opname
		period string
		status string
	)
	err := row.Scan(&o.ID, &o.Number, &o.DepartmentID, &period, &status, &o.Note, &o.CreatedBy, &o.ApprovedBy,
		&o.ApprovedAt, &o.RejectReason, &o.JournalPosted, &o.JournalRef, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Opname{}, ErrOpnameNotFound
	}
	if err != nil {
		return Opname{}, err
	}
	o.Status = Status(status)
	o.Period, err = shared.ParseMonth(period)
	return o, err
}

func loadLines(ctx context.Context, q querier, opnameID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, opname_id, item_id, system_quantity, counted_quantity, unit_cost, note
FROM stock_opname_lines WHERE opname_id = $1 ORDER BY id`, opnameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.OpnameID, &l.ItemID, &l.SystemQuantity, &l.CountedQuantity, &l.UnitCost, &l.Note); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func getOpname(ctx context.Context, q querier, id int64, lock bool) (Opname, error) {
	query := `SELECT ` + headerColumns + ` FROM stock_opnames WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanHeader(q.QueryRow(ctx, query, id))
	if err != nil {
		return Opname{}, err
	}
	o.Lines, err = loadLines(ctx, q, id)
	return o, err
}

// Get loads an opname with lines.
func (r *Repository) Get(ctx context.Context, id int64) (Opname, error) {
	return getOpname(ctx, r.pool, id, false)
}

// List returns headers only, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Opname, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM stock_opnames
WHERE ($1::bigint = 0 OR department_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, filter.DepartmentID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Opname
	for rows.Next() {
		o, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// HasApproved reports whether an approved opname exists for the department month.
func (r *Repository) HasApproved(ctx context.Context, departmentID int64, period shared.Month) (bool, error) {
	return hasApproved(ctx, r.pool, departmentID, period, 0)
}

func hasApproved(ctx context.Context, q querier, departmentID int64, period shared.Month, excludeID int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_opnames
WHERE department_id = $1 AND period = $2 AND status = 'approved' AND id <> $3)`,
		departmentID, period.Key(), excludeID).Scan(&exists)
	return exists, err
}

func (r *txRepo) Insert(ctx context.Context, o Opname) (Opname, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_opnames (opname_number, department_id, period, status, note, created_by)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`,
		o.Number, o.DepartmentID, o.Period.Key(), string(o.Status), o.Note, o.CreatedBy).
		Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return Opname{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, o.Number)
		}
		return Opname{}, err
	}
	lines := make([]Line, 0, len(o.Lines))
	for _, l := range o.Lines {
		l.OpnameID = o.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO stock_opname_lines (opname_id, item_id, system_quantity, counted_quantity, unit_cost, note)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, o.ID, l.ItemID, l.SystemQuantity, l.CountedQuantity, l.UnitCost, l.Note).Scan(&l.ID); err != nil {
			return Opname{}, err
		}
		lines = append(lines, l)
	}
	o.Lines = lines
	return o, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Opname, error) {
	return getOpname(ctx, r.tx, id, true)
}

func (r *txRepo) HasApprovedOther(ctx context.Context, departmentID int64, period shared.Month, excludeID int64) (bool, error) {
	return hasApproved(ctx, r.tx, departmentID, period, excludeID)
}

func (r *txRepo) UpdateHeader(ctx context.Context, o Opname) error {
	var approvedBy any
	if o.ApprovedBy != 0 {
		approvedBy = o.ApprovedBy
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_opnames SET status = $2, reject_reason = $3, approved_by = $4, approved_at = $5,
journal_posted = $6, journal_ref = $7, updated_at = NOW() WHERE id = $1`,
		o.ID, string(o.Status), o.RejectReason, approvedBy, o.ApprovedAt, o.JournalPosted, o.JournalRef)
	if err != nil {
		if db.IsUniqueViolation(err, approvedConstraint) {
			return blockedFor(o.DepartmentID, o.Period)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOpnameNotFound
	}
	return nil
}

func (r *txRepo) UpdateCounts(ctx context.Context, lines []Line) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`UPDATE stock_opname_lines SET counted_quantity = $2, unit_cost = $3 WHERE id = $1`,
			l.ID, l.CountedQuantity, l.UnitCost)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}
