package requisition

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

const numberConstraint = "stock_requests_request_number_key"

// Repository persists stock requests in PostgreSQL.
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

// WithTx runs fn with request and ledger repositories sharing one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx}, inventory.NewTxRepository(tx))
	})
}

const headerColumns = `id, request_number, department_id, requested_by, priority, status, note, approval_note, reserved,
COALESCE(approved_by, 0), approved_at, COALESCE(completed_by, 0), completed_at, created_at, updated_at`

func scanHeader(row pgx.Row) (Request, error) {
	var (
		req      Request
		priority string
		status   string
	)
	err := row.Scan(&req.ID, &req.Number, &req.DepartmentID, &req.RequestedBy, &priority, &status, &req.Note,
		&req.ApprovalNote, &req.Reserved, &req.ApprovedBy, &req.ApprovedAt, &req.CompletedBy, &req.CompletedAt,
		&req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrRequestNotFound
	}
	if err != nil {
		return Request{}, err
	}
	req.Priority = Priority(priority)
	req.Status = Status(status)
	return req, nil
}

func loadLines(ctx context.Context, q querier, requestID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, request_id, item_id, quantity_requested, quantity_approved, quantity_issued, unit_cost, note
FROM stock_request_lines WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.RequestID, &l.ItemID, &l.QuantityRequested, &l.QuantityApproved, &l.QuantityIssued, &l.UnitCost, &l.Note); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func getRequest(ctx context.Context, q querier, id int64, lock bool) (Request, error) {
	query := `SELECT ` + headerColumns + ` FROM stock_requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	req, err := scanHeader(q.QueryRow(ctx, query, id))
	if err != nil {
		return Request{}, err
	}
	req.Lines, err = loadLines(ctx, q, id)
	return req, err
}

// Get loads a request with lines.
func (r *Repository) Get(ctx context.Context, id int64) (Request, error) {
	return getRequest(ctx, r.pool, id, false)
}

// List returns headers only, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM stock_requests
WHERE ($1::bigint = 0 OR department_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, filter.DepartmentID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *txRepo) Insert(ctx context.Context, req Request) (Request, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_requests (request_number, department_id, requested_by, priority, status, note)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`,
		req.Number, req.DepartmentID, req.RequestedBy, string(req.Priority), string(req.Status), req.Note).
		Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return Request{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, req.Number)
		}
		return Request{}, err
	}
	req.Lines, err = r.insertLines(ctx, req.ID, req.Lines)
	return req, err
}

func (r *txRepo) insertLines(ctx context.Context, requestID int64, lines []Line) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		l.RequestID = requestID
		if err := r.tx.QueryRow(ctx, `INSERT INTO stock_request_lines (request_id, item_id, quantity_requested, quantity_approved, quantity_issued, unit_cost, note)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`, requestID, l.ItemID, l.QuantityRequested, l.QuantityApproved, l.QuantityIssued, l.UnitCost, l.Note).Scan(&l.ID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Request, error) {
	return getRequest(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateHeader(ctx context.Context, req Request) error {
	var approvedBy, completedBy any
	if req.ApprovedBy != 0 {
		approvedBy = req.ApprovedBy
	}
	if req.CompletedBy != 0 {
		completedBy = req.CompletedBy
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_requests SET status = $2, approval_note = $3, reserved = $4,
approved_by = $5, approved_at = $6, completed_by = $7, completed_at = $8, updated_at = NOW() WHERE id = $1`,
		req.ID, string(req.Status), req.ApprovalNote, req.Reserved, approvedBy, req.ApprovedAt, completedBy, req.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (r *txRepo) ReplaceLines(ctx context.Context, requestID int64, lines []Line) ([]Line, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM stock_request_lines WHERE request_id = $1`, requestID); err != nil {
		return nil, err
	}
	return r.insertLines(ctx, requestID, lines)
}

func (r *txRepo) UpdateLines(ctx context.Context, lines []Line) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`UPDATE stock_request_lines SET quantity_approved = $2, quantity_issued = $3, unit_cost = $4 WHERE id = $1`,
			l.ID, l.QuantityApproved, l.QuantityIssued, l.UnitCost)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}
