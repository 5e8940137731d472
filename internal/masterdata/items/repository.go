package items

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// ErrItemNotFound indicates a missing item.
var ErrItemNotFound = fmt.Errorf("item: %w", shared.ErrNotFound)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository interface {
	Get(ctx context.Context, id int64) (Item, error)
	List(ctx context.Context, activeOnly bool) ([]Item, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const itemColumns = `id, code, name, unit, standard_cost, last_purchase_cost, is_active, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.Code, &it.Name, &it.Unit, &it.StandardCost, &it.LastPurchaseCost, &it.IsActive, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (r *repository) Get(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	return it, err
}

func (r *repository) List(ctx context.Context, activeOnly bool) ([]Item, error) {
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE ($1 = false OR is_active) ORDER BY code`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetLastPurchaseCost records the latest receipt price on the item. It runs on
// whichever connection or transaction is supplied.
func SetLastPurchaseCost(ctx context.Context, db Execer, id int64, cost decimal.Decimal) error {
	tag, err := db.Exec(ctx, `UPDATE items SET last_purchase_cost = $2, updated_at = NOW() WHERE id = $1`, id, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}
