package items

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medcore/stockcore/internal/shared"
)

type memoryRepo struct {
	items map[int64]Item
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Item, error) {
	it, ok := r.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return it, nil
}

func (r *memoryRepo) List(_ context.Context, activeOnly bool) ([]Item, error) {
	var out []Item
	for _, it := range r.items {
		if activeOnly && !it.IsActive {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func TestCostingFallback(t *testing.T) {
	repo := &memoryRepo{items: map[int64]Item{
		1: {ID: 1, Code: "GLV", StandardCost: decimal.NewFromInt(40), LastPurchaseCost: decimal.NewFromInt(55), IsActive: true},
		2: {ID: 2, Code: "SYR", StandardCost: decimal.NewFromInt(12), IsActive: true},
		3: {ID: 3, Code: "OLD", StandardCost: decimal.NewFromInt(1)},
	}}
	svc := NewService(repo)
	ctx := context.Background()

	cost, err := svc.CostingFallback(ctx, 1)
	require.NoError(t, err)
	require.True(t, cost.Equal(decimal.NewFromInt(55)))

	cost, err = svc.CostingFallback(ctx, 2)
	require.NoError(t, err)
	require.True(t, cost.Equal(decimal.NewFromInt(12)))

	_, err = svc.CostingFallback(ctx, 3)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CostingFallback(ctx, 9)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
