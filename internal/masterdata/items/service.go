package items

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, fmt.Errorf("%w: invalid item id", shared.ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]Item, error) {
	return s.repo.List(ctx, activeOnly)
}

// CostingFallback resolves the unit cost used when a movement carries none.
func (s *Service) CostingFallback(ctx context.Context, id int64) (decimal.Decimal, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if !it.IsActive {
		return decimal.Zero, fmt.Errorf("%w: item %s is inactive", shared.ErrValidation, it.Code)
	}
	return it.FallbackCost(), nil
}
