package items

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item represents a stocked item master record.
type Item struct {
	ID               int64           `json:"id"`
	Code             string          `json:"code"`
	Name             string          `json:"name"`
	Unit             string          `json:"unit"`
	StandardCost     decimal.Decimal `json:"standard_cost"`
	LastPurchaseCost decimal.Decimal `json:"last_purchase_cost"`
	IsActive         bool            `json:"is_active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// FallbackCost returns last_purchase_cost when known, otherwise standard_cost.
func (i Item) FallbackCost() decimal.Decimal {
	if i.LastPurchaseCost.IsPositive() {
		return i.LastPurchaseCost
	}
	return i.StandardCost
}
