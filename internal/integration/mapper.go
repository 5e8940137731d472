package integration

import "github.com/shopspring/decimal"

var zero = decimal.Zero

func round2(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}

func monetary(qty, unitCost decimal.Decimal) decimal.Decimal {
	return round2(qty.Mul(unitCost))
}
