package schema

import "github.com/shopspring/decimal"

// moneyPlaces is the number of decimal places kept for every amount.
const moneyPlaces = 2

// RoundMoney rounds d half away from zero to two places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// decimalPtr returns a pointer to a rounded copy of d.
func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	r := RoundMoney(d)
	return &r
}
