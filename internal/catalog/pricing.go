// Package catalog holds the pure pricing and normalization helpers used
// by the sync engine and the fulfillment workflow.
package catalog

import "github.com/shopspring/decimal"

// DefaultMarkupPercent is the store margin applied on top of the
// reseller price before display and charge.
const DefaultMarkupPercent = 2.0

// ApplyMarkup returns the price with the default markup applied,
// rounded to 2 decimal places. ApplyMarkup(0) == 0.
func ApplyMarkup(price float64) float64 {
	return ApplyMarkupPercent(price, DefaultMarkupPercent)
}

// ApplyMarkupPercent applies an arbitrary percentage markup with exact
// decimal arithmetic, avoiding float drift on prices like 49.99.
func ApplyMarkupPercent(price, percent float64) float64 {
	p := decimal.NewFromFloat(price)
	factor := decimal.NewFromFloat(1).Add(decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100)))
	out, _ := p.Mul(factor).Round(2).Float64()
	return out
}

// Round2 rounds a monetary amount to 2 decimal places.
func Round2(amount float64) float64 {
	out, _ := decimal.NewFromFloat(amount).Round(2).Float64()
	return out
}

// PercentOf returns pct% of amount rounded to 2 decimal places. Used
// for promo discounts.
func PercentOf(amount, pct float64) float64 {
	a := decimal.NewFromFloat(amount)
	p := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
	out, _ := a.Mul(p).Round(2).Float64()
	return out
}
