package util

import "github.com/shopspring/decimal"

// Money wraps decimal.Decimal for the P&L-sensitive arithmetic named by
// the data model (realized/unrealized pnl, commission): repeated float
// addition across many partial fills drifts, decimal does not.
type Money = decimal.Decimal

// NewMoney builds a Money from a float64 price/amount.
func NewMoney(f float64) Money {
	return decimal.NewFromFloat(f)
}

// PnL computes signed profit for a long position: (exit-entry)*qty,
// rounded to the nearest won (KRW has no minor unit).
func PnL(entryPrice, exitPrice float64, qty int) float64 {
	entry := NewMoney(entryPrice)
	exit := NewMoney(exitPrice)
	delta := exit.Sub(entry)
	total := delta.Mul(decimal.NewFromInt(int64(qty)))
	return total.Round(0).InexactFloat64()
}

// PnLPercent computes percentage return on the entry notional.
func PnLPercent(entryPrice, exitPrice float64) float64 {
	entry := NewMoney(entryPrice)
	if entry.IsZero() {
		return 0
	}
	exit := NewMoney(exitPrice)
	pct := exit.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	return pct.Round(2).InexactFloat64()
}

// NotionalValue computes price*qty rounded to the nearest won.
func NotionalValue(price float64, qty int) float64 {
	return NewMoney(price).Mul(decimal.NewFromInt(int64(qty))).Round(0).InexactFloat64()
}
