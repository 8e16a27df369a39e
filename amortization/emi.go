package amortization

import (
	"github.com/shopspring/decimal"

	"github.com/warp/reschedule-engine/recurrence"
)

// workingPrecision bounds intermediate digits in compound-factor loops.
const workingPrecision = 20

var hundred = decimal.NewFromInt(100)

// PeriodicRate turns a nominal annual percentage into a per-period rate.
func PeriodicRate(annualPercent decimal.Decimal, rule recurrence.Rule) decimal.Decimal {
	perYear := rule.Frequency.PeriodsPerYear(rule.Interval)
	if perYear <= 0 || annualPercent.IsZero() {
		return decimal.Zero
	}
	return annualPercent.Div(hundred).Div(decimal.NewFromInt(int64(perYear)))
}

// Annuity returns the equal installment that repays balance over n periods
// at periodic rate r:
//
//	EMI = P * r * (1+r)^n / ((1+r)^n - 1)
//
// With r = 0 it is P / n. The result is unrounded.
func Annuity(balance, r decimal.Decimal, n int) decimal.Decimal {
	if n <= 0 {
		return balance
	}
	if r.IsZero() {
		return balance.Div(decimal.NewFromInt(int64(n)))
	}
	onePlus := decimal.NewFromInt(1).Add(r)
	factor := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		factor = factor.Mul(onePlus).Round(workingPrecision)
	}
	return balance.Mul(r).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1)))
}
