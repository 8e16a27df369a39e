/*
Package generic provides the shared vocabulary of the reschedule engine.

PURPOSE:
  Domain-agnostic types used by every other package: civil dates, date
  ranges, money rounding, working-day adjustment and the error taxonomy.
  Nothing in here knows about loans, windows or variations.

KEY CONCEPTS IN THIS FILE (types.go):
  - RoundingContext: Currency digits, rounding mode and cash multiple.
    Every monetary value produced by the schedule regenerator passes
    through it, so the caller decides the tie-break policy.
  - Actor: Who performed a workflow transition.

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never float64, for money and rates
  2. Civil dates: No time zones anywhere (see time.go)
  3. Caller-supplied policy: rounding and holiday handling are injected

USAGE:
  rc := generic.RoundingContext{Currency: "USD", Digits: 2, Mode: generic.RoundHalfEven}
  emi := rc.Round(decimal.RequireFromString("104.166666"))  // 104.17

SEE ALSO:
  - time.go: Date and Clock
  - holiday.go: Working-day adjustment policy
  - errors.go: Error taxonomy
*/
package generic

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROUNDING CONTEXT - Currency-aware rounding supplied by the caller
// =============================================================================

type RoundingMode string

const (
	RoundHalfEven RoundingMode = "half_even"
	RoundHalfUp   RoundingMode = "half_up"
	RoundUp       RoundingMode = "up"
	RoundDown     RoundingMode = "down"
	RoundCeiling  RoundingMode = "ceiling"
	RoundFloor    RoundingMode = "floor"
)

func ParseRoundingMode(s string) (RoundingMode, error) {
	switch m := RoundingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case RoundHalfEven, RoundHalfUp, RoundUp, RoundDown, RoundCeiling, RoundFloor:
		return m, nil
	case "":
		return RoundHalfEven, nil
	default:
		return "", &ValidationError{Field: "rounding_mode", Code: "invalid_rounding_mode", Message: fmt.Sprintf("unknown rounding mode %q", s)}
	}
}

// RoundingContext describes how amounts in a given currency are rounded.
type RoundingContext struct {
	Currency string
	Digits   int32
	Mode     RoundingMode

	// InMultiplesOf, when positive, rounds to a cash multiple (e.g. 5 means
	// amounts end in 0 or 5 minor units). Applied after Digits.
	InMultiplesOf int64
}

// DefaultRounding is two digits, banker's rounding.
var DefaultRounding = RoundingContext{Currency: "USD", Digits: 2, Mode: RoundHalfEven}

// Round applies the context to v.
func (rc RoundingContext) Round(v decimal.Decimal) decimal.Decimal {
	rounded := roundWith(v, rc.Digits, rc.Mode)
	if rc.InMultiplesOf <= 0 {
		return rounded
	}
	step := decimal.New(rc.InMultiplesOf, -rc.Digits)
	return roundWith(rounded.Div(step), 0, rc.Mode).Mul(step)
}

// Tolerance is the largest difference two correctly rounded sums of n
// components may show.
func (rc RoundingContext) Tolerance(n int) decimal.Decimal {
	unit := decimal.New(1, -rc.Digits)
	if rc.InMultiplesOf > 0 {
		unit = decimal.New(rc.InMultiplesOf, -rc.Digits)
	}
	return unit.Mul(decimal.NewFromInt(int64(n)))
}

func roundWith(v decimal.Decimal, places int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundHalfUp:
		return v.Round(places)
	case RoundUp:
		return v.RoundUp(places)
	case RoundDown:
		return v.RoundDown(places)
	case RoundCeiling:
		return v.RoundCeil(places)
	case RoundFloor:
		return v.RoundFloor(places)
	default:
		return v.RoundBank(places)
	}
}

// =============================================================================
// ACTOR - Who performed a workflow transition
// =============================================================================

type Actor string

// LoanID identifies the loan a schedule, variation or request belongs to.
type LoanID string

// Decision records who moved a workflow item and on which day.
type Decision struct {
	By Actor
	On Date
}
