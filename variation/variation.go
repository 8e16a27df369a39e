/*
variation.go - Term variations: dated, typed overrides to a loan's schedule

PURPOSE:
  A TermVariation records one change to a loan's future terms: a new due
  date, a new EMI, a new rate, a grace period or extra terms. Variations
  are created inactive when a reschedule is submitted, activated when it is
  approved, and deactivated on rejection or when superseded. They are never
  deleted; the full set is the audit trail of how a schedule came to be.

KIND CODES (persisted integers):
  1  emi_override                     value = new EMI amount
  4  due_date_shift                   date value = new due date
  7  grace_on_interest                value = number of periods
  8  grace_on_principal               value = number of periods
  9  extend_repayment_period          value = number of extra periods
  10 interest_rate_from_installment   value = new annual rate (percent)

COMPANION INVARIANT:
  Every grace_on_principal has an extend_repayment_period child with the
  same effective date and value, linked through Parent.
*/
package variation

import (
	"fmt"
	"strings"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/warp/reschedule-engine/generic"
)

// =============================================================================
// KIND
// =============================================================================

type Kind int

const (
	KindInvalid                 Kind = 0
	EmiOverride                 Kind = 1
	DueDateShift                Kind = 4
	GraceOnInterest             Kind = 7
	GraceOnPrincipal            Kind = 8
	ExtendRepaymentPeriod       Kind = 9
	InterestRateFromInstallment Kind = 10
)

var kindNames = map[Kind]string{
	EmiOverride:                 "emi_override",
	DueDateShift:                "due_date_shift",
	GraceOnInterest:             "grace_on_interest",
	GraceOnPrincipal:            "grace_on_principal",
	ExtendRepaymentPeriod:       "extend_repayment_period",
	InterestRateFromInstallment: "interest_rate_from_installment",
}

// KindFromCode maps a persisted code back to a Kind.
func KindFromCode(code int) (Kind, error) {
	k := Kind(code)
	if !k.Valid() {
		return KindInvalid, &generic.ValidationError{Field: "kind", Code: "invalid_kind", Message: fmt.Sprintf("unknown variation kind code %d", code)}
	}
	return k, nil
}

func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindInvalid, &generic.ValidationError{Field: "kind", Code: "invalid_kind", Message: fmt.Sprintf("unknown variation kind %q", s)}
}

func (k Kind) Code() int    { return int(k) }
func (k Kind) Valid() bool  { _, ok := kindNames[k]; return ok }
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "invalid"
}

// IsCount is true for kinds whose value is a number of periods.
func (k Kind) IsCount() bool {
	return k == GraceOnInterest || k == GraceOnPrincipal || k == ExtendRepaymentPeriod
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(data []byte) error {
	parsed, err := ParseKind(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// =============================================================================
// TERM VARIATION
// =============================================================================

type ID string

type TermVariation struct {
	ID            ID
	LoanID        generic.LoanID
	Kind          Kind
	EffectiveFrom generic.Date

	// Value is the amount, rate or count depending on Kind.
	Value decimal.Decimal

	// DateValue holds the new due date of a DueDateShift.
	DateValue mo.Option[generic.Date]

	SpecificToInstallment bool
	Active                bool

	// Parent is a weak link used for grouping, never ownership.
	Parent mo.Option[ID]
}

// Count returns the value of a count kind as an int.
func (v TermVariation) Count() int { return int(v.Value.IntPart()) }

// ShiftedDate returns the new due date of a DueDateShift.
func (v TermVariation) ShiftedDate() (generic.Date, bool) {
	if v.Kind != DueDateShift {
		return generic.Date{}, false
	}
	return v.DateValue.Get()
}

func (v TermVariation) String() string {
	if to, ok := v.ShiftedDate(); ok {
		return fmt.Sprintf("%s %s->%s", v.Kind, v.EffectiveFrom, to)
	}
	return fmt.Sprintf("%s@%s=%s", v.Kind, v.EffectiveFrom, v.Value)
}

// Validate checks a single variation's fields.
func (v TermVariation) Validate() error {
	if !v.Kind.Valid() {
		return &generic.ValidationError{Field: "kind", Code: "invalid_kind", Message: "variation kind is not set"}
	}
	if v.EffectiveFrom.IsZero() {
		return &generic.ValidationError{Field: "effective_from", Code: "required", Message: fmt.Sprintf("%s needs an effective date", v.Kind)}
	}
	switch {
	case v.Kind == DueDateShift:
		to, ok := v.DateValue.Get()
		if !ok {
			return &generic.ValidationError{Field: "date_value", Code: "required", Message: "due date shift needs a new date"}
		}
		if !to.After(v.EffectiveFrom) {
			return &generic.DateRangeError{Field: "new_due_date", Date: to, Bound: v.EffectiveFrom, Message: "new due date must be after the date it replaces"}
		}
	case v.Kind.IsCount():
		if !v.Value.IsInteger() || v.Value.Sign() <= 0 {
			return &generic.ValidationError{Field: "value", Code: "invalid_count", Message: fmt.Sprintf("%s needs a positive whole number of periods", v.Kind)}
		}
	default:
		if v.Value.Sign() < 0 {
			return &generic.ValidationError{Field: "value", Code: "negative", Message: fmt.Sprintf("%s cannot be negative", v.Kind)}
		}
	}
	return nil
}
