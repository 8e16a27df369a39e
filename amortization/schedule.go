/*
Package amortization builds and rebuilds loan repayment schedules.

PURPOSE:
  Everything here is pure computation: no store, no clock, no logging.
  Generate builds a brand-new schedule; Regenerate rebuilds a schedule from
  a pivot date forward after term variations change, keeping the settled
  history before the pivot untouched.

KEY CONCEPTS IN THIS FILE (schedule.go):
  - Terms: Principal, annual rate, repayment rule and count
  - Installment: One due date with its principal/interest split and what
    has been paid against it
  - Transaction: A posted repayment and how it was allocated
  - ScheduleVersion: An archived copy of a schedule, keyed by the
    reschedule request that replaced it

SEE ALSO:
  - regenerate.go: The regenerator
  - emi.go: Equal-installment math
*/
package amortization

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
)

// =============================================================================
// TERMS
// =============================================================================

type Terms struct {
	Principal decimal.Decimal

	// AnnualRate is a nominal percentage (12 = 12% a year).
	AnnualRate decimal.Decimal

	Rule               recurrence.Rule
	DisbursementDate   generic.Date
	FirstRepaymentDate generic.Date
	NumberOfRepayments int
}

func (t Terms) Validate() error {
	switch {
	case t.Principal.Sign() <= 0:
		return &generic.ValidationError{Field: "principal", Code: "must_be_positive", Message: "principal must be positive"}
	case t.AnnualRate.Sign() < 0:
		return &generic.ValidationError{Field: "annual_rate", Code: "negative", Message: "rate cannot be negative"}
	case t.NumberOfRepayments < 1:
		return &generic.ValidationError{Field: "number_of_repayments", Code: "must_be_positive", Message: "at least one repayment is required"}
	case t.FirstRepaymentDate.IsZero():
		return &generic.ValidationError{Field: "first_repayment_date", Code: "required", Message: "first repayment date is required"}
	case !t.DisbursementDate.IsZero() && !t.FirstRepaymentDate.After(t.DisbursementDate):
		return &generic.DateRangeError{Field: "first_repayment_date", Date: t.FirstRepaymentDate, Bound: t.DisbursementDate, Message: "first repayment must follow disbursement"}
	}
	if err := t.Rule.Validate(); err != nil {
		return fmt.Errorf("repayment rule: %w", err)
	}
	return nil
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	Number   int
	FromDate generic.Date
	DueDate  generic.Date

	Principal decimal.Decimal
	Interest  decimal.Decimal

	PrincipalPaid decimal.Decimal
	InterestPaid  decimal.Decimal
}

func (i Installment) Total() decimal.Decimal { return i.Principal.Add(i.Interest) }
func (i Installment) Paid() decimal.Decimal  { return i.PrincipalPaid.Add(i.InterestPaid) }

func (i Installment) Outstanding() decimal.Decimal {
	return i.Total().Sub(i.Paid())
}

// IsSettled is true once nothing is left to pay.
func (i Installment) IsSettled() bool { return i.Outstanding().Sign() <= 0 }

// Overpaid is true when a component received more than it now asks for.
func (i Installment) Overpaid() bool {
	return i.PrincipalPaid.GreaterThan(i.Principal) || i.InterestPaid.GreaterThan(i.Interest)
}

// TotalPrincipal sums the principal components.
func TotalPrincipal(is []Installment) decimal.Decimal {
	sum := decimal.Zero
	for _, i := range is {
		sum = sum.Add(i.Principal)
	}
	return sum
}

// TotalInterest sums the interest components.
func TotalInterest(is []Installment) decimal.Decimal {
	sum := decimal.Zero
	for _, i := range is {
		sum = sum.Add(i.Interest)
	}
	return sum
}

// FindByDueDate returns the installment due on d.
func FindByDueDate(is []Installment, d generic.Date) (Installment, bool) {
	for _, i := range is {
		if i.DueDate.Equal(d) {
			return i, true
		}
	}
	return Installment{}, false
}

// FindByNumber returns installment n.
func FindByNumber(is []Installment, n int) (Installment, bool) {
	for _, i := range is {
		if i.Number == n {
			return i, true
		}
	}
	return Installment{}, false
}

// =============================================================================
// TRANSACTIONS - Only what is needed to decide what must be replayed
// =============================================================================

type TransactionID string

type TransactionType string

const (
	TxRepayment   TransactionType = "repayment"
	TxWaiver      TransactionType = "waiver"
	TxRecoveryFee TransactionType = "recovery_fee"
)

// Allocation is the part of a transaction applied to one installment.
type Allocation struct {
	InstallmentNumber int
	DueDate           generic.Date
	Principal         decimal.Decimal
	Interest          decimal.Decimal
}

type Transaction struct {
	ID          TransactionID
	Type        TransactionType
	Date        generic.Date
	Amount      decimal.Decimal
	Allocations []Allocation
}

// =============================================================================
// SCHEDULE VERSION - Archived schedule
// =============================================================================

// ScheduleVersion is an immutable copy of a schedule taken before a
// reschedule replaced it.
type ScheduleVersion struct {
	LoanID       generic.LoanID
	RequestID    string
	Installments []Installment
	ArchivedOn   generic.Date
}

// Archive copies installments into a version.
func Archive(loanID generic.LoanID, requestID string, is []Installment, on generic.Date) ScheduleVersion {
	cp := make([]Installment, len(is))
	copy(cp, is)
	return ScheduleVersion{LoanID: loanID, RequestID: requestID, Installments: cp, ArchivedOn: on}
}
