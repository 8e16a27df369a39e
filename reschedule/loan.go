/*
Package reschedule runs the loan reschedule workflow.

PURPOSE:
  A borrower (or officer) asks for different terms from some installment
  on: a later due date, a different EMI, a new rate, a grace period, extra
  terms or a new repayment cadence. The request is recorded as a set of
  inactive term variations, reviewed, and then either approved (the
  variations are activated and the schedule is regenerated from a pivot
  date) or rejected (the variations are switched off and nothing else
  changes).

KEY CONCEPTS:
  - Loan: The aggregate a request targets. Owns its terms, its current
    installments and the transactions posted against them.
  - Request: PendingApproval -> Approved | Rejected. Both end states are
    terminal; a second transition is a domain rule violation.
  - PlanApproval: The pure half of approval. Computes the pivot, remaps
    later variations, activates the request's variations and regenerates
    the schedule. The Service commits the plan in one store transaction.

SEE ALSO:
  - amortization/regenerate.go: Schedule regeneration
  - variation/variation.go: Variation kinds and the companion invariant
  - calendar/window.go: Windows a loan's due dates may be synced to
*/
package reschedule

import (
	"fmt"

	"github.com/samber/mo"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
)

// =============================================================================
// LOAN STATUS
// =============================================================================

type LoanStatus string

const (
	LoanActive     LoanStatus = "active"
	LoanClosed     LoanStatus = "closed"
	LoanChargedOff LoanStatus = "charged_off"
	LoanWrittenOff LoanStatus = "written_off"
)

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanClosed, LoanChargedOff, LoanWrittenOff:
		return true
	default:
		return false
	}
}

// IsTerminal is true for loans that can no longer be rescheduled.
func (s LoanStatus) IsTerminal() bool { return s != LoanActive }

// =============================================================================
// LOAN
// =============================================================================

// Cadence is a repayment rule that replaced the original one from a given
// installment on.
type Cadence struct {
	Rule            recurrence.Rule
	FromInstallment int
}

type Loan struct {
	ID       generic.LoanID
	Status   LoanStatus
	Terms    amortization.Terms
	Rounding generic.RoundingContext

	// Cadence is set once an approved request changed the repayment rule.
	Cadence mo.Option[Cadence]

	// WindowID links the loan's due dates to a schedule window.
	WindowID mo.Option[calendar.WindowID]

	Installments []amortization.Installment
	Transactions []amortization.Transaction
	CreatedOn    generic.Date
}

// Rule is the repayment rule currently in force.
func (l *Loan) Rule() recurrence.Rule {
	if c, ok := l.Cadence.Get(); ok {
		return c.Rule
	}
	return l.Terms.Rule
}

func (l *Loan) Validate() error {
	if l.ID == "" {
		return &generic.ValidationError{Field: "id", Code: "required", Message: "loan id is required"}
	}
	if !l.Status.Valid() {
		return &generic.ValidationError{Field: "status", Code: "invalid_status", Message: fmt.Sprintf("unknown loan status %q", l.Status)}
	}
	if !l.Terms.Rule.IsRepeating() {
		return &generic.ValidationError{Field: "repayment_rule", Code: "not_repeating", Message: "a loan needs a repeating repayment rule"}
	}
	return l.Terms.Validate()
}

// Sequencer walks the original repayment rule from the first repayment date.
func (l *Loan) Sequencer(adjuster generic.Adjuster) (*recurrence.Sequencer, error) {
	return recurrence.NewSequencer(l.Terms.Rule, l.Terms.FirstRepaymentDate, adjuster)
}

// regenerationInput fills everything but the variations and pivot.
func (l *Loan) regenerationInput(adjuster generic.Adjuster) (amortization.Input, error) {
	seq, err := l.Sequencer(adjuster)
	if err != nil {
		return amortization.Input{}, err
	}
	in := amortization.Input{
		Prior:        l.Installments,
		Terms:        l.Terms,
		Rounding:     l.Rounding,
		Transactions: l.Transactions,
		Sequencer:    seq,
	}
	if c, ok := l.Cadence.Get(); ok {
		rescheduled, err := recurrence.NewSequencer(c.Rule, l.Terms.FirstRepaymentDate, adjuster)
		if err != nil {
			return amortization.Input{}, err
		}
		in.Rescheduled = rescheduled
		in.RescheduledFrom = c.FromInstallment
	}
	return in, nil
}

// clone copies the slices a plan replaces so the caller's loan is untouched.
func (l *Loan) clone() *Loan {
	cp := *l
	cp.Installments = append([]amortization.Installment(nil), l.Installments...)
	cp.Transactions = append([]amortization.Transaction(nil), l.Transactions...)
	return &cp
}
