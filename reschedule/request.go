package reschedule

import (
	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// REQUEST STATUS
// =============================================================================

type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
)

func (s Status) IsTerminal() bool { return s == StatusApproved || s == StatusRejected }

// =============================================================================
// REQUEST
// =============================================================================

type RequestID string

type Request struct {
	ID              RequestID
	LoanID          generic.LoanID
	Status          Status
	FromDate        generic.Date
	FromInstallment int
	Reason          string

	RecalculateInterest bool

	// RepaymentRule proposes a new cadence from FromDate on.
	RepaymentRule mo.Option[recurrence.Rule]

	// VariationIDs is the ordered mapping to the request's variations.
	VariationIDs []variation.ID

	Submitted mo.Option[generic.Decision]
	Approved  mo.Option[generic.Decision]
	Rejected  mo.Option[generic.Decision]
}

func (r *Request) IsPending() bool { return r.Status == StatusPendingApproval }

// ChangesCadence reports whether approving r would change the loan's
// frequency or interval.
func (r *Request) ChangesCadence(current recurrence.Rule) bool {
	rule, ok := r.RepaymentRule.Get()
	return ok && !rule.SamePeriod(current)
}

func (r *Request) owns(id variation.ID) bool {
	for _, v := range r.VariationIDs {
		if v == id {
			return true
		}
	}
	return false
}

func (r *Request) terminalError(op string) error {
	return &generic.DomainRuleError{
		Code:    "request_not_pending",
		Message: "cannot " + op + " request " + string(r.ID) + ": it is already " + string(r.Status),
	}
}

// =============================================================================
// CHANGES - What a submission asks for
// =============================================================================

// EMIChange sets the EMI of every installment due in [from, Until]. Without
// an end date the new EMI holds for the rest of the schedule.
type EMIChange struct {
	Amount decimal.Decimal
	Until  mo.Option[generic.Date]
}

type Changes struct {
	NewDueDate       mo.Option[generic.Date]
	EMI              mo.Option[EMIChange]
	InterestRate     mo.Option[decimal.Decimal]
	GraceOnPrincipal int
	GraceOnInterest  int
	ExtraTerms       int
	RepaymentRule    mo.Option[recurrence.Rule]
}

func (c Changes) IsEmpty() bool {
	return c.NewDueDate.IsAbsent() && c.EMI.IsAbsent() && c.InterestRate.IsAbsent() &&
		c.GraceOnPrincipal == 0 && c.GraceOnInterest == 0 && c.ExtraTerms == 0 &&
		c.RepaymentRule.IsAbsent()
}

// BuildVariations turns the requested changes into inactive term variations
// effective from fromDate. Installment-specific EMI overrides are created
// for every installment due in the EMI range.
func BuildVariations(loanID generic.LoanID, fromDate generic.Date, installments []amortization.Installment, c Changes) []variation.TermVariation {
	var out []variation.TermVariation
	add := func(v variation.TermVariation) variation.TermVariation {
		v.ID = variation.NewID()
		v.LoanID = loanID
		v.Active = false
		out = append(out, v)
		return v
	}

	if emi, ok := c.EMI.Get(); ok {
		if until, bounded := emi.Until.Get(); bounded {
			for _, inst := range installments {
				if inst.DueDate.Before(fromDate) || inst.DueDate.After(until) {
					continue
				}
				add(variation.TermVariation{Kind: variation.EmiOverride, EffectiveFrom: inst.DueDate, Value: emi.Amount, SpecificToInstallment: true})
			}
		} else {
			add(variation.TermVariation{Kind: variation.EmiOverride, EffectiveFrom: fromDate, Value: emi.Amount})
		}
	}
	if to, ok := c.NewDueDate.Get(); ok {
		add(variation.TermVariation{Kind: variation.DueDateShift, EffectiveFrom: fromDate, DateValue: mo.Some(to)})
	}
	if rate, ok := c.InterestRate.Get(); ok {
		add(variation.TermVariation{Kind: variation.InterestRateFromInstallment, EffectiveFrom: fromDate, Value: rate})
	}
	if c.GraceOnPrincipal > 0 {
		n := decimal.NewFromInt(int64(c.GraceOnPrincipal))
		grace := add(variation.TermVariation{Kind: variation.GraceOnPrincipal, EffectiveFrom: fromDate, Value: n})
		add(variation.TermVariation{Kind: variation.ExtendRepaymentPeriod, EffectiveFrom: fromDate, Value: n, Parent: mo.Some(grace.ID)})
	}
	if c.GraceOnInterest > 0 {
		add(variation.TermVariation{Kind: variation.GraceOnInterest, EffectiveFrom: fromDate, Value: decimal.NewFromInt(int64(c.GraceOnInterest))})
	}
	if c.ExtraTerms > 0 {
		add(variation.TermVariation{Kind: variation.ExtendRepaymentPeriod, EffectiveFrom: fromDate, Value: decimal.NewFromInt(int64(c.ExtraTerms))})
	}
	return out
}
