/*
plan.go - The pure half of approving a reschedule request

PURPOSE:
  PlanApproval computes everything an approval changes without touching a
  store. The Service commits the returned plan inside one transaction, so a
  failure here leaves nothing behind.

STEPS:
  1. Archive the current installments, keyed by the request.
  2. Pivot: normally the request's from date. When the request's due-date
     shift starts where an already-active shift starts or lands, the prior
     shift is deactivated, the new shift takes over its original date, and
     the pivot moves back to it.
  3. Cascade: find the unadjusted occurrence behind the shifted installment
     (its due date may have been moved by the holiday policy), then walk the
     repayment rule in lockstep from it and from the shifted date, building
     {original -> shifted} for both unadjusted and adjusted dates. Every later
     variation whose effective date is a key moves to the mapped date.
  4. Activate the request's variations.
  5. Regenerate the schedule from the pivot with every active variation.
*/
package reschedule

import (
	"fmt"

	"github.com/samber/mo"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/variation"
)

// Remap records a variation whose effective date followed a due-date shift.
type Remap struct {
	VariationID variation.ID
	From        generic.Date
	To          generic.Date
}

// ApprovalResult is what an approval hands back to the caller. Changed
// transactions are for external replay; they are not reapplied here.
type ApprovalResult struct {
	Pivot               generic.Date
	Installments        []amortization.Installment
	ChangedTransactions []amortization.Transaction
	Activated           []variation.ID
	Deactivated         []variation.ID
	Remapped            []Remap
}

// ApprovalPlan holds every value an approval writes.
type ApprovalPlan struct {
	ApprovalResult

	Archive    amortization.ScheduleVersion
	Loan       *Loan
	Request    Request
	Variations []variation.TermVariation
}

// PlanApproval computes the approval of req against loan and the loan's
// variations. Inputs are not modified.
func PlanApproval(loan *Loan, req Request, vs []variation.TermVariation, adjuster generic.Adjuster, decision generic.Decision) (ApprovalPlan, error) {
	if !req.IsPending() {
		return ApprovalPlan{}, req.terminalError("approve")
	}
	if req.LoanID != loan.ID {
		return ApprovalPlan{}, &generic.ValidationError{Field: "loan_id", Code: "loan_mismatch", Message: fmt.Sprintf("request %s belongs to loan %s, not %s", req.ID, req.LoanID, loan.ID)}
	}

	arena := variation.NewArena(vs...)
	for _, id := range req.VariationIDs {
		if _, ok := arena.Get(id); !ok {
			return ApprovalPlan{}, &generic.NotFoundError{Resource: "term variation", ID: string(id)}
		}
	}

	plan := ApprovalPlan{
		Archive: amortization.Archive(loan.ID, string(req.ID), loan.Installments, decision.On),
	}
	plan.Pivot = req.FromDate

	if shift := requestShift(arena, &req); shift != nil {
		if err := plan.applyShift(arena, &req, shift, loan, adjuster); err != nil {
			return ApprovalPlan{}, err
		}
	}

	if err := arena.SetActive(true, req.VariationIDs...); err != nil {
		return ApprovalPlan{}, err
	}
	plan.Activated = append([]variation.ID(nil), req.VariationIDs...)
	if err := arena.Validate(); err != nil {
		return ApprovalPlan{}, err
	}

	in, err := loan.regenerationInput(adjuster)
	if err != nil {
		return ApprovalPlan{}, err
	}
	in.Variations = arena.All()
	in.Pivot = plan.Pivot

	updated := loan.clone()
	if rule, ok := req.RepaymentRule.Get(); ok && rule.String() != loan.Rule().String() {
		from := installmentsBefore(loan.Installments, plan.Pivot) + 1
		rescheduled, err := recurrence.NewSequencer(rule, loan.Terms.FirstRepaymentDate, adjuster)
		if err != nil {
			return ApprovalPlan{}, fmt.Errorf("proposed repayment rule: %w", err)
		}
		in.Rescheduled, in.RescheduledFrom = rescheduled, from
		updated.Cadence = mo.Some(Cadence{Rule: rule, FromInstallment: from})
	}

	out, err := amortization.Regenerate(in)
	if err != nil {
		return ApprovalPlan{}, fmt.Errorf("failed to regenerate schedule: %w", err)
	}
	updated.Installments = out.Installments

	req.Status = StatusApproved
	req.Approved = mo.Some(decision)

	plan.Loan = updated
	plan.Request = req
	plan.Variations = arena.All()
	plan.Installments = out.Installments
	plan.ChangedTransactions = out.ChangedTransactions
	return plan, nil
}

// requestShift returns the request's due-date shift inside the arena.
func requestShift(arena *variation.Arena, req *Request) *variation.TermVariation {
	for _, id := range req.VariationIDs {
		if v, ok := arena.Get(id); ok && v.Kind == variation.DueDateShift {
			return v
		}
	}
	return nil
}

func (p *ApprovalPlan) applyShift(arena *variation.Arena, req *Request, shift *variation.TermVariation, loan *Loan, adjuster generic.Adjuster) error {
	original := shift.EffectiveFrom
	shifted, ok := shift.ShiftedDate()
	if !ok {
		return &generic.ValidationError{Field: "date_value", Code: "required", Message: "due date shift needs a new date"}
	}

	// The chain has to be read before any prior shift is retired.
	in, err := loan.regenerationInput(adjuster)
	if err != nil {
		return err
	}
	in.Variations = arena.All()
	base, seq := occurrenceBehind(in, original)

	// Pivot
	for _, prior := range arena.Active() {
		if prior.Kind != variation.DueDateShift || req.owns(prior.ID) {
			continue
		}
		landed, _ := prior.ShiftedDate()
		if !prior.EffectiveFrom.Equal(original) && !landed.Equal(original) {
			continue
		}
		if err := arena.SetActive(false, prior.ID); err != nil {
			return err
		}
		p.Deactivated = append(p.Deactivated, prior.ID)
		shift.EffectiveFrom = prior.EffectiveFrom
		p.Pivot = generic.MinDate(p.Pivot, prior.EffectiveFrom)
	}

	// Cascade
	var targets []*variation.TermVariation
	until := original
	for _, v := range arena.All() {
		if v.ID == shift.ID || v.EffectiveFrom.Before(original) {
			continue
		}
		if !v.Active && !req.owns(v.ID) {
			continue
		}
		ptr, _ := arena.Get(v.ID)
		targets = append(targets, ptr)
		until = generic.MaxDate(until, v.EffectiveFrom)
	}
	if len(targets) == 0 {
		return nil
	}

	mapping := lockstep(seq, base, shifted, until)
	for _, v := range targets {
		to, ok := mapping[v.EffectiveFrom]
		if !ok || to.Equal(v.EffectiveFrom) {
			continue
		}
		from := v.EffectiveFrom
		if landed, isShift := v.ShiftedDate(); isShift {
			v.DateValue = mo.Some(landed.AddDays(to.DaysSince(from)))
		}
		v.EffectiveFrom = to
		p.Remapped = append(p.Remapped, Remap{VariationID: v.ID, From: from, To: to})
	}
	return nil
}

// occurrenceBehind finds the unadjusted chain date whose installment is due
// on due, and the sequencer that walks the chain there. Without a match due
// itself is returned.
func occurrenceBehind(in amortization.Input, due generic.Date) (generic.Date, *recurrence.Sequencer) {
	for _, sd := range amortization.DateChain(in) {
		if !sd.Due.Equal(due) && !sd.Unadjusted.Equal(due) {
			continue
		}
		if in.Rescheduled != nil && sd.Number >= in.RescheduledFrom {
			return sd.Unadjusted, in.Rescheduled
		}
		return sd.Unadjusted, in.Sequencer
	}
	return due, in.Sequencer
}

// lockstep maps each occurrence from original through until to its
// counterpart from shifted on. Adjusted dates map to adjusted dates.
func lockstep(seq *recurrence.Sequencer, original, shifted, until generic.Date) map[generic.Date]generic.Date {
	m := make(map[generic.Date]generic.Date)
	s := shifted
	for _, o := range seq.Path(original, until) {
		m[o] = s
		m[seq.Adjust(o)] = seq.Adjust(s)
		s = seq.NextUnadjusted(s)
	}
	return m
}

func installmentsBefore(is []amortization.Installment, pivot generic.Date) int {
	n := 0
	for _, i := range is {
		if i.DueDate.Before(pivot) {
			n++
		}
	}
	return n
}
