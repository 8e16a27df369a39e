/*
regenerate.go - Rebuild a schedule from a pivot date

PURPOSE:
  Given the current installments, the loan's active term variations and a
  pivot date, produce the new installment list and the transactions whose
  allocations no longer fit it.

ALGORITHM:
  1. Keep: installments due strictly before the pivot are copied as is.
  2. Count: NumberOfRepayments + every active extension.
  3. Dates: walk the repayment rule from the first repayment date. Where an
     active due-date shift starts at the walked date, jump to its new date
     and keep walking from there. Each date passes the holiday policy.
     From a given installment on, an optional new cadence takes over.
  4. Terms per installment, in effective-date order:
       rate       latest interest_rate_from_installment effective on/before
       EMI        emi_override (specific: that installment; else onward)
       grace      grace_on_principal / grace_on_interest suppress the
                  component for the stated number of installments
  5. Amounts: annuity EMI over the remaining principal-bearing periods,
     interest = balance x periodic rate, principal = EMI - interest,
     the last installment takes whatever principal is left. An overridden
     EMI is the installment total: when it is below the period's interest,
     interest is capped at the EMI and the excess is not charged.
  6. Paid amounts carry over where number and due date are unchanged.
     Transactions allocated to a vanished or now-overpaid installment are
     returned for replay.

  Nothing is mutated; the caller commits the result.
*/
package amortization

import (
	"sort"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/variation"
)

type Input struct {
	Prior        []Installment
	Variations   []variation.TermVariation
	Pivot        generic.Date
	Terms        Terms
	Rounding     generic.RoundingContext
	Transactions []Transaction

	// Sequencer walks Terms.Rule anchored at the first repayment date.
	Sequencer *recurrence.Sequencer

	// Rescheduled, when set, replaces the cadence from installment
	// RescheduledFrom on (the first rebuilt installment when zero).
	Rescheduled     *recurrence.Sequencer
	RescheduledFrom int
}

type Output struct {
	Installments        []Installment
	ChangedTransactions []Transaction
}

// maxShiftHops bounds chained due-date shifts applied at a single date.
const maxShiftHops = 64

// Generate builds the initial schedule of a new loan.
func Generate(terms Terms, seq *recurrence.Sequencer, rounding generic.RoundingContext) ([]Installment, error) {
	out, err := Regenerate(Input{Terms: terms, Sequencer: seq, Rounding: rounding})
	if err != nil {
		return nil, err
	}
	return out.Installments, nil
}

// Regenerate rebuilds the schedule from in.Pivot forward.
func Regenerate(in Input) (Output, error) {
	if err := in.Terms.Validate(); err != nil {
		return Output{}, err
	}
	if in.Sequencer == nil {
		return Output{}, &generic.ValidationError{Field: "sequencer", Code: "required", Message: "a repayment sequencer is required"}
	}

	active := activeSorted(in.Variations)
	prior := sortedByNumber(in.Prior)

	// 1. Keep
	var kept []Installment
	for _, inst := range prior {
		if !in.Pivot.IsZero() && inst.DueDate.Before(in.Pivot) {
			kept = append(kept, inst)
		}
	}

	// 2. Count
	total := in.Terms.NumberOfRepayments
	for _, v := range variation.OfKind(active, variation.ExtendRepaymentPeriod) {
		total += v.Count()
	}
	remaining := in.Terms.Principal.Sub(TotalPrincipal(kept))
	if total <= len(kept) && remaining.Sign() > 0 {
		total = len(kept) + 1
	}

	// 3. Dates
	switchAt := len(kept)
	if in.RescheduledFrom > 0 {
		switchAt = in.RescheduledFrom - 1
	}
	dueDates := make([]generic.Date, total)
	for i, sd := range placeDates(in, active, total, switchAt) {
		dueDates[i] = sd.Due
	}

	// 4 + 5. Terms and amounts
	plan := planTerms(in.Terms, active, dueDates)

	installments := make([]Installment, 0, total)
	installments = append(installments, kept...)
	balance := remaining
	for i := len(kept); i < total; i++ {
		from := in.Terms.DisbursementDate
		if i > 0 {
			from = installments[i-1].DueDate
		}
		p := plan[i]
		rule := in.Terms.Rule
		if in.Rescheduled != nil && i >= switchAt {
			rule = in.Rescheduled.Rule()
		}
		r := PeriodicRate(p.rate, rule)

		fullInterest := in.Rounding.Round(balance.Mul(r))
		interest := fullInterest
		if p.interestGrace {
			interest = decimal.Zero
		}

		var principal decimal.Decimal
		switch {
		case i == total-1:
			principal = balance
		case p.principalGrace:
			principal = decimal.Zero
		case p.emi.IsPresent():
			emi := p.emi.MustGet()
			if interest.GreaterThan(emi) {
				interest = emi
			}
			principal = in.Rounding.Round(emi.Sub(interest))
		default:
			emi := Annuity(balance, r, plan.principalPeriodsFrom(i))
			principal = in.Rounding.Round(emi.Sub(fullInterest))
		}
		principal = clamp(principal, balance)
		balance = balance.Sub(principal)

		installments = append(installments, Installment{
			Number:        i + 1,
			FromDate:      from,
			DueDate:       dueDates[i],
			Principal:     principal,
			Interest:      interest,
			PrincipalPaid: decimal.Zero,
			InterestPaid:  decimal.Zero,
		})
	}

	// 6. Carry payments, collect replays
	carryPayments(installments[len(kept):], prior)
	return Output{
		Installments:        installments,
		ChangedTransactions: changedTransactions(in.Transactions, installments),
	}, nil
}

// =============================================================================
// DATES
// =============================================================================

// ScheduledDate is one installment's place on the repayment chain.
type ScheduledDate struct {
	Number     int
	Unadjusted generic.Date
	Due        generic.Date
}

// DateChain walks the installment dates the way Regenerate places them,
// using in.Variations, in.Terms and the sequencers. Unadjusted is the chain
// date after any due-date shift; Due is that date after the holiday policy.
func DateChain(in Input) []ScheduledDate {
	active := activeSorted(in.Variations)
	total := in.Terms.NumberOfRepayments
	for _, v := range variation.OfKind(active, variation.ExtendRepaymentPeriod) {
		total += v.Count()
	}
	switchAt := 0
	if in.RescheduledFrom > 0 {
		switchAt = in.RescheduledFrom - 1
	}
	return placeDates(in, active, total, switchAt)
}

func placeDates(in Input, active []variation.TermVariation, total, switchAt int) []ScheduledDate {
	shifts := make(map[generic.Date]generic.Date)
	for _, v := range variation.OfKind(active, variation.DueDateShift) {
		if to, ok := v.ShiftedDate(); ok {
			shifts[v.EffectiveFrom] = to
		}
	}

	seq := in.Sequencer
	base := in.Terms.FirstRepaymentDate
	out := make([]ScheduledDate, total)
	for i := 0; i < total; i++ {
		if i == switchAt && in.Rescheduled != nil {
			seq = in.Rescheduled
		}
		for hop := 0; hop < maxShiftHops; hop++ {
			to, ok := shifts[base]
			if !ok {
				to, ok = shifts[seq.Adjust(base)]
			}
			if !ok || to.Equal(base) {
				break
			}
			base = to
		}
		out[i] = ScheduledDate{Number: i + 1, Unadjusted: base, Due: seq.Adjust(base)}
		base = seq.NextUnadjusted(base)
	}
	return out
}

// =============================================================================
// TERMS PER INSTALLMENT
// =============================================================================

type installmentTerms struct {
	rate           decimal.Decimal
	emi            mo.Option[decimal.Decimal]
	principalGrace bool
	interestGrace  bool
}

type termPlan []installmentTerms

// principalPeriodsFrom counts installments from i on that repay principal.
func (p termPlan) principalPeriodsFrom(i int) int {
	n := 0
	for j := i; j < len(p); j++ {
		if !p[j].principalGrace {
			n++
		}
	}
	return n
}

func planTerms(terms Terms, active []variation.TermVariation, dueDates []generic.Date) termPlan {
	plan := make(termPlan, len(dueDates))
	for i := range plan {
		plan[i].rate = terms.AnnualRate
	}

	for _, v := range active {
		switch v.Kind {
		case variation.InterestRateFromInstallment:
			for i := range plan {
				if !dueDates[i].Before(v.EffectiveFrom) {
					plan[i].rate = v.Value
				}
			}
		case variation.EmiOverride:
			if v.SpecificToInstallment {
				continue
			}
			for i := range plan {
				if !dueDates[i].Before(v.EffectiveFrom) {
					plan[i].emi = mo.Some(v.Value)
				}
			}
		case variation.GraceOnPrincipal, variation.GraceOnInterest:
			// Periods already used up before the pivot still count.
			left := v.Count()
			for i := 0; i < len(plan) && left > 0; i++ {
				if dueDates[i].Before(v.EffectiveFrom) {
					continue
				}
				if v.Kind == variation.GraceOnPrincipal {
					plan[i].principalGrace = true
				} else {
					plan[i].interestGrace = true
				}
				left--
			}
		}
	}

	// Installment-specific overrides win over open-ended ones.
	for _, v := range variation.OfKind(active, variation.EmiOverride) {
		if !v.SpecificToInstallment {
			continue
		}
		for i := range plan {
			if dueDates[i].Equal(v.EffectiveFrom) {
				plan[i].emi = mo.Some(v.Value)
			}
		}
	}
	return plan
}

// =============================================================================
// PAYMENTS
// =============================================================================

func carryPayments(rebuilt, prior []Installment) {
	for i := range rebuilt {
		old, ok := FindByNumber(prior, rebuilt[i].Number)
		if !ok || !old.DueDate.Equal(rebuilt[i].DueDate) {
			continue
		}
		rebuilt[i].PrincipalPaid = old.PrincipalPaid
		rebuilt[i].InterestPaid = old.InterestPaid
	}
}

func changedTransactions(txs []Transaction, installments []Installment) []Transaction {
	var changed []Transaction
	for _, tx := range txs {
		for _, a := range tx.Allocations {
			inst, ok := FindByNumber(installments, a.InstallmentNumber)
			if !ok || !inst.DueDate.Equal(a.DueDate) || inst.Overpaid() {
				changed = append(changed, tx)
				break
			}
		}
	}
	return changed
}

// =============================================================================
// HELPERS
// =============================================================================

func activeSorted(vs []variation.TermVariation) []variation.TermVariation {
	var out []variation.TermVariation
	for _, v := range vs {
		if v.Active {
			out = append(out, v)
		}
	}
	variation.SortByEffective(out)
	return out
}

func sortedByNumber(is []Installment) []Installment {
	out := make([]Installment, len(is))
	copy(out, is)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func clamp(v, upper decimal.Decimal) decimal.Decimal {
	if v.Sign() < 0 {
		return decimal.Zero
	}
	if v.GreaterThan(upper) {
		return upper
	}
	return v
}
