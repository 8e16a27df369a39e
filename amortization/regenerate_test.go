package amortization_test

import (
	"testing"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	d   = generic.MustParseDate
	dec = decimal.RequireFromString
)

func monthlyTerms(principal, rate string, n int) amortization.Terms {
	return amortization.Terms{
		Principal:          dec(principal),
		AnnualRate:         dec(rate),
		Rule:               recurrence.NewRule(recurrence.Monthly, 1),
		DisbursementDate:   d("2024-01-01"),
		FirstRepaymentDate: d("2024-02-01"),
		NumberOfRepayments: n,
	}
}

func sequencer(t *testing.T, terms amortization.Terms) *recurrence.Sequencer {
	t.Helper()
	seq, err := recurrence.NewSequencer(terms.Rule, terms.FirstRepaymentDate, nil)
	require.NoError(t, err)
	return seq
}

func generate(t *testing.T, terms amortization.Terms) []amortization.Installment {
	t.Helper()
	is, err := amortization.Generate(terms, sequencer(t, terms), generic.DefaultRounding)
	require.NoError(t, err)
	return is
}

func regenerate(t *testing.T, terms amortization.Terms, prior []amortization.Installment, pivot string, vs ...variation.TermVariation) amortization.Output {
	t.Helper()
	for i := range vs {
		vs[i].Active = true
	}
	out, err := amortization.Regenerate(amortization.Input{
		Prior:      prior,
		Variations: vs,
		Pivot:      d(pivot),
		Terms:      terms,
		Rounding:   generic.DefaultRounding,
		Sequencer:  sequencer(t, terms),
	})
	require.NoError(t, err)
	return out
}

func postPivot(is []amortization.Installment, pivot string) []amortization.Installment {
	var out []amortization.Installment
	for _, i := range is {
		if !i.DueDate.Before(d(pivot)) {
			out = append(out, i)
		}
	}
	return out
}

// =============================================================================
// INITIAL SCHEDULE
// =============================================================================

func TestGenerate_ZeroRateSplitsEvenly(t *testing.T) {
	// GIVEN: 1200 over 12 months at 0%
	is := generate(t, monthlyTerms("1200", "0", 12))

	// THEN: twelve installments of exactly 100 principal, no interest
	require.Len(t, is, 12)
	for n, inst := range is {
		assert.Equal(t, n+1, inst.Number)
		assert.True(t, inst.Principal.Equal(dec("100")), "installment %d principal %s", inst.Number, inst.Principal)
		assert.True(t, inst.Interest.IsZero())
	}
	assert.Equal(t, "2024-02-01", is[0].DueDate.String())
	assert.Equal(t, "2024-01-01", is[0].FromDate.String())
	assert.Equal(t, "2025-01-01", is[11].DueDate.String())
	assert.Equal(t, is[10].DueDate, is[11].FromDate)
}

func TestGenerate_AnnuityWithInterest(t *testing.T) {
	// GIVEN: 1000 over 12 months at 12% a year (1% a month)
	is := generate(t, monthlyTerms("1000", "12", 12))

	// THEN: the textbook EMI of 88.85 splits into 10.00 interest + 78.85 principal
	assert.Equal(t, "10.00", is[0].Interest.StringFixed(2))
	assert.Equal(t, "78.85", is[0].Principal.StringFixed(2))
	assert.True(t, amortization.TotalPrincipal(is).Equal(dec("1000")))

	// AND: every installment but the last totals the EMI within a cent
	for _, inst := range is[:11] {
		assert.True(t, inst.Total().Sub(dec("88.85")).Abs().LessThanOrEqual(dec("0.01")), "installment %d total %s", inst.Number, inst.Total())
	}
}

func TestAnnuity(t *testing.T) {
	emi := amortization.Annuity(dec("1000"), dec("0.01"), 12)
	assert.Equal(t, "88.85", emi.StringFixed(2))
	assert.True(t, amortization.Annuity(dec("1200"), decimal.Zero, 12).Equal(dec("100")))
}

// =============================================================================
// VARIATIONS
// =============================================================================

func TestRegenerate_KeepsInstallmentsBeforePivot(t *testing.T) {
	terms := monthlyTerms("1000", "12", 12)
	prior := generate(t, terms)
	prior[0].PrincipalPaid = prior[0].Principal
	prior[0].InterestPaid = prior[0].Interest

	out := regenerate(t, terms, prior, "2024-05-01",
		variation.TermVariation{Kind: variation.InterestRateFromInstallment, EffectiveFrom: d("2024-05-01"), Value: dec("24")})

	assert.Equal(t, prior[:3], out.Installments[:3])
	assert.True(t, out.Installments[3].Interest.GreaterThan(prior[3].Interest), "higher rate from the pivot")
	assert.True(t, amortization.TotalPrincipal(out.Installments).Equal(dec("1000")))
}

func TestRegenerate_EmiOverridePreservesPrincipal(t *testing.T) {
	// GIVEN: 1200 over 12 months at 12%
	terms := monthlyTerms("1200", "12", 12)
	prior := generate(t, terms)
	remaining := terms.Principal.Sub(amortization.TotalPrincipal(prior[:3]))

	// WHEN: installments 4..6 are overridden to an EMI of 50
	var overrides []variation.TermVariation
	for _, inst := range prior[3:6] {
		overrides = append(overrides, variation.TermVariation{Kind: variation.EmiOverride, EffectiveFrom: inst.DueDate, Value: dec("50"), SpecificToInstallment: true})
	}
	out := regenerate(t, terms, prior, prior[3].DueDate.String(), overrides...)

	// THEN: those installments total exactly 50
	for _, inst := range out.Installments[3:6] {
		assert.Equal(t, "50.00", inst.Total().StringFixed(2), "installment %d", inst.Number)
	}
	// AND: post-pivot principal equals what was left to repay
	after := postPivot(out.Installments, prior[3].DueDate.String())
	diff := amortization.TotalPrincipal(after).Sub(remaining).Abs()
	assert.True(t, diff.LessThanOrEqual(generic.DefaultRounding.Tolerance(len(after))), "diff %s", diff)
	assert.Len(t, out.Installments, 12)
}

func TestRegenerate_OpenEndedEmiOverride(t *testing.T) {
	terms := monthlyTerms("1200", "0", 12)
	prior := generate(t, terms)

	out := regenerate(t, terms, prior, "2024-07-01",
		variation.TermVariation{Kind: variation.EmiOverride, EffectiveFrom: d("2024-07-01"), Value: dec("150")})

	// 700 left after five installments: four of 150, the rest, then nothing
	after := postPivot(out.Installments, "2024-07-01")
	require.Len(t, after, 7)
	for _, inst := range after[:4] {
		assert.True(t, inst.Principal.Equal(dec("150")), "installment %d principal %s", inst.Number, inst.Principal)
	}
	assert.True(t, after[4].Principal.Equal(dec("100")))
	for _, inst := range after[5:] {
		assert.True(t, inst.Principal.IsZero())
	}
	assert.True(t, amortization.TotalPrincipal(out.Installments).Equal(dec("1200")))
}

func TestRegenerate_EmiOverrideBelowInterestCapsInterest(t *testing.T) {
	// GIVEN: 1200 at 12%, so installment 4 owes about 9 of interest
	terms := monthlyTerms("1200", "12", 12)
	prior := generate(t, terms)

	// WHEN: its EMI is overridden to 5
	out := regenerate(t, terms, prior, prior[3].DueDate.String(),
		variation.TermVariation{Kind: variation.EmiOverride, EffectiveFrom: prior[3].DueDate, Value: dec("5"), SpecificToInstallment: true})

	// THEN: the installment totals exactly the override, all of it interest
	inst := out.Installments[3]
	assert.True(t, inst.Total().Equal(dec("5")), "total %s", inst.Total())
	assert.True(t, inst.Interest.Equal(dec("5")))
	assert.True(t, inst.Principal.IsZero())
	// AND: the principal is still repaid in full
	assert.True(t, amortization.TotalPrincipal(out.Installments).Equal(dec("1200")))
}

func TestRegenerate_ExtensionAddsPeriods(t *testing.T) {
	terms := monthlyTerms("1200", "0", 12)
	prior := generate(t, terms)

	out := regenerate(t, terms, prior, "2024-05-01",
		variation.TermVariation{Kind: variation.ExtendRepaymentPeriod, EffectiveFrom: d("2024-05-01"), Value: dec("3")})

	require.Len(t, out.Installments, 15)
	assert.Equal(t, "2025-04-01", out.Installments[14].DueDate.String())
	// 900 left over 12 installments
	assert.True(t, out.Installments[3].Principal.Equal(dec("75")))
	assert.True(t, amortization.TotalPrincipal(out.Installments).Equal(dec("1200")))
}

func TestRegenerate_GraceOnPrincipalWithCompanionExtension(t *testing.T) {
	terms := monthlyTerms("1200", "12", 12)
	prior := generate(t, terms)

	grace := variation.TermVariation{ID: "g", Kind: variation.GraceOnPrincipal, EffectiveFrom: d("2024-05-01"), Value: dec("2")}
	extend := variation.TermVariation{Kind: variation.ExtendRepaymentPeriod, EffectiveFrom: d("2024-05-01"), Value: dec("2"), Parent: mo.Some(grace.ID)}
	out := regenerate(t, terms, prior, "2024-05-01", grace, extend)

	require.Len(t, out.Installments, 14)
	for _, inst := range out.Installments[3:5] {
		assert.True(t, inst.Principal.IsZero(), "installment %d is interest-only", inst.Number)
		assert.True(t, inst.Interest.IsPositive())
	}
	assert.True(t, out.Installments[5].Principal.IsPositive())
	assert.True(t, amortization.TotalPrincipal(out.Installments).Equal(dec("1200")))
}

func TestRegenerate_GraceOnInterest(t *testing.T) {
	terms := monthlyTerms("1200", "12", 12)
	prior := generate(t, terms)

	out := regenerate(t, terms, prior, "2024-05-01",
		variation.TermVariation{Kind: variation.GraceOnInterest, EffectiveFrom: d("2024-05-01"), Value: dec("1")})

	assert.True(t, out.Installments[3].Interest.IsZero())
	assert.True(t, out.Installments[3].Principal.IsPositive())
	assert.True(t, out.Installments[4].Interest.IsPositive())
}

func TestRegenerate_DueDateShiftMovesLaterDates(t *testing.T) {
	// GIVEN: a monthly schedule due on the 1st
	terms := monthlyTerms("1200", "0", 12)
	prior := generate(t, terms)

	// WHEN: installment 4 (2024-05-01) moves to 2024-05-15
	out := regenerate(t, terms, prior, "2024-05-01",
		variation.TermVariation{Kind: variation.DueDateShift, EffectiveFrom: d("2024-05-01"), DateValue: mo.Some(d("2024-05-15"))})

	// THEN: it and every later installment land on the 15th
	var got []string
	for _, inst := range out.Installments[2:6] {
		got = append(got, inst.DueDate.String())
	}
	assert.Equal(t, []string{"2024-04-01", "2024-05-15", "2024-06-15", "2024-07-15"}, got)
	assert.Equal(t, "2024-04-01", out.Installments[3].FromDate.String())
}

func TestDateChain_KeepsUnadjustedDates(t *testing.T) {
	// GIVEN: weekends move to the next working day; 2024-06-01 is a Saturday
	terms := monthlyTerms("1200", "0", 12)
	weekends := generic.HolidayPolicy{Days: generic.StandardWorkingDays(generic.NoHolidays{}), Strategy: generic.AdjustNextWorkingDay}
	seq, err := recurrence.NewSequencer(terms.Rule, terms.FirstRepaymentDate, weekends)
	require.NoError(t, err)
	in := amortization.Input{Terms: terms, Sequencer: seq}

	// THEN: the chain keeps the rule date behind the moved due date
	chain := amortization.DateChain(in)
	require.Len(t, chain, 12)
	assert.Equal(t, amortization.ScheduledDate{Number: 5, Unadjusted: d("2024-06-01"), Due: d("2024-06-03")}, chain[4])
	assert.Equal(t, amortization.ScheduledDate{Number: 6, Unadjusted: d("2024-07-01"), Due: d("2024-07-01")}, chain[5])

	// WHEN: an active shift moves the 2024-06-03 installment to 2024-06-10
	in.Variations = []variation.TermVariation{{Kind: variation.DueDateShift, EffectiveFrom: d("2024-06-03"), DateValue: mo.Some(d("2024-06-10")), Active: true}}
	chain = amortization.DateChain(in)

	// THEN: the chain continues from the shifted date
	assert.Equal(t, amortization.ScheduledDate{Number: 5, Unadjusted: d("2024-06-10"), Due: d("2024-06-10")}, chain[4])
	assert.Equal(t, amortization.ScheduledDate{Number: 7, Unadjusted: d("2024-08-10"), Due: d("2024-08-12")}, chain[6])
}

func TestRegenerate_ChangedTransactions(t *testing.T) {
	terms := monthlyTerms("1200", "0", 12)
	prior := generate(t, terms)
	prior[1].PrincipalPaid = dec("100")
	prior[4].PrincipalPaid = dec("40")

	txs := []amortization.Transaction{
		{ID: "kept", Type: amortization.TxRepayment, Date: d("2024-03-01"), Amount: dec("100"),
			Allocations: []amortization.Allocation{{InstallmentNumber: 2, DueDate: d("2024-03-01"), Principal: dec("100")}}},
		{ID: "moved", Type: amortization.TxRepayment, Date: d("2024-04-20"), Amount: dec("30"),
			Allocations: []amortization.Allocation{{InstallmentNumber: 4, DueDate: d("2024-05-01"), Principal: dec("30")}}},
		{ID: "later", Type: amortization.TxRepayment, Date: d("2024-05-20"), Amount: dec("40"),
			Allocations: []amortization.Allocation{{InstallmentNumber: 5, DueDate: d("2024-06-01"), Principal: dec("40")}}},
	}

	out, err := amortization.Regenerate(amortization.Input{
		Prior: prior,
		Variations: []variation.TermVariation{
			{Kind: variation.DueDateShift, EffectiveFrom: d("2024-05-01"), DateValue: mo.Some(d("2024-05-15")), Active: true},
		},
		Pivot:        d("2024-05-01"),
		Terms:        terms,
		Rounding:     generic.DefaultRounding,
		Transactions: txs,
		Sequencer:    sequencer(t, terms),
	})
	require.NoError(t, err)

	// Installment 5 moved to 2024-06-15 too, so both later payments replay.
	var ids []amortization.TransactionID
	for _, tx := range out.ChangedTransactions {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []amortization.TransactionID{"moved", "later"}, ids)
	assert.True(t, out.Installments[4].PrincipalPaid.IsZero(), "payment does not follow a moved due date")
	assert.True(t, out.Installments[1].PrincipalPaid.Equal(dec("100")))
}

func TestRegenerate_PaymentsCarryWhenDateUnchanged(t *testing.T) {
	terms := monthlyTerms("1200", "0", 12)
	prior := generate(t, terms)
	prior[4].PrincipalPaid = dec("40")

	out := regenerate(t, terms, prior, "2024-05-01",
		variation.TermVariation{Kind: variation.InterestRateFromInstallment, EffectiveFrom: d("2024-05-01"), Value: dec("6")})

	assert.True(t, out.Installments[4].PrincipalPaid.Equal(dec("40")))
	assert.Empty(t, out.ChangedTransactions)
}

func TestRegenerate_RescheduledCadence(t *testing.T) {
	terms := monthlyTerms("1200", "0", 12)
	prior := generate(t, terms)
	biweekly, err := recurrence.NewSequencer(recurrence.NewRule(recurrence.Weekly, 2), d("2024-05-01"), nil)
	require.NoError(t, err)

	out, err := amortization.Regenerate(amortization.Input{
		Prior:       prior,
		Pivot:       d("2024-05-01"),
		Terms:       terms,
		Rounding:    generic.DefaultRounding,
		Sequencer:   sequencer(t, terms),
		Rescheduled: biweekly,
	})
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", out.Installments[3].DueDate.String())
	assert.Equal(t, "2024-05-15", out.Installments[4].DueDate.String())
	assert.Equal(t, "2024-05-29", out.Installments[5].DueDate.String())
}
