package reschedule_test

import (
	"context"
	"errors"
	"testing"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/reschedule"
	"github.com/warp/reschedule-engine/store/memory"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	d   = generic.MustParseDate
	dec = decimal.RequireFromString
)

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	svc      *reschedule.Service
	calendar *calendar.Service
	loan     *reschedule.Loan
}

func newFixture(t *testing.T, opts ...reschedule.Option) *fixture {
	t.Helper()
	clock := generic.FixedClock(d("2024-04-15"))
	f := &fixture{ctx: context.Background(), store: memory.New()}
	f.svc = reschedule.NewService(f.store, append([]reschedule.Option{reschedule.WithClock(clock)}, opts...)...)
	f.calendar = calendar.NewService(f.store, calendar.WithClock(clock))
	return f
}

// setup opens loan-1: 1200 at 0% over 12 monthly installments from 2024-02-01.
func setup(t *testing.T, opts ...func(*reschedule.NewLoan)) *fixture {
	t.Helper()
	f := newFixture(t)
	f.open(t, opts...)
	return f
}

func (f *fixture) open(t *testing.T, opts ...func(*reschedule.NewLoan)) {
	t.Helper()
	nl := reschedule.NewLoan{
		ID: "loan-1",
		Terms: amortization.Terms{
			Principal:          dec("1200"),
			AnnualRate:         decimal.Zero,
			Rule:               recurrence.NewRule(recurrence.Monthly, 1),
			DisbursementDate:   d("2024-01-01"),
			FirstRepaymentDate: d("2024-02-01"),
			NumberOfRepayments: 12,
		},
	}
	for _, opt := range opts {
		opt(&nl)
	}
	loan, err := f.svc.OpenLoan(f.ctx, nl)
	require.NoError(t, err)
	f.loan = loan
}

// window creates a monthly window on the 1st, links others to it, and
// returns an option syncing the loan to it.
func (f *fixture) window(t *testing.T, others ...calendar.EntityLink) func(*reschedule.NewLoan) {
	t.Helper()
	w, err := f.calendar.Create(f.ctx, calendar.Window{
		ID:         "w-1",
		Kind:       calendar.KindCollection,
		AnchorDate: d("2024-02-01"),
		Repeating:  true,
		Rule:       recurrence.Rule{Frequency: recurrence.Monthly, Interval: 1, MonthDay: 1},
	})
	require.NoError(t, err)
	for _, l := range others {
		l.WindowID = w.ID
		require.NoError(t, f.calendar.Link(f.ctx, l))
	}
	return func(nl *reschedule.NewLoan) { nl.WindowID = mo.Some(w.ID) }
}

func (f *fixture) submit(t *testing.T, from string, c reschedule.Changes) *reschedule.Request {
	t.Helper()
	req, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: f.loan.ID, FromDate: d(from), Changes: c, SubmittedBy: "officer"})
	require.NoError(t, err)
	return req
}

func (f *fixture) reload(t *testing.T) *reschedule.Loan {
	t.Helper()
	loan, err := f.svc.GetLoan(f.ctx, f.loan.ID)
	require.NoError(t, err)
	return loan
}

func dueDates(is []amortization.Installment) []string {
	out := make([]string, len(is))
	for i, inst := range is {
		out[i] = inst.DueDate.String()
	}
	return out
}

func shiftTo(date string) reschedule.Changes {
	return reschedule.Changes{NewDueDate: mo.Some(d(date))}
}

// =============================================================================
// OPEN LOAN
// =============================================================================

func TestOpenLoan_GeneratesSchedule(t *testing.T) {
	f := setup(t)

	assert.Len(t, f.loan.Installments, 12)
	assert.Equal(t, reschedule.LoanActive, f.loan.Status)
	assert.Equal(t, generic.DefaultRounding, f.loan.Rounding)
	assert.Equal(t, "2024-04-15", f.loan.CreatedOn.String())
	assert.Equal(t, f.loan, f.reload(t))
}

func TestOpenLoan_SyncsLoanToWindow(t *testing.T) {
	f := newFixture(t)
	f.open(t, f.window(t))

	links, err := f.calendar.Links(f.ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, []calendar.EntityLink{{WindowID: "w-1", EntityType: calendar.EntityLoan, EntityID: "loan-1", Active: true}}, links)
}

func TestOpenLoan_UnknownWindow(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OpenLoan(f.ctx, reschedule.NewLoan{
		Terms:    amortization.Terms{Principal: dec("100"), Rule: recurrence.NewRule(recurrence.Monthly, 1), FirstRepaymentDate: d("2024-02-01"), NumberOfRepayments: 1},
		WindowID: mo.Some(calendar.WindowID("missing")),
	})
	assert.True(t, generic.IsNotFound(err))
}

func TestOpenLoan_RejectsNonRepeatingRule(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OpenLoan(f.ctx, reschedule.NewLoan{
		Terms: amortization.Terms{Principal: dec("100"), FirstRepaymentDate: d("2024-02-01"), NumberOfRepayments: 1},
	})
	assert.True(t, errors.Is(err, generic.ErrValidation))
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_StoresPendingRequestWithInactiveVariations(t *testing.T) {
	f := setup(t)

	req := f.submit(t, "2024-05-01", reschedule.Changes{
		NewDueDate:       mo.Some(d("2024-05-15")),
		GraceOnPrincipal: 2,
	})

	assert.Equal(t, reschedule.StatusPendingApproval, req.Status)
	assert.Equal(t, 4, req.FromInstallment)
	assert.Len(t, req.VariationIDs, 3)

	vs, err := f.svc.Variations(f.ctx, f.loan.ID)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	for _, v := range vs {
		assert.False(t, v.Active)
	}

	pending, err := f.svc.Pending(f.ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCreate_AggregatesValidationErrors(t *testing.T) {
	// GIVEN: a charged-off loan
	f := setup(t)
	f.loan.Status = reschedule.LoanChargedOff
	require.NoError(t, f.store.SaveLoan(f.ctx, f.loan))

	// WHEN: an empty request from a date nothing is due on is submitted
	_, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: f.loan.ID, FromDate: d("2024-05-02")})

	// THEN: every problem is reported, all as validation errors
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrValidation))
	assert.Len(t, multierr.Errors(err), 3)

	vs, _ := f.svc.Variations(f.ctx, f.loan.ID)
	assert.Empty(t, vs, "nothing is written")
}

func TestCreate_UnknownLoan(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: "nope", FromDate: d("2024-05-01"), Changes: shiftTo("2024-05-15")})
	assert.True(t, generic.IsNotFound(err))
}

func TestCreate_NewDueDateMustFollowFromDate(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: f.loan.ID, FromDate: d("2024-05-01"), Changes: shiftTo("2024-04-20")})

	var rerr *generic.DateRangeError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "new_due_date", rerr.Field)
}

func TestCreate_RefusesSettledInstallment(t *testing.T) {
	f := setup(t)
	f.loan.Installments[3].PrincipalPaid = f.loan.Installments[3].Principal
	require.NoError(t, f.store.SaveLoan(f.ctx, f.loan))

	_, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: f.loan.ID, FromDate: d("2024-05-01"), Changes: shiftTo("2024-05-15")})

	var verr *generic.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "installment_settled", verr.Code)
}

func TestCreate_OnePendingRequestPerLoan(t *testing.T) {
	f := setup(t)
	f.submit(t, "2024-05-01", shiftTo("2024-05-15"))

	_, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: f.loan.ID, FromDate: d("2024-06-01"), Changes: shiftTo("2024-06-10")})

	var verr *generic.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "pending_request_exists", verr.Code)
}

func TestCreate_SyncedLoanNeedsWindowOccurrence(t *testing.T) {
	f := newFixture(t)
	f.open(t, f.window(t))

	_, err := f.svc.Create(f.ctx, reschedule.Submission{LoanID: f.loan.ID, FromDate: d("2024-05-01"), Changes: shiftTo("2024-05-15")})
	var verr *generic.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "not_a_window_occurrence", verr.Code)

	req := f.submit(t, "2024-05-01", shiftTo("2024-06-01"))
	assert.True(t, req.IsPending())
}

// =============================================================================
// APPROVE
// =============================================================================

func TestApprove_ShiftsDueDateAndLaterInstallments(t *testing.T) {
	f := setup(t)
	before := f.loan.Installments
	req := f.submit(t, "2024-05-01", shiftTo("2024-05-15"))

	res, err := f.svc.Approve(f.ctx, req.ID, "manager")
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", res.Pivot.String())
	assert.Equal(t, req.VariationIDs, res.Activated)
	assert.Equal(t, []string{"2024-04-01", "2024-05-15", "2024-06-15"}, dueDates(res.Installments[2:5]))

	loan := f.reload(t)
	assert.Equal(t, res.Installments, loan.Installments)

	got, err := f.svc.Get(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, reschedule.StatusApproved, got.Status)
	decision, ok := got.Approved.Get()
	require.True(t, ok)
	assert.Equal(t, generic.Actor("manager"), decision.By)
	assert.Equal(t, "2024-04-15", decision.On.String())

	archives, err := f.svc.Archives(f.ctx, f.loan.ID)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, before, archives[0].Installments)

	vs, _ := f.svc.Variations(f.ctx, f.loan.ID)
	for _, v := range vs {
		assert.True(t, v.Active)
	}
}

func TestApprove_SecondApprovalIsDomainRuleViolation(t *testing.T) {
	f := setup(t)
	req := f.submit(t, "2024-05-01", shiftTo("2024-05-15"))
	_, err := f.svc.Approve(f.ctx, req.ID, "manager")
	require.NoError(t, err)
	after := f.reload(t).Installments

	_, err = f.svc.Approve(f.ctx, req.ID, "manager")

	assert.True(t, errors.Is(err, generic.ErrDomainRule))
	assert.Equal(t, after, f.reload(t).Installments, "regeneration does not run twice")
	archives, _ := f.svc.Archives(f.ctx, f.loan.ID)
	assert.Len(t, archives, 1)
}

func TestApprove_UnknownRequest(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Approve(f.ctx, "missing", "manager")
	assert.True(t, generic.IsNotFound(err))
}

func TestApprove_EmiOverridePreservesPrincipal(t *testing.T) {
	f := setup(t, func(nl *reschedule.NewLoan) { nl.Terms.AnnualRate = dec("12") })
	remaining := f.loan.Terms.Principal.Sub(amortization.TotalPrincipal(f.loan.Installments[:3]))

	req := f.submit(t, "2024-05-01", reschedule.Changes{
		EMI: mo.Some(reschedule.EMIChange{Amount: dec("60"), Until: mo.Some(d("2024-07-01"))}),
	})
	res, err := f.svc.Approve(f.ctx, req.ID, "manager")
	require.NoError(t, err)

	for _, inst := range res.Installments[3:6] {
		assert.Equal(t, "60.00", inst.Total().StringFixed(2), "installment %d", inst.Number)
	}
	post := res.Installments[3:]
	diff := amortization.TotalPrincipal(post).Sub(remaining).Abs()
	assert.True(t, diff.LessThanOrEqual(f.loan.Rounding.Tolerance(len(post))))
}

func TestApprove_CascadeKeepsRelativeSpacing(t *testing.T) {
	// GIVEN: active EMI overrides on 2024-06-01, 07-01 and 08-01
	f := setup(t)
	first := f.submit(t, "2024-06-01", reschedule.Changes{
		EMI: mo.Some(reschedule.EMIChange{Amount: dec("50"), Until: mo.Some(d("2024-08-01"))}),
	})
	_, err := f.svc.Approve(f.ctx, first.ID, "manager")
	require.NoError(t, err)

	// WHEN: the installment due 2024-05-01 moves to 2024-05-10
	shift := f.submit(t, "2024-05-01", shiftTo("2024-05-10"))
	res, err := f.svc.Approve(f.ctx, shift.ID, "manager")
	require.NoError(t, err)

	// THEN: each override follows by the same sequencer path
	require.Len(t, res.Remapped, 3)
	var moved []string
	for _, r := range res.Remapped {
		moved = append(moved, r.From.String()+"->"+r.To.String())
	}
	assert.Equal(t, []string{"2024-06-01->2024-06-10", "2024-07-01->2024-07-10", "2024-08-01->2024-08-10"}, moved)

	// AND: the overrides still hit their installments
	for _, inst := range res.Installments[4:7] {
		assert.True(t, inst.Total().Equal(dec("50")), "installment %d due %s total %s", inst.Number, inst.DueDate, inst.Total())
	}
	assert.Equal(t, []string{"2024-05-10", "2024-06-10", "2024-07-10", "2024-08-10"}, dueDates(res.Installments[3:7]))
}

func TestApprove_CascadeFollowsHolidayMovedDueDate(t *testing.T) {
	// GIVEN: weekends move to the next working day, so 2024-06-01 (a Saturday) is due 2024-06-03
	weekends := generic.HolidayPolicy{Days: generic.StandardWorkingDays(generic.NoHolidays{}), Strategy: generic.AdjustNextWorkingDay}
	f := newFixture(t, reschedule.WithAdjuster(weekends))
	f.open(t)
	require.Equal(t, []string{"2024-06-03", "2024-07-01"}, dueDates(f.loan.Installments[4:6]))

	// AND: an approved EMI of 50 on the installment due 2024-07-01
	emi := f.submit(t, "2024-07-01", reschedule.Changes{
		EMI: mo.Some(reschedule.EMIChange{Amount: dec("50"), Until: mo.Some(d("2024-07-01"))}),
	})
	_, err := f.svc.Approve(f.ctx, emi.ID, "manager")
	require.NoError(t, err)

	// WHEN: the installment due 2024-06-03 moves to 2024-06-10
	shift := f.submit(t, "2024-06-03", shiftTo("2024-06-10"))
	res, err := f.svc.Approve(f.ctx, shift.ID, "manager")
	require.NoError(t, err)

	// THEN: the override follows the shift to 2024-07-10
	require.Len(t, res.Remapped, 1)
	assert.Equal(t, emi.VariationIDs[0], res.Remapped[0].VariationID)
	assert.Equal(t, "2024-07-01", res.Remapped[0].From.String())
	assert.Equal(t, "2024-07-10", res.Remapped[0].To.String())

	// AND: the schedule keeps it; 2024-08-10 is a Saturday
	assert.Equal(t, []string{"2024-06-10", "2024-07-10", "2024-08-12"}, dueDates(res.Installments[4:7]))
	assert.True(t, res.Installments[5].Total().Equal(dec("50")), "total %s", res.Installments[5].Total())
	assert.True(t, amortization.TotalPrincipal(res.Installments).Equal(dec("1200")))
}

func TestApprove_ChainedShiftCollapsesOntoOriginalDate(t *testing.T) {
	// GIVEN: 2024-05-01 already moved to 2024-05-15
	f := setup(t)
	first := f.submit(t, "2024-05-01", shiftTo("2024-05-15"))
	_, err := f.svc.Approve(f.ctx, first.ID, "manager")
	require.NoError(t, err)

	// WHEN: 2024-05-15 moves again, to 2024-05-20
	second := f.submit(t, "2024-05-15", shiftTo("2024-05-20"))
	res, err := f.svc.Approve(f.ctx, second.ID, "manager")
	require.NoError(t, err)

	// THEN: the earlier shift is retired and the pivot goes back to the original date
	assert.Equal(t, first.VariationIDs, res.Deactivated)
	assert.Equal(t, "2024-05-01", res.Pivot.String())
	assert.Equal(t, []string{"2024-05-20", "2024-06-20"}, dueDates(res.Installments[3:5]))

	vs, _ := f.svc.Variations(f.ctx, f.loan.ID)
	var active []variation.TermVariation
	for _, v := range vs {
		if v.Active {
			active = append(active, v)
		}
	}
	require.Len(t, active, 1)
	assert.Equal(t, "2024-05-01", active[0].EffectiveFrom.String())
}

func TestApprove_CadenceChange(t *testing.T) {
	f := setup(t)
	req := f.submit(t, "2024-05-01", reschedule.Changes{RepaymentRule: mo.Some(recurrence.NewRule(recurrence.Weekly, 2))})

	res, err := f.svc.Approve(f.ctx, req.ID, "manager")
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-04-01", "2024-05-01", "2024-05-15", "2024-05-29"}, dueDates(res.Installments[2:6]))
	loan := f.reload(t)
	cadence, ok := loan.Cadence.Get()
	require.True(t, ok)
	assert.Equal(t, 4, cadence.FromInstallment)
	assert.True(t, loan.Rule().IsWeekly())
}

func TestApprove_CadenceChangeOnSharedWindowIsRefused(t *testing.T) {
	// GIVEN: a loan synced to a window a group also follows
	f := newFixture(t)
	f.open(t, f.window(t, calendar.EntityLink{EntityType: calendar.EntityGroup, EntityID: "group-7", Active: true}))
	before := f.loan.Installments
	req := f.submit(t, "2024-05-01", reschedule.Changes{RepaymentRule: mo.Some(recurrence.NewRule(recurrence.Weekly, 2))})

	// WHEN: approving a frequency change
	_, err := f.svc.Approve(f.ctx, req.ID, "manager")

	// THEN: it is refused outright and nothing changes
	assert.True(t, errors.Is(err, generic.ErrDomainRule))
	assert.Equal(t, before, f.reload(t).Installments)
	got, _ := f.svc.Get(f.ctx, req.ID)
	assert.True(t, got.IsPending())
}

// =============================================================================
// REJECT
// =============================================================================

func TestReject_LeavesScheduleUntouched(t *testing.T) {
	f := setup(t)
	before := f.loan.Installments
	req := f.submit(t, "2024-05-01", reschedule.Changes{NewDueDate: mo.Some(d("2024-05-15")), GraceOnInterest: 1})

	got, err := f.svc.Reject(f.ctx, req.ID, "manager")
	require.NoError(t, err)

	assert.Equal(t, reschedule.StatusRejected, got.Status)
	assert.True(t, got.Rejected.IsPresent())
	assert.Equal(t, before, f.reload(t).Installments)
	vs, _ := f.svc.Variations(f.ctx, f.loan.ID)
	require.Len(t, vs, 2)
	for _, v := range vs {
		assert.False(t, v.Active)
	}

	_, err = f.svc.Approve(f.ctx, req.ID, "manager")
	assert.True(t, errors.Is(err, generic.ErrDomainRule))
	_, err = f.svc.Reject(f.ctx, req.ID, "manager")
	assert.True(t, errors.Is(err, generic.ErrDomainRule))
}

func TestListByLoan(t *testing.T) {
	f := setup(t)
	first := f.submit(t, "2024-05-01", shiftTo("2024-05-15"))
	_, err := f.svc.Reject(f.ctx, first.ID, "manager")
	require.NoError(t, err)
	f.submit(t, "2024-06-01", shiftTo("2024-06-10"))

	reqs, err := f.svc.ListByLoan(f.ctx, f.loan.ID)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, reschedule.StatusRejected, reqs[0].Status)
	assert.Equal(t, reschedule.StatusPendingApproval, reqs[1].Status)

	_, err = f.svc.ListByLoan(f.ctx, "nope")
	assert.True(t, generic.IsNotFound(err))
}
