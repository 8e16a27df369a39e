package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/reschedule"
	"github.com/warp/reschedule-engine/store/sqlite"
	"github.com/warp/reschedule-engine/variation"
)

var d = generic.MustParseDate

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func monthly() recurrence.Rule {
	r := recurrence.NewRule(recurrence.Monthly, 1)
	r.MonthDay = 1
	return r
}

func testLoan() *reschedule.Loan {
	return &reschedule.Loan{
		ID:     "loan-1",
		Status: reschedule.LoanActive,
		Terms: amortization.Terms{
			Principal:          decimal.RequireFromString("300"),
			AnnualRate:         decimal.RequireFromString("12.5"),
			Rule:               monthly(),
			DisbursementDate:   d("2024-01-01"),
			FirstRepaymentDate: d("2024-02-01"),
			NumberOfRepayments: 3,
		},
		Rounding: generic.DefaultRounding,
		Installments: []amortization.Installment{
			{Number: 1, FromDate: d("2024-01-01"), DueDate: d("2024-02-01"), Principal: decimal.RequireFromString("100"), Interest: decimal.RequireFromString("3.13"), PrincipalPaid: decimal.RequireFromString("100"), InterestPaid: decimal.RequireFromString("3.13")},
			{Number: 2, FromDate: d("2024-02-01"), DueDate: d("2024-03-01"), Principal: decimal.RequireFromString("100"), Interest: decimal.RequireFromString("2.08"), PrincipalPaid: decimal.Zero, InterestPaid: decimal.Zero},
			{Number: 3, FromDate: d("2024-03-01"), DueDate: d("2024-04-01"), Principal: decimal.RequireFromString("100"), Interest: decimal.RequireFromString("1.04"), PrincipalPaid: decimal.Zero, InterestPaid: decimal.Zero},
		},
		Transactions: []amortization.Transaction{{
			ID:     "tx-1",
			Type:   amortization.TxRepayment,
			Date:   d("2024-02-01"),
			Amount: decimal.RequireFromString("103.13"),
			Allocations: []amortization.Allocation{{
				InstallmentNumber: 1,
				DueDate:           d("2024-02-01"),
				Principal:         decimal.RequireFromString("100"),
				Interest:          decimal.RequireFromString("3.13"),
			}},
		}},
		CreatedOn: d("2024-01-01"),
	}
}

func testWindow() *calendar.Window {
	return &calendar.Window{
		ID:         "w-1",
		Kind:       calendar.KindCollection,
		Title:      "Center 7 collections",
		AnchorDate: d("2024-02-01"),
		Repeating:  true,
		Rule:       monthly(),
		CreatedOn:  d("2024-01-01"),
		UpdatedOn:  d("2024-01-01"),
	}
}

// =============================================================================
// WINDOWS
// =============================================================================

func TestWindow_RoundTripWithHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// GIVEN: A window whose rule was changed once
	w := testWindow()
	w.History = []calendar.HistorySnapshot{{
		Rule:        recurrence.NewRule(recurrence.Weekly, 2),
		AnchorDate:  d("2023-06-05"),
		WindowStart: d("2023-06-05"),
		WindowEnd:   d("2024-02-01"),
	}}
	w.EndDate = mo.Some(d("2025-01-01"))
	require.NoError(t, store.SaveWindow(ctx, w))

	// WHEN: It is read back
	got, err := store.GetWindow(ctx, "w-1")
	require.NoError(t, err)

	// THEN: Every field survives
	assert.Equal(t, w, got)
}

func TestWindow_SaveReplacesHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := testWindow()
	w.History = []calendar.HistorySnapshot{
		{Rule: monthly(), AnchorDate: d("2023-01-01"), WindowStart: d("2023-01-01"), WindowEnd: d("2023-06-01")},
		{Rule: monthly(), AnchorDate: d("2023-06-01"), WindowStart: d("2023-06-01"), WindowEnd: d("2024-02-01")},
	}
	require.NoError(t, store.SaveWindow(ctx, w))

	w.History = w.History[:1]
	w.Title = "renamed"
	require.NoError(t, store.SaveWindow(ctx, w))

	got, err := store.GetWindow(ctx, "w-1")
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
	assert.Equal(t, "renamed", got.Title)
}

func TestWindow_UnknownIsNotFound(t *testing.T) {
	_, err := newStore(t).GetWindow(context.Background(), "missing")
	assert.True(t, generic.IsNotFound(err))
}

func TestLinks_UpsertOnEntity(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveWindow(ctx, testWindow()))

	link := calendar.EntityLink{WindowID: "w-1", EntityType: calendar.EntityLoan, EntityID: "loan-1", Active: true}
	require.NoError(t, store.SaveLink(ctx, link))
	require.NoError(t, store.SaveLink(ctx, calendar.EntityLink{WindowID: "w-1", EntityType: calendar.EntityGroup, EntityID: "g-1", Active: true}))

	link.Active = false
	require.NoError(t, store.SaveLink(ctx, link))

	links, err := store.ListLinks(ctx, "w-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.False(t, links[0].Active)
	assert.Equal(t, calendar.EntityGroup, links[1].EntityType)
}

func TestLinks_UnknownWindowViolatesForeignKey(t *testing.T) {
	err := newStore(t).SaveLink(context.Background(), calendar.EntityLink{WindowID: "missing", EntityType: calendar.EntityLoan, EntityID: "loan-1", Active: true})
	assert.True(t, generic.IsConflict(err))
}

// =============================================================================
// LOANS
// =============================================================================

func TestLoan_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveWindow(ctx, testWindow()))

	// GIVEN: A loan with a replaced cadence, synced to a window
	loan := testLoan()
	loan.Cadence = mo.Some(reschedule.Cadence{Rule: recurrence.NewRule(recurrence.Weekly, 2), FromInstallment: 3})
	loan.WindowID = mo.Some(calendar.WindowID("w-1"))
	require.NoError(t, store.SaveLoan(ctx, loan))

	// WHEN: It is read back
	got, err := store.GetLoan(ctx, "loan-1")
	require.NoError(t, err)

	// THEN: Terms, cadence, schedule and transactions survive
	assert.Equal(t, loan.Status, got.Status)
	assert.Equal(t, loan.Terms.Rule, got.Terms.Rule)
	assert.True(t, loan.Terms.AnnualRate.Equal(got.Terms.AnnualRate))
	assert.Equal(t, "2024-01-01", got.Terms.DisbursementDate.String())
	assert.Equal(t, loan.Rounding, got.Rounding)
	assert.Equal(t, loan.Cadence, got.Cadence)
	assert.Equal(t, loan.WindowID, got.WindowID)

	require.Len(t, got.Installments, 3)
	for i, inst := range got.Installments {
		want := loan.Installments[i]
		assert.Equal(t, want.DueDate, inst.DueDate)
		assert.Equal(t, want.FromDate, inst.FromDate)
		assert.True(t, want.Total().Equal(inst.Total()), "installment %d", inst.Number)
		assert.True(t, want.Paid().Equal(inst.Paid()), "installment %d", inst.Number)
	}

	require.Len(t, got.Transactions, 1)
	tx := got.Transactions[0]
	assert.Equal(t, amortization.TxRepayment, tx.Type)
	require.Len(t, tx.Allocations, 1)
	assert.Equal(t, "2024-02-01", tx.Allocations[0].DueDate.String())
	assert.True(t, tx.Allocations[0].Interest.Equal(decimal.RequireFromString("3.13")))
}

func TestLoan_SaveReplacesSchedule(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	loan := testLoan()
	require.NoError(t, store.SaveLoan(ctx, loan))

	loan.Installments = loan.Installments[:2]
	loan.Transactions = nil
	loan.Status = reschedule.LoanClosed
	require.NoError(t, store.SaveLoan(ctx, loan))

	got, err := store.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, got.Installments, 2)
	assert.Empty(t, got.Transactions)
	assert.Equal(t, reschedule.LoanClosed, got.Status)
}

func TestLoan_CorruptAmountIsAnError(t *testing.T) {
	// GIVEN: a stored loan whose installment principal was overwritten with garbage
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loans.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveLoan(ctx, testLoan()))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `UPDATE installments SET principal = 'lots' WHERE loan_id = 'loan-1' AND number = 2`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// WHEN: it is loaded
	_, err = store.GetLoan(ctx, "loan-1")

	// THEN: the read fails instead of yielding a zero amount
	require.Error(t, err)
	assert.False(t, generic.IsNotFound(err))
}

func TestLoan_UnknownIsNotFound(t *testing.T) {
	_, err := newStore(t).GetLoan(context.Background(), "missing")
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// VARIATIONS AND REQUESTS
// =============================================================================

func TestVariations_KeepInsertionOrderAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveLoan(ctx, testLoan()))

	shift := variation.TermVariation{
		ID: "v-1", LoanID: "loan-1", Kind: variation.DueDateShift,
		EffectiveFrom: d("2024-03-01"), DateValue: mo.Some(d("2024-03-15")),
	}
	grace := variation.TermVariation{
		ID: "v-2", LoanID: "loan-1", Kind: variation.GraceOnPrincipal,
		EffectiveFrom: d("2024-03-01"), Value: decimal.NewFromInt(2),
	}
	ext := variation.TermVariation{
		ID: "v-3", LoanID: "loan-1", Kind: variation.ExtendRepaymentPeriod,
		EffectiveFrom: d("2024-03-01"), Value: decimal.NewFromInt(2), Parent: mo.Some(variation.ID("v-2")),
	}
	require.NoError(t, store.SaveVariations(ctx, []variation.TermVariation{shift, grace, ext}))

	shift.Active = true
	require.NoError(t, store.SaveVariations(ctx, []variation.TermVariation{shift}))

	got, err := store.ListVariations(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []variation.ID{"v-1", "v-2", "v-3"}, []variation.ID{got[0].ID, got[1].ID, got[2].ID})
	assert.True(t, got[0].Active)
	assert.Equal(t, shift.DateValue, got[0].DateValue)
	assert.Equal(t, variation.GraceOnPrincipal, got[1].Kind)
	assert.Equal(t, 2, got[1].Count())
	assert.Equal(t, ext.Parent, got[2].Parent)
	assert.True(t, got[1].Parent.IsAbsent())
}

func TestRequests_RoundTripAndPendingFilter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveLoan(ctx, testLoan()))
	v := variation.TermVariation{ID: "v-1", LoanID: "loan-1", Kind: variation.ExtendRepaymentPeriod, EffectiveFrom: d("2024-03-01"), Value: decimal.NewFromInt(1)}
	require.NoError(t, store.SaveVariations(ctx, []variation.TermVariation{v}))

	pending := &reschedule.Request{
		ID: "r-1", LoanID: "loan-1", Status: reschedule.StatusPendingApproval,
		FromDate: d("2024-03-01"), FromInstallment: 2, Reason: "harvest",
		RepaymentRule: mo.Some(recurrence.NewRule(recurrence.Weekly, 1)),
		VariationIDs:  []variation.ID{"v-1"},
		Submitted:     mo.Some(generic.Decision{By: "officer", On: d("2024-02-10")}),
	}
	rejected := &reschedule.Request{
		ID: "r-0", LoanID: "loan-1", Status: reschedule.StatusRejected,
		FromDate: d("2024-03-01"), FromInstallment: 2,
		Submitted: mo.Some(generic.Decision{By: "officer", On: d("2024-02-01")}),
		Rejected:  mo.Some(generic.Decision{By: "manager", On: d("2024-02-02")}),
	}
	require.NoError(t, store.SaveRequest(ctx, rejected))
	require.NoError(t, store.SaveRequest(ctx, pending))

	got, err := store.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	all, err := store.ListRequests(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, reschedule.RequestID("r-0"), all[0].ID)
	assert.Empty(t, all[0].VariationIDs)

	open, err := store.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, reschedule.RequestID("r-1"), open[0].ID)
}

func TestRequest_UnknownIsNotFound(t *testing.T) {
	_, err := newStore(t).GetRequest(context.Background(), "missing")
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// ARCHIVE
// =============================================================================

func TestArchive_DuplicateRequestConflicts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	loan := testLoan()
	require.NoError(t, store.SaveLoan(ctx, loan))

	v := amortization.Archive(loan.ID, "r-1", loan.Installments, d("2024-02-15"))
	require.NoError(t, store.ArchiveSchedule(ctx, v))

	err := store.ArchiveSchedule(ctx, v)
	assert.True(t, generic.IsConflict(err))

	got, err := store.ListArchives(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r-1", got[0].RequestID)
	assert.Equal(t, "2024-02-15", got[0].ArchivedOn.String())
	require.Len(t, got[0].Installments, 3)
	assert.Equal(t, "2024-04-01", got[0].Installments[2].DueDate.String())
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	boom := errors.New("boom")

	// GIVEN: A transaction that writes a loan and then fails
	err := store.WithTx(ctx, func(tx reschedule.Store) error {
		require.NoError(t, tx.SaveLoan(ctx, testLoan()))
		return boom
	})

	// THEN: The error comes back and nothing was written
	assert.ErrorIs(t, err, boom)
	_, err = store.GetLoan(ctx, "loan-1")
	assert.True(t, generic.IsNotFound(err))
}

func TestWithTx_Commits(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	err := store.WithTx(ctx, func(tx reschedule.Store) error {
		if err := tx.SaveLoan(ctx, testLoan()); err != nil {
			return err
		}
		loan, err := tx.GetLoan(ctx, "loan-1")
		if err != nil {
			return err
		}
		return tx.ArchiveSchedule(ctx, amortization.Archive(loan.ID, "r-1", loan.Installments, d("2024-02-15")))
	})
	require.NoError(t, err)

	archives, err := store.ListArchives(ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

// =============================================================================
// WORKFLOW ON SQLITE
// =============================================================================

func TestService_ApproveOnSQLite(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := reschedule.NewService(store, reschedule.WithClock(generic.FixedClock(d("2024-04-15"))))

	// GIVEN: An open loan and a pending due-date shift
	_, err := svc.OpenLoan(ctx, reschedule.NewLoan{
		ID: "loan-1",
		Terms: amortization.Terms{
			Principal:          decimal.RequireFromString("1200"),
			AnnualRate:         decimal.Zero,
			Rule:               recurrence.NewRule(recurrence.Monthly, 1),
			DisbursementDate:   d("2024-01-01"),
			FirstRepaymentDate: d("2024-02-01"),
			NumberOfRepayments: 12,
		},
	})
	require.NoError(t, err)
	req, err := svc.Create(ctx, reschedule.Submission{
		LoanID:      "loan-1",
		FromDate:    d("2024-05-01"),
		Changes:     reschedule.Changes{NewDueDate: mo.Some(d("2024-05-15"))},
		SubmittedBy: "officer",
	})
	require.NoError(t, err)

	// WHEN: It is approved
	_, err = svc.Approve(ctx, req.ID, "manager")
	require.NoError(t, err)

	// THEN: The new schedule, the archive and the request state are persisted
	loan, err := svc.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-15", loan.Installments[3].DueDate.String())

	archives, err := svc.Archives(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "2024-05-01", archives[0].Installments[3].DueDate.String())

	got, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, reschedule.StatusApproved, got.Status)
	approved, ok := got.Approved.Get()
	require.True(t, ok)
	assert.Equal(t, generic.Actor("manager"), approved.By)

	vs, err := svc.Variations(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.True(t, vs[0].Active)
}
