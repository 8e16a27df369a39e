package reschedule

import (
	"context"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists loans, variations, requests and archived schedules next to
// the window tables. Get* return a *generic.NotFoundError for unknown ids.
type Store interface {
	calendar.Store

	GetLoan(ctx context.Context, id generic.LoanID) (*Loan, error)

	// SaveLoan replaces the loan row and its installments and transactions.
	SaveLoan(ctx context.Context, loan *Loan) error

	ListVariations(ctx context.Context, loanID generic.LoanID) ([]variation.TermVariation, error)
	SaveVariations(ctx context.Context, vs []variation.TermVariation) error

	GetRequest(ctx context.Context, id RequestID) (*Request, error)
	SaveRequest(ctx context.Context, r *Request) error
	ListRequests(ctx context.Context, loanID generic.LoanID) ([]Request, error)
	ListPendingRequests(ctx context.Context) ([]Request, error)

	// ArchiveSchedule stores an immutable schedule copy. Archiving the same
	// request twice is a persistence conflict.
	ArchiveSchedule(ctx context.Context, v amortization.ScheduleVersion) error
	ListArchives(ctx context.Context, loanID generic.LoanID) ([]amortization.ScheduleVersion, error)
}

// TxStore extends Store with transaction support. Every write fn makes
// commits together or not at all.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
