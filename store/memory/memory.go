// Package memory provides an in-memory reschedule.TxStore.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/reschedule"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu sync.RWMutex
	state
}

type state struct {
	windows    map[calendar.WindowID]calendar.Window
	links      map[calendar.WindowID][]calendar.EntityLink
	loans      map[generic.LoanID]reschedule.Loan
	variations map[variation.ID]variation.TermVariation
	varOrder   []variation.ID
	requests   map[reschedule.RequestID]reschedule.Request
	reqOrder   []reschedule.RequestID
	archives   map[generic.LoanID][]amortization.ScheduleVersion
}

func New() *Store {
	return &Store{state: newState()}
}

func newState() state {
	return state{
		windows:    make(map[calendar.WindowID]calendar.Window),
		links:      make(map[calendar.WindowID][]calendar.EntityLink),
		loans:      make(map[generic.LoanID]reschedule.Loan),
		variations: make(map[variation.ID]variation.TermVariation),
		requests:   make(map[reschedule.RequestID]reschedule.Request),
		archives:   make(map[generic.LoanID][]amortization.ScheduleVersion),
	}
}

// Every public method takes the lock and delegates to the state, which the
// transaction view calls directly while WithTx holds the lock.

func (s *Store) GetWindow(ctx context.Context, id calendar.WindowID) (*calendar.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetWindow(ctx, id)
}

func (s *Store) SaveWindow(ctx context.Context, w *calendar.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveWindow(ctx, w)
}

func (s *Store) ListLinks(ctx context.Context, id calendar.WindowID) ([]calendar.EntityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListLinks(ctx, id)
}

func (s *Store) SaveLink(ctx context.Context, link calendar.EntityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveLink(ctx, link)
}

func (s *Store) GetLoan(ctx context.Context, id generic.LoanID) (*reschedule.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetLoan(ctx, id)
}

func (s *Store) SaveLoan(ctx context.Context, loan *reschedule.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveLoan(ctx, loan)
}

func (s *Store) ListVariations(ctx context.Context, loanID generic.LoanID) ([]variation.TermVariation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListVariations(ctx, loanID)
}

func (s *Store) SaveVariations(ctx context.Context, vs []variation.TermVariation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveVariations(ctx, vs)
}

func (s *Store) GetRequest(ctx context.Context, id reschedule.RequestID) (*reschedule.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetRequest(ctx, id)
}

func (s *Store) SaveRequest(ctx context.Context, r *reschedule.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveRequest(ctx, r)
}

func (s *Store) ListRequests(ctx context.Context, loanID generic.LoanID) ([]reschedule.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListRequests(ctx, loanID)
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]reschedule.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListPendingRequests(ctx)
}

func (s *Store) ArchiveSchedule(ctx context.Context, v amortization.ScheduleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ArchiveSchedule(ctx, v)
}

func (s *Store) ListArchives(ctx context.Context, loanID generic.LoanID) ([]amortization.ScheduleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListArchives(ctx, loanID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(reschedule.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&s.state); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (st *state) clone() state {
	cp := newState()
	for k, v := range st.windows {
		cp.windows[k] = copyWindow(v)
	}
	for k, v := range st.links {
		cp.links[k] = append([]calendar.EntityLink(nil), v...)
	}
	for k, v := range st.loans {
		cp.loans[k] = copyLoan(v)
	}
	for k, v := range st.variations {
		cp.variations[k] = v
	}
	cp.varOrder = append([]variation.ID(nil), st.varOrder...)
	for k, v := range st.requests {
		cp.requests[k] = copyRequest(v)
	}
	cp.reqOrder = append([]reschedule.RequestID(nil), st.reqOrder...)
	for k, v := range st.archives {
		cp.archives[k] = append([]amortization.ScheduleVersion(nil), v...)
	}
	return cp
}

// =============================================================================
// STATE - Unlocked operations, shared by Store and the transaction view
// =============================================================================

func (st *state) GetWindow(_ context.Context, id calendar.WindowID) (*calendar.Window, error) {
	w, ok := st.windows[id]
	if !ok {
		return nil, &generic.NotFoundError{Resource: "window", ID: string(id)}
	}
	cp := copyWindow(w)
	return &cp, nil
}

func (st *state) SaveWindow(_ context.Context, w *calendar.Window) error {
	st.windows[w.ID] = copyWindow(*w)
	return nil
}

func (st *state) ListLinks(_ context.Context, id calendar.WindowID) ([]calendar.EntityLink, error) {
	return append([]calendar.EntityLink(nil), st.links[id]...), nil
}

// SaveLink upserts on (window, entity type, entity id).
func (st *state) SaveLink(_ context.Context, link calendar.EntityLink) error {
	links := st.links[link.WindowID]
	for i, l := range links {
		if l.EntityType == link.EntityType && l.EntityID == link.EntityID {
			links[i] = link
			return nil
		}
	}
	st.links[link.WindowID] = append(links, link)
	return nil
}

func (st *state) GetLoan(_ context.Context, id generic.LoanID) (*reschedule.Loan, error) {
	l, ok := st.loans[id]
	if !ok {
		return nil, &generic.NotFoundError{Resource: "loan", ID: string(id)}
	}
	cp := copyLoan(l)
	return &cp, nil
}

func (st *state) SaveLoan(_ context.Context, loan *reschedule.Loan) error {
	st.loans[loan.ID] = copyLoan(*loan)
	return nil
}

func (st *state) ListVariations(_ context.Context, loanID generic.LoanID) ([]variation.TermVariation, error) {
	var out []variation.TermVariation
	for _, id := range st.varOrder {
		if v := st.variations[id]; v.LoanID == loanID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (st *state) SaveVariations(_ context.Context, vs []variation.TermVariation) error {
	for _, v := range vs {
		if _, exists := st.variations[v.ID]; !exists {
			st.varOrder = append(st.varOrder, v.ID)
		}
		st.variations[v.ID] = v
	}
	return nil
}

func (st *state) GetRequest(_ context.Context, id reschedule.RequestID) (*reschedule.Request, error) {
	r, ok := st.requests[id]
	if !ok {
		return nil, &generic.NotFoundError{Resource: "reschedule request", ID: string(id)}
	}
	cp := copyRequest(r)
	return &cp, nil
}

func (st *state) SaveRequest(_ context.Context, r *reschedule.Request) error {
	if _, exists := st.requests[r.ID]; !exists {
		st.reqOrder = append(st.reqOrder, r.ID)
	}
	st.requests[r.ID] = copyRequest(*r)
	return nil
}

func (st *state) ListRequests(_ context.Context, loanID generic.LoanID) ([]reschedule.Request, error) {
	return st.filterRequests(func(r reschedule.Request) bool { return r.LoanID == loanID }), nil
}

func (st *state) ListPendingRequests(_ context.Context) ([]reschedule.Request, error) {
	return st.filterRequests(func(r reschedule.Request) bool { return r.IsPending() }), nil
}

func (st *state) filterRequests(keep func(reschedule.Request) bool) []reschedule.Request {
	var out []reschedule.Request
	for _, id := range st.reqOrder {
		if r := st.requests[id]; keep(r) {
			out = append(out, copyRequest(r))
		}
	}
	return out
}

func (st *state) ArchiveSchedule(_ context.Context, v amortization.ScheduleVersion) error {
	for _, existing := range st.archives[v.LoanID] {
		if existing.RequestID == v.RequestID {
			return &generic.PersistenceConflictError{Op: "archive schedule"}
		}
	}
	v.Installments = append([]amortization.Installment(nil), v.Installments...)
	st.archives[v.LoanID] = append(st.archives[v.LoanID], v)
	return nil
}

func (st *state) ListArchives(_ context.Context, loanID generic.LoanID) ([]amortization.ScheduleVersion, error) {
	out := append([]amortization.ScheduleVersion(nil), st.archives[loanID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArchivedOn.Before(out[j].ArchivedOn) })
	return out, nil
}

// =============================================================================
// COPIES - Callers never share slices with the store
// =============================================================================

func copyWindow(w calendar.Window) calendar.Window {
	w.History = append([]calendar.HistorySnapshot(nil), w.History...)
	return w
}

func copyLoan(l reschedule.Loan) reschedule.Loan {
	l.Installments = append([]amortization.Installment(nil), l.Installments...)
	if l.Transactions == nil {
		return l
	}
	txs := make([]amortization.Transaction, len(l.Transactions))
	for i, tx := range l.Transactions {
		tx.Allocations = append([]amortization.Allocation(nil), tx.Allocations...)
		txs[i] = tx
	}
	l.Transactions = txs
	return l
}

func copyRequest(r reschedule.Request) reschedule.Request {
	r.VariationIDs = append([]variation.ID(nil), r.VariationIDs...)
	return r
}
