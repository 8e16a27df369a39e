package reschedule

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// SERVICE - Loans and the reschedule workflow over a TxStore
// =============================================================================

type Service struct {
	store    TxStore
	clock    generic.Clock
	adjuster generic.Adjuster
	policy   calendar.OccurrencePolicy
	log      logrus.FieldLogger
}

type Option func(*Service)

func WithClock(c generic.Clock) Option       { return func(s *Service) { s.clock = c } }
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

// WithAdjuster sets the holiday policy applied to every due date.
func WithAdjuster(a generic.Adjuster) Option { return func(s *Service) { s.adjuster = a } }

// WithOccurrencePolicy sets the policy used to check new due dates of
// window-synced loans.
func WithOccurrencePolicy(p calendar.OccurrencePolicy) Option {
	return func(s *Service) { s.policy = p }
}

func NewService(store TxStore, opts ...Option) *Service {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Service{store: store, clock: generic.SystemClock{}, adjuster: generic.NoAdjustment{}, log: discard}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// LOANS
// =============================================================================

// NewLoan describes a loan to open.
type NewLoan struct {
	ID       generic.LoanID
	Terms    amortization.Terms
	Rounding mo.Option[generic.RoundingContext]
	WindowID mo.Option[calendar.WindowID]
}

// OpenLoan generates the initial schedule, stores the loan and, when a
// window is given, syncs the loan to it.
func (s *Service) OpenLoan(ctx context.Context, nl NewLoan) (*Loan, error) {
	loan := &Loan{
		ID:        nl.ID,
		Status:    LoanActive,
		Terms:     nl.Terms,
		Rounding:  nl.Rounding.OrElse(generic.DefaultRounding),
		WindowID:  nl.WindowID,
		CreatedOn: s.clock.Today(),
	}
	if loan.ID == "" {
		loan.ID = generic.LoanID(uuid.NewString())
	}
	if err := loan.Validate(); err != nil {
		return nil, err
	}

	seq, err := loan.Sequencer(s.adjuster)
	if err != nil {
		return nil, err
	}
	loan.Installments, err = amortization.Generate(loan.Terms, seq, loan.Rounding)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if windowID, ok := loan.WindowID.Get(); ok {
			if _, err := tx.GetWindow(ctx, windowID); err != nil {
				return err
			}
			link := calendar.EntityLink{WindowID: windowID, EntityType: calendar.EntityLoan, EntityID: string(loan.ID), Active: true}
			if err := tx.SaveLink(ctx, link); err != nil {
				return fmt.Errorf("failed to sync loan to window: %w", err)
			}
		}
		return tx.SaveLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"principal":    loan.Terms.Principal.String(),
		"installments": len(loan.Installments),
		"rule":         loan.Terms.Rule.String(),
	}).Info("loan opened")
	return loan, nil
}

func (s *Service) GetLoan(ctx context.Context, id generic.LoanID) (*Loan, error) {
	return s.store.GetLoan(ctx, id)
}

// Archives lists the schedules replaced by approved requests.
func (s *Service) Archives(ctx context.Context, id generic.LoanID) ([]amortization.ScheduleVersion, error) {
	if _, err := s.store.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListArchives(ctx, id)
}

// Variations lists every variation ever recorded for a loan.
func (s *Service) Variations(ctx context.Context, id generic.LoanID) ([]variation.TermVariation, error) {
	return s.store.ListVariations(ctx, id)
}

// =============================================================================
// CREATE
// =============================================================================

// Submission is a reschedule request as entered.
type Submission struct {
	LoanID              generic.LoanID
	FromDate            generic.Date
	Reason              string
	RecalculateInterest bool
	Changes             Changes
	SubmittedBy         generic.Actor
}

// Create validates a submission and stores it with its inactive variations.
// Every validation problem is reported together; nothing is written unless
// all checks pass.
func (s *Service) Create(ctx context.Context, sub Submission) (*Request, error) {
	loan, err := s.store.GetLoan(ctx, sub.LoanID)
	if err != nil {
		return nil, err
	}

	inst, errs := s.validate(ctx, loan, sub)
	if errs != nil {
		s.log.WithFields(logrus.Fields{"loan_id": loan.ID, "problems": len(multierr.Errors(errs))}).Debug("reschedule request refused")
		return nil, errs
	}

	vs := BuildVariations(loan.ID, sub.FromDate, loan.Installments, sub.Changes)
	req := &Request{
		ID:                  RequestID(uuid.NewString()),
		LoanID:              loan.ID,
		Status:              StatusPendingApproval,
		FromDate:            sub.FromDate,
		FromInstallment:     inst.Number,
		Reason:              sub.Reason,
		RecalculateInterest: sub.RecalculateInterest,
		RepaymentRule:       sub.Changes.RepaymentRule,
		Submitted:           mo.Some(generic.Decision{By: sub.SubmittedBy, On: s.clock.Today()}),
	}
	for _, v := range vs {
		req.VariationIDs = append(req.VariationIDs, v.ID)
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveVariations(ctx, vs); err != nil {
			return fmt.Errorf("failed to save term variations: %w", err)
		}
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":  req.ID,
		"loan_id":     loan.ID,
		"from":        req.FromDate,
		"installment": req.FromInstallment,
		"variations":  len(vs),
	}).Info("reschedule request created")
	return req, nil
}

func (s *Service) validate(ctx context.Context, loan *Loan, sub Submission) (amortization.Installment, error) {
	var errs error
	add := func(err error) { errs = multierr.Append(errs, err) }

	if loan.Status.IsTerminal() {
		add(&generic.ValidationError{Field: "loan", Code: "loan_not_active", Message: fmt.Sprintf("loan %s is %s and cannot be rescheduled", loan.ID, loan.Status)})
	}
	c := sub.Changes
	if c.IsEmpty() {
		add(&generic.ValidationError{Field: "changes", Code: "no_changes", Message: "a reschedule request needs at least one change"})
	}

	inst, found := amortization.FindByDueDate(loan.Installments, sub.FromDate)
	switch {
	case sub.FromDate.IsZero():
		add(&generic.ValidationError{Field: "from_date", Code: "required", Message: "reschedule from date is required"})
	case !found:
		add(&generic.ValidationError{Field: "from_date", Code: "not_a_due_date", Message: fmt.Sprintf("no installment is due on %s", sub.FromDate)})
	case inst.IsSettled():
		add(&generic.ValidationError{Field: "from_date", Code: "installment_settled", Message: fmt.Sprintf("installment %d is already repaid", inst.Number)})
	}

	if to, ok := c.NewDueDate.Get(); ok {
		if !to.After(sub.FromDate) {
			add(&generic.DateRangeError{Field: "new_due_date", Date: to, Bound: sub.FromDate, Message: "new due date must be after the reschedule from date"})
		} else if err := s.checkWindowOccurrence(ctx, loan, to); err != nil {
			add(err)
		}
	}
	if emi, ok := c.EMI.Get(); ok {
		if emi.Amount.Sign() <= 0 {
			add(&generic.ValidationError{Field: "emi", Code: "must_be_positive", Message: "new EMI must be positive"})
		}
		if until, bounded := emi.Until.Get(); bounded && until.Before(sub.FromDate) {
			add(&generic.DateRangeError{Field: "emi_end_date", Date: until, Bound: sub.FromDate, Message: "EMI end date precedes the from date"})
		}
	}
	if rate, ok := c.InterestRate.Get(); ok && rate.Sign() < 0 {
		add(&generic.ValidationError{Field: "interest_rate", Code: "negative", Message: "interest rate cannot be negative"})
	}
	counts := []struct {
		field string
		n     int
	}{{"grace_on_principal", c.GraceOnPrincipal}, {"grace_on_interest", c.GraceOnInterest}, {"extra_terms", c.ExtraTerms}}
	for _, cnt := range counts {
		if cnt.n < 0 {
			add(&generic.ValidationError{Field: cnt.field, Code: "negative", Message: cnt.field + " cannot be negative"})
		}
	}
	if rule, ok := c.RepaymentRule.Get(); ok {
		if !rule.IsRepeating() {
			add(&generic.ValidationError{Field: "repayment_rule", Code: "not_repeating", Message: "new repayment rule must repeat"})
		} else if err := rule.Validate(); err != nil {
			add(err)
		}
	}

	pending, err := s.store.ListRequests(ctx, loan.ID)
	if err != nil {
		return inst, fmt.Errorf("failed to load reschedule requests: %w", err)
	}
	for _, r := range pending {
		if r.IsPending() {
			add(&generic.ValidationError{Field: "loan", Code: "pending_request_exists", Message: fmt.Sprintf("request %s is still awaiting a decision", r.ID)})
			break
		}
	}
	return inst, errs
}

// checkWindowOccurrence requires a synced loan's new due date to be a
// meeting of its window.
func (s *Service) checkWindowOccurrence(ctx context.Context, loan *Loan, date generic.Date) error {
	windowID, ok := loan.WindowID.Get()
	if !ok {
		return nil
	}
	w, err := s.store.GetWindow(ctx, windowID)
	if err != nil {
		return err
	}
	if !w.IsValidOccurrence(date, s.policy) {
		return &generic.ValidationError{Field: "new_due_date", Code: "not_a_window_occurrence", Message: fmt.Sprintf("%s is not an occurrence of window %s", date, windowID)}
	}
	return nil
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

// Approve activates the request's variations and regenerates the loan's
// schedule. The archive, variations, installments and request status are
// written in one transaction.
func (s *Service) Approve(ctx context.Context, id RequestID, by generic.Actor) (ApprovalResult, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return ApprovalResult{}, err
	}
	if !req.IsPending() {
		return ApprovalResult{}, req.terminalError("approve")
	}
	decision := generic.Decision{By: by, On: s.clock.Today()}

	var plan ApprovalPlan
	err = s.store.WithTx(ctx, func(tx Store) error {
		// Re-read inside the transaction so two approvals cannot both pass.
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsPending() {
			return req.terminalError("approve")
		}
		loan, err := tx.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		if loan.Status.IsTerminal() {
			return &generic.DomainRuleError{Code: "loan_not_active", Message: fmt.Sprintf("loan %s is %s", loan.ID, loan.Status)}
		}
		if err := s.checkCadenceChange(ctx, tx, loan, req); err != nil {
			return err
		}
		vs, err := tx.ListVariations(ctx, loan.ID)
		if err != nil {
			return fmt.Errorf("failed to load term variations: %w", err)
		}

		plan, err = PlanApproval(loan, *req, vs, s.adjuster, decision)
		if err != nil {
			return err
		}
		return commit(ctx, tx, plan)
	})
	if err != nil {
		return ApprovalResult{}, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":   id,
		"loan_id":      plan.Loan.ID,
		"pivot":        plan.Pivot,
		"activated":    len(plan.Activated),
		"deactivated":  len(plan.Deactivated),
		"remapped":     len(plan.Remapped),
		"replay":       len(plan.ChangedTransactions),
		"installments": len(plan.Installments),
	}).Info("reschedule request approved")
	return plan.ApprovalResult, nil
}

// checkCadenceChange forbids frequency or interval changes on loans whose
// window is shared with other active entities.
func (s *Service) checkCadenceChange(ctx context.Context, tx Store, loan *Loan, req *Request) error {
	if !req.ChangesCadence(loan.Rule()) {
		return nil
	}
	windowID, ok := loan.WindowID.Get()
	if !ok {
		return nil
	}
	links, err := tx.ListLinks(ctx, windowID)
	if err != nil {
		return fmt.Errorf("failed to load window links: %w", err)
	}
	if calendar.SharedWith(links, calendar.EntityLoan, string(loan.ID)) {
		return &generic.DomainRuleError{
			Code:    "window_shared",
			Message: fmt.Sprintf("loan %s follows window %s with other entities; its frequency and interval cannot change", loan.ID, windowID),
		}
	}
	return nil
}

func commit(ctx context.Context, tx Store, plan ApprovalPlan) error {
	if err := tx.ArchiveSchedule(ctx, plan.Archive); err != nil {
		return fmt.Errorf("failed to archive schedule: %w", err)
	}
	if err := tx.SaveVariations(ctx, plan.Variations); err != nil {
		return fmt.Errorf("failed to save term variations: %w", err)
	}
	if err := tx.SaveLoan(ctx, plan.Loan); err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return tx.SaveRequest(ctx, &plan.Request)
}

// Reject closes the request and deactivates its variations. The schedule
// is not touched.
func (s *Service) Reject(ctx context.Context, id RequestID, by generic.Actor) (*Request, error) {
	var rejected *Request
	err := s.store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsPending() {
			return req.terminalError("reject")
		}
		vs, err := tx.ListVariations(ctx, req.LoanID)
		if err != nil {
			return fmt.Errorf("failed to load term variations: %w", err)
		}
		arena := variation.NewArena(vs...)
		if err := arena.SetActive(false, req.VariationIDs...); err != nil {
			return err
		}
		var owned []variation.TermVariation
		for _, vid := range req.VariationIDs {
			v, _ := arena.Get(vid)
			owned = append(owned, *v)
		}
		if err := tx.SaveVariations(ctx, owned); err != nil {
			return fmt.Errorf("failed to save term variations: %w", err)
		}

		req.Status = StatusRejected
		req.Rejected = mo.Some(generic.Decision{By: by, On: s.clock.Today()})
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		rejected = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"request_id": id, "loan_id": rejected.LoanID, "by": by}).Info("reschedule request rejected")
	return rejected, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id RequestID) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) ListByLoan(ctx context.Context, loanID generic.LoanID) ([]Request, error) {
	if _, err := s.store.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, loanID)
}

// Pending lists every request awaiting a decision.
func (s *Service) Pending(ctx context.Context) ([]Request, error) {
	return s.store.ListPendingRequests(ctx)
}
