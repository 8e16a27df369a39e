/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract:
  - Rules travel as RRULE text, never as structs
  - Amounts travel as decimal strings, never as floats
  - Optional values are pointers or omitted, never mo.Option

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Windows:
    WindowDTO, CreateWindowRequest, MoveAnchorRequest, ChangeRuleRequest,
    RuleUpdateDTO, LinkEntityRequest, OccurrencesDTO

  Loans:
    LoanDTO, CreateLoanRequest, InstallmentDTO

  Reschedules:
    SubmitRescheduleRequest, RescheduleDTO, DecisionRequest, ApprovalDTO

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/reschedule"
	"github.com/warp/reschedule-engine/variation"
)

// =============================================================================
// WINDOWS
// =============================================================================

type WindowDTO struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Title      string        `json:"title,omitempty"`
	AnchorDate generic.Date  `json:"anchor_date"`
	EndDate    *generic.Date `json:"end_date,omitempty"`
	Repeating  bool          `json:"repeating"`
	Rule       string        `json:"rule"`
	History    []HistoryDTO  `json:"history"`
	CreatedOn  generic.Date  `json:"created_on"`
	UpdatedOn  generic.Date  `json:"updated_on"`
}

type HistoryDTO struct {
	Rule        string       `json:"rule"`
	AnchorDate  generic.Date `json:"anchor_date"`
	WindowStart generic.Date `json:"window_start"`
	WindowEnd   generic.Date `json:"window_end"`
}

// CreateWindowRequest is the request to create a window.
type CreateWindowRequest struct {
	ID         string        `json:"id,omitempty"`
	Kind       string        `json:"kind"`
	Title      string        `json:"title"`
	AnchorDate generic.Date  `json:"anchor_date"`
	EndDate    *generic.Date `json:"end_date,omitempty"`
	Repeating  bool          `json:"repeating"`
	Rule       string        `json:"rule"`
}

type MoveAnchorRequest struct {
	AnchorDate generic.Date `json:"anchor_date"`
}

type ChangeRuleRequest struct {
	Rule          string       `json:"rule"`
	EffectiveFrom generic.Date `json:"effective_from"`
}

// RuleUpdateDTO reports an anchor move or rule change.
type RuleUpdateDTO struct {
	Window           WindowDTO    `json:"window"`
	PreviousAnchor   generic.Date `json:"previous_anchor"`
	Anchor           generic.Date `json:"anchor"`
	PreviousRule     string       `json:"previous_rule"`
	Rule             string       `json:"rule"`
	Historized       bool         `json:"historized"`
	FrequencyChanged bool         `json:"frequency_changed"`
}

// LinkEntityRequest syncs an entity to a window. Active defaults to true.
type LinkEntityRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Active     *bool  `json:"active,omitempty"`
}

type LinkDTO struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Active     bool   `json:"active"`
}

type OccurrencesDTO struct {
	WindowID string         `json:"window_id"`
	From     generic.Date   `json:"from"`
	To       generic.Date   `json:"to"`
	Dates    []generic.Date `json:"dates"`
}

func toWindowDTO(w *calendar.Window) WindowDTO {
	dto := WindowDTO{
		ID:         string(w.ID),
		Kind:       string(w.Kind),
		Title:      w.Title,
		AnchorDate: w.AnchorDate,
		EndDate:    datePtr(w.EndDate),
		Repeating:  w.Repeating,
		Rule:       w.Rule.String(),
		History:    make([]HistoryDTO, len(w.History)),
		CreatedOn:  w.CreatedOn,
		UpdatedOn:  w.UpdatedOn,
	}
	for i, h := range w.History {
		dto.History[i] = HistoryDTO{
			Rule:        h.Rule.String(),
			AnchorDate:  h.AnchorDate,
			WindowStart: h.WindowStart,
			WindowEnd:   h.WindowEnd,
		}
	}
	return dto
}

func toRuleUpdateDTO(w *calendar.Window, u calendar.RuleUpdate) RuleUpdateDTO {
	return RuleUpdateDTO{
		Window:           toWindowDTO(w),
		PreviousAnchor:   u.PreviousAnchor,
		Anchor:           u.Anchor,
		PreviousRule:     u.PreviousRule.String(),
		Rule:             u.Rule.String(),
		Historized:       u.Snapshot.IsPresent(),
		FrequencyChanged: u.FrequencyChanged(),
	}
}

// =============================================================================
// LOANS
// =============================================================================

// CreateLoanRequest is the request to open a loan. Rounding fields fall
// back to the server's currency settings.
type CreateLoanRequest struct {
	ID                 string          `json:"id"`
	Principal          decimal.Decimal `json:"principal"`
	AnnualRate         decimal.Decimal `json:"annual_rate"`
	Rule               string          `json:"rule"`
	DisbursementDate   generic.Date    `json:"disbursement_date"`
	FirstRepaymentDate generic.Date    `json:"first_repayment_date"`
	NumberOfRepayments int             `json:"number_of_repayments"`
	WindowID           string          `json:"window_id,omitempty"`
}

type LoanDTO struct {
	ID                 string           `json:"id"`
	Status             string           `json:"status"`
	Principal          decimal.Decimal  `json:"principal"`
	AnnualRate         decimal.Decimal  `json:"annual_rate"`
	Rule               string           `json:"rule"`
	CurrentRule        string           `json:"current_rule"`
	Currency           string           `json:"currency"`
	DisbursementDate   generic.Date     `json:"disbursement_date"`
	FirstRepaymentDate generic.Date     `json:"first_repayment_date"`
	WindowID           string           `json:"window_id,omitempty"`
	Installments       []InstallmentDTO `json:"installments"`
}

type InstallmentDTO struct {
	Number        int             `json:"number"`
	FromDate      generic.Date    `json:"from_date"`
	DueDate       generic.Date    `json:"due_date"`
	Principal     decimal.Decimal `json:"principal"`
	Interest      decimal.Decimal `json:"interest"`
	Total         decimal.Decimal `json:"total"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	Outstanding   decimal.Decimal `json:"outstanding"`
}

// ScheduleDTO is the schedule view of a loan with its totals.
type ScheduleDTO struct {
	LoanID         string           `json:"loan_id"`
	TotalPrincipal decimal.Decimal  `json:"total_principal"`
	TotalInterest  decimal.Decimal  `json:"total_interest"`
	Installments   []InstallmentDTO `json:"installments"`
	Archives       []ArchiveDTO     `json:"archives"`
}

type ArchiveDTO struct {
	RequestID    string           `json:"request_id"`
	ArchivedOn   generic.Date     `json:"archived_on"`
	Installments []InstallmentDTO `json:"installments"`
}

func toLoanDTO(l *reschedule.Loan) LoanDTO {
	dto := LoanDTO{
		ID:                 string(l.ID),
		Status:             string(l.Status),
		Principal:          l.Terms.Principal,
		AnnualRate:         l.Terms.AnnualRate,
		Rule:               l.Terms.Rule.String(),
		CurrentRule:        l.Rule().String(),
		Currency:           l.Rounding.Currency,
		DisbursementDate:   l.Terms.DisbursementDate,
		FirstRepaymentDate: l.Terms.FirstRepaymentDate,
		Installments:       toInstallmentDTOs(l.Installments),
	}
	if id, ok := l.WindowID.Get(); ok {
		dto.WindowID = string(id)
	}
	return dto
}

func toInstallmentDTOs(is []amortization.Installment) []InstallmentDTO {
	out := make([]InstallmentDTO, len(is))
	for i, inst := range is {
		out[i] = InstallmentDTO{
			Number:        inst.Number,
			FromDate:      inst.FromDate,
			DueDate:       inst.DueDate,
			Principal:     inst.Principal,
			Interest:      inst.Interest,
			Total:         inst.Total(),
			PrincipalPaid: inst.PrincipalPaid,
			InterestPaid:  inst.InterestPaid,
			Outstanding:   inst.Outstanding(),
		}
	}
	return out
}

// =============================================================================
// RESCHEDULES
// =============================================================================

// SubmitRescheduleRequest carries the requested changes. Zero values mean
// "no change".
type SubmitRescheduleRequest struct {
	FromDate            generic.Date     `json:"from_date"`
	Reason              string           `json:"reason"`
	RecalculateInterest bool             `json:"recalculate_interest"`
	SubmittedBy         string           `json:"submitted_by"`
	NewDueDate          *generic.Date    `json:"new_due_date,omitempty"`
	EMI                 *decimal.Decimal `json:"emi,omitempty"`
	EMIEndDate          *generic.Date    `json:"emi_end_date,omitempty"`
	InterestRate        *decimal.Decimal `json:"interest_rate,omitempty"`
	GraceOnPrincipal    int              `json:"grace_on_principal,omitempty"`
	GraceOnInterest     int              `json:"grace_on_interest,omitempty"`
	ExtraTerms          int              `json:"extra_terms,omitempty"`
	RepaymentRule       string           `json:"repayment_rule,omitempty"`
}

type DecisionDTO struct {
	By string       `json:"by"`
	On generic.Date `json:"on"`
}

type RescheduleDTO struct {
	ID                  string       `json:"id"`
	LoanID              string       `json:"loan_id"`
	Status              string       `json:"status"`
	FromDate            generic.Date `json:"from_date"`
	FromInstallment     int          `json:"from_installment"`
	Reason              string       `json:"reason,omitempty"`
	RecalculateInterest bool         `json:"recalculate_interest"`
	RepaymentRule       string       `json:"repayment_rule,omitempty"`
	VariationIDs        []string     `json:"variation_ids"`
	Submitted           *DecisionDTO `json:"submitted,omitempty"`
	Approved            *DecisionDTO `json:"approved,omitempty"`
	Rejected            *DecisionDTO `json:"rejected,omitempty"`
}

// DecisionRequest names who approves or rejects.
type DecisionRequest struct {
	Actor string `json:"actor"`
}

type RemapDTO struct {
	VariationID string       `json:"variation_id"`
	From        generic.Date `json:"from"`
	To          generic.Date `json:"to"`
}

// ApprovalDTO is the response to an approval.
type ApprovalDTO struct {
	Request             RescheduleDTO    `json:"request"`
	Pivot               generic.Date     `json:"pivot"`
	Installments        []InstallmentDTO `json:"installments"`
	ChangedTransactions []string         `json:"changed_transactions"`
	Activated           []string         `json:"activated"`
	Deactivated         []string         `json:"deactivated"`
	Remapped            []RemapDTO       `json:"remapped"`
}

func toRescheduleDTO(r *reschedule.Request) RescheduleDTO {
	dto := RescheduleDTO{
		ID:                  string(r.ID),
		LoanID:              string(r.LoanID),
		Status:              string(r.Status),
		FromDate:            r.FromDate,
		FromInstallment:     r.FromInstallment,
		Reason:              r.Reason,
		RecalculateInterest: r.RecalculateInterest,
		VariationIDs:        idStrings(r.VariationIDs),
		Submitted:           toDecisionDTO(r.Submitted),
		Approved:            toDecisionDTO(r.Approved),
		Rejected:            toDecisionDTO(r.Rejected),
	}
	if rule, ok := r.RepaymentRule.Get(); ok {
		dto.RepaymentRule = rule.String()
	}
	return dto
}

func toApprovalDTO(r *reschedule.Request, res reschedule.ApprovalResult) ApprovalDTO {
	dto := ApprovalDTO{
		Request:             toRescheduleDTO(r),
		Pivot:               res.Pivot,
		Installments:        toInstallmentDTOs(res.Installments),
		ChangedTransactions: make([]string, len(res.ChangedTransactions)),
		Activated:           idStrings(res.Activated),
		Deactivated:         idStrings(res.Deactivated),
		Remapped:            make([]RemapDTO, len(res.Remapped)),
	}
	for i, tx := range res.ChangedTransactions {
		dto.ChangedTransactions[i] = string(tx.ID)
	}
	for i, m := range res.Remapped {
		dto.Remapped[i] = RemapDTO{VariationID: string(m.VariationID), From: m.From, To: m.To}
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func datePtr(d mo.Option[generic.Date]) *generic.Date {
	if v, ok := d.Get(); ok {
		return &v
	}
	return nil
}

func optionalDate(d *generic.Date) mo.Option[generic.Date] {
	if d == nil || d.IsZero() {
		return mo.None[generic.Date]()
	}
	return mo.Some(*d)
}

func toDecisionDTO(d mo.Option[generic.Decision]) *DecisionDTO {
	v, ok := d.Get()
	if !ok {
		return nil
	}
	return &DecisionDTO{By: string(v.By), On: v.On}
}

func idStrings(ids []variation.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
