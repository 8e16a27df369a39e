/*
handlers.go - HTTP API handlers for the reschedule engine

PURPOSE:
  Exposes schedule windows, loans and the reschedule workflow via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the calendar and reschedule services.

ENDPOINTS:
  Windows:
    POST   /api/windows                    Create window
    GET    /api/windows/{id}               Window with history
    POST   /api/windows/{id}/anchor        Move the anchor date
    POST   /api/windows/{id}/rule          Replace the rule
    GET    /api/windows/{id}/occurrences   Valid dates in [from, to)
    GET    /api/windows/{id}/valid         Is ?date= an occurrence
    GET    /api/windows/{id}/entities      Sync table rows
    POST   /api/windows/{id}/entities      Sync (or unsync) an entity

  Loans:
    POST   /api/loans                      Open a loan
    GET    /api/loans/{id}                 Loan with installments
    GET    /api/loans/{id}/schedule        Schedule, totals and archives

  Reschedules:
    POST   /api/loans/{id}/reschedules     Submit a request
    GET    /api/loans/{id}/reschedules     Requests of a loan
    GET    /api/reschedules/pending        Requests awaiting a decision
    GET    /api/reschedules/{id}           One request
    POST   /api/reschedules/{id}/approve   Approve and regenerate
    POST   /api/reschedules/{id}/reject    Reject

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert DTO to domain input (rule text is parsed strictly)
  3. Call the service
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with the status of their class:
  - 400: Validation errors, date range errors, malformed JSON
  - 404: Resource not found
  - 409: Persistence conflict
  - 422: Domain rule violation
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/mo"
	"github.com/sirupsen/logrus"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/reschedule"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Windows     *calendar.Service
	Reschedules *reschedule.Service

	// Rounding is applied to loans opened through the API.
	Rounding generic.RoundingContext

	Log logrus.FieldLogger
}

// NewHandler creates a handler over the two services.
func NewHandler(windows *calendar.Service, reschedules *reschedule.Service, rounding generic.RoundingContext, log logrus.FieldLogger) *Handler {
	return &Handler{Windows: windows, Reschedules: reschedules, Rounding: rounding, Log: log}
}

// =============================================================================
// WINDOW HANDLERS
// =============================================================================

// CreateWindow creates a schedule window.
// POST /api/windows
func (h *Handler) CreateWindow(w http.ResponseWriter, r *http.Request) {
	var req CreateWindowRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := recurrence.Parse(req.Rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	created, err := h.Windows.Create(r.Context(), calendar.Window{
		ID:         calendar.WindowID(req.ID),
		Kind:       calendar.Kind(req.Kind),
		Title:      req.Title,
		AnchorDate: req.AnchorDate,
		EndDate:    optionalDate(req.EndDate),
		Repeating:  req.Repeating,
		Rule:       rule,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWindowDTO(created))
}

// GetWindow returns a window with its history.
// GET /api/windows/{id}
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	win, err := h.Windows.Get(r.Context(), windowID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowDTO(win))
}

// MoveAnchor re-anchors a window.
// POST /api/windows/{id}/anchor
func (h *Handler) MoveAnchor(w http.ResponseWriter, r *http.Request) {
	var req MoveAnchorRequest
	if !decode(w, r, &req) {
		return
	}
	win, update, err := h.Windows.MoveAnchor(r.Context(), windowID(r), req.AnchorDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleUpdateDTO(win, update))
}

// ChangeRule replaces a window's rule from a date.
// POST /api/windows/{id}/rule
func (h *Handler) ChangeRule(w http.ResponseWriter, r *http.Request) {
	var req ChangeRuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := recurrence.Parse(req.Rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	win, update, err := h.Windows.ChangeRule(r.Context(), windowID(r), rule, req.EffectiveFrom)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleUpdateDTO(win, update))
}

// Occurrences lists a window's valid dates.
// GET /api/windows/{id}/occurrences?from=2024-01-01&to=2024-07-01
func (h *Handler) Occurrences(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dates, err := h.Windows.Occurrences(r.Context(), windowID(r), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if dates == nil {
		dates = []generic.Date{}
	}
	writeJSON(w, http.StatusOK, OccurrencesDTO{WindowID: string(windowID(r)), From: from, To: to, Dates: dates})
}

// ValidOccurrence reports whether a date is an occurrence of the window.
// GET /api/windows/{id}/valid?date=2024-03-01
func (h *Handler) ValidOccurrence(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r, "date")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok, err := h.Windows.IsValidOccurrence(r.Context(), windowID(r), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "valid": ok})
}

// ListEntities returns the window's sync table.
// GET /api/windows/{id}/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	id := windowID(r)
	if _, err := h.Windows.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	links, err := h.Windows.Links(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]LinkDTO, len(links))
	for i, l := range links {
		dtos[i] = LinkDTO{EntityType: string(l.EntityType), EntityID: l.EntityID, Active: l.Active}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": dtos})
}

// LinkEntity syncs an entity to a window.
// POST /api/windows/{id}/entities
func (h *Handler) LinkEntity(w http.ResponseWriter, r *http.Request) {
	var req LinkEntityRequest
	if !decode(w, r, &req) {
		return
	}
	link := calendar.EntityLink{
		WindowID:   windowID(r),
		EntityType: calendar.EntityType(req.EntityType),
		EntityID:   req.EntityID,
		Active:     req.Active == nil || *req.Active,
	}
	if err := h.Windows.Link(r.Context(), link); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LinkDTO{EntityType: string(link.EntityType), EntityID: link.EntityID, Active: link.Active})
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// CreateLoan opens a loan and generates its schedule.
// POST /api/loans
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := recurrence.Parse(req.Rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	nl := reschedule.NewLoan{
		ID: generic.LoanID(req.ID),
		Terms: amortization.Terms{
			Principal:          req.Principal,
			AnnualRate:         req.AnnualRate,
			Rule:               rule,
			DisbursementDate:   req.DisbursementDate,
			FirstRepaymentDate: req.FirstRepaymentDate,
			NumberOfRepayments: req.NumberOfRepayments,
		},
		Rounding: mo.Some(h.Rounding),
	}
	if req.WindowID != "" {
		nl.WindowID = mo.Some(calendar.WindowID(req.WindowID))
	}

	loan, err := h.Reschedules.OpenLoan(r.Context(), nl)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// GetLoan returns a loan with its current installments.
// GET /api/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Reschedules.GetLoan(r.Context(), loanID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// GetSchedule returns the current schedule, its totals and every archived
// version.
// GET /api/loans/{id}/schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loan, err := h.Reschedules.GetLoan(ctx, loanID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	archives, err := h.Reschedules.Archives(ctx, loan.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto := ScheduleDTO{
		LoanID:         string(loan.ID),
		TotalPrincipal: amortization.TotalPrincipal(loan.Installments),
		TotalInterest:  amortization.TotalInterest(loan.Installments),
		Installments:   toInstallmentDTOs(loan.Installments),
		Archives:       make([]ArchiveDTO, len(archives)),
	}
	for i, a := range archives {
		dto.Archives[i] = ArchiveDTO{RequestID: a.RequestID, ArchivedOn: a.ArchivedOn, Installments: toInstallmentDTOs(a.Installments)}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// RESCHEDULE HANDLERS
// =============================================================================

// SubmitReschedule records a pending reschedule request.
// POST /api/loans/{id}/reschedules
func (h *Handler) SubmitReschedule(w http.ResponseWriter, r *http.Request) {
	var req SubmitRescheduleRequest
	if !decode(w, r, &req) {
		return
	}

	changes := reschedule.Changes{
		NewDueDate:       optionalDate(req.NewDueDate),
		GraceOnPrincipal: req.GraceOnPrincipal,
		GraceOnInterest:  req.GraceOnInterest,
		ExtraTerms:       req.ExtraTerms,
	}
	if req.EMI != nil {
		changes.EMI = mo.Some(reschedule.EMIChange{Amount: *req.EMI, Until: optionalDate(req.EMIEndDate)})
	}
	if req.InterestRate != nil {
		changes.InterestRate = mo.Some(*req.InterestRate)
	}
	if req.RepaymentRule != "" {
		rule, err := recurrence.Parse(req.RepaymentRule)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		changes.RepaymentRule = mo.Some(rule)
	}

	created, err := h.Reschedules.Create(r.Context(), reschedule.Submission{
		LoanID:              loanID(r),
		FromDate:            req.FromDate,
		Reason:              req.Reason,
		RecalculateInterest: req.RecalculateInterest,
		Changes:             changes,
		SubmittedBy:         actorOr(req.SubmittedBy),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRescheduleDTO(created))
}

// ListLoanReschedules returns every request of a loan.
// GET /api/loans/{id}/reschedules
func (h *Handler) ListLoanReschedules(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Reschedules.ListByLoan(r.Context(), loanID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": toRescheduleDTOs(reqs)})
}

// ListPendingReschedules returns all requests awaiting a decision.
// GET /api/reschedules/pending
func (h *Handler) ListPendingReschedules(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Reschedules.Pending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": toRescheduleDTOs(reqs)})
}

// GetReschedule returns one request.
// GET /api/reschedules/{id}
func (h *Handler) GetReschedule(w http.ResponseWriter, r *http.Request) {
	req, err := h.Reschedules.Get(r.Context(), requestID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRescheduleDTO(req))
}

// ApproveReschedule approves a pending request and regenerates the schedule.
// POST /api/reschedules/{id}/approve
func (h *Handler) ApproveReschedule(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := requestID(r)

	result, err := h.Reschedules.Approve(ctx, id, actorOr(req.Actor))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	approved, err := h.Reschedules.Get(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(approved, result))
}

// RejectReschedule rejects a pending request.
// POST /api/reschedules/{id}/reject
func (h *Handler) RejectReschedule(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	rejected, err := h.Reschedules.Reject(r.Context(), requestID(r), actorOr(req.Actor))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRescheduleDTO(rejected))
}

// =============================================================================
// HELPERS
// =============================================================================

func windowID(r *http.Request) calendar.WindowID {
	return calendar.WindowID(chi.URLParam(r, "id"))
}

func loanID(r *http.Request) generic.LoanID {
	return generic.LoanID(chi.URLParam(r, "id"))
}

func requestID(r *http.Request) reschedule.RequestID {
	return reschedule.RequestID(chi.URLParam(r, "id"))
}

func actorOr(name string) generic.Actor {
	if name == "" {
		return "admin"
	}
	return generic.Actor(name)
}

func toRescheduleDTOs(reqs []reschedule.Request) []RescheduleDTO {
	dtos := make([]RescheduleDTO, len(reqs))
	for i := range reqs {
		dtos[i] = toRescheduleDTO(&reqs[i])
	}
	return dtos
}

func queryDate(r *http.Request, name string) (generic.Date, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return generic.Date{}, &generic.ValidationError{Field: name, Code: "required", Message: fmt.Sprintf("query parameter %q is required", name)}
	}
	d, err := generic.ParseDate(raw)
	if err != nil {
		return generic.Date{}, &generic.ValidationError{Field: name, Code: "invalid_date", Message: fmt.Sprintf("%q is not a date (YYYY-MM-DD)", raw)}
	}
	return d, nil
}

// decode reads a required JSON body and answers 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

// fail maps an error to its status and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError || status == http.StatusConflict {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	if status == http.StatusInternalServerError {
		writeJSON(w, status, ErrorResponse{Error: message})
		return
	}
	writeError(w, status, message, err)
}

func classify(err error) (int, string) {
	switch {
	case generic.IsClientError(err):
		return http.StatusBadRequest, "Invalid request"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case generic.IsDomainRule(err):
		return http.StatusUnprocessableEntity, "Domain rule violation"
	case generic.IsConflict(err):
		return http.StatusConflict, "Conflict"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = generic.Details(err)
	}
	writeJSON(w, status, resp)
}
