/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/windows/*        Schedule windows and their sync table
  /api/loans/*          Loans, schedules, per-loan reschedules
  /api/reschedules/*    Request review (approve / reject)
  /healthz              Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
// allowedOrigins configures CORS; empty means localhost development origins.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Window routes
		r.Route("/windows", func(r chi.Router) {
			r.Post("/", h.CreateWindow)
			r.Get("/{id}", h.GetWindow)
			r.Post("/{id}/anchor", h.MoveAnchor)
			r.Post("/{id}/rule", h.ChangeRule)
			r.Get("/{id}/occurrences", h.Occurrences)
			r.Get("/{id}/valid", h.ValidOccurrence)
			r.Get("/{id}/entities", h.ListEntities)
			r.Post("/{id}/entities", h.LinkEntity)
		})

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.CreateLoan)
			r.Get("/{id}", h.GetLoan)
			r.Get("/{id}/schedule", h.GetSchedule)
			r.Post("/{id}/reschedules", h.SubmitReschedule)
			r.Get("/{id}/reschedules", h.ListLoanReschedules)
		})

		// Reschedule review routes
		r.Route("/reschedules", func(r chi.Router) {
			r.Get("/pending", h.ListPendingReschedules)
			r.Get("/{id}", h.GetReschedule)
			r.Post("/{id}/approve", h.ApproveReschedule)
			r.Post("/{id}/reject", h.RejectReschedule)
		})
	})

	return r
}
