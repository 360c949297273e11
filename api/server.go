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
  1. Logger:      Request logging
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. RequestID:   Unique ID per request for tracing
  4. CORS:        Cross-origin requests
  5. RequireAuth: Bearer-token resolution to a Principal

ROUTE GROUPS:
  /ledger/*          Entries, balance, quota, credits
  /reconciliation/*  Multi-aspect sales and issue tooling
  /inventory/*       Stock management

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: TokenVerifier boundary
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, verifier TokenVerifier) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Use(RequireAuth(verifier))

	// Ledger routes
	r.Route("/ledger", func(r chi.Router) {
		r.Post("/income", h.CreateIncome)
		r.Post("/expenses", h.CreateExpense)
		r.Get("/balance", h.GetBalance)
		r.Get("/quota", h.GetQuota)
		r.Post("/credits", h.TopUpCredits)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", h.ListEntries)
			r.Put("/{id}", h.SupersedeEntry)
			r.Post("/{id}/void", h.VoidEntry)
			r.Get("/{rootId}/history", h.EntryHistory)
		})
	})

	// Reconciliation routes
	r.Route("/reconciliation", func(r chi.Router) {
		r.Post("/sales", h.Sell)
		r.Route("/issues", func(r chi.Router) {
			r.Get("/", h.ListIssues)
			r.Post("/{id}/resolve", h.ResolveIssue)
		})
	})

	// Inventory routes
	r.Route("/inventory", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
		})
	})

	return r
}
