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
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /health               Liveness probe
  /metrics              Prometheus metrics
  /api/residents/*      Resident registry
  /api/contracts/*      Funding contract lifecycle
  /api/balance/*        Portfolio aggregates and export
  /api/transactions/*   Transaction ledger
  /api/automations/*    Scheduled automations
  /api/scheduler/*      External tick trigger
  /api/scenarios/*      Demo scenarios (dev only)

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

// RouterConfig carries router-level settings that belong to no single
// handler.
type RouterConfig struct {
	// CORSOrigins lists allowed origins; empty means allow all.
	CORSOrigins []string

	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Resident routes
		r.Route("/residents", func(r chi.Router) {
			r.Get("/", h.ListResidents)
			r.Post("/", h.CreateResident)
			r.Get("/{id}", h.GetResident)
		})

		// Contract routes
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Get("/expiring", h.ListExpiringContracts)
			r.Get("/{id}", h.GetContract)
			r.Post("/{id}/activate", h.ActivateContract)
			r.Post("/{id}/status", h.UpdateContractStatus)
			r.Post("/{id}/renew", h.RenewContract)
			r.Get("/{id}/transactions", h.ListContractTransactions)
		})

		// Balance routes
		r.Route("/balance", func(r chi.Router) {
			r.Get("/summary", h.GetBalanceSummary)
			r.Get("/summary.xlsx", h.ExportBalanceSummary)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Post("/bulk", h.BulkTransactions)
			r.Get("/{id}", h.GetTransaction)
			r.Patch("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
			r.Post("/{id}/post", h.PostTransaction)
			r.Post("/{id}/void", h.VoidTransaction)
			r.Get("/{id}/audit", h.GetTransactionAudit)
		})

		// Automation routes
		r.Route("/automations", func(r chi.Router) {
			r.Get("/", h.ListAutomations)
			r.Post("/", h.CreateAutomation)
			r.Get("/{id}", h.GetAutomation)
			r.Post("/{id}/enable", h.EnableAutomation)
			r.Get("/{id}/runs", h.ListAutomationRuns)
		})

		// Scheduler routes
		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/tick", h.TickScheduler)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
