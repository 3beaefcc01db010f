// Package http wires the relay's public surface: dashboard endpoints,
// manual lead intake, and SMS provider webhooks.
package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the chi router for the public API.
func NewRouter(leads *LeadsHandler, incoming *IncomingHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", leads.HandleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/leads/recent", leads.HandleRecentLeads)
		r.Get("/stats", leads.HandleStats)
		r.Post("/leads", leads.HandleSubmitLead)
	})

	r.Route("/webhooks/sms/{provider_name}", func(r chi.Router) {
		r.Post("/status", incoming.HandleDLRStatus)
		r.Post("/inbound", incoming.HandleInbound)
	})

	return r
}
