package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/metrics", s.getMetrics)

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/cancel", s.cancelSession)
			r.Get("/snapshot", s.sessionSnapshot)

			// Event subscriptions
			r.Get("/event", s.sessionEvents)
			r.Get("/ws", s.sessionSocket)
		})
	})

	// Persisted turn records
	r.Route("/turn", func(r chi.Router) {
		r.Get("/", s.listTurns)
		r.Get("/{turnID}", s.getTurn)
	})
}
