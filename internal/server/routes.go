package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w)
	})
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/checkpoints", s.getCheckpoints)
			r.Get("/events", s.sessionEvents)

			r.Post("/messages", s.sendMessage)
			r.Post("/queue", s.queueMessage)
			r.Post("/cancel", s.cancelTurn)
			r.Post("/interrupt", s.interruptTurn)
			r.Post("/reset", s.resetSession)
			r.Post("/clear", s.clearSession)
			r.Post("/resume-previous", s.resumePrevious)
			r.Post("/rewind", s.rewindSession)

			r.Post("/permissions/{requestID}", s.respondPermission)
		})
	})

	r.Get("/events", s.globalEvents)
}
