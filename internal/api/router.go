package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/shellpipe/internal/auth"
	"github.com/nerrad567/shellpipe/internal/command"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.require(auth.PermQuery)).Post("/query", s.commandHandler(command.OpQuery))
			r.With(s.require(auth.PermExec)).Post("/exec", s.commandHandler(command.OpExec))
			r.With(s.require(auth.PermBatch)).Post("/batch", s.commandHandler(command.OpBatch))
			r.With(s.require(auth.PermRaw)).Post("/raw", s.commandHandler(command.OpRaw))

			r.With(s.require(auth.PermJournalRead)).Get("/journal", s.handleListJournal)
			r.With(s.require(auth.PermJournalRead)).Get("/metrics", s.handleMetrics)
			r.With(s.require(auth.PermJournalRead)).Get("/ws", s.handleWebSocket)
		})
	})

	return r
}
