package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/evaluation"
	"github.com/verisite/verisite-offline/internal/session"
	"github.com/verisite/verisite-offline/internal/syncengine"
)

// Server holds dependencies for the local operator surface. It binds to
// loopback only: this is a control plane for the device owner, not a
// network service.
type Server struct {
	Session *session.Manager
	Evals   *evaluation.Service
	Engine  *syncengine.Engine
	Queue   *syncengine.Queue
	Probe   *syncengine.Probe
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body with the given status code
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Routes creates the HTTP router for the operator surface
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.GetStatus)
		r.Post("/sync", s.TriggerSync)
		r.Post("/sync/retry/{itemID}", s.RetryStalled)

		r.Post("/login", s.Login)
		r.Post("/login/offline", s.LoginOffline)
		r.Post("/logout", s.Logout)

		r.Get("/evaluations", s.ListEvaluations)
		r.Post("/evaluations", s.CreateEvaluation)
		r.Get("/evaluations/{localID}", s.GetEvaluation)
		r.Delete("/evaluations/{localID}", s.DeleteEvaluation)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
