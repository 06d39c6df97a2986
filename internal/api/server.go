package api

import (
	"context"
	"encoding/json"
	"net/http"

	"flowrunner/internal/scheduler"
	"flowrunner/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Server struct {
	ctx    context.Context
	router *chi.Mux
}

// New creates a new API server instance
func New(ctx context.Context, service ExecutionService, schedules store.ScheduleStore, evaluator *scheduler.Evaluator) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/execution", NewExecutionRouter(ctx, service, chi.NewRouter()))
		r.Mount("/schedule", NewScheduleRouter(ctx, schedules, evaluator, chi.NewRouter()))
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
