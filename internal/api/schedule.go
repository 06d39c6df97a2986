package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"flowrunner/internal/models"
	"flowrunner/internal/scheduler"
	"flowrunner/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
)

type ScheduleRouter struct {
	ctx       context.Context
	store     store.ScheduleStore
	evaluator *scheduler.Evaluator
	router    chi.Router
}

func (s *ScheduleRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.router.ServeHTTP(writer, request)
}

func NewScheduleRouter(ctx context.Context, scheduleStore store.ScheduleStore, evaluator *scheduler.Evaluator, router chi.Router) *ScheduleRouter {
	r := &ScheduleRouter{
		ctx:       ctx,
		store:     scheduleStore,
		evaluator: evaluator,
		router:    router,
	}
	r.router.Post("/", r.CreateSchedule)
	r.router.Get("/", r.ListSchedules)
	r.router.Get("/{scheduleID}", r.GetSchedule)
	r.router.Delete("/{scheduleID}", r.DeleteSchedule)
	r.router.Patch("/{scheduleID}/toggle", r.ToggleSchedule)

	return r
}

func (s *ScheduleRouter) getScheduleIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "scheduleID"), 10, 64)
}

// CreateSchedule registers a cron schedule. The expression is validated and the
// first firing time computed with the same evaluator the poller uses, so what
// the API accepts is exactly what will run.
func (s *ScheduleRouter) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var payload CreateSchedule
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, fmt.Sprintf("Invalid schedule: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.evaluator.Validate(payload.CronExpression); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	nextRunAt, err := s.evaluator.Next(payload.CronExpression, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.store.CreateSchedule(s.ctx, &models.Schedule{
		Name:           payload.Name,
		CronExpression: payload.CronExpression,
		JobConfig:      payload.JobConfig,
		IsActive:       true,
		NextRunAt:      null.TimeFrom(nextRunAt),
	})
	if err != nil {
		http.Error(w, "Could not create schedule", http.StatusInternalServerError)
		log.Error().Err(err).Str("name", payload.Name).Msg("Could not create schedule")
		return
	}
	serveJsonStatus(w, http.StatusCreated, created)
}

func (s *ScheduleRouter) ListSchedules(w http.ResponseWriter, _ *http.Request) {
	schedules, err := s.store.ListSchedules(s.ctx)
	if err != nil {
		http.Error(w, "Failed to fetch schedules", http.StatusInternalServerError)
		log.Error().Err(err).Msg("Failed to fetch schedules")
		return
	}
	serveJson(w, schedules)
}

func (s *ScheduleRouter) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := s.getScheduleIDParam(r)
	if err != nil {
		http.Error(w, "Invalid schedule ID", http.StatusBadRequest)
		return
	}

	schedule, err := s.store.GetSchedule(s.ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Schedule not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch schedule", http.StatusInternalServerError)
			log.Error().Err(err).Int64("schedule_id", id).Msg("Failed to fetch schedule")
		}
		return
	}
	serveJson(w, schedule)
}

func (s *ScheduleRouter) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := s.getScheduleIDParam(r)
	if err != nil {
		http.Error(w, "Invalid schedule ID", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteSchedule(s.ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Schedule not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to delete schedule", http.StatusInternalServerError)
			log.Error().Err(err).Int64("schedule_id", id).Msg("Failed to delete schedule")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleSchedule flips a schedule between active and paused. Reactivation
// computes next_run_at from now, so a schedule paused for a week does not fire
// a backlog of missed runs when it comes back.
func (s *ScheduleRouter) ToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := s.getScheduleIDParam(r)
	if err != nil {
		http.Error(w, "Invalid schedule ID", http.StatusBadRequest)
		return
	}

	schedule, err := s.store.GetSchedule(s.ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Schedule not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch schedule", http.StatusInternalServerError)
			log.Error().Err(err).Int64("schedule_id", id).Msg("Failed to fetch schedule")
		}
		return
	}

	nextRunAt, err := s.evaluator.Next(schedule.CronExpression, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	toggled, err := s.store.ToggleSchedule(s.ctx, id, nextRunAt)
	if err != nil {
		http.Error(w, "Failed to toggle schedule", http.StatusInternalServerError)
		log.Error().Err(err).Int64("schedule_id", id).Msg("Failed to toggle schedule")
		return
	}
	serveJson(w, toggled)
}
