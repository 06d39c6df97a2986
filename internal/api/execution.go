package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"flowrunner/internal/execution"
	"flowrunner/internal/flow"
	"flowrunner/internal/models"
	"flowrunner/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ExecutionService is the slice of the execution manager the HTTP layer needs
type ExecutionService interface {
	Create(ctx context.Context, jobID, runName string, inputs json.RawMessage, trigger models.TriggerType) (*models.Execution, error)
	Dispatch(ctx context.Context, jobID string, prepared *flow.PreparedFlow, observerConfig json.RawMessage) error
	Get(ctx context.Context, jobID string) (*models.Execution, error)
	List(ctx context.Context) ([]models.Execution, error)
	Tasks(ctx context.Context, jobID string) ([]models.TaskStatus, error)
	Cancel(ctx context.Context, jobID string) (*models.Execution, error)
	Delete(ctx context.Context, jobID string) error
}

type ExecutionRouter struct {
	ctx     context.Context
	service ExecutionService
	router  chi.Router
}

func (e *ExecutionRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	e.router.ServeHTTP(writer, request)
}

func NewExecutionRouter(ctx context.Context, service ExecutionService, router chi.Router) *ExecutionRouter {
	r := &ExecutionRouter{
		ctx:     ctx,
		service: service,
		router:  router,
	}
	r.router.Post("/", r.CreateExecution)
	r.router.Get("/", r.ListExecutions)
	r.router.Get("/{jobID}", r.GetExecution)
	r.router.Get("/{jobID}/tasks", r.GetExecutionTasks)
	r.router.Post("/{jobID}/cancel", r.CancelExecution)
	r.router.Delete("/{jobID}", r.DeleteExecution)

	return r
}

// CreateExecution validates the submitted flow, registers the execution and
// dispatches it. A flow that fails validation is rejected before anything is
// persisted, so a bad request leaves no partial state behind.
func (e *ExecutionRouter) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var payload CreateExecution
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	prepared, err := flow.Prepare(payload.definition())
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid flow definition: %v", err), http.StatusBadRequest)
		return
	}

	created, err := e.service.Create(e.ctx, payload.JobID, payload.RunName, payload.Inputs, models.TriggerAPI)
	if err != nil {
		http.Error(w, "Could not create execution", http.StatusInternalServerError)
		log.Error().Err(err).Msg("Could not create execution")
		return
	}

	if err := e.service.Dispatch(e.ctx, created.JobID, prepared, payload.Observers); err != nil {
		if execution.IsEngineError(err) {
			http.Error(w, "Execution engine unavailable", http.StatusBadGateway)
		} else {
			http.Error(w, fmt.Sprintf("Could not dispatch execution: %v", err), http.StatusInternalServerError)
		}
		log.Error().Err(err).Str("job_id", created.JobID).Msg("Could not dispatch execution")
		return
	}

	updated, err := e.service.Get(e.ctx, created.JobID)
	if err != nil {
		http.Error(w, "Dispatch was successful but could not get execution", http.StatusInternalServerError)
		return
	}
	serveJsonStatus(w, http.StatusCreated, updated)
}

func (e *ExecutionRouter) ListExecutions(w http.ResponseWriter, _ *http.Request) {
	executions, err := e.service.List(e.ctx)
	if err != nil {
		http.Error(w, "Failed to fetch executions", http.StatusInternalServerError)
		log.Error().Err(err).Msg("Failed to fetch executions")
		return
	}
	serveJson(w, executions)
}

func (e *ExecutionRouter) GetExecution(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	found, err := e.service.Get(e.ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Execution not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch execution", http.StatusInternalServerError)
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to fetch execution")
		}
		return
	}
	serveJson(w, found)
}

func (e *ExecutionRouter) GetExecutionTasks(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	tasks, err := e.service.Tasks(e.ctx, jobID)
	if err != nil {
		http.Error(w, "Failed to fetch task statuses", http.StatusInternalServerError)
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to fetch task statuses")
		return
	}
	serveJson(w, tasks)
}

// CancelExecution latches the execution into cancelled. Cancelling an
// execution that already reached a terminal state is a conflict, not an error
// that changes anything.
func (e *ExecutionRouter) CancelExecution(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	cancelled, err := e.service.Cancel(e.ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "Execution not found", http.StatusNotFound)
		case errors.Is(err, store.ErrStaleTransition):
			http.Error(w, "Execution already finished", http.StatusConflict)
		default:
			http.Error(w, "Failed to cancel execution", http.StatusInternalServerError)
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel execution")
		}
		return
	}
	serveJson(w, cancelled)
}

func (e *ExecutionRouter) DeleteExecution(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := e.service.Delete(e.ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Execution not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to delete execution", http.StatusInternalServerError)
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete execution")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
