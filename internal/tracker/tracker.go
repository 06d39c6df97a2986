package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flowrunner/internal/flow"
	"flowrunner/internal/models"
	"flowrunner/internal/store"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
)

// StateError marks an illegal task state transition. Callers treat it as
// non-fatal: the attempt is logged and the execution carries on.
type StateError struct {
	JobID   string
	TaskKey string
	To      models.TaskState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s in job %s is terminal, cannot move to %s", e.TaskKey, e.JobID, e.To)
}

// IsStateError reports whether err is an illegal transition on a terminal task
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// Tracker owns the per-task state machine: running -> completed | failed.
// Transitions for the same (job, task_key) are serialized; different task keys
// proceed concurrently.
type Tracker struct {
	store store.TaskStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(taskStore store.TaskStore) *Tracker {
	return &Tracker{
		store: taskStore,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) keyLock(jobID, taskKey string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := jobID + "\x00" + taskKey
	lock, ok := t.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[key] = lock
	}
	return lock
}

// Release drops the transition locks held for the job. Called once the
// execution is terminal so the lock map does not grow with every job ever run.
// A late transition for a released job simply recreates its lock.
func (t *Tracker) Release(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := jobID + "\x00"
	for key := range t.locks {
		if strings.HasPrefix(key, prefix) {
			delete(t.locks, key)
		}
	}
}

// CreateForJob bulk-creates one running task row per dispatched task spec. It
// fails atomically when any row already exists for the job, which guards against
// a re-dispatch creating duplicate rows.
func (t *Tracker) CreateForJob(ctx context.Context, jobID string, specs []flow.TaskSpec) ([]models.TaskStatus, error) {
	statuses := make([]models.TaskStatus, 0, len(specs))
	for _, spec := range specs {
		statuses = append(statuses, models.TaskStatus{
			JobID:     jobID,
			TaskKey:   spec.Name,
			AgentName: null.StringFrom(spec.Agent),
			Status:    models.TsRunning,
		})
	}

	created, err := t.store.CreateTaskStatuses(ctx, statuses)
	if err != nil {
		return nil, fmt.Errorf("could not create task statuses for job %s: %w", jobID, err)
	}

	log.Info().
		Str("job_id", jobID).
		Int("tasks", len(created)).
		Msg("Created task status rows")
	return created, nil
}

// Transition moves the task to a terminal state. Repeated transition attempts on
// an already-terminal task return a StateError which callers log and ignore.
func (t *Tracker) Transition(ctx context.Context, jobID, taskKey string, to models.TaskState) (*models.TaskStatus, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("task transitions only target terminal states, got %q", to)
	}

	lock := t.keyLock(jobID, taskKey)
	lock.Lock()
	defer lock.Unlock()

	status, err := t.store.TransitionTask(ctx, jobID, taskKey, to, time.Now())
	switch {
	case errors.Is(err, store.ErrStaleTransition):
		log.Warn().
			Str("job_id", jobID).
			Str("task_key", taskKey).
			Str("to", string(to)).
			Msg("Ignoring transition on terminal task")
		return nil, &StateError{JobID: jobID, TaskKey: taskKey, To: to}
	case err != nil:
		return nil, err
	}

	log.Info().
		Str("job_id", jobID).
		Str("task_key", taskKey).
		Str("status", string(to)).
		Msg("Task transitioned")
	return status, nil
}

// List returns every task row for the job
func (t *Tracker) List(ctx context.Context, jobID string) ([]models.TaskStatus, error) {
	return t.store.ListTaskStatuses(ctx, jobID)
}

// AllTerminal is true iff every task row for the job is completed or failed
func (t *Tracker) AllTerminal(ctx context.Context, jobID string) (bool, error) {
	count, err := t.store.CountNonTerminalTasks(ctx, jobID)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// AnyFailed reports whether at least one task for the job ended in failure
func (t *Tracker) AnyFailed(ctx context.Context, jobID string) (bool, error) {
	count, err := t.store.CountTasksInState(ctx, jobID, models.TsFailed)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordErrorTrace appends an error trace row. It is best-effort and never fails
// the caller's flow.
func (t *Tracker) RecordErrorTrace(ctx context.Context, jobID, taskKey, errType, message string, metadata []byte) {
	trace := &models.ErrorTrace{
		JobID:        jobID,
		TaskKey:      taskKey,
		ErrorType:    errType,
		ErrorMessage: message,
		Metadata:     metadata,
	}
	if err := t.store.InsertErrorTrace(ctx, trace); err != nil {
		log.Error().
			Err(err).
			Str("job_id", jobID).
			Str("task_key", taskKey).
			Msg("Could not record error trace")
	}
}
