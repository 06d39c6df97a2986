package store

import (
	"context"
	"errors"
	"time"

	"flowrunner/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when a unique constraint rejects an insert
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrStaleTransition is returned when a state change targets a row that has
	// already reached a terminal state
	ErrStaleTransition = errors.New("store: stale transition")
)

// ExecutionUpdate carries the fields of an execution status change. All fields are
// written in a single transaction; a failure rolls the whole update back.
type ExecutionUpdate struct {
	Status      models.ExecutionStatus
	Error       string
	Result      []byte
	StartedAt   time.Time
	CompletedAt time.Time
}

// ExecutionStore persists executions keyed by job identifier
type ExecutionStore interface {
	// CreateExecution inserts the execution. If a row with the same job_id already
	// exists it is returned unchanged and no new row is created.
	CreateExecution(ctx context.Context, execution *models.Execution) (*models.Execution, error)
	GetExecutionByJobID(ctx context.Context, jobID string) (*models.Execution, error)
	ListExecutions(ctx context.Context) ([]models.Execution, error)
	// UpdateExecutionStatus applies the update only while the execution is still
	// non-terminal. Updating a missing job returns ErrNotFound; updating a terminal
	// execution returns ErrStaleTransition.
	UpdateExecutionStatus(ctx context.Context, jobID string, update ExecutionUpdate) (*models.Execution, error)
	// DeleteExecutionCascade removes the execution and all of its task status and
	// error trace rows atomically.
	DeleteExecutionCascade(ctx context.Context, jobID string) error
}

// TaskStore persists per-task state within an execution
type TaskStore interface {
	// CreateTaskStatuses bulk-inserts the rows atomically. If any (job_id, task_key)
	// pair already exists, nothing is inserted and ErrAlreadyExists is returned.
	CreateTaskStatuses(ctx context.Context, statuses []models.TaskStatus) ([]models.TaskStatus, error)
	GetTaskStatus(ctx context.Context, jobID, taskKey string) (*models.TaskStatus, error)
	ListTaskStatuses(ctx context.Context, jobID string) ([]models.TaskStatus, error)
	// TransitionTask moves a running task to a terminal state. A missing row returns
	// ErrNotFound; a row that is already terminal returns ErrStaleTransition.
	TransitionTask(ctx context.Context, jobID, taskKey string, to models.TaskState, completedAt time.Time) (*models.TaskStatus, error)
	CountNonTerminalTasks(ctx context.Context, jobID string) (int, error)
	CountTasksInState(ctx context.Context, jobID string, state models.TaskState) (int, error)
	InsertErrorTrace(ctx context.Context, trace *models.ErrorTrace) error
}

// ScheduleStore persists cron schedules
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule *models.Schedule) (*models.Schedule, error)
	GetSchedule(ctx context.Context, id int64) (*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]models.Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error
	// ToggleSchedule flips is_active. nextRunAt applies only when the schedule comes
	// up active; it must be computed from the toggle time so that long-disabled
	// schedules do not fire a backlog of missed runs.
	ToggleSchedule(ctx context.Context, id int64, nextRunAt time.Time) (*models.Schedule, error)
	// ClaimDue atomically selects every active schedule whose next_run_at is at or
	// before now and advances last_run_at/next_run_at using the supplied evaluator
	// before returning it. A schedule claimed by one call can never be claimed again
	// for the same boundary.
	ClaimDue(ctx context.Context, now time.Time, next func(cronExpr string, from time.Time) (time.Time, error)) ([]models.Schedule, error)
}

// Store is the durable keyed store consumed by the orchestration core
type Store interface {
	ExecutionStore
	TaskStore
	ScheduleStore
}
