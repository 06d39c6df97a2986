package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains all the models under the `flow` schema

type ExecutionStatus string

const (
	EsPending   ExecutionStatus = "pending"
	EsRunning   ExecutionStatus = "running"
	EsCompleted ExecutionStatus = "completed"
	EsFailed    ExecutionStatus = "failed"
	EsCancelled ExecutionStatus = "cancelled"
)

// Terminal returns true when the status permits no further transitions
func (s ExecutionStatus) Terminal() bool {
	return s == EsCompleted || s == EsFailed || s == EsCancelled
}

type TriggerType string

const (
	TriggerAPI       TriggerType = "api"
	TriggerScheduled TriggerType = "scheduled"
)

// Execution is a models representing the `flow.execution` table. The JobID is the public
// identifier; ID is only a surrogate key for the foreign keys hanging off it.
type Execution struct {
	ID          int64           `db:"id"`
	JobID       string          `db:"job_id"`
	Status      ExecutionStatus `db:"status"`
	Inputs      []byte          `db:"inputs"`
	Result      []byte          `db:"result"`
	Error       null.String     `db:"error"`
	RunName     null.String     `db:"run_name"`
	TriggerType TriggerType     `db:"trigger_type"`
	CreatedAt   time.Time       `db:"created_at"`
	StartedAt   null.Time       `db:"started_at"`
	CompletedAt null.Time       `db:"completed_at"`
}

type TaskState string

const (
	// Tasks have no pending state. A row is created at running when the task is
	// dispatched to the engine.
	TsRunning   TaskState = "running"
	TsCompleted TaskState = "completed"
	TsFailed    TaskState = "failed"
)

// Terminal returns true when the task state permits no further transitions
func (s TaskState) Terminal() bool {
	return s == TsCompleted || s == TsFailed
}

// TaskStatus is a models representing the `flow.task_status` table. (job_id, task_key)
// is unique per execution.
type TaskStatus struct {
	ID          int64       `db:"id"`
	JobID       string      `db:"job_id"`
	TaskKey     string      `db:"task_key"`
	AgentName   null.String `db:"agent_name"`
	Status      TaskState   `db:"status"`
	StartedAt   time.Time   `db:"started_at"`
	CompletedAt null.Time   `db:"completed_at"`
}

// ErrorTrace is a models representing the `flow.error_trace` table. Rows are append-only
// and never updated.
type ErrorTrace struct {
	ID           int64     `db:"id"`
	JobID        string    `db:"job_id"`
	TaskKey      string    `db:"task_key"`
	ErrorType    string    `db:"error_type"`
	ErrorMessage string    `db:"error_message"`
	Metadata     []byte    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
}

// Schedule is a models representing the `flow.schedule` table
type Schedule struct {
	ID             int64     `db:"id"`
	Name           string    `db:"name"`
	CronExpression string    `db:"cron_expression"`
	JobConfig      []byte    `db:"job_config"`
	IsActive       bool      `db:"is_active"`
	LastRunAt      null.Time `db:"last_run_at"`
	NextRunAt      null.Time `db:"next_run_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
