package queue

import (
	"context"
	"encoding/json"
	"time"

	"flowrunner/internal/flow"
)

// DispatchMessage hands a prepared flow to the external execution engine
type DispatchMessage struct {
	JobID       string            `json:"job_id"`
	Flow        flow.PreparedFlow `json:"flow"`
	Inputs      json.RawMessage   `json:"inputs,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at"`
}

// Engine-reported lifecycle event types
const (
	EngineTaskStarted        = "task_started"
	EngineTaskCompleted      = "task_completed"
	EngineTaskFailed         = "task_failed"
	EngineExecutionCompleted = "execution_completed"
	EngineExecutionFailed    = "execution_failed"
)

// TaskEventMessage is one lifecycle event reported by the external engine
type TaskEventMessage struct {
	JobID     string          `json:"job_id"`
	TaskKey   string          `json:"task_key,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FeedbackMessage carries guardrail feedback back to the engine as corrective
// input for the task's next attempt
type FeedbackMessage struct {
	JobID    string `json:"job_id"`
	TaskKey  string `json:"task_key"`
	Feedback string `json:"feedback"`
	Attempt  int    `json:"attempt"`
}

// Client defines the interface for engine transport operations
type Client interface {
	PublishDispatch(ctx context.Context, message DispatchMessage) error
	PublishFeedback(ctx context.Context, message FeedbackMessage) error
	SubscribeTaskEvents(ctx context.Context, handler func(TaskEventMessage)) error
	PublishStream(ctx context.Context, jobID string, frame []byte) error
	Close() error
}
