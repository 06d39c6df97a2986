package broadcast

import (
	"context"
	"encoding/json"

	"flowrunner/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogObserver writes every lifecycle event to the structured log
type LogObserver struct {
	logger zerolog.Logger
}

func NewLogObserver(jobID string) *LogObserver {
	return &LogObserver{logger: log.With().Str("job_id", jobID).Logger()}
}

func (o *LogObserver) Name() string { return "logging" }

func (o *LogObserver) OnEvent(_ context.Context, event Event) error {
	evt := o.logger.Info().
		Str("event", string(event.Type)).
		Time("at", event.At)
	if event.TaskKey != "" {
		evt = evt.Str("task_key", event.TaskKey)
	}
	if event.AgentName != "" {
		evt = evt.Str("agent", event.AgentName)
	}
	evt.Msg(event.Message)
	return nil
}

func (o *LogObserver) Close() error { return nil }

// TraceSink receives the error trace rows the trace observer produces
type TraceSink interface {
	InsertErrorTrace(ctx context.Context, trace *models.ErrorTrace) error
}

// TraceObserver records failure events as append-only error traces
type TraceObserver struct {
	jobID string
	sink  TraceSink
}

func NewTraceObserver(jobID string, sink TraceSink) *TraceObserver {
	return &TraceObserver{jobID: jobID, sink: sink}
}

func (o *TraceObserver) Name() string { return "tracing" }

func (o *TraceObserver) OnEvent(ctx context.Context, event Event) error {
	var errType string
	switch event.Type {
	case TaskFailed:
		errType = "TaskFailed"
	case TaskRetrying:
		errType = "GuardrailFailure"
	case ExecutionFailed:
		errType = "ExecutionFailed"
	default:
		return nil
	}

	return o.sink.InsertErrorTrace(ctx, &models.ErrorTrace{
		JobID:        o.jobID,
		TaskKey:      event.TaskKey,
		ErrorType:    errType,
		ErrorMessage: event.Message,
		Metadata:     event.Payload,
	})
}

func (o *TraceObserver) Close() error { return nil }

// StreamPublisher carries event frames to a live output channel, e.g. a Redis
// list tailed by the frontend
type StreamPublisher interface {
	PublishStream(ctx context.Context, jobID string, frame []byte) error
}

// StreamObserver forwards every event as a JSON frame for live tailing
type StreamObserver struct {
	jobID     string
	publisher StreamPublisher
}

func NewStreamObserver(jobID string, publisher StreamPublisher) *StreamObserver {
	return &StreamObserver{jobID: jobID, publisher: publisher}
}

func (o *StreamObserver) Name() string { return "streaming" }

func (o *StreamObserver) OnEvent(ctx context.Context, event Event) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return o.publisher.PublishStream(ctx, o.jobID, frame)
}

func (o *StreamObserver) Close() error { return nil }
