package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowrunner/internal/broadcast"
	"flowrunner/internal/flow"
	"flowrunner/internal/guardrail"
	"flowrunner/internal/models"
	"flowrunner/internal/queue"
	"flowrunner/internal/store"
	"flowrunner/internal/tracker"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
)

// EngineError marks a failure of the transport to the external execution engine.
// It is infrastructural: the flow configuration and the recorded state are fine,
// the engine just could not be reached.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsEngineError reports whether err is an EngineError
func IsEngineError(err error) bool {
	var e *EngineError
	return errors.As(err, &e)
}

// Engine is the outbound half of the engine transport
type Engine interface {
	PublishDispatch(ctx context.Context, message queue.DispatchMessage) error
	PublishFeedback(ctx context.Context, message queue.FeedbackMessage) error
}

// Policy controls how an execution is finalized once every task is terminal
type Policy struct {
	// AllowPartialFailure marks the execution completed even when some tasks
	// failed. Off by default: any failed task fails the execution.
	AllowPartialFailure bool
	// GuardrailMaxRetries bounds the number of feedback rounds per task before a
	// rejected output fails the task outright
	GuardrailMaxRetries int
}

const defaultGuardrailMaxRetries = 3

// liveJob is the in-memory side of one running execution: its observers, the
// guardrails compiled from the flow definition and the per-task retry counters.
// Durable state lives in the store; losing a liveJob loses only guardrails and
// retry counts.
type liveJob struct {
	handlers   *broadcast.Handlers
	guardrails map[string]guardrail.Guardrail
	agents     map[string]string

	mu      sync.Mutex
	retries map[string]int
}

// agentFor backfills the agent name when the engine event omits it
func (j *liveJob) agentFor(taskKey, reported string) string {
	if reported != "" {
		return reported
	}
	return j.agents[taskKey]
}

func (j *liveJob) bumpRetry(taskKey string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retries[taskKey]++
	return j.retries[taskKey]
}

// Manager owns the execution lifecycle: it creates executions, dispatches
// prepared flows to the engine, folds engine events back into durable task and
// execution state and broadcasts every transition to the registered observers.
type Manager struct {
	store       store.ExecutionStore
	tracker     *tracker.Tracker
	engine      Engine
	broadcaster *broadcast.Manager
	counts      guardrail.CountSource
	policy      Policy

	mu   sync.Mutex
	jobs map[string]*liveJob
}

func NewManager(
	executionStore store.ExecutionStore,
	taskTracker *tracker.Tracker,
	engine Engine,
	broadcaster *broadcast.Manager,
	counts guardrail.CountSource,
	policy Policy,
) *Manager {
	if policy.GuardrailMaxRetries <= 0 {
		policy.GuardrailMaxRetries = defaultGuardrailMaxRetries
	}
	return &Manager{
		store:       executionStore,
		tracker:     taskTracker,
		engine:      engine,
		broadcaster: broadcaster,
		counts:      counts,
		policy:      policy,
		jobs:        make(map[string]*liveJob),
	}
}

// Create registers a new pending execution. An empty jobID gets a generated
// UUID. Creating the same jobID twice returns the existing execution unchanged,
// so retried requests cannot spawn duplicate runs.
func (m *Manager) Create(ctx context.Context, jobID, runName string, inputs json.RawMessage, trigger models.TriggerType) (*models.Execution, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if runName == "" {
		runName = "run-" + jobID[:8]
	}
	if trigger == "" {
		trigger = models.TriggerAPI
	}

	execution, err := m.store.CreateExecution(ctx, &models.Execution{
		JobID:       jobID,
		Status:      models.EsPending,
		Inputs:      inputs,
		RunName:     null.StringFrom(runName),
		TriggerType: trigger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create execution %s: %w", jobID, err)
	}
	return execution, nil
}

// Dispatch seeds the task rows for the prepared flow, moves the execution to
// running and hands the flow to the engine. The task rows are written before
// the engine sees the job so that engine events can never reference a task the
// tracker does not know about.
func (m *Manager) Dispatch(ctx context.Context, jobID string, prepared *flow.PreparedFlow, observerConfig json.RawMessage) error {
	specs := prepared.DispatchSet()
	if _, err := m.tracker.CreateForJob(ctx, jobID, specs); err != nil {
		return fmt.Errorf("could not seed tasks for %s: %w", jobID, err)
	}

	execution, err := m.store.UpdateExecutionStatus(ctx, jobID, store.ExecutionUpdate{
		Status:    models.EsRunning,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("could not start execution %s: %w", jobID, err)
	}

	job := m.registerJob(ctx, jobID, specs, observerConfig)
	job.handlers.Dispatch(broadcast.Event{
		JobID:   jobID,
		Type:    broadcast.ExecutionStarted,
		Message: execution.RunName.String,
	})
	for _, spec := range specs {
		job.handlers.Dispatch(broadcast.Event{
			JobID:     jobID,
			TaskKey:   spec.Name,
			AgentName: spec.Agent,
			Type:      broadcast.TaskStarted,
		})
	}

	if err := m.engine.PublishDispatch(ctx, queue.DispatchMessage{
		JobID:       jobID,
		Flow:        *prepared,
		Inputs:      execution.Inputs,
		ScheduledAt: time.Now().UTC(),
	}); err != nil {
		engineErr := &EngineError{Op: "dispatch", Err: err}
		if _, updateErr := m.UpdateStatus(ctx, jobID, models.EsFailed, engineErr.Error(), nil); updateErr != nil {
			log.Error().Err(updateErr).Str("job_id", jobID).Msg("Could not fail execution after dispatch error")
		}
		return engineErr
	}
	return nil
}

// registerJob builds the in-memory state for a dispatched execution. Guardrail
// configs that do not compile are logged and the task runs unguarded, matching
// the rule that a bad guardrail must never block the flow itself.
func (m *Manager) registerJob(ctx context.Context, jobID string, specs []flow.TaskSpec, observerConfig json.RawMessage) *liveJob {
	job := &liveJob{
		handlers:   m.broadcaster.Init(ctx, jobID, observerConfig),
		guardrails: make(map[string]guardrail.Guardrail),
		agents:     make(map[string]string),
		retries:    make(map[string]int),
	}
	for _, spec := range specs {
		job.agents[spec.Name] = spec.Agent
		if len(spec.Guardrail) == 0 {
			continue
		}
		g, err := guardrail.New(spec.Guardrail, m.counts)
		if err != nil {
			log.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("task_key", spec.Name).
				Msg("Skipping invalid guardrail config")
			continue
		}
		job.guardrails[spec.Name] = g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = job
	return job
}

// job returns the live state for jobID, lazily rebuilding a bare one when the
// job is not in memory. This happens after a restart: the durable rows survive
// but guardrails and retry counters do not. Jobs the store has never seen get
// no live state at all, otherwise a stream of bogus jobIDs would pin observer
// sets in memory with no terminal update to ever release them.
func (m *Manager) job(ctx context.Context, jobID string) (*liveJob, bool) {
	m.mu.Lock()
	if job, ok := m.jobs[jobID]; ok {
		m.mu.Unlock()
		return job, true
	}
	m.mu.Unlock()

	if _, err := m.store.GetExecutionByJobID(ctx, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Ignoring event for unknown job")
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		return job, true
	}
	job := &liveJob{
		handlers:   m.broadcaster.Init(ctx, jobID, nil),
		guardrails: make(map[string]guardrail.Guardrail),
		agents:     make(map[string]string),
		retries:    make(map[string]int),
	}
	m.jobs[jobID] = job
	return job, true
}

func (m *Manager) dropJob(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	m.tracker.Release(jobID)
	if ok {
		job.handlers.Cleanup()
	}
}

// HandleEvent folds one engine-reported lifecycle event into durable state.
// Events for unknown jobs or already-terminal tasks are warnings, not errors:
// the engine may legitimately report after a cancel has won the race.
func (m *Manager) HandleEvent(ctx context.Context, msg queue.TaskEventMessage) {
	switch msg.EventType {
	case queue.EngineTaskStarted:
		m.onTaskStarted(ctx, msg)
	case queue.EngineTaskCompleted:
		m.onTaskCompleted(ctx, msg)
	case queue.EngineTaskFailed:
		m.onTaskFailed(ctx, msg)
	case queue.EngineExecutionCompleted:
		m.onExecutionCompleted(ctx, msg)
	case queue.EngineExecutionFailed:
		m.onExecutionFailed(ctx, msg)
	default:
		log.Warn().
			Str("job_id", msg.JobID).
			Str("event_type", msg.EventType).
			Msg("Ignoring unknown engine event")
	}
}

func (m *Manager) onTaskStarted(ctx context.Context, msg queue.TaskEventMessage) {
	job, ok := m.job(ctx, msg.JobID)
	if !ok {
		return
	}
	job.handlers.Dispatch(broadcast.Event{
		JobID:     msg.JobID,
		TaskKey:   msg.TaskKey,
		AgentName: job.agentFor(msg.TaskKey, msg.AgentName),
		Type:      broadcast.TaskStarted,
		Payload:   msg.Payload,
	})
}

func (m *Manager) onTaskCompleted(ctx context.Context, msg queue.TaskEventMessage) {
	job, ok := m.job(ctx, msg.JobID)
	if !ok {
		return
	}

	if g, ok := job.guardrails[msg.TaskKey]; ok {
		result := g.Validate(ctx, guardrail.FromRaw(msg.Payload))
		if !result.Valid {
			attempt := job.bumpRetry(msg.TaskKey)
			m.tracker.RecordErrorTrace(ctx, msg.JobID, msg.TaskKey, "GuardrailFailure", result.Feedback, msg.Payload)
			if attempt <= m.policy.GuardrailMaxRetries {
				if err := m.engine.PublishFeedback(ctx, queue.FeedbackMessage{
					JobID:    msg.JobID,
					TaskKey:  msg.TaskKey,
					Feedback: result.Feedback,
					Attempt:  attempt,
				}); err != nil {
					log.Error().
						Err(err).
						Str("job_id", msg.JobID).
						Str("task_key", msg.TaskKey).
						Msg("Could not publish guardrail feedback")
				}
				job.handlers.Dispatch(broadcast.Event{
					JobID:     msg.JobID,
					TaskKey:   msg.TaskKey,
					AgentName: job.agentFor(msg.TaskKey, msg.AgentName),
					Type:      broadcast.TaskRetrying,
					Message:   result.Feedback,
				})
				return
			}

			log.Warn().
				Str("job_id", msg.JobID).
				Str("task_key", msg.TaskKey).
				Int("attempts", attempt).
				Msg("Guardrail retries exhausted, failing task")
			m.failTask(ctx, job, msg, result.Feedback)
			return
		}
	}

	if _, err := m.tracker.Transition(ctx, msg.JobID, msg.TaskKey, models.TsCompleted); err != nil {
		if !tracker.IsStateError(err) {
			log.Error().
				Err(err).
				Str("job_id", msg.JobID).
				Str("task_key", msg.TaskKey).
				Msg("Could not complete task")
		}
		return
	}
	job.handlers.Dispatch(broadcast.Event{
		JobID:     msg.JobID,
		TaskKey:   msg.TaskKey,
		AgentName: job.agentFor(msg.TaskKey, msg.AgentName),
		Type:      broadcast.TaskCompleted,
		Payload:   msg.Payload,
	})
	m.finalizeIfDone(ctx, msg.JobID)
}

func (m *Manager) onTaskFailed(ctx context.Context, msg queue.TaskEventMessage) {
	job, ok := m.job(ctx, msg.JobID)
	if !ok {
		return
	}
	m.failTask(ctx, job, msg, failureMessage(msg.Payload))
}

// failTask records the terminal failure of one task and checks whether the
// execution as a whole is now done
func (m *Manager) failTask(ctx context.Context, job *liveJob, msg queue.TaskEventMessage, reason string) {
	if _, err := m.tracker.Transition(ctx, msg.JobID, msg.TaskKey, models.TsFailed); err != nil {
		if !tracker.IsStateError(err) {
			log.Error().
				Err(err).
				Str("job_id", msg.JobID).
				Str("task_key", msg.TaskKey).
				Msg("Could not fail task")
		}
		return
	}
	m.tracker.RecordErrorTrace(ctx, msg.JobID, msg.TaskKey, "TaskFailed", reason, msg.Payload)
	job.handlers.Dispatch(broadcast.Event{
		JobID:     msg.JobID,
		TaskKey:   msg.TaskKey,
		AgentName: job.agentFor(msg.TaskKey, msg.AgentName),
		Type:      broadcast.TaskFailed,
		Message:   reason,
		Payload:   msg.Payload,
	})
	m.finalizeIfDone(ctx, msg.JobID)
}

// onExecutionCompleted handles the engine's overall-result event. Any task the
// engine left running is completed first: the engine has finished the flow, so
// the tracker must not wait forever on rows the engine will never report again.
func (m *Manager) onExecutionCompleted(ctx context.Context, msg queue.TaskEventMessage) {
	m.settleRunningTasks(ctx, msg.JobID, models.TsCompleted)

	status := models.EsCompleted
	errMsg := ""
	if failed, err := m.tracker.AnyFailed(ctx, msg.JobID); err == nil && failed && !m.policy.AllowPartialFailure {
		status = models.EsFailed
		errMsg = "one or more tasks failed"
	}
	if _, err := m.UpdateStatus(ctx, msg.JobID, status, errMsg, msg.Payload); err != nil && !errors.Is(err, store.ErrStaleTransition) {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("Could not finalize execution")
	}
}

func (m *Manager) onExecutionFailed(ctx context.Context, msg queue.TaskEventMessage) {
	m.settleRunningTasks(ctx, msg.JobID, models.TsFailed)

	reason := failureMessage(msg.Payload)
	m.tracker.RecordErrorTrace(ctx, msg.JobID, msg.TaskKey, "ExecutionFailed", reason, msg.Payload)
	if _, err := m.UpdateStatus(ctx, msg.JobID, models.EsFailed, reason, nil); err != nil && !errors.Is(err, store.ErrStaleTransition) {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("Could not fail execution")
	}
}

// settleRunningTasks forces every still-running task of the job into the given
// terminal state. Used when the engine declares the whole execution over.
func (m *Manager) settleRunningTasks(ctx context.Context, jobID string, to models.TaskState) {
	statuses, err := m.tracker.List(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Could not list tasks to settle")
		return
	}
	for _, status := range statuses {
		if status.Status.Terminal() {
			continue
		}
		if _, err := m.tracker.Transition(ctx, jobID, status.TaskKey, to); err != nil && !tracker.IsStateError(err) {
			log.Error().
				Err(err).
				Str("job_id", jobID).
				Str("task_key", status.TaskKey).
				Msg("Could not settle task")
		}
	}
}

// finalizeIfDone closes the execution once every task row is terminal. The
// check runs after the triggering transition has been committed, so two
// concurrent callers may both see all-terminal; the store's guarded update
// makes the second one a no-op.
func (m *Manager) finalizeIfDone(ctx context.Context, jobID string) {
	done, err := m.tracker.AllTerminal(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Could not check task completion")
		return
	}
	if !done {
		return
	}

	status := models.EsCompleted
	errMsg := ""
	if failed, err := m.tracker.AnyFailed(ctx, jobID); err == nil && failed && !m.policy.AllowPartialFailure {
		status = models.EsFailed
		errMsg = "one or more tasks failed"
	}
	if _, err := m.UpdateStatus(ctx, jobID, status, errMsg, nil); err != nil && !errors.Is(err, store.ErrStaleTransition) {
		log.Error().Err(err).Str("job_id", jobID).Msg("Could not finalize execution")
	}
}

// UpdateStatus moves the execution to status, normalizing result into the
// structured envelope and stamping completed_at for terminal states. The stamp
// is clamped to land strictly after created_at so duration math never goes
// negative on fast runs. A transition on an already-terminal execution returns
// store.ErrStaleTransition and changes nothing.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, status models.ExecutionStatus, errMsg string, result any) (*models.Execution, error) {
	normalized, err := NormalizeResult(result)
	if err != nil {
		return nil, err
	}

	update := store.ExecutionUpdate{
		Status: status,
		Error:  errMsg,
		Result: normalized,
	}
	if status == models.EsRunning {
		update.StartedAt = time.Now().UTC()
	}
	if status.Terminal() {
		current, err := m.store.GetExecutionByJobID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		completedAt := time.Now().UTC()
		if !completedAt.After(current.CreatedAt) {
			completedAt = current.CreatedAt.Add(time.Microsecond)
		}
		update.CompletedAt = completedAt
	}

	execution, err := m.store.UpdateExecutionStatus(ctx, jobID, update)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Warn().
				Str("job_id", jobID).
				Str("status", string(status)).
				Msg("Ignoring status update for terminal execution")
		}
		return nil, err
	}

	if status.Terminal() {
		m.mu.Lock()
		job, ok := m.jobs[jobID]
		m.mu.Unlock()
		if ok {
			job.handlers.Dispatch(broadcast.Event{
				JobID:   jobID,
				Type:    finalEventType(status),
				Message: errMsg,
				Payload: normalized,
			})
		}
		m.dropJob(jobID)
	}
	return execution, nil
}

// Cancel latches the execution into cancelled. Once cancelled, late engine
// events can still settle individual task rows for the record but can never
// flip the execution out of its terminal state.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*models.Execution, error) {
	return m.UpdateStatus(ctx, jobID, models.EsCancelled, "cancelled by user", nil)
}

// Get returns the current durable view of the execution
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Execution, error) {
	return m.store.GetExecutionByJobID(ctx, jobID)
}

// List returns every execution, newest first
func (m *Manager) List(ctx context.Context) ([]models.Execution, error) {
	return m.store.ListExecutions(ctx)
}

// Tasks returns the task status rows of the execution
func (m *Manager) Tasks(ctx context.Context, jobID string) ([]models.TaskStatus, error) {
	return m.tracker.List(ctx, jobID)
}

// Delete removes the execution and its task and trace rows, tearing down any
// live observers first
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	m.dropJob(jobID)
	return m.store.DeleteExecutionCascade(ctx, jobID)
}

func finalEventType(status models.ExecutionStatus) broadcast.EventType {
	switch status {
	case models.EsFailed:
		return broadcast.ExecutionFailed
	case models.EsCancelled:
		return broadcast.ExecutionCancelled
	default:
		return broadcast.ExecutionCompleted
	}
}

// failureMessage pulls a human-readable reason out of an engine failure
// payload, falling back to the raw text
func failureMessage(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "task failed"
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return string(payload)
}
