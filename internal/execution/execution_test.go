package execution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"flowrunner/internal/broadcast"
	"flowrunner/internal/flow"
	"flowrunner/internal/models"
	"flowrunner/internal/queue"
	"flowrunner/internal/store"
	"flowrunner/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateExecution(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	args := m.Called(ctx, execution)
	if e := args.Get(0); e != nil {
		return e.(*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) GetExecutionByJobID(ctx context.Context, jobID string) (*models.Execution, error) {
	args := m.Called(ctx, jobID)
	if e := args.Get(0); e != nil {
		return e.(*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListExecutions(ctx context.Context) ([]models.Execution, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Execution), args.Error(1)
}

func (m *MockStore) UpdateExecutionStatus(ctx context.Context, jobID string, update store.ExecutionUpdate) (*models.Execution, error) {
	args := m.Called(ctx, jobID, update)
	if e := args.Get(0); e != nil {
		return e.(*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) DeleteExecutionCascade(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockStore) CreateTaskStatuses(ctx context.Context, statuses []models.TaskStatus) ([]models.TaskStatus, error) {
	args := m.Called(ctx, statuses)
	if s := args.Get(0); s != nil {
		return s.([]models.TaskStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) GetTaskStatus(ctx context.Context, jobID, taskKey string) (*models.TaskStatus, error) {
	args := m.Called(ctx, jobID, taskKey)
	if s := args.Get(0); s != nil {
		return s.(*models.TaskStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListTaskStatuses(ctx context.Context, jobID string) ([]models.TaskStatus, error) {
	args := m.Called(ctx, jobID)
	if s := args.Get(0); s != nil {
		return s.([]models.TaskStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) TransitionTask(ctx context.Context, jobID, taskKey string, to models.TaskState, completedAt time.Time) (*models.TaskStatus, error) {
	args := m.Called(ctx, jobID, taskKey, to, completedAt)
	if s := args.Get(0); s != nil {
		return s.(*models.TaskStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) CountNonTerminalTasks(ctx context.Context, jobID string) (int, error) {
	args := m.Called(ctx, jobID)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) CountTasksInState(ctx context.Context, jobID string, state models.TaskState) (int, error) {
	args := m.Called(ctx, jobID, state)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) InsertErrorTrace(ctx context.Context, trace *models.ErrorTrace) error {
	args := m.Called(ctx, trace)
	return args.Error(0)
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) PublishDispatch(ctx context.Context, message queue.DispatchMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockEngine) PublishFeedback(ctx context.Context, message queue.FeedbackMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *eventRecorder) Name() string { return "recorder" }

func (r *eventRecorder) OnEvent(_ context.Context, event broadcast.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) Close() error { return nil }

func (r *eventRecorder) types() []broadcast.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]broadcast.EventType, len(r.events))
	for i, event := range r.events {
		types[i] = event.Type
	}
	return types
}

func (r *eventRecorder) has(t broadcast.EventType) bool {
	for _, got := range r.types() {
		if got == t {
			return true
		}
	}
	return false
}

func newTestManager(policy Policy) (*Manager, *MockStore, *MockEngine, *eventRecorder) {
	st := new(MockStore)
	engine := new(MockEngine)
	recorder := &eventRecorder{}
	broadcaster := broadcast.NewManager(func(string, json.RawMessage) (broadcast.Observer, error) {
		return recorder, nil
	})
	manager := NewManager(st, tracker.New(st), engine, broadcaster, nil, policy)
	return manager, st, engine, recorder
}

func singleTaskFlow() *flow.PreparedFlow {
	prepared, err := flow.Prepare(&flow.Definition{
		Agents: []flow.AgentSpec{{Name: "analyst", Role: "analyst"}},
		Tasks:  []flow.TaskSpec{{Name: "t1", Description: "do the thing", Agent: "analyst"}},
		Flow:   &flow.Topology{Type: flow.Sequential, Tasks: []string{"t1"}},
	})
	if err != nil {
		panic(err)
	}
	return prepared
}

func terminalUpdate(status models.ExecutionStatus) any {
	return mock.MatchedBy(func(u store.ExecutionUpdate) bool {
		return u.Status == status && !u.CompletedAt.IsZero()
	})
}

func TestManager_Create(t *testing.T) {
	manager, st, _, _ := newTestManager(Policy{})

	st.On("CreateExecution", mock.Anything, mock.MatchedBy(func(e *models.Execution) bool {
		return e.JobID != "" && e.Status == models.EsPending && e.RunName.Valid && e.TriggerType == models.TriggerAPI
	})).Return(&models.Execution{JobID: "generated", Status: models.EsPending}, nil)

	execution, err := manager.Create(context.Background(), "", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.EsPending, execution.Status)
	st.AssertExpectations(t)
}

func TestManager_DispatchHappyPath(t *testing.T) {
	manager, st, engine, recorder := newTestManager(Policy{})
	prepared := singleTaskFlow()

	st.On("CreateTaskStatuses", mock.Anything, mock.MatchedBy(func(rows []models.TaskStatus) bool {
		return len(rows) == 1 && rows[0].TaskKey == "t1" && rows[0].Status == models.TsRunning
	})).Return([]models.TaskStatus{{JobID: "job1", TaskKey: "t1", Status: models.TsRunning}}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", mock.MatchedBy(func(u store.ExecutionUpdate) bool {
		return u.Status == models.EsRunning && !u.StartedAt.IsZero()
	})).Return(&models.Execution{JobID: "job1", Status: models.EsRunning}, nil)
	engine.On("PublishDispatch", mock.Anything, mock.MatchedBy(func(msg queue.DispatchMessage) bool {
		return msg.JobID == "job1" && len(msg.Flow.Tasks) == 1
	})).Return(nil)

	err := manager.Dispatch(context.Background(), "job1", prepared, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return recorder.has(broadcast.ExecutionStarted) && recorder.has(broadcast.TaskStarted)
	}, time.Second, 5*time.Millisecond)
	st.AssertExpectations(t)
	engine.AssertExpectations(t)
}

func TestManager_DispatchEngineFailure(t *testing.T) {
	manager, st, engine, _ := newTestManager(Policy{})
	prepared := singleTaskFlow()

	st.On("CreateTaskStatuses", mock.Anything, mock.Anything).
		Return([]models.TaskStatus{{JobID: "job1", TaskKey: "t1"}}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", mock.MatchedBy(func(u store.ExecutionUpdate) bool {
		return u.Status == models.EsRunning
	})).Return(&models.Execution{JobID: "job1", Status: models.EsRunning}, nil)
	engine.On("PublishDispatch", mock.Anything, mock.Anything).Return(assert.AnError)
	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: time.Now().Add(-time.Minute)}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsFailed)).
		Return(&models.Execution{JobID: "job1", Status: models.EsFailed}, nil)

	err := manager.Dispatch(context.Background(), "job1", prepared, nil)
	require.Error(t, err)
	assert.True(t, IsEngineError(err))
	st.AssertExpectations(t)
}

func TestManager_TaskCompletedFinalizesExecution(t *testing.T) {
	manager, st, _, recorder := newTestManager(Policy{})

	st.On("TransitionTask", mock.Anything, "job1", "t1", models.TsCompleted, mock.Anything).
		Return(&models.TaskStatus{JobID: "job1", TaskKey: "t1", Status: models.TsCompleted}, nil)
	st.On("CountNonTerminalTasks", mock.Anything, "job1").Return(0, nil)
	st.On("CountTasksInState", mock.Anything, "job1", models.TsFailed).Return(0, nil)
	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: time.Now().Add(-time.Minute)}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsCompleted)).
		Return(&models.Execution{JobID: "job1", Status: models.EsCompleted}, nil)

	manager.HandleEvent(context.Background(), queue.TaskEventMessage{
		JobID:     "job1",
		TaskKey:   "t1",
		EventType: queue.EngineTaskCompleted,
		Payload:   json.RawMessage(`{"content": "done"}`),
	})

	// finalization tears the observers down, so delivery has completed
	assert.Equal(t,
		[]broadcast.EventType{broadcast.TaskCompleted, broadcast.ExecutionCompleted},
		recorder.types())
	st.AssertExpectations(t)
}

func TestManager_FailedTaskFailsExecution(t *testing.T) {
	manager, st, _, recorder := newTestManager(Policy{})

	st.On("TransitionTask", mock.Anything, "job1", "t1", models.TsFailed, mock.Anything).
		Return(&models.TaskStatus{JobID: "job1", TaskKey: "t1", Status: models.TsFailed}, nil)
	st.On("InsertErrorTrace", mock.Anything, mock.MatchedBy(func(trace *models.ErrorTrace) bool {
		return trace.ErrorType == "TaskFailed" && trace.ErrorMessage == "agent crashed"
	})).Return(nil)
	st.On("CountNonTerminalTasks", mock.Anything, "job1").Return(0, nil)
	st.On("CountTasksInState", mock.Anything, "job1", models.TsFailed).Return(1, nil)
	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: time.Now().Add(-time.Minute)}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsFailed)).
		Return(&models.Execution{JobID: "job1", Status: models.EsFailed}, nil)

	manager.HandleEvent(context.Background(), queue.TaskEventMessage{
		JobID:     "job1",
		TaskKey:   "t1",
		EventType: queue.EngineTaskFailed,
		Payload:   json.RawMessage(`{"error": "agent crashed"}`),
	})

	assert.True(t, recorder.has(broadcast.TaskFailed))
	assert.True(t, recorder.has(broadcast.ExecutionFailed))
	st.AssertExpectations(t)
}

func TestManager_PartialFailurePolicy(t *testing.T) {
	manager, st, _, recorder := newTestManager(Policy{AllowPartialFailure: true})

	st.On("TransitionTask", mock.Anything, "job1", "t2", models.TsCompleted, mock.Anything).
		Return(&models.TaskStatus{JobID: "job1", TaskKey: "t2", Status: models.TsCompleted}, nil)
	st.On("CountNonTerminalTasks", mock.Anything, "job1").Return(0, nil)
	st.On("CountTasksInState", mock.Anything, "job1", models.TsFailed).Return(1, nil)
	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: time.Now().Add(-time.Minute)}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsCompleted)).
		Return(&models.Execution{JobID: "job1", Status: models.EsCompleted}, nil)

	manager.HandleEvent(context.Background(), queue.TaskEventMessage{
		JobID:     "job1",
		TaskKey:   "t2",
		EventType: queue.EngineTaskCompleted,
	})

	assert.True(t, recorder.has(broadcast.ExecutionCompleted))
	st.AssertExpectations(t)
}

func TestManager_GuardrailRejectRetries(t *testing.T) {
	manager, st, engine, recorder := newTestManager(Policy{GuardrailMaxRetries: 2})
	prepared, err := flow.Prepare(&flow.Definition{
		Agents: []flow.AgentSpec{{Name: "analyst", Role: "analyst"}},
		Tasks: []flow.TaskSpec{{
			Name:        "t1",
			Description: "collect entities",
			Agent:       "analyst",
			Guardrail:   json.RawMessage(`{"type": "non_null_field", "field": "summary"}`),
		}},
		Flow: &flow.Topology{Type: flow.Sequential, Tasks: []string{"t1"}},
	})
	require.NoError(t, err)

	st.On("CreateTaskStatuses", mock.Anything, mock.Anything).
		Return([]models.TaskStatus{{JobID: "job1", TaskKey: "t1"}}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", mock.MatchedBy(func(u store.ExecutionUpdate) bool {
		return u.Status == models.EsRunning
	})).Return(&models.Execution{JobID: "job1", Status: models.EsRunning}, nil)
	engine.On("PublishDispatch", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, manager.Dispatch(context.Background(), "job1", prepared, nil))

	st.On("InsertErrorTrace", mock.Anything, mock.MatchedBy(func(trace *models.ErrorTrace) bool {
		return trace.ErrorType == "GuardrailFailure"
	})).Return(nil)
	engine.On("PublishFeedback", mock.Anything, mock.MatchedBy(func(msg queue.FeedbackMessage) bool {
		return msg.JobID == "job1" && msg.TaskKey == "t1" && msg.Attempt == 1 && msg.Feedback != ""
	})).Return(nil)

	// summary is missing, so the guardrail rejects and the task stays running
	manager.HandleEvent(context.Background(), queue.TaskEventMessage{
		JobID:     "job1",
		TaskKey:   "t1",
		EventType: queue.EngineTaskCompleted,
		Payload:   json.RawMessage(`{"content": "no summary here"}`),
	})

	assert.Eventually(t, func() bool { return recorder.has(broadcast.TaskRetrying) }, time.Second, 5*time.Millisecond)
	st.AssertNotCalled(t, "TransitionTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	engine.AssertExpectations(t)
}

func TestManager_GuardrailRetriesExhausted(t *testing.T) {
	manager, st, engine, recorder := newTestManager(Policy{GuardrailMaxRetries: 1})
	prepared, err := flow.Prepare(&flow.Definition{
		Agents: []flow.AgentSpec{{Name: "analyst", Role: "analyst"}},
		Tasks: []flow.TaskSpec{{
			Name:        "t1",
			Description: "collect entities",
			Agent:       "analyst",
			Guardrail:   json.RawMessage(`{"type": "non_null_field", "field": "summary"}`),
		}},
		Flow: &flow.Topology{Type: flow.Sequential, Tasks: []string{"t1"}},
	})
	require.NoError(t, err)

	st.On("CreateTaskStatuses", mock.Anything, mock.Anything).
		Return([]models.TaskStatus{{JobID: "job1", TaskKey: "t1"}}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", mock.MatchedBy(func(u store.ExecutionUpdate) bool {
		return u.Status == models.EsRunning
	})).Return(&models.Execution{JobID: "job1", Status: models.EsRunning}, nil)
	engine.On("PublishDispatch", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, manager.Dispatch(context.Background(), "job1", prepared, nil))

	st.On("InsertErrorTrace", mock.Anything, mock.Anything).Return(nil)
	engine.On("PublishFeedback", mock.Anything, mock.Anything).Return(nil)
	st.On("TransitionTask", mock.Anything, "job1", "t1", models.TsFailed, mock.Anything).
		Return(&models.TaskStatus{JobID: "job1", TaskKey: "t1", Status: models.TsFailed}, nil)
	st.On("CountNonTerminalTasks", mock.Anything, "job1").Return(0, nil)
	st.On("CountTasksInState", mock.Anything, "job1", models.TsFailed).Return(1, nil)
	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: time.Now().Add(-time.Minute)}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsFailed)).
		Return(&models.Execution{JobID: "job1", Status: models.EsFailed}, nil)

	event := queue.TaskEventMessage{
		JobID:     "job1",
		TaskKey:   "t1",
		EventType: queue.EngineTaskCompleted,
		Payload:   json.RawMessage(`{"content": "still no summary"}`),
	}
	manager.HandleEvent(context.Background(), event) // attempt 1, feedback sent
	manager.HandleEvent(context.Background(), event) // attempt 2, retries exhausted

	assert.True(t, recorder.has(broadcast.TaskFailed))
	assert.True(t, recorder.has(broadcast.ExecutionFailed))
	st.AssertExpectations(t)
}

func TestManager_CancelLatch(t *testing.T) {
	manager, st, _, _ := newTestManager(Policy{})

	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: time.Now().Add(-time.Minute)}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsCancelled)).
		Return(&models.Execution{JobID: "job1", Status: models.EsCancelled}, nil).Once()

	execution, err := manager.Cancel(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, models.EsCancelled, execution.Status)

	// a late finalize hits the terminal guard and changes nothing
	st.On("UpdateExecutionStatus", mock.Anything, "job1", terminalUpdate(models.EsCompleted)).
		Return(nil, store.ErrStaleTransition).Once()
	st.On("TransitionTask", mock.Anything, "job1", "t1", models.TsCompleted, mock.Anything).
		Return(&models.TaskStatus{JobID: "job1", TaskKey: "t1", Status: models.TsCompleted}, nil)
	st.On("CountNonTerminalTasks", mock.Anything, "job1").Return(0, nil)
	st.On("CountTasksInState", mock.Anything, "job1", models.TsFailed).Return(0, nil)

	manager.HandleEvent(context.Background(), queue.TaskEventMessage{
		JobID:     "job1",
		TaskKey:   "t1",
		EventType: queue.EngineTaskCompleted,
	})
	st.AssertExpectations(t)
}

func TestManager_UnknownJobEventBuildsNoState(t *testing.T) {
	manager, st, _, recorder := newTestManager(Policy{})

	st.On("GetExecutionByJobID", mock.Anything, "ghost").Return(nil, store.ErrNotFound)

	for _, eventType := range []string{queue.EngineTaskStarted, queue.EngineTaskCompleted, queue.EngineTaskFailed} {
		manager.HandleEvent(context.Background(), queue.TaskEventMessage{
			JobID:     "ghost",
			TaskKey:   "t1",
			EventType: eventType,
		})
	}

	assert.Empty(t, recorder.types())
	manager.mu.Lock()
	assert.Empty(t, manager.jobs)
	manager.mu.Unlock()
	st.AssertNotCalled(t, "TransitionTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_CompletedAtAfterCreatedAt(t *testing.T) {
	manager, st, _, _ := newTestManager(Policy{})
	createdAt := time.Now().UTC().Add(time.Hour) // clock skew: created_at in the future

	st.On("GetExecutionByJobID", mock.Anything, "job1").
		Return(&models.Execution{JobID: "job1", CreatedAt: createdAt}, nil)
	st.On("UpdateExecutionStatus", mock.Anything, "job1", mock.MatchedBy(func(u store.ExecutionUpdate) bool {
		return u.CompletedAt.Equal(createdAt.Add(time.Microsecond))
	})).Return(&models.Execution{JobID: "job1", Status: models.EsCompleted}, nil)

	_, err := manager.UpdateStatus(context.Background(), "job1", models.EsCompleted, "", nil)
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		expect string
	}{
		{"nil stays nil", nil, ""},
		{"string wrapped as value", "all done", `{"value":"all done"}`},
		{"bool wrapped as success", true, `{"success":true}`},
		{"list wrapped as items", []int{1, 2}, `{"items":[1,2]}`},
		{"object passes through", map[string]any{"count": 3}, `{"count":3}`},
		{"number wrapped as value", 42, `{"value":42}`},
		{"raw json object", json.RawMessage(`{"a": 1}`), `{"a": 1}`},
		{"json null stays nil", json.RawMessage(`null`), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeResult(tt.input)
			require.NoError(t, err)
			if tt.expect == "" {
				assert.Nil(t, got)
			} else {
				assert.JSONEq(t, tt.expect, string(got))
			}
		})
	}
}
