package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
	ExecutionFailed    EventType = "execution_failed"
	ExecutionCancelled EventType = "execution_cancelled"
	TaskStarted        EventType = "task_started"
	TaskCompleted      EventType = "task_completed"
	TaskFailed         EventType = "task_failed"
	TaskRetrying       EventType = "task_retrying"
)

// Event is a single execution or task lifecycle event
type Event struct {
	JobID     string          `json:"job_id"`
	TaskKey   string          `json:"task_key,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	Type      EventType       `json:"type"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Observer is an independent consumer of lifecycle events. An error from OnEvent
// is isolated to that observer: the event still reaches every other observer and
// the execution itself is unaffected.
type Observer interface {
	Name() string
	OnEvent(ctx context.Context, event Event) error
	Close() error
}

// Factory constructs one observer for a job. Factories run independently: one
// failing does not prevent the other observers from being constructed.
type Factory func(jobID string, config json.RawMessage) (Observer, error)

// Manager fans execution events out to a set of observers
type Manager struct {
	factories []Factory
}

func NewManager(factories ...Factory) *Manager {
	return &Manager{factories: factories}
}

// handle pairs an observer with its delivery queue. Each observer drains its own
// queue on its own goroutine, so observers see events in dispatch order but
// process them at their own pace.
type handle struct {
	observer Observer
	events   chan Event
	done     chan struct{}
}

// Handlers is the set of live observers attached to one execution
type Handlers struct {
	jobID   string
	handles []*handle

	mu     sync.RWMutex
	closed bool
}

const eventBuffer = 256

// Init constructs every registered observer for the job. A factory failure is
// logged and skipped; the returned set contains only the observers that
// initialized successfully.
func (m *Manager) Init(ctx context.Context, jobID string, config json.RawMessage) *Handlers {
	handlers := &Handlers{jobID: jobID}

	for _, factory := range m.factories {
		observer, err := factory(jobID, config)
		if err != nil {
			log.Warn().
				Err(err).
				Str("job_id", jobID).
				Msg("Could not construct observer, skipping")
			continue
		}

		h := &handle{
			observer: observer,
			events:   make(chan Event, eventBuffer),
			done:     make(chan struct{}),
		}
		go h.pump(ctx)
		handlers.handles = append(handlers.handles, h)
	}

	log.Info().
		Str("job_id", jobID).
		Int("observers", len(handlers.handles)).
		Msg("Initialized observers")
	return handlers
}

// pump drains the observer's queue until the channel closes. It survives both
// errors and panics so the queue always keeps draining and Dispatch can never
// deadlock on a wedged observer.
func (h *handle) pump(ctx context.Context) {
	defer close(h.done)

	for event := range h.events {
		h.deliver(ctx, event)
	}
}

func (h *handle) deliver(ctx context.Context, event Event) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().
				Interface("panic", rcv).
				Str("observer", h.observer.Name()).
				Str("job_id", event.JobID).
				Msg("Observer panicked")
		}
	}()

	if err := h.observer.OnEvent(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("observer", h.observer.Name()).
			Str("job_id", event.JobID).
			Str("event", string(event.Type)).
			Msg("Observer failed to handle event")
	}
}

// Dispatch delivers the event to every live observer. For a single execution
// events reach each observer in the order they were raised; there is no
// synchronization across observers.
func (h *Handlers) Dispatch(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		log.Warn().
			Str("job_id", h.jobID).
			Str("event", string(event.Type)).
			Msg("Dropping event dispatched after cleanup")
		return
	}
	for _, handle := range h.handles {
		handle.events <- event
	}
}

// Cleanup tears every observer down best-effort. Close errors are logged and
// swallowed. Events dispatched after Cleanup are dropped.
func (h *Handlers) Cleanup() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, hnd := range h.handles {
		close(hnd.events)
		wg.Add(1)
		go func(hd *handle) {
			defer wg.Done()
			<-hd.done
			if err := hd.observer.Close(); err != nil {
				log.Warn().
					Err(err).
					Str("observer", hd.observer.Name()).
					Str("job_id", h.jobID).
					Msg("Observer cleanup failed")
			}
		}(hnd)
	}
	wg.Wait()
}

// Len returns the number of live observers
func (h *Handlers) Len() int {
	return len(h.handles)
}
