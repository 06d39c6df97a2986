package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowrunner/internal/flow"
	"flowrunner/internal/models"
	"flowrunner/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Evaluator computes cron firing times. Expressions use the standard five-field
// form with an optional leading seconds field; all evaluation happens in UTC so
// a fleet of pollers in different timezones agrees on every boundary.
type Evaluator struct {
	parser cron.Parser
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Next returns the first firing time strictly after from
func (e *Evaluator) Next(expr string, from time.Time) (time.Time, error) {
	schedule, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(from.UTC()), nil
}

// Validate reports whether expr parses
func (e *Evaluator) Validate(expr string) error {
	if _, err := e.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Launcher starts executions for due schedules. Satisfied by execution.Manager.
type Launcher interface {
	Create(ctx context.Context, jobID, runName string, inputs json.RawMessage, trigger models.TriggerType) (*models.Execution, error)
	Dispatch(ctx context.Context, jobID string, prepared *flow.PreparedFlow, observerConfig json.RawMessage) error
}

// scheduleConfig is the payload stored in a schedule's job_config column: the
// flow to run plus the inputs and observers each triggered run receives
type scheduleConfig struct {
	Flow      flow.Definition `json:"flow"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Observers json.RawMessage `json:"observers,omitempty"`
}

// Loop polls the schedule table and launches executions for due schedules. The
// claim is atomic in the store, so any number of Loops across processes can poll
// the same table and each boundary fires exactly once.
type Loop struct {
	store     store.ScheduleStore
	launcher  Launcher
	evaluator *Evaluator
	interval  time.Duration

	isRunning  bool // checks if start has been called
	ticker     *time.Ticker
	context    context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
}

func NewLoop(scheduleStore store.ScheduleStore, launcher Launcher, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		store:     scheduleStore,
		launcher:  launcher,
		evaluator: NewEvaluator(),
		interval:  interval,
		isRunning: false,
	}
}

// Evaluator exposes the loop's cron evaluator so the API layer can validate and
// pre-compute next_run_at with the exact same parser the poller uses
func (l *Loop) Evaluator() *Evaluator {
	return l.evaluator
}

// Start begins polling. It returns immediately; the poll runs on its own
// goroutine until Stop or context cancellation.
func (l *Loop) Start(ctx context.Context) {
	if l.isRunning {
		return
	}

	l.isRunning = true
	l.context, l.cancelFunc = context.WithCancel(ctx)
	l.ticker = time.NewTicker(l.interval)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		// fire once on start so due schedules do not wait a full interval
		l.poll(l.context)
		for {
			select {
			case <-l.context.Done():
				return
			case <-l.ticker.C:
				l.poll(l.context)
			}
		}
	}()

	log.Info().Dur("interval", l.interval).Msg("Scheduler loop started")
}

// Stop halts polling and waits for an in-flight poll to finish
func (l *Loop) Stop() {
	if !l.isRunning {
		return
	}

	l.cancelFunc()
	l.ticker.Stop()
	<-l.done
	l.isRunning = false
	log.Info().Msg("Scheduler loop stopped")
}

// poll claims every due schedule and launches an execution for each. Claiming
// advances next_run_at inside the store transaction, so a crash after the claim
// skips at most the claimed boundary and never fires it twice.
func (l *Loop) poll(ctx context.Context) {
	claimed, err := l.store.ClaimDue(ctx, time.Now().UTC(), l.evaluator.Next)
	if err != nil {
		log.Error().Err(err).Msg("Could not claim due schedules")
		return
	}

	for _, schedule := range claimed {
		if err := l.launch(ctx, schedule); err != nil {
			log.Error().
				Err(err).
				Int64("schedule_id", schedule.ID).
				Str("name", schedule.Name).
				Msg("Could not launch scheduled execution")
		}
	}
}

// launch starts one execution for a claimed schedule
func (l *Loop) launch(ctx context.Context, schedule models.Schedule) error {
	var config scheduleConfig
	if err := json.Unmarshal(schedule.JobConfig, &config); err != nil {
		return fmt.Errorf("bad job config for schedule %d: %w", schedule.ID, err)
	}

	prepared, err := flow.Prepare(&config.Flow)
	if err != nil {
		return fmt.Errorf("bad flow for schedule %d: %w", schedule.ID, err)
	}

	runName := fmt.Sprintf("%s-%s", schedule.Name, time.Now().UTC().Format("20060102-150405"))
	execution, err := l.launcher.Create(ctx, "", runName, config.Inputs, models.TriggerScheduled)
	if err != nil {
		return err
	}
	if err := l.launcher.Dispatch(ctx, execution.JobID, prepared, config.Observers); err != nil {
		return err
	}

	log.Info().
		Int64("schedule_id", schedule.ID).
		Str("job_id", execution.JobID).
		Str("run_name", runName).
		Msg("Scheduled execution launched")
	return nil
}
