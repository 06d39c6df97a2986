package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowrunner/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Postgres implements Store on top of a sqlx connection pool
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}

func (p *Postgres) CreateExecution(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	tx, err := p.db.Beginx()
	if err != nil {
		return nil, err
	}

	var dest models.Execution
	err = tx.GetContext(ctx, &dest, `
INSERT INTO flow.execution (job_id, status, inputs, run_name, trigger_type)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING
RETURNING *`,
		execution.JobID, execution.Status, execution.Inputs, execution.RunName, execution.TriggerType)
	if errors.Is(err, sql.ErrNoRows) {
		// Row already exists. Idempotent create: hand back the existing record.
		rollbackTx(tx)
		return p.GetExecutionByJobID(ctx, execution.JobID)
	} else if err != nil {
		rollbackTx(tx)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) GetExecutionByJobID(ctx context.Context, jobID string) (*models.Execution, error) {
	var dest models.Execution
	err := p.db.GetContext(ctx, &dest, `SELECT * FROM flow.execution WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) ListExecutions(ctx context.Context) ([]models.Execution, error) {
	var dest []models.Execution
	if err := p.db.SelectContext(ctx, &dest, `SELECT * FROM flow.execution ORDER BY created_at DESC`); err != nil {
		return nil, err
	}
	return dest, nil
}

func (p *Postgres) UpdateExecutionStatus(ctx context.Context, jobID string, update ExecutionUpdate) (*models.Execution, error) {
	tx, err := p.db.Beginx()
	if err != nil {
		return nil, err
	}

	var dest models.Execution
	err = tx.GetContext(ctx, &dest, `
UPDATE flow.execution
SET status       = $2,
	error        = NULLIF($3, ''),
	result       = COALESCE($4, result),
	started_at   = COALESCE(started_at, $5),
	completed_at = $6
WHERE job_id = $1
  AND status NOT IN ('completed', 'failed', 'cancelled')
RETURNING *`,
		jobID, update.Status, update.Error, update.Result,
		nullTime(update.StartedAt), nullTime(update.CompletedAt))

	if errors.Is(err, sql.ErrNoRows) {
		rollbackTx(tx)
		// Distinguish a missing execution from one that is already terminal
		if _, getErr := p.GetExecutionByJobID(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStaleTransition
	} else if err != nil {
		rollbackTx(tx)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) DeleteExecutionCascade(ctx context.Context, jobID string) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return err
	}

	for _, query := range []string{
		`DELETE FROM flow.error_trace WHERE job_id = $1`,
		`DELETE FROM flow.task_status WHERE job_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, jobID); err != nil {
			rollbackTx(tx)
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM flow.execution WHERE job_id = $1`, jobID)
	if err != nil {
		rollbackTx(tx)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rollbackTx(tx)
		return ErrNotFound
	}

	return tx.Commit()
}

func (p *Postgres) CreateTaskStatuses(ctx context.Context, statuses []models.TaskStatus) ([]models.TaskStatus, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	tx, err := p.db.Beginx()
	if err != nil {
		return nil, err
	}

	created := make([]models.TaskStatus, 0, len(statuses))
	for _, status := range statuses {
		var dest models.TaskStatus
		err := tx.GetContext(ctx, &dest, `
INSERT INTO flow.task_status (job_id, task_key, agent_name, status)
VALUES ($1, $2, $3, $4)
RETURNING *`,
			status.JobID, status.TaskKey, status.AgentName, status.Status)
		if err != nil {
			rollbackTx(tx)
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("task %s for job %s: %w", status.TaskKey, status.JobID, ErrAlreadyExists)
			}
			return nil, err
		}
		created = append(created, dest)
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return nil, err
	}
	return created, nil
}

func (p *Postgres) GetTaskStatus(ctx context.Context, jobID, taskKey string) (*models.TaskStatus, error) {
	var dest models.TaskStatus
	err := p.db.GetContext(ctx, &dest, `SELECT * FROM flow.task_status WHERE job_id = $1 AND task_key = $2`, jobID, taskKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) ListTaskStatuses(ctx context.Context, jobID string) ([]models.TaskStatus, error) {
	var dest []models.TaskStatus
	if err := p.db.SelectContext(ctx, &dest, `SELECT * FROM flow.task_status WHERE job_id = $1 ORDER BY id`, jobID); err != nil {
		return nil, err
	}
	return dest, nil
}

func (p *Postgres) TransitionTask(ctx context.Context, jobID, taskKey string, to models.TaskState, completedAt time.Time) (*models.TaskStatus, error) {
	tx, err := p.db.Beginx()
	if err != nil {
		return nil, err
	}

	var dest models.TaskStatus
	err = tx.GetContext(ctx, &dest, `
UPDATE flow.task_status
SET status       = $3,
	completed_at = $4
WHERE job_id = $1
  AND task_key = $2
  AND status = 'running'
RETURNING *`,
		jobID, taskKey, to, nullTime(completedAt))

	if errors.Is(err, sql.ErrNoRows) {
		rollbackTx(tx)
		if _, getErr := p.GetTaskStatus(ctx, jobID, taskKey); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStaleTransition
	} else if err != nil {
		rollbackTx(tx)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) CountNonTerminalTasks(ctx context.Context, jobID string) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM flow.task_status WHERE job_id = $1 AND status NOT IN ('completed', 'failed')`, jobID)
	return count, err
}

func (p *Postgres) CountTasksInState(ctx context.Context, jobID string, state models.TaskState) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM flow.task_status WHERE job_id = $1 AND status = $2`, jobID, state)
	return count, err
}

func (p *Postgres) InsertErrorTrace(ctx context.Context, trace *models.ErrorTrace) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO flow.error_trace (job_id, task_key, error_type, error_message, metadata)
VALUES ($1, $2, $3, $4, $5)`,
		trace.JobID, trace.TaskKey, trace.ErrorType, trace.ErrorMessage, trace.Metadata)
	return err
}

func (p *Postgres) CreateSchedule(ctx context.Context, schedule *models.Schedule) (*models.Schedule, error) {
	var dest models.Schedule
	err := p.db.GetContext(ctx, &dest, `
INSERT INTO flow.schedule (name, cron_expression, job_config, is_active, next_run_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING *`,
		schedule.Name, schedule.CronExpression, schedule.JobConfig, schedule.IsActive, schedule.NextRunAt)
	if err != nil {
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	var dest models.Schedule
	err := p.db.GetContext(ctx, &dest, `SELECT * FROM flow.schedule WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	var dest []models.Schedule
	if err := p.db.SelectContext(ctx, &dest, `SELECT * FROM flow.schedule ORDER BY id`); err != nil {
		return nil, err
	}
	return dest, nil
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM flow.schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ToggleSchedule(ctx context.Context, id int64, nextRunAt time.Time) (*models.Schedule, error) {
	var dest models.Schedule
	err := p.db.GetContext(ctx, &dest, `
UPDATE flow.schedule
SET is_active   = NOT is_active,
	next_run_at = CASE WHEN is_active THEN NULL ELSE $2 END,
	updated_at  = NOW()
WHERE id = $1
RETURNING *`, id, nextRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &dest, nil
}

func (p *Postgres) ClaimDue(ctx context.Context, now time.Time, next func(cronExpr string, from time.Time) (time.Time, error)) ([]models.Schedule, error) {
	tx, err := p.db.Beginx()
	if err != nil {
		return nil, err
	}

	// SKIP LOCKED keeps concurrent scheduler ticks from claiming the same boundary
	var due []models.Schedule
	if err := tx.SelectContext(ctx, &due, `
SELECT * FROM flow.schedule
WHERE is_active = TRUE
  AND next_run_at IS NOT NULL
  AND next_run_at <= $1
ORDER BY id
FOR UPDATE SKIP LOCKED`, now); err != nil {
		rollbackTx(tx)
		return nil, err
	}

	claimed := make([]models.Schedule, 0, len(due))
	for _, schedule := range due {
		nextRun, err := next(schedule.CronExpression, now)
		if err != nil {
			// A schedule with a bad expression would otherwise be claimed on every
			// tick. Deactivate it and move on.
			log.Error().
				Err(err).
				Int64("schedule_id", schedule.ID).
				Str("cron", schedule.CronExpression).
				Msg("Invalid cron expression, deactivating schedule")
			if _, err := tx.ExecContext(ctx, `UPDATE flow.schedule SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, schedule.ID); err != nil {
				rollbackTx(tx)
				return nil, err
			}
			continue
		}

		var dest models.Schedule
		if err := tx.GetContext(ctx, &dest, `
UPDATE flow.schedule
SET last_run_at = $2,
	next_run_at = $3,
	updated_at  = NOW()
WHERE id = $1
RETURNING *`, schedule.ID, now, nextRun); err != nil {
			rollbackTx(tx)
			return nil, err
		}
		claimed = append(claimed, dest)
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return nil, err
	}
	return claimed, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// isUniqueViolation reports whether the error is a Postgres unique constraint
// failure (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	type sqlState interface {
		SQLState() string
	}
	var state sqlState
	return errors.As(err, &state) && state.SQLState() == "23505"
}
