package api

import (
	"encoding/json"
	"errors"
	"strings"

	"flowrunner/internal/flow"
)

// CreateExecution is the payload for starting a new execution: the flow
// definition plus run metadata. job_id is optional; callers that supply their
// own can retry the request safely because creation is idempotent per job_id.
type CreateExecution struct {
	JobID     string           `json:"job_id"`
	RunName   string           `json:"run_name"`
	Agents    []flow.AgentSpec `json:"agents"`
	Tasks     []flow.TaskSpec  `json:"tasks"`
	Flow      *flow.Topology   `json:"flow"`
	Inputs    json.RawMessage  `json:"inputs"`
	Observers json.RawMessage  `json:"observers"`
}

func (c *CreateExecution) definition() *flow.Definition {
	return &flow.Definition{
		Agents: c.Agents,
		Tasks:  c.Tasks,
		Flow:   c.Flow,
	}
}

// CreateSchedule is the payload for registering a cron schedule. job_config
// carries the flow and inputs each triggered run receives.
type CreateSchedule struct {
	Name           string          `json:"name"`
	CronExpression string          `json:"cron_expression"`
	JobConfig      json.RawMessage `json:"job_config"`
}

func (c *CreateSchedule) validate() error {
	var errs []error

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}

	c.CronExpression = strings.TrimSpace(c.CronExpression)
	if c.CronExpression == "" {
		errs = append(errs, errors.New("cron_expression is empty"))
	}

	var config struct {
		Flow flow.Definition `json:"flow"`
	}
	if err := json.Unmarshal(c.JobConfig, &config); err != nil {
		errs = append(errs, errors.New("job_config is not valid JSON"))
	} else if _, err := flow.Prepare(&config.Flow); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
