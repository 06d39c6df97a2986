package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type Type string

const (
	Sequential  Type = "sequential"
	Parallel    Type = "parallel"
	Conditional Type = "conditional"
)

// ConfigError marks a flow definition as invalid. Definitions that fail with a
// ConfigError are rejected before any execution or task rows are created and are
// never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a flow configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AgentSpec describes a single agent available to the flow's tasks
type AgentSpec struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Goal      string `json:"goal,omitempty"`
	Backstory string `json:"backstory,omitempty"`
}

// TaskSpec describes one unit of work, assigned to exactly one agent by name
type TaskSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Agent       string          `json:"agent"`
	Guardrail   json.RawMessage `json:"guardrail,omitempty"`
}

// Topology holds the ordering data for the flow. Exactly one of Tasks,
// ParallelTasks or ConditionalTasks is consulted depending on Type.
type Topology struct {
	Type             Type                `json:"type"`
	Tasks            []string            `json:"tasks,omitempty"`
	ParallelTasks    [][]string          `json:"parallel_tasks,omitempty"`
	ConditionalTasks map[string][]string `json:"conditional_tasks,omitempty"`
}

// Definition is the raw flow configuration as submitted by a caller. It is built
// once per execution request and discarded after dispatch.
type Definition struct {
	Agents []AgentSpec `json:"agents"`
	Tasks  []TaskSpec  `json:"tasks"`
	Flow   *Topology   `json:"flow"`
}

// PreparedFlow is a validated Definition with agents and tasks resolved by name.
// It seeds the task tracker entries and is handed to the external engine.
type PreparedFlow struct {
	Agents map[string]AgentSpec `json:"agents"`
	Tasks  map[string]TaskSpec  `json:"tasks"`
	Flow   Topology             `json:"flow"`
}

// Prepare validates the definition and resolves its topology. It is pure: no I/O
// happens here and nothing is persisted until the caller dispatches the result.
func Prepare(def *Definition) (*PreparedFlow, error) {
	if def == nil {
		return nil, configErrorf("missing flow definition")
	}
	if len(def.Agents) == 0 {
		return nil, configErrorf("missing or empty required section: agents")
	}
	if len(def.Tasks) == 0 {
		return nil, configErrorf("missing or empty required section: tasks")
	}
	if def.Flow == nil {
		return nil, configErrorf("missing or empty required section: flow")
	}

	prepared := &PreparedFlow{
		Agents: make(map[string]AgentSpec, len(def.Agents)),
		Tasks:  make(map[string]TaskSpec, len(def.Tasks)),
		Flow:   *def.Flow,
	}

	for _, agent := range def.Agents {
		if agent.Name == "" {
			return nil, configErrorf("agent must have a name")
		}
		if agent.Role == "" {
			return nil, configErrorf("agent %s must have a role", agent.Name)
		}
		prepared.Agents[agent.Name] = agent
	}

	for _, task := range def.Tasks {
		if task.Name == "" {
			return nil, configErrorf("task must have a name")
		}
		if task.Agent == "" {
			return nil, configErrorf("task %s must be assigned to an agent", task.Name)
		}
		if _, ok := prepared.Agents[task.Agent]; !ok {
			return nil, configErrorf("task %s assigned to undefined agent: %s", task.Name, task.Agent)
		}
		prepared.Tasks[task.Name] = task
	}

	if err := prepared.validateTopology(); err != nil {
		return nil, err
	}

	return prepared, nil
}

func (p *PreparedFlow) validateTopology() error {
	switch p.Flow.Type {
	case Sequential:
		if len(p.Flow.Tasks) == 0 {
			return configErrorf("sequential flow must define tasks sequence")
		}
		for _, name := range p.Flow.Tasks {
			if _, ok := p.Tasks[name]; !ok {
				return configErrorf("undefined task in flow sequence: %s", name)
			}
		}
	case Parallel:
		if len(p.Flow.ParallelTasks) == 0 {
			return configErrorf("parallel flow must define parallel task groups")
		}
		for _, group := range p.Flow.ParallelTasks {
			if len(group) == 0 {
				return configErrorf("parallel task group must not be empty")
			}
			for _, name := range group {
				if _, ok := p.Tasks[name]; !ok {
					return configErrorf("undefined task in parallel group: %s", name)
				}
			}
		}
	case Conditional:
		if len(p.Flow.ConditionalTasks) == 0 {
			return configErrorf("conditional flow must define conditional tasks")
		}
		for condition, names := range p.Flow.ConditionalTasks {
			if len(names) == 0 {
				return configErrorf("tasks for condition %s must not be empty", condition)
			}
			for _, name := range names {
				if _, ok := p.Tasks[name]; !ok {
					return configErrorf("undefined task in conditional flow: %s", name)
				}
			}
		}
	default:
		return configErrorf("invalid flow type: %s", p.Flow.Type)
	}

	return nil
}

// DispatchSet returns the task specs to seed tracker rows with, in dispatch order.
// Sequential flows keep their declared order, parallel flows flatten their groups,
// and conditional flows contribute every branch's tasks exactly once since the
// engine decides at runtime which branch fires.
func (p *PreparedFlow) DispatchSet() []TaskSpec {
	var names []string
	switch p.Flow.Type {
	case Sequential:
		names = p.Flow.Tasks
	case Parallel:
		for _, group := range p.Flow.ParallelTasks {
			names = append(names, group...)
		}
	case Conditional:
		seen := make(map[string]bool)
		// iterate the task map keys via declared conditions for a stable union
		for _, branch := range sortedKeys(p.Flow.ConditionalTasks) {
			for _, name := range p.Flow.ConditionalTasks[branch] {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}

	specs := make([]TaskSpec, 0, len(names))
	dropped := make(map[string]bool)
	for _, name := range names {
		if dropped[name] {
			continue
		}
		dropped[name] = true
		specs = append(specs, p.Tasks[name])
	}
	return specs
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
