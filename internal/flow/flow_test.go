package flow_test

import (
	"testing"

	"flowrunner/internal/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *flow.Definition {
	return &flow.Definition{
		Agents: []flow.AgentSpec{
			{Name: "researcher", Role: "Research Analyst"},
		},
		Tasks: []flow.TaskSpec{
			{Name: "gather", Description: "Gather data", Agent: "researcher"},
			{Name: "summarise", Description: "Summarise data", Agent: "researcher"},
		},
		Flow: &flow.Topology{
			Type:  flow.Sequential,
			Tasks: []string{"gather", "summarise"},
		},
	}
}

func TestPrepare(t *testing.T) {
	prepared, err := flow.Prepare(validDefinition())
	require.NoError(t, err)

	assert.Len(t, prepared.Agents, 1)
	assert.Len(t, prepared.Tasks, 2)
	assert.Equal(t, flow.Sequential, prepared.Flow.Type)
}

func TestPrepare_MissingSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*flow.Definition)
		errMsg string
	}{
		{
			name:   "no agents",
			mutate: func(d *flow.Definition) { d.Agents = nil },
			errMsg: "missing or empty required section: agents",
		},
		{
			name:   "no tasks",
			mutate: func(d *flow.Definition) { d.Tasks = nil },
			errMsg: "missing or empty required section: tasks",
		},
		{
			name:   "no flow",
			mutate: func(d *flow.Definition) { d.Flow = nil },
			errMsg: "missing or empty required section: flow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)

			_, err := flow.Prepare(def)
			require.Error(t, err)
			assert.True(t, flow.IsConfigError(err))
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestPrepare_UndefinedAgent(t *testing.T) {
	def := validDefinition()
	def.Tasks[1].Agent = "ghost"

	_, err := flow.Prepare(def)
	require.Error(t, err)
	assert.True(t, flow.IsConfigError(err))
	assert.Contains(t, err.Error(), "undefined agent")
}

func TestPrepare_InvalidFlowType(t *testing.T) {
	def := validDefinition()
	def.Flow.Type = "zigzag"

	_, err := flow.Prepare(def)
	require.Error(t, err)
	assert.True(t, flow.IsConfigError(err))
	assert.Contains(t, err.Error(), "invalid flow type")
}

func TestPrepare_UndefinedTaskInSequence(t *testing.T) {
	def := validDefinition()
	def.Flow.Tasks = []string{"gather", "publish"}

	_, err := flow.Prepare(def)
	require.Error(t, err)
	assert.True(t, flow.IsConfigError(err))
	assert.Contains(t, err.Error(), "undefined task in flow sequence: publish")
}

func TestPrepare_EmptySequence(t *testing.T) {
	def := validDefinition()
	def.Flow.Tasks = nil

	_, err := flow.Prepare(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequential flow must define tasks sequence")
}

func TestPrepare_ParallelFlow(t *testing.T) {
	def := validDefinition()
	def.Flow = &flow.Topology{
		Type:          flow.Parallel,
		ParallelTasks: [][]string{{"gather"}, {"summarise"}},
	}

	prepared, err := flow.Prepare(def)
	require.NoError(t, err)

	specs := prepared.DispatchSet()
	require.Len(t, specs, 2)
	assert.Equal(t, "gather", specs[0].Name)
	assert.Equal(t, "summarise", specs[1].Name)
}

func TestPrepare_ParallelFlowUndefinedTask(t *testing.T) {
	def := validDefinition()
	def.Flow = &flow.Topology{
		Type:          flow.Parallel,
		ParallelTasks: [][]string{{"gather", "publish"}},
	}

	_, err := flow.Prepare(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined task in parallel group: publish")
}

func TestPrepare_ConditionalFlow(t *testing.T) {
	def := validDefinition()
	def.Flow = &flow.Topology{
		Type: flow.Conditional,
		ConditionalTasks: map[string][]string{
			"on_success": {"summarise"},
			"on_failure": {"gather"},
			"always":     {"gather"},
		},
	}

	prepared, err := flow.Prepare(def)
	require.NoError(t, err)

	// union of all branches, each task exactly once
	specs := prepared.DispatchSet()
	require.Len(t, specs, 2)
}

func TestPrepare_ConditionalFlowUndefinedTask(t *testing.T) {
	def := validDefinition()
	def.Flow = &flow.Topology{
		Type:             flow.Conditional,
		ConditionalTasks: map[string][]string{"on_success": {"publish"}},
	}

	_, err := flow.Prepare(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined task in conditional flow: publish")
}

func TestDispatchSet_SequentialOrder(t *testing.T) {
	prepared, err := flow.Prepare(validDefinition())
	require.NoError(t, err)

	specs := prepared.DispatchSet()
	require.Len(t, specs, 2)
	assert.Equal(t, "gather", specs[0].Name)
	assert.Equal(t, "summarise", specs[1].Name)
	assert.Equal(t, "researcher", specs[0].Agent)
}
