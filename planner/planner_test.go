package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []*PlanStep
		wantErr string
	}{
		{
			name: "valid chain",
			steps: []*PlanStep{
				{ID: "a", Tool: "t1"},
				{ID: "b", Tool: "t2", DependsOn: []string{"a"}},
			},
		},
		{
			name:    "duplicate id",
			steps:   []*PlanStep{{ID: "a", Tool: "t1"}, {ID: "a", Tool: "t2"}},
			wantErr: "duplicate step id",
		},
		{
			name:    "unknown dependency",
			steps:   []*PlanStep{{ID: "a", Tool: "t1", DependsOn: []string{"ghost"}}},
			wantErr: "unknown step",
		},
		{
			name:    "self dependency",
			steps:   []*PlanStep{{ID: "a", Tool: "t1", DependsOn: []string{"a"}}},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			steps: []*PlanStep{
				{ID: "a", Tool: "t1", DependsOn: []string{"c"}},
				{ID: "b", Tool: "t2", DependsOn: []string{"a"}},
				{ID: "c", Tool: "t3", DependsOn: []string{"b"}},
			},
			wantErr: "dependency cycle",
		},
		{
			name:    "empty id",
			steps:   []*PlanStep{{Tool: "t1"}},
			wantErr: "empty id",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := NewPlan("goal", tc.steps...).Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestHasSignals(t *testing.T) {
	p := NewPlan("goal", &PlanStep{ID: "a", Tool: "t"})
	assert.False(t, p.HasSignals())

	p.Metadata.Signals = &PlanSignals{}
	assert.False(t, p.HasSignals())

	p.Metadata.Signals = &PlanSignals{Needs: []string{"auth_token"}}
	assert.True(t, p.HasSignals())

	p.Metadata.Signals = &PlanSignals{NoDiscoveryPath: []string{"catalog lookup"}}
	assert.True(t, p.HasSignals())

	p.Metadata.Signals = &PlanSignals{SuggestedNextStep: "try the admin API"}
	assert.True(t, p.HasSignals())
}

func TestActionTypeKnown(t *testing.T) {
	assert.True(t, ActionToolCall.Known())
	assert.True(t, ActionDependencyTools.Known())
	assert.False(t, ActionType("teleport").Known())
}

type fakeAdapter struct {
	techniques []Technique
}

func (fakeAdapter) Provider() string                   { return "fake" }
func (a fakeAdapter) AvailableTechniques() []Technique { return a.techniques }

func TestValidateTechnique(t *testing.T) {
	adapter := fakeAdapter{techniques: []Technique{TechniqueCoT, TechniqueReAct}}
	assert.NoError(t, ValidateTechnique(adapter, TechniqueReAct))
	assert.ErrorIs(t, ValidateTechnique(adapter, TechniqueOODA), ErrUnsupportedTechnique)
}

func TestStaticPlannerThoughts(t *testing.T) {
	p := &StaticPlanner{Thoughts: []AgentThought{
		{Reasoning: "first", Action: Action{Type: ActionToolCall, ToolName: "search"}},
		{Reasoning: "second", Action: Action{Type: ActionFinalAnswer, Content: "done"}},
	}}

	th, err := p.Think(context.Background(), Input{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, "first", th.Reasoning)

	th, err = p.Think(context.Background(), Input{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, ActionFinalAnswer, th.Action.Type)

	// The last thought repeats.
	th, err = p.Think(context.Background(), Input{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, "second", th.Reasoning)
}

func TestStaticPlannerResolveArgs(t *testing.T) {
	p := &StaticPlanner{}
	pctx := &Context{Data: map[string]any{"token": "abc123"}}

	res, err := p.ResolveArgs(context.Background(), map[string]any{
		"auth":  "$token",
		"query": "golang",
		"page":  2,
		"ref":   "$absent",
	}, nil, pctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Args["auth"])
	assert.Equal(t, "golang", res.Args["query"])
	assert.Equal(t, 2, res.Args["page"])
	assert.Equal(t, []string{"ref"}, res.Missing)
}
