package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelworks/axon/planner"
)

// fakeTools returns canned results per tool name and records every call.
type fakeTools struct {
	results map[string]any
	errs    map[string]error
	calls   []string
}

func (f *fakeTools) Act(_ context.Context, action planner.Action) (any, error) {
	f.calls = append(f.calls, action.ToolName)
	if err, ok := f.errs[action.ToolName]; ok {
		return nil, err
	}
	if res, ok := f.results[action.ToolName]; ok {
		return res, nil
	}
	return planner.ActionResult{Type: "tool_result", Content: "ok"}, nil
}

func newExecutor(t *testing.T, tools planner.ToolAdapter, opts Options) *Executor {
	t.Helper()
	if opts.Planner == nil {
		opts.Planner = &planner.StaticPlanner{}
	}
	opts.Tools = tools
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func envelope(text string) map[string]any {
	return map[string]any{
		"result": map[string]any{
			"isError": false,
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	}
}

func TestSignalsForceReplan(t *testing.T) {
	tools := &fakeTools{results: map[string]any{
		"search": planner.ActionResult{Type: "tool_result", Content: map[string]any{"ok": true}},
	}}
	e := newExecutor(t, tools, Options{})

	plan := planner.NewPlan("goal", &planner.PlanStep{ID: "s1", Tool: "search", Status: planner.StepPending})
	plan.Metadata.Signals = &planner.PlanSignals{Needs: []string{"auth_token"}}

	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)
	assert.Equal(t, ResultNeedsReplan, res.Type)
	assert.True(t, res.HasSignalsProblems)
	assert.Equal(t, []string{"s1"}, res.SuccessfulSteps)
	assert.Contains(t, res.Feedback, "Signals")
	require.NotNil(t, res.Signals)
	assert.Equal(t, []string{"auth_token"}, res.Signals.Needs)
}

func TestWrappedEnvelopeWithEmptyData(t *testing.T) {
	tools := &fakeTools{results: map[string]any{
		"fetch": envelope(`{"successful":null,"data":{}}`),
	}}
	e := newExecutor(t, tools, Options{})

	plan := planner.NewPlan("goal", &planner.PlanStep{ID: "s1", Tool: "fetch", Status: planner.StepPending})
	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)

	assert.Equal(t, planner.StepFailed, plan.Step("s1").Status)
	assert.Equal(t, ResultNeedsReplan, res.Type)
	require.NotNil(t, res.ReplanContext)
	assert.Equal(t, "Unknown failure", res.ReplanContext.PrimaryCause)
}

func TestDependencyChainCompletes(t *testing.T) {
	tools := &fakeTools{results: map[string]any{
		"t1": planner.ActionResult{Type: "tool_result", Content: "x"},
		"t2": planner.ActionResult{Type: "tool_result", Content: "y"},
	}}
	e := newExecutor(t, tools, Options{})

	plan := planner.NewPlan("goal",
		&planner.PlanStep{ID: "a", Tool: "t1", Status: planner.StepPending},
		&planner.PlanStep{ID: "b", Tool: "t2", DependsOn: []string{"a"}, Status: planner.StepPending},
	)
	plan.Metadata.Strategy = "react"
	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)

	assert.Equal(t, ResultExecutionComplete, res.Type)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, []string{"a", "b"}, res.SuccessfulSteps)
	assert.Len(t, res.ExecutedSteps, 2)
	assert.Equal(t, planner.PlanCompleted, plan.Status)

	assert.Equal(t, plan.ID, res.PlanID)
	assert.Equal(t, "react", res.Strategy)
	assert.Equal(t, 2, res.TotalSteps)
	assert.GreaterOrEqual(t, res.ExecutionTime, int64(0))
	for _, step := range res.ExecutedSteps {
		assert.NotZero(t, step.ExecutedAt)
		assert.GreaterOrEqual(t, step.Duration, int64(0))
		require.NotNil(t, step.Step)
		assert.Equal(t, step.StepID, step.Step.ID)
	}
}

func TestMissingInputSentinel(t *testing.T) {
	tools := &fakeTools{}
	e := newExecutor(t, tools, Options{})

	plan := planner.NewPlan("goal", &planner.PlanStep{
		ID: "s1", Tool: "search", Status: planner.StepPending,
		Arguments: map[string]any{"q": "NOT_FOUND"},
	})
	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)

	step := plan.Step("s1")
	assert.Equal(t, planner.StepFailed, step.Status)
	assert.True(t, strings.HasPrefix(step.Error, "Missing inputs:"), step.Error)
	assert.Contains(t, step.Error, "q")
	assert.Equal(t, ResultNeedsReplan, res.Type)
	// The tool is never reached without its inputs.
	assert.Empty(t, tools.calls)
}

func TestToollessStepNeverCallsAdapter(t *testing.T) {
	tools := &fakeTools{}
	e := newExecutor(t, tools, Options{})

	plan := planner.NewPlan("goal",
		&planner.PlanStep{ID: "a", Tool: planner.ToolNone, Description: "summarize findings", Status: planner.StepPending},
		&planner.PlanStep{ID: "b", Tool: "", Description: "wrap up", Status: planner.StepPending},
	)
	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)

	assert.Equal(t, ResultExecutionComplete, res.Type)
	assert.Empty(t, tools.calls)

	ar, ok := plan.Step("a").Result.(planner.ActionResult)
	require.True(t, ok)
	assert.Equal(t, "final_answer", ar.Type)
	assert.Equal(t, "summarize findings", ar.Content)
}

func TestFailurePropagatesToSkips(t *testing.T) {
	tools := &fakeTools{errs: map[string]error{"t1": fmt.Errorf("service unavailable")}}
	e := newExecutor(t, tools, Options{})

	plan := planner.NewPlan("goal",
		&planner.PlanStep{ID: "a", Tool: "t1", Status: planner.StepPending},
		&planner.PlanStep{ID: "b", Tool: "t2", DependsOn: []string{"a"}, Status: planner.StepPending},
		&planner.PlanStep{ID: "c", Tool: "t3", DependsOn: []string{"b"}, Status: planner.StepPending},
		&planner.PlanStep{ID: "d", Tool: "t4", Status: planner.StepPending},
	)
	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)

	assert.Equal(t, ResultNeedsReplan, res.Type)
	assert.Equal(t, []string{"a"}, res.FailedSteps)
	assert.ElementsMatch(t, []string{"b", "c"}, res.SkippedSteps)
	// The independent step still ran in the same round.
	assert.Equal(t, []string{"d"}, res.SuccessfulSteps)

	total := len(res.SuccessfulSteps) + len(res.FailedSteps) + len(res.SkippedSteps)
	assert.Equal(t, len(plan.Steps), total)

	require.NotNil(t, res.ReplanContext)
	assert.Equal(t, "Service unavailable or timeout", res.ReplanContext.PrimaryCause)
	assert.Contains(t, res.ReplanContext.FailurePatterns, "service unavailable")
	require.Len(t, res.ReplanContext.PreservedSteps, 1)
	assert.Equal(t, "d", res.ReplanContext.PreservedSteps[0].StepID)

	require.NotNil(t, res.ReplanContext.ContextForReplan)
	assert.Equal(t, "goal", res.ReplanContext.ContextForReplan["goal"])
	assert.Contains(t, res.ReplanContext.ContextForReplan, "d")
}

func TestRoundBudgetDeadlocks(t *testing.T) {
	tools := &fakeTools{}
	e := newExecutor(t, tools, Options{MaxRounds: 2})

	plan := planner.NewPlan("goal",
		&planner.PlanStep{ID: "a", Tool: "t", Status: planner.StepPending},
		&planner.PlanStep{ID: "b", Tool: "t", DependsOn: []string{"a"}, Status: planner.StepPending},
		&planner.PlanStep{ID: "c", Tool: "t", DependsOn: []string{"b"}, Status: planner.StepPending},
		&planner.PlanStep{ID: "d", Tool: "t", DependsOn: []string{"c"}, Status: planner.StepPending},
	)
	res, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)

	assert.Equal(t, ResultDeadlock, res.Type)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, []string{"a", "b"}, res.SuccessfulSteps)
	assert.Equal(t, planner.PlanFailed, plan.Status)
}

func TestNormalizeDemotesExecutingSteps(t *testing.T) {
	plan := planner.NewPlan("goal",
		&planner.PlanStep{ID: "a", Tool: "t", Status: planner.StepExecuting, Result: map[string]any{"partial": true}},
		&planner.PlanStep{ID: "b", Tool: "t", Status: planner.StepExecuting},
	)
	normalize(plan)

	assert.Equal(t, planner.StepFailed, plan.Step("a").Status)
	assert.NotEmpty(t, plan.Step("a").Error)
	assert.Equal(t, planner.StepPending, plan.Step("b").Status)
	assert.Equal(t, 1, plan.CurrentStepIndex)
}

func TestResumeIfWaitingInput(t *testing.T) {
	e := newExecutor(t, &fakeTools{}, Options{
		Planner: &planner.StaticPlanner{},
	})

	plan := planner.NewPlan("goal", &planner.PlanStep{
		ID: "s1", Tool: "search", Status: planner.StepPending,
		Arguments: map[string]any{"auth": "$token"},
	})
	plan.Status = planner.PlanWaitingInput

	// Input still missing: the plan stays waiting.
	pctx := &planner.Context{Data: map[string]any{}}
	e.resumeIfWaitingInput(context.Background(), plan, pctx)
	assert.Equal(t, planner.PlanWaitingInput, plan.Status)

	// Input arrived.
	pctx.Data["token"] = "abc"
	e.resumeIfWaitingInput(context.Background(), plan, pctx)
	assert.Equal(t, planner.PlanExecuting, plan.Status)
}

func TestStepLifecycleEvents(t *testing.T) {
	var events []string
	e := newExecutor(t, &fakeTools{}, Options{
		Emit: func(_ context.Context, eventType string, _ any) {
			events = append(events, eventType)
		},
	})

	plan := planner.NewPlan("goal", &planner.PlanStep{ID: "s1", Tool: "t", Status: planner.StepPending})
	_, err := e.Run(context.Background(), plan, &planner.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventStepStarted, EventStepFinished}, events)
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	e := newExecutor(t, &fakeTools{}, Options{})
	plan := planner.NewPlan("goal",
		&planner.PlanStep{ID: "a", Tool: "t", DependsOn: []string{"a"}},
	)
	_, err := e.Run(context.Background(), plan, &planner.Context{})
	assert.Error(t, err)
}
