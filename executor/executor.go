// Package executor runs execution plans: it schedules ready steps in rounds
// over the dependency graph, resolves step arguments, classifies tool
// outcomes including nested envelopes, and builds the structured replan
// context handed back to the planner.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kernelworks/axon/planner"
	"github.com/kernelworks/axon/telemetry"
)

// ResultType classifies the outcome of one run.
type ResultType string

const (
	ResultNeedsReplan       ResultType = "needs_replan"
	ResultExecutionComplete ResultType = "execution_complete"
	ResultDeadlock          ResultType = "deadlock"
)

// Step lifecycle event types emitted while running.
const (
	EventStepStarted  = "agent.plan.step_started"
	EventStepFinished = "agent.plan.step_finished"
)

// DefaultMaxRounds bounds scheduling rounds against dependency-graph
// pathologies.
const DefaultMaxRounds = 10

type (
	// Options configures an Executor.
	Options struct {
		// Planner resolves step arguments. Required.
		Planner planner.Planner
		// Tools executes tool calls. Steps with tool "none" never reach it.
		Tools planner.ToolAdapter
		// MaxRounds bounds scheduling rounds.
		MaxRounds int
		// Emit publishes step lifecycle events. Nil disables emission.
		Emit func(ctx context.Context, eventType string, data any)
		// Logger receives step failures. Nil means no logging.
		Logger telemetry.Logger
	}

	// PlanExecutionResult is the outcome of one run.
	PlanExecutionResult struct {
		// Type classifies the run outcome.
		Type ResultType `json:"type"`
		// PlanID identifies the executed plan.
		PlanID string `json:"planId"`
		// Strategy echoes the planning technique that produced the plan.
		Strategy string `json:"strategy,omitempty"`
		// TotalSteps counts every step in the plan.
		TotalSteps int `json:"totalSteps"`
		// ExecutionTime is the wall time of the run, milliseconds.
		ExecutionTime int64 `json:"executionTime"`
		// SuccessfulSteps lists completed step ids.
		SuccessfulSteps []string `json:"successfulSteps"`
		// FailedSteps lists failed step ids.
		FailedSteps []string `json:"failedSteps"`
		// SkippedSteps lists steps skipped because a dependency failed.
		SkippedSteps []string `json:"skippedSteps"`
		// ExecutedSteps records every step that actually ran, in order.
		ExecutedSteps []planner.StepExecutionResult `json:"executedSteps"`
		// HasSignalsProblems reports that planner signals forced the replan.
		HasSignalsProblems bool `json:"hasSignalsProblems"`
		// Signals echoes the plan signals verbatim.
		Signals *planner.PlanSignals `json:"signals,omitempty"`
		// Feedback is a human-readable outcome summary.
		Feedback string `json:"feedback,omitempty"`
		// ReplanContext is populated only for needs_replan results.
		ReplanContext *planner.ReplanContext `json:"replanContext,omitempty"`
		// Rounds is the number of scheduling rounds taken.
		Rounds int `json:"rounds"`
	}

	// Executor runs plans. Safe for concurrent use across distinct plans.
	Executor struct {
		opts Options
	}

	// analysis is the classified outcome of one step invocation.
	analysis struct {
		success      bool
		shouldReplan bool
		errMsg       string
	}
)

// replanTriggers are the case-insensitive substrings that make a tool error
// worth replanning.
var replanTriggers = []string{
	"tool not found",
	"tool unavailable",
	"missing required parameter",
	"authentication failed",
	"permission denied",
	"quota exceeded",
	"service unavailable",
	"timeout",
	"rate limit",
	"not found",
	"neither a page nor a database",
	"invalid",
}

// invalidSentinels mark resolver outputs that look like placeholders rather
// than real values. A string is invalid when it equals a sentinel or starts
// with one followed by a colon.
var invalidSentinels = []string{"NOT_FOUND", "MISSING", "INVALID", "ERROR", "NULL", "UNDEFINED"}

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Executor{opts: opts}, nil
}

// Run executes the plan to quiescence: normalize stale statuses, resume a
// waiting plan if its inputs arrived, then schedule ready steps in rounds
// until nothing is ready or the round budget runs out.
func (e *Executor) Run(ctx context.Context, plan *planner.ExecutionPlan, pctx *planner.Context) (*PlanExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	normalize(plan)
	e.resumeIfWaitingInput(ctx, plan, pctx)

	var executed []planner.StepExecutionResult
	rounds := 0
	for rounds < e.opts.MaxRounds {
		ready := readySteps(plan)
		if len(ready) == 0 {
			break
		}
		rounds++
		plan.Status = planner.PlanExecuting
		for _, step := range ready {
			res := e.executeStepSafe(ctx, plan, step, pctx)
			executed = append(executed, res)
		}
	}
	propagateSkips(plan)

	result := e.classify(plan, executed, rounds)
	result.ExecutionTime = time.Since(started).Milliseconds()
	switch result.Type {
	case ResultExecutionComplete:
		plan.Status = planner.PlanCompleted
	case ResultDeadlock:
		plan.Status = planner.PlanFailed
	}
	return result, nil
}

// normalize demotes steps stuck in executing from a previous interrupted
// run: a step with a result failed mid-flight, one without never started.
func normalize(plan *planner.ExecutionPlan) {
	for _, s := range plan.Steps {
		if s.Status != planner.StepExecuting {
			continue
		}
		if s.Result != nil {
			s.Status = planner.StepFailed
			if s.Error == "" {
				s.Error = "interrupted while executing"
			}
		} else {
			s.Status = planner.StepPending
		}
	}
	plan.CurrentStepIndex = 0
	for i, s := range plan.Steps {
		if s.Status == planner.StepPending {
			plan.CurrentStepIndex = i
			break
		}
	}
}

// resumeIfWaitingInput probes the next pending step's arguments and
// transitions a waiting plan back to executing once nothing is missing.
func (e *Executor) resumeIfWaitingInput(ctx context.Context, plan *planner.ExecutionPlan, pctx *planner.Context) {
	if plan.Status != planner.PlanWaitingInput {
		return
	}
	var next *planner.PlanStep
	for _, s := range plan.Steps {
		if s.Status == planner.StepPending {
			next = s
			break
		}
	}
	if next == nil {
		return
	}
	res, err := e.opts.Planner.ResolveArgs(ctx, next.Arguments, plan.Steps, pctx)
	if err != nil || len(res.Missing) > 0 || len(sentinelKeys(res.Args)) > 0 {
		return
	}
	plan.Status = planner.PlanExecuting
}

// readySteps returns the pending steps whose dependencies all completed.
func readySteps(plan *planner.ExecutionPlan) []*planner.PlanStep {
	var ready []*planner.PlanStep
	for _, s := range plan.Steps {
		if s.Status != planner.StepPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			d := plan.Step(dep)
			if d == nil || d.Status != planner.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// executeStepSafe runs one step end to end. Failures mark the step and are
// reported in the round result; they never abort the round.
func (e *Executor) executeStepSafe(ctx context.Context, plan *planner.ExecutionPlan, step *planner.PlanStep, pctx *planner.Context) planner.StepExecutionResult {
	args, missing, err := e.resolveStepArguments(ctx, plan, step, pctx)
	if err == nil && len(missing) > 0 {
		err = fmt.Errorf("Missing inputs: %s", strings.Join(missing, ", "))
	}
	if err != nil {
		step.Status = planner.StepFailed
		step.Error = err.Error()
		e.opts.Logger.Warn(ctx, "step failed before invocation",
			"step_id", step.ID, "tool", step.Tool, "error", err.Error())
		return planner.StepExecutionResult{
			StepID:     step.ID,
			Step:       step,
			Tool:       step.Tool,
			Error:      err.Error(),
			ExecutedAt: time.Now().UnixMilli(),
		}
	}

	step.Status = planner.StepExecuting
	e.emit(ctx, EventStepStarted, map[string]any{"planId": plan.ID, "stepId": step.ID, "tool": step.Tool})
	started := time.Now()

	raw, invokeErr := e.invoke(ctx, step, args)
	elapsed := time.Since(started)
	var a analysis
	if invokeErr != nil {
		a = analysis{errMsg: invokeErr.Error(), shouldReplan: containsTrigger(invokeErr.Error())}
	} else {
		a = analyzeStepResult(raw)
	}

	if a.success {
		step.Status = planner.StepCompleted
		step.Result = raw
		step.Error = ""
	} else {
		step.Status = planner.StepFailed
		step.Result = raw
		step.Error = a.errMsg
	}
	e.emit(ctx, EventStepFinished, map[string]any{
		"planId": plan.ID, "stepId": step.ID, "tool": step.Tool,
		"success": a.success, "durationMs": elapsed.Milliseconds(),
	})
	return planner.StepExecutionResult{
		StepID:     step.ID,
		Step:       step,
		Tool:       step.Tool,
		Success:    a.success,
		Result:     raw,
		Error:      a.errMsg,
		ExecutedAt: started.UnixMilli(),
		Duration:   elapsed.Milliseconds(),
	}
}

// resolveStepArguments resolves the raw arguments and post-checks the
// resolver output for sentinel placeholder strings.
func (e *Executor) resolveStepArguments(ctx context.Context, plan *planner.ExecutionPlan, step *planner.PlanStep, pctx *planner.Context) (map[string]any, []string, error) {
	res, err := e.opts.Planner.ResolveArgs(ctx, step.Arguments, plan.Steps, pctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve arguments for step %s: %w", step.ID, err)
	}
	missing := append([]string(nil), res.Missing...)
	missing = append(missing, sentinelKeys(res.Args)...)
	sort.Strings(missing)
	return res.Args, dedupe(missing), nil
}

// invoke calls the tool adapter, or synthesizes a final answer for steps
// without a tool.
func (e *Executor) invoke(ctx context.Context, step *planner.PlanStep, args map[string]any) (any, error) {
	if step.Tool == "" || step.Tool == planner.ToolNone {
		return planner.ActionResult{Type: "final_answer", Content: step.Description}, nil
	}
	if e.opts.Tools == nil {
		return nil, fmt.Errorf("tool adapter not configured for tool %s", step.Tool)
	}
	return e.opts.Tools.Act(ctx, planner.Action{
		Type:     planner.ActionToolCall,
		ToolName: step.Tool,
		Input:    args,
	})
}

// propagateSkips marks pending steps whose dependencies failed or were
// skipped, repeating until a fixpoint so chains of dependents all settle.
func propagateSkips(plan *planner.ExecutionPlan) {
	for changed := true; changed; {
		changed = false
		for _, s := range plan.Steps {
			if s.Status != planner.StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				d := plan.Step(dep)
				if d != nil && (d.Status == planner.StepFailed || d.Status == planner.StepSkipped) {
					s.Status = planner.StepSkipped
					changed = true
					break
				}
			}
		}
	}
}

// classify derives the run outcome and, for replans, the replan context.
func (e *Executor) classify(plan *planner.ExecutionPlan, executed []planner.StepExecutionResult, rounds int) *PlanExecutionResult {
	result := &PlanExecutionResult{
		PlanID:          plan.ID,
		Strategy:        plan.Metadata.Strategy,
		TotalSteps:      len(plan.Steps),
		SuccessfulSteps: []string{},
		FailedSteps:     []string{},
		SkippedSteps:    []string{},
		ExecutedSteps:   executed,
		Rounds:          rounds,
	}
	pending := 0
	for _, s := range plan.Steps {
		switch s.Status {
		case planner.StepCompleted:
			result.SuccessfulSteps = append(result.SuccessfulSteps, s.ID)
		case planner.StepFailed:
			result.FailedSteps = append(result.FailedSteps, s.ID)
		case planner.StepSkipped:
			result.SkippedSteps = append(result.SkippedSteps, s.ID)
		default:
			pending++
		}
	}

	switch {
	case plan.HasSignals():
		result.Type = ResultNeedsReplan
		result.HasSignalsProblems = true
		result.Signals = plan.Metadata.Signals
		result.Feedback = "Signals require replanning: " + summarizeSignals(plan.Metadata.Signals)
	case len(result.FailedSteps) == 0 && len(result.SkippedSteps) == 0 && pending == 0:
		result.Type = ResultExecutionComplete
		result.Feedback = fmt.Sprintf("All %d steps completed", len(result.SuccessfulSteps))
	case len(result.FailedSteps) > 0 || len(result.SkippedSteps) > 0:
		result.Type = ResultNeedsReplan
		result.Feedback = fmt.Sprintf("%d steps failed, %d skipped",
			len(result.FailedSteps), len(result.SkippedSteps))
	case pending > 0:
		// Nothing ready, nothing failed, yet steps remain: the graph cannot
		// make progress.
		result.Type = ResultDeadlock
		result.Feedback = fmt.Sprintf("%d steps cannot be scheduled", pending)
	default:
		result.Type = ResultExecutionComplete
	}

	if result.Type == ResultNeedsReplan {
		result.ReplanContext = buildReplanContext(plan, executed, result)
	}
	return result
}

// buildReplanContext summarizes what succeeded and why the rest failed.
func buildReplanContext(plan *planner.ExecutionPlan, executed []planner.StepExecutionResult, result *PlanExecutionResult) *planner.ReplanContext {
	rc := &planner.ReplanContext{}
	for _, res := range executed {
		if res.Success {
			rc.PreservedSteps = append(rc.PreservedSteps, res)
		}
	}

	seen := make(map[string]bool)
	var firstError string
	for _, res := range executed {
		if res.Success || res.Error == "" {
			continue
		}
		if firstError == "" {
			firstError = res.Error
		}
		lower := strings.ToLower(res.Error)
		if !seen[lower] {
			seen[lower] = true
			rc.FailurePatterns = append(rc.FailurePatterns, lower)
		}
	}
	rc.PrimaryCause = primaryCause(firstError)

	rc.ContextForReplan = map[string]any{"goal": plan.Goal}
	for _, res := range rc.PreservedSteps {
		rc.ContextForReplan[res.StepID] = res.Result
	}

	switch {
	case result.HasSignalsProblems:
		rc.SuggestedStrategy = "address the planner signals before retrying"
	case strings.HasPrefix(firstError, "Missing inputs:"):
		rc.SuggestedStrategy = "gather the missing inputs before retrying"
	case len(result.SkippedSteps) > 0:
		rc.SuggestedStrategy = "replan the skipped steps with alternative tools"
	default:
		rc.SuggestedStrategy = "retry with an adjusted plan"
	}
	return rc
}

// primaryCause buckets the first failing error.
func primaryCause(errMsg string) string {
	if errMsg == "" {
		return ""
	}
	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "invalid"):
		return "Invalid input provided"
	case strings.Contains(lower, "not found"):
		return "Resource not found"
	case strings.Contains(lower, "permission") || strings.Contains(lower, "authentication"):
		return "Permission or authentication error"
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "timeout"):
		return "Service unavailable or timeout"
	}
	return errMsg
}

// containsTrigger reports whether the error message matches any replan
// trigger substring.
func containsTrigger(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, t := range replanTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// sentinelKeys returns the argument keys whose resolved value is a sentinel
// placeholder string.
func sentinelKeys(args map[string]any) []string {
	var keys []string
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, sentinel := range invalidSentinels {
			if s == sentinel || strings.HasPrefix(s, sentinel+":") {
				keys = append(keys, k)
				break
			}
		}
	}
	return keys
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func summarizeSignals(s *planner.PlanSignals) string {
	var parts []string
	if len(s.Needs) > 0 {
		parts = append(parts, "needs "+strings.Join(s.Needs, ", "))
	}
	if len(s.NoDiscoveryPath) > 0 {
		parts = append(parts, "no discovery path: "+strings.Join(s.NoDiscoveryPath, ", "))
	}
	if len(s.Errors) > 0 {
		parts = append(parts, strings.Join(s.Errors, "; "))
	}
	if s.SuggestedNextStep != "" {
		parts = append(parts, "suggested next step: "+s.SuggestedNextStep)
	}
	return strings.Join(parts, "; ")
}

func (e *Executor) emit(ctx context.Context, eventType string, data any) {
	if e.opts.Emit != nil {
		e.opts.Emit(ctx, eventType, data)
	}
}
