package planner

import (
	"fmt"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanPending      PlanStatus = "pending"
	PlanExecuting    PlanStatus = "executing"
	PlanWaitingInput PlanStatus = "waiting_input"
	PlanCompleted    PlanStatus = "completed"
	PlanFailed       PlanStatus = "failed"
)

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ToolNone marks a step that produces a synthetic final answer instead of
// calling a tool. An empty tool name means the same.
const ToolNone = "none"

type (
	// ExecutionPlan is a dependency graph of steps with planner-produced
	// signals.
	ExecutionPlan struct {
		// ID identifies the plan.
		ID string `json:"id"`
		// Goal is the user goal the plan serves.
		Goal string `json:"goal,omitempty"`
		// Steps is the ordered step list; dependencies refer to step ids.
		Steps []*PlanStep `json:"steps"`
		// Status is the plan lifecycle state.
		Status PlanStatus `json:"status"`
		// CurrentStepIndex points at the first pending step.
		CurrentStepIndex int `json:"currentStepIndex"`
		// Metadata carries signals and adapter-defined extras.
		Metadata PlanMetadata `json:"metadata"`
	}

	// PlanMetadata attaches signals and free-form data to a plan.
	PlanMetadata struct {
		// Strategy names the planning technique that produced the plan.
		Strategy string `json:"strategy,omitempty"`
		// Signals are planner hints that force replanning when present.
		Signals *PlanSignals `json:"signals,omitempty"`
		// Extra is adapter-defined data.
		Extra map[string]any `json:"extra,omitempty"`
	}

	// PlanSignals force a replan regardless of step outcomes. The executor
	// reports them verbatim; it never decides what to replan.
	PlanSignals struct {
		// Needs lists information the planner still requires.
		Needs []string `json:"needs,omitempty"`
		// NoDiscoveryPath lists discovery paths the planner found blocked.
		NoDiscoveryPath []string `json:"noDiscoveryPath,omitempty"`
		// Errors lists planner-observed problems.
		Errors []string `json:"errors,omitempty"`
		// SuggestedNextStep is the planner's hint for the next round.
		SuggestedNextStep string `json:"suggestedNextStep,omitempty"`
	}

	// PlanStep is one node of the dependency graph.
	PlanStep struct {
		// ID is unique within the plan.
		ID string `json:"id"`
		// Tool names the tool to call; "none" or empty yields a synthetic
		// final answer built from the description.
		Tool string `json:"tool"`
		// Description explains the step.
		Description string `json:"description,omitempty"`
		// Arguments are the raw tool arguments before resolution.
		Arguments map[string]any `json:"arguments,omitempty"`
		// DependsOn lists step ids that must complete first.
		DependsOn []string `json:"dependsOn,omitempty"`
		// Status is the step lifecycle state.
		Status StepStatus `json:"status"`
		// Result is the tool output once the step finished.
		Result any `json:"result,omitempty"`
		// Error is the failure message for failed steps.
		Error string `json:"error,omitempty"`
	}

	// ReplanContext is the structured failure analysis handed back to the
	// planner when a run needs replanning.
	ReplanContext struct {
		// PreservedSteps are the successful step results worth keeping.
		PreservedSteps []StepExecutionResult `json:"preservedSteps,omitempty"`
		// FailurePatterns are the deduped, lowercased error strings.
		FailurePatterns []string `json:"failurePatterns,omitempty"`
		// PrimaryCause classifies the first failure.
		PrimaryCause string `json:"primaryCause,omitempty"`
		// SuggestedStrategy hints how the next plan should differ.
		SuggestedStrategy string `json:"suggestedStrategy,omitempty"`
		// ContextForReplan seeds the next planning round: the goal plus the
		// preserved step outputs keyed by step id.
		ContextForReplan map[string]any `json:"contextForReplan,omitempty"`
	}

	// StepExecutionResult records one executed step.
	StepExecutionResult struct {
		// StepID identifies the step.
		StepID string `json:"stepId"`
		// Step is the executed step as the plan left it.
		Step *PlanStep `json:"step,omitempty"`
		// Tool names the tool that ran.
		Tool string `json:"tool"`
		// Success reports the outcome.
		Success bool `json:"success"`
		// Result is the step output.
		Result any `json:"result,omitempty"`
		// Error is the failure message.
		Error string `json:"error,omitempty"`
		// ExecutedAt is when the step ran, epoch milliseconds.
		ExecutedAt int64 `json:"executedAt,omitempty"`
		// Duration is how long the step took, milliseconds.
		Duration int64 `json:"duration"`
	}
)

// NewPlan builds a pending plan over the given steps.
func NewPlan(goal string, steps ...*PlanStep) *ExecutionPlan {
	for _, s := range steps {
		if s.Status == "" {
			s.Status = StepPending
		}
	}
	return &ExecutionPlan{
		ID:     uuid.NewString(),
		Goal:   goal,
		Steps:  steps,
		Status: PlanPending,
	}
}

// Step returns the step with the given id, or nil.
func (p *ExecutionPlan) Step(id string) *PlanStep {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// HasSignals reports whether the plan carries any replan-forcing signal.
func (p *ExecutionPlan) HasSignals() bool {
	s := p.Metadata.Signals
	if s == nil {
		return false
	}
	return len(s.Needs) > 0 || len(s.NoDiscoveryPath) > 0 || len(s.Errors) > 0 || s.SuggestedNextStep != ""
}

// Validate checks the planner output invariant: unique step ids, a named
// tool (or none), and acyclic dependencies that only reference known steps.
func (p *ExecutionPlan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan %s: step with empty id", p.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("plan %s: duplicate step id %q", p.ID, s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("plan %s: step %q depends on unknown step %q", p.ID, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("plan %s: step %q depends on itself", p.ID, s.ID)
			}
		}
	}
	if cycle := p.findCycle(); cycle != "" {
		return fmt.Errorf("plan %s: dependency cycle through step %q", p.ID, cycle)
	}
	return nil
}

// findCycle runs a three-color depth-first search over the dependency graph
// and returns a step id on a cycle, or empty.
func (p *ExecutionPlan) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	deps := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.ID] = s.DependsOn
	}

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, s := range p.Steps {
		if color[s.ID] == white {
			if hit := visit(s.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
