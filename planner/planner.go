// Package planner defines the planning contract of the runtime: the tagged
// action model, the execution-plan graph, and the interfaces an LLM-backed
// strategy implements. The executor consumes these types; it never talks to
// the LLM itself.
package planner

import (
	"context"
	"errors"
	"fmt"
)

// Technique names a reasoning strategy the LLM adapter can run.
type Technique string

const (
	TechniqueCoT   Technique = "cot"
	TechniqueToT   Technique = "tot"
	TechniqueReAct Technique = "react"
	TechniqueOODA  Technique = "ooda"
)

// ErrUnsupportedTechnique reports a planner technique the LLM adapter does
// not declare.
var ErrUnsupportedTechnique = errors.New("unsupported planning technique")

type (
	// ToolDescriptor describes one tool in the available-tools catalog.
	ToolDescriptor struct {
		// Name is the tool identifier used in plan steps.
		Name string `json:"name"`
		// Description explains the tool to the planner.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON schema of the tool arguments.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// Input is everything a planner sees when thinking.
	Input struct {
		// Goal is the user goal.
		Goal string
		// Tools is the available-tools catalog.
		Tools []ToolDescriptor
		// History is the execution history so far.
		History []StepExecutionResult
		// ReplanContext carries the previous run's failure analysis, if any.
		ReplanContext *ReplanContext
	}

	// Context is the planner-visible execution context threaded through a
	// plan-and-execute session.
	Context struct {
		// Goal is the user goal.
		Goal string
		// MaxReplans bounds how many replanning rounds a session may take.
		MaxReplans int
		// ReplanCount is the number of replans already taken.
		ReplanCount int
		// Data is session-scoped free-form state.
		Data map[string]any
	}

	// Resolution is the outcome of resolving a step's raw arguments.
	Resolution struct {
		// Args are the resolved arguments.
		Args map[string]any
		// Missing lists argument keys the resolver could not supply.
		Missing []string
	}

	// Planner produces thoughts, resolves step arguments and writes the
	// final response of a plan-and-execute session.
	Planner interface {
		// Think produces the next thought for the given input.
		Think(ctx context.Context, in Input) (AgentThought, error)
		// ResolveArgs resolves raw step arguments against prior step outputs
		// and session context.
		ResolveArgs(ctx context.Context, rawArgs map[string]any, steps []*PlanStep, pctx *Context) (Resolution, error)
		// CreateFinalResponse renders the session outcome for the user.
		CreateFinalResponse(ctx context.Context, pctx *Context) (string, error)
	}

	// LLMAdapter is the opaque model backend: the planner shapes raw
	// provider output into thoughts, the adapter only declares what it can
	// run.
	LLMAdapter interface {
		// Provider returns the backend name.
		Provider() string
		// AvailableTechniques lists the reasoning strategies the backend
		// supports.
		AvailableTechniques() []Technique
	}

	// ToolAdapter executes actions. The returned value is classified by the
	// executor; both ActionResult and the wrapped envelope map shape are
	// accepted.
	ToolAdapter interface {
		Act(ctx context.Context, action Action) (any, error)
	}
)

// ValidateTechnique checks that the adapter declares the technique.
func ValidateTechnique(adapter LLMAdapter, technique Technique) error {
	for _, t := range adapter.AvailableTechniques() {
		if t == technique {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not offered by provider %s",
		ErrUnsupportedTechnique, technique, adapter.Provider())
}

// StaticPlanner is a deterministic Planner for tests and wiring: it replays
// canned thoughts and resolves arguments by looking keys up in the session
// data.
type StaticPlanner struct {
	// Thoughts are returned in order; the last one repeats.
	Thoughts []AgentThought
	// FinalResponse is returned by CreateFinalResponse.
	FinalResponse string

	next int
}

var _ Planner = (*StaticPlanner)(nil)

// Think returns the next canned thought.
func (p *StaticPlanner) Think(context.Context, Input) (AgentThought, error) {
	if len(p.Thoughts) == 0 {
		return AgentThought{}, errors.New("static planner has no thoughts")
	}
	i := p.next
	if i >= len(p.Thoughts) {
		i = len(p.Thoughts) - 1
	}
	p.next++
	return p.Thoughts[i], nil
}

// ResolveArgs substitutes values from the session data where the raw value
// names a key as "$key", passing everything else through.
func (p *StaticPlanner) ResolveArgs(_ context.Context, rawArgs map[string]any, _ []*PlanStep, pctx *Context) (Resolution, error) {
	res := Resolution{Args: make(map[string]any, len(rawArgs))}
	for k, v := range rawArgs {
		ref, ok := v.(string)
		if ok && len(ref) > 1 && ref[0] == '$' {
			if pctx != nil {
				if resolved, found := pctx.Data[ref[1:]]; found {
					res.Args[k] = resolved
					continue
				}
			}
			res.Missing = append(res.Missing, k)
			continue
		}
		res.Args[k] = v
	}
	return res, nil
}

// CreateFinalResponse returns the canned response.
func (p *StaticPlanner) CreateFinalResponse(context.Context, *Context) (string, error) {
	return p.FinalResponse, nil
}
