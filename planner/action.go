package planner

// ActionType tags the command variants a planner can produce.
type ActionType string

const (
	ActionFinalAnswer      ActionType = "final_answer"
	ActionNeedMoreInfo     ActionType = "need_more_info"
	ActionToolCall         ActionType = "tool_call"
	ActionExecutePlan      ActionType = "execute_plan"
	ActionParallelTools    ActionType = "parallel_tools"
	ActionSequentialTools  ActionType = "sequential_tools"
	ActionConditionalTools ActionType = "conditional_tools"
	ActionMixedTools       ActionType = "mixed_tools"
	ActionDependencyTools  ActionType = "dependency_tools"
	ActionDelegateToAgent  ActionType = "delegate_to_agent"
)

// knownActionTypes lists every dispatchable tag. Unknown tags are treated as
// final answers downstream to preserve forward compatibility.
var knownActionTypes = map[ActionType]bool{
	ActionFinalAnswer:      true,
	ActionNeedMoreInfo:     true,
	ActionToolCall:         true,
	ActionExecutePlan:      true,
	ActionParallelTools:    true,
	ActionSequentialTools:  true,
	ActionConditionalTools: true,
	ActionMixedTools:       true,
	ActionDependencyTools:  true,
	ActionDelegateToAgent:  true,
}

// Known reports whether the tag is a dispatchable action type.
func (t ActionType) Known() bool { return knownActionTypes[t] }

type (
	// Action is the tagged command a planner produces. Exactly the fields
	// relevant to the Type are set.
	Action struct {
		// Type is the variant tag.
		Type ActionType `json:"type"`
		// Content carries the final answer or information request text.
		Content string `json:"content,omitempty"`
		// ToolName names the tool for tool_call actions.
		ToolName string `json:"toolName,omitempty"`
		// Input is the tool argument payload.
		Input map[string]any `json:"input,omitempty"`
		// Plan is the execution plan for execute_plan actions.
		Plan *ExecutionPlan `json:"plan,omitempty"`
		// Tools lists the batch for the *_tools variants.
		Tools []ToolCall `json:"tools,omitempty"`
		// AgentID names the delegate for delegate_to_agent actions.
		AgentID string `json:"agentId,omitempty"`
	}

	// ToolCall is one entry in a batched tool action.
	ToolCall struct {
		// ToolName names the tool.
		ToolName string `json:"toolName"`
		// Input is the tool argument payload.
		Input map[string]any `json:"input,omitempty"`
		// Condition gates the call for conditional_tools batches.
		Condition string `json:"condition,omitempty"`
		// DependsOn orders the call for dependency_tools batches.
		DependsOn []string `json:"dependsOn,omitempty"`
	}

	// AgentThought is the planner's output: its reasoning and the chosen
	// action.
	AgentThought struct {
		// Reasoning is the planner's free-form rationale.
		Reasoning string `json:"reasoning"`
		// Action is the command to execute.
		Action Action `json:"action"`
	}

	// ToolResultEntry is one entry of a tool_results action result.
	ToolResultEntry struct {
		// ToolName names the tool that ran.
		ToolName string `json:"toolName"`
		// Result is the tool output, if it succeeded.
		Result any `json:"result,omitempty"`
		// Error is the failure message, if it failed.
		Error string `json:"error,omitempty"`
	}

	// ActionResult is the tagged outcome a tool adapter returns. The wrapped
	// envelope shape (a map with a nested result/content list) is accepted
	// alongside this struct by the executor's classifier.
	ActionResult struct {
		// Type is the variant tag: tool_result, tool_results, final_answer,
		// error or needs_replan.
		Type string `json:"type"`
		// Content carries the result payload or final answer.
		Content any `json:"content,omitempty"`
		// Results lists per-tool outcomes for tool_results.
		Results []ToolResultEntry `json:"results,omitempty"`
		// Error is the failure message for error results.
		Error string `json:"error,omitempty"`
		// Feedback is free-form guidance for the next planning round.
		Feedback string `json:"feedback,omitempty"`
		// ReplanContext carries structured failure analysis.
		ReplanContext *ReplanContext `json:"replanContext,omitempty"`
		// PlanExecutionResult carries a nested run result.
		PlanExecutionResult any `json:"planExecutionResult,omitempty"`
		// Metadata is adapter-defined extra data.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)
