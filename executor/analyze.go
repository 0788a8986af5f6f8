package executor

import (
	"encoding/json"

	"github.com/kernelworks/axon/planner"
)

// analyzeStepResult classifies a tool invocation outcome. Two shapes are
// accepted: the tagged ActionResult (struct or decoded map) and the wrapped
// tool envelope {result:{isError?, content:[{type:"text", text: JSON}]}}.
func analyzeStepResult(raw any) analysis {
	switch v := raw.(type) {
	case planner.ActionResult:
		return analyzeActionResult(v.Type, v.Content, v.Error, v.Feedback)
	case *planner.ActionResult:
		if v != nil {
			return analyzeActionResult(v.Type, v.Content, v.Error, v.Feedback)
		}
	case map[string]any:
		if inner, ok := v["result"].(map[string]any); ok {
			return analyzeEnvelope(inner)
		}
		if tag, ok := v["type"].(string); ok {
			errMsg, _ := v["error"].(string)
			feedback, _ := v["feedback"].(string)
			return analyzeActionResult(tag, v["content"], errMsg, feedback)
		}
	}
	// Unknown shapes pass: forward compatibility over strictness.
	return analysis{success: true}
}

func analyzeActionResult(tag string, content any, errMsg, feedback string) analysis {
	switch tag {
	case "error":
		if errMsg == "" {
			errMsg = "tool reported an error"
		}
		return analysis{errMsg: errMsg, shouldReplan: containsTrigger(errMsg)}
	case "needs_replan":
		if feedback == "" {
			feedback = "tool requested replanning"
		}
		return analysis{errMsg: feedback, shouldReplan: true}
	case "tool_result":
		if truthy(content) {
			return analysis{success: true}
		}
		return analysis{errMsg: "tool returned no usable content", shouldReplan: true}
	case "final_answer":
		return analysis{success: true}
	}
	return analysis{success: true}
}

// analyzeEnvelope unwraps the nested tool envelope and inspects the JSON
// document inside its first text block.
func analyzeEnvelope(inner map[string]any) analysis {
	if isErr, ok := inner["isError"].(bool); ok && isErr {
		return analysis{errMsg: envelopeErrorText(inner), shouldReplan: true}
	}

	text, ok := firstTextBlock(inner["content"])
	if !ok {
		return analysis{errMsg: "Unknown failure", shouldReplan: true}
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return analysis{errMsg: "unparseable tool response", shouldReplan: true}
	}

	switch successful := parsed["successful"].(type) {
	case bool:
		if successful {
			// Success wins even when data is empty.
			return analysis{success: true}
		}
		errMsg, _ := parsed["error"].(string)
		if errMsg == "" {
			errMsg = "Unknown failure"
		}
		return analysis{errMsg: errMsg, shouldReplan: containsTrigger(errMsg)}
	default:
		// No explicit verdict: judge by the data payload.
		if emptyData(parsed["data"]) {
			return analysis{errMsg: "Unknown failure", shouldReplan: true}
		}
		return analysis{success: true}
	}
}

// firstTextBlock extracts the text of the first {type:"text"} content block.
func firstTextBlock(content any) (string, bool) {
	blocks, ok := content.([]any)
	if !ok || len(blocks) == 0 {
		return "", false
	}
	block, ok := blocks[0].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := block["text"].(string)
	return text, ok
}

func envelopeErrorText(inner map[string]any) string {
	if text, ok := firstTextBlock(inner["content"]); ok && text != "" {
		return text
	}
	return "tool envelope reported an error"
}

// emptyData reports whether a data payload carries nothing useful.
func emptyData(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	case string:
		return v == ""
	}
	return false
}

// truthy implements the loose content check for plain tool results.
func truthy(content any) bool {
	switch v := content.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	}
	return true
}
