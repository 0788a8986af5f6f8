package executor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kernelworks/axon/planner"
)

func TestEveryTriggerCausesReplan(t *testing.T) {
	for _, trigger := range replanTriggers {
		t.Run(trigger, func(t *testing.T) {
			a := analyzeStepResult(planner.ActionResult{
				Type:  "error",
				Error: fmt.Sprintf("call failed: %s (attempt 2)", trigger),
			})
			assert.False(t, a.success)
			assert.True(t, a.shouldReplan)
		})
	}
}

func TestTriggerMatchingIsCaseInsensitive(t *testing.T) {
	assert.True(t, containsTrigger("RATE LIMIT reached"))
	assert.True(t, containsTrigger("Tool Not Found"))
	assert.False(t, containsTrigger("everything is fine"))
}

func TestAnalyzeActionResultShapes(t *testing.T) {
	tests := []struct {
		name         string
		raw          any
		success      bool
		shouldReplan bool
	}{
		{
			name:    "final answer",
			raw:     planner.ActionResult{Type: "final_answer", Content: "done"},
			success: true,
		},
		{
			name:    "tool result with content",
			raw:     planner.ActionResult{Type: "tool_result", Content: "value"},
			success: true,
		},
		{
			name:         "tool result with empty content",
			raw:          planner.ActionResult{Type: "tool_result", Content: ""},
			shouldReplan: true,
		},
		{
			name:         "explicit replan request",
			raw:          planner.ActionResult{Type: "needs_replan", Feedback: "wrong tool"},
			shouldReplan: true,
		},
		{
			name: "error without trigger",
			raw:  planner.ActionResult{Type: "error", Error: "disk full"},
		},
		{
			name:    "decoded map form",
			raw:     map[string]any{"type": "tool_result", "content": map[string]any{"rows": 3.0}},
			success: true,
		},
		{
			name:    "pointer form",
			raw:     &planner.ActionResult{Type: "final_answer"},
			success: true,
		},
		{
			name:    "unknown shape passes",
			raw:     struct{ X int }{X: 1},
			success: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := analyzeStepResult(tc.raw)
			assert.Equal(t, tc.success, a.success)
			assert.Equal(t, tc.shouldReplan, a.shouldReplan)
		})
	}
}

func TestAnalyzeEnvelope(t *testing.T) {
	t.Run("explicit error flag", func(t *testing.T) {
		a := analyzeStepResult(map[string]any{"result": map[string]any{
			"isError": true,
			"content": []any{map[string]any{"type": "text", "text": "boom"}},
		}})
		assert.False(t, a.success)
		assert.True(t, a.shouldReplan)
		assert.Equal(t, "boom", a.errMsg)
	})

	t.Run("successful true wins over empty data", func(t *testing.T) {
		a := analyzeStepResult(envelope(`{"successful":true,"data":{}}`))
		assert.True(t, a.success)
	})

	t.Run("successful false surfaces error", func(t *testing.T) {
		a := analyzeStepResult(envelope(`{"successful":false,"error":"quota exceeded"}`))
		assert.False(t, a.success)
		assert.True(t, a.shouldReplan)
		assert.Equal(t, "quota exceeded", a.errMsg)
	})

	t.Run("successful false without message", func(t *testing.T) {
		a := analyzeStepResult(envelope(`{"successful":false}`))
		assert.Equal(t, "Unknown failure", a.errMsg)
	})

	t.Run("no verdict with data", func(t *testing.T) {
		a := analyzeStepResult(envelope(`{"data":{"rows":[1,2]}}`))
		assert.True(t, a.success)
	})

	t.Run("no verdict without data", func(t *testing.T) {
		a := analyzeStepResult(envelope(`{"data":{}}`))
		assert.False(t, a.success)
		assert.Equal(t, "Unknown failure", a.errMsg)
	})

	t.Run("unparseable text block", func(t *testing.T) {
		a := analyzeStepResult(envelope("definitely not json"))
		assert.False(t, a.success)
		assert.Equal(t, "unparseable tool response", a.errMsg)
	})

	t.Run("missing text block", func(t *testing.T) {
		a := analyzeStepResult(map[string]any{"result": map[string]any{"content": []any{}}})
		assert.False(t, a.success)
		assert.Equal(t, "Unknown failure", a.errMsg)
	})
}
