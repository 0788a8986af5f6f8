package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	ev, err := New("agent.tool.call", "thread-1", map[string]any{"tool": "search"}, Metadata{TenantID: "acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "agent.tool.call", ev.Type)
	assert.Equal(t, "thread-1", ev.ThreadID)
	assert.Positive(t, ev.Timestamp)
	assert.Equal(t, "acme", ev.Metadata.TenantID)

	other, err := New("agent.tool.call", "thread-1", nil, Metadata{})
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestValidateType(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		wantErr   bool
	}{
		{"simple", "agent", false},
		{"dotted", "agent.tool.call", false},
		{"reserved prefix still valid", "obs.kernel.health", false},
		{"empty", "", true},
		{"leading dot", ".agent", true},
		{"trailing dot", "agent.", true},
		{"double dot", "agent..tool", true},
		{"non ascii", "agent.café", true},
		{"too long", string(make([]byte, MaxTypeLength+1)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateType(tc.eventType)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidType)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassObservability, Classify("obs.span.start"))
	assert.Equal(t, ClassObservability, Classify("log.request"))
	assert.Equal(t, ClassObservability, Classify("metric.queue.depth"))
	assert.Equal(t, ClassObservability, Classify("trace.export"))
	assert.Equal(t, ClassObservability, Classify("alert.fired"))
	assert.Equal(t, ClassObservability, Classify("health.check"))
	assert.Equal(t, ClassObservability, Classify("agent.log.step"))
	assert.Equal(t, ClassObservability, Classify("agent.metric.tokens"))
	assert.Equal(t, ClassObservability, Classify("agent.trace.span"))

	assert.Equal(t, ClassAgent, Classify("agent.tool.call"))
	assert.Equal(t, ClassAgent, Classify("plan.step.completed"))
	assert.Equal(t, ClassAgent, Classify("logical.decision")) // "log" prefix requires the dot
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, MatchesPattern("agent.tool.call", "*"))
	assert.True(t, MatchesPattern("agent.tool.call", "agent.tool.*"))
	assert.True(t, MatchesPattern("agent.tool.call", "agent.tool.call"))
	assert.False(t, MatchesPattern("agent.plan.start", "agent.tool.*"))
	assert.False(t, MatchesPattern("agent.tool.call", "agent.tool"))
}

func TestWithMetadataDoesNotMutateOriginal(t *testing.T) {
	ev, err := New("agent.tick", "t", nil, Metadata{})
	require.NoError(t, err)
	stamped := ev.WithMetadata(Metadata{CorrelationID: "corr-1"})
	assert.Empty(t, ev.Metadata.CorrelationID)
	assert.Equal(t, "corr-1", stamped.Metadata.CorrelationID)
	assert.Equal(t, ev.ID, stamped.ID)
}
