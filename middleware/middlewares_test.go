package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelworks/axon/event"
)

func newEvent(t *testing.T, eventType string, data any) *event.Event {
	t.Helper()
	ev, err := event.New(eventType, "thread-1", data, event.Metadata{TenantID: "acme"})
	require.NoError(t, err)
	return ev
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	h := Compose([]Middleware{Retry(RetryOptions{MaxAttempts: 3, Backoff: time.Millisecond})},
		func(context.Context, *event.Event) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})

	out, err := h(context.Background(), newEvent(t, "agent.work", nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	h := Compose([]Middleware{Retry(RetryOptions{MaxAttempts: 2, Backoff: time.Millisecond})},
		func(context.Context, *event.Event) (any, error) {
			attempts++
			return nil, errors.New("always fails")
		})

	_, err := h(context.Background(), newEvent(t, "agent.work", nil))
	assert.EqualError(t, err, "always fails")
	assert.Equal(t, 2, attempts)
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	attempts := 0
	h := Compose([]Middleware{Retry(RetryOptions{
		MaxAttempts:        5,
		Backoff:            time.Millisecond,
		NonRetryableErrors: []string{"validation"},
	})}, func(context.Context, *event.Event) (any, error) {
		attempts++
		return nil, errors.New("VALIDATION failed for payload")
	})

	_, err := h(context.Background(), newEvent(t, "agent.work", nil))
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestTimeoutExpires(t *testing.T) {
	h := Compose([]Middleware{Timeout(10 * time.Millisecond)},
		func(ctx context.Context, _ *event.Event) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		})

	_, err := h(context.Background(), newEvent(t, "agent.slow", nil))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTimeoutPassesFastHandler(t *testing.T) {
	h := Compose([]Middleware{Timeout(time.Second)},
		func(context.Context, *event.Event) (any, error) { return 42, nil })

	out, err := h(context.Background(), newEvent(t, "agent.fast", nil))
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestConcurrencyRejectsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := Compose([]Middleware{Concurrency(1, nil)},
		func(context.Context, *event.Event) (any, error) {
			close(started)
			<-release
			return nil, nil
		})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h(context.Background(), newEvent(t, "agent.work", nil))
		assert.NoError(t, err)
	}()
	<-started

	// Same thread key, slot taken.
	_, err := h(context.Background(), newEvent(t, "agent.work", nil))
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	close(release)
	wg.Wait()

	// Slot released, next call passes.
	h2 := Compose([]Middleware{Concurrency(1, nil)},
		func(context.Context, *event.Event) (any, error) { return nil, nil })
	_, err = h2(context.Background(), newEvent(t, "agent.work", nil))
	assert.NoError(t, err)
}

func TestConcurrencyIsPerKey(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	keyFn := func(ev *event.Event) string { return ev.Metadata.TenantID }
	h := Compose([]Middleware{Concurrency(1, keyFn)},
		func(ctx context.Context, ev *event.Event) (any, error) {
			if ev.Metadata.TenantID == "acme" {
				close(started)
				<-release
			}
			return nil, nil
		})

	go func() {
		_, _ = h(context.Background(), newEvent(t, "agent.work", nil)) // tenant acme
	}()
	<-started
	defer close(release)

	other, err := event.New("agent.work", "thread-2", nil, event.Metadata{TenantID: "globex"})
	require.NoError(t, err)
	_, err = h(context.Background(), other)
	assert.NoError(t, err)
}

func TestValidationEnforcesSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["query"],
		"properties": {"query": {"type": "string", "minLength": 1}}
	}`)
	mw, err := Validation(ValidationOptions{Schemas: map[string]json.RawMessage{"agent.search": schema}})
	require.NoError(t, err)

	called := false
	h := Compose([]Middleware{mw}, func(context.Context, *event.Event) (any, error) {
		called = true
		return nil, nil
	})

	_, err = h(context.Background(), newEvent(t, "agent.search", map[string]any{"query": "golang"}))
	require.NoError(t, err)
	assert.True(t, called)

	called = false
	_, err = h(context.Background(), newEvent(t, "agent.search", map[string]any{"query": ""}))
	assert.Error(t, err)
	assert.False(t, called)

	// Types without a schema pass through.
	_, err = h(context.Background(), newEvent(t, "agent.other", map[string]any{"anything": true}))
	assert.NoError(t, err)
}

func TestValidationRejectsBadSchema(t *testing.T) {
	_, err := Validation(ValidationOptions{Schemas: map[string]json.RawMessage{
		"agent.bad": json.RawMessage(`{"type": 12}`),
	}})
	assert.Error(t, err)
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	mw := Transform("uppercase-tenant", func(ev *event.Event) *event.Event {
		ev.Metadata.TenantID = "ACME"
		return ev
	})
	var seen string
	h := Compose([]Middleware{mw}, func(_ context.Context, ev *event.Event) (any, error) {
		seen = ev.Metadata.TenantID
		return nil, nil
	})

	ev := newEvent(t, "agent.work", nil)
	_, err := h(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "ACME", seen)
	assert.Equal(t, "acme", ev.Metadata.TenantID)
}
