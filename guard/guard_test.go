package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopProtectorTripsOnBurst(t *testing.T) {
	lp := NewLoopProtector(LoopOptions{
		Enabled:       true,
		MaxEventCount: 3,
		WindowSize:    time.Second,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, lp.Admit(ctx, "agent.tick"))
	}
	err := lp.Admit(ctx, "agent.tick")
	require.ErrorIs(t, err, ErrLoopDetected)

	// The window retains the offender.
	window := lp.WindowSnapshot()
	assert.Len(t, window, 4)
	assert.Equal(t, "agent.tick", window[3])
}

func TestLoopProtectorWindowExpires(t *testing.T) {
	lp := NewLoopProtector(LoopOptions{
		Enabled:       true,
		MaxEventCount: 2,
		WindowSize:    time.Second,
	})
	now := time.Unix(1000, 0)
	lp.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, lp.Admit(ctx, "agent.tick"))
	require.NoError(t, lp.Admit(ctx, "agent.tick"))
	require.Error(t, lp.Admit(ctx, "agent.tick"))

	// Once the window rolls past, the budget is available again.
	now = now.Add(2 * time.Second)
	assert.NoError(t, lp.Admit(ctx, "agent.tick"))
	assert.Len(t, lp.WindowSnapshot(), 1)
}

func TestLoopProtectorDisabledAdmitsEverything(t *testing.T) {
	lp := NewLoopProtector(LoopOptions{Enabled: false, MaxEventCount: 1})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		assert.NoError(t, lp.Admit(ctx, "agent.tick"))
	}
}

func TestLoopProtectorPatternDetectors(t *testing.T) {
	lp := NewLoopProtector(LoopOptions{Enabled: true, MaxEventCount: 100, WindowSize: time.Minute})

	for i := 0; i < 20; i++ {
		require.NoError(t, lp.Admit(context.Background(), "agent.same"))
	}
	typ, ok := lp.dominantTypeLocked()
	assert.True(t, ok)
	assert.Equal(t, "agent.same", typ)

	lp.Reset()
	for i := 0; i < 6; i++ {
		typ := "agent.a"
		if i%2 == 1 {
			typ = "agent.b"
		}
		require.NoError(t, lp.Admit(context.Background(), typ))
	}
	a, b, ok := lp.alternationLocked()
	assert.True(t, ok)
	assert.Equal(t, "agent.a", a)
	assert.Equal(t, "agent.b", b)

	lp.Reset()
	for _, typ := range []string{"agent.a", "agent.b", "agent.a", "agent.b", "agent.a", "agent.a"} {
		require.NoError(t, lp.Admit(context.Background(), typ))
	}
	_, _, ok = lp.alternationLocked()
	assert.False(t, ok)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{FailureThreshold: 3, ResetTimeout: time.Hour})

	boom := errors.New("emit failed")
	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (any, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Execute(func() (any, error) { return "never runs", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{
		FailureThreshold:       1000, // keep the consecutive rule out of the way
		FailureRateThreshold:   0.5,
		RequestVolumeThreshold: 10,
		ResetTimeout:           time.Hour,
	})

	boom := errors.New("flaky")
	for i := 0; i < 10; i++ {
		fail := i%2 == 1
		_, _ = b.Execute(func() (any, error) {
			if fail {
				return nil, boom
			}
			return "ok", nil
		})
	}
	assert.Equal(t, "open", b.State())
}

func TestBreakerRecoversAfterResetTimeout(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		SuccessThreshold: 2,
	})

	boom := errors.New("down")
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(func() (any, error) { return nil, boom })
	}
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	out, err := b.Execute(func() (any, error) { return "probe", nil })
	require.NoError(t, err)
	assert.Equal(t, "probe", out)
	assert.Equal(t, "half-open", b.State())

	_, err = b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerPassesThroughResults(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{})
	out, err := b.Execute(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestBreakerSlowCallsCountAsFailures(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{
		FailureThreshold:          3,
		RequestVolumeThreshold:    1,
		SlowCallDurationThreshold: time.Millisecond,
		SlowCallRateThreshold:     0.5,
		ResetTimeout:              time.Hour,
	})

	for i := 0; i < 3; i++ {
		out, err := b.Execute(func() (any, error) {
			time.Sleep(5 * time.Millisecond)
			return fmt.Sprintf("slow-%d", i), nil
		})
		// Slow calls still deliver their result to the caller.
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("slow-%d", i), out)
	}
	assert.Equal(t, "open", b.State())
}
