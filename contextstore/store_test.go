package contextstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	// Keep the background flusher out of timing-sensitive tests.
	if opts.DebounceInterval == 0 {
		opts.DebounceInterval = time.Hour
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newStore(t, Options{})

	s.Set("acme", "session", "goal", "book a flight")
	v, ok := s.Get("acme", "session", "goal")
	require.True(t, ok)
	assert.Equal(t, "book a flight", v)

	s.Delete("acme", "session", "goal")
	_, ok = s.Get("acme", "session", "goal")
	assert.False(t, ok)
}

func TestTenantIsolation(t *testing.T) {
	s := newStore(t, Options{})

	s.Set("acme", "session", "goal", "a")
	s.Set("globex", "session", "goal", "b")

	v, _ := s.Get("acme", "session", "goal")
	assert.Equal(t, "a", v)
	v, _ = s.Get("globex", "session", "goal")
	assert.Equal(t, "b", v)

	s.ClearTenant("acme")
	_, ok := s.Get("acme", "session", "goal")
	assert.False(t, ok)
	_, ok = s.Get("globex", "session", "goal")
	assert.True(t, ok)
}

func TestEvictionNeverLosesState(t *testing.T) {
	s := newStore(t, Options{CacheSize: 10})

	for i := 0; i < 11; i++ {
		s.Set("acme", "ns", fmt.Sprintf("k%d", i), i)
	}

	stats := s.Stats()
	assert.Equal(t, 11, stats.Keys)
	assert.LessOrEqual(t, stats.Size, 10)
	assert.NotZero(t, stats.Evictions)

	// Evicted keys still resolve from the authoritative map.
	for i := 0; i < 11; i++ {
		v, ok := s.Get("acme", "ns", fmt.Sprintf("k%d", i))
		require.True(t, ok, "k%d", i)
		assert.Equal(t, i, v)
	}

	// The snapshot projection carries every key, evicted or not.
	state := s.Project("acme")
	require.Len(t, state, 11)
	for i := 0; i < 11; i++ {
		assert.Contains(t, state, fmt.Sprintf("ns.k%d", i))
	}
}

func TestAuthoritativeFallbackCountsCacheMiss(t *testing.T) {
	s := newStore(t, Options{CacheSize: 2})

	s.Set("acme", "ns", "k0", 0)
	s.Set("acme", "ns", "k1", 1)
	s.Set("acme", "ns", "k2", 2) // evicts k0 from the cache

	v, ok := s.Get("acme", "ns", "k0")
	require.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, uint64(1), s.Stats().Misses)

	// The fallback promoted k0 back into the cache.
	_, _ = s.Get("acme", "ns", "k0")
	assert.Equal(t, uint64(1), s.Stats().Hits)
}

func TestBatchedWritesVisibleBeforeFlush(t *testing.T) {
	s := newStore(t, Options{Batching: true})

	s.Set("acme", "ns", "k", "staged")
	v, ok := s.Get("acme", "ns", "k")
	require.True(t, ok)
	assert.Equal(t, "staged", v)
	assert.Equal(t, 1, s.Stats().Staged)

	n := s.Flush()
	assert.Equal(t, 1, n)
	assert.Zero(t, s.Stats().Staged)

	v, ok = s.Get("acme", "ns", "k")
	require.True(t, ok)
	assert.Equal(t, "staged", v)
}

func TestBatchedDeleteHidesImmediately(t *testing.T) {
	s := newStore(t, Options{Batching: true})

	s.Set("acme", "ns", "k", 1)
	s.Flush()
	s.Delete("acme", "ns", "k")

	_, ok := s.Get("acme", "ns", "k")
	assert.False(t, ok)

	s.Flush()
	_, ok = s.Get("acme", "ns", "k")
	assert.False(t, ok)
}

func TestDebounceFlushes(t *testing.T) {
	s, err := New(Options{Batching: true, DebounceInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	s.Set("acme", "ns", "k", "v")
	require.Eventually(t, func() bool {
		return s.Stats().Staged == 0
	}, time.Second, time.Millisecond)
}

func TestIncrementIsAtomic(t *testing.T) {
	s := newStore(t, Options{Batching: true})

	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Increment("acme", "counters", "events", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, ok := s.Get("acme", "counters", "events")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), v)
}

func TestIncrementRejectsNonNumeric(t *testing.T) {
	s := newStore(t, Options{})
	s.Set("acme", "ns", "k", "text")
	_, err := s.Increment("acme", "ns", "k", 1)
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestProjectAndRestore(t *testing.T) {
	s := newStore(t, Options{Batching: true})

	s.Set("acme", "session", "goal", "fly")
	s.Flush()
	s.Set("acme", "session", "step", 2) // staged, still projected
	s.Set("globex", "session", "goal", "other tenant")

	state := s.Project("acme")
	assert.Equal(t, map[string]any{
		"session.goal": "fly",
		"session.step": 2,
	}, state)

	restored := newStore(t, Options{})
	restored.Restore("acme", state)
	v, ok := restored.Get("acme", "session", "goal")
	require.True(t, ok)
	assert.Equal(t, "fly", v)
	v, ok = restored.Get("acme", "session", "step")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestRestoreDottedNamespace(t *testing.T) {
	s := newStore(t, Options{})

	s.Set("acme", "agent.plan", "step", 42)
	state := s.Project("acme")
	require.Equal(t, map[string]any{"agent.plan.step": 42}, state)

	restored := newStore(t, Options{})
	restored.Restore("acme", state)
	v, ok := restored.Get("acme", "agent.plan", "step")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	// The key must not land under a truncated namespace.
	_, ok = restored.Get("acme", "agent", "plan.step")
	assert.False(t, ok)
}

func TestStatsHitsMisses(t *testing.T) {
	s := newStore(t, Options{})
	s.Set("acme", "ns", "k", 1)

	_, _ = s.Get("acme", "ns", "k")
	_, _ = s.Get("acme", "ns", "absent")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}
