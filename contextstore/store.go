// Package contextstore implements the tenant-scoped key-value store backing
// each kernel. The authoritative state is a per-tenant map; a bounded LRU sits
// in front of it as a hot-key projection, so eviction never loses data. Writes
// can be staged in a batch that is flushed on a debounce interval or
// explicitly on pause and completion.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kernelworks/axon/telemetry"
)

// ErrNotNumeric reports an Increment against a value that is not an integer.
var ErrNotNumeric = errors.New("value is not numeric")

// keySep never appears in validated event namespaces, so composite keys
// cannot collide.
const keySep = "\x00"

type (
	// Options configures a Store.
	Options struct {
		// CacheSize bounds the number of entries held in the LRU projection.
		// Authoritative state is unbounded.
		CacheSize int
		// Batching stages writes in a queue instead of applying them
		// immediately. Reads still observe staged values.
		Batching bool
		// DebounceInterval is the flush period for staged writes.
		DebounceInterval time.Duration
		// Logger receives flush reports. Nil means no logging.
		Logger telemetry.Logger
	}

	// Stats summarizes store and cache behavior.
	Stats struct {
		// Keys counts authoritative entries across all tenants.
		Keys int
		// Size counts entries currently held in the LRU.
		Size      int
		Staged    int
		Hits      uint64
		Misses    uint64
		Evictions uint64
	}

	// Store is the tenant-scoped context store. Safe for concurrent use.
	Store struct {
		opts Options

		mu sync.Mutex
		// data is the authoritative state: tenant → namespace\x00key → value.
		data map[string]map[string]any
		// cache is a bounded projection of hot composite keys over data.
		cache     *lru.Cache[string, any]
		staged    map[string]stagedWrite
		order     []string
		keyLocks  map[string]*sync.Mutex
		hits      uint64
		misses    uint64
		evictions uint64

		stop     chan struct{}
		stopOnce sync.Once
	}

	stagedWrite struct {
		value   any
		deleted bool
	}
)

// Defaults returns the documented store defaults.
func Defaults() Options {
	return Options{
		CacheSize:        1000,
		DebounceInterval: 100 * time.Millisecond,
	}
}

// New constructs a Store. When batching is on a background flusher runs on
// the debounce interval; stop it with Close.
func New(opts Options) (*Store, error) {
	def := Defaults()
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = def.DebounceInterval
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	s := &Store{
		opts:     opts,
		data:     make(map[string]map[string]any),
		staged:   make(map[string]stagedWrite),
		keyLocks: make(map[string]*sync.Mutex),
		stop:     make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[string, any](opts.CacheSize, func(string, any) {
		s.evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("create context cache: %w", err)
	}
	s.cache = cache
	if opts.Batching {
		go s.flushLoop()
	}
	return s, nil
}

// Set writes a value. With batching on, the write is staged and becomes
// durable on the next flush; reads observe it immediately.
func (s *Store) Set(tenantID, namespace, key string, value any) {
	k := compositeKey(tenantID, namespace, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Batching {
		s.stageLocked(k, stagedWrite{value: value})
		return
	}
	s.applyLocked(k, stagedWrite{value: value})
}

// Get reads a value, consulting staged writes, then the cache, then the
// authoritative map. A value found only in the authoritative map counts as a
// cache miss and is promoted back into the cache.
func (s *Store) Get(tenantID, namespace, key string) (any, bool) {
	k := compositeKey(tenantID, namespace, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(k)
}

func (s *Store) getLocked(k string) (any, bool) {
	if w, ok := s.staged[k]; ok {
		if w.deleted {
			s.misses++
			return nil, false
		}
		s.hits++
		return w.value, true
	}
	if v, ok := s.cache.Get(k); ok {
		s.hits++
		return v, true
	}
	s.misses++
	tenant, sub, _ := strings.Cut(k, keySep)
	if v, ok := s.data[tenant][sub]; ok {
		s.cache.Add(k, v)
		return v, true
	}
	return nil, false
}

// Delete removes a value. With batching on, the deletion is staged so reads
// stop observing the key immediately.
func (s *Store) Delete(tenantID, namespace, key string) {
	k := compositeKey(tenantID, namespace, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Batching {
		s.stageLocked(k, stagedWrite{deleted: true})
		return
	}
	s.applyLocked(k, stagedWrite{deleted: true})
}

// Increment atomically adds delta to an integer value and returns the new
// total. Missing keys start at zero. Non-integer values fail with
// ErrNotNumeric.
func (s *Store) Increment(tenantID, namespace, key string, delta int64) (int64, error) {
	k := compositeKey(tenantID, namespace, key)
	kl := s.keyLock(k)
	kl.Lock()
	defer kl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := int64(0)
	if v, ok := s.getLocked(k); ok {
		n, err := asInt64(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s/%s/%s holds %T", ErrNotNumeric, tenantID, namespace, key, v)
		}
		cur = n
	}
	next := cur + delta
	if s.opts.Batching {
		s.stageLocked(k, stagedWrite{value: next})
	} else {
		s.applyLocked(k, stagedWrite{value: next})
	}
	return next, nil
}

// Flush applies all staged writes in staging order. Call on pause and on
// completion so snapshots observe a settled store.
func (s *Store) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() int {
	n := len(s.order)
	for _, k := range s.order {
		s.applyLocked(k, s.staged[k])
	}
	s.staged = make(map[string]stagedWrite)
	s.order = s.order[:0]
	return n
}

// applyLocked commits one write to the authoritative map and the cache.
func (s *Store) applyLocked(k string, w stagedWrite) {
	tenant, sub, _ := strings.Cut(k, keySep)
	if w.deleted {
		delete(s.data[tenant], sub)
		if len(s.data[tenant]) == 0 {
			delete(s.data, tenant)
		}
		s.cache.Remove(k)
		return
	}
	if s.data[tenant] == nil {
		s.data[tenant] = make(map[string]any)
	}
	s.data[tenant][sub] = w.value
	s.cache.Add(k, w.value)
}

// Project returns the tenant's full authoritative state as namespace.key →
// value, merging staged writes over it. The result is suitable as snapshot
// state; cache eviction never drops keys from it.
func (s *Store) Project(tenantID string) map[string]any {
	prefix := tenantID + keySep
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.data[tenantID]))
	for sub, v := range s.data[tenantID] {
		out[strings.ReplaceAll(sub, keySep, ".")] = v
	}
	for k, w := range s.staged {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		pk := strings.ReplaceAll(strings.TrimPrefix(k, prefix), keySep, ".")
		if w.deleted {
			delete(out, pk)
		} else {
			out[pk] = w.value
		}
	}
	return out
}

// Restore loads projected state back into the tenant's store, bypassing the
// staging queue. The projection flattens to namespace.key, so the split is on
// the last dot: namespaces may be dotted (agent.plan), keys must not be.
func (s *Store) Restore(tenantID string, state map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pk, v := range state {
		namespace, key := "default", pk
		if i := strings.LastIndex(pk, "."); i >= 0 {
			namespace, key = pk[:i], pk[i+1:]
		}
		s.applyLocked(compositeKey(tenantID, namespace, key), stagedWrite{value: v})
	}
}

// ClearTenant drops all of the tenant's entries, staged, cached and
// authoritative.
func (s *Store) ClearTenant(tenantID string) {
	prefix := tenantID + keySep
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, tenantID)
	for k := range s.staged {
		if strings.HasPrefix(k, prefix) {
			delete(s.staged, k)
		}
	}
	var order []string
	for _, k := range s.order {
		if !strings.HasPrefix(k, prefix) {
			order = append(order, k)
		}
	}
	s.order = order
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
}

// Stats reports store and cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := 0
	for _, m := range s.data {
		keys += len(m)
	}
	return Stats{
		Keys:      keys,
		Size:      s.cache.Len(),
		Staged:    len(s.staged),
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
	}
}

// Close stops the background flusher and applies any staged writes.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.Flush()
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.opts.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Flush(); n > 0 {
				s.opts.Logger.Debug(context.Background(), "flushed staged context writes", "count", n)
			}
		}
	}
}

func (s *Store) stageLocked(k string, w stagedWrite) {
	if _, exists := s.staged[k]; !exists {
		s.order = append(s.order, k)
	}
	s.staged[k] = w
}

func (s *Store) keyLock(k string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.keyLocks[k]
	if !ok {
		kl = &sync.Mutex{}
		s.keyLocks[k] = kl
	}
	return kl
}

func compositeKey(tenantID, namespace, key string) string {
	return tenantID + keySep + namespace + keySep + key
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, ErrNotNumeric
}
