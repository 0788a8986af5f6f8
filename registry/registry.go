// Package registry maintains the per-kernel handler map: exact type keys,
// wildcard handlers, and regex patterns. A background sweeper prunes handlers
// that were deactivated or have gone stale, so long-lived kernels do not leak
// registrations. The registry is an explicit per-kernel object with no global
// state; tests can reset it with ClearHandlers.
package registry

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/telemetry"
)

type (
	// Options configures a Registry.
	Options struct {
		// CleanupInterval is the sweep period for stale handlers.
		CleanupInterval time.Duration
		// StaleThreshold is how long an unused handler survives before the
		// sweeper removes it.
		StaleThreshold time.Duration
		// Logger receives sweep reports. Nil means no logging.
		Logger telemetry.Logger
	}

	// Registration is the handle returned when a handler is registered. It
	// tracks usage for the sweeper and supports explicit deactivation.
	Registration struct {
		id       string
		fn       event.Handler
		lastUsed atomic.Int64 // epoch ms
		active   atomic.Bool
	}

	patternEntry struct {
		re  *regexp.Regexp
		reg *Registration
	}

	// Registry is the three-bucket handler map. Safe for concurrent use.
	Registry struct {
		opts Options

		mu       sync.RWMutex
		exact    map[string][]*Registration
		wildcard []*Registration
		patterns []patternEntry

		stop     chan struct{}
		stopOnce sync.Once
	}
)

// Defaults returns the documented registry defaults.
func Defaults() Options {
	return Options{
		CleanupInterval: 2 * time.Minute,
		StaleThreshold:  10 * time.Minute,
	}
}

// New constructs a Registry and starts its sweeper. Stop the sweeper with
// Close when the owning kernel shuts down.
func New(opts Options) *Registry {
	def := Defaults()
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = def.StaleThreshold
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	r := &Registry{
		opts:  opts,
		exact: make(map[string][]*Registration),
		stop:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// RegisterExact registers a handler for one exact event type.
func (r *Registry) RegisterExact(eventType string, fn event.Handler) *Registration {
	reg := newRegistration(fn)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[eventType] = append(r.exact[eventType], reg)
	return reg
}

// RegisterWildcard registers a handler invoked for every event.
func (r *Registry) RegisterWildcard(fn event.Handler) *Registration {
	reg := newRegistration(fn)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wildcard = append(r.wildcard, reg)
	return reg
}

// RegisterPattern registers a handler for event types matching the regular
// expression.
func (r *Registry) RegisterPattern(pattern string, fn event.Handler) (*Registration, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	reg := newRegistration(fn)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, patternEntry{re: re, reg: reg})
	return reg, nil
}

// Lookup returns the active registrations matching the event type:
// exact matches, then wildcards, then pattern matches.
func (r *Registry) Lookup(eventType string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Registration
	for _, reg := range r.exact[eventType] {
		if reg.active.Load() {
			out = append(out, reg)
		}
	}
	for _, reg := range r.wildcard {
		if reg.active.Load() {
			out = append(out, reg)
		}
	}
	for _, pe := range r.patterns {
		if pe.reg.active.Load() && pe.re.MatchString(eventType) {
			out = append(out, pe.reg)
		}
	}
	return out
}

// Count returns the number of registrations across all buckets, including
// inactive ones not yet swept.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.wildcard) + len(r.patterns)
	for _, regs := range r.exact {
		n += len(regs)
	}
	return n
}

// ClearHandlers removes every registration. Intended for tests.
func (r *Registry) ClearHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact = make(map[string][]*Registration)
	r.wildcard = nil
	r.patterns = nil
}

// Sweep removes registrations that are inactive or have not been used within
// the stale threshold. It returns the number of removed registrations.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.opts.StaleThreshold).UnixMilli()
	keep := func(reg *Registration) bool {
		return reg.active.Load() && reg.lastUsed.Load() > cutoff
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for eventType, regs := range r.exact {
		kept := regs[:0]
		for _, reg := range regs {
			if keep(reg) {
				kept = append(kept, reg)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(r.exact, eventType)
		} else {
			r.exact[eventType] = kept
		}
	}

	keptW := r.wildcard[:0]
	for _, reg := range r.wildcard {
		if keep(reg) {
			keptW = append(keptW, reg)
		} else {
			removed++
		}
	}
	r.wildcard = keptW

	keptP := r.patterns[:0]
	for _, pe := range r.patterns {
		if keep(pe.reg) {
			keptP = append(keptP, pe)
		} else {
			removed++
		}
	}
	r.patterns = keptP

	return removed
}

// Close stops the background sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.opts.Logger.Debug(context.Background(), "swept stale handlers", "removed", removed)
			}
		}
	}
}

// ID returns the registration identifier.
func (reg *Registration) ID() string { return reg.id }

// Invoke runs the handler and stamps its last-used time.
func (reg *Registration) Invoke(ctx context.Context, ev *event.Event) (any, error) {
	reg.lastUsed.Store(time.Now().UnixMilli())
	return reg.fn(ctx, ev)
}

// Deactivate marks the registration for removal on the next sweep. Lookup
// stops returning it immediately.
func (reg *Registration) Deactivate() {
	reg.active.Store(false)
}

func newRegistration(fn event.Handler) *Registration {
	reg := &Registration{id: uuid.NewString(), fn: fn}
	reg.active.Store(true)
	reg.lastUsed.Store(time.Now().UnixMilli())
	return reg
}
