// Package guard protects emit and dispatch sites: a rolling-window loop
// protector that kills runaway event storms, and a circuit breaker that
// short-circuits emission after sustained failures.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kernelworks/axon/telemetry"
)

// ErrLoopDetected reports an emission burst exceeding the window budget.
var ErrLoopDetected = errors.New("INFINITE_LOOP_DETECTED")

type (
	// LoopOptions configures a LoopProtector.
	LoopOptions struct {
		// Enabled turns the protector on. Disabled protectors admit
		// everything.
		Enabled bool
		// MaxEventCount bounds emissions inside the rolling window.
		MaxEventCount int
		// MaxEventRate is the warn threshold in events per second.
		MaxEventRate float64
		// WindowSize is the rolling window span.
		WindowSize time.Duration
		// Logger receives warnings. Nil means no logging.
		Logger telemetry.Logger
	}

	// LoopProtector tracks emissions in a rolling window and rejects bursts
	// that exceed the budget. Safe for concurrent use.
	LoopProtector struct {
		opts LoopOptions

		mu     sync.Mutex
		window []emission

		now func() time.Time
	}

	emission struct {
		at        time.Time
		eventType string
	}
)

// DefaultLoopOptions returns the documented protector defaults.
func DefaultLoopOptions() LoopOptions {
	return LoopOptions{
		Enabled:       true,
		MaxEventCount: 100,
		MaxEventRate:  50,
		WindowSize:    5 * time.Second,
	}
}

// NewLoopProtector constructs a LoopProtector. Zero option fields fall back
// to DefaultLoopOptions; Enabled is taken as given.
func NewLoopProtector(opts LoopOptions) *LoopProtector {
	def := DefaultLoopOptions()
	if opts.MaxEventCount <= 0 {
		opts.MaxEventCount = def.MaxEventCount
	}
	if opts.MaxEventRate <= 0 {
		opts.MaxEventRate = def.MaxEventRate
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &LoopProtector{opts: opts, now: time.Now}
}

// Admit records one emission of the given type and decides whether it may
// proceed. Exceeding MaxEventCount inside the window is a hard failure; rate
// and pattern anomalies only warn.
func (lp *LoopProtector) Admit(ctx context.Context, eventType string) error {
	if !lp.opts.Enabled {
		return nil
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()

	now := lp.now()
	lp.trimLocked(now)
	lp.window = append(lp.window, emission{at: now, eventType: eventType})

	if len(lp.window) > lp.opts.MaxEventCount {
		return fmt.Errorf("%w: %d events of window budget %d, last type %s",
			ErrLoopDetected, len(lp.window), lp.opts.MaxEventCount, eventType)
	}

	rate := float64(len(lp.window)) / lp.opts.WindowSize.Seconds()
	if rate > lp.opts.MaxEventRate {
		lp.opts.Logger.Warn(ctx, "event rate above threshold",
			"rate", rate, "max_rate", lp.opts.MaxEventRate, "event_type", eventType)
	}
	if typ, ok := lp.dominantTypeLocked(); ok {
		lp.opts.Logger.Warn(ctx, "dominant event type in recent window",
			"event_type", typ)
	}
	if a, b, ok := lp.alternationLocked(); ok {
		lp.opts.Logger.Warn(ctx, "alternating event pattern detected",
			"type_a", a, "type_b", b)
	}
	return nil
}

// Reset clears the rolling window.
func (lp *LoopProtector) Reset() {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.window = nil
}

// WindowSnapshot returns the event types currently in the window, oldest
// first. Diagnostics only.
func (lp *LoopProtector) WindowSnapshot() []string {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	out := make([]string, len(lp.window))
	for i, e := range lp.window {
		out[i] = e.eventType
	}
	return out
}

func (lp *LoopProtector) trimLocked(now time.Time) {
	cutoff := now.Add(-lp.opts.WindowSize)
	i := 0
	for i < len(lp.window) && !lp.window[i].at.After(cutoff) {
		i++
	}
	lp.window = lp.window[i:]
}

// dominantTypeLocked reports a type making up at least 70% of the last 20
// emissions.
func (lp *LoopProtector) dominantTypeLocked() (string, bool) {
	const lookback, share = 20, 0.7
	if len(lp.window) < lookback {
		return "", false
	}
	recent := lp.window[len(lp.window)-lookback:]
	counts := make(map[string]int)
	for _, e := range recent {
		counts[e.eventType]++
	}
	for typ, n := range counts {
		if float64(n) >= share*lookback {
			return typ, true
		}
	}
	return "", false
}

// alternationLocked reports a strict A-B-A-B-A-B pattern over the last six
// emissions.
func (lp *LoopProtector) alternationLocked() (string, string, bool) {
	const lookback = 6
	if len(lp.window) < lookback {
		return "", "", false
	}
	recent := lp.window[len(lp.window)-lookback:]
	a, b := recent[0].eventType, recent[1].eventType
	if a == b {
		return "", "", false
	}
	for i, e := range recent {
		want := a
		if i%2 == 1 {
			want = b
		}
		if e.eventType != want {
			return "", "", false
		}
	}
	return a, b, true
}
