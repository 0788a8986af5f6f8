package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kernelworks/axon/telemetry"
)

// ErrCircuitOpen reports a call rejected while the breaker is open.
var ErrCircuitOpen = errors.New("CIRCUIT_OPEN")

// errSlowCall marks a successful but slow call as a failure for the breaker
// accounting. Never returned to callers.
var errSlowCall = errors.New("slow call")

type (
	// BreakerOptions configures a CircuitBreaker.
	BreakerOptions struct {
		// Name labels the breaker in logs and state-change notifications.
		Name string
		// FailureThreshold opens the breaker after this many consecutive
		// failures.
		FailureThreshold uint32
		// FailureRateThreshold opens the breaker when the failure ratio over
		// at least RequestVolumeThreshold calls exceeds it.
		FailureRateThreshold float64
		// RequestVolumeThreshold is the minimum call count before the rate
		// thresholds apply.
		RequestVolumeThreshold uint32
		// ResetTimeout is how long the breaker stays open before probing.
		ResetTimeout time.Duration
		// SuccessThreshold closes a half-open breaker after this many
		// consecutive successes.
		SuccessThreshold uint32
		// SlowCallDurationThreshold marks calls slower than this as slow.
		SlowCallDurationThreshold time.Duration
		// SlowCallRateThreshold counts a slow call as a failure when the slow
		// ratio over the request volume exceeds it.
		SlowCallRateThreshold float64
		// Logger receives state transitions. Nil means no logging.
		Logger telemetry.Logger
	}

	// CircuitBreaker wraps emit and dispatch calls, short-circuiting with
	// ErrCircuitOpen after sustained failures and probing recovery after the
	// reset timeout. Safe for concurrent use.
	CircuitBreaker struct {
		opts BreakerOptions
		cb   *gobreaker.CircuitBreaker

		mu    sync.Mutex
		calls uint64
		slow  uint64
	}
)

// DefaultBreakerOptions returns the documented breaker defaults.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold:          5,
		FailureRateThreshold:      0.8,
		RequestVolumeThreshold:    10,
		ResetTimeout:              30 * time.Second,
		SuccessThreshold:          3,
		SlowCallDurationThreshold: 5 * time.Second,
		SlowCallRateThreshold:     0.7,
	}
}

// NewCircuitBreaker constructs a CircuitBreaker. Zero option fields fall
// back to DefaultBreakerOptions.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	def := DefaultBreakerOptions()
	if opts.Name == "" {
		opts.Name = "emit"
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.FailureRateThreshold <= 0 {
		opts.FailureRateThreshold = def.FailureRateThreshold
	}
	if opts.RequestVolumeThreshold == 0 {
		opts.RequestVolumeThreshold = def.RequestVolumeThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	if opts.SuccessThreshold == 0 {
		opts.SuccessThreshold = def.SuccessThreshold
	}
	if opts.SlowCallDurationThreshold <= 0 {
		opts.SlowCallDurationThreshold = def.SlowCallDurationThreshold
	}
	if opts.SlowCallRateThreshold <= 0 {
		opts.SlowCallRateThreshold = def.SlowCallRateThreshold
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}

	b := &CircuitBreaker{opts: opts}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: opts.Name,
		// Half-open allowance doubles as the consecutive-success bar for
		// closing again.
		MaxRequests: opts.SuccessThreshold,
		Timeout:     opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= opts.FailureThreshold {
				return true
			}
			if counts.Requests < opts.RequestVolumeThreshold {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= opts.FailureRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn(context.Background(), "circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Execute runs fn through the breaker. Open-state rejections surface as
// ErrCircuitOpen. Successful calls slower than the slow-call threshold count
// as failures once the slow-call rate exceeds its threshold, but the
// caller still receives the result.
func (b *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	var slowResult any
	out, err := b.cb.Execute(func() (any, error) {
		start := time.Now()
		res, callErr := fn()
		if callErr != nil {
			return nil, callErr
		}
		if b.recordCall(time.Since(start)) {
			slowResult = res
			return nil, errSlowCall
		}
		return res, nil
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errSlowCall):
		return slowResult, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: breaker %s", ErrCircuitOpen, b.opts.Name)
	default:
		return nil, err
	}
}

// State returns the breaker state name: closed, half-open or open.
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

// recordCall tracks slow-call counts and reports whether this call should be
// treated as a failure by the breaker.
func (b *CircuitBreaker) recordCall(elapsed time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if elapsed <= b.opts.SlowCallDurationThreshold {
		return false
	}
	b.slow++
	if b.calls < uint64(b.opts.RequestVolumeThreshold) {
		return false
	}
	return float64(b.slow)/float64(b.calls) >= b.opts.SlowCallRateThreshold
}
