package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/telemetry"
)

var (
	// ErrTimeout reports a handler that exceeded its time budget.
	ErrTimeout = errors.New("handler timed out")
	// ErrConcurrencyLimit reports a saturated per-key concurrency slot.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
)

// Observability returns a pipeline middleware that traces each invocation
// with an event.process.<type> span, attaches the event identity attributes,
// and records failures on the span.
func Observability(tracer telemetry.Tracer, logger telemetry.Logger) Middleware {
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return Middleware{
		Name:     "observability",
		Kind:     KindPipeline,
		Priority: 10,
		Wrap: func(next event.Handler) event.Handler {
			return func(ctx context.Context, ev *event.Event) (any, error) {
				ctx, span := tracer.Start(ctx, "event.process."+ev.Type)
				span.AddEvent("event.received",
					"tenant_id", ev.Metadata.TenantID,
					"correlation_id", ev.Metadata.CorrelationID,
					"thread_id", ev.ThreadID,
					"ts", ev.Timestamp,
				)
				defer span.End()

				out, err := next(ctx, ev)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					logger.Error(ctx, "event processing failed",
						"event_id", ev.ID, "event_type", ev.Type, "error", err.Error())
					return out, err
				}
				span.SetStatus(codes.Ok, "processed")
				return out, nil
			}
		},
	}
}

// RetryOptions tunes the retry middleware.
type RetryOptions struct {
	// MaxAttempts bounds total attempts, including the first.
	MaxAttempts int
	// Backoff is the delay before the first retry.
	Backoff time.Duration
	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration
	// NonRetryableErrors lists error substrings that disable retries.
	NonRetryableErrors []string
}

// Retry returns a pipeline middleware that reruns failing handlers with
// capped exponential backoff, skipping errors marked non-retryable.
func Retry(opts RetryOptions) Middleware {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return Middleware{
		Name:     "retry",
		Kind:     KindPipeline,
		Priority: 20,
		Wrap: func(next event.Handler) event.Handler {
			return func(ctx context.Context, ev *event.Event) (any, error) {
				backoff := opts.Backoff
				var lastErr error
				for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
					out, err := next(ctx, ev)
					if err == nil {
						return out, nil
					}
					lastErr = err
					if nonRetryable(err, opts.NonRetryableErrors) || attempt == opts.MaxAttempts {
						break
					}
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(backoff):
					}
					backoff *= 2
					if backoff > opts.MaxBackoff {
						backoff = opts.MaxBackoff
					}
				}
				return nil, lastErr
			}
		},
	}
}

// Timeout returns a pipeline middleware that races the handler against a
// timer and fails with ErrTimeout when the budget is exceeded. The handler
// keeps running in the background until it observes the context cancel.
func Timeout(d time.Duration) Middleware {
	return Middleware{
		Name:     "timeout",
		Kind:     KindPipeline,
		Priority: 30,
		Wrap: func(next event.Handler) event.Handler {
			return func(ctx context.Context, ev *event.Event) (any, error) {
				ctx, cancel := context.WithTimeout(ctx, d)
				defer cancel()

				type result struct {
					out any
					err error
				}
				done := make(chan result, 1)
				go func() {
					out, err := next(ctx, ev)
					done <- result{out, err}
				}()
				select {
				case <-ctx.Done():
					if errors.Is(ctx.Err(), context.DeadlineExceeded) {
						return nil, fmt.Errorf("%w after %v", ErrTimeout, d)
					}
					return nil, ctx.Err()
				case res := <-done:
					return res.out, res.err
				}
			}
		},
	}
}

// Concurrency returns a pipeline middleware bounding parallel invocations
// per key. KeyFn defaults to the event thread; saturated keys are rejected
// immediately with ErrConcurrencyLimit.
func Concurrency(maxConcurrent int64, keyFn func(*event.Event) string) Middleware {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if keyFn == nil {
		keyFn = func(ev *event.Event) string { return ev.ThreadID }
	}
	var mu sync.Mutex
	sems := make(map[string]*semaphore.Weighted)
	return Middleware{
		Name:     "concurrency",
		Kind:     KindPipeline,
		Priority: 40,
		Wrap: func(next event.Handler) event.Handler {
			return func(ctx context.Context, ev *event.Event) (any, error) {
				key := keyFn(ev)
				mu.Lock()
				sem, ok := sems[key]
				if !ok {
					sem = semaphore.NewWeighted(maxConcurrent)
					sems[key] = sem
				}
				mu.Unlock()

				if !sem.TryAcquire(1) {
					return nil, fmt.Errorf("%w: key %q", ErrConcurrencyLimit, key)
				}
				defer sem.Release(1)
				return next(ctx, ev)
			}
		},
	}
}

// Transform returns a handler middleware that rewrites the event before it
// reaches the handler. The input event is never mutated; fn receives a copy.
func Transform(name string, fn func(*event.Event) *event.Event) Middleware {
	return Middleware{
		Name:     name,
		Kind:     KindHandler,
		Priority: 60,
		Wrap: func(next event.Handler) event.Handler {
			return func(ctx context.Context, ev *event.Event) (any, error) {
				return next(ctx, fn(ev.Clone()))
			}
		},
	}
}

func nonRetryable(err error, substrings []string) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		if s != "" && strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
