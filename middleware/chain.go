// Package middleware provides the composable wrappers applied around event
// handlers: observability, retry, timeout, concurrency limiting, and payload
// validation. Middlewares are split into two kinds — pipeline middlewares
// wrap the whole invocation, handler middlewares wrap the handler itself —
// and composed outermost-in by ascending priority.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kernelworks/axon/event"
)

// Kind distinguishes where a middleware sits in the chain.
type Kind string

const (
	// KindPipeline middlewares (retry, timeout, concurrency, schedule) wrap
	// the whole invocation including inner middlewares.
	KindPipeline Kind = "pipeline"
	// KindHandler middlewares (validation, transform) wrap the handler only.
	KindHandler Kind = "handler"
)

type (
	// Middleware is a named, prioritized handler wrapper. Priority runs
	// 0-100; lower priorities sit further out in the chain. When is an
	// optional predicate: events it rejects bypass the wrapper.
	Middleware struct {
		// Name identifies the middleware in errors and logs.
		Name string
		// Kind places the middleware in the pipeline or handler stage.
		Kind Kind
		// Priority orders composition; lower runs first (outermost).
		Priority int
		// When gates the middleware per event. Nil means always.
		When func(*event.Event) bool
		// Wrap produces the wrapped handler.
		Wrap func(event.Handler) event.Handler
	}

	// Error wraps a failure raised inside the chain with the middleware that
	// surfaced it and the time spent before failing.
	Error struct {
		// Middleware names the wrapper that observed the failure.
		Middleware string
		// Original is the underlying error.
		Original error
		// ExecutionTime is the elapsed time when the failure surfaced.
		ExecutionTime time.Duration
		// EventID identifies the event being processed.
		EventID string
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("middleware %s failed after %v: %v", e.Middleware, e.ExecutionTime, e.Original)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Original }

// WrapError builds a middleware Error unless err already is one.
func WrapError(name string, err error, elapsed time.Duration, eventID string) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Middleware: name, Original: err, ExecutionTime: elapsed, EventID: eventID}
}

// Compose builds the full chain around h: pipeline middlewares outermost-in
// by ascending priority, then handler middlewares inside. The composition is
// a right fold, so Compose(m1, m2, m3) applies m1(m2(m3(h))).
func Compose(mws []Middleware, h event.Handler) event.Handler {
	pipeline, handler := partition(mws)
	h = fold(handler, h)
	return fold(pipeline, h)
}

// partition splits and priority-sorts the middleware list into its pipeline
// and handler stages. Sorting is stable so equal priorities keep their
// configured order.
func partition(mws []Middleware) (pipeline, handler []Middleware) {
	for _, m := range mws {
		switch m.Kind {
		case KindHandler:
			handler = append(handler, m)
		default:
			pipeline = append(pipeline, m)
		}
	}
	sort.SliceStable(pipeline, func(i, j int) bool { return pipeline[i].Priority < pipeline[j].Priority })
	sort.SliceStable(handler, func(i, j int) bool { return handler[i].Priority < handler[j].Priority })
	return pipeline, handler
}

func fold(mws []Middleware, h event.Handler) event.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = conditional(mws[i], h)
	}
	return h
}

// conditional applies the middleware's predicate: events it rejects flow
// straight to the inner handler.
func conditional(m Middleware, inner event.Handler) event.Handler {
	wrapped := m.Wrap(inner)
	if m.When == nil {
		return wrapped
	}
	return func(ctx context.Context, ev *event.Event) (any, error) {
		if !m.When(ev) {
			return inner(ctx, ev)
		}
		return wrapped(ctx, ev)
	}
}
