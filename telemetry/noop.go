package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoopLogger, NoopMetrics and NoopTracer discard everything. They back the
// nil-option defaults across the runtime packages.
type (
	NoopLogger  struct{}
	NoopMetrics struct{}
	NoopTracer  struct{}

	noopSpan struct{}
)

// NewNoopLogger returns a Logger that drops every message.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics recorder that drops every measurement.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer { return NoopTracer{} }

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}

func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
