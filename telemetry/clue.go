package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// scope names the instrumentation library for meters and tracers.
const scope = "github.com/kernelworks/axon"

type (
	clueLogger struct{}

	otelMetrics struct {
		meter metric.Meter
	}

	otelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewLogger returns a Logger backed by goa.design/clue/log. Output format and
// debug level come from the context, so callers must log with a context built
// by log.Context.
func NewLogger() Logger { return clueLogger{} }

// NewMetrics returns a Metrics recorder on the global OTEL MeterProvider.
func NewMetrics() Metrics { return &otelMetrics{meter: otel.Meter(scope)} }

// NewTracer returns a Tracer on the global OTEL TracerProvider.
func NewTracer() Tracer { return &otelTracer{tracer: otel.Tracer(scope)} }

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fields(msg, keyvals)...)
}

func (m *otelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *otelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	h.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// RecordGauge records through a histogram because OTEL offers no synchronous
// gauge instrument.
func (m *otelMetrics) RecordGauge(name string, value float64, tags ...string) {
	h, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (t *otelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(eventAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fields prefixes the message and folds the keyval pairs into Clue fielders.
// Keys that are not strings are dropped.
func fields(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, 1+len(keyvals)/2)
	out = append(out, log.KV{K: "msg", V: msg})
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok {
			out = append(out, log.KV{K: k, V: keyvals[i+1]})
		}
	}
	if len(keyvals)%2 == 1 {
		if k, ok := keyvals[len(keyvals)-1].(string); ok {
			out = append(out, log.KV{K: k, V: nil})
		}
	}
	return out
}

// tagAttrs turns alternating tag strings into string attributes. A dangling
// key gets an empty value.
func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

// eventAttrs converts span-event keyvals into typed attributes, stringifying
// anything without a native attribute type.
func eventAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmtAny(val)))
		}
	}
	return attrs
}

func fmtAny(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
