package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moonbotlabs/moonbot"
)

// otelTracer bridges the orchestrator's tracing seam onto OpenTelemetry.
// The orchestrator opens a span per task run and the executor nests step
// and recovery spans under it; this adapter carries them to whatever
// backend the provider exports to.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a moonbot.Tracer backed by the global OTEL
// TracerProvider. Call Init first; without a configured provider the task
// and step spans land in a no-op backend.
func NewTracer() moonbot.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...moonbot.SpanAttr) (context.Context, moonbot.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(spanAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...moonbot.SpanAttr) {
	s.inner.SetAttributes(spanAttrs(attrs)...)
}

// Event records a point-in-time marker on the span, such as a recovery
// decision or an approval pause.
func (s *otelSpan) Event(name string, attrs ...moonbot.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(spanAttrs(attrs)...))
}

// Error marks the span failed. Task spans carry the TaskError's string
// form, so the stable error code is searchable in the backend.
func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// spanAttrs converts the orchestrator's span attributes to OTEL key/values.
// Task and step ids are strings; counts and durations arrive as ints.
func spanAttrs(attrs []moonbot.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ moonbot.Tracer = (*otelTracer)(nil)
	_ moonbot.Span   = (*otelSpan)(nil)
)
