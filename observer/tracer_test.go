package observer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/moonbotlabs/moonbot"
)

func recordingTracer() (moonbot.Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &otelTracer{inner: tp.Tracer(scopeName)}, rec
}

func TestTracer_TaskSpanCarriesAttributes(t *testing.T) {
	tracer, rec := recordingTracer()

	_, span := tracer.Start(context.Background(), "task.run",
		moonbot.StringAttr("task.id", "t1"),
		moonbot.IntAttr("plan.steps", 3))
	span.Event("step.recovered", moonbot.StringAttr("tool", "web_fetch"))
	span.SetAttr(moonbot.BoolAttr("replanned", true))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "task.run" {
		t.Errorf("span name = %q, want task.run", got.Name())
	}
	want := map[attribute.Key]attribute.Value{
		"task.id":    attribute.StringValue("t1"),
		"plan.steps": attribute.IntValue(3),
		"replanned":  attribute.BoolValue(true),
	}
	for _, kv := range got.Attributes() {
		if v, ok := want[kv.Key]; ok && kv.Value == v {
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
	if len(got.Events()) != 1 || got.Events()[0].Name != "step.recovered" {
		t.Errorf("events = %+v, want one step.recovered event", got.Events())
	}
}

func TestTracer_ErrorMarksSpanFailed(t *testing.T) {
	tracer, rec := recordingTracer()

	_, span := tracer.Start(context.Background(), "task.run")
	span.Error(errors.New("TIMEOUT: step deadline exceeded"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("status = %v, want error", status.Code)
	}
	if status.Description != "TIMEOUT: step deadline exceeded" {
		t.Errorf("description = %q, want the error string", status.Description)
	}
}

func TestSpanAttrs_ConvertsValueTypes(t *testing.T) {
	got := spanAttrs([]moonbot.SpanAttr{
		{Key: "s", Value: "x"},
		{Key: "i", Value: 7},
		{Key: "i64", Value: int64(9)},
		{Key: "f", Value: 1.5},
		{Key: "b", Value: true},
		{Key: "other", Value: []int{1}},
	})
	want := []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Int("i", 7),
		attribute.Int64("i64", 9),
		attribute.Float64("f", 1.5),
		attribute.Bool("b", true),
		attribute.String("other", "[1]"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d attrs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attr %d = %v, want %v", i, got[i], want[i])
		}
	}
}
