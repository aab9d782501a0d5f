// Package observer provides OTEL-based observability for the gateway:
// task, step, and tool spans plus counters and duration histograms. Users
// export to any OTEL-compatible backend by setting the standard OTEL env
// vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/moonbotlabs/moonbot/observer"

// Instruments holds all OTEL instruments used by the gateway.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	TasksCreated   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	ToolExecutions metric.Int64Counter
	Approvals      metric.Int64Counter
	NodeRequests   metric.Int64Counter

	// Histograms
	TaskDuration metric.Float64Histogram
	ToolDuration metric.Float64Histogram
	NodeDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "moonbot"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	tasksCreated, err := meter.Int64Counter("task.created",
		metric.WithDescription("Tasks admitted"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	tasksCompleted, err := meter.Int64Counter("task.completed",
		metric.WithDescription("Tasks finished DONE"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	tasksFailed, err := meter.Int64Counter("task.failed",
		metric.WithDescription("Tasks finished FAILED or ABORTED"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	approvals, err := meter.Int64Counter("approval.decisions",
		metric.WithDescription("Approval decisions, by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}

	nodeRequests, err := meter.Int64Counter("node.requests",
		metric.WithDescription("Companion RPC count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("task.duration",
		metric.WithDescription("Task execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("node.duration",
		metric.WithDescription("Companion RPC duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         otel.Tracer(scopeName),
		Meter:          meter,
		TasksCreated:   tasksCreated,
		TasksCompleted: tasksCompleted,
		TasksFailed:    tasksFailed,
		ToolExecutions: toolExecutions,
		Approvals:      approvals,
		NodeRequests:   nodeRequests,
		TaskDuration:   taskDuration,
		ToolDuration:   toolDuration,
		NodeDuration:   nodeDuration,
	}, nil
}
