// Package telemetry wires OpenTelemetry tracing and metrics for swarmd: one
// tracer provider, one meter provider, a stdout exporter in dev, a no-op
// provider otherwise. The Pool Manager and Trigger Loop record Counters; no
// component starts spans with the Tracer.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Providers bundles the tracer and meter providers, plus a shutdown hook.
type Providers struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Shutdown func(context.Context) error
}

// Setup configures OTel according to exporter ("stdout" or anything else,
// meaning no-op). w is the stdout exporter's sink (os.Stdout in the daemon,
// io.Discard or a buffer in tests).
func Setup(exporter string, w io.Writer) (Providers, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName("swarmd")))
	if err != nil {
		return Providers{}, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if exporter != "stdout" {
		tp := noop.NewTracerProvider()
		mp := otel.GetMeterProvider()
		return Providers{
			Tracer:   tp.Tracer("swarmd"),
			Meter:    mp.Meter("swarmd"),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	if w == nil {
		w = io.Discard
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return Providers{}, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return Providers{
		Tracer: tp.Tracer("swarmd"),
		Meter:  mp.Meter("swarmd"),
		Shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return mp.Shutdown(ctx)
		},
	}, nil
}

// Counters bundles the task/sandbox counters recorded by the Pool Manager and
// the Trigger Loop.
type Counters struct {
	TasksDispatched   metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	SandboxesCreated  metric.Int64Counter
	SandboxesDestroyed metric.Int64Counter
}

// NewCounters registers the standard swarmd counters on meter.
func NewCounters(meter metric.Meter) (Counters, error) {
	var c Counters
	var err error
	if c.TasksDispatched, err = meter.Int64Counter("swarmd.tasks.dispatched"); err != nil {
		return c, err
	}
	if c.TasksCompleted, err = meter.Int64Counter("swarmd.tasks.completed"); err != nil {
		return c, err
	}
	if c.TasksFailed, err = meter.Int64Counter("swarmd.tasks.failed"); err != nil {
		return c, err
	}
	if c.SandboxesCreated, err = meter.Int64Counter("swarmd.sandboxes.created"); err != nil {
		return c, err
	}
	if c.SandboxesDestroyed, err = meter.Int64Counter("swarmd.sandboxes.destroyed"); err != nil {
		return c, err
	}
	return c, nil
}
