// Package observer provides OTEL-based observability for the run execution
// core. It exposes a relay.Tracer backed by OpenTelemetry plus instrumented
// wrappers for the model collaborator and tool providers. Export goes to any
// OTLP-compatible backend configured through the standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/relay/observer"

// Instruments holds the OTEL instruments used by the wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	RunsCompleted   metric.Int64Counter
	ToolInvocations metric.Int64Counter
	LLMRequests     metric.Int64Counter
	SandboxExecs    metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	ToolDuration metric.Float64Histogram
	LLMDuration  metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("relay")),
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

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := NewInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// NewInstruments builds instruments from the global providers. Without a
// prior Init they are no-op, which keeps the wrappers safe in tests.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	runsCompleted, err := meter.Int64Counter("run.completed",
		metric.WithDescription("Completed runs by type and terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	toolInvocations, err := meter.Int64Counter("tool.invocations",
		metric.WithDescription("Tool invocation count"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	sandboxExecs, err := meter.Int64Counter("sandbox.execs",
		metric.WithDescription("Sandbox executions by status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("run.duration",
		metric.WithDescription("Run execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          otel.Tracer(scopeName),
		Meter:           meter,
		Logger:          global.GetLoggerProvider().Logger(scopeName),
		RunsCompleted:   runsCompleted,
		ToolInvocations: toolInvocations,
		LLMRequests:     llmRequests,
		SandboxExecs:    sandboxExecs,
		RunDuration:     runDuration,
		ToolDuration:    toolDuration,
		LLMDuration:     llmDuration,
	}, nil
}

// RunCompleted records one terminal run.
func (i *Instruments) RunCompleted(ctx context.Context, runType, status string, durationMS float64) {
	i.RunsCompleted.Add(ctx, 1, metric.WithAttributes(
		AttrRunType.String(runType),
		AttrRunStatus.String(status),
	))
	i.RunDuration.Record(ctx, durationMS, metric.WithAttributes(
		AttrRunType.String(runType),
	))
}

// SandboxExecFinished records one sandbox execution.
func (i *Instruments) SandboxExecFinished(ctx context.Context, skillID, status string) {
	i.SandboxExecs.Add(ctx, 1, metric.WithAttributes(
		AttrSkillID.String(skillID),
		AttrExecStatus.String(status),
	))
}
