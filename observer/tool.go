package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/relay"
)

// ObservedProvider wraps a relay.ToolProvider with OTEL instrumentation.
type ObservedProvider struct {
	inner relay.ToolProvider
	inst  *Instruments
}

// WrapProvider returns an instrumented tool provider.
func WrapProvider(inner relay.ToolProvider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

var _ relay.ToolProvider = (*ObservedProvider)(nil)

func (o *ObservedProvider) ID() string { return o.inner.ID() }

func (o *ObservedProvider) ListTools(ctx context.Context) ([]relay.ToolMeta, error) {
	return o.inner.ListTools(ctx)
}

func (o *ObservedProvider) Close() error { return o.inner.Close() }

func (o *ObservedProvider) Invoke(ctx context.Context, tc *relay.TaskContext, name string, args map[string]any) (any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(name),
		AttrToolProvider.String(o.inner.ID()),
	))
	defer span.End()
	start := time.Now()

	value, err := o.inner.Invoke(ctx, tc, name, args)

	status := "ok"
	if err != nil {
		if status = relay.CodeOf(err); status == "" {
			status = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrToolStatus.String(status))

	o.inst.ToolInvocations.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		AttrToolProvider.String(o.inner.ID()),
		AttrToolStatus.String(status),
	))
	o.inst.ToolDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		AttrToolName.String(name),
	))

	return value, err
}
