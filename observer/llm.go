package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/relay"
)

// ObservedLLM wraps a relay.LLM with OTEL instrumentation.
type ObservedLLM struct {
	inner relay.LLM
	inst  *Instruments
}

// WrapLLM returns an instrumented model collaborator emitting traces,
// metrics, and logs per request.
func WrapLLM(inner relay.LLM, inst *Instruments) *ObservedLLM {
	return &ObservedLLM{inner: inner, inst: inst}
}

var _ relay.LLM = (*ObservedLLM)(nil)

func (o *ObservedLLM) Name() string { return o.inner.Name() }

func (o *ObservedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return o.observe(ctx, "generate", func(ctx context.Context) (string, error) {
		return o.inner.Generate(ctx, prompt)
	})
}

func (o *ObservedLLM) GenerateMessages(ctx context.Context, messages []relay.LLMMessage) (string, error) {
	return o.observe(ctx, "generate_messages", func(ctx context.Context) (string, error) {
		return o.inner.GenerateMessages(ctx, messages)
	})
}

func (o *ObservedLLM) observe(ctx context.Context, method string, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm."+method, trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	))
	defer span.End()
	start := time.Now()

	out, err := fn(ctx)

	durationMS := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	))
	o.inst.LLMDuration.Record(ctx, durationMS, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm request"))
	rec.AddAttributes(
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.String("llm.status", status),
		otellog.Int("llm.output_chars", len(out)),
		otellog.Float64("llm.duration_ms", durationMS),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}
