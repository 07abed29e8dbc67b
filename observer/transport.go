package observer

import (
	"context"
	"time"

	haven "github.com/nevindra/haven"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	havenlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTransport wraps a haven.Transport with OTEL instrumentation.
type ObservedTransport struct {
	inner haven.Transport
	inst  *Instruments
}

// WrapTransport returns an instrumented transport that emits traces, metrics,
// and logs for every LLM call. It composes with the other transport
// middleware; wrap outermost so retries show up as separate calls.
func WrapTransport(inner haven.Transport, inst *Instruments) *ObservedTransport {
	return &ObservedTransport{inner: inner, inst: inst}
}

func (o *ObservedTransport) Name() string { return o.inner.Name() }

func (o *ObservedTransport) Complete(ctx context.Context, req haven.ModelRequest) (*haven.ModelResponse, error) {
	ctx, span := o.startSpan(ctx, "llm.complete", req)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	var usage haven.Usage
	if resp != nil {
		usage = resp.Usage
	}
	o.record(ctx, span, req.Model, "complete", status, durationMs, usage)
	return resp, err
}

func (o *ObservedTransport) Stream(ctx context.Context, req haven.ModelRequest, emit func(haven.Chunk) error) (*haven.ModelResponse, error) {
	ctx, span := o.startSpan(ctx, "llm.stream", req)
	defer span.End()
	start := time.Now()

	// Count chunks on the way through. Stream delivers on one goroutine, so
	// a plain counter is safe.
	chunks := 0
	counted := func(c haven.Chunk) error {
		chunks++
		return emit(c)
	}

	resp, err := o.inner.Stream(ctx, req, counted)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	var usage haven.Usage
	if resp != nil {
		usage = resp.Usage
	}
	o.record(ctx, span, req.Model, "stream", status, durationMs, usage)
	return resp, err
}

func (o *ObservedTransport) startSpan(ctx context.Context, name string, req haven.ModelRequest) (context.Context, trace.Span) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(req.Model),
			AttrLLMTransport.String(o.inner.Name()),
		),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}
	return o.inst.Tracer.Start(ctx, name, spanAttrs...)
}

func (o *ObservedTransport) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage haven.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec havenlog.Record
	rec.SetSeverity(havenlog.SeverityInfo)
	rec.SetBody(havenlog.StringValue("llm call completed"))
	rec.AddAttributes(
		havenlog.String("llm.model", model),
		havenlog.String("llm.transport", o.inner.Name()),
		havenlog.String("llm.method", method),
		havenlog.Int("llm.tokens.input", usage.InputTokens),
		havenlog.Int("llm.tokens.output", usage.OutputTokens),
		havenlog.Float64("llm.cost_usd", cost),
		havenlog.Float64("llm.duration_ms", durationMs),
		havenlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ haven.Transport = (*ObservedTransport)(nil)
