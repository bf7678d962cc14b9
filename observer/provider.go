package observer

import (
	"context"
	"time"

	"github.com/bmcool/agentspine"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps an agentspine.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner agentspine.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs for each completion round.
func WrapProvider(inner agentspine.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Complete(ctx context.Context, req agentspine.CompletionRequest) (agentspine.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	spanAttrs := []attribute.KeyValue{
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	method := "complete"
	if req.OnTextDelta != nil {
		method = "complete_stream"
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs,
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		)
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm."+method, trace.WithAttributes(spanAttrs...))
	defer span.End()
	start := time.Now()

	// Count streamed chunks without altering delivery.
	chunks := 0
	if inner := req.OnTextDelta; inner != nil {
		req.OnTextDelta = func(delta string) {
			chunks++
			inner(delta)
		}
	}

	resp, err := o.inner.Complete(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if chunks > 0 {
		span.SetAttributes(AttrStreamChunks.Int(chunks))
	}

	o.record(ctx, span, model, method, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage agentspine.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ agentspine.Provider = (*ObservedProvider)(nil)
