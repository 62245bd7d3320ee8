package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on guest callback spans.
const (
	PluginKey   = attribute.Key("wasm.plugin")
	CallbackKey = attribute.Key("wasm.callback")
	ContextKey  = attribute.Key("wasm.context_id")
	ActionKey   = attribute.Key("wasm.action")
)

// CallbackSpan starts a span around one guest callback. The returned finish
// function records the action or the error and ends the span.
func (t *Tracer) CallbackSpan(ctx context.Context, plugin, callback string, contextID uint32) (context.Context, func(action string, err error)) {
	if !t.IsEnabled() {
		return ctx, func(string, error) {}
	}
	ctx, span := t.tracer.Start(ctx, callback,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			PluginKey.String(plugin),
			CallbackKey.String(callback),
			ContextKey.Int64(int64(contextID)),
		),
	)
	return ctx, func(action string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if action != "" {
			span.SetAttributes(ActionKey.String(action))
		}
		span.End()
	}
}
