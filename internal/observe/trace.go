package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/toolhub"

// rpcSystem names the JSON-RPC dialect spoken by the tool server.
const rpcSystem = "mcp"

// Span attribute keys for bridged tool calls.
const (
	AttrCaller   = attribute.Key("toolhub.caller")
	AttrBinding  = attribute.Key("tool.binding")
	AttrProvider = attribute.Key("tool.provider")
	AttrTool     = attribute.Key("tool.name")
	AttrRPCID    = attribute.Key("rpc.jsonrpc.request_id")
)

// Tracer returns the toolhub tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartRPCSpan starts the server span for one JSON-RPC request. id is the
// request id in its wire form.
func StartRPCSpan(ctx context.Context, method, id string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mcp.server/"+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.RPCSystemKey.String(rpcSystem),
			semconv.RPCMethod(method),
			AttrRPCID.String(id),
		),
	)
}

// ToolCall identifies a bridged tool invocation for tracing.
type ToolCall struct {
	Caller   string
	Binding  string
	Provider string
	Tool     string
}

func (tc ToolCall) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaller.String(tc.Caller),
		AttrBinding.String(tc.Binding),
		AttrProvider.String(tc.Provider),
		AttrTool.String(tc.Tool),
	}
}

// StartToolSpan starts the client span for a call routed to a provider.
func StartToolSpan(ctx context.Context, tc ToolCall) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "bridge.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tc.attributes()...),
	)
}

// StartCatalogSpan starts the span for a catalog fetch from provider on
// behalf of caller.
func StartCatalogSpan(ctx context.Context, caller, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "bridge.catalog",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrCaller.String(caller), AttrProvider.String(provider)),
	)
}

// FinishSpan records the outcome of the operation on span. status is one of
// the Status* values. A non-nil err is recorded as an exception; description
// overrides the status message when err is nil.
func FinishSpan(span trace.Span, status string, err error, description string) {
	span.SetAttributes(attribute.String("toolhub.status", status))
	switch {
	case err != nil:
		span.RecordError(err)
		if description == "" {
			description = err.Error()
		}
		span.SetStatus(codes.Error, description)
	case status != StatusOK:
		span.SetStatus(codes.Error, description)
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// CorrelationID returns the trace ID carried by ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
