package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vizrpc/message"
	"vizrpc/session"
)

const instrumentationName = "vizrpc"

// TracingMiddleware opens one server span per call. A nil provider uses the
// global one, which is a no-op until the application installs an SDK.
func TracingMiddleware(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(instrumentationName)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", "vizrpc"),
				attribute.String("rpc.method", req.Method),
				attribute.String("rpc.call_id", fmt.Sprint(req.CallID)),
			}
			if sc, ok := session.FromContext(ctx); ok {
				attrs = append(attrs, attribute.String("vizrpc.connection_id", sc.ConnectionID()))
			}
			ctx, span := tracer.Start(ctx, "vizrpc/"+req.Method,
				trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
			defer span.End()

			resp := next(ctx, req)
			if resp != nil && resp.Error != nil {
				span.SetAttributes(attribute.String("rpc.error_kind", string(resp.Error.Kind)))
				span.SetStatus(codes.Error, resp.Error.Message)
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp
		}
	}
}
