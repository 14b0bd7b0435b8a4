package middleware

import (
	"context"
	"time"

	"vizrpc/message"
	"vizrpc/observability"
)

// MetricsMiddleware records call counts and durations in prometheus.
// Calls to unknown methods share one label value to bound cardinality.
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			method := req.Method
			if resp != nil && resp.Error != nil && resp.Error.Kind == message.KindMethodNotFound {
				method = "_unknown"
			}
			observability.RecordCall(method, outcome(resp), time.Since(start))
			return resp
		}
	}
}
