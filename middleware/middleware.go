// Package middleware wraps call dispatch in an onion of cross-cutting concerns.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"vizrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first argument is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// outcome labels a response for logs and metrics: "ok" or the error kind.
func outcome(resp *message.Response) string {
	if resp == nil || resp.Error == nil {
		return "ok"
	}
	return string(resp.Error.Kind)
}
