package middleware

import (
	"context"
	"sync"
	"time"

	"vizrpc/message"
)

type inflightKey struct{}

// WithInflight attaches the group that tracks running handlers. A handler
// TimeOutMiddleware abandons still holds a slot in wg until it returns.
func WithInflight(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, inflightKey{}, wg)
}

// TimeOutMiddleware answers with a Timeout error when the handler does not
// finish within timeout. The handler keeps running with a cancelled context;
// its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			wg, _ := ctx.Value(inflightKey{}).(*sync.WaitGroup)
			if wg != nil {
				wg.Add(1)
			}
			done := make(chan *message.Response, 1)
			go func() {
				if wg != nil {
					defer wg.Done()
				}
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return message.Failure(req.CallID, message.NewError(message.KindTimeout, "%s exceeded %s", req.Method, timeout))
				}
				return message.Failure(req.CallID, &message.RPCError{Kind: message.KindConnectionClosed, Message: ctx.Err().Error()})
			}
		}
	}
}
