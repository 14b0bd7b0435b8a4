package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"vizrpc/message"
	"vizrpc/session"
)

type bucket struct {
	limiter *rate.Limiter
	scope   *session.Scope // nil for calls made outside a connection
}

// RateLimitMiddleware gives every connection its own token bucket of r
// calls per second with the given burst. Calls that carry no connection
// scope share one bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
	)
	limiterFor := func(ctx context.Context) *rate.Limiter {
		sc, _ := session.FromContext(ctx)
		key := ""
		if sc != nil {
			key = sc.ConnectionID()
		}

		mu.Lock()
		defer mu.Unlock()
		if b, ok := buckets[key]; ok {
			return b.limiter
		}
		// A new connection is the point where closed ones are swept.
		for k, b := range buckets {
			if b.scope != nil && b.scope.Closed() {
				delete(buckets, k)
			}
		}
		b := &bucket{limiter: rate.NewLimiter(rate.Limit(r), burst), scope: sc}
		buckets[key] = b
		return b.limiter
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiterFor(ctx).Allow() {
				return message.Failure(req.CallID, &message.RPCError{Kind: message.KindRateLimited, Message: "rate limit exceeded"})
			}
			return next(ctx, req)
		}
	}
}
