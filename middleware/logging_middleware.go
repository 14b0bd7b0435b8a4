package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vizrpc/message"
	"vizrpc/session"
)

// LoggingMiddleware logs every call at debug level, and failed calls at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Any("call_id", req.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if sc, ok := session.FromContext(ctx); ok {
				fields = append(fields, zap.String("conn", sc.ConnectionID()))
			}
			if resp != nil && resp.Error != nil {
				fields = append(fields, zap.String("kind", string(resp.Error.Kind)), zap.String("error", resp.Error.Message))
				logger.Warn("call failed", fields...)
				return resp
			}
			logger.Debug("call", fields...)
			return resp
		}
	}
}
