package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"xic/message"
)

// Logging records method, duration and status of every dispatched quest.
// Failures log at Warn, successes at Debug.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, q *message.Quest) *message.Answer {
			start := time.Now()
			ans := next(ctx, q)
			fields := []zap.Field{
				zap.String("service", q.Service),
				zap.String("method", q.Method),
				zap.Int64("txid", q.Txid),
				zap.Duration("duration", time.Since(start)),
			}
			if ans != nil && ans.Status != 0 {
				log.Warn("quest failed", append(fields, zap.Int("status", ans.Status), zap.ByteString("result", ans.Result))...)
			} else {
				log.Debug("quest served", fields...)
			}
			return ans
		}
	}
}
