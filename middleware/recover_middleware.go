package middleware

import (
	"context"

	"go.uber.org/zap"

	"xic/message"
	"xic/rpcerr"
)

// Recover turns a servant panic into a Panic exception instead of taking the
// process down.
func Recover(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, q *message.Quest) (ans *message.Answer) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("servant panic", zap.String("service", q.Service), zap.String("method", q.Method),
						zap.Any("panic", r), zap.Stack("stack"))
					ans = Fail(q, rpcerr.CodePanic, "Panic", "%v", r)
				}
			}()
			return next(ctx, q)
		}
	}
}
