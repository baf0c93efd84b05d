package middleware

import (
	"context"
	"time"

	"xic/message"
	"xic/rpcerr"
)

// Timeout answers with a DispatchTimeout exception when the servant takes
// longer than timeout. The servant keeps running with a cancelled context;
// its late answer is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, q *message.Quest) *message.Answer {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Answer, 1)
			go func() {
				done <- next(ctx, q)
			}()

			select {
			case ans := <-done:
				return ans
			case <-ctx.Done():
				return Fail(q, rpcerr.CodeDispatchTimeout, "DispatchTimeout", "servant did not answer within %v", timeout)
			}
		}
	}
}
