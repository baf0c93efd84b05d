package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"xic/message"
	"xic/rpcerr"
)

// RateLimit rejects quests beyond r per second (token bucket of size burst)
// with a RateLimited exception.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, q *message.Quest) *message.Answer {
			if !limiter.Allow() {
				return Fail(q, rpcerr.CodeRateLimited, "RateLimited", "rate limit exceeded")
			}
			return next(ctx, q)
		}
	}
}
