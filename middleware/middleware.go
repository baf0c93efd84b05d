// Package middleware wraps servant dispatch in an onion of handlers:
//
//	Logging → Recover → RateLimit → Timeout → servant
//
// Every handler receives the inbound quest and returns the answer to send.
// For oneway quests the answer is computed and then dropped by the caller.
package middleware

import (
	"context"
	"fmt"

	"xic/message"
	"xic/rpcerr"
)

// HandlerFunc serves one quest.
type HandlerFunc func(ctx context.Context, q *message.Quest) *message.Answer

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Fail builds an exception answer to q raised by the runtime.
func Fail(q *message.Quest, code int, tag, format string, args ...any) *message.Answer {
	re := &rpcerr.RemoteError{
		Code:    code,
		Tag:     tag,
		Message: fmt.Sprintf(format, args...),
		Raiser:  q.Service + "." + q.Method,
	}
	return &message.Answer{Txid: q.Txid, Status: code, Result: re.Encode()}
}
