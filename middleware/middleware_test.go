package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"xic/message"
	"xic/rpcerr"
)

func echoHandler(_ context.Context, q *message.Quest) *message.Answer {
	return &message.Answer{Txid: q.Txid, Result: q.Args}
}

func slowHandler(ctx context.Context, q *message.Quest) *message.Answer {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return echoHandler(ctx, q)
}

func newQuest() *message.Quest {
	return &message.Quest{Txid: 7, Service: "Echo", Method: "ping", Args: []byte("ok")}
}

func remote(t *testing.T, ans *message.Answer) *rpcerr.RemoteError {
	t.Helper()
	require.NotZero(t, ans.Status)
	return rpcerr.DecodeRemote(ans.Status, ans.Result)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	ans := handler(context.Background(), newQuest())
	assert.Equal(t, "ok", string(ans.Result))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "quest served", entry.Message)
	assert.Equal(t, "ping", entry.ContextMap()["method"])

	failing := Logging(zap.New(core))(func(_ context.Context, q *message.Quest) *message.Answer {
		return Fail(q, rpcerr.CodeServantError, "Boom", "boom")
	})
	failing(context.Background(), newQuest())
	assert.Equal(t, 1, logs.FilterMessage("quest failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	ans := handler(context.Background(), newQuest())
	assert.Zero(t, ans.Status)
	assert.Equal(t, int64(7), ans.Txid)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	ans := handler(context.Background(), newQuest())
	re := remote(t, ans)
	assert.Equal(t, rpcerr.CodeDispatchTimeout, re.Code)
	assert.Equal(t, "Echo.ping", re.Raiser)
	assert.Equal(t, int64(7), ans.Txid)
}

func TestRateLimit(t *testing.T) {
	// one per second with a burst of two: the third quest is rejected
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		ans := handler(context.Background(), newQuest())
		assert.Zero(t, ans.Status, "quest %d", i)
	}
	re := remote(t, handler(context.Background(), newQuest()))
	assert.Equal(t, rpcerr.CodeRateLimited, re.Code)
	assert.Equal(t, "rate limit exceeded", re.Message)
}

func TestRecover(t *testing.T) {
	handler := Recover(zap.NewNop())(func(context.Context, *message.Quest) *message.Answer {
		panic("kaboom")
	})
	re := remote(t, handler(context.Background(), newQuest()))
	assert.Equal(t, rpcerr.CodePanic, re.Code)
	assert.Equal(t, "kaboom", re.Message)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, q *message.Quest) *message.Answer {
				order = append(order, name)
				return next(ctx, q)
			}
		}
	}
	handler := Chain(mark("outer"), mark("inner"), Timeout(time.Second))(echoHandler)
	ans := handler(context.Background(), newQuest())
	assert.Zero(t, ans.Status)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
