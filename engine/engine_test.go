package engine

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xic/config"
	"xic/endpoint"
	"xic/loadbalance"
	"xic/message"
	"xic/protocol"
	"xic/registry"
	"xic/rpcerr"
	"xic/secret"
	"xic/transport"
)

// ---- servants used by the tests ----

type Args struct {
	A, B int
}

type Reply struct {
	Result int
	Text   string
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return &rpcerr.RemoteError{Tag: "DivideByZero", Message: "divide by zero"}
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Fail(args *Args, reply *Reply) error {
	return errors.New("boom")
}

func (a *Arith) Panic(args *Args, reply *Reply) error {
	panic("oops")
}

func (a *Arith) Whoami(ctx context.Context, args *Args, reply *Reply) error {
	cur, ok := CurrentFrom(ctx)
	if !ok {
		return errors.New("no current")
	}
	reply.Text = cur.Identity()
	return nil
}

func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

// ---- helpers ----

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ReapInterval = config.Duration(20 * time.Millisecond)
	cfg.ShutdownGrace = config.Duration(time.Second)
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e, err := New(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Shutdown()
		e.WaitForShutdown()
	})
	return e
}

// serve activates an adapter on a loopback port with servant s under service.
func serve(t *testing.T, e *Engine, name, service string, s Servant) *Adapter {
	t.Helper()
	a, err := e.CreateAdapter(name, "tcp+127.0.0.1+0")
	require.NoError(t, err)
	require.NoError(t, a.AddServant(service, s))
	require.NoError(t, a.Activate())
	return a
}

func arith(t *testing.T) Servant {
	t.Helper()
	s, err := NewServant(&Arith{})
	require.NoError(t, err)
	return s
}

func proxyFor(t *testing.T, e *Engine, service string, adapters ...*Adapter) *Proxy {
	t.Helper()
	var eps []endpoint.Endpoint
	for _, a := range adapters {
		eps = append(eps, a.Endpoints()...)
	}
	prx, err := e.StringToProxy(service + "@" + endpoint.JoinList(eps))
	require.NoError(t, err)
	return prx
}

func remote(t *testing.T, err error) *rpcerr.RemoteError {
	t.Helper()
	var re *rpcerr.RemoteError
	require.ErrorAs(t, err, &re)
	return re
}

// ---- tests ----

func TestCall(t *testing.T) {
	srv := newEngine(t, nil)
	a := serve(t, srv, "Main", "Arith", arith(t))
	cli := newEngine(t, nil)
	prx := proxyFor(t, cli, "Arith", a)

	reply := &Reply{}
	require.NoError(t, prx.Call(context.Background(), "Add", &Args{A: 3, B: 5}, reply))
	assert.Equal(t, 8, reply.Result)

	reply = &Reply{}
	require.NoError(t, prx.Call(context.Background(), "divide", &Args{A: 42, B: 6}, reply))
	assert.Equal(t, 7, reply.Result)

	out, in := cli.Connections()
	assert.Equal(t, 1, out)
	assert.Equal(t, 0, in)
}

func TestSeventhCallUsesTxidSeven(t *testing.T) {
	srv := newEngine(t, nil)
	var (
		mu   sync.Mutex
		seen []int64
	)
	echo := ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
		mu.Lock()
		seen = append(seen, q.Txid)
		mu.Unlock()
		return &message.Answer{Result: q.Args}
	})
	a := serve(t, srv, "Main", "Echo", echo)
	prx := proxyFor(t, newEngine(t, nil), "Echo", a)

	for i := 0; i < 6; i++ {
		ans, err := prx.Request(context.Background(), "ping", []byte(strconv.Itoa(i)), nil)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), string(ans.Result))
	}
	ans, err := prx.Request(context.Background(), "ping", []byte("{}"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ans.Txid)
	assert.Equal(t, 0, ans.Status)
	assert.Equal(t, "{}", string(ans.Result))
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, seen)
}

func TestRemoteExceptions(t *testing.T) {
	srv := newEngine(t, nil)
	a := serve(t, srv, "Main", "Arith", arith(t))
	cli := newEngine(t, nil)
	prx := proxyFor(t, cli, "Arith", a)
	ctx := context.Background()

	re := remote(t, prx.Call(ctx, "Divide", &Args{A: 1}, &Reply{}))
	assert.Equal(t, rpcerr.CodeServantError, re.Code)
	assert.Equal(t, "DivideByZero", re.Tag)
	assert.Equal(t, "Arith.Divide", re.Raiser)

	re = remote(t, prx.Call(ctx, "Fail", &Args{}, nil))
	assert.Equal(t, rpcerr.CodeServantError, re.Code)
	assert.Equal(t, "boom", re.Message)

	re = remote(t, prx.Call(ctx, "Panic", &Args{}, nil))
	assert.Equal(t, rpcerr.CodePanic, re.Code)
	assert.Equal(t, "oops", re.Message)

	re = remote(t, prx.Call(ctx, "Missing", &Args{}, nil))
	assert.Equal(t, rpcerr.CodeMethodNotFound, re.Code)

	_, err := prx.Request(ctx, "Add", []byte("{not json"), nil)
	assert.Equal(t, rpcerr.CodeBadArguments, remote(t, err).Code)

	other := proxyFor(t, cli, "Nobody", a)
	re = remote(t, other.Call(ctx, "Add", &Args{}, nil))
	assert.Equal(t, rpcerr.CodeServiceNotFound, re.Code)
	assert.True(t, rpcerr.Is(err, rpcerr.KindApplication))

	// exceptions leave the connection usable
	reply := &Reply{}
	require.NoError(t, prx.Call(ctx, "Add", &Args{A: 1, B: 1}, reply))
	assert.Equal(t, 2, reply.Result)
}

func TestOnewayAndContext(t *testing.T) {
	srv := newEngine(t, nil)
	got := make(chan *message.Quest, 2)
	a := serve(t, srv, "Main", "Sink", ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
		got <- q
		return nil
	}))
	prx := proxyFor(t, newEngine(t, nil), "Sink", a).
		WithContext(message.Context{"tenant": "acme", "trace": "base"})

	ctx := context.Background()
	require.NoError(t, prx.RequestOneway(ctx, "push", []byte("x"), message.Context{"trace": "t-1", "n": 3}))
	select {
	case q := <-got:
		assert.Equal(t, int64(0), q.Txid)
		assert.True(t, q.Oneway())
		assert.Equal(t, "acme", q.Context["tenant"])
		assert.Equal(t, "t-1", q.Context["trace"])
		assert.Equal(t, int64(3), q.Context["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("oneway quest not delivered")
	}

	ans, err := prx.Request(ctx, "pull", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ans.Result)
	q := <-got
	assert.Equal(t, "base", q.Context["trace"])

	err = prx.RequestOneway(ctx, "push", nil, message.Context{"bad": struct{}{}})
	assert.Error(t, err)
}

func TestEmitQuestCompletion(t *testing.T) {
	srv := newEngine(t, nil)
	a := serve(t, srv, "Main", "Arith", arith(t))
	prx := proxyFor(t, newEngine(t, nil), "Arith", a)

	called := make(chan error, 1)
	res := prx.EmitQuest(context.Background(), "Add", []byte(`{"A":2,"B":2}`), nil, func(ans *message.Answer, err error) {
		called <- err
	})
	select {
	case err := <-called:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not called")
	}
	<-res.Done()
	ans, err := res.Answer()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":4,"Text":""}`, string(ans.Result))
}

func TestCallbackThroughCurrent(t *testing.T) {
	srv := newEngine(t, nil)
	a := serve(t, srv, "Main", "Hub", ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
		cur, _ := CurrentFrom(ctx)
		ans, err := cur.Proxy("Listener").Request(ctx, "notify", q.Args, nil)
		if err != nil {
			return &message.Answer{Status: 1, Result: (&rpcerr.RemoteError{Code: 1, Message: err.Error()}).Encode()}
		}
		return &message.Answer{Result: append([]byte("hub:"), ans.Result...)}
	}))

	cli := newEngine(t, nil)
	cb, err := cli.CreateAdapter("Callbacks", "")
	require.NoError(t, err)
	require.NoError(t, cb.AddServant("Listener", ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
		cur, _ := CurrentFrom(ctx)
		assert.False(t, cur.Conn.Incoming())
		return &message.Answer{Result: append([]byte("listener:"), q.Args...)}
	})))

	ans, err := proxyFor(t, cli, "Hub", a).Request(context.Background(), "subscribe", []byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hub:listener:hi", string(ans.Result))
}

func TestAuthenticatedCall(t *testing.T) {
	store := secret.NewVerifierStore()
	require.NoError(t, store.AddPassword("alice", "secret"))
	scfg := testConfig()
	scfg.Cipher = "AES256-EAX"
	srv := newEngine(t, scfg, WithVerifiers(store))
	a := serve(t, srv, "Main", "Arith", arith(t))

	entry, err := secret.ParseEntry("Arith @tcp+127.0.0.1+* = alice:secret")
	require.NoError(t, err)
	cli := newEngine(t, nil, WithSecrets(secret.NewStore(entry)))
	reply := &Reply{}
	require.NoError(t, proxyFor(t, cli, "Arith", a).Call(context.Background(), "Whoami", &Args{}, reply))
	assert.Equal(t, "alice", reply.Text)

	anon := newEngine(t, nil)
	err = proxyFor(t, anon, "Arith", a).Call(context.Background(), "Whoami", &Args{}, reply)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAuthentication), "got %v", err)

	wrong, err := secret.ParseEntry("* @tcp+*+* = alice:guess")
	require.NoError(t, err)
	bad := newEngine(t, nil, WithSecrets(secret.NewStore(wrong)))
	err = proxyFor(t, bad, "Arith", a).Call(context.Background(), "Whoami", &Args{}, reply)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAuthentication), "got %v", err)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cli := newEngine(t, nil)
	prx, err := cli.StringToProxy("Arith@tcp+127.0.0.1+" + strconv.Itoa(port))
	require.NoError(t, err)
	err = prx.Call(context.Background(), "Add", &Args{}, nil)
	assert.True(t, rpcerr.Is(err, rpcerr.KindConnection), "got %v", err)
}

// byePeer says Hello on every connection and answers the first quest with
// Bye. With closeFirst it stops listening before that Bye goes out.
func byePeer(t *testing.T, closeFirst bool) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var quests atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				hello, _ := protocol.Encode(&message.Hello{}, nil, protocol.DefaultMaxMessageSize)
				conn.Write(hello)
				dec := protocol.NewDecoder(0)
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					msg, _, _ := dec.Decode(buf[:n])
					if _, ok := msg.(*message.Quest); ok {
						quests.Add(1)
						if closeFirst {
							ln.Close()
						}
						bye, _ := protocol.Encode(&message.Bye{}, nil, protocol.DefaultMaxMessageSize)
						conn.Write(bye)
						return
					}
				}
			}()
		}
	}()
	return "tcp+127.0.0.1+" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port), &quests
}

func TestProxyResubmitsOnce(t *testing.T) {
	ep, quests := byePeer(t, false)
	prx, err := newEngine(t, nil).StringToProxy("Echo@" + ep)
	require.NoError(t, err)

	var completions atomic.Int32
	res := prx.EmitQuest(context.Background(), "ping", nil, nil, func(*message.Answer, error) {
		completions.Add(1)
	})
	select {
	case <-res.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
	}
	_, err = res.Answer()
	assert.ErrorIs(t, err, transport.ErrPeerBye)
	assert.True(t, rpcerr.Is(err, rpcerr.KindConnection), "got %v", err)
	assert.Equal(t, int32(2), quests.Load())
	assert.Equal(t, int32(1), completions.Load())
}

func TestProxyResubmitWithoutPeerKeepsFirstError(t *testing.T) {
	ep, quests := byePeer(t, true)
	prx, err := newEngine(t, nil).StringToProxy("Echo@" + ep)
	require.NoError(t, err)

	_, err = prx.Request(context.Background(), "ping", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrPeerBye)
	assert.True(t, rpcerr.Is(err, rpcerr.KindConnection), "got %v", err)
	assert.Equal(t, int32(1), quests.Load())
}

func TestMessageTimeout(t *testing.T) {
	srv := newEngine(t, nil)
	a := serve(t, srv, "Main", "Arith", arith(t))

	ccfg := testConfig()
	ccfg.MessageTimeout = config.Duration(100 * time.Millisecond)
	prx := proxyFor(t, newEngine(t, ccfg), "Arith", a)

	err := prx.Call(context.Background(), "Sleep", &Args{A: 2000}, nil)
	assert.True(t, rpcerr.Is(err, rpcerr.KindTimeout), "got %v", err)
	assert.Equal(t, rpcerr.StageMessage, rpcerr.StageOf(err))
}

func TestIdleConnectionsAreReaped(t *testing.T) {
	srv := newEngine(t, nil)
	a := serve(t, srv, "Main", "Arith", arith(t))

	ccfg := testConfig()
	ccfg.IdleOutgoing = config.Duration(150 * time.Millisecond)
	cli := newEngine(t, ccfg)
	prx := proxyFor(t, cli, "Arith", a)
	ctx := context.Background()

	// a call outlasting the idle limit keeps its connection
	require.NoError(t, prx.Call(ctx, "Sleep", &Args{A: 400}, nil))
	out, _ := cli.Connections()
	assert.Equal(t, 1, out)

	require.Eventually(t, func() bool {
		out, _ := cli.Connections()
		return out == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, in := srv.Connections()
		return in == 0
	}, 3*time.Second, 10*time.Millisecond)

	reply := &Reply{}
	require.NoError(t, prx.Call(ctx, "Add", &Args{A: 1, B: 2}, reply))
	assert.Equal(t, 3, reply.Result)
}

func TestLoadBalanceModes(t *testing.T) {
	srv := newEngine(t, nil)
	named := func() Servant {
		return ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
			cur, _ := CurrentFrom(ctx)
			return &message.Answer{Result: []byte(cur.Adapter.Name())}
		})
	}
	a := serve(t, srv, "A", "Who", named())
	b := serve(t, srv, "B", "Who", named())
	prx := proxyFor(t, newEngine(t, nil), "Who", a, b)
	assert.Equal(t, loadbalance.ModeRoundRobin, prx.Mode())

	who := func(p *Proxy, ctx context.Context) string {
		ans, err := p.Request(ctx, "who", nil, nil)
		require.NoError(t, err)
		return string(ans.Result)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		seen[who(prx, context.Background())]++
	}
	assert.Equal(t, map[string]int{"A": 2, "B": 2}, seen)

	hashed := prx.WithMode(loadbalance.ModeHash)
	ctx := WithHashKey(context.Background(), "user-42")
	first := who(hashed, ctx)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, who(hashed, ctx))
	}

	fixed := prx.WithMode(loadbalance.ModeFixed)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "A", who(fixed, context.Background()))
	}
}

func TestAdapterFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Adapters = map[string]config.AdapterConfig{
		"Main": {Endpoints: "tcp+127.0.0.1+0", RateLimit: 0.001, Burst: 1},
	}
	srv := newEngine(t, cfg)
	a, err := srv.CreateAdapter("Main", "")
	require.NoError(t, err)
	require.NoError(t, a.AddServant("Arith", arith(t)))
	require.NoError(t, a.Activate())
	assert.NotZero(t, a.Endpoints()[0].Port)

	_, err = srv.CreateAdapter("Main", "")
	assert.Error(t, err)
	assert.Error(t, a.AddServant("Arith", arith(t)))

	prx := proxyFor(t, newEngine(t, nil), "Arith", a)
	require.NoError(t, prx.Call(context.Background(), "Add", &Args{}, nil))
	re := remote(t, prx.Call(context.Background(), "Add", &Args{}, nil))
	assert.Equal(t, rpcerr.CodeRateLimited, re.Code)
}

func TestRegistryDiscovery(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	cfg := testConfig()
	cfg.Adapters = map[string]config.AdapterConfig{
		"Main": {Endpoints: "tcp+127.0.0.1+0", Publish: true},
	}
	srv, err := New(cfg, WithLogger(zap.NewNop()), WithRegistry(reg))
	require.NoError(t, err)
	a, err := srv.CreateAdapter("Main", "")
	require.NoError(t, err)
	require.NoError(t, a.AddServant("Arith", arith(t)))
	require.NoError(t, a.Activate())

	cli := newEngine(t, nil, WithRegistry(reg))
	prx, err := cli.StringToProxy("Arith")
	require.NoError(t, err)
	require.Len(t, prx.Endpoints(), 1)
	assert.Equal(t, a.Endpoints()[0].Port, prx.Endpoints()[0].Port)

	reply := &Reply{}
	require.NoError(t, prx.Call(context.Background(), "Add", &Args{A: 20, B: 22}, reply))
	assert.Equal(t, 42, reply.Result)

	srv.Shutdown()
	srv.WaitForShutdown()
	require.Eventually(t, func() bool { return len(prx.Endpoints()) == 0 }, 2*time.Second, 10*time.Millisecond)

	err = prx.Call(context.Background(), "Add", &Args{}, nil)
	assert.True(t, rpcerr.Is(err, rpcerr.KindConnection), "got %v", err)
}

func TestStringToProxyErrors(t *testing.T) {
	e := newEngine(t, nil)
	for _, s := range []string{"", "@tcp+127.0.0.1+1", "Arith@", "Arith@udp+h+1", "Arith"} {
		_, err := e.StringToProxy(s)
		assert.Error(t, err, s)
	}

	prx, err := e.StringToProxy("Arith@tcp+10.0.0.1+1@tcp+127.0.0.1+2@tcp+8.8.8.8+3")
	require.NoError(t, err)
	eps := prx.Endpoints()
	require.Len(t, eps, 3)
	assert.Equal(t, "127.0.0.1", eps[0].Host)
	assert.Equal(t, "10.0.0.1", eps[1].Host)
	assert.Equal(t, "8.8.8.8", eps[2].Host)
}

func TestShutdownDrainsCalls(t *testing.T) {
	srv := newEngine(t, nil)
	started := make(chan struct{})
	a := serve(t, srv, "Main", "Slow", ServantFunc(func(ctx context.Context, q *message.Quest) *message.Answer {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return &message.Answer{Result: []byte("done")}
	}))

	cli, err := New(testConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	prx := proxyFor(t, cli, "Slow", a)
	res := prx.EmitQuest(context.Background(), "run", nil, nil, nil)
	<-started

	cli.Shutdown()
	cli.WaitForShutdown()
	ans, err := res.Answer()
	require.NoError(t, err)
	assert.Equal(t, "done", string(ans.Result))

	_, err = prx.Request(context.Background(), "run", nil, nil)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = cli.CreateAdapter("Late", "")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNewServantRejectsBadReceivers(t *testing.T) {
	_, err := NewServant(Arith{})
	assert.Error(t, err)

	type empty struct{}
	_, err = NewServant(&empty{})
	assert.Error(t, err)

	_, err = NewServant(nil)
	assert.Error(t, err)
}
