package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"xic/codec"
	"xic/endpoint"
	"xic/loadbalance"
	"xic/message"
	"xic/registry"
	"xic/rpcerr"
	"xic/transport"
)

// discoverTimeout bounds the initial registry lookup of a bare proxy.
const discoverTimeout = 5 * time.Second

type hashKeyCtx struct{}

// WithHashKey attaches the key hash-mode proxies use to choose an endpoint.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKeyCtx{}, key)
}

func hashKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(hashKeyCtx{}).(string)
	return key
}

// endpointSet is the endpoint list of a service, shared by all proxies
// created for it and replaced wholesale by registry updates.
type endpointSet struct {
	mu  sync.RWMutex
	eps []endpoint.Endpoint
}

func newEndpointSet(eps []endpoint.Endpoint) *endpointSet {
	s := &endpointSet{}
	s.store(eps)
	return s
}

func (s *endpointSet) load() []endpoint.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eps
}

// store sorts eps by descending priority, keeping the given order otherwise.
func (s *endpointSet) store(eps []endpoint.Endpoint) {
	eps = append([]endpoint.Endpoint(nil), eps...)
	for i := range eps {
		if eps[i].Priority == 0 {
			eps[i].Priority = endpoint.Classify(eps[i].Host)
		}
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority > eps[j].Priority })
	s.mu.Lock()
	s.eps = eps
	s.mu.Unlock()
}

// Proxy is the client-side handle of a remote service. Proxies are cheap
// values; With* methods return modified copies sharing the endpoint list.
type Proxy struct {
	engine   *Engine
	service  string
	set      *endpointSet
	fixed    *transport.Connection // set for callback proxies
	mode     loadbalance.Mode
	balancer loadbalance.Balancer
	ctx      message.Context
}

// StringToProxy creates a proxy from "Service@endpoint@endpoint...". A bare
// service name is resolved through the registry and kept up to date by
// watching it.
func (e *Engine) StringToProxy(s string) (*Proxy, error) {
	service, eps, hasEps := strings.Cut(strings.TrimSpace(s), "@")
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, fmt.Errorf("engine: proxy %q: missing service name", s)
	}

	var set *endpointSet
	if hasEps {
		list, err := endpoint.ParseList(eps)
		if err != nil {
			return nil, fmt.Errorf("engine: proxy %q: %w", s, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("engine: proxy %q: no endpoints", s)
		}
		set = newEndpointSet(list)
	} else {
		var err error
		if set, err = e.discover(service); err != nil {
			return nil, fmt.Errorf("engine: proxy %q: %w", s, err)
		}
	}

	mode, _ := loadbalance.ParseMode(e.cfg.LoadBalance)
	return &Proxy{
		engine:   e,
		service:  service,
		set:      set,
		mode:     mode,
		balancer: loadbalance.New(mode),
	}, nil
}

// discover returns the shared endpoint set of service, starting a registry
// watch the first time the service is asked for.
func (e *Engine) discover(service string) (*endpointSet, error) {
	if e.registry == nil {
		return nil, errors.New("no endpoints given and no registry configured")
	}
	e.mu.Lock()
	set, ok := e.watched[service]
	e.mu.Unlock()
	if ok {
		return set, nil
	}

	ctx, cancel := context.WithTimeout(e.ctx, discoverTimeout)
	insts, err := e.registry.Discover(ctx, service)
	cancel()
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.watched[service]; ok {
		return set, nil
	}
	set = newEndpointSet(e.instanceEndpoints(service, insts))
	e.watched[service] = set
	updates := e.registry.Watch(e.ctx, service)
	go func() {
		for insts := range updates {
			set.store(e.instanceEndpoints(service, insts))
		}
	}()
	return set, nil
}

func (e *Engine) instanceEndpoints(service string, insts []registry.ServiceInstance) []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, 0, len(insts))
	for _, inst := range insts {
		ep, err := endpoint.Parse(inst.Endpoint)
		if err != nil {
			e.log.Warn("ignoring bad registry endpoint", zap.String("service", service),
				zap.String("endpoint", inst.Endpoint), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps
}

// fixedProxy calls service over c only.
func (e *Engine) fixedProxy(service string, c *transport.Connection) *Proxy {
	return &Proxy{
		engine:   e,
		service:  service,
		set:      newEndpointSet([]endpoint.Endpoint{c.Endpoint()}),
		fixed:    c,
		mode:     loadbalance.ModeFixed,
		balancer: loadbalance.New(loadbalance.ModeFixed),
	}
}

// Service returns the service name quests are addressed to.
func (p *Proxy) Service() string { return p.service }

// Endpoints returns the current endpoints, most preferred first.
func (p *Proxy) Endpoints() []endpoint.Endpoint {
	return append([]endpoint.Endpoint(nil), p.set.load()...)
}

// Mode returns the load balancing mode.
func (p *Proxy) Mode() loadbalance.Mode { return p.mode }

func (p *Proxy) String() string {
	return p.service + "@" + endpoint.JoinList(p.set.load())
}

// WithMode returns a copy of p balancing with mode. Callback proxies stay
// fixed to their connection.
func (p *Proxy) WithMode(mode loadbalance.Mode) *Proxy {
	cp := *p
	if p.fixed == nil {
		cp.mode = mode
		cp.balancer = loadbalance.New(mode)
	}
	return &cp
}

// WithContext returns a copy of p that adds qctx to every quest. Keys given
// per call override it.
func (p *Proxy) WithContext(qctx message.Context) *Proxy {
	cp := *p
	cp.ctx = message.Merge(p.ctx, qctx)
	return &cp
}

// ---------------------------------------------------------------------------
// calls

// Result is the handle of an asynchronous twoway call.
type Result struct {
	done       chan struct{}
	ans        *message.Answer
	err        error
	completion func(*message.Answer, error)
}

func newResult(completion func(*message.Answer, error)) *Result {
	return &Result{done: make(chan struct{}), completion: completion}
}

// complete runs exactly once, guarded by transport.Pending.
func (r *Result) complete(ans *message.Answer, err error) {
	if err == nil && ans != nil && ans.Status != 0 {
		err = rpcerr.DecodeRemote(ans.Status, ans.Result)
	}
	r.ans, r.err = ans, err
	close(r.done)
	if r.completion != nil {
		r.completion(ans, err)
	}
}

// Done is closed when the outcome is known.
func (r *Result) Done() <-chan struct{} { return r.done }

// Answer returns the outcome; valid after Done is closed. A nonzero status
// is reported as a *rpcerr.RemoteError alongside the answer.
func (r *Result) Answer() (*message.Answer, error) {
	return r.ans, r.err
}

// Wait blocks for the outcome or until ctx is done. Giving up does not
// cancel the call; the connection's message timeout still bounds it.
func (r *Result) Wait(ctx context.Context) (*message.Answer, error) {
	select {
	case <-r.done:
		return r.ans, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Proxy) newQuest(method string, args []byte, qctx message.Context) (*message.Quest, error) {
	if method == "" {
		return nil, fmt.Errorf("engine: %s: empty method name", p.service)
	}
	merged := message.Merge(p.ctx, qctx)
	if err := message.Normalize(merged); err != nil {
		return nil, err
	}
	return &message.Quest{Service: p.service, Method: method, Context: merged, Args: args}, nil
}

// EmitQuest sends a twoway quest and returns at once. completion, if not
// nil, runs on a connection goroutine when the outcome is known and must
// not block.
func (p *Proxy) EmitQuest(ctx context.Context, method string, args []byte, qctx message.Context,
	completion func(*message.Answer, error)) *Result {
	res := newResult(completion)
	q, err := p.newQuest(method, args, qctx)
	if err != nil {
		res.complete(nil, err)
		return res
	}
	key := hashKeyFrom(ctx)
	pending := transport.NewPending(q, res.complete)
	if p.fixed == nil {
		pending.Resubmit = func(pd *transport.Pending, cause error) {
			if err := p.send(pd.Quest, pd, key); err != nil {
				p.engine.log.Debug("resubmit failed", zap.String("service", p.service), zap.Error(err))
				pd.Fail(cause)
			}
		}
	}
	if err := p.send(q, pending, key); err != nil {
		pending.Fail(err)
	}
	return res
}

// Request sends a twoway quest and waits for its answer.
func (p *Proxy) Request(ctx context.Context, method string, args []byte, qctx message.Context) (*message.Answer, error) {
	return p.EmitQuest(ctx, method, args, qctx, nil).Wait(ctx)
}

// RequestOneway sends a quest nobody answers. It returns once the quest is
// queued.
func (p *Proxy) RequestOneway(ctx context.Context, method string, args []byte, qctx message.Context) error {
	q, err := p.newQuest(method, args, qctx)
	if err != nil {
		return err
	}
	return p.send(q, nil, hashKeyFrom(ctx))
}

// Call invokes method with args JSON-encoded and decodes the result into
// reply, if reply is not nil.
func (p *Proxy) Call(ctx context.Context, method string, args, reply any) error {
	c := codec.GetCodec(codec.CodecTypeJSON)
	data, err := c.Encode(args)
	if err != nil {
		return fmt.Errorf("engine: %s.%s: encode args: %w", p.service, method, err)
	}
	ans, err := p.Request(ctx, method, data, nil)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := c.Decode(ans.Result, reply); err != nil {
		return fmt.Errorf("engine: %s.%s: decode result: %w", p.service, method, err)
	}
	return nil
}

// send queues q on a connection picked by the balancer. If the connection
// died between lookup and send, a fresh one is tried once.
func (p *Proxy) send(q *message.Quest, pending *transport.Pending, key string) error {
	if p.fixed != nil {
		return p.fixed.SendQuest(q, pending)
	}
	var err error
	for try := 0; try < 2; try++ {
		var c *transport.Connection
		if c, err = p.connection(key); err != nil {
			return err
		}
		if err = c.SendQuest(q, pending); err == nil || c.State().Usable() {
			return err
		}
	}
	return err
}

func (p *Proxy) connection(key string) (*transport.Connection, error) {
	ep, err := p.balancer.Pick(p.set.load(), key)
	if err != nil {
		return nil, rpcerr.Connection("pick "+p.service, err)
	}
	return p.engine.connection(ep, p.service)
}
