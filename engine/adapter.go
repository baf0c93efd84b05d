package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"xic/config"
	"xic/endpoint"
	"xic/message"
	"xic/middleware"
	"xic/registry"
	"xic/rpcerr"
	"xic/transport"
)

// Adapter accepts connections on its endpoints and dispatches the quests
// they carry to its servants, by service name.
//
//	Accept conn → transport.Accept (handshake, reader, writer goroutines)
//	  → for each quest: go Adapter.Dispatch
//	    → Logging → Recover → RateLimit → Timeout → user middleware → Servant.Process
type Adapter struct {
	engine    *Engine
	name      string
	cfg       config.AdapterConfig
	endpoints []endpoint.Endpoint
	log       *zap.Logger

	mu          sync.RWMutex
	servants    map[string]Servant
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // chain built over a.process
	listeners   []net.Listener
	bound       []endpoint.Endpoint // actual listening endpoints
	published   map[string]bool     // services registered in the registry
	active      bool

	shutdown atomic.Bool
	wg       sync.WaitGroup // accept loops
}

// CreateAdapter creates a named adapter. An empty endpoints string takes the
// endpoints from the "adapters" section of the configuration; an adapter
// without endpoints only serves callbacks over outgoing connections.
func (e *Engine) CreateAdapter(name, endpoints string) (*Adapter, error) {
	cfg := e.cfg.Adapters[name]
	if endpoints == "" {
		endpoints = cfg.Endpoints
	}
	var eps []endpoint.Endpoint
	if endpoints != "" {
		var err error
		if eps, err = endpoint.ParseList(endpoints); err != nil {
			return nil, fmt.Errorf("engine: adapter %s: %w", name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil, ErrShutdown
	}
	if _, dup := e.adapters[name]; dup {
		return nil, fmt.Errorf("engine: adapter %q already exists", name)
	}
	a := &Adapter{
		engine:    e,
		name:      name,
		cfg:       cfg,
		endpoints: eps,
		log:       e.log.With(zap.String("adapter", name)),
		servants:  make(map[string]Servant),
		published: make(map[string]bool),
	}
	a.buildHandlerLocked()
	e.adapters[name] = a
	return a, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Use appends a middleware. It wraps servants inside the built-in ones.
func (a *Adapter) Use(mw middleware.Middleware) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.middlewares = append(a.middlewares, mw)
	a.buildHandlerLocked()
}

func (a *Adapter) buildHandlerLocked() {
	mws := []middleware.Middleware{middleware.Logging(a.log), middleware.Recover(a.log)}
	if a.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(a.cfg.RateLimit, a.cfg.Burst))
	}
	if d := a.cfg.DispatchTimeout.Std(); d > 0 {
		mws = append(mws, middleware.Timeout(d))
	}
	mws = append(mws, a.middlewares...)
	a.handler = middleware.Chain(mws...)(a.process)
}

// AddServant registers s under service. On an active publishing adapter the
// service is registered in the registry right away.
func (a *Adapter) AddServant(service string, s Servant) error {
	if service == "" || s == nil {
		return fmt.Errorf("engine: adapter %s: servant needs a name and a value", a.name)
	}
	a.mu.Lock()
	if _, dup := a.servants[service]; dup {
		a.mu.Unlock()
		return fmt.Errorf("engine: adapter %s: servant %q already added", a.name, service)
	}
	a.servants[service] = s
	publish := a.active
	a.mu.Unlock()

	if publish {
		a.publish(service)
	}
	return nil
}

// RemoveServant unregisters service. Quests already dispatched finish.
func (a *Adapter) RemoveServant(service string) {
	a.mu.Lock()
	delete(a.servants, service)
	a.mu.Unlock()
	a.unpublish(service)
}

// FindServant looks a servant up by service name.
func (a *Adapter) FindServant(service string) (Servant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.servants[service]
	return s, ok
}

// Endpoints returns the listening endpoints; after Activate ports bound as 0
// carry the port actually chosen.
func (a *Adapter) Endpoints() []endpoint.Endpoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active {
		return append([]endpoint.Endpoint(nil), a.bound...)
	}
	return append([]endpoint.Endpoint(nil), a.endpoints...)
}

// Activate starts listening on all endpoints and, when the adapter is
// configured to publish, registers its services.
func (a *Adapter) Activate() error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return nil
	}
	if a.shutdown.Load() {
		a.mu.Unlock()
		return ErrShutdown
	}
	for _, ep := range a.endpoints {
		l, err := net.Listen("tcp", ep.ListenAddress())
		if err != nil {
			for _, l := range a.listeners {
				l.Close()
			}
			a.listeners = nil
			a.bound = nil
			a.mu.Unlock()
			return rpcerr.Connection("listen", err)
		}
		a.listeners = append(a.listeners, l)
		a.bound = append(a.bound, boundEndpoint(ep, l.Addr()))
	}
	a.active = true
	listeners := a.listeners
	services := make([]string, 0, len(a.servants))
	for name := range a.servants {
		services = append(services, name)
	}
	a.mu.Unlock()

	for _, l := range listeners {
		a.wg.Add(1)
		go a.serve(l)
	}
	for _, name := range services {
		a.publish(name)
	}
	a.log.Info("adapter activated", zap.String("endpoints", endpoint.JoinList(a.Endpoints())))
	return nil
}

// boundEndpoint copies ep with the port the listener chose. A wildcard host
// is advertised as empty, which dialers treat as loopback.
func boundEndpoint(ep endpoint.Endpoint, addr net.Addr) endpoint.Endpoint {
	if got, err := endpoint.FromAddr(addr); err == nil {
		ep.Port = got.Port
	}
	if ip := net.ParseIP(ep.Host); ip != nil && ip.IsUnspecified() {
		ep.Host = ""
	}
	ep.Priority = endpoint.Classify(ep.Host)
	return ep
}

func (a *Adapter) serve(l net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if a.shutdown.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			a.log.Error("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			return
		}
		c := transport.Accept(conn, a.engine.incomingOptions(), a)
		if !a.engine.track(c) {
			c.Close(true)
		}
	}
}

// Dispatch implements transport.Dispatcher.
func (a *Adapter) Dispatch(ctx context.Context, c *transport.Connection, q *message.Quest) *message.Answer {
	cur := &Current{Adapter: a, Conn: c, Quest: q, engine: a.engine}
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	return h(withCurrent(ctx, cur), q)
}

// process is the innermost handler: servant lookup and call.
func (a *Adapter) process(ctx context.Context, q *message.Quest) *message.Answer {
	s, ok := a.FindServant(q.Service)
	if !ok {
		return middleware.Fail(q, rpcerr.CodeServiceNotFound, "ServiceNotFound", "no servant %q in adapter %s", q.Service, a.name)
	}
	return s.Process(ctx, q)
}

func (a *Adapter) instances() []registry.ServiceInstance {
	eps := a.Endpoints()
	out := make([]registry.ServiceInstance, len(eps))
	for i, ep := range eps {
		out[i] = registry.ServiceInstance{Endpoint: ep.String(), Adapter: a.name}
	}
	return out
}

func (a *Adapter) publish(service string) {
	reg := a.engine.registry
	if reg == nil || !a.cfg.Publish {
		return
	}
	ttl := a.engine.cfg.Registry.TTL
	for _, inst := range a.instances() {
		if err := reg.Register(a.engine.ctx, service, inst, ttl); err != nil {
			a.log.Warn("publish failed", zap.String("service", service), zap.String("endpoint", inst.Endpoint), zap.Error(err))
			continue
		}
		a.log.Debug("service published", zap.String("service", service), zap.String("endpoint", inst.Endpoint))
	}
	a.mu.Lock()
	a.published[service] = true
	a.mu.Unlock()
}

func (a *Adapter) unpublish(service string) {
	a.mu.Lock()
	was := a.published[service]
	delete(a.published, service)
	a.mu.Unlock()
	reg := a.engine.registry
	if !was || reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, inst := range a.instances() {
		if err := reg.Deregister(ctx, service, inst); err != nil {
			a.log.Warn("deregister failed", zap.String("service", service), zap.Error(err))
		}
	}
}

// deactivate withdraws the services from the registry and stops accepting.
// Established connections are closed by the engine.
func (a *Adapter) deactivate() {
	a.mu.RLock()
	services := make([]string, 0, len(a.published))
	for name := range a.published {
		services = append(services, name)
	}
	a.mu.RUnlock()
	for _, name := range services {
		a.unpublish(name)
	}

	a.shutdown.Store(true)
	a.mu.Lock()
	listeners := a.listeners
	a.listeners = nil
	a.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
	a.wg.Wait()
	a.log.Info("adapter deactivated")
}
