// Package engine ties the runtime together: it owns adapters (servers),
// hands out proxies (clients), shares outgoing connections between proxies,
// reaps idle connections and shuts everything down.
//
//	Proxy.Request ──► Balancer.Pick(endpoint) ──► Engine.connection(endpoint)
//	                                                 │ reuse if live, else Dial
//	                                                 ▼
//	                                      transport.Connection ──► socket
//
//	listener ──► Adapter.accept ──► transport.Accept ──► Adapter.Dispatch
//	                                                       └─► middleware ──► Servant
//
// An Engine is constructed once by the application, Shutdown starts a
// graceful drain and WaitForShutdown blocks until it finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xic/config"
	"xic/endpoint"
	"xic/logging"
	"xic/message"
	"xic/middleware"
	"xic/registry"
	"xic/rpcerr"
	"xic/secret"
	"xic/transport"
)

// ErrShutdown is returned for work submitted after Shutdown.
var ErrShutdown = errors.New("engine is shut down")

// Option customizes New.
type Option func(*Engine)

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRegistry sets the service directory used by bare proxies and
// publishing adapters.
func WithRegistry(reg registry.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithSecrets sets the client credential store.
func WithSecrets(s *secret.Store) Option {
	return func(e *Engine) { e.secrets = s }
}

// WithVerifiers sets the server verifier store; adapters then require SRP6a.
func WithVerifiers(v *secret.VerifierStore) Option {
	return func(e *Engine) { e.verifiers = v }
}

// Engine is the runtime context of one process.
type Engine struct {
	id        string
	cfg       *config.Config
	log       *zap.Logger
	registry  registry.Registry
	secrets   *secret.Store
	verifiers *secret.VerifierStore

	ctx    context.Context // cancelled by Shutdown
	cancel context.CancelFunc

	mu       sync.Mutex
	adapters map[string]*Adapter
	outgoing map[string]*transport.Connection // by endpoint key
	failed   map[string]int                   // attempt of the last failed connection, by endpoint key
	incoming map[*transport.Connection]struct{}
	watched  map[string]*endpointSet // registry-backed endpoint lists by service
	shutdown bool

	reaperDone chan struct{}
	done       chan struct{}
}

// New creates an engine. A nil cfg means config.Default(). Secret and shadow
// files named in cfg are loaded unless stores were passed as options; an
// etcd registry is connected when cfg lists etcd endpoints.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		id:         uuid.NewString(),
		cfg:        cfg,
		adapters:   make(map[string]*Adapter),
		outgoing:   make(map[string]*transport.Connection),
		failed:     make(map[string]int),
		incoming:   make(map[*transport.Connection]struct{}),
		watched:    make(map[string]*endpointSet),
		reaperDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.log == nil {
		if e.log, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
	}
	e.log = e.log.With(zap.String("engine", e.id))

	if e.secrets == nil && cfg.SecretFile != "" {
		if e.secrets, err = secret.LoadStore(cfg.SecretFile, e.log); err != nil {
			return nil, fmt.Errorf("engine: secret file: %w", err)
		}
	}
	if e.verifiers == nil && cfg.ShadowFile != "" {
		if e.verifiers, err = secret.LoadVerifierStore(cfg.ShadowFile, e.log); err != nil {
			return nil, fmt.Errorf("engine: shadow file: %w", err)
		}
	}
	if e.registry == nil && len(cfg.Registry.Etcd) > 0 {
		if e.registry, err = registry.NewEtcdRegistry(cfg.Registry.Etcd, e.log); err != nil {
			return nil, fmt.Errorf("engine: registry: %w", err)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	go e.reap()
	e.log.Info("engine started", zap.Duration("reap_interval", cfg.ReapInterval.Std()))
	return e, nil
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.log }

func (e *Engine) baseOptions() transport.Options {
	return transport.Options{
		MaxMessageSize: e.cfg.MaxMessageSize,
		ConnectTimeout: e.cfg.ConnectTimeout.Std(),
		MessageTimeout: e.cfg.MessageTimeout.Std(),
		CloseTimeout:   e.cfg.CloseTimeout.Std(),
		BackoffBase:    transport.DefaultBackoffBase,
		BackoffMax:     transport.DefaultBackoffMax,
		Logger:         e.log,
	}
}

// incomingOptions configures connections accepted by adapters.
func (e *Engine) incomingOptions() transport.Options {
	opts := e.baseOptions()
	opts.Verifiers = e.verifiers
	opts.Suite = e.cfg.Suite()
	return opts
}

// connection returns a live outgoing connection to ep, dialing a new one
// if there is none. service selects the credentials for a new dial.
func (e *Engine) connection(ep endpoint.Endpoint, service string) (*transport.Connection, error) {
	key := ep.Key()
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil, rpcerr.Connection("connect", ErrShutdown)
	}

	attempt := 0
	if old, ok := e.outgoing[key]; ok {
		if old.State().Usable() {
			e.mu.Unlock()
			return old, nil
		}
		// replaced below; a graceful close keeps running on its own
		attempt = old.Attempt() + 1
	} else if last, ok := e.failed[key]; ok {
		attempt = last + 1
	}
	delete(e.failed, key)

	opts := e.baseOptions()
	opts.Attempt = attempt
	if e.secrets != nil {
		opts.Credentials = func() (string, string, bool) {
			return e.secrets.Find(service, ep.Proto, ep.Host, ep.Port)
		}
	}
	c := transport.Dial(ep, opts, transport.DispatcherFunc(e.dispatchCallback))
	e.outgoing[key] = c
	e.mu.Unlock()

	// OnClose may run the hook right away, so e.mu must not be held here.
	c.OnClose(func(c *transport.Connection) {
		e.mu.Lock()
		if e.outgoing[key] == c {
			delete(e.outgoing, key)
			if c.Err() != nil {
				e.failed[key] = c.Attempt()
			}
		}
		e.mu.Unlock()
	})
	return c, nil
}

// track registers an accepted connection. It returns false after Shutdown.
func (e *Engine) track(c *transport.Connection) bool {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return false
	}
	e.incoming[c] = struct{}{}
	e.mu.Unlock()
	c.OnClose(func(c *transport.Connection) {
		e.mu.Lock()
		delete(e.incoming, c)
		e.mu.Unlock()
	})
	return true
}

// dispatchCallback serves quests the peer sends back over an outgoing
// connection, using the servants of all adapters.
func (e *Engine) dispatchCallback(ctx context.Context, c *transport.Connection, q *message.Quest) *message.Answer {
	e.mu.Lock()
	var found *Adapter
	for _, a := range e.adapters {
		if _, ok := a.FindServant(q.Service); ok {
			found = a
			break
		}
	}
	e.mu.Unlock()
	if found == nil {
		return middleware.Fail(q, rpcerr.CodeServiceNotFound, "ServiceNotFound", "no servant %q for callbacks", q.Service)
	}
	return found.Dispatch(ctx, c, q)
}

// Connections returns the live connection counts.
func (e *Engine) Connections() (outgoing, incoming int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outgoing), len(e.incoming)
}

// ---------------------------------------------------------------------------
// idle reaper

func (e *Engine) reap() {
	defer close(e.reaperDone)
	ticker := time.NewTicker(e.cfg.ReapInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reapOnce()
		case <-e.ctx.Done():
			return
		}
	}
}

// reapOnce gracefully closes connections that have nothing outstanding and
// were idle longer than their direction's threshold.
func (e *Engine) reapOnce() {
	idleOut, idleIn := e.cfg.IdleOutgoing.Std(), e.cfg.IdleIncoming.Std()
	idle := func(c *transport.Connection, limit time.Duration) bool {
		return limit > 0 && c.State() == transport.StateActive && c.Outstanding() == 0 && c.IdleFor() > limit
	}

	var victims []*transport.Connection
	e.mu.Lock()
	for key, c := range e.outgoing {
		if idle(c, idleOut) {
			delete(e.outgoing, key)
			victims = append(victims, c)
		}
	}
	for c := range e.incoming {
		if idle(c, idleIn) {
			victims = append(victims, c)
		}
	}
	e.mu.Unlock()

	for _, c := range victims {
		e.log.Debug("reaping idle connection", zap.String("conn", c.ID()), zap.String("endpoint", c.Endpoint().Key()),
			zap.Duration("idle", c.IdleFor()))
		c.Close(false)
	}
}

// ---------------------------------------------------------------------------
// shutdown

// Shutdown deactivates all adapters and closes every connection gracefully,
// then forcefully once ShutdownGrace elapsed. It returns at once; use
// WaitForShutdown to block until the drain completed.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	adapters := make([]*Adapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		adapters = append(adapters, a)
	}
	conns := make([]*transport.Connection, 0, len(e.outgoing)+len(e.incoming))
	for _, c := range e.outgoing {
		conns = append(conns, c)
	}
	for c := range e.incoming {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	e.log.Info("engine shutting down", zap.Int("adapters", len(adapters)), zap.Int("connections", len(conns)))
	for _, a := range adapters {
		a.deactivate()
	}
	e.cancel()

	go func() {
		for _, c := range conns {
			c.Close(false)
		}
		grace := time.NewTimer(e.cfg.ShutdownGrace.Std())
		defer grace.Stop()
		for _, c := range conns {
			select {
			case <-c.Done():
			case <-grace.C:
				e.log.Warn("shutdown grace expired, closing connections forcefully")
				for _, c := range conns {
					c.Close(true)
				}
			}
		}
		<-e.reaperDone
		if e.registry != nil {
			if err := e.registry.Close(); err != nil {
				e.log.Warn("registry close failed", zap.Error(err))
			}
		}
		e.log.Info("engine shut down")
		e.log.Sync()
		close(e.done)
	}()
}

// WaitForShutdown blocks until a Shutdown finished draining.
func (e *Engine) WaitForShutdown() {
	<-e.done
}

// Done is closed once a Shutdown finished draining.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
