package engine

import (
	"context"

	"xic/message"
	"xic/transport"
)

// Current describes the quest a servant is serving.
type Current struct {
	Adapter *Adapter // owner of the servant
	Conn    *transport.Connection
	Quest   *message.Quest

	engine *Engine
}

type currentKey struct{}

func withCurrent(ctx context.Context, cur *Current) context.Context {
	return context.WithValue(ctx, currentKey{}, cur)
}

// CurrentFrom returns the Current stored in a servant's context.
func CurrentFrom(ctx context.Context) (*Current, bool) {
	cur, ok := ctx.Value(currentKey{}).(*Current)
	return cur, ok
}

func (c *Current) Service() string { return c.Quest.Service }
func (c *Current) Method() string  { return c.Quest.Method }

// Context returns the caller's quest context.
func (c *Current) Context() message.Context { return c.Quest.Context }

// Identity returns the SRP6a identity the peer authenticated as, if any.
func (c *Current) Identity() string { return c.Conn.Identity() }

// Oneway reports whether the caller waits for an answer.
func (c *Current) Oneway() bool { return c.Quest.Oneway() }

// Proxy returns a proxy that calls service back over the connection this
// quest arrived on. It never dials; once that connection is gone its
// calls fail.
func (c *Current) Proxy(service string) *Proxy {
	return c.engine.fixedProxy(service, c.Conn)
}
