// Package endpoint parses and formats XIC endpoint strings.
//
//	proto+host+port[/prefix] [timeout=connectMs,closeMs,messageMs]
//
// Several endpoints of one adapter or proxy are joined with '@':
//
//	tcp+127.0.0.1+5555@tcp+10.0.0.7+5555 timeout=2000
//
// An empty host means "all interfaces" when listening and loopback when
// connecting.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Priority ranks an endpoint address; higher is preferred.
type Priority int

const (
	PriorityPublic   Priority = 1
	PriorityPrivate  Priority = 2
	PriorityLoopback Priority = 3
)

// Endpoint is one (protocol, host, port) destination.
type Endpoint struct {
	Proto  string
	Host   string
	Port   int
	Prefix string

	// Zero means "use the engine default".
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	MessageTimeout time.Duration

	Priority Priority
}

// Parse parses a single endpoint.
func Parse(s string) (Endpoint, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Endpoint{}, fmt.Errorf("endpoint: empty")
	}
	addr, prefix, _ := strings.Cut(fields[0], "/")
	parts := strings.Split(addr, "+")
	if len(parts) != 3 {
		return Endpoint{}, fmt.Errorf("endpoint %q: want proto+host+port", s)
	}
	ep := Endpoint{
		Proto: strings.ToLower(parts[0]),
		Host:  strings.TrimSuffix(strings.TrimPrefix(parts[1], "["), "]"),
	}
	if prefix != "" {
		ep.Prefix = "/" + prefix
	}
	if ep.Proto != "tcp" {
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported protocol %q", s, parts[0])
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", s, parts[2])
	}
	ep.Port = port

	for _, opt := range fields[1:] {
		key, val, ok := strings.Cut(opt, "=")
		if !ok || key != "timeout" {
			return Endpoint{}, fmt.Errorf("endpoint %q: unknown option %q", s, opt)
		}
		if err := ep.parseTimeouts(val); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
	}
	ep.Priority = Classify(ep.Host)
	return ep, nil
}

func (e *Endpoint) parseTimeouts(val string) error {
	targets := []*time.Duration{&e.ConnectTimeout, &e.CloseTimeout, &e.MessageTimeout}
	items := strings.Split(val, ",")
	if len(items) > len(targets) {
		return fmt.Errorf("too many timeout values in %q", val)
	}
	for i, item := range items {
		if item == "" {
			continue
		}
		ms, err := strconv.Atoi(item)
		if err != nil || ms < 0 {
			return fmt.Errorf("invalid timeout %q", item)
		}
		*targets[i] = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// ParseList parses '@'-joined endpoints.
func ParseList(s string) ([]Endpoint, error) {
	var out []Endpoint
	for _, item := range strings.Split(s, "@") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ep, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("endpoint: no endpoints in %q", s)
	}
	return out, nil
}

// Key identifies the destination, ignoring options.
func (e Endpoint) Key() string {
	return e.Proto + "+" + e.Host + "+" + strconv.Itoa(e.Port) + e.Prefix
}

// String formats the endpoint in the syntax accepted by Parse.
func (e Endpoint) String() string {
	s := e.Key()
	if e.ConnectTimeout == 0 && e.CloseTimeout == 0 && e.MessageTimeout == 0 {
		return s
	}
	ms := func(d time.Duration) string {
		if d == 0 {
			return ""
		}
		return strconv.FormatInt(d.Milliseconds(), 10)
	}
	return fmt.Sprintf("%s timeout=%s,%s,%s", s, ms(e.ConnectTimeout), ms(e.CloseTimeout), ms(e.MessageTimeout))
}

// JoinList formats endpoints '@'-joined.
func JoinList(eps []Endpoint) string {
	parts := make([]string, len(eps))
	for i, ep := range eps {
		parts[i] = ep.String()
	}
	return strings.Join(parts, "@")
}

// DialAddress is the address to connect to.
func (e Endpoint) DialAddress() string {
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// ListenAddress is the address to listen on.
func (e Endpoint) ListenAddress() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// FromAddr builds an endpoint from a socket address, e.g. a listener's
// actual address after binding port 0.
func FromAddr(addr net.Addr) (Endpoint, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Proto: "tcp", Host: host, Port: p, Priority: Classify(host)}, nil
}

// Classify ranks a host: loopback over private networks over everything else.
// Host names other than "localhost" are not resolved and rank as public.
func Classify(host string) Priority {
	if host == "" || strings.EqualFold(host, "localhost") {
		return PriorityLoopback
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return PriorityPublic
	case ip.IsLoopback():
		return PriorityLoopback
	case ip.IsPrivate(), ip.IsLinkLocalUnicast():
		return PriorityPrivate
	}
	return PriorityPublic
}
