// Package handshake drives the SRP6a authentication exchange that runs on a
// fresh connection before any Quest or Answer may flow.
//
//	server                                  client
//	  |---- Check AUTHENTICATE {method} ------>|   server INIT -> S1
//	  |<--- Check SRP6a1 {I} ------------------|   client INIT -> S2
//	  |---- Check SRP6a2 {hash,N,g,s,B} ------>|   server S1 -> S3
//	  |<--- Check SRP6a3 {A,M1} ---------------|   client S2 -> S4
//	  |---- Check SRP6a4 {M2,cipher} --------->|   server S3 -> FINISH
//	                                               client S4 -> FINISH
//
// State Sn waits for Check SRP6a<n>. Either side that rejects the peer answers
// with Check FORBIDDEN {reason} and enters FORBIDDEN; the connection is then
// dropped. A server without a verifier store skips all of this and sends Hello.
//
// Both machines are single-threaded: the connection reader owns them.
package handshake

import (
	"bytes"

	"xic/cipher"
	"xic/message"
	"xic/rpcerr"
	"xic/secret"
	"xic/srp"
)

// Check commands.
const (
	CmdAuthenticate = "AUTHENTICATE"
	CmdSRP6a1       = "SRP6a1"
	CmdSRP6a2       = "SRP6a2"
	CmdSRP6a3       = "SRP6a3"
	CmdSRP6a4       = "SRP6a4"
	CmdForbidden    = "FORBIDDEN"

	MethodSRP6a = "SRP6a"
)

// State of a handshake machine.
type State int

const (
	StateInit State = iota
	StateS1
	StateS2
	StateS3
	StateS4
	StateFinish
	StateForbidden
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateS1:
		return "S1"
	case StateS2:
		return "S2"
	case StateS3:
		return "S3"
	case StateS4:
		return "S4"
	case StateFinish:
		return "FINISH"
	case StateForbidden:
		return "FORBIDDEN"
	}
	return "UNKNOWN"
}

const op = "handshake"

// Forbidden builds a FORBIDDEN check.
func Forbidden(reason string) *message.Check {
	c := message.NewCheck(CmdForbidden)
	c.Args["reason"] = reason
	return c
}

// ForbiddenError converts a received FORBIDDEN check into an error.
func ForbiddenError(c *message.Check) error {
	reason := c.String("reason")
	if reason == "" {
		reason = "no reason given"
	}
	return rpcerr.Authentication(op, "forbidden by peer: %s", reason)
}

// ---------------------------------------------------------------------------
// server side

// Server authenticates an accepted connection against a verifier store.
type Server struct {
	state    State
	store    *secret.VerifierStore
	suite    cipher.Suite
	exchange *srp.Server
	identity string
	cipher   *cipher.Cipher
}

// NewServer creates the accept-side machine. A nil store disables
// authentication.
func NewServer(store *secret.VerifierStore, suite cipher.Suite) *Server {
	return &Server{store: store, suite: suite}
}

// Required reports whether the peer has to authenticate.
func (s *Server) Required() bool {
	return s.store != nil
}

// Start returns the first message to send: Hello when no authentication is
// configured (the machine is finished at once), AUTHENTICATE otherwise.
func (s *Server) Start() message.Message {
	if s.store == nil {
		s.state = StateFinish
		return &message.Hello{}
	}
	s.state = StateS1
	c := message.NewCheck(CmdAuthenticate)
	c.Args["method"] = MethodSRP6a
	return c
}

func (s *Server) forbid(reason string, err error) (*message.Check, error) {
	s.state = StateForbidden
	return Forbidden(reason), err
}

// Step consumes one check from the client. reply, if non-nil, must be sent
// even when err is non-nil.
func (s *Server) Step(c *message.Check) (*message.Check, error) {
	if c.Cmd == CmdForbidden {
		s.state = StateForbidden
		return nil, ForbiddenError(c)
	}
	switch {
	case s.state == StateS1 && c.Cmd == CmdSRP6a1:
		return s.onSRP6a1(c)
	case s.state == StateS3 && c.Cmd == CmdSRP6a3:
		return s.onSRP6a3(c)
	}
	return s.forbid("unexpected "+c.Cmd, rpcerr.Protocol(op, "unexpected check %q in state %v", c.Cmd, s.state))
}

func (s *Server) onSRP6a1(c *message.Check) (*message.Check, error) {
	identity := c.String("I")
	v, ok := s.store.GetVerifier(identity)
	if identity == "" || !ok {
		return s.forbid("unknown identity", rpcerr.Authentication(op, "unknown identity %q", identity))
	}
	group := s.store.Group()
	exchange, err := srp.NewServer(group, v)
	if err != nil {
		return s.forbid("internal error", err)
	}
	s.exchange = exchange
	s.identity = identity

	reply := message.NewCheck(CmdSRP6a2)
	reply.Args["hash"] = srp.HashName
	reply.Args["N"] = group.N.Bytes()
	reply.Args["g"] = group.G.Bytes()
	reply.Args["s"] = v.Salt
	reply.Args["B"] = exchange.PublicB()
	s.state = StateS3
	return reply, nil
}

func (s *Server) onSRP6a3(c *message.Check) (*message.Check, error) {
	m2, err := s.exchange.VerifyM1(c.Bytes("A"), c.Bytes("M1"))
	if err != nil {
		return s.forbid("authentication failed", rpcerr.Authentication(op, "identity %q: %v", s.identity, err))
	}
	if s.suite != cipher.None {
		s.cipher, err = cipher.NewFromSecret(s.suite, s.exchange.SessionKey(), true)
		if err != nil {
			return s.forbid("internal error", err)
		}
	}
	reply := message.NewCheck(CmdSRP6a4)
	reply.Args["M2"] = m2
	reply.Args["cipher"] = s.suite.String()
	s.state = StateFinish
	return reply, nil
}

// State returns the current state.
func (s *Server) State() State { return s.state }

// Done reports whether the handshake finished successfully.
func (s *Server) Done() bool { return s.state == StateFinish }

// Identity returns the authenticated identity, "" before FINISH.
func (s *Server) Identity() string {
	if s.state != StateFinish {
		return ""
	}
	return s.identity
}

// Cipher returns the negotiated cipher, nil for none.
func (s *Server) Cipher() *cipher.Cipher { return s.cipher }

// ---------------------------------------------------------------------------
// client side

// Credentials returns the identity and password to present, or ok=false when
// none is configured for the destination.
type Credentials func() (identity, password string, ok bool)

// Client answers a server's AUTHENTICATE.
type Client struct {
	state    State
	creds    Credentials
	exchange *srp.Client
	cipher   *cipher.Cipher
}

// NewClient creates the dial-side machine.
func NewClient(creds Credentials) *Client {
	return &Client{creds: creds}
}

func (c *Client) forbid(reason string, err error) (*message.Check, error) {
	c.state = StateForbidden
	return Forbidden(reason), err
}

// Step consumes one check from the server. reply, if non-nil, must be sent
// even when err is non-nil.
func (c *Client) Step(chk *message.Check) (*message.Check, error) {
	if chk.Cmd == CmdForbidden {
		c.state = StateForbidden
		return nil, ForbiddenError(chk)
	}
	switch {
	case c.state == StateInit && chk.Cmd == CmdAuthenticate:
		return c.onAuthenticate(chk)
	case c.state == StateS2 && chk.Cmd == CmdSRP6a2:
		return c.onSRP6a2(chk)
	case c.state == StateS4 && chk.Cmd == CmdSRP6a4:
		return c.onSRP6a4(chk)
	}
	return c.forbid("unexpected "+chk.Cmd, rpcerr.Protocol(op, "unexpected check %q in state %v", chk.Cmd, c.state))
}

func (c *Client) onAuthenticate(chk *message.Check) (*message.Check, error) {
	if m := chk.String("method"); m != MethodSRP6a {
		return c.forbid("unsupported method", rpcerr.Authentication(op, "unsupported method %q", m))
	}
	var identity, password string
	ok := false
	if c.creds != nil {
		identity, password, ok = c.creds()
	}
	if !ok {
		return c.forbid("no credentials", rpcerr.Authentication(op, "no credentials for this destination"))
	}
	exchange, err := srp.NewClient(srp.DefaultGroup(), identity, password)
	if err != nil {
		return c.forbid("internal error", err)
	}
	c.exchange = exchange

	reply := message.NewCheck(CmdSRP6a1)
	reply.Args["I"] = identity
	c.state = StateS2
	return reply, nil
}

func (c *Client) onSRP6a2(chk *message.Check) (*message.Check, error) {
	if h := chk.String("hash"); h != srp.HashName {
		return c.forbid("unsupported hash", rpcerr.Authentication(op, "unsupported hash %q", h))
	}
	group := srp.DefaultGroup()
	if !bytes.Equal(chk.Bytes("N"), group.N.Bytes()) || !bytes.Equal(chk.Bytes("g"), group.G.Bytes()) {
		return c.forbid("unsupported group", rpcerr.Authentication(op, "server offered an unknown SRP group"))
	}
	m1, err := c.exchange.ComputeM1(chk.Bytes("s"), chk.Bytes("B"))
	if err != nil {
		return c.forbid("bad server public value", rpcerr.Authentication(op, "%v", err))
	}
	reply := message.NewCheck(CmdSRP6a3)
	reply.Args["A"] = c.exchange.PublicA()
	reply.Args["M1"] = m1
	c.state = StateS4
	return reply, nil
}

func (c *Client) onSRP6a4(chk *message.Check) (*message.Check, error) {
	if err := c.exchange.VerifyM2(chk.Bytes("M2")); err != nil {
		return c.forbid("server proof mismatch", rpcerr.Authentication(op, "%v", err))
	}
	suite, err := cipher.ParseSuite(chk.String("cipher"))
	if err != nil {
		return c.forbid("unsupported cipher", rpcerr.Authentication(op, "%v", err))
	}
	if suite != cipher.None {
		c.cipher, err = cipher.NewFromSecret(suite, c.exchange.SessionKey(), false)
		if err != nil {
			return c.forbid("internal error", err)
		}
	}
	c.state = StateFinish
	return nil, nil
}

// State returns the current state.
func (c *Client) State() State { return c.state }

// Done reports whether the handshake finished successfully.
func (c *Client) Done() bool { return c.state == StateFinish }

// Cipher returns the negotiated cipher, nil for none.
func (c *Client) Cipher() *cipher.Cipher { return c.cipher }
