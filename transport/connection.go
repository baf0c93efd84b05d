// Package transport implements the XIC connection: one socket carrying
// quests and answers in both directions, multiplexed by transaction id.
//
//	goroutine-1 ──SendQuest(txid=1)──┐
//	goroutine-2 ──SendQuest(txid=2)──┼──► out queue ──writeLoop──► socket
//	goroutine-3 ──SendQuest(txid=3)──┘        (one Write per batch)
//
//	socket ──readLoop──► Decoder ──► Answer(txid=2) ──► ResultMap[2] ──► goroutine-2
//	                              └─► Quest ──► go Dispatcher.Dispatch ──► Answer ──► out queue
//
// A connection first runs the handshake (package handshake); twoway quests
// sent before it finishes wait in a separate queue and are released in
// order once the connection is ACTIVE.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xic/cipher"
	"xic/endpoint"
	"xic/handshake"
	"xic/message"
	"xic/middleware"
	"xic/protocol"
	"xic/rpcerr"
	"xic/secret"
)

var (
	// ErrClosing is returned by SendQuest once a graceful close has started.
	ErrClosing = errors.New("connection is closing")
	// ErrPeerBye fails calls still pending when the peer said Bye.
	ErrPeerBye = errors.New("peer closed the connection")
)

// flushGrace bounds the final write of FORBIDDEN or Bye during teardown.
const flushGrace = time.Second

// Dispatcher serves quests received on a connection. ctx is cancelled when
// the connection is torn down. The returned answer is sent for twoway
// quests and dropped for oneway ones.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Connection, q *message.Quest) *message.Answer
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, c *Connection, q *message.Quest) *message.Answer

func (f DispatcherFunc) Dispatch(ctx context.Context, c *Connection, q *message.Quest) *message.Answer {
	return f(ctx, c, q)
}

// Options configures a connection. Zero timeouts disable the timer; the
// timeouts of a dialed endpoint override these.
type Options struct {
	MaxMessageSize uint32
	ConnectTimeout time.Duration
	MessageTimeout time.Duration
	CloseTimeout   time.Duration

	// Accept side: verifiers enable SRP6a, Suite is the cipher offered.
	Verifiers *secret.VerifierStore
	Suite     cipher.Suite

	// Dial side.
	Credentials handshake.Credentials
	Attempt     int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *zap.Logger
}

type outItem struct {
	typ     message.Type
	body    []byte
	pending *Pending
}

// Connection is one XIC connection. All methods are safe for concurrent use.
type Connection struct {
	id       string
	ep       endpoint.Endpoint
	incoming bool
	opts     Options
	log      *zap.Logger
	disp     Dispatcher

	// reader-owned
	dec      *protocol.Decoder
	hsClient *handshake.Client
	hsServer *handshake.Server

	ctx    context.Context // cancelled at teardown
	cancel context.CancelFunc

	mu          sync.Mutex
	cond        *sync.Cond // wakes the writer
	state       State
	conn        net.Conn
	writing     bool // writeLoop owns closing conn
	out         []outItem
	waiting     []outItem
	results     *ResultMap
	inbound     int // inbound quests being dispatched
	sendCipher  *cipher.Cipher
	peerBye     bool
	authStarted bool
	closeAsked  bool
	identity    string
	attempt     int
	lastActive  time.Time
	err         error
	hooks       []func(*Connection)
	done        chan struct{}

	connectTimer *time.Timer
	messageTimer *time.Timer
	closeTimer   *time.Timer
}

func newConnection(ep endpoint.Endpoint, incoming bool, opts Options, d Dispatcher) *Connection {
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if ep.ConnectTimeout > 0 {
		opts.ConnectTimeout = ep.ConnectTimeout
	}
	if ep.CloseTimeout > 0 {
		opts.CloseTimeout = ep.CloseTimeout
	}
	if ep.MessageTimeout > 0 {
		opts.MessageTimeout = ep.MessageTimeout
	}
	c := &Connection{
		id:         uuid.NewString(),
		ep:         ep,
		incoming:   incoming,
		opts:       opts,
		disp:       d,
		dec:        protocol.NewDecoder(opts.MaxMessageSize),
		results:    NewResultMap(),
		attempt:    opts.Attempt,
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cond = sync.NewCond(&c.mu)
	c.log = opts.Logger.With(
		zap.String("conn", c.id),
		zap.String("endpoint", ep.Key()),
		zap.Bool("incoming", incoming),
	)
	return c
}

// Dial creates an outgoing connection to ep and returns at once; the socket
// is connected and the handshake run in the background. Quests may be sent
// immediately and wait until the connection is ACTIVE.
func Dial(ep endpoint.Endpoint, opts Options, d Dispatcher) *Connection {
	c := newConnection(ep, false, opts, d)
	c.hsClient = handshake.NewClient(opts.Credentials)
	go c.connect()
	return c
}

// Accept wraps a socket returned by a listener and starts the server side of
// the handshake.
func Accept(conn net.Conn, opts Options, d Dispatcher) *Connection {
	ep, err := endpoint.FromAddr(conn.RemoteAddr())
	if err != nil {
		ep = endpoint.Endpoint{Proto: "tcp", Host: conn.RemoteAddr().String()}
	}
	c := newConnection(ep, true, opts, d)
	c.hsServer = handshake.NewServer(opts.Verifiers, opts.Suite)

	c.mu.Lock()
	c.state = StateWaitingHello
	c.conn = conn
	c.writing = true
	first := c.hsServer.Start()
	c.enqueueLocked(first, nil)
	if c.hsServer.Done() {
		c.activateLocked(nil)
	} else {
		c.authStarted = true
		c.connectTimer = c.startTimer(opts.ConnectTimeout, &c.connectTimer, rpcerr.StageAuthenticate)
	}
	c.mu.Unlock()

	c.log.Debug("connection accepted", zap.String("remote", conn.RemoteAddr().String()),
		zap.Bool("authenticate", c.hsServer.Required()))
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) connect() {
	if d := Backoff(c.attempt, c.opts.BackoffBase, c.opts.BackoffMax); d > 0 {
		c.log.Debug("reconnect backoff", zap.Int("attempt", c.attempt), zap.Duration("delay", d))
		select {
		case <-time.After(d):
		case <-c.ctx.Done():
			return
		}
	}

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.connectTimer = c.startTimer(c.opts.ConnectTimeout, &c.connectTimer, rpcerr.StageConnect)
	c.mu.Unlock()

	var dialer net.Dialer
	conn, err := dialer.DialContext(c.ctx, "tcp", c.ep.DialAddress())
	if err != nil {
		c.teardown(StateError, rpcerr.Connection("dial", err))
		return
	}

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.state = StateWaitingHello
	c.conn = conn
	c.writing = true
	c.mu.Unlock()

	c.log.Debug("connected", zap.String("local", conn.LocalAddr().String()))
	go c.readLoop()
	go c.writeLoop()
}

// ---------------------------------------------------------------------------
// accessors

func (c *Connection) ID() string                  { return c.id }
func (c *Connection) Endpoint() endpoint.Endpoint { return c.ep }
func (c *Connection) Incoming() bool              { return c.incoming }
func (c *Connection) Done() <-chan struct{}       { return c.done }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection ended, nil while it is alive or after a
// clean close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Outstanding counts unanswered outbound calls plus inbound quests still
// being dispatched.
func (c *Connection) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results.Len() + c.inbound
}

// IdleFor returns the time since the last socket activity or quest.
func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

// Attempt returns the number of consecutive failed connection attempts that
// preceded this one; it drops to zero once the connection is ACTIVE.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Identity returns the peer identity proven by the handshake, "" if the peer
// did not authenticate.
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// OnClose registers fn to run once the connection reached CLOSED or ERROR.
// fn runs immediately if that already happened.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// ---------------------------------------------------------------------------
// sending

// SendQuest queues q. For twoway calls p carries the completion and gets a
// txid from the result map; p == nil sends q oneway. q itself is not
// modified. An error means nothing was queued.
func (c *Connection) SendQuest(q *message.Quest, p *Pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state.Terminal():
		if c.err != nil {
			return c.err
		}
		return rpcerr.Connection("send", net.ErrClosed)
	case !c.state.Usable() || c.closeAsked:
		return rpcerr.Connection("send", ErrClosing)
	}

	wire := *q
	wire.Txid = 0
	if p != nil {
		wire.Txid = c.results.Add(p)
		p.sent = false
	}
	body, err := protocol.EncodeBody(&wire, c.opts.MaxMessageSize)
	if err != nil {
		if p != nil {
			c.results.Remove(wire.Txid)
		}
		return err
	}

	item := outItem{typ: message.TypeQuest, body: body, pending: p}
	c.lastActive = time.Now()
	if c.state < StateActive {
		c.waiting = append(c.waiting, item)
		return nil
	}
	c.out = append(c.out, item)
	c.cond.Signal()
	if p != nil && c.results.Len() == 1 {
		c.armMessageTimerLocked()
	}
	return nil
}

// enqueueLocked queues a control message or answer. Caller holds mu.
func (c *Connection) enqueueLocked(msg message.Message, p *Pending) {
	body, err := protocol.EncodeBody(msg, c.opts.MaxMessageSize)
	if err != nil {
		c.log.Error("dropping unencodable message", zap.Stringer("type", msg.Type()), zap.Error(err))
		return
	}
	c.queueLocked(outItem{typ: msg.Type(), body: body, pending: p})
}

// queueLocked appends an encoded message to the out queue. Caller holds mu.
func (c *Connection) queueLocked(it outItem) {
	c.out = append(c.out, it)
	c.cond.Signal()
}

// writeLoop drains the out queue, one socket write per batch. Once the
// connection is terminal it flushes remaining control messages (FORBIDDEN,
// Bye) and closes the socket.
func (c *Connection) writeLoop() {
	var buf []byte
	for {
		c.mu.Lock()
		for len(c.out) == 0 && !c.state.Terminal() {
			c.cond.Wait()
		}
		items := c.out
		c.out = nil
		final := c.state.Terminal()
		ciph := c.sendCipher
		if !final {
			for _, it := range items {
				if it.pending != nil {
					it.pending.sent = true
				}
			}
		}
		c.mu.Unlock()

		buf = buf[:0]
		for _, it := range items {
			if final && (it.typ == message.TypeQuest || it.typ == message.TypeAnswer) {
				continue
			}
			var err error
			if buf, err = protocol.AppendFrame(buf, it.typ, it.body, ciph); err != nil {
				c.teardown(StateError, &rpcerr.Error{Kind: rpcerr.KindProtocol, Op: "encrypt", Err: err})
				final = true
				break
			}
		}
		if len(buf) > 0 {
			if _, err := c.conn.Write(buf); err != nil {
				c.teardown(StateClosed, rpcerr.Connection("write", err))
				final = true
			} else {
				c.touch()
			}
		}
		if final {
			c.conn.Close()
			return
		}
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// receiving

func (c *Connection) readLoop() {
	buf := make([]byte, 64<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.touch()
			p := buf[:n]
			for len(p) > 0 {
				msg, used, derr := c.dec.Decode(p)
				p = p[used:]
				if derr != nil {
					c.teardown(StateError, derr)
					return
				}
				if msg != nil && !c.handle(msg) {
					return
				}
			}
		}
		if err != nil {
			switch state := c.State(); {
			case state.Terminal():
			case state == StateClosing:
				// our Bye is out; the peer closing the socket completes it
				c.teardown(StateClosed, nil)
			default:
				if errors.Is(err, io.EOF) {
					c.log.Debug("peer closed the socket")
				}
				c.teardown(StateClosed, rpcerr.Connection("read", err))
			}
			return
		}
	}
}

// handle processes one inbound message; false stops the reader.
func (c *Connection) handle(msg message.Message) bool {
	switch m := msg.(type) {
	case *message.Hello:
		return c.onHello()
	case *message.Check:
		return c.onCheck(m)
	case *message.Quest:
		return c.onQuest(m)
	case *message.Answer:
		return c.onAnswer(m)
	case *message.Bye:
		return c.onBye()
	}
	c.teardown(StateError, rpcerr.Protocol("read", "unexpected %T", msg))
	return false
}

func (c *Connection) onHello() bool {
	c.mu.Lock()
	if c.incoming || c.state != StateWaitingHello || c.hsClient.State() != handshake.StateInit {
		state := c.state
		c.mu.Unlock()
		c.teardown(StateError, rpcerr.Protocol("read", "unexpected Hello in state %v", state))
		return false
	}
	c.activateLocked(nil)
	c.mu.Unlock()
	return true
}

func (c *Connection) onCheck(chk *message.Check) bool {
	c.mu.Lock()
	if c.state != StateWaitingHello {
		state := c.state
		c.mu.Unlock()
		c.teardown(StateError, rpcerr.Protocol("read", "unexpected Check %q in state %v", chk.Cmd, state))
		return false
	}
	c.authStarted = true
	c.mu.Unlock()

	var (
		reply *message.Check
		err   error
		done  bool
		ciph  *cipher.Cipher
	)
	if c.incoming {
		reply, err = c.hsServer.Step(chk)
		done, ciph = c.hsServer.Done(), c.hsServer.Cipher()
	} else {
		reply, err = c.hsClient.Step(chk)
		done, ciph = c.hsClient.Done(), c.hsClient.Cipher()
	}

	c.mu.Lock()
	if reply != nil {
		c.enqueueLocked(reply, nil)
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("handshake failed", zap.Error(err))
		c.teardown(StateError, err)
		return false
	}
	if done {
		// frames after this one are encrypted
		c.dec.SetCipher(ciph)
		c.activateLocked(ciph)
	}
	c.mu.Unlock()
	return true
}

// activateLocked moves WAITING_HELLO to ACTIVE and releases the waiting
// queue. Caller holds mu.
func (c *Connection) activateLocked(ciph *cipher.Cipher) {
	c.stopTimerLocked(&c.connectTimer)
	c.sendCipher = ciph
	if c.hsServer != nil {
		c.identity = c.hsServer.Identity()
	}
	c.state = StateActive
	c.attempt = 0
	c.out = append(c.out, c.waiting...)
	c.waiting = nil
	c.cond.Signal()
	if c.results.Len() > 0 {
		c.armMessageTimerLocked()
	}
	c.log.Debug("connection active", zap.Stringer("cipher", suiteOf(ciph)))
	if c.closeAsked {
		c.beginCloseLocked()
	}
}

func suiteOf(c *cipher.Cipher) cipher.Suite {
	if c == nil {
		return cipher.None
	}
	return c.Suite()
}

func (c *Connection) onQuest(q *message.Quest) bool {
	c.mu.Lock()
	switch c.state {
	case StateActive, StateClose:
	case StateClosing:
		// the peer will get our Bye; it must not expect an answer
		c.mu.Unlock()
		c.log.Debug("dropping quest received while closing", zap.String("service", q.Service), zap.String("method", q.Method))
		return true
	default:
		state := c.state
		c.mu.Unlock()
		c.teardown(StateError, rpcerr.Protocol("read", "quest before handshake finished (state %v)", state))
		return false
	}
	c.inbound++
	c.mu.Unlock()

	go c.dispatch(q)
	return true
}

func (c *Connection) dispatch(q *message.Quest) {
	var ans *message.Answer
	if c.disp == nil {
		ans = middleware.Fail(q, rpcerr.CodeServiceNotFound, "ServiceNotFound", "no servants on this connection")
	} else {
		ans = c.disp.Dispatch(c.ctx, c, q)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound--
	if !q.Oneway() && !c.state.Terminal() {
		if ans == nil {
			ans = &message.Answer{}
		}
		ans.Txid = q.Txid
		body, err := protocol.EncodeBody(ans, c.opts.MaxMessageSize)
		if err != nil {
			ans = middleware.Fail(q, rpcerr.CodeServantError, "ResultTooLarge", "%v", err)
			c.enqueueLocked(ans, nil)
		} else {
			c.queueLocked(outItem{typ: message.TypeAnswer, body: body})
		}
	}
	c.maybeFinishCloseLocked()
}

func (c *Connection) onAnswer(a *message.Answer) bool {
	c.mu.Lock()
	if c.state < StateActive {
		c.mu.Unlock()
		c.teardown(StateError, rpcerr.Protocol("read", "answer before handshake finished"))
		return false
	}
	p := c.results.Remove(a.Txid)
	if p == nil {
		c.mu.Unlock()
		c.log.Warn("answer for unknown txid", zap.Int64("txid", a.Txid))
		return true
	}
	if c.results.Len() > 0 {
		c.armMessageTimerLocked()
	} else {
		c.stopTimerLocked(&c.messageTimer)
	}
	c.maybeFinishCloseLocked()
	c.mu.Unlock()

	p.complete(a, nil)
	return true
}

func (c *Connection) onBye() bool {
	c.mu.Lock()
	c.peerBye = true
	state := c.state
	c.mu.Unlock()
	if state < StateActive {
		c.teardown(StateError, rpcerr.Protocol("read", "Bye before handshake finished"))
		return false
	}
	c.log.Debug("peer said bye", zap.Stringer("state", state))
	if state == StateClosing {
		c.teardown(StateClosed, nil)
		return false
	}
	c.teardown(StateClosed, rpcerr.Connection("read", ErrPeerBye))
	return false
}

// ---------------------------------------------------------------------------
// closing

// Close shuts the connection down. A graceful close stops new outbound
// quests, waits for everything in flight in both directions, then sends
// Bye; force tears the connection down at once and fails every pending call.
func (c *Connection) Close(force bool) {
	if force {
		c.teardown(StateClosed, rpcerr.Connection("close", errors.New("connection closed locally")))
		return
	}
	c.mu.Lock()
	switch {
	case c.state.Terminal() || c.closeAsked:
		c.mu.Unlock()
		return
	case c.state < StateActive && c.results.Len() == 0:
		c.mu.Unlock()
		c.teardown(StateClosed, nil)
		return
	}
	c.closeAsked = true
	if c.state == StateActive {
		c.beginCloseLocked()
	}
	c.mu.Unlock()
}

// beginCloseLocked moves ACTIVE to CLOSE. Caller holds mu.
func (c *Connection) beginCloseLocked() {
	c.state = StateClose
	c.closeTimer = c.startTimer(c.opts.CloseTimeout, &c.closeTimer, rpcerr.StageClose)
	c.log.Debug("graceful close requested", zap.Int("outstanding", c.results.Len()+c.inbound))
	c.maybeFinishCloseLocked()
}

// maybeFinishCloseLocked sends Bye once nothing is in flight. Caller holds mu.
func (c *Connection) maybeFinishCloseLocked() {
	if c.state != StateClose || c.results.Len() > 0 || c.inbound > 0 {
		return
	}
	c.state = StateClosing
	c.enqueueLocked(&message.Bye{}, nil)
}

// teardown ends the connection in state (CLOSED or ERROR) and resolves every
// pending call with err, retrying the eligible ones once. It is idempotent.
func (c *Connection) teardown(state State, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.err = err
	c.stopTimerLocked(&c.connectTimer)
	c.stopTimerLocked(&c.messageTimer)
	c.stopTimerLocked(&c.closeTimer)
	pendings := c.results.Drain()
	sent := make([]bool, len(pendings))
	for i, p := range pendings {
		sent[i] = p.sent
	}
	c.waiting = nil
	// pendings handed to Resubmit below must not be seen by this writer again
	ctl := c.out[:0]
	for _, it := range c.out {
		if it.typ != message.TypeQuest && it.typ != message.TypeAnswer {
			ctl = append(ctl, it)
		}
	}
	c.out = ctl
	peerBye := c.peerBye
	hooks := c.hooks
	c.hooks = nil
	conn, writing := c.conn, c.writing
	if conn != nil {
		// unblock the reader now, give the writer a moment to flush
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now().Add(flushGrace))
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	if conn != nil && !writing {
		conn.Close()
	}
	close(c.done)

	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", state), zap.Int("pending", len(pendings))}
	switch {
	case state == StateError:
		c.log.Warn("connection failed", append(fields, zap.Error(err))...)
	default:
		c.log.Debug("connection closed", append(fields, zap.Error(err))...)
	}

	if len(pendings) > 0 {
		if err == nil {
			err = rpcerr.Connection("close", net.ErrClosed)
		}
		for i, p := range pendings {
			p.resolve(err, sent[i], peerBye, prev >= StateActive)
		}
	}
	for _, fn := range hooks {
		fn(c)
	}
}

// ---------------------------------------------------------------------------
// timers

// startTimer arms a timer that fails the connection with a timeout of stage
// unless slot no longer holds it when it fires. Caller holds mu.
func (c *Connection) startTimer(d time.Duration, slot **time.Timer, stage rpcerr.Stage) *time.Timer {
	if d <= 0 {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.mu.Lock()
		if *slot != t || c.state.Terminal() {
			c.mu.Unlock()
			return
		}
		*slot = nil
		if stage == rpcerr.StageConnect && c.authStarted {
			stage = rpcerr.StageAuthenticate
		}
		next := StateError
		if stage == rpcerr.StageClose && c.state == StateClosing {
			// only the peer's Bye is missing
			next = StateClosed
		}
		c.mu.Unlock()
		c.teardown(next, rpcerr.Timeout(stage, "connection"))
	})
	return t
}

func (c *Connection) stopTimerLocked(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// armMessageTimerLocked (re)starts the message timer. Caller holds mu.
func (c *Connection) armMessageTimerLocked() {
	c.stopTimerLocked(&c.messageTimer)
	c.messageTimer = c.startTimer(c.opts.MessageTimeout, &c.messageTimer, rpcerr.StageMessage)
}
