package transport

import (
	"math"
	"sort"
	"sync/atomic"

	"xic/message"
	"xic/rpcerr"
)

// Pending is one twoway call waiting for its Answer.
//
// Exactly one of the following happens to it: Callback receives the Answer,
// Callback receives an error, or, once at most, Resubmit is invoked to send
// it again over another connection.
type Pending struct {
	Quest *message.Quest

	// Callback receives the outcome. It runs on a connection goroutine and
	// must not block.
	Callback func(ans *message.Answer, err error)

	// Resubmit, if set, re-sends the call after its connection died in a
	// way that makes a retry safe. It must eventually call Fail or send the
	// pending again.
	Resubmit func(p *Pending, cause error)

	retries int
	cause   error // teardown error that triggered the resubmit
	sent    bool  // guarded by the owning connection's mutex
	done    atomic.Bool
}

// NewPending creates a pending call for q.
func NewPending(q *message.Quest, cb func(*message.Answer, error)) *Pending {
	return &Pending{Quest: q, Callback: cb}
}

// Retries returns how many times the call was resubmitted.
func (p *Pending) Retries() int {
	return p.retries
}

func (p *Pending) complete(ans *message.Answer, err error) {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	if p.Callback != nil {
		p.Callback(ans, err)
	}
}

// Fail resolves the call with err unless it already completed.
func (p *Pending) Fail(err error) {
	p.complete(nil, err)
}

// Retryable reports whether a call torn down by err may be resent: only
// socket-level failures and connect timeouts qualify, and only when the
// quest never left this process or the peer had said Bye before seeing it.
func Retryable(err error, sent, peerBye bool) bool {
	if !rpcerr.Is(err, rpcerr.KindConnection) && rpcerr.StageOf(err) != rpcerr.StageConnect {
		return false
	}
	return !sent || peerBye
}

// resolve ends the call after its connection was torn down. sent is the
// value of p.sent observed under that connection's lock; connected reports
// whether that connection ever became ACTIVE. A resubmitted call that could
// not get a connection fails with the error of its first connection.
func (p *Pending) resolve(err error, sent, peerBye, connected bool) {
	if p.Resubmit != nil && p.retries == 0 && Retryable(err, sent, peerBye) {
		p.retries++
		p.cause = err
		go p.Resubmit(p, err)
		return
	}
	if p.retries > 0 && p.cause != nil && !connected {
		err = p.cause
	}
	p.Fail(err)
}

// ResultMap correlates outstanding txids with their calls. It is not safe
// for concurrent use; the owning connection's mutex guards it.
type ResultMap struct {
	last    int64
	entries map[int64]*Pending
}

func NewResultMap() *ResultMap {
	return &ResultMap{entries: make(map[int64]*Pending)}
}

// Add stores p under a fresh nonzero txid that is not outstanding.
func (r *ResultMap) Add(p *Pending) int64 {
	for {
		if r.last == math.MaxInt64 {
			r.last = 0
		}
		r.last++
		if _, busy := r.entries[r.last]; !busy {
			r.entries[r.last] = p
			return r.last
		}
	}
}

// Remove takes the call for txid out of the map; nil if absent.
func (r *ResultMap) Remove(txid int64) *Pending {
	p, ok := r.entries[txid]
	if !ok {
		return nil
	}
	delete(r.entries, txid)
	return p
}

// Len returns the number of outstanding calls.
func (r *ResultMap) Len() int {
	return len(r.entries)
}

// Drain empties the map and returns its calls in txid order.
func (r *ResultMap) Drain() []*Pending {
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Pending, len(ids))
	for i, id := range ids {
		out[i] = r.entries[id]
	}
	r.entries = make(map[int64]*Pending)
	return out
}
