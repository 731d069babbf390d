// Package pool implements a bounded Connection pool: a fixed-size set
// of leased mssql.Connection values with a FIFO wait queue, idle
// eviction, lease validation, and graceful drain-on-close.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	mssql "github.com/tdsclient/mssql"
)

// Stats is a point-in-time snapshot of a Pool's internal counters,
// useful for health checks and metrics scraping.
type Stats struct {
	Idle int
	Active int
	Total int
	Waiting int
	Exhausted int64
}

// Lease is a borrowed Connection. Callers must call Release exactly
// once to return it to the pool (or permanently discard it on a fatal
// error).
type Lease struct {
	pool *Pool
	conn *mssql.Connection
	gen int64
	// discard marks the connection unfit for reuse; Release will close
	// it instead of returning it to the idle list.
	discard bool
}

// Session returns a Session bound to this lease's Connection, the
// public API layered directly on top of the pool.
func (l *Lease) Session() *mssql.Session { return mssql.NewSession(l.conn) }

// Conn exposes the underlying Connection for callers that need the
// lower-level engine API (RPC, bulk load, attention).
func (l *Lease) Conn() *mssql.Connection { return l.conn }

// Discard marks the lease as unfit for return to the pool; Release
// will close the underlying connection instead of reusing it. Callers
// should call this after observing a protocol-level error that leaves
// the connection's framing state unknown.
func (l *Lease) Discard() { l.discard = true }

type idleConn struct {
	conn *mssql.Connection
	idleFrom time.Time
	gen int64
}

// waiter is one FIFO queue entry for a blocked Acquire. ready is
// buffered by one so a Release/warm-up/inject handoff never blocks on
// a waiter that has since given up (timed out or had its ctx
// cancelled).
type waiter struct {
	ready chan acquireResult
}

type acquireResult struct {
	conn *mssql.Connection
	gen int64
	err error
}

// Pool hands out bounded, validated mssql.Connection leases: an idle
// free list, an active set bound by MaxConcurrent, a channel-based
// FIFO wait queue, and a background reaper for idle eviction.
type Pool struct {
	connCfg *mssql.Config

	mu sync.Mutex
	idle []idleConn
	active map[*mssql.Connection]struct{}
	waiters []*waiter
	total int
	waiting int

	exhausted int64
	closed bool
	stopCh chan struct{}

	// rotateGen increments whenever a CertWatcher reloads TLS material.
	// Outstanding (active) leases keep running on the credentials they
	// negotiated at handshake time; leases with a stale generation are
	// closed rather than recycled the next time they are released, so
	// the replacement connection dials fresh with the rotated material.
	rotateGen int64
}

// New creates a Pool against cfg. Connections are dialed lazily on
// first Acquire, except for cfg.Pool.MinIdle connections which are
// warmed in the background.
func New(cfg *mssql.Config) *Pool {
	p := &Pool{
		connCfg: cfg,
		active: make(map[*mssql.Connection]struct{}),
		stopCh: make(chan struct{}),
	}

	if cfg.Pool.IdleTimeout > 0 {
		go p.reapLoop(cfg.Pool.IdleTimeout)
	}
	if cfg.Pool.MinIdle > 0 {
		go p.warmUp(cfg.Pool.MinIdle)
	}
	return p
}

// popWaiter removes and returns the longest-waiting entry, or nil if
// the queue is empty. Callers must hold p.mu.
func (p *Pool) popWaiter() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// removeWaiter deletes w from the queue if still present; a no-op if
// it was already popped by a concurrent handoff. Callers must hold
// p.mu.
func (p *Pool) removeWaiter(w *waiter) {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) warmUp(n int) {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || p.total >= n {
			p.mu.Unlock()
			return
		}
		gen := p.rotateGen
		p.total++
		p.mu.Unlock()

		conn, err := mssql.Dial(context.Background(), p.connCfg)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.log("warm-up connection %d/%d failed: %v", i+1, n, err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		if w := p.popWaiter(); w != nil {
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			w.ready <- acquireResult{conn: conn, gen: gen}
			continue
		}
		p.idle = append(p.idle, idleConn{conn: conn, idleFrom: time.Now(), gen: gen})
		p.mu.Unlock()
	}
}

// MarkRotate bumps the pool's rotation generation. Connections already
// checked out are unaffected; anything released afterwards, and any
// connection currently idle, is closed on its next touch instead of
// being handed out or kept, forcing a fresh Dial that picks up
// whatever TLS material a CertWatcher just reloaded into the config.
func (p *Pool) MarkRotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotateGen++
}

// rotateGenForTest exposes the current rotation generation for tests
// that need to observe a CertWatcher-triggered MarkRotate.
func (p *Pool) rotateGenForTest() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateGen
}

// Acquire borrows a Connection, creating one if the pool is under
// MaxConcurrent, otherwise joining a FIFO wait queue until one is
// released, the acquisition timeout elapses, or ctx is done. Waiters
// are served strictly in arrival order: a released or newly idle
// connection is handed directly to the longest-waiting goroutine
// rather than returned to the free list, so a concurrently arriving
// Acquire can never barge ahead of it.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("mssql pool: pool closed")
	}

	for len(p.idle) > 0 {
		ic := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if ic.gen != p.rotateGen {
			ic.conn.Close()
			p.total--
			continue
		}
		if !ic.conn.Healthy() {
			ic.conn.Close()
			p.total--
			continue
		}
		if q := p.connCfg.Pool.ValidationQuery; q != "" {
			if err := p.validate(ctx, ic.conn, q); err != nil {
				ic.conn.Close()
				p.total--
				continue
			}
		}
		p.active[ic.conn] = struct{}{}
		p.mu.Unlock()
		return &Lease{pool: p, conn: ic.conn, gen: ic.gen}, nil
	}

	if p.total < p.connCfg.Pool.MaxConcurrent {
		gen := p.rotateGen
		p.total++
		p.mu.Unlock()

		conn, err := mssql.Dial(ctx, p.connCfg)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("mssql pool: dialing: %w", err)
		}

		p.mu.Lock()
		p.active[conn] = struct{}{}
		p.mu.Unlock()
		return &Lease{pool: p, conn: conn, gen: gen}, nil
	}

	w := &waiter{ready: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.waiting++
	p.exhausted++
	p.mu.Unlock()

	deadline := time.Now().Add(p.connCfg.Pool.AcquisitionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-w.ready:
		p.mu.Lock()
		p.waiting--
		if res.err == nil {
			p.active[res.conn] = struct{}{}
		}
		p.mu.Unlock()
		if res.err != nil {
			return nil, res.err
		}
		return &Lease{pool: p, conn: res.conn, gen: res.gen}, nil

	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiter(w)
		p.waiting--
		p.mu.Unlock()
		p.reclaimLateHandoff(w)
		return nil, ctx.Err()

	case <-timer.C:
		p.mu.Lock()
		p.removeWaiter(w)
		p.waiting--
		p.mu.Unlock()
		p.reclaimLateHandoff(w)
		return nil, fmt.Errorf("mssql pool: acquisition timeout after %s", p.connCfg.Pool.AcquisitionTimeout)
	}
}

// reclaimLateHandoff covers the race between a waiter giving up
// (context cancelled or timed out) and a concurrent Release/warm-up
// already having sent it a connection: if a result is sitting in the
// channel, it must be returned to the pool (or handed to the next
// waiter) instead of leaking.
func (p *Pool) reclaimLateHandoff(w *waiter) {
	select {
	case res := <-w.ready:
		if res.err == nil && res.conn != nil {
			p.mu.Lock()
			delete(p.active, res.conn)
			p.mu.Unlock()
			p.returnOrHandoff(res.conn, res.gen)
		}
	default:
	}
}

// returnOrHandoff places conn back into circulation: directly to the
// next waiter if one is queued, onto the idle list otherwise, or
// closed outright if it is stale or unhealthy.
func (p *Pool) returnOrHandoff(conn *mssql.Connection, gen int64) {
	p.mu.Lock()
	if p.closed || gen != p.rotateGen || !conn.Healthy() {
		p.total--
		p.mu.Unlock()
		conn.Close()
		return
	}
	if w := p.popWaiter(); w != nil {
		p.active[conn] = struct{}{}
		p.mu.Unlock()
		w.ready <- acquireResult{conn: conn, gen: gen}
		return
	}
	p.idle = append(p.idle, idleConn{conn: conn, idleFrom: time.Now(), gen: gen})
	p.mu.Unlock()
}

// InjectTestConn adds a pre-built Connection directly into the idle
// list (or hands it straight to a waiting Acquire), bypassing Dial and
// LOGIN7. Only intended for tests that need a Pool around a fake or
// in-process Connection.
func (p *Pool) InjectTestConn(conn *mssql.Connection) {
	p.mu.Lock()
	gen := p.rotateGen
	p.total++
	if w := p.popWaiter(); w != nil {
		p.active[conn] = struct{}{}
		p.mu.Unlock()
		w.ready <- acquireResult{conn: conn, gen: gen}
		return
	}
	p.idle = append(p.idle, idleConn{conn: conn, idleFrom: time.Now(), gen: gen})
	p.mu.Unlock()
}

func (p *Pool) validate(ctx context.Context, conn *mssql.Connection, query string) error {
	_, err := conn.SendBatch(ctx, query)
	return err
}

// Release returns a Lease to the pool. A discarded or unhealthy
// connection is closed instead of reused, keeping total accurate. A
// healthy connection goes straight to the longest-waiting Acquire if
// one is queued, otherwise onto the idle list.
func (p *Pool) Release(l *Lease) {
	p.mu.Lock()
	delete(p.active, l.conn)

	if p.closed || l.discard || l.gen != p.rotateGen || !l.conn.Healthy() {
		l.conn.Close()
		p.total--
		p.mu.Unlock()
		return
	}

	// RESETCONNECTION: a reused lease carries session state from its
	// previous borrower; the engine clears it on next send.
	l.conn.MarkDirty()

	if w := p.popWaiter(); w != nil {
		p.active[l.conn] = struct{}{}
		p.mu.Unlock()
		w.ready <- acquireResult{conn: l.conn, gen: l.gen}
		return
	}

	p.idle = append(p.idle, idleConn{conn: l.conn, idleFrom: time.Now(), gen: l.gen})
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle: len(p.idle),
		Active: len(p.active),
		Total: p.total,
		Waiting: p.waiting,
		Exhausted: p.exhausted,
	}
}

func (p *Pool) reapLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle(idleTimeout)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle(idleTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	minIdle := p.connCfg.Pool.MinIdle
	if len(p.idle) <= minIdle {
		return
	}

	now := time.Now()
	excess := len(p.idle) - minIdle
	kept := make([]idleConn, 0, len(p.idle))
	for i, ic := range p.idle {
		if i < excess && now.Sub(ic.idleFrom) > idleTimeout {
			ic.conn.Close()
			p.total--
		} else {
			kept = append(kept, ic)
		}
	}
	p.idle = kept
}

// Drain closes idle connections immediately and waits (up to 30s) for
// active leases to be released before force-closing them.
func (p *Pool) Drain() {
	p.mu.Lock()
	for _, ic := range p.idle {
		ic.conn.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for conn := range p.active {
				conn.Close()
				p.total--
			}
			p.active = make(map[*mssql.Connection]struct{})
			p.mu.Unlock()
			return
		}
	}
}

// Close drains the pool and stops its background reaper. Safe to call
// once; a second call is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ready <- acquireResult{err: fmt.Errorf("mssql pool: pool closing")}
	}

	p.Drain()
	return nil
}

func (p *Pool) log(format string, args ...interface{}) {
	if p.connCfg.Logger != nil {
		p.connCfg.Logger.Printf(format, args...)
	}
}
