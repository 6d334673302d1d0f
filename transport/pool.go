// Package transport implements peer RPC client/server over the C1 framing
// (SPEC_FULL.md's transport/ package-layout entry): a Client fans uploads,
// downloads and removes out over net.Conn using the same Command/Frame
// wire shapes package codec defines, and a Server dispatches accepted
// connections into a local store satisfying the same duck-typed
// Upload/Download/Remove surface as package storage and package cluster.
//
// The connection pool below is the arena-keyed-by-connection-id redesign
// spec.md §9 calls for: "cyclic references between pool, connection, and
// address lists... replaced with an arena keyed by connection id; each
// intrusive list becomes a pair of indices; the pool owns the arena." The
// arena is the plain map[uint64]*pooledConn; the keep-alive list and the
// in-use set are no longer linked lists threaded through the connection
// struct, just a slice of ids (keep-alive) and a count (in-use) that index
// into the arena the pool alone owns.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by acquire once Close has been called.
var ErrPoolClosed = errors.New("transport: connection pool closed")

// Dialer opens a new connection to a single remote endpoint, matching
// net.Dialer.DialContext's signature so *net.Dialer satisfies it directly.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// Pool is a per-remote-endpoint connection pool with a keep-alive
// (idle) set and an in-use count, per spec.md §5: "network connections
// are pooled per remote endpoint with (a) a keep-alive pool and (b) an
// in-use pool; idle connections expire after keep-alive timeout. The pool
// is closed on node stop; the stop future resolves only after the last
// in-use connection is drained."
type Pool struct {
	addr        string
	network     string
	dialer      Dialer
	dialTimeout time.Duration
	keepAlive   time.Duration

	mu      sync.Mutex
	arena   map[uint64]*pooledConn
	idle    []uint64
	nextID  uint64
	inUse   int
	closed  bool
	drained chan struct{}
	once    sync.Once
}

// NewPool constructs a Pool that dials addr on demand via dialer.
func NewPool(network, addr string, dialer Dialer, dialTimeout, keepAlive time.Duration) *Pool {
	return &Pool{
		addr:        addr,
		network:     network,
		dialer:      dialer,
		dialTimeout: dialTimeout,
		keepAlive:   keepAlive,
		arena:       make(map[uint64]*pooledConn),
		drained:     make(chan struct{}),
	}
}

// acquire returns a connection and the arena id it's filed under: an idle
// connection younger than the keep-alive timeout if one is on hand,
// otherwise a freshly dialed one.
func (p *Pool) acquire(ctx context.Context) (uint64, net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		id := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		pc, ok := p.arena[id]
		if !ok {
			continue
		}
		if p.keepAlive > 0 && time.Since(pc.lastUsed) > p.keepAlive {
			delete(p.arena, id)
			pc.conn.Close()
			continue
		}
		p.inUse++
		p.mu.Unlock()
		return id, pc.conn, nil
	}
	p.mu.Unlock()

	dialCtx := ctx
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}
	conn, err := p.dialer.DialContext(dialCtx, p.network, p.addr)
	if err != nil {
		return 0, nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return 0, nil, ErrPoolClosed
	}
	id := p.nextID
	p.nextID++
	p.arena[id] = &pooledConn{conn: conn}
	p.inUse++
	p.mu.Unlock()
	return id, conn, nil
}

// release returns a connection to the keep-alive set, or discards it
// (closing the socket) when healthy is false — the caller observed a
// framing/ack error and the connection can no longer be trusted.
func (p *Pool) release(id uint64, healthy bool) {
	p.mu.Lock()
	pc, ok := p.arena[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.inUse--
	if !healthy || p.closed {
		delete(p.arena, id)
		drained := p.closed && p.inUse == 0
		p.mu.Unlock()
		pc.conn.Close()
		if drained {
			p.signalDrained()
		}
		return
	}
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, id)
	p.mu.Unlock()
}

func (p *Pool) signalDrained() {
	p.once.Do(func() { close(p.drained) })
}

// Close marks the pool closed, immediately closes every idle connection,
// and blocks until every in-use connection has been released (or ctx is
// done), matching the "stop future resolves only after the last in-use
// connection is drained" requirement.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, id := range idle {
		if pc, ok := p.arena[id]; ok {
			delete(p.arena, id)
			pc.conn.Close()
		}
	}
	drained := p.inUse == 0
	p.mu.Unlock()

	if drained {
		p.signalDrained()
		return nil
	}
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InUse reports the number of connections currently checked out, for
// tests and diagnostics.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Idle reports the number of connections held in the keep-alive set.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// netDialer adapts *net.Dialer (and anything shaped like it) to Dialer.
type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// NewNetDialer returns the default Dialer backed by net.Dialer.
func NewNetDialer() Dialer { return netDialer{} }
