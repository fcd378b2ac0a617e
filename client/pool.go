// Package client implements the client side of the configuration-management
// protocol: the RSA handshake driver, per-command request helpers, and the
// connection pool that backs the agent's serial request mode.
package client

import "sync"

// poolEntry is one link in the per-server chain of pooled connections.
type poolEntry struct {
	conn *PeerConn
	busy bool
	next *poolEntry
}

// Pool is the client-side connection cache. It is keyed by the resolved IP
// of the server, not the unresolved name, so aliases of the same host
// share one cache slot. A single mutex guards every chain; chains are
// short-lived and rarely contended, so a hold-the-lock walk is enough.
type Pool struct {
	mu      sync.Mutex
	heads   map[string]*poolEntry
	offline map[string]bool
}

// NewPool returns an empty connection pool.
func NewPool() *Pool {
	return &Pool{
		heads:   make(map[string]*poolEntry),
		offline: make(map[string]bool),
	}
}

// GetIdle returns an existing non-busy connection cached for server, marking
// it busy, or nil if none is available.
func (p *Pool) GetIdle(server string) *PeerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.heads[server]; e != nil; e = e.next {
		if !e.busy {
			e.busy = true
			return e.conn
		}
	}
	return nil
}

// Cache prepends conn to server's chain, marked busy (it was just handed to
// a caller via Dial, not GetIdle).
func (p *Pool) Cache(conn *PeerConn, server string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heads[server] = &poolEntry{conn: conn, busy: true, next: p.heads[server]}
}

// Release clears the busy flag on the pool entry wrapping conn, making it
// available to a future GetIdle call. It is a no-op if conn is not in the
// pool (e.g. a background-mode connection, which never enters the pool).
func (p *Pool) Release(conn *PeerConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, head := range p.heads {
		for e := head; e != nil; e = e.next {
			if e.conn == conn {
				e.busy = false
				return
			}
		}
	}
}

// MarkOffline records that a connection attempt to server failed, so
// subsequent requests in the same run skip it without retrying.
func (p *Pool) MarkOffline(server string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[server] = true
}

// IsOffline reports whether server was previously marked offline this run.
func (p *Pool) IsOffline(server string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offline[server]
}
