package fabric

import (
	"sync"
	"time"
)

// peerConn owns one peer's per-priority connections, the fabric
// analog of broker.go's broker struct (which splits a Kafka broker's
// traffic across cxnNormal/cxnProduce/cxnFetch/cxnGroup/cxnSlow).
// Here the split is by fabric.Priority instead of request kind, since
// this protocol only ever needs "bulk record stream" vs "handshake /
// ack" isolation.
type peerConn struct {
	id   NodeID
	addr string

	mu    sync.Mutex
	conns [3]*conn // indexed by Priority
}

func newPeerConn(id NodeID, addr string) *peerConn {
	return &peerConn{id: id, addr: addr}
}

func (p *peerConn) connFor(t *Cluster, prio Priority) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[prio]
	if c != nil && !c.isDead() {
		return c
	}
	c = newConn(t, p, p.addr)
	p.conns[prio] = c
	go c.readLoop(t.ctx)
	return c
}

func (p *peerConn) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c != nil {
			c.die(nil)
		}
	}
}

func (p *peerConn) reapIdle(idleTimeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for i, c := range p.conns {
		if c == nil || c.isDead() {
			continue
		}
		if c.idle(idleTimeout) {
			c.die(nil)
			p.conns[i] = nil
			n++
		}
	}
	return n
}
