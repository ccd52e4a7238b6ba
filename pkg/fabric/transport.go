package fabric

import (
	"context"
	"sync"
	"time"
)

// Cluster is the real, TCP-backed Transport implementation.
type Cluster struct {
	cfg  config
	self NodeID

	ctx    context.Context
	cancel context.CancelFunc

	peersMu sync.RWMutex
	peers   map[NodeID]*peerConn

	handlersMu sync.RWMutex
	handlers   map[MsgType]Handler

	hooksMu          sync.RWMutex
	onPeerConnect    func(NodeID)
	onPeerDisconnect func(NodeID, error)

	reapWG sync.WaitGroup
}

// NewCluster constructs a Cluster transport identified as self. Peers
// must be added with AddPeer before they can be sent to.
func NewCluster(self NodeID, opts ...Opt) *Cluster {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		cfg:      cfg,
		self:     self,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[NodeID]*peerConn),
		handlers: make(map[MsgType]Handler),
	}
	c.reapWG.Add(1)
	go c.reapLoop()
	return c
}

func (c *Cluster) Self() NodeID { return c.self }

// SetPeerHooks installs the per-peer connect/disconnect callbacks
// fired from conn.ensureConnected and conn.die.
func (c *Cluster) SetPeerHooks(onConnect func(NodeID), onDisconnect func(NodeID, error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onPeerConnect = onConnect
	c.onPeerDisconnect = onDisconnect
}

func (c *Cluster) peerConnect(id NodeID) {
	c.hooksMu.RLock()
	f := c.onPeerConnect
	c.hooksMu.RUnlock()
	if f != nil {
		f(id)
	}
}

func (c *Cluster) peerDisconnect(id NodeID, err error) {
	c.hooksMu.RLock()
	f := c.onPeerDisconnect
	c.hooksMu.RUnlock()
	if f != nil {
		f(id, err)
	}
}

// AddPeer registers (or replaces) the address a peer is reachable at.
func (c *Cluster) AddPeer(id NodeID, addr string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers[id] = newPeerConn(id, addr)
}

// RemovePeer drops a peer and closes any open connections to it,
// called when rebalance determines a node has left the cluster.
func (c *Cluster) RemovePeer(id NodeID) {
	c.peersMu.Lock()
	p, ok := c.peers[id]
	delete(c.peers, id)
	c.peersMu.Unlock()
	if ok {
		p.closeAll()
	}
}

func (c *Cluster) RegisterHandler(t MsgType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = h
}

func (c *Cluster) handler(t MsgType) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[t]
}

func (c *Cluster) Send(ctx context.Context, dst NodeID, msg Message) error {
	c.peersMu.RLock()
	if c.peers == nil {
		c.peersMu.RUnlock()
		return ErrClosed
	}
	p, ok := c.peers[dst]
	c.peersMu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	conn := p.connFor(c, msg.Priority)
	done := make(chan error, 1)
	conn.send(ctx, msg, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cluster) reapLoop() {
	defer c.reapWG.Done()
	if c.cfg.connIdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.connIdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.peersMu.RLock()
			peers := make([]*peerConn, 0, len(c.peers))
			for _, p := range c.peers {
				peers = append(peers, p)
			}
			c.peersMu.RUnlock()
			var total int
			for _, p := range peers {
				total += p.reapIdle(c.cfg.connIdleTimeout)
			}
			if total > 0 {
				c.cfg.logger.Log(LogLevelDebug, "fabric: reaped idle connections", "count", total)
			}
		}
	}
}

func (c *Cluster) Close() error {
	c.cancel()
	c.peersMu.Lock()
	peers := make([]*peerConn, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peers = nil
	c.peersMu.Unlock()
	for _, p := range peers {
		p.closeAll()
	}
	c.reapWG.Wait()
	return nil
}
