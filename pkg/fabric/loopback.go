package fabric

import (
	"context"
	"sync"
)

// Loopback is an in-process Transport connecting a fixed set of
// nodes by direct function calls instead of sockets. Tests for the
// emigrator, immigrator, and replicated writer all run multi-node
// scenarios against a LoopbackNetwork rather than opening real TCP
// connections, the way the corpus's own tests avoid dialing real
// Kafka brokers.
type Loopback struct {
	self NodeID
	net  *LoopbackNetwork

	handlersMu sync.RWMutex
	handlers   map[MsgType]Handler
}

// LoopbackNetwork is the shared registry a set of Loopback transports
// attach to.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Loopback

	// Partition, when non-nil, reports whether messages between two
	// nodes should currently be dropped. Tests use this to simulate a
	// mid-transfer membership change or node departure.
	Partition func(from, to NodeID) bool
}

// NewLoopbackNetwork creates an empty shared network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[NodeID]*Loopback)}
}

// NewNode attaches a new Loopback transport for id to the network.
func (n *LoopbackNetwork) NewNode(id NodeID) *Loopback {
	lb := &Loopback{self: id, net: n, handlers: make(map[MsgType]Handler)}
	n.mu.Lock()
	n.nodes[id] = lb
	n.mu.Unlock()
	return lb
}

func (l *Loopback) Self() NodeID { return l.self }

func (l *Loopback) RegisterHandler(t MsgType, h Handler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[t] = h
}

func (l *Loopback) Send(ctx context.Context, dst NodeID, msg Message) error {
	l.net.mu.RLock()
	target, ok := l.net.nodes[dst]
	partition := l.net.Partition
	l.net.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	if partition != nil && partition(l.self, dst) {
		return nil // dropped silently, as a real network partition would
	}
	target.handlersMu.RLock()
	h := target.handlers[msg.Type]
	target.handlersMu.RUnlock()
	if h == nil {
		return nil
	}
	from := l.self
	go func() {
		reply, _ := h(ctx, from, msg)
		if reply != nil {
			replyMsg := Message{Type: msg.Type, Priority: msg.Priority, Body: reply}
			_ = target.Send(ctx, from, replyMsg)
		}
	}()
	return nil
}

// SetPeerHooks is a no-op: Loopback has no real connection lifecycle
// to observe, so there is nothing to call onConnect/onDisconnect on.
func (l *Loopback) SetPeerHooks(onConnect func(NodeID), onDisconnect func(NodeID, error)) {}

func (l *Loopback) Close() error {
	l.net.mu.Lock()
	delete(l.net.nodes, l.self)
	l.net.mu.Unlock()
	return nil
}
