// Package fabric implements the reliable, typed, prioritized
// node-to-node message transport that the migration and
// replicated-write components are built on top of.
//
// It is deliberately small: one persistent TCP connection per
// (peer, priority) pair, in-order write pipelining per connection (no
// correlation IDs: replies are ordinary inbound messages), and a
// Loopback transport for tests that never touches the network.
package fabric

import (
	"context"
	"encoding/binary"
	"fmt"
)

// NodeID identifies a peer for the lifetime of its process.
type NodeID uint64

// MsgType distinguishes the two message families this core cares
// about. Other message types (client protocol, UDF, secondary index)
// are out of scope and are never constructed here.
type MsgType uint8

const (
	MsgTypeMigrate MsgType = 1
	MsgTypeRW      MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeMigrate:
		return "MIGRATE"
	case MsgTypeRW:
		return "RW"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Priority selects which of a peer's connections carries a message.
// Lower-priority traffic (bulk record streaming) must never block
// higher-priority traffic (START/DONE handshakes, replicated writes).
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Payload is a message body. Components encode their own wire types
// (see migrate.go, rw.go) to bytes before handing them to the
// transport; the transport itself is payload-agnostic.
type Payload []byte

// Message is one fabric-level envelope.
type Message struct {
	Type     MsgType
	Priority Priority
	Body     Payload
}

// Encode prefixes the message with its type and a big-endian length,
// the framing every connection in this package reads and writes.
func (m Message) Encode() []byte {
	buf := make([]byte, 5+len(m.Body))
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Body)))
	copy(buf[5:], m.Body)
	return buf
}

// DecodeMessage parses a frame produced by Encode.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < 5 {
		return Message{}, fmt.Errorf("fabric: short frame: %d bytes", len(buf))
	}
	n := binary.BigEndian.Uint32(buf[1:5])
	if uint32(len(buf)-5) < n {
		return Message{}, fmt.Errorf("fabric: truncated frame: want %d have %d", n, len(buf)-5)
	}
	return Message{
		Type: MsgType(buf[0]),
		Body: Payload(buf[5 : 5+n]),
	}, nil
}

// Handler processes one inbound message and returns the response
// payload to send back, or nil if the message requires no reply.
type Handler func(ctx context.Context, from NodeID, msg Message) (reply Payload, err error)

// Transport is the interface the migration and replication components
// depend on. Both *Cluster (real TCP) and *Loopback (in-process,
// tests) implement it.
type Transport interface {
	// Send enqueues msg for delivery to dst and returns once it has
	// been handed to the connection (not once it has been acked at
	// the application layer — callers needing an application ack
	// encode one into their own protocol, as the emigrator and
	// replicated writer both do).
	Send(ctx context.Context, dst NodeID, msg Message) error
	// RegisterHandler installs the handler invoked for inbound
	// messages of the given type. Only one handler may be registered
	// per type.
	RegisterHandler(t MsgType, h Handler)
	// Self returns this node's own identifier.
	Self() NodeID
	// SetPeerHooks installs callbacks fired on a per-peer connection
	// lifecycle transition: onConnect when a connection is
	// established, onDisconnect when one is torn down (err is nil for
	// an explicit close, non-nil for a dial or I/O failure). Either
	// callback may be nil. Implementations with no real connection
	// lifecycle to observe may treat this as a no-op.
	SetPeerHooks(onConnect func(NodeID), onDisconnect func(NodeID, error))
	// Close tears down all connections.
	Close() error
}
