package fabric

import "errors"

var (
	// ErrPeerDead is returned for any send enqueued against a
	// connection that has already been torn down.
	ErrPeerDead = errors.New("fabric: peer connection is dead")
	// ErrUnknownPeer is returned when sending to a NodeID with no
	// known address.
	ErrUnknownPeer = errors.New("fabric: unknown peer")
	// ErrClosed is returned by Cluster.Send once the Cluster has been
	// closed.
	ErrClosed = errors.New("fabric: transport closed")
)
