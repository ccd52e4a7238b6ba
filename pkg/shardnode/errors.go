package shardnode

import "errors"

// Error kinds returned across the migration and replication paths.
// Each is either a bare sentinel or, where the kind needs attached
// context, a small typed error.
var (
	// ErrClusterKeyMismatch is returned by any receiver handling a
	// message stamped with a cluster key other than the local one.
	ErrClusterKeyMismatch = errors.New("shardnode: cluster key mismatch")
	// ErrNoNode names the case of a destination node that has left the
	// cluster. No function in this package returns it: a send to an
	// unknown node surfaces the transport's own error
	// (fabric.ErrUnknownPeer).
	ErrNoNode = errors.New("shardnode: no such node")
	// ErrOutOfSpace is returned by a replica rejecting a write it has
	// no capacity for.
	ErrOutOfSpace = errors.New("shardnode: out of space")
	// ErrForbidden is returned when a write falls under a pending
	// truncate-before-LUT.
	ErrForbidden = errors.New("shardnode: forbidden by truncate")
	// ErrNotFound is returned by a replica drop of an absent record.
	ErrNotFound = errors.New("shardnode: not found")
	// ErrPickleMalformed is returned by the codec or by a receiver
	// validating a decoded pickle.
	ErrPickleMalformed = errors.New("shardnode: malformed pickle")
	// ErrTimeout names a replicated write that ran past its deadline.
	// The ReplicatedWriter reports a timeout through
	// RWCompletion.TimedOut and does not return this value.
	ErrTimeout = errors.New("shardnode: replicated write timed out")
	// ErrDuplicateAck names an ack that cannot be matched to any
	// in-flight entry. The ack handlers drop such acks silently and do
	// not return this value.
	ErrDuplicateAck = errors.New("shardnode: duplicate or unmatched ack")
	// ErrReservationInvalidState is the fatal-invariant error raised
	// when a reservation's partition state disallows the operation
	// the caller is attempting; this indicates a programming error.
	ErrReservationInvalidState = errors.New("shardnode: reservation in disallowed state")
	// ErrPartitionNotOwned is returned when a partition cannot accept
	// an immigration START on this node.
	ErrPartitionNotOwned = errors.New("shardnode: partition not ownable here")
	// ErrSessionAborted is returned to callers observing an
	// emigration or immigration session that has already aborted.
	ErrSessionAborted = errors.New("shardnode: session aborted")
	// ErrNodeClosed is returned by any operation attempted after
	// Node.Close.
	ErrNodeClosed = errors.New("shardnode: node closed")
)
