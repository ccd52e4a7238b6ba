package shardnode

import "time"

// Hook observes migration and replication lifecycle events. It
// mirrors pkg/kgo's Hook dispatch pattern: Hook itself is an empty
// interface, and each event has its own single-method interface
// (HookEmigrationStart, ...), so a Hook implementation only has to
// provide the events it cares about.
//
// A Node fires every registered Hook synchronously on the goroutine
// that owns the event; Hook methods must not block.
type Hook interface{}

// HookEmigrationStart fires when an emigration session for a partition
// is enqueued, before a worker picks it up and sends its first START.
type HookEmigrationStart interface {
	OnEmigrationStart(partition PartitionID, dst NodeID, emigrationID uint64)
}

// HookEmigrationDone fires when an emigration session completes
// normally (its DONE was acked).
type HookEmigrationDone interface {
	OnEmigrationDone(partition PartitionID, dst NodeID, emigrationID uint64, recordsSent int64, elapsed time.Duration)
}

// HookEmigrationAbort fires when an emigration session ends without
// its DONE being acked: cluster-key fencing, explicit cancellation, a
// disallowed reservation state, a START_ACK_FAIL, or a send error.
type HookEmigrationAbort interface {
	OnEmigrationAbort(partition PartitionID, dst NodeID, emigrationID uint64, reason error)
}

// HookImmigrationStart fires when a node accepts an incoming START
// and opens an immigration session.
type HookImmigrationStart interface {
	OnImmigrationStart(partition PartitionID, src NodeID, emigrationID uint64)
}

// HookImmigrationDone fires when an immigration session receives DONE
// and applies it.
type HookImmigrationDone interface {
	OnImmigrationDone(partition PartitionID, src NodeID, emigrationID uint64, recordsApplied int64)
}

// HookImmigrationReap fires when the reaper evicts an immigration
// session, either because its cluster key is stale or because its DONE
// arrived more than migrate_rx_lifetime_ms ago.
type HookImmigrationReap interface {
	OnImmigrationReap(partition PartitionID, src NodeID, emigrationID uint64)
}

// HookReplicaWriteComplete fires when a replicated write's
// exactly-once completion callback fires successfully.
type HookReplicaWriteComplete interface {
	OnReplicaWriteComplete(tid uint64, partition PartitionID, acksReceived int, elapsed time.Duration)
}

// HookReplicaWriteTimeout fires when a replicated write exhausts its
// deadline without collecting every required ack.
type HookReplicaWriteTimeout interface {
	OnReplicaWriteTimeout(tid uint64, partition PartitionID, acksReceived, acksRequired int)
}

// HookPeerConnect and HookPeerDisconnect observe the fabric
// transport's per-peer connection lifecycle, independent of any
// particular migration or write.
type HookPeerConnect interface {
	OnPeerConnect(peer NodeID)
}

type HookPeerDisconnect interface {
	OnPeerDisconnect(peer NodeID, err error)
}

// hooks is the slice of registered Hook implementations, with small
// dispatch helpers for each event. Each helper type-asserts to find
// the interested subset, the way pkg/kgo's hooks.each does for its own
// Hook variants.
type hooks []Hook

func (hs hooks) emigrationStart(partition PartitionID, dst NodeID, emigrationID uint64) {
	for _, h := range hs {
		if h, ok := h.(HookEmigrationStart); ok {
			h.OnEmigrationStart(partition, dst, emigrationID)
		}
	}
}

func (hs hooks) emigrationDone(partition PartitionID, dst NodeID, emigrationID uint64, recordsSent int64, elapsed time.Duration) {
	for _, h := range hs {
		if h, ok := h.(HookEmigrationDone); ok {
			h.OnEmigrationDone(partition, dst, emigrationID, recordsSent, elapsed)
		}
	}
}

func (hs hooks) emigrationAbort(partition PartitionID, dst NodeID, emigrationID uint64, reason error) {
	for _, h := range hs {
		if h, ok := h.(HookEmigrationAbort); ok {
			h.OnEmigrationAbort(partition, dst, emigrationID, reason)
		}
	}
}

func (hs hooks) immigrationStart(partition PartitionID, src NodeID, emigrationID uint64) {
	for _, h := range hs {
		if h, ok := h.(HookImmigrationStart); ok {
			h.OnImmigrationStart(partition, src, emigrationID)
		}
	}
}

func (hs hooks) immigrationDone(partition PartitionID, src NodeID, emigrationID uint64, recordsApplied int64) {
	for _, h := range hs {
		if h, ok := h.(HookImmigrationDone); ok {
			h.OnImmigrationDone(partition, src, emigrationID, recordsApplied)
		}
	}
}

func (hs hooks) immigrationReap(partition PartitionID, src NodeID, emigrationID uint64) {
	for _, h := range hs {
		if h, ok := h.(HookImmigrationReap); ok {
			h.OnImmigrationReap(partition, src, emigrationID)
		}
	}
}

func (hs hooks) replicaWriteComplete(tid uint64, partition PartitionID, acksReceived int, elapsed time.Duration) {
	for _, h := range hs {
		if h, ok := h.(HookReplicaWriteComplete); ok {
			h.OnReplicaWriteComplete(tid, partition, acksReceived, elapsed)
		}
	}
}

func (hs hooks) replicaWriteTimeout(tid uint64, partition PartitionID, acksReceived, acksRequired int) {
	for _, h := range hs {
		if h, ok := h.(HookReplicaWriteTimeout); ok {
			h.OnReplicaWriteTimeout(tid, partition, acksReceived, acksRequired)
		}
	}
}

func (hs hooks) peerConnect(peer NodeID) {
	for _, h := range hs {
		if h, ok := h.(HookPeerConnect); ok {
			h.OnPeerConnect(peer)
		}
	}
}

func (hs hooks) peerDisconnect(peer NodeID, err error) {
	for _, h := range hs {
		if h, ok := h.(HookPeerDisconnect); ok {
			h.OnPeerDisconnect(peer, err)
		}
	}
}
