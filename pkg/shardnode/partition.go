package shardnode

import (
	"fmt"
	"sync"
)

// PartitionState is the state graph a partition moves through: Undef
// → Absent → Desync → Sync ↔ Zombie, with specific transitions
// permitted only from rebalance.
type PartitionState int32

const (
	PartitionUndef PartitionState = iota
	PartitionAbsent
	PartitionDesync
	PartitionSync
	PartitionZombie
)

func (s PartitionState) String() string {
	switch s {
	case PartitionUndef:
		return "undef"
	case PartitionAbsent:
		return "absent"
	case PartitionDesync:
		return "desync"
	case PartitionSync:
		return "sync"
	case PartitionZombie:
		return "zombie"
	default:
		return fmt.Sprintf("PartitionState(%d)", int32(s))
	}
}

// Readable reports whether this state is a valid source for
// emigration: Sync and Zombie are readable sources for emigration;
// Absent/Undef are invalid.
func (s PartitionState) Readable() bool {
	return s == PartitionSync || s == PartitionZombie
}

// partition is one (namespace, partition id)'s local state: its
// current PartitionState, cluster key as of the last transition, tree
// handle, and outstanding reservation count gating rebalance.
type partition struct {
	mu         sync.Mutex
	id         PartitionID
	state      PartitionState
	clusterKey ClusterKey
	tree       IndexTree
	refs       int
}

// Reservation is the scoped handle that pins a partition against
// concurrent rebalance until Release is called.
// Reservations nest (refcount on the tree); Release is idempotent
// within one Reservation value but must be called exactly once per
// successful Reserve.
type Reservation struct {
	p          *partition
	released   bool
	State      PartitionState
	ClusterKey ClusterKey
	Tree       IndexTree
	PartitionID PartitionID
}

// Release returns the reservation. Safe to call from a defer even
// after a panic at the call site recovers above it, and safe to call
// more than once (idempotent) so defer-then-explicit-release patterns
// don't double-decrement.
func (r *Reservation) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	r.p.mu.Lock()
	r.p.refs--
	r.p.mu.Unlock()
}

// PartitionTable owns one *partition per partition id for a namespace
// and is the external-interface surface for reservations
// (Reserve/Release).
type PartitionTable struct {
	mu         sync.RWMutex
	partitions map[PartitionID]*partition
	newTree    func() IndexTree
}

// NewPartitionTable creates a table of numPartitions partitions, all
// initially Undef, using newTree to construct each partition's index
// tree lazily on first reservation. Passing nil for newTree defaults
// to NewMemIndexTree.
func NewPartitionTable(numPartitions uint32, newTree func() IndexTree) *PartitionTable {
	if newTree == nil {
		newTree = NewMemIndexTree
	}
	t := &PartitionTable{
		partitions: make(map[PartitionID]*partition, numPartitions),
		newTree:    newTree,
	}
	for i := uint32(0); i < numPartitions; i++ {
		t.partitions[PartitionID(i)] = &partition{id: PartitionID(i), state: PartitionUndef}
	}
	return t
}

// Reserve obtains a Reservation for pid. This never fails outright —
// it is infallible in the sense that it always returns a reservation
// — callers must check Reservation.State before treating
// the tree as usable.
func (t *PartitionTable) Reserve(pid PartitionID) *Reservation {
	t.mu.RLock()
	p, ok := t.partitions[pid]
	t.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("shardnode: reserve of unknown partition %d", pid))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree == nil {
		p.tree = t.newTree()
	}
	p.refs++
	return &Reservation{
		p:           p,
		State:       p.state,
		ClusterKey:  p.clusterKey,
		Tree:        p.tree,
		PartitionID: pid,
	}
}

// SetState transitions pid's state and stamps the current cluster key,
// as rebalance decisions do. It does not validate the transition graph
// beyond the Undef/Absent/Desync/Sync/Zombie vocabulary; the
// membership/rebalance subsystem that decides legal transitions is an
// external collaborator.
func (t *PartitionTable) SetState(pid PartitionID, state PartitionState, ck ClusterKey) {
	t.mu.RLock()
	p, ok := t.partitions[pid]
	t.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("shardnode: set-state of unknown partition %d", pid))
	}
	p.mu.Lock()
	p.state = state
	p.clusterKey = ck
	p.mu.Unlock()
}

// RefCount returns pid's outstanding reservation count; rebalance
// waits for this to reach zero before completing a hand-off.
func (t *PartitionTable) RefCount(pid PartitionID) int {
	t.mu.RLock()
	p, ok := t.partitions[pid]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}
