package shardnode

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shardkv/shardnode/pkg/fabric"
)

// Node is one cluster member, wiring the partition table, storage
// engine, and the three migration/replication components to a fabric
// transport. It mirrors pkg/kgo.Client's role: a single long-lived
// object constructed with options, started once, and closed once.
type Node struct {
	cfg cfg

	id        NodeID
	transport fabric.Transport
	storage   Storage
	table     *PartitionTable
	hooks     hooks

	emig *Emigrator
	imm  *Immigrator
	rw   *ReplicatedWriter

	clusterKey int64 // atomic

	closed    int32 // atomic
	closeOnce sync.Once
}

// NewNode constructs a Node identified by id, using transport for all
// peer communication and storage as the underlying record store.
// Passing a nil storage defaults to an in-memory store sized at 1GiB,
// useful for tests and for standalone examples; a real deployment
// binds storage to its own engine.
func NewNode(id NodeID, transport fabric.Transport, storage Storage, opts ...Opt) (*Node, error) {
	c := defaultConfig()
	for _, o := range opts {
		o(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if storage == nil {
		storage = NewMemStorage(1 << 30)
	}

	n := &Node{
		cfg:       c,
		id:        id,
		transport: transport,
		storage:   storage,
		hooks:     hooks(c.hooks),
	}
	n.table = NewPartitionTable(c.numPartitions, NewMemIndexTree)
	n.emig = NewEmigrator(&n.cfg, transport, id, n.hooks, n.ClusterKey)
	n.imm = NewImmigrator(&n.cfg, transport, n.table, id, n.hooks, n.ClusterKey)
	n.rw = NewReplicatedWriter(&n.cfg, transport, n.table, storage, id, n.hooks, n.ClusterKey)

	transport.RegisterHandler(fabric.MsgTypeMigrate, n.handleMigrate)
	transport.RegisterHandler(fabric.MsgTypeRW, n.handleRW)
	transport.SetPeerHooks(n.hooks.peerConnect, n.hooks.peerDisconnect)

	return n, nil
}

// ClusterKey returns the fencing token stamped on the node's most
// recent membership view.
func (n *Node) ClusterKey() ClusterKey { return ClusterKey(atomic.LoadInt64(&n.clusterKey)) }

// SetClusterKey installs a new fencing token, called by the membership
// subsystem, an external collaborator, on every view change.
func (n *Node) SetClusterKey(ck ClusterKey) { atomic.StoreInt64(&n.clusterKey, int64(ck)) }

// Start launches the emigrator's worker pool, the immigrator's reaper,
// and the replicated writer's retransmit loop. Must be called before
// Enqueue or any inbound traffic arrives.
func (n *Node) Start(ctx context.Context) {
	n.emig.Start(ctx)
	n.imm.Start(ctx)
	n.rw.Start(ctx)
}

// Close tears down all three background loops. Safe to call more than
// once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		atomic.StoreInt32(&n.closed, 1)
		n.emig.Stop()
		n.imm.Stop()
		n.rw.Stop()
	})
	return nil
}

func (n *Node) isClosed() bool { return atomic.LoadInt32(&n.closed) == 1 }

// SetMigrateThreads live-adjusts the emigration worker pool size;
// the thread count is reconfigurable without a restart.
func (n *Node) SetMigrateThreads(count int) { n.emig.Resize(count) }

// ReservePartition obtains a scoped reservation on pid, the entry
// point every migration or write path goes through.
func (n *Node) ReservePartition(pid PartitionID) *Reservation { return n.table.Reserve(pid) }

// EmigratePartition begins emigrating a partition to dst, returning
// the session handle. The caller is responsible for having already
// decided the rebalance plan; Node only executes it.
func (n *Node) EmigratePartition(id EmigID, dst NodeID, ns string, pid PartitionID, order int64) (*emigrationSession, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}
	res := n.table.Reserve(pid)
	if !res.State.Readable() {
		res.Release()
		return nil, ErrReservationInvalidState
	}
	return n.emig.Enqueue(id, dst, n.ClusterKey(), ns, pid, res, order), nil
}

// AbortEmigration cancels a live outbound emigration session.
func (n *Node) AbortEmigration(id EmigID) { n.emig.Abort(id) }

// WriteReplicated fans a client-originated mutation out to its
// destination replicas. See WriteParams for the full field set;
// p.Destinations and p.CompletionCb are required.
func (n *Node) WriteReplicated(ctx context.Context, p WriteParams) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	return n.rw.Write(ctx, p)
}

// handleMigrate is the fabric.Handler registered for MsgTypeMigrate.
// Inbound START/INSERT/DONE route to the Immigrator; acks for this
// node's own outbound sessions route to the Emigrator. Exactly one of
// the two ever produces a reply.
func (n *Node) handleMigrate(ctx context.Context, from NodeID, msg fabric.Message) (fabric.Payload, error) {
	m, err := DecodeMigrateMsg(msg.Body)
	if err != nil {
		return nil, err
	}
	switch m.Op {
	case MigrateOpStart, MigrateOpInsert, MigrateOpDone:
		reply, err := n.imm.HandleMigrate(ctx, from, msg.Body)
		if err != nil || reply == nil {
			return nil, err
		}
		return fabric.Payload(EncodeMigrateMsg(reply)), nil
	default:
		n.emig.HandleInboundAck(m)
		return nil, nil
	}
}

// handleRW is the fabric.Handler registered for MsgTypeRW. Inbound
// WRITE routes to the receiver-side apply path; WRITE_ACK routes to
// the sender-side ack collector.
func (n *Node) handleRW(ctx context.Context, from NodeID, msg fabric.Message) (fabric.Payload, error) {
	m, err := DecodeRWMsg(msg.Body)
	if err != nil {
		return nil, err
	}
	switch m.Op {
	case RWOpWrite:
		reply := n.rw.HandleWrite(from, m)
		return fabric.Payload(EncodeRWMsg(reply)), nil
	case RWOpWriteAck:
		n.rw.HandleAck(from, m)
		return nil, nil
	default:
		return nil, nil
	}
}
