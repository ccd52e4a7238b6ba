package shardnode

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shardkv/shardnode/pkg/fabric"
)

const rwShardCount = 16

type rwKey struct {
	nsID   uint32
	digest Digest
}

func (k rwKey) shard() uint32 {
	h := fnv.New32a()
	var buf [4 + 20]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(k.nsID >> (8 * i))
	}
	copy(buf[4:], k.digest[:])
	h.Write(buf[:])
	return h.Sum32() % rwShardCount
}

// RWCompletion is delivered exactly once per request, either from a
// completed fan-out or a timeout.
type RWCompletion struct {
	TID      TID
	Results  map[NodeID]RWResult // nil on timeout
	TimedOut bool
}

// rwRequest is one inflight replicated-write request. respondOnMaster,
// when set, means the origin has already been answered and
// completionCb is a no-op bookkeeping call only — the
// "respond-on-master-completion" mode.
type rwRequest struct {
	key rwKey
	tid TID

	mu          sync.Mutex
	msg         *RWMsg
	wire        []byte
	destRemain  map[NodeID]bool // true while still awaiting that destination's ack
	results     map[NodeID]RWResult
	startedAt   time.Time // fan-out time
	xmitAt      time.Time
	interval    time.Duration
	deadline    time.Time
	done        bool
	completedAt time.Time

	completionCb    func(RWCompletion)
	respondOnMaster bool
}

func (r *rwRequest) remaining() int {
	n := 0
	for _, pending := range r.destRemain {
		if pending {
			n++
		}
	}
	return n
}

type rwShard struct {
	mu       sync.Mutex
	requests map[rwKey]*rwRequest
}

// ReplicatedWriter covers both the master fan-out path and the
// replica receiver path of a replicated write.
type ReplicatedWriter struct {
	cfg       *cfg
	transport fabric.Transport
	table     *PartitionTable
	storage   Storage
	hooks     hooks
	self      NodeID

	localClusterKey func() ClusterKey

	shards [rwShardCount]*rwShard

	retransmitStop context.CancelFunc
	retransmitWG   sync.WaitGroup
}

// NewReplicatedWriter constructs a ReplicatedWriter bound to the given
// partition table and storage engine, both external collaborators.
func NewReplicatedWriter(c *cfg, transport fabric.Transport, table *PartitionTable, storage Storage, self NodeID, hks hooks, localClusterKey func() ClusterKey) *ReplicatedWriter {
	rw := &ReplicatedWriter{
		cfg:             c,
		transport:       transport,
		table:           table,
		storage:         storage,
		hooks:           hks,
		self:            self,
		localClusterKey: localClusterKey,
	}
	for i := range rw.shards {
		rw.shards[i] = &rwShard{requests: make(map[rwKey]*rwRequest)}
	}
	return rw
}

func (rw *ReplicatedWriter) shardFor(k rwKey) *rwShard {
	return rw.shards[k.shard()]
}

// Start launches the retransmit thread, which walks the request table
// every retry_interval_ms.
func (rw *ReplicatedWriter) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	rw.retransmitStop = cancel
	rw.retransmitWG.Add(1)
	go rw.retransmitLoop(rctx)
}

func (rw *ReplicatedWriter) Stop() {
	if rw.retransmitStop != nil {
		rw.retransmitStop()
	}
	rw.retransmitWG.Wait()
}

// WriteParams describes one client-originated mutation ready to
// replicate.
type WriteParams struct {
	TID            TID
	NSID           uint32
	Namespace      string
	Digest         Digest
	Generation     uint32
	VoidTime       uint32
	LastUpdateTime uint64
	SetName        string
	Key            []byte
	Record         []byte // pickle, ownership transferred
	Info           uint32
	Destinations   []NodeID
	Deadline       time.Time

	// RespondOnMaster selects "respond-on-master-completion" mode: the
	// caller has already answered the client, and CompletionCb only
	// does bookkeeping.
	RespondOnMaster bool
	CompletionCb    func(RWCompletion)
}

// Write fans the mutation out to every destination and registers the
// request for ack collection. It returns once
// every destination has been sent to; completion or timeout is
// reported later via params.CompletionCb, exactly once.
func (rw *ReplicatedWriter) Write(ctx context.Context, p WriteParams) error {
	msg := &RWMsg{
		Op:             RWOpWrite,
		NSID:           p.NSID,
		Namespace:      p.Namespace,
		Digest:         p.Digest,
		TID:            p.TID,
		Generation:     p.Generation,
		VoidTime:       p.VoidTime,
		LastUpdateTime: p.LastUpdateTime,
		SetName:        p.SetName,
		Key:            p.Key,
		Record:         p.Record,
		Info:           p.Info,
	}
	wire := EncodeRWMsg(msg)

	destRemain := make(map[NodeID]bool, len(p.Destinations))
	for _, d := range p.Destinations {
		destRemain[d] = true
	}

	req := &rwRequest{
		key:             rwKey{nsID: p.NSID, digest: p.Digest},
		tid:             p.TID,
		msg:             msg,
		wire:            wire,
		destRemain:      destRemain,
		results:         make(map[NodeID]RWResult, len(p.Destinations)),
		startedAt:       time.Now(),
		xmitAt:          time.Now(),
		interval:        rw.cfg.transactionRetryInterval,
		deadline:        p.Deadline,
		completionCb:    p.CompletionCb,
		respondOnMaster: p.RespondOnMaster,
	}
	if req.deadline.IsZero() {
		req.deadline = time.Now().Add(rw.cfg.transactionMaxDeadline)
	}

	shard := rw.shardFor(req.key)
	shard.mu.Lock()
	shard.requests[req.key] = req
	shard.mu.Unlock()

	for _, d := range p.Destinations {
		_ = rw.transport.Send(ctx, d, fabric.Message{Type: fabric.MsgTypeRW, Priority: fabric.PriorityHigh, Body: wire})
	}
	return nil
}

// HandleAck processes an inbound WRITE_ACK.
func (rw *ReplicatedWriter) HandleAck(from NodeID, m *RWMsg) {
	key := rwKey{nsID: m.NSID, digest: m.Digest}
	shard := rw.shardFor(key)

	shard.mu.Lock()
	req, ok := shard.requests[key]
	shard.mu.Unlock()
	if !ok {
		return // already completed; ErrDuplicateAck, silently ignored
	}

	if m.Result == RWResultClusterKeyMismatch {
		// ignored; a rebalance will reissue the write under a fresh key.
		return
	}

	req.mu.Lock()
	if req.done || req.tid != m.TID {
		req.mu.Unlock()
		return
	}
	pending, isDest := req.destRemain[from]
	if !isDest || !pending {
		req.mu.Unlock()
		return
	}
	req.destRemain[from] = false
	req.results[from] = m.Result
	complete := req.remaining() == 0
	req.mu.Unlock()

	if complete {
		rw.complete(shard, req, false)
	}
}

func (rw *ReplicatedWriter) complete(shard *rwShard, req *rwRequest, timedOut bool) {
	req.mu.Lock()
	if req.done {
		req.mu.Unlock()
		return
	}
	req.done = true
	req.completedAt = time.Now()
	results := req.results
	cb := req.completionCb
	req.mu.Unlock()

	shard.mu.Lock()
	delete(shard.requests, req.key)
	shard.mu.Unlock()

	if timedOut {
		rw.hooks.replicaWriteTimeout(uint64(req.tid), 0, len(results), len(req.destRemain))
	} else {
		rw.hooks.replicaWriteComplete(uint64(req.tid), 0, len(results), time.Since(req.startedAt))
	}

	if cb != nil {
		cb(RWCompletion{TID: req.tid, Results: results, TimedOut: timedOut})
	}
}

// retransmitLoop walks every shard's request table, resending to
// destinations still pending and doubling each request's interval
// (capped at its deadline), or completing it with a timeout.
func (rw *ReplicatedWriter) retransmitLoop(ctx context.Context) {
	defer rw.retransmitWG.Done()
	ticker := time.NewTicker(rw.cfg.transactionRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rw.retransmitOnce(ctx)
		}
	}
}

func (rw *ReplicatedWriter) retransmitOnce(ctx context.Context) {
	now := time.Now()
	for _, shard := range rw.shards {
		shard.mu.Lock()
		reqs := make([]*rwRequest, 0, len(shard.requests))
		for _, r := range shard.requests {
			reqs = append(reqs, r)
		}
		shard.mu.Unlock()

		for _, req := range reqs {
			req.mu.Lock()
			if req.done {
				req.mu.Unlock()
				continue
			}
			if now.After(req.deadline) {
				req.mu.Unlock()
				rw.complete(shard, req, true)
				continue
			}
			due := now.Sub(req.xmitAt) > req.interval
			var pendingDests []NodeID
			if due {
				for d, pending := range req.destRemain {
					if pending {
						pendingDests = append(pendingDests, d)
					}
				}
				req.xmitAt = now
				req.interval *= 2
				if req.interval > time.Until(req.deadline) {
					req.interval = time.Until(req.deadline)
				}
			}
			wire := req.wire
			req.mu.Unlock()

			for _, d := range pendingDests {
				_ = rw.transport.Send(ctx, d, fabric.Message{Type: fabric.MsgTypeRW, Priority: fabric.PriorityHigh, Body: wire})
			}
		}
	}
}

// HandleWrite implements the receiver side of a replicated write. It
// returns the WRITE_ACK message to send back to the sender.
func (rw *ReplicatedWriter) HandleWrite(from NodeID, m *RWMsg) *RWMsg {
	res := rw.table.Reserve(PartitionOf(m.Digest, rw.cfg.numPartitions))
	defer res.Release()

	if !res.State.Readable() {
		return ackWrite(m, RWResultClusterKeyMismatch)
	}

	if m.Info&RWInfoDrop != 0 {
		return ackWrite(m, resultFromErr(rw.dropReplica(res, m)))
	}
	err := rw.writeReplica(res, m)
	return ackWrite(m, resultFromErr(err))
}

func ackWrite(req *RWMsg, result RWResult) *RWMsg {
	return &RWMsg{
		Op:     RWOpWriteAck,
		NSID:   req.NSID,
		Digest: req.Digest,
		TID:    req.TID,
		Result: result,
	}
}

// writeReplica applies one inbound write on the replica side.
func (rw *ReplicatedWriter) writeReplica(res *Reservation, m *RWMsg) error {
	footprint, err := StorageFootprint(m.Record)
	if err != nil {
		return ErrPickleMalformed
	}
	reservation, err := rw.storage.ReserveSpace(footprint)
	if err != nil {
		return err
	}

	bins, drop, err := DecodePickle(m.Record)
	if err != nil {
		reservation.Release()
		return ErrPickleMalformed
	}
	if drop {
		reservation.Release()
		return rw.dropReplica(res, m)
	}

	entry := res.Tree.GetOrCreate(m.Digest)
	entry.Lock()
	*entry.Entry() = RecordEntry{
		Generation:     uint16(m.Generation),
		LastUpdateTime: m.LastUpdateTime,
		VoidTime:       m.VoidTime,
		Bins:           bins,
		Key:            m.Key,
	}
	entry.Unlock()

	reservation.Commit()
	return nil
}

// dropReplica applies a delete-on-replica write.
func (rw *ReplicatedWriter) dropReplica(res *Reservation, m *RWMsg) error {
	if !res.Tree.Delete(m.Digest) {
		return ErrNotFound
	}
	return nil
}
