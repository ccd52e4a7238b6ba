package shardnode

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardkv/shardnode/pkg/fabric"
)

const immigShardCount = 16

// immigKey identifies one immigration session: a (source node,
// emigration id) pair, indexed by (source_node, emig_id) so the
// immigrator can find the right session for any inbound START,
// INSERT, or DONE.
type immigKey struct {
	src NodeID
	eid EmigID
}

func (k immigKey) shard() uint32 {
	h := fnv.New32a()
	var buf [12]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(k.src >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(k.eid >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum32() % immigShardCount
}

// immigrationSession is one inbound (source, emigration-id) transfer.
type immigrationSession struct {
	key         immigKey
	clusterKey  ClusterKey
	partitionID PartitionID
	res         *Reservation

	doneRecv int32 // atomic; 0 = in-flight, >=1 = completed (invariant 4)

	startedAt time.Time
	doneAt    atomic.Value // time.Time, set once

	recordsApplied int64 // atomic
}

func (s *immigrationSession) isDone() bool { return atomic.LoadInt32(&s.doneRecv) >= 1 }

// markDone atomically increments done_recv and reports whether this
// call was the first, since a DONE may be retransmitted and must
// only complete the session once.
func (s *immigrationSession) markDone() bool {
	first := atomic.AddInt32(&s.doneRecv, 1) == 1
	if first {
		s.doneAt.Store(time.Now())
	}
	return first
}

type immigShard struct {
	mu       sync.Mutex
	sessions map[immigKey]*immigrationSession
}

// Immigrator is component D: the registry of inbound migration
// sessions, sharded the same way the corpus shards broker connection
// pools (fixed shard count, FNV hash of the key).
type Immigrator struct {
	cfg       *cfg
	transport fabric.Transport
	table     *PartitionTable
	hooks     hooks
	self      NodeID

	localClusterKey func() ClusterKey

	shards [immigShardCount]*immigShard

	reapStop context.CancelFunc
	reapWG   sync.WaitGroup
}

// NewImmigrator constructs an Immigrator. localClusterKey must return
// the node's current cluster key so incoming messages can be fenced
// against a stale source.
func NewImmigrator(c *cfg, transport fabric.Transport, table *PartitionTable, self NodeID, hks hooks, localClusterKey func() ClusterKey) *Immigrator {
	im := &Immigrator{
		cfg:             c,
		transport:       transport,
		table:           table,
		hooks:           hks,
		self:            self,
		localClusterKey: localClusterKey,
	}
	for i := range im.shards {
		im.shards[i] = &immigShard{sessions: make(map[immigKey]*immigrationSession)}
	}
	return im
}

func (im *Immigrator) shardFor(k immigKey) *immigShard {
	return im.shards[k.shard()]
}

// Start launches the reaper goroutine, a background loop that scans
// sessions every second for ones gone stale.
func (im *Immigrator) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	im.reapStop = cancel
	im.reapWG.Add(1)
	go im.reapLoop(rctx)
}

func (im *Immigrator) Stop() {
	if im.reapStop != nil {
		im.reapStop()
	}
	im.reapWG.Wait()
}

// HandleMigrate dispatches one inbound MIGRATE message body to the
// appropriate START/INSERT/DONE handler and returns the ack message
// to send back, if any. It is the Handler this package's fabric
// receiver registers for fabric.MsgTypeMigrate.
func (im *Immigrator) HandleMigrate(ctx context.Context, from NodeID, body []byte) (*MigrateMsg, error) {
	m, err := DecodeMigrateMsg(body)
	if err != nil {
		return nil, err
	}
	switch m.Op {
	case MigrateOpStart:
		return im.handleStart(from, m), nil
	case MigrateOpInsert:
		return im.handleInsert(from, m), nil
	case MigrateOpDone:
		return im.handleDone(from, m), nil
	default:
		// Acks for our own outbound sessions are not this
		// Immigrator's concern; Node routes them to the Emigrator.
		return nil, nil
	}
}

func (im *Immigrator) handleStart(from NodeID, m *MigrateMsg) *MigrateMsg {
	key := immigKey{src: from, eid: m.EmigID}
	shard := im.shardFor(key)

	shard.mu.Lock()
	s, exists := shard.sessions[key]
	shard.mu.Unlock()

	if exists {
		// Duplicate START is silently idempotent.
		if s.isDone() {
			return ackStart(m, MigrateOpStartAckAlreadyDone)
		}
		return ackStart(m, MigrateOpStartAckOK)
	}

	localCK := im.localClusterKey()
	if m.HasClusterKey && m.ClusterKey != localCK {
		return ackStart(m, MigrateOpStartAckEagain)
	}

	res := im.table.Reserve(m.Partition)
	if !res.State.Readable() && res.State != PartitionAbsent {
		res.Release()
		return ackStart(m, MigrateOpStartAckFail)
	}

	s = &immigrationSession{
		key:         key,
		clusterKey:  localCK,
		partitionID: m.Partition,
		res:         res,
		startedAt:   time.Now(),
	}

	shard.mu.Lock()
	if existing, raced := shard.sessions[key]; raced {
		shard.mu.Unlock()
		res.Release()
		if existing.isDone() {
			return ackStart(m, MigrateOpStartAckAlreadyDone)
		}
		return ackStart(m, MigrateOpStartAckOK)
	}
	shard.sessions[key] = s
	shard.mu.Unlock()

	im.hooks.immigrationStart(m.Partition, from, uint64(m.EmigID))
	return ackStart(m, MigrateOpStartAckOK)
}

func ackStart(req *MigrateMsg, op MigrateOp) *MigrateMsg {
	return &MigrateMsg{Op: op, EmigID: req.EmigID, Partition: req.Partition, HasPartition: req.HasPartition}
}

func (im *Immigrator) handleInsert(from NodeID, m *MigrateMsg) *MigrateMsg {
	key := immigKey{src: from, eid: m.EmigID}
	shard := im.shardFor(key)

	shard.mu.Lock()
	s, ok := shard.sessions[key]
	shard.mu.Unlock()
	if !ok {
		// Missing session: drop and ack positively so the sender's
		// retry stops.
		return ackInsert(m)
	}

	if m.HasClusterKey && m.ClusterKey != s.clusterKey {
		// There's no INSERT_ACK failure code distinct from a positive
		// ack; cluster-key fencing on INSERT simply refuses to apply
		// the write while still acking, avoiding any mutation under a
		// stale key without stalling the
		// sender's retransmit loop.
		return ackInsert(m)
	}

	generation := m.Generation
	if generation == 0 {
		generation = 1 // "generation (default 1 if absent)"
	}
	setName, storedKey, _ := decodeRecProps(m.RecProps)

	bins, drop, err := DecodePickle(m.Record)
	if err != nil {
		return ackInsert(m) // malformed: not applied and not logged; acked so the session continues
	}

	lut := m.LastUpdateTime
	if !m.HasLastUpdateTime {
		// Sender predates LAST_UPDATE_TIME or omitted it; fall back to
		// receipt time rather than losing the record.
		lut = uint64(time.Now().UnixMilli())
	}
	entry := s.res.Tree.GetOrCreate(m.Digest)
	incoming := RecordEntry{
		Generation:     uint16(generation),
		LastUpdateTime: lut,
		VoidTime:       m.VoidTime,
		Bins:           bins,
		Key:            storedKey,
	}
	_ = setName // set-id resolution belongs to the storage engine, external collaborator

	entry.Lock()
	applyMergePolicy(s.res.Tree, m.Digest, entry, &incoming, drop)
	entry.Unlock()

	atomic.AddInt64(&s.recordsApplied, 1)
	return ackInsert(m)
}

func ackInsert(req *MigrateMsg) *MigrateMsg {
	return &MigrateMsg{Op: MigrateOpInsertAck, EmigID: req.EmigID, InsertID: req.InsertID, Digest: req.Digest, HasDigest: req.HasDigest}
}

// applyMergePolicy picks the winning record between what's already
// stored and an incoming write, per RecordEntry.wins. A winning drop
// removes the digest from the tree entirely rather than zeroing the
// entry in place, so a dropped record reads back as absent instead of a
// zero-bin ghost. A losing drop (stale relative to what the
// destination already has) is a no-op, the same as a losing ordinary
// write: applying it unconditionally would let a retransmitted,
// outdated drop erase a record a concurrent write already advanced
// past it. Caller must hold entry's lock.
func applyMergePolicy(tree IndexTree, d Digest, entry *IndexEntry, incoming *RecordEntry, drop bool) {
	cur := entry.Entry()
	empty := cur.LastUpdateTime == 0 && cur.Generation == 0 && len(cur.Bins) == 0
	if !empty && !incoming.wins(cur) {
		return
	}
	if drop {
		tree.Delete(d)
		return
	}
	*cur = *incoming
}

func (im *Immigrator) handleDone(from NodeID, m *MigrateMsg) *MigrateMsg {
	key := immigKey{src: from, eid: m.EmigID}
	shard := im.shardFor(key)

	shard.mu.Lock()
	s, ok := shard.sessions[key]
	shard.mu.Unlock()
	if !ok {
		return &MigrateMsg{Op: MigrateOpDoneAck, EmigID: m.EmigID}
	}

	if s.markDone() {
		im.table.SetState(s.partitionID, PartitionSync, s.clusterKey)
		im.hooks.immigrationDone(s.partitionID, from, uint64(m.EmigID), atomic.LoadInt64(&s.recordsApplied))
		if im.cfg.migrateRxLifetime == 0 {
			im.evict(key)
		}
	}
	// Ack unconditionally, including on repeated DONE.
	return &MigrateMsg{Op: MigrateOpDoneAck, EmigID: m.EmigID}
}

func (im *Immigrator) evict(key immigKey) {
	shard := im.shardFor(key)
	shard.mu.Lock()
	s, ok := shard.sessions[key]
	if ok {
		delete(shard.sessions, key)
	}
	shard.mu.Unlock()
	if ok && s.res != nil {
		s.res.Release()
	}
}

// reapLoop evicts sessions whose cluster key is stale or whose
// done_recv has been set for longer than migrate_rx_lifetime_ms
// evicting any session whose cluster key has gone stale or whose
// completion is older than the configured retention window.
func (im *Immigrator) reapLoop(ctx context.Context) {
	defer im.reapWG.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			im.reapOnce()
		}
	}
}

func (im *Immigrator) reapOnce() {
	localCK := im.localClusterKey()
	now := time.Now()
	for _, shard := range im.shards {
		shard.mu.Lock()
		var toEvict []*immigrationSession
		for k, s := range shard.sessions {
			stale := s.clusterKey != localCK
			old := false
			if s.isDone() {
				if t, ok := s.doneAt.Load().(time.Time); ok {
					old = now.Sub(t) > im.cfg.migrateRxLifetime
				}
			}
			if stale || old {
				toEvict = append(toEvict, s)
				delete(shard.sessions, k)
			}
		}
		shard.mu.Unlock()
		for _, s := range toEvict {
			if s.res != nil {
				s.res.Release()
			}
			im.hooks.immigrationReap(s.partitionID, s.key.src, uint64(s.key.eid))
		}
	}
}
