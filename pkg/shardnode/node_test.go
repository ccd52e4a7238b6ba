package shardnode

import (
	"context"
	"testing"
	"time"

	"github.com/shardkv/shardnode/pkg/fabric"
)

func newTestNode(t *testing.T, net *fabric.LoopbackNetwork, id NodeID, opts ...Opt) *Node {
	t.Helper()
	transport := net.NewNode(id)
	allOpts := append([]Opt{
		WithMigrateRetransmit(20 * time.Millisecond),
		WithMigrateRetransmitStartDone(20 * time.Millisecond),
		WithMigrateRxLifetime(0),
		WithTransactionRetryInterval(20 * time.Millisecond),
		WithNumPartitions(16),
	}, opts...)
	n, err := NewNode(id, transport, NewMemStorage(0), allOpts...)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		cancel()
		n.Close()
		transport.Close()
	})
	return n
}

// TestEmigrationMovesRecordsToDestination exercises the full
// START/INSERT/DONE handshake across two in-process nodes: a
// partition with N records migrates, and the destination ends up with
// exactly those records applied.
func TestEmigrationMovesRecordsToDestination(t *testing.T) {
	net := fabric.NewLoopbackNetwork()
	src := newTestNode(t, net, 1)
	dst := newTestNode(t, net, 2)

	const pid = PartitionID(3)
	src.table.SetState(pid, PartitionSync, ClusterKey(1))
	dst.table.SetState(pid, PartitionAbsent, ClusterKey(1))
	src.SetClusterKey(ClusterKey(1))
	dst.SetClusterKey(ClusterKey(1))

	res := src.table.Reserve(pid)
	digests := make([]Digest, 0, 5)
	for i := 0; i < 5; i++ {
		d := DigestFromKey("set", []byte{byte(i)})
		digests = append(digests, d)
		entry := res.Tree.GetOrCreate(d)
		entry.Lock()
		*entry.Entry() = RecordEntry{
			Generation:     1,
			LastUpdateTime: uint64(1000 + i),
			Bins:           []Bin{{Name: "v", Type: ParticleInteger, Value: []byte{byte(i)}}},
		}
		entry.Unlock()
	}
	res.Release()

	sess, err := src.EmigratePartition(EmigID(1), dst.id, "test", pid, 0)
	if err != nil {
		t.Fatalf("EmigratePartition: %v", err)
	}
	_ = sess

	deadline := time.After(2 * time.Second)
	for {
		dstRes := dst.table.Reserve(pid)
		n := dstRes.Tree.Len()
		dstRes.Release()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for immigration; dst has %d of 5 records", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	dstRes := dst.table.Reserve(pid)
	for i, d := range digests {
		entry, ok := dstRes.Tree.Get(d)
		if !ok {
			t.Fatalf("digest %d missing on destination", i)
		}
		entry.Lock()
		got := entry.Entry()
		if len(got.Bins) != 1 || got.Bins[0].Value[0] != byte(i) {
			t.Errorf("digest %d: bins mismatch: %+v", i, got.Bins)
		}
		entry.Unlock()
	}
	dstRes.Release()

	// The immigration session is evicted only once DONE arrives, which
	// follows the last INSERT, so wait for the eviction to happen.
	evictDeadline := time.After(2 * time.Second)
	for dst.table.RefCount(pid) != 0 {
		select {
		case <-evictDeadline:
			t.Fatalf("destination RefCount after eviction = %d, want 0 (reservation balance)", dst.table.RefCount(pid))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestReplicatedWriteCompletesOnAllAcks exercises the master fan-out
// and receiver apply path for one replicated write against two
// replicas, verifying the completion callback fires exactly once.
func TestReplicatedWriteCompletesOnAllAcks(t *testing.T) {
	net := fabric.NewLoopbackNetwork()
	master := newTestNode(t, net, 1)
	r1 := newTestNode(t, net, 2)
	r2 := newTestNode(t, net, 3)

	digest := DigestFromKey("set", []byte("k1"))
	pid := PartitionOf(digest, 16)
	for _, n := range []*Node{master, r1, r2} {
		n.table.SetState(pid, PartitionSync, ClusterKey(9))
		n.SetClusterKey(ClusterKey(9))
	}

	pickle, err := EncodePickle([]Bin{{Name: "v", Type: ParticleInteger, Value: []byte{1}}}, false, PickleCodecNone, 1<<20)
	if err != nil {
		t.Fatalf("EncodePickle: %v", err)
	}

	done := make(chan RWCompletion, 1)
	err = master.WriteReplicated(context.Background(), WriteParams{
		TID:          1,
		NSID:         0,
		Namespace:    "test",
		Digest:       digest,
		Generation:   1,
		Record:       pickle,
		Destinations: []NodeID{r1.id, r2.id},
		Deadline:     time.Now().Add(2 * time.Second),
		CompletionCb: func(c RWCompletion) { done <- c },
	})
	if err != nil {
		t.Fatalf("WriteReplicated: %v", err)
	}

	select {
	case c := <-done:
		if c.TimedOut {
			t.Fatalf("replicated write timed out, want completion")
		}
		if len(c.Results) != 2 {
			t.Fatalf("got %d results, want 2", len(c.Results))
		}
		for node, res := range c.Results {
			if res != RWResultOK {
				t.Errorf("destination %v result = %v, want OK", node, res)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for replicated write completion")
	}

	for _, n := range []*Node{r1, r2} {
		res := n.table.Reserve(pid)
		_, ok := res.Tree.Get(digest)
		res.Release()
		if !ok {
			t.Errorf("node %d did not apply the replicated write", n.id)
		}
	}

	select {
	case c := <-done:
		t.Fatalf("completion callback fired a second time: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}
