package shardnode

import "testing"

func TestApplyMergePolicyDropRemovesDigestFromTree(t *testing.T) {
	tree := NewMemIndexTree()
	d := DigestFromKey("set", []byte("k1"))
	entry := tree.GetOrCreate(d)

	entry.Lock()
	*entry.Entry() = RecordEntry{Generation: 1, LastUpdateTime: 100, Bins: []Bin{{Name: "v", Value: []byte{1}}}}
	entry.Unlock()

	incoming := &RecordEntry{Generation: 2, LastUpdateTime: 200}
	entry.Lock()
	applyMergePolicy(tree, d, entry, incoming, true)
	entry.Unlock()

	if _, ok := tree.Get(d); ok {
		t.Fatalf("digest still present in tree after a winning drop")
	}
}

func TestApplyMergePolicyStaleDropIsNoOp(t *testing.T) {
	tree := NewMemIndexTree()
	d := DigestFromKey("set", []byte("k1"))
	entry := tree.GetOrCreate(d)

	current := RecordEntry{Generation: 5, LastUpdateTime: 500, Bins: []Bin{{Name: "v", Value: []byte{1}}}}
	entry.Lock()
	*entry.Entry() = current
	entry.Unlock()

	// An older drop, as if retransmitted or reordered behind a
	// concurrent write that already advanced the record past it.
	stale := &RecordEntry{Generation: 1, LastUpdateTime: 100}
	entry.Lock()
	applyMergePolicy(tree, d, entry, stale, true)
	entry.Unlock()

	got, ok := tree.Get(d)
	if !ok {
		t.Fatalf("stale drop deleted a record it should have lost to")
	}
	got.Lock()
	if len(got.Entry().Bins) != 1 {
		t.Errorf("stale drop mutated the winning record: %+v", got.Entry())
	}
	got.Unlock()
}

func TestApplyMergePolicyDropOnNeverExistingRecordLeavesNoGhost(t *testing.T) {
	tree := NewMemIndexTree()
	d := DigestFromKey("set", []byte("k2"))
	entry := tree.GetOrCreate(d) // as handleInsert does before decoding the pickle

	incoming := &RecordEntry{Generation: 1, LastUpdateTime: 100}
	entry.Lock()
	applyMergePolicy(tree, d, entry, incoming, true)
	entry.Unlock()

	if _, ok := tree.Get(d); ok {
		t.Fatalf("drop pickle for a record that never existed left a ghost entry")
	}
}
