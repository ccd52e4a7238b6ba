package shardnode

import "testing"

func TestPartitionTableReserveRelease(t *testing.T) {
	table := NewPartitionTable(4, nil)

	r1 := table.Reserve(2)
	if r1.State != PartitionUndef {
		t.Fatalf("fresh partition state = %v, want Undef", r1.State)
	}
	if got := table.RefCount(2); got != 1 {
		t.Fatalf("RefCount = %d, want 1", got)
	}

	r2 := table.Reserve(2)
	if got := table.RefCount(2); got != 2 {
		t.Fatalf("RefCount after second reserve = %d, want 2", got)
	}

	r1.Release()
	if got := table.RefCount(2); got != 1 {
		t.Fatalf("RefCount after one release = %d, want 1", got)
	}

	// Release is idempotent.
	r1.Release()
	if got := table.RefCount(2); got != 1 {
		t.Fatalf("RefCount after duplicate release = %d, want 1", got)
	}

	r2.Release()
	if got := table.RefCount(2); got != 0 {
		t.Fatalf("RefCount after draining all reservations = %d, want 0", got)
	}
}

func TestPartitionTableSetStateStampsClusterKey(t *testing.T) {
	table := NewPartitionTable(4, nil)
	table.SetState(1, PartitionSync, ClusterKey(42))

	r := table.Reserve(1)
	defer r.Release()
	if r.State != PartitionSync {
		t.Fatalf("State = %v, want Sync", r.State)
	}
	if r.ClusterKey != 42 {
		t.Fatalf("ClusterKey = %d, want 42", r.ClusterKey)
	}
	if !r.State.Readable() {
		t.Fatalf("Sync should be Readable")
	}
}

func TestPartitionStateReadable(t *testing.T) {
	cases := map[PartitionState]bool{
		PartitionUndef:  false,
		PartitionAbsent: false,
		PartitionDesync: false,
		PartitionSync:   true,
		PartitionZombie: true,
	}
	for state, want := range cases {
		if got := state.Readable(); got != want {
			t.Errorf("%v.Readable() = %v, want %v", state, got, want)
		}
	}
}

func TestPartitionTableReserveUnknownPartitionPanics(t *testing.T) {
	table := NewPartitionTable(4, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic reserving an out-of-range partition")
		}
	}()
	table.Reserve(99)
}

func TestRecordEntryWinsByLastUpdateTime(t *testing.T) {
	older := &RecordEntry{LastUpdateTime: 100, Generation: 5}
	newer := &RecordEntry{LastUpdateTime: 200, Generation: 1}
	if !newer.wins(older) {
		t.Fatalf("higher last_update_time should win regardless of generation")
	}
	if older.wins(newer) {
		t.Fatalf("lower last_update_time should not win")
	}
}

func TestRecordEntryWinsByGenerationOnTie(t *testing.T) {
	lowGen := &RecordEntry{LastUpdateTime: 100, Generation: 1}
	highGen := &RecordEntry{LastUpdateTime: 100, Generation: 2}
	if !highGen.wins(lowGen) {
		t.Fatalf("higher generation should win on a last_update_time tie")
	}
}
