package shardnode

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMigrateMsgRoundTripStart(t *testing.T) {
	want := &MigrateMsg{
		Op:            MigrateOpStart,
		EmigID:        7,
		Namespace:     "test",
		HasNamespace:  true,
		Partition:     1234,
		HasPartition:  true,
		ClusterKey:    ClusterKey(0xdeadbeef),
		HasClusterKey: true,
	}
	buf := EncodeMigrateMsg(want)
	got, err := DecodeMigrateMsg(buf)
	if err != nil {
		t.Fatalf("DecodeMigrateMsg: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrateMsgRoundTripInsertWithLastUpdateTime(t *testing.T) {
	digest := DigestFromKey("set", []byte("key"))
	want := &MigrateMsg{
		Op:                MigrateOpInsert,
		EmigID:            7,
		InsertID:          99,
		Namespace:         "test",
		HasNamespace:      true,
		Digest:            digest,
		HasDigest:         true,
		Generation:        3,
		HasGeneration:     true,
		VoidTime:          1700000000,
		HasVoidTime:       true,
		LastUpdateTime:    1700000000123,
		HasLastUpdateTime: true,
		Record:            []byte{0, 0},
		HasRecord:         true,
		RecProps:          encodeRecProps("myset", []byte("storedkey")),
		HasRecProps:       true,
	}
	buf := EncodeMigrateMsg(want)
	got, err := DecodeMigrateMsg(buf)
	if err != nil {
		t.Fatalf("DecodeMigrateMsg: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	setName, storedKey, err := decodeRecProps(got.RecProps)
	if err != nil {
		t.Fatalf("decodeRecProps: %v", err)
	}
	if setName != "myset" || string(storedKey) != "storedkey" {
		t.Fatalf("decodeRecProps = (%q, %q)", setName, storedKey)
	}
}

func TestMigrateMsgDecodeTruncated(t *testing.T) {
	want := &MigrateMsg{
		Op:           MigrateOpStart,
		EmigID:       1,
		Namespace:    "test",
		HasNamespace: true,
	}
	buf := EncodeMigrateMsg(want)
	if _, err := DecodeMigrateMsg(buf[:len(buf)-1]); err == nil {
		t.Fatalf("expected error decoding a truncated buffer")
	}
}

func TestMigrateMsgWithoutLastUpdateTimeDecodesAbsent(t *testing.T) {
	want := &MigrateMsg{
		Op:            MigrateOpInsert,
		EmigID:        1,
		InsertID:      2,
		Generation:    1,
		HasGeneration: true,
	}
	buf := EncodeMigrateMsg(want)
	got, err := DecodeMigrateMsg(buf)
	if err != nil {
		t.Fatalf("DecodeMigrateMsg: %v", err)
	}
	if got.HasLastUpdateTime {
		t.Fatalf("expected HasLastUpdateTime=false when sender omitted it")
	}
}
