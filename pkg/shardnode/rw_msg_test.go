package shardnode

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRWMsgRoundTrip(t *testing.T) {
	digest := DigestFromKey("set", []byte("key"))
	want := &RWMsg{
		Op:             RWOpWrite,
		NSID:           1,
		Namespace:      "test",
		Digest:         digest,
		TID:            55,
		Generation:     4,
		VoidTime:       1700000000,
		LastUpdateTime: 1700000000123,
		SetName:        "myset",
		Key:            []byte("userkey"),
		Record:         []byte{0, 0},
		Info:           RWInfoXDR | RWInfoSindexTouched,
	}
	buf := EncodeRWMsg(want)
	got, err := DecodeRWMsg(buf)
	if err != nil {
		t.Fatalf("DecodeRWMsg: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRWMsgDecodeTruncated(t *testing.T) {
	want := &RWMsg{Op: RWOpWrite, NSID: 1, Namespace: "n"}
	buf := EncodeRWMsg(want)
	if _, err := DecodeRWMsg(buf[:len(buf)-1]); err == nil {
		t.Fatalf("expected error decoding a truncated buffer")
	}
}

func TestRWResultErrRoundTrip(t *testing.T) {
	errs := []error{nil, ErrClusterKeyMismatch, ErrOutOfSpace, ErrForbidden, ErrNotFound}
	for _, wantErr := range errs {
		result := resultFromErr(wantErr)
		if got := result.Err(); got != wantErr {
			t.Errorf("resultFromErr(%v).Err() = %v, want %v", wantErr, got, wantErr)
		}
	}
}
