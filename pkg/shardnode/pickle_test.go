package shardnode

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodePickleRoundTrip(t *testing.T) {
	bins := []Bin{
		{Name: "a", Type: ParticleInteger, Value: []byte{0, 0, 0, 0, 0, 0, 0, 7}},
		{Name: "b", Type: ParticleString, Value: []byte("hello")},
	}

	buf, err := EncodePickle(bins, false, PickleCodecNone, 1<<20)
	if err != nil {
		t.Fatalf("EncodePickle: %v", err)
	}

	got, drop, err := DecodePickle(buf)
	if err != nil {
		t.Fatalf("DecodePickle: %v", err)
	}
	if drop {
		t.Fatalf("decoded drop=true for a non-drop pickle")
	}
	if diff := cmp.Diff(bins, got); diff != "" {
		t.Fatalf("bins mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodePickleDropForm(t *testing.T) {
	buf, err := EncodePickle(nil, true, PickleCodecNone, 1<<20)
	if err != nil {
		t.Fatalf("EncodePickle: %v", err)
	}
	bins, drop, err := DecodePickle(buf)
	if err != nil {
		t.Fatalf("DecodePickle: %v", err)
	}
	if !drop {
		t.Fatalf("expected drop=true")
	}
	if len(bins) != 0 {
		t.Fatalf("expected no bins in a drop pickle, got %d", len(bins))
	}
}

func TestDecodePickleRejectsZeroBinsWithoutDropFlag(t *testing.T) {
	buf, err := encodeRawPickle(nil, false)
	if err != nil {
		t.Fatalf("encodeRawPickle: %v", err)
	}
	if _, _, err := DecodePickle(buf); err == nil {
		t.Fatalf("expected malformed-pickle error for bin_count=0 without drop flag")
	}
}

func TestEncodeDecodePickleCompressed(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7)
	}
	bins := []Bin{{Name: "payload", Type: ParticleBlob, Value: big}}

	for _, codec := range []PickleCodec{PickleCodecSnappy, PickleCodecLZ4, PickleCodecZstd} {
		buf, err := EncodePickle(bins, false, codec, 64)
		if err != nil {
			t.Fatalf("EncodePickle codec=%v: %v", codec, err)
		}
		got, drop, err := DecodePickle(buf)
		if err != nil {
			t.Fatalf("DecodePickle codec=%v: %v", codec, err)
		}
		if drop {
			t.Fatalf("codec=%v: unexpected drop=true", codec)
		}
		if diff := cmp.Diff(bins, got); diff != "" {
			t.Fatalf("codec=%v bins mismatch (-want +got):\n%s", codec, diff)
		}
	}
}

func TestPeekBinCountAndStorageFootprint(t *testing.T) {
	bins := []Bin{
		{Name: "x", Type: ParticleInteger, Value: []byte{1, 2, 3, 4}},
		{Name: "y", Type: ParticleInteger, Value: []byte{5, 6, 7, 8}},
		{Name: "z", Type: ParticleInteger, Value: []byte{9, 10, 11, 12}},
	}
	buf, err := EncodePickle(bins, false, PickleCodecNone, 1<<20)
	if err != nil {
		t.Fatalf("EncodePickle: %v", err)
	}
	n, err := PeekBinCount(buf)
	if err != nil {
		t.Fatalf("PeekBinCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("PeekBinCount = %d, want 3", n)
	}
	footprint, err := StorageFootprint(buf)
	if err != nil {
		t.Fatalf("StorageFootprint: %v", err)
	}
	if footprint != len(buf) {
		t.Fatalf("StorageFootprint = %d, want %d", footprint, len(buf))
	}
}

func TestCompressionBelowMinSizeStaysRaw(t *testing.T) {
	bins := []Bin{{Name: "a", Type: ParticleInteger, Value: []byte{1, 2, 3, 4}}}
	buf, err := EncodePickle(bins, false, PickleCodecSnappy, 1<<20)
	if err != nil {
		t.Fatalf("EncodePickle: %v", err)
	}
	raw, err := encodeRawPickle(bins, false)
	if err != nil {
		t.Fatalf("encodeRawPickle: %v", err)
	}
	if diff := cmp.Diff(raw, buf); diff != "" {
		t.Fatalf("expected pickle below compress_min_size to stay raw (-want +got):\n%s", diff)
	}
}
