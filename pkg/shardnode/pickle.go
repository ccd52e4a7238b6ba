package shardnode

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// PickleCodec tags the outer compression wrapper of a pickle. It is
// distinct from a Bin's ParticleType, which tags the type of one
// bin's value.
type PickleCodec uint8

const (
	PickleCodecNone PickleCodec = iota
	PickleCodecSnappy
	PickleCodecLZ4
	PickleCodecZstd
)

// pickleDropFlag marks the delete-on-replica form: bin_count == 0
// plus this info bit, carried in one info byte after the bin count.
const pickleDropFlag uint8 = 0x01

// EncodePickle serializes bins into the following wire layout:
//
//	2 bytes: bin_count N
//	for each bin: 1 byte name length, name, 1 byte particle type,
//	1 byte flags, 4 bytes value length, value
//
// drop selects the delete-on-replica form: it must be called with an
// empty bins slice, and sets the drop info bit in one info byte
// written after the zero bin count.
//
// When compress is a codec other than PickleCodecNone and the raw
// encoding exceeds minSize, the result is wrapped as
// [1 byte codec][varint raw length][codec-compressed bytes].
// Small pickles are left uncompressed: the varint and codec framing
// cost more than they save at or below minSize.
func EncodePickle(bins []Bin, drop bool, compress PickleCodec, minSize int) ([]byte, error) {
	if drop && len(bins) != 0 {
		return nil, fmt.Errorf("shardnode: drop pickle must carry zero bins, got %d", len(bins))
	}
	raw, err := encodeRawPickle(bins, drop)
	if err != nil {
		return nil, err
	}
	if compress == PickleCodecNone || len(raw) <= minSize {
		return raw, nil
	}
	compressed, err := compressBytes(compress, raw)
	if err != nil {
		// Compression is an optimization, not a correctness
		// requirement; fall back to the raw form rather than fail
		// the whole encode.
		return raw, nil
	}
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(compressed))
	out = append(out, byte(compress))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(raw)))
	out = append(out, lenBuf[:n]...)
	out = append(out, compressed...)
	return out, nil
}

func encodeRawPickle(bins []Bin, drop bool) ([]byte, error) {
	if len(bins) > 0xFFFF {
		return nil, fmt.Errorf("shardnode: %d bins exceeds wire limit of 65535", len(bins))
	}
	size := 2
	for _, b := range bins {
		if len(b.Name) > 0xFF {
			return nil, fmt.Errorf("shardnode: bin name %q exceeds 255 bytes", b.Name)
		}
		size += 1 + len(b.Name) + 1 + 1 + 4 + len(b.Value)
	}
	if drop && len(bins) == 0 {
		size++ // info byte carrying the drop bit
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(bins)))
	off := 2
	for _, b := range bins {
		buf[off] = byte(len(b.Name))
		off++
		off += copy(buf[off:], b.Name)
		buf[off] = byte(b.Type)
		off++
		flags := b.Flags
		if drop {
			flags |= pickleDropFlag
		}
		buf[off] = flags
		off++
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(b.Value)))
		off += 4
		off += copy(buf[off:], b.Value)
	}
	if drop && len(bins) == 0 {
		buf[off] = pickleDropFlag
	}
	return buf, nil
}

// DecodePickle parses the wire form produced by EncodePickle, first
// stripping any compression wrapper, then returning the bins, whether
// the drop bit was set, and ErrPickleMalformed if the buffer is
// malformed.
func DecodePickle(buf []byte) (bins []Bin, drop bool, err error) {
	raw, err := decompressIfWrapped(buf)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPickleMalformed, err)
	}
	bins, drop, err = decodeRawPickle(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPickleMalformed, err)
	}
	return bins, drop, nil
}

func decodeRawPickle(buf []byte) (bins []Bin, drop bool, err error) {
	if len(buf) < 2 {
		return nil, false, fmt.Errorf("pickle too short for bin count: %d bytes", len(buf))
	}
	n := binary.BigEndian.Uint16(buf[0:2])
	off := 2
	bins = make([]Bin, 0, n)
	for i := 0; i < int(n); i++ {
		if off+1 > len(buf) {
			return nil, false, fmt.Errorf("truncated name length at bin %d", i)
		}
		nameLen := int(buf[off])
		off++
		if off+nameLen+1+1+4 > len(buf) {
			return nil, false, fmt.Errorf("truncated bin header at bin %d", i)
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		typ := ParticleType(buf[off])
		off++
		flags := buf[off]
		off++
		if flags&pickleDropFlag != 0 {
			drop = true
		}
		valLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+valLen > len(buf) {
			return nil, false, fmt.Errorf("truncated value at bin %d", i)
		}
		value := append([]byte(nil), buf[off:off+valLen]...)
		off += valLen
		bins = append(bins, Bin{Name: name, Type: typ, Flags: flags, Value: value})
	}
	if n == 0 {
		if off < len(buf) && buf[off]&pickleDropFlag != 0 {
			drop = true
		}
		// bin_count == 0 without the drop bit is rejected as malformed
		// rather than silently dropped (see DESIGN.md).
		if !drop {
			return nil, false, fmt.Errorf("bin_count is zero without the drop info bit")
		}
	}
	return bins, drop, nil
}

// PeekBinCount reads the bin count without decoding bins, transparent
// to any compression wrapper (it only needs to peek the first two
// raw-form bytes, which requires decompressing if wrapped).
func PeekBinCount(buf []byte) (uint16, error) {
	raw, err := decompressIfWrapped(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPickleMalformed, err)
	}
	if len(raw) < 2 {
		return 0, fmt.Errorf("%w: pickle too short for bin count", ErrPickleMalformed)
	}
	return binary.BigEndian.Uint16(raw[0:2]), nil
}

// StorageFootprint estimates the on-device bytes a pickle would
// occupy once applied, without fully decoding it, so replicas can
// reject writes that would exceed disk capacity. It is simply the
// decompressed, on-wire size: the storage engine's real accounting is
// a separate concern, so this module's contribution is handing that
// engine an accurate size ahead of the write.
func StorageFootprint(buf []byte) (int, error) {
	raw, err := decompressIfWrapped(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPickleMalformed, err)
	}
	return len(raw), nil
}

func decompressIfWrapped(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty pickle")
	}
	codec := PickleCodec(buf[0])
	if codec == PickleCodecNone {
		// EncodePickle never wraps with PickleCodecNone, so any buffer
		// it produced that starts this way is the raw, unwrapped form.
		return buf, nil
	}
	rest := buf[1:]
	rawLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("malformed compressed pickle length prefix")
	}
	compressed := rest[n:]
	return decompressBytes(codec, compressed, int(rawLen))
}

func compressBytes(codec PickleCodec, raw []byte) ([]byte, error) {
	switch codec {
	case PickleCodecSnappy:
		return snappy.Encode(nil, raw), nil
	case PickleCodecLZ4:
		var out []byte
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		var c lz4.Compressor
		n, err := c.CompressBlock(raw, buf)
		if err != nil {
			return nil, err
		}
		out = buf[:n]
		return out, nil
	case PickleCodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("unknown pickle codec %d", codec)
	}
}

func decompressBytes(codec PickleCodec, compressed []byte, rawLen int) ([]byte, error) {
	switch codec {
	case PickleCodecSnappy:
		return snappy.Decode(nil, compressed)
	case PickleCodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case PickleCodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(compressed, make([]byte, 0, rawLen))
	default:
		return nil, fmt.Errorf("unknown pickle codec %d", codec)
	}
}
