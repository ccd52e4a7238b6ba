package shardnode

import (
	"encoding/binary"
	"fmt"
)

// RWOp is the OP field of an RW fabric message.
type RWOp uint32

const (
	RWOpWrite RWOp = iota + 1
	RWOpWriteAck
)

func (op RWOp) String() string {
	switch op {
	case RWOpWrite:
		return "WRITE"
	case RWOpWriteAck:
		return "WRITE_ACK"
	default:
		return fmt.Sprintf("RWOp(%d)", uint32(op))
	}
}

// RW info bits.
const (
	RWInfoXDR uint32 = 1 << iota
	RWInfoSindexTouched
	RWInfoNsupDelete
	RWInfoUDFWrite
	RWInfoDrop
)

// RWResult is the wire RESULT field on a WRITE_ACK, mapping back to
// the local sentinel errors the way kerr.ErrorForCode maps wire codes
// to errors.
type RWResult uint32

const (
	RWResultOK RWResult = iota
	RWResultClusterKeyMismatch
	RWResultOutOfSpace
	RWResultForbidden
	RWResultNotFound
)

// Err converts a wire RWResult back into the local sentinel error, or
// nil for RWResultOK.
func (r RWResult) Err() error {
	switch r {
	case RWResultOK:
		return nil
	case RWResultClusterKeyMismatch:
		return ErrClusterKeyMismatch
	case RWResultOutOfSpace:
		return ErrOutOfSpace
	case RWResultForbidden:
		return ErrForbidden
	case RWResultNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("shardnode: unknown rw result %d", uint32(r))
	}
}

// resultFromErr is the inverse of RWResult.Err, used by the receiver
// side to put a local error on the wire.
func resultFromErr(err error) RWResult {
	switch err {
	case nil:
		return RWResultOK
	case ErrClusterKeyMismatch:
		return RWResultClusterKeyMismatch
	case ErrOutOfSpace:
		return RWResultOutOfSpace
	case ErrForbidden:
		return RWResultForbidden
	case ErrNotFound:
		return RWResultNotFound
	default:
		return RWResultForbidden
	}
}

// RWMsg is the RW fabric message body.
type RWMsg struct {
	Op             RWOp
	NSID           uint32
	Namespace      string
	Digest         Digest
	TID            TID
	Generation     uint32
	VoidTime       uint32
	LastUpdateTime uint64
	SetName        string
	Key            []byte
	Record         []byte // pickle payload
	Info           uint32
	Result         RWResult // only meaningful on WRITE_ACK
}

// EncodeRWMsg serializes m to a big-endian wire layout mirroring
// EncodeMigrateMsg's fixed-then-length-prefixed shape; RW has no
// optional fields (every field is always meaningful for its op), so
// no presence bitmask is needed.
func EncodeRWMsg(m *RWMsg) []byte {
	size := 4 + 4 + 2 + len(m.Namespace) + len(m.Digest) + 4 + 4 + 4 + 8 +
		2 + len(m.SetName) + 4 + len(m.Key) + 4 + len(m.Record) + 4 + 4
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(m.Op))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.NSID)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(m.Namespace)))
	off += 2
	off += copy(buf[off:], m.Namespace)
	off += copy(buf[off:], m.Digest[:])
	binary.BigEndian.PutUint32(buf[off:], uint32(m.TID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.Generation)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.VoidTime)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], m.LastUpdateTime)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(m.SetName)))
	off += 2
	off += copy(buf[off:], m.SetName)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Key)))
	off += 4
	off += copy(buf[off:], m.Key)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Record)))
	off += 4
	off += copy(buf[off:], m.Record)
	binary.BigEndian.PutUint32(buf[off:], m.Info)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(m.Result))
	off += 4
	return buf
}

// DecodeRWMsg parses a buffer produced by EncodeRWMsg.
func DecodeRWMsg(buf []byte) (*RWMsg, error) {
	m := &RWMsg{}
	off := 0
	need := func(n int) error {
		if off+n > len(buf) {
			return fmt.Errorf("%w: truncated rw message at offset %d", ErrPickleMalformed, off)
		}
		return nil
	}
	if err := need(4 + 4 + 2); err != nil {
		return nil, err
	}
	m.Op = RWOp(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.NSID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	nsLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if err := need(nsLen); err != nil {
		return nil, err
	}
	m.Namespace = string(buf[off : off+nsLen])
	off += nsLen

	if err := need(len(m.Digest)); err != nil {
		return nil, err
	}
	copy(m.Digest[:], buf[off:])
	off += len(m.Digest)

	if err := need(4 + 4 + 4 + 8 + 2); err != nil {
		return nil, err
	}
	m.TID = TID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.Generation = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.VoidTime = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.LastUpdateTime = binary.BigEndian.Uint64(buf[off:])
	off += 8
	setLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if err := need(setLen + 4); err != nil {
		return nil, err
	}
	m.SetName = string(buf[off : off+setLen])
	off += setLen
	keyLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if err := need(keyLen + 4); err != nil {
		return nil, err
	}
	m.Key = append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	recLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if err := need(recLen + 4 + 4); err != nil {
		return nil, err
	}
	m.Record = append([]byte(nil), buf[off:off+recLen]...)
	off += recLen
	m.Info = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.Result = RWResult(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	return m, nil
}
