package shardnode

import (
	"encoding/binary"
	"fmt"
)

// MigrateOp is the OP field of a MIGRATE fabric message.
type MigrateOp uint32

const (
	MigrateOpStart MigrateOp = iota + 1
	MigrateOpInsert
	MigrateOpInsertAck
	MigrateOpDone
	MigrateOpDoneAck
	MigrateOpStartAckOK
	MigrateOpStartAckEagain
	MigrateOpStartAckFail
	MigrateOpStartAckAlreadyDone
)

func (op MigrateOp) String() string {
	switch op {
	case MigrateOpStart:
		return "START"
	case MigrateOpInsert:
		return "INSERT"
	case MigrateOpInsertAck:
		return "INSERT_ACK"
	case MigrateOpDone:
		return "DONE"
	case MigrateOpDoneAck:
		return "DONE_ACK"
	case MigrateOpStartAckOK:
		return "START_ACK_OK"
	case MigrateOpStartAckEagain:
		return "START_ACK_EAGAIN"
	case MigrateOpStartAckFail:
		return "START_ACK_FAIL"
	case MigrateOpStartAckAlreadyDone:
		return "START_ACK_ALREADY_DONE"
	default:
		return fmt.Sprintf("MigrateOp(%d)", uint32(op))
	}
}

// Migrate info bits for large-collection submigration ("parent",
// "subrec", "esr"), carried on the wire but unused since the
// sub-record path is not implemented (see DESIGN.md).
const (
	MigrateInfoParent uint32 = 1 << iota
	MigrateInfoSubrec
	MigrateInfoESR
)

// presence bits for MigrateMsg's optional fields, in wire order.
const (
	migPresNamespace uint16 = 1 << iota
	migPresPartition
	migPresDigest
	migPresGeneration
	migPresVoidTime
	migPresRecord
	migPresRecProps
	migPresClusterKey
	migPresInfo
	migPresVersion
	migPresLastUpdateTime
)

// MigrateMsg is the MIGRATE fabric message body. Fields beyond
// Op/EmigID/InsertID are optional; presence is tracked by the Has*
// flags encoded on the wire rather than by Go's zero value, since 0 is
// a legal VoidTime/Generation/etc.
//
// LastUpdateTime is carried as an optional field alongside GENERATION
// and VOID_TIME: the merge policy compares (last_update_time,
// generation) on every INSERT, and without a field to carry the
// source's original timestamp the receiver would be forced to stamp
// "time of receipt", making convergence depend on delivery timing
// rather than the write's original ordering.
type MigrateMsg struct {
	Op       MigrateOp
	EmigID   EmigID
	InsertID InsertID // required on INSERT/INSERT_ACK

	Namespace      string
	Partition      PartitionID
	Digest         Digest
	Generation     uint32
	VoidTime       uint32
	LastUpdateTime uint64
	Record         []byte // pickle payload
	RecProps       []byte
	ClusterKey     ClusterKey
	Info           uint32
	Version        uint64

	HasNamespace      bool
	HasPartition      bool
	HasDigest         bool
	HasGeneration     bool
	HasVoidTime       bool
	HasLastUpdateTime bool
	HasRecord         bool
	HasRecProps       bool
	HasClusterKey     bool
	HasInfo           bool
	HasVersion        bool
}

func (m *MigrateMsg) presence() uint16 {
	var p uint16
	if m.HasNamespace {
		p |= migPresNamespace
	}
	if m.HasPartition {
		p |= migPresPartition
	}
	if m.HasDigest {
		p |= migPresDigest
	}
	if m.HasGeneration {
		p |= migPresGeneration
	}
	if m.HasVoidTime {
		p |= migPresVoidTime
	}
	if m.HasRecord {
		p |= migPresRecord
	}
	if m.HasRecProps {
		p |= migPresRecProps
	}
	if m.HasClusterKey {
		p |= migPresClusterKey
	}
	if m.HasInfo {
		p |= migPresInfo
	}
	if m.HasVersion {
		p |= migPresVersion
	}
	if m.HasLastUpdateTime {
		p |= migPresLastUpdateTime
	}
	return p
}

// EncodeMigrateMsg serializes m to a big-endian wire layout: fixed
// OP/EMIG_ID/EMIG_INSERT_ID, a 2-byte presence bitmask, then each
// present optional field in fixed order (length-prefixed where
// variable-width).
func EncodeMigrateMsg(m *MigrateMsg) []byte {
	pres := m.presence()
	size := 4 + 4 + 4 + 2
	if m.HasNamespace {
		size += 2 + len(m.Namespace)
	}
	if m.HasPartition {
		size += 4
	}
	if m.HasDigest {
		size += len(m.Digest)
	}
	if m.HasGeneration {
		size += 4
	}
	if m.HasVoidTime {
		size += 4
	}
	if m.HasRecord {
		size += 4 + len(m.Record)
	}
	if m.HasRecProps {
		size += 4 + len(m.RecProps)
	}
	if m.HasClusterKey {
		size += 8
	}
	if m.HasInfo {
		size += 4
	}
	if m.HasVersion {
		size += 8
	}
	if m.HasLastUpdateTime {
		size += 8
	}

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(m.Op))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(m.EmigID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(m.InsertID))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], pres)
	off += 2
	if m.HasNamespace {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(m.Namespace)))
		off += 2
		off += copy(buf[off:], m.Namespace)
	}
	if m.HasPartition {
		binary.BigEndian.PutUint32(buf[off:], uint32(m.Partition))
		off += 4
	}
	if m.HasDigest {
		off += copy(buf[off:], m.Digest[:])
	}
	if m.HasGeneration {
		binary.BigEndian.PutUint32(buf[off:], m.Generation)
		off += 4
	}
	if m.HasVoidTime {
		binary.BigEndian.PutUint32(buf[off:], m.VoidTime)
		off += 4
	}
	if m.HasRecord {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Record)))
		off += 4
		off += copy(buf[off:], m.Record)
	}
	if m.HasRecProps {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(m.RecProps)))
		off += 4
		off += copy(buf[off:], m.RecProps)
	}
	if m.HasClusterKey {
		binary.BigEndian.PutUint64(buf[off:], uint64(m.ClusterKey))
		off += 8
	}
	if m.HasInfo {
		binary.BigEndian.PutUint32(buf[off:], m.Info)
		off += 4
	}
	if m.HasVersion {
		binary.BigEndian.PutUint64(buf[off:], m.Version)
		off += 8
	}
	if m.HasLastUpdateTime {
		binary.BigEndian.PutUint64(buf[off:], m.LastUpdateTime)
		off += 8
	}
	return buf
}

// DecodeMigrateMsg parses a buffer produced by EncodeMigrateMsg.
func DecodeMigrateMsg(buf []byte) (*MigrateMsg, error) {
	if len(buf) < 14 {
		return nil, fmt.Errorf("%w: migrate message too short: %d bytes", ErrPickleMalformed, len(buf))
	}
	m := &MigrateMsg{}
	off := 0
	m.Op = MigrateOp(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.EmigID = EmigID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.InsertID = InsertID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	pres := binary.BigEndian.Uint16(buf[off:])
	off += 2

	need := func(n int) error {
		if off+n > len(buf) {
			return fmt.Errorf("%w: truncated migrate message at offset %d", ErrPickleMalformed, off)
		}
		return nil
	}

	if pres&migPresNamespace != 0 {
		if err := need(2); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if err := need(n); err != nil {
			return nil, err
		}
		m.Namespace = string(buf[off : off+n])
		off += n
		m.HasNamespace = true
	}
	if pres&migPresPartition != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		m.Partition = PartitionID(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		m.HasPartition = true
	}
	if pres&migPresDigest != 0 {
		if err := need(len(m.Digest)); err != nil {
			return nil, err
		}
		copy(m.Digest[:], buf[off:])
		off += len(m.Digest)
		m.HasDigest = true
	}
	if pres&migPresGeneration != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		m.Generation = binary.BigEndian.Uint32(buf[off:])
		off += 4
		m.HasGeneration = true
	}
	if pres&migPresVoidTime != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		m.VoidTime = binary.BigEndian.Uint32(buf[off:])
		off += 4
		m.HasVoidTime = true
	}
	if pres&migPresRecord != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if err := need(n); err != nil {
			return nil, err
		}
		m.Record = append([]byte(nil), buf[off:off+n]...)
		off += n
		m.HasRecord = true
	}
	if pres&migPresRecProps != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if err := need(n); err != nil {
			return nil, err
		}
		m.RecProps = append([]byte(nil), buf[off:off+n]...)
		off += n
		m.HasRecProps = true
	}
	if pres&migPresClusterKey != 0 {
		if err := need(8); err != nil {
			return nil, err
		}
		m.ClusterKey = ClusterKey(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		m.HasClusterKey = true
	}
	if pres&migPresInfo != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		m.Info = binary.BigEndian.Uint32(buf[off:])
		off += 4
		m.HasInfo = true
	}
	if pres&migPresVersion != 0 {
		if err := need(8); err != nil {
			return nil, err
		}
		m.Version = binary.BigEndian.Uint64(buf[off:])
		off += 8
		m.HasVersion = true
	}
	if pres&migPresLastUpdateTime != 0 {
		if err := need(8); err != nil {
			return nil, err
		}
		m.LastUpdateTime = binary.BigEndian.Uint64(buf[off:])
		off += 8
		m.HasLastUpdateTime = true
	}
	return m, nil
}

// encodeRecProps serializes a set name and optional stored key into
// the REC_PROPS field as "serialized set-name + stored-key".
func encodeRecProps(setName string, storedKey []byte) []byte {
	buf := make([]byte, 2+len(setName)+4+len(storedKey))
	binary.BigEndian.PutUint16(buf, uint16(len(setName)))
	off := 2
	off += copy(buf[off:], setName)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(storedKey)))
	off += 4
	copy(buf[off:], storedKey)
	return buf
}

func decodeRecProps(buf []byte) (setName string, storedKey []byte, err error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("rec_props too short")
	}
	n := int(binary.BigEndian.Uint16(buf))
	off := 2
	if off+n+4 > len(buf) {
		return "", nil, fmt.Errorf("rec_props truncated set name")
	}
	setName = string(buf[off : off+n])
	off += n
	keyLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+keyLen > len(buf) {
		return "", nil, fmt.Errorf("rec_props truncated stored key")
	}
	storedKey = append([]byte(nil), buf[off:off+keyLen]...)
	return setName, storedKey, nil
}
