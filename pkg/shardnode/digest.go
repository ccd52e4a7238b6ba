package shardnode

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Digest is the 20-byte content digest identifying a record globally
// within a namespace.
type Digest [20]byte

// ClusterKey is the 64-bit epoch stamp bumped on every membership
// change, used as a fencing token on every message.
type ClusterKey uint64

// PartitionID is an integer in [0, P) where P is the namespace-fixed
// partition count.
type PartitionID uint32

// DigestFromKey derives a record's digest from its set name and user
// key. Client protocol parsing belongs to a layer above this module,
// but something here needs to turn a key into a digest for tests and
// standalone use, so this is a real, if minimal, implementation
// rather than a stub.
func DigestFromKey(setName string, key []byte) Digest {
	h, _ := blake2b.New(20, nil) // fixed 20-byte output, no key
	h.Write([]byte(setName))
	h.Write([]byte{0}) // separator, avoids ("ab","c") colliding with ("a","bc")
	h.Write(key)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// PartitionOf computes partition_of(key) = hash(key) mod P, operating
// directly on an already-computed digest.
func PartitionOf(d Digest, numPartitions uint32) PartitionID {
	h := binary.BigEndian.Uint32(d[:4])
	return PartitionID(h % numPartitions)
}
