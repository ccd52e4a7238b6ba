package shardnode

import (
	"encoding/binary"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/shardkv/shardnode/pkg/fabric"
)

// NodeID identifies a node for the lifetime of its process: an opaque
// 64-bit value, globally unique for as long as the process runs.
type NodeID = fabric.NodeID

// NewNodeID generates a fresh, process-unique node identifier, using
// hashicorp/go-uuid to get 128 bits of randomness from a vetted source
// rather than rolling our own; a uuid is folded down to 64 bits since
// the data model only calls for a uint64.
func NewNodeID() (NodeID, error) {
	raw, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return 0, err
	}
	hi := binary.BigEndian.Uint64(raw[:8])
	lo := binary.BigEndian.Uint64(raw[8:])
	return NodeID(hi ^ lo), nil
}
