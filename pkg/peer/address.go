package peer

import (
	"fmt"

	"github.com/matterlink/peercore/pkg/fabric"
)

// Address identifies a logical peer on a fabric: a (fabric index, node id)
// pair. Equality is structural, so Address is safe to use as a map key
// directly (spec Section 3: "Equality is structural; two addresses with
// equal fields are the same peer").
//
// A node id in the group range (spec Section 2.5.5, handled here via
// IsGroup) denotes a group address rather than a single peer; most Peer Set
// operations reject group addresses explicitly where the spec requires it.
type Address struct {
	FabricIndex fabric.FabricIndex
	NodeID      fabric.NodeID
}

// NewAddress constructs an Address. It does not validate that the fabric
// index or node id are in range; callers that need that should use
// fabric.FabricIndex.IsValid / fabric.NodeID.IsOperational.
func NewAddress(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) Address {
	return Address{FabricIndex: fabricIndex, NodeID: nodeID}
}

// groupNodeIDMin is the first node id reserved for group addressing.
// Per Spec Section 2.5.5, group ids occupy the top of the 64-bit node id
// space, above the operational node id range.
const groupNodeIDMin = fabric.NodeID(0xFFFF_FFFF_FFFF_0000)

// IsGroup reports whether this address denotes a group rather than a single
// operational node.
func (a Address) IsGroup() bool {
	return a.NodeID >= groupNodeIDMin
}

// String returns a human-readable representation of the address.
func (a Address) String() string {
	return fmt.Sprintf("%s/%s", a.FabricIndex, a.NodeID)
}
