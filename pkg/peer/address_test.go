package peer

import (
	"testing"

	"github.com/matterlink/peercore/pkg/fabric"
)

func TestAddress_IsGroup(t *testing.T) {
	t.Run("operational node id", func(t *testing.T) {
		a := NewAddress(1, fabric.NodeID(0x1234))
		if a.IsGroup() {
			t.Error("IsGroup() = true, want false")
		}
	})

	t.Run("group node id", func(t *testing.T) {
		a := NewAddress(1, groupNodeIDMin+5)
		if !a.IsGroup() {
			t.Error("IsGroup() = false, want true")
		}
	})

	t.Run("boundary", func(t *testing.T) {
		a := NewAddress(1, groupNodeIDMin)
		if !a.IsGroup() {
			t.Error("IsGroup() at groupNodeIDMin = false, want true")
		}
	})
}

func TestAddress_Equality(t *testing.T) {
	a := NewAddress(1, fabric.NodeID(42))
	b := NewAddress(1, fabric.NodeID(42))
	c := NewAddress(2, fabric.NodeID(42))

	if a != b {
		t.Error("equal addresses compared unequal")
	}
	if a == c {
		t.Error("distinct fabric indices compared equal")
	}

	m := map[Address]int{a: 1}
	if _, ok := m[b]; !ok {
		t.Error("structurally equal Address did not hit the same map slot")
	}
}

func TestAddress_String(t *testing.T) {
	a := NewAddress(1, fabric.NodeID(0x1234))
	if a.String() == "" {
		t.Error("String() returned empty string")
	}
}
