package art

import (
	"fmt"

	"github.com/flier/nvart/internal/debug"
	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// The four internal node types (N4/N16/N48/N256) share no common Go
// interface: an NVM-resident node is just bytes at an address,
// reinterpreted through node.N4At/N16At/N48At/N256At once its type tag
// has been read via node.CtrlAt. These dispatch helpers do that
// reinterpretation once per call site so the tree algorithms read like
// plain method calls (FindChild, AddChild, ...) with the tag switch
// kept in one place.

func findChild(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, b byte) *node.ChildPtr {
	switch typ {
	case olc.TypeN4:
		return node.N4At(mgr, addr).FindChild(b)
	case olc.TypeN16:
		return node.N16At(mgr, addr).FindChild(b)
	case olc.TypeN48:
		return node.N48At(mgr, addr).FindChild(b)
	case olc.TypeN256:
		return node.N256At(mgr, addr).FindChild(b)
	default:
		panic(fmt.Sprintf("art: findChild on non-inner type %d", typ))
	}
}

// addChild adds a child, growing to the next node type first if full.
// Returns the (possibly new) address the caller must link into its
// parent if it differs from addr.
func addChild(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, b byte, child node.ChildPtr) (nvm.Addr, olc.NodeType, error) {
	switch typ {
	case olc.TypeN4:
		n := node.N4At(mgr, addr)
		if n.Count < 4 {
			n.AddChild(b, child)
			return addr, typ, nil
		}
		newAddr, err := n.GrowTo(mgr)
		if err != nil {
			return 0, 0, err
		}
		node.N16At(mgr, newAddr).AddChild(b, child)
		return newAddr, olc.TypeN16, nil

	case olc.TypeN16:
		n := node.N16At(mgr, addr)
		if n.Count < 16 {
			n.AddChild(b, child)
			return addr, typ, nil
		}
		newAddr, err := n.GrowTo(mgr)
		if err != nil {
			return 0, 0, err
		}
		node.N48At(mgr, newAddr).AddChild(b, child)
		return newAddr, olc.TypeN48, nil

	case olc.TypeN48:
		n := node.N48At(mgr, addr)
		if n.Count < 48 {
			n.AddChild(b, child)
			return addr, typ, nil
		}
		newAddr, err := n.GrowTo(mgr)
		if err != nil {
			return 0, 0, err
		}
		node.N256At(mgr, newAddr).AddChild(b, child)
		return newAddr, olc.TypeN256, nil

	case olc.TypeN256:
		node.N256At(mgr, addr).AddChild(b, child)
		return addr, typ, nil

	default:
		panic(fmt.Sprintf("art: addChild on non-inner type %d", typ))
	}
}

// removeChild removes a child and, if the node is now sparse enough,
// shrinks to the next smaller type. Returns the (possibly new) address.
// Shrinking is a space optimization, not a correctness requirement: if
// the replacement node cannot be allocated, the removal stands and the
// larger node is kept.
func removeChild(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, b byte) (nvm.Addr, olc.NodeType) {
	switch typ {
	case olc.TypeN4:
		node.N4At(mgr, addr).RemoveChild(b)
		return addr, typ

	case olc.TypeN16:
		n := node.N16At(mgr, addr)
		n.RemoveChild(b)
		if n.Count <= 3 {
			if newAddr, err := n.ShrinkTo(mgr); err == nil {
				return newAddr, olc.TypeN4
			}
		}
		return addr, typ

	case olc.TypeN48:
		n := node.N48At(mgr, addr)
		n.RemoveChild(b)
		if n.Count <= 12 {
			if newAddr, err := n.ShrinkTo(mgr); err == nil {
				return newAddr, olc.TypeN16
			}
		}
		return addr, typ

	case olc.TypeN256:
		n := node.N256At(mgr, addr)
		n.RemoveChild(b)
		if n.Count <= 37 {
			if newAddr, err := n.ShrinkTo(mgr); err == nil {
				return newAddr, olc.TypeN48
			}
		}
		return addr, typ

	default:
		panic(fmt.Sprintf("art: removeChild on non-inner type %d", typ))
	}
}

// count returns how many children typ/addr currently has.
func count(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr) int {
	return int(node.HeaderAt(mgr, addr).Count)
}

func minimum(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr) node.ChildPtr {
	switch typ {
	case olc.TypeN4:
		return node.N4At(mgr, addr).Minimum()
	case olc.TypeN16:
		return node.N16At(mgr, addr).Minimum()
	case olc.TypeN48:
		return node.N48At(mgr, addr).Minimum()
	case olc.TypeN256:
		return node.N256At(mgr, addr).Minimum()
	default:
		return 0
	}
}

// firstLeaf walks leftmost child pointers down to a leaf, used to
// reconstruct prefix bytes beyond a node's stored window. It takes no
// locks and tolerates in-flight mutation (a dirty pointer is followed
// with its dirty bit stripped; a transiently empty one returns nil); the
// caller revalidates its version snapshot before trusting anything
// derived from the leaf.
func firstLeaf(mgr *nvm.Manager, ptr node.ChildPtr) *node.Leaf {
	for {
		ptr = ptr.Clean()
		if ptr.Empty() {
			return nil
		}
		if ptr.IsLeaf() {
			return node.LeafAt(mgr, ptr.Addr())
		}
		addr := ptr.Addr()
		ptr = minimum(mgr, node.CtrlAt(mgr, addr).Type(), addr)
	}
}

// addChildInPlace adds child at key byte b to the node at addr/typ,
// which must not be full and whose write lock the caller already holds.
// Write ordering for a fresh child pointer: store with the dirty bit
// set, flush, then clear the dirty bit and flush again, so a concurrent
// reader that observes the pointer mid-install always knows (via
// ChildPtr.Dirty) whether it needs to help flush before trusting it.
func addChildInPlace(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, b byte, child node.ChildPtr) {
	addChildRaw(mgr, typ, addr, b, child.WithDirty())
	_ = mgr.FlushRange(addr, mgr.PageSize())

	slot := findChild(mgr, typ, addr, b)
	debug.Assert(slot != nil, "child %d vanished from node %#x between store and dirty-clear", b, addr)
	if slot != nil {
		*slot = slot.Clean()
	}
	_ = mgr.FlushRange(addr, mgr.PageSize())
}

func addChildRaw(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, b byte, child node.ChildPtr) {
	switch typ {
	case olc.TypeN4:
		node.N4At(mgr, addr).AddChild(b, child)
	case olc.TypeN16:
		node.N16At(mgr, addr).AddChild(b, child)
	case olc.TypeN48:
		node.N48At(mgr, addr).AddChild(b, child)
	case olc.TypeN256:
		node.N256At(mgr, addr).AddChild(b, child)
	default:
		panic(fmt.Sprintf("art: addChildRaw on non-inner type %d", typ))
	}
}
