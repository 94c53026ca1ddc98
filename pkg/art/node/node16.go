package node

import (
	"unsafe"

	"github.com/flier/nvart/pkg/art/simd"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// N16 is the medium fan-out node: up to 16 children in sorted parallel
// arrays, searched with pkg/art/simd.
type N16 struct {
	Header
	Keys     [16]byte
	Children [16]ChildPtr
}

var n16Size = int(unsafe.Sizeof(N16{}))

// NewN16 allocates and initializes an empty N16.
func NewN16(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN16))
	if err != nil {
		return 0, err
	}
	n := N16At(mgr, addr)
	n.Ctrl.Init(olc.TypeN16)
	return addr, nil
}

// N16At reinterprets the block at addr as an N16.
func N16At(mgr *nvm.Manager, addr nvm.Addr) *N16 {
	b := mgr.At(addr, n16Size)
	return (*N16)(unsafe.Pointer(&b[0]))
}

// FindChild returns the child slot for key byte b, or nil if absent.
func (n *N16) FindChild(b byte) *ChildPtr {
	if i := simd.FindKeyIndex(&n.Keys, int(n.Count), b); i >= 0 {
		return &n.Children[i]
	}
	return nil
}

// AddChild inserts child at key byte b, keeping Keys sorted.
func (n *N16) AddChild(b byte, child ChildPtr) {
	i := simd.FindInsertPosition(&n.Keys, int(n.Count), b)

	copy(n.Keys[i+1:n.Count+1], n.Keys[i:n.Count])
	copy(n.Children[i+1:n.Count+1], n.Children[i:n.Count])

	n.Keys[i] = b
	n.Children[i] = child
	n.Count++
}

// RemoveChild deletes the entry at key byte b.
func (n *N16) RemoveChild(b byte) {
	i := simd.FindKeyIndex(&n.Keys, int(n.Count), b)
	if i < 0 {
		return
	}

	copy(n.Keys[i:n.Count-1], n.Keys[i+1:n.Count])
	copy(n.Children[i:n.Count-1], n.Children[i+1:n.Count])
	n.Count--
}

// Minimum returns the leftmost child's pointer.
func (n *N16) Minimum() ChildPtr {
	if n.Count == 0 {
		return 0
	}
	return n.Children[0]
}

// Maximum returns the rightmost child's pointer.
func (n *N16) Maximum() ChildPtr {
	if n.Count == 0 {
		return 0
	}
	return n.Children[n.Count-1]
}

// GrowTo copies this node's children into a freshly allocated N48.
func (n *N16) GrowTo(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN48))
	if err != nil {
		return 0, err
	}
	n48 := N48At(mgr, addr)
	n48.Ctrl.Init(olc.TypeN48)
	n48.initEmpty()
	n48.copyPrefixFrom(&n.Header)
	// Assign slots in the natural order so Keys[b] points at Children[i].
	for i := uint16(0); i < n.Count; i++ {
		n48.Keys[n.Keys[i]] = uint8(i)
		n48.Children[i] = n.Children[i]
	}
	n48.Count = n.Count
	return addr, nil
}

// ShrinkTo copies this node's children into a freshly allocated N4,
// called by the tree once Count drops below its shrink threshold.
func (n *N16) ShrinkTo(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN4))
	if err != nil {
		return 0, err
	}
	n4 := N4At(mgr, addr)
	n4.Ctrl.Init(olc.TypeN4)
	n4.copyPrefixFrom(&n.Header)
	copy(n4.Keys[:], n.Keys[:n.Count])
	copy(n4.Children[:], n.Children[:n.Count])
	n4.Count = n.Count
	return addr, nil
}
