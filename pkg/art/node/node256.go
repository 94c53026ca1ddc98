package node

import (
	"unsafe"

	"github.com/flier/nvart/pkg/art/simd"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// N256 is the largest fan-out node: a direct 256-entry array indexed by
// key byte.
type N256 struct {
	Header
	Children [256]ChildPtr
}

var n256Size = int(unsafe.Sizeof(N256{}))

// NewN256 allocates and initializes an empty N256.
func NewN256(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN256))
	if err != nil {
		return 0, err
	}
	n := N256At(mgr, addr)
	n.Ctrl.Init(olc.TypeN256)
	return addr, nil
}

// N256At reinterprets the block at addr as an N256.
func N256At(mgr *nvm.Manager, addr nvm.Addr) *N256 {
	b := mgr.At(addr, n256Size)
	return (*N256)(unsafe.Pointer(&b[0]))
}

// FindChild returns the child slot for key byte b, or nil if absent.
func (n *N256) FindChild(b byte) *ChildPtr {
	if n.Children[b].Empty() {
		return nil
	}
	return &n.Children[b]
}

// AddChild inserts child at key byte b.
func (n *N256) AddChild(b byte, child ChildPtr) {
	if n.Children[b].Empty() {
		n.Count++
	}
	n.Children[b] = child
}

// RemoveChild deletes the entry at key byte b.
func (n *N256) RemoveChild(b byte) {
	if !n.Children[b].Empty() {
		n.Children[b] = 0
		n.Count--
	}
}

// Minimum returns the leftmost child's pointer.
func (n *N256) Minimum() ChildPtr {
	return n.childAt(simd.FindNonZeroKeyIndex(n.populatedMask()))
}

// Maximum returns the rightmost child's pointer.
func (n *N256) Maximum() ChildPtr {
	return n.childAt(simd.FindLastNonZeroKeyIndex(n.populatedMask()))
}

func (n *N256) childAt(i int) ChildPtr {
	if i < 0 {
		return 0
	}
	return n.Children[i]
}

// populatedMask adapts Children (a ChildPtr, not a byte) into the
// zero-means-empty byte mask simd.FindNonZeroKeyIndex expects.
func (n *N256) populatedMask() *[256]byte {
	var mask [256]byte
	for i, c := range n.Children {
		if !c.Empty() {
			mask[i] = 1
		}
	}
	return &mask
}

// ShrinkTo copies this node's children into a freshly allocated N48,
// called by the tree once Count drops below its shrink threshold.
func (n *N256) ShrinkTo(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN48))
	if err != nil {
		return 0, err
	}
	n48 := N48At(mgr, addr)
	n48.Ctrl.Init(olc.TypeN48)
	n48.initEmpty()
	n48.copyPrefixFrom(&n.Header)

	var slot byte
	for b := 0; b < 256; b++ {
		if !n.Children[b].Empty() {
			n48.Keys[b] = slot
			n48.Children[slot] = n.Children[b]
			slot++
		}
	}
	n48.Count = uint16(slot)
	return addr, nil
}
