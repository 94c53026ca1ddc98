package node

import (
	"unsafe"

	"github.com/flier/nvart/pkg/art/simd"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// emptyMarker is the sentinel stored in Keys for an unused key byte: one
// past the last valid slot index, so Keys[b] is a direct, unshifted
// index into Children. Every freshly allocated N48 must have its Keys
// array initialized to this sentinel explicitly (see initEmpty), since
// an NVM page comes back zero-filled and 0 is a valid slot index.
const emptyMarker = 48

// N48 is the large fan-out node: a 256-byte sparse byte-to-slot map over
// 48 children.
type N48 struct {
	Header
	Keys     [256]byte
	Children [48]ChildPtr
}

var n48Size = int(unsafe.Sizeof(N48{}))

func (n *N48) initEmpty() {
	for i := range n.Keys {
		n.Keys[i] = emptyMarker
	}
}

// NewN48 allocates and initializes an empty N48.
func NewN48(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN48))
	if err != nil {
		return 0, err
	}
	n := N48At(mgr, addr)
	n.Ctrl.Init(olc.TypeN48)
	n.initEmpty()
	return addr, nil
}

// N48At reinterprets the block at addr as an N48.
func N48At(mgr *nvm.Manager, addr nvm.Addr) *N48 {
	b := mgr.At(addr, n48Size)
	return (*N48)(unsafe.Pointer(&b[0]))
}

// FindChild returns the child slot for key byte b, or nil if absent.
func (n *N48) FindChild(b byte) *ChildPtr {
	if idx := n.Keys[b]; idx != emptyMarker {
		return &n.Children[idx]
	}
	return nil
}

// AddChild inserts child at key byte b into the first free slot.
func (n *N48) AddChild(b byte, child ChildPtr) {
	if idx := n.Keys[b]; idx != emptyMarker {
		n.Children[idx] = child
		return
	}

	var slot byte
	for ; slot < 48; slot++ {
		if n.Children[slot].Empty() {
			break
		}
	}

	n.Keys[b] = slot
	n.Children[slot] = child
	n.Count++
}

// RemoveChild deletes the entry at key byte b.
func (n *N48) RemoveChild(b byte) {
	idx := n.Keys[b]
	if idx == emptyMarker {
		return
	}
	n.Keys[b] = emptyMarker
	n.Children[idx] = 0
	n.Count--
}

// Minimum returns the leftmost child's pointer.
func (n *N48) Minimum() ChildPtr {
	if n.Count == 0 {
		return 0
	}
	if i := simd.FindNonZeroKeyIndex(n.populatedMask()); i >= 0 {
		return n.Children[n.Keys[i]]
	}
	return 0
}

// Maximum returns the rightmost child's pointer.
func (n *N48) Maximum() ChildPtr {
	if n.Count == 0 {
		return 0
	}
	if i := simd.FindLastNonZeroKeyIndex(n.populatedMask()); i >= 0 {
		return n.Children[n.Keys[i]]
	}
	return 0
}

// populatedMask adapts Keys (which uses emptyMarker, not 0, for "no
// child") into the zero-means-empty convention simd.FindNonZeroKeyIndex
// expects, by returning a scratch copy with emptyMarker mapped to 0 and
// every real slot index shifted up by one so a used slot 0 doesn't
// collide with "empty".
func (n *N48) populatedMask() *[256]byte {
	var mask [256]byte
	for i, v := range n.Keys {
		if v != emptyMarker {
			mask[i] = v + 1
		}
	}
	return &mask
}

// GrowTo copies this node's children into a freshly allocated N256.
func (n *N48) GrowTo(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN256))
	if err != nil {
		return 0, err
	}
	n256 := N256At(mgr, addr)
	n256.Ctrl.Init(olc.TypeN256)
	n256.copyPrefixFrom(&n.Header)
	for b, idx := range n.Keys {
		if idx != emptyMarker {
			n256.Children[b] = n.Children[idx]
		}
	}
	n256.Count = n.Count
	return addr, nil
}

// ShrinkTo copies this node's children into a freshly allocated N16,
// called by the tree once Count drops below its shrink threshold.
func (n *N48) ShrinkTo(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN16))
	if err != nil {
		return 0, err
	}
	n16 := N16At(mgr, addr)
	n16.Ctrl.Init(olc.TypeN16)
	n16.copyPrefixFrom(&n.Header)

	var i uint16
	for b := 0; b < 256; b++ {
		if idx := n.Keys[b]; idx != emptyMarker {
			n16.Keys[i] = byte(b)
			n16.Children[i] = n.Children[idx]
			i++
		}
	}
	n16.Count = i
	return addr, nil
}
