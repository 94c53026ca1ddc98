package node

import (
	"unsafe"

	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// N4 is the smallest fan-out node: up to 4 children in sorted parallel
// arrays, searched by linear scan.
type N4 struct {
	Header
	Keys     [4]byte
	Children [4]ChildPtr
}

var n4Size = int(unsafe.Sizeof(N4{}))

// NewN4 allocates and initializes an empty N4.
func NewN4(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN4))
	if err != nil {
		return 0, err
	}
	n := N4At(mgr, addr)
	n.Ctrl.Init(olc.TypeN4)
	return addr, nil
}

// N4At reinterprets the block at addr as an N4.
func N4At(mgr *nvm.Manager, addr nvm.Addr) *N4 {
	b := mgr.At(addr, n4Size)
	return (*N4)(unsafe.Pointer(&b[0]))
}

// FindChild returns the child slot for key byte b, or nil if absent.
func (n *N4) FindChild(b byte) *ChildPtr {
	for i := uint16(0); i < n.Count; i++ {
		if n.Keys[i] == b {
			return &n.Children[i]
		}
	}
	return nil
}

// AddChild inserts child at key byte b, keeping Keys sorted. Caller must
// hold the write lock and ensure !Full.
func (n *N4) AddChild(b byte, child ChildPtr) {
	var i uint16
	for ; i < n.Count; i++ {
		if b < n.Keys[i] {
			break
		}
	}

	copy(n.Keys[i+1:n.Count+1], n.Keys[i:n.Count])
	copy(n.Children[i+1:n.Count+1], n.Children[i:n.Count])

	n.Keys[i] = b
	n.Children[i] = child
	n.Count++
}

// RemoveChild deletes the entry at key byte b.
func (n *N4) RemoveChild(b byte) {
	var i uint16
	for ; i < n.Count; i++ {
		if n.Keys[i] == b {
			break
		}
	}
	if i == n.Count {
		return
	}

	copy(n.Keys[i:n.Count-1], n.Keys[i+1:n.Count])
	copy(n.Children[i:n.Count-1], n.Children[i+1:n.Count])
	n.Count--
}

// Minimum returns the leftmost child's pointer (keys are sorted).
func (n *N4) Minimum() ChildPtr {
	if n.Count == 0 {
		return 0
	}
	return n.Children[0]
}

// Maximum returns the rightmost child's pointer.
func (n *N4) Maximum() ChildPtr {
	if n.Count == 0 {
		return 0
	}
	return n.Children[n.Count-1]
}

// GrowTo copies this node's children into a freshly allocated N16.
func (n *N4) GrowTo(mgr *nvm.Manager) (nvm.Addr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeN16))
	if err != nil {
		return 0, err
	}
	n16 := N16At(mgr, addr)
	n16.Ctrl.Init(olc.TypeN16)
	n16.copyPrefixFrom(&n.Header)
	copy(n16.Keys[:], n.Keys[:n.Count])
	copy(n16.Children[:], n.Children[:n.Count])
	return addr, nil
}
