package node

import (
	"unsafe"

	"github.com/flier/nvart/pkg/key"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// Leaf stores one key/value pair. It carries its own control word rather
// than sharing Header's layout, since it is never an N4/N16/N48/N256 and
// has no children or prefix of its own — only Type()/lock/version apply.
type Leaf struct {
	Ctrl olc.ControlWord
	Key  key.Key
}

var leafSize = int(unsafe.Sizeof(Leaf{}))

// NewLeaf allocates and initializes a leaf holding k, returning its
// tagged child pointer.
func NewLeaf(mgr *nvm.Manager, k key.Key) (ChildPtr, error) {
	addr, err := mgr.Alloc(byte(olc.TypeLeaf))
	if err != nil {
		return 0, err
	}

	l := LeafAt(mgr, addr)
	l.Ctrl.Init(olc.TypeLeaf)
	l.Key = k

	return leafChildPtr(addr), nil
}

// LeafAt reinterprets the block at addr as a Leaf.
func LeafAt(mgr *nvm.Manager, addr nvm.Addr) *Leaf {
	b := mgr.At(addr, leafSize)
	return (*Leaf)(unsafe.Pointer(&b[0]))
}

// Matches reports whether this leaf's full key equals k.
func (l *Leaf) Matches(k []byte) bool {
	return l.Key.Equal(k)
}
