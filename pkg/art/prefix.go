package art

import (
	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// storedWindow trims a prefix snapshot's inline bytes to the ones count
// actually covers.
func storedWindow(count int, stored [node.MaxStoredPrefixLen]byte) []byte {
	n := count
	if n > node.MaxStoredPrefixLen {
		n = node.MaxStoredPrefixLen
	}
	return stored[:n]
}

// fullPrefix materializes the complete prefix of the node at addr, whose
// snapshot (count, stored) was taken at version v. Prefix bytes beyond
// the stored window are reconstructed from any descendant leaf: every
// key below the node carries the full prefix at [depth, depth+count).
// The node's version is revalidated after the reconstruction, so a
// concurrent restructuring of the subtree surfaces as errRestart rather
// than as bytes from the wrong path.
func (t *Tree) fullPrefix(ctrl *olc.ControlWord, v uint64, addr nvm.Addr, depth, count int, stored [node.MaxStoredPrefixLen]byte) ([]byte, error) {
	if count <= node.MaxStoredPrefixLen {
		return append([]byte(nil), stored[:count]...), nil
	}

	leaf := firstLeaf(t.mgr, node.NewInner(addr))
	if leaf == nil {
		return nil, errRestart
	}
	kb := leaf.Key.Slice()
	if len(kb) < depth+count {
		return nil, errRestart
	}

	p := append([]byte(nil), kb[depth:depth+count]...)
	if !ctrl.CheckOrRestart(v) {
		return nil, errRestart
	}
	return p, nil
}

// keyByteAt returns k[depth], or 0 if depth is past the end of k.
//
// A key that is an exact prefix of another is disambiguated by treating
// the "missing" byte as 0. Known limitation: a key containing a literal
// 0 byte at the position where a shorter sibling key ends is ambiguous
// with that sibling. Fixing it would require a different key encoding.
func keyByteAt(k []byte, depth int) byte {
	if depth < len(k) {
		return k[depth]
	}
	return 0
}

// checkPrefix compares up to len(prefix) bytes of k (starting at depth)
// against prefix, returning how many matched.
func checkPrefix(prefix []byte, k []byte, depth int) int {
	n := len(prefix)
	if rem := len(k) - depth; rem < n {
		n = rem
	}
	if n < 0 {
		return 0
	}

	i := 0
	for ; i < n; i++ {
		if prefix[i] != k[depth+i] {
			break
		}
	}
	return i
}

