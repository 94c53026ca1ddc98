package art

import (
	"iter"

	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// childEntry is one (key byte, child pointer) pair yielded by Children.
type childEntry struct {
	b   byte
	ptr node.ChildPtr
}

// Children enumerates the immediate children, in ascending key-byte
// order, of the node reached by descending prefix from the root,
// restricted to key bytes within [lo, hi] inclusive. An outer key-value
// layer built on this tree uses it for range reads.
//
// The scan never dereferences into children: it yields raw child
// pointer words, not resolved leaves, so no locking beyond the
// validating version check is required.
func (t *Tree) Children(prefix []byte, lo, hi byte) iter.Seq2[byte, uint64] {
	return func(yield func(byte, uint64) bool) {
		guard := t.epoch.Enter()
		defer guard.Leave()

		var entries []childEntry
		for attempt := 0; attempt < maxRestarts; attempt++ {
			es, err := t.collectChildren(prefix, lo, hi)
			if err == errRestart {
				continue
			}
			entries = es
			break
		}

		for _, e := range entries {
			if !yield(e.b, uint64(e.ptr)) {
				return
			}
		}
	}
}

// collectChildren walks from the root to the node whose accumulated
// path prefix equals (or embeds, per a compressed node's own inline
// prefix) the requested prefix, snapshots its version, scans children
// in [lo, hi], and rechecks the snapshot before returning. A version
// change anywhere along the path or during the scan restarts the whole
// walk.
func (t *Tree) collectChildren(prefix []byte, lo, hi byte) ([]childEntry, error) {
	cur := rootPtr(t.mgr)
	depth := 0

	for {
		if cur.Dirty() {
			t.flushBlock(cur.Addr())
			cur = cur.Clean()
		}
		if cur.Empty() || cur.IsLeaf() {
			return nil, nil
		}

		ctrl := node.CtrlAt(t.mgr, cur.Addr())
		v, locked, obsolete := ctrl.Version()
		if locked || obsolete {
			return nil, errRestart
		}

		// The walk has no terminal leaf check to fall back on, so the
		// node's prefix is materialized in full before comparing.
		hdr := node.HeaderAt(t.mgr, cur.Addr())
		count, stored := hdr.PrefixSnapshot()
		nodePrefix, err := t.fullPrefix(ctrl, v, cur.Addr(), depth, count, stored)
		if err != nil {
			return nil, err
		}
		typ := ctrl.Type()

		remaining := len(prefix) - depth

		if remaining <= len(nodePrefix) {
			if remaining > 0 && !bytesEqual(nodePrefix[:remaining], prefix[depth:depth+remaining]) {
				if !ctrl.CheckOrRestart(v) {
					return nil, errRestart
				}
				return nil, nil
			}

			entries := scanChildren(t.mgr, typ, cur.Addr(), lo, hi)

			if !ctrl.CheckOrRestart(v) {
				return nil, errRestart
			}
			return entries, nil
		}

		if !bytesEqual(nodePrefix, prefix[depth:depth+len(nodePrefix)]) {
			if !ctrl.CheckOrRestart(v) {
				return nil, errRestart
			}
			return nil, nil
		}
		depth += len(nodePrefix)

		slot := findChild(t.mgr, typ, cur.Addr(), prefix[depth])
		if !ctrl.CheckOrRestart(v) {
			return nil, errRestart
		}
		if slot == nil {
			return nil, nil
		}

		child := *slot
		if !ctrl.CheckOrRestart(v) {
			return nil, errRestart
		}

		cur = child
		depth++
	}
}

// scanChildren collects addr/typ's children whose key byte falls within
// [lo, hi], in ascending byte order. The byte-by-byte probe is uniform
// across all four node types, reusing the same findChild dispatcher
// Lookup/Insert/Remove use, rather than exposing each node's internal
// layout (sorted array vs. sparse index vs. direct index) to this
// caller.
func scanChildren(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, lo, hi byte) []childEntry {
	var entries []childEntry
	for b := int(lo); b <= int(hi); b++ {
		if slot := findChild(mgr, typ, addr, byte(b)); slot != nil && !slot.Empty() {
			entries = append(entries, childEntry{b: byte(b), ptr: *slot})
		}
	}
	return entries
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
