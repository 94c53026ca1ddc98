package art

import (
	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/key"
)

// Lookup resolves k to its stored value.
//
// The traversal takes no locks: every node visited validates its
// snapshotted version before the traversal acts on anything it read from
// that node, and any failed validation restarts the whole lookup from
// the root rather than unwinding partial state.
func (t *Tree) Lookup(k []byte) (uint64, bool, error) {
	if len(k) > key.MaxLen {
		return 0, false, errKeyTooLong(len(k))
	}

	guard := t.epoch.Enter()
	defer guard.Leave()

	for attempt := 0; attempt < maxRestarts; attempt++ {
		v, ok, err := t.tryLookup(k)
		if err == errRestart {
			continue
		}
		return v, ok, err
	}

	return 0, false, errTooManyRestarts
}

func (t *Tree) tryLookup(k []byte) (uint64, bool, error) {
	cur := rootPtr(t.mgr)
	depth := 0

	for {
		if cur.Dirty() {
			t.flushBlock(cur.Addr())
			cur = cur.Clean()
		}

		// Checked after the dirty-clean: an unlink in flight publishes a
		// dirty zero before the final clean store.
		if cur.Empty() {
			return 0, false, nil
		}

		if cur.IsLeaf() {
			leaf := node.LeafAt(t.mgr, cur.Addr())
			if leaf.Matches(k) {
				return leaf.Key.Value, true, nil
			}
			return 0, false, nil
		}

		ctrl := node.CtrlAt(t.mgr, cur.Addr())
		v, locked, obsolete := ctrl.Version()
		if locked || obsolete {
			return 0, false, errRestart
		}

		// The stored window is compared here; a longer prefix's tail is
		// skipped optimistically, since the leaf's full-key check below
		// rejects any key that diverged inside the unstored bytes.
		hdr := node.HeaderAt(t.mgr, cur.Addr())
		count, stored := hdr.PrefixSnapshot()
		window := storedWindow(count, stored)
		matched := checkPrefix(window, k, depth)

		if !ctrl.CheckOrRestart(v) {
			return 0, false, errRestart
		}

		if matched < len(window) || len(k)-depth < count {
			return 0, false, nil
		}
		depth += count

		typ := ctrl.Type()
		slot := findChild(t.mgr, typ, cur.Addr(), keyByteAt(k, depth))

		if !ctrl.CheckOrRestart(v) {
			return 0, false, errRestart
		}
		if slot == nil {
			return 0, false, nil
		}

		cur = *slot
		depth++
	}
}
