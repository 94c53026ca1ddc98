package art

import (
	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/key"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// Remove deletes k from the tree.
//
// Locking mirrors Insert: the node a child is removed from is
// write-locked, and its parent is additionally locked only when removal
// changes which node the parent routes through (a shrink, or the
// single-remaining-child merge in mergeSingleChild).
func (t *Tree) Remove(k []byte) (Result, error) {
	if len(k) > key.MaxLen {
		return Absent, errKeyTooLong(len(k))
	}

	guard := t.epoch.Enter()
	defer guard.Leave()

	for attempt := 0; attempt < maxRestarts; attempt++ {
		res, err := t.tryRemove(k)
		if err == errRestart {
			continue
		}
		return res, err
	}

	return Absent, errTooManyRestarts
}

func (t *Tree) tryRemove(k []byte) (Result, error) {
	root := rootPtr(t.mgr)
	if root.Empty() {
		return Absent, nil
	}

	if root.IsLeaf() {
		leaf := node.LeafAt(t.mgr, root.Addr())
		if !leaf.Matches(k) {
			return Absent, nil
		}
		if !casRoot(t.mgr, root, 0) {
			return Absent, errRestart
		}
		t.retire(root.Addr())
		return Removed, nil
	}

	par := rootPublisher()
	var parV uint64

	cur := root
	depth := 0

	for {
		if cur.Dirty() {
			t.flushBlock(cur.Addr())
			cur = cur.Clean()
		}

		ctrl := node.CtrlAt(t.mgr, cur.Addr())
		v, locked, obsolete := ctrl.Version()
		if locked || obsolete {
			return Absent, errRestart
		}

		// Same optimistic skip as Lookup: only the stored window is
		// compared, and the leaf's full-key check below rejects any key
		// that diverged inside the unstored tail.
		hdr := node.HeaderAt(t.mgr, cur.Addr())
		count, stored := hdr.PrefixSnapshot()
		window := storedWindow(count, stored)
		matched := checkPrefix(window, k, depth)

		if !ctrl.CheckOrRestart(v) {
			return Absent, errRestart
		}
		if matched < len(window) || len(k)-depth < count {
			return Absent, nil
		}
		depth += count

		typ := ctrl.Type()
		keyByte := keyByteAt(k, depth)
		slot := findChild(t.mgr, typ, cur.Addr(), keyByte)

		if !ctrl.CheckOrRestart(v) {
			return Absent, errRestart
		}
		if slot == nil {
			return Absent, nil
		}

		child := *slot
		if !ctrl.CheckOrRestart(v) {
			return Absent, errRestart
		}
		if child.Dirty() {
			t.flushBlock(child.Addr())
			child = child.Clean()
		}
		if child.Empty() {
			// An unlink in flight: the slot held a dirty zero.
			return Absent, errRestart
		}

		if child.IsLeaf() {
			leaf := node.LeafAt(t.mgr, child.Addr())
			if !leaf.Matches(k) {
				return Absent, nil
			}
			return t.removeChildAt(par, parV, ctrl, v, typ, cur.Addr(), keyByte, child)
		}

		par = childPublisher(ctrl, slot)
		parV = v
		cur = child
		depth++
	}
}

// removeChildAt drops keyByte's child from addr/typ, which must
// presently hold it. Depending on how many children remain afterward,
// this is a plain in-place removal (which needs only addr's own write
// lock), a shrink to a smaller fan-out (which also write-locks the
// parent, whose slot is rewritten), a merge of the sole remaining
// internal child into the parent's slot, or, if this was the node's only
// child, unlinking the now-empty node entirely.
func (t *Tree) removeChildAt(par publisher, parV uint64, ctrl *olc.ControlWord, v uint64, typ olc.NodeType, addr nvm.Addr, keyByte byte, removedChild node.ChildPtr) (Result, error) {
	if !ctrl.LockVersionOrRestart(v) {
		return Absent, errRestart
	}

	original := count(t.mgr, typ, addr)

	if original == 1 {
		res, err := t.unlinkEmptyNode(par, parV, ctrl, addr)
		if err == nil && res == Removed {
			t.retire(removedChild.Addr())
		}
		return res, err
	}

	if original == 2 {
		if otherByte, otherPtr, ok := otherChild(t.mgr, typ, addr, keyByte); ok && !otherPtr.Empty() && !otherPtr.IsLeaf() {
			res, err := t.mergeSingleChild(par, parV, ctrl, addr, otherByte, otherPtr)
			if err == nil && res == Removed {
				t.retire(removedChild.Addr())
			}
			return res, err
		}
	}

	// The parent's slot only changes when the removal shrinks this node
	// into a smaller replacement, so take the parent lock up front in
	// that case: once removeChild has mutated the node there is no way
	// to back the removal out on a failed lock upgrade.
	shrinks := willShrink(typ, original)
	if shrinks && !par.isRoot {
		if !par.ctrl.LockVersionOrRestart(parV) {
			ctrl.Unlock()
			return Absent, errRestart
		}
	}

	newAddr, _ := removeChild(t.mgr, typ, addr, keyByte)

	if newAddr == addr {
		t.flushBlock(addr)
		if shrinks && !par.isRoot {
			par.ctrl.Unlock()
		}
		ctrl.Unlock()
		t.retire(removedChild.Addr())
		return Removed, nil
	}

	t.flushBlock(newAddr)

	if !t.publish(par, node.NewInner(addr), node.NewInner(newAddr)) {
		_ = t.mgr.Free(newAddr)
		ctrl.Unlock()
		return Absent, errRestart
	}

	ctrl.UnlockObsolete()
	if !par.isRoot {
		par.ctrl.Unlock()
	}
	t.retire(addr)
	t.retire(removedChild.Addr())
	return Removed, nil
}

// willShrink reports whether removing one child from a node of the
// given type and current count will replace it with the next smaller
// node type.
func willShrink(typ olc.NodeType, count int) bool {
	switch typ {
	case olc.TypeN16:
		return count-1 <= 3
	case olc.TypeN48:
		return count-1 <= 12
	case olc.TypeN256:
		return count-1 <= 37
	default:
		return false
	}
}

// unlinkEmptyNode handles removing a node's only child: the node itself
// becomes a dead end and is unlinked from its parent rather than left
// behind holding zero children.
func (t *Tree) unlinkEmptyNode(par publisher, parV uint64, ctrl *olc.ControlWord, addr nvm.Addr) (Result, error) {
	if !par.isRoot {
		if !par.ctrl.LockVersionOrRestart(parV) {
			ctrl.Unlock()
			return Absent, errRestart
		}
	}

	if !t.publish(par, node.NewInner(addr), 0) {
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		ctrl.Unlock()
		return Absent, errRestart
	}

	ctrl.UnlockObsolete()
	if !par.isRoot {
		par.ctrl.Unlock()
	}
	t.retire(addr)
	return Removed, nil
}

// mergeSingleChild collapses a path: addr is about to lose its
// second-to-last child, leaving only remaining (an internal node reached
// via otherByte); rather than leave addr standing with one child,
// remaining is spliced directly into addr's parent slot with addr's
// prefix, otherByte, and remaining's own prefix concatenated onto it.
func (t *Tree) mergeSingleChild(par publisher, parV uint64, ctrl *olc.ControlWord, addr nvm.Addr, otherByte byte, remaining node.ChildPtr) (Result, error) {
	childCtrl := node.CtrlAt(t.mgr, remaining.Addr())
	cv, clocked, cobsolete := childCtrl.Version()
	if clocked || cobsolete {
		ctrl.Unlock()
		return Absent, errRestart
	}

	if !par.isRoot {
		if !par.ctrl.LockVersionOrRestart(parV) {
			ctrl.Unlock()
			return Absent, errRestart
		}
	}
	if !childCtrl.LockVersionOrRestart(cv) {
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		ctrl.Unlock()
		return Absent, errRestart
	}

	hdr := node.HeaderAt(t.mgr, addr)
	childHdr := node.HeaderAt(t.mgr, remaining.Addr())

	// The merged prefix is addr's prefix, then otherByte, then the
	// child's own prefix. Its stored window needs at most the leading
	// bytes of that concatenation, all of which are available from the
	// two nodes' own windows (when addr's prefix already fills the
	// window, the merged window is exactly addr's); the tail past the
	// window is reconstructible from the child's descendants as usual.
	pc, pStored := hdr.PrefixSnapshot()
	cc, cStored := childHdr.PrefixSnapshot()

	merged := make([]byte, 0, 2*node.MaxStoredPrefixLen+1)
	merged = append(merged, storedWindow(pc, pStored)...)
	merged = append(merged, otherByte)
	merged = append(merged, storedWindow(cc, cStored)...)
	childHdr.SetPrefixParts(pc+1+cc, merged)
	t.flushBlock(remaining.Addr())

	if !t.publish(par, node.NewInner(addr), remaining) {
		childCtrl.Unlock()
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		ctrl.Unlock()
		return Absent, errRestart
	}

	childCtrl.Unlock()
	if !par.isRoot {
		par.ctrl.Unlock()
	}
	ctrl.UnlockObsolete()
	t.retire(addr)
	return Removed, nil
}

// otherChild scans addr/typ for a live child at a byte other than
// exclude, used once count==2 to find the sole sibling of the child
// about to be removed.
func otherChild(mgr *nvm.Manager, typ olc.NodeType, addr nvm.Addr, exclude byte) (byte, node.ChildPtr, bool) {
	for b := 0; b < 256; b++ {
		if byte(b) == exclude {
			continue
		}
		if slot := findChild(mgr, typ, addr, byte(b)); slot != nil {
			return byte(b), *slot, true
		}
	}
	return 0, 0, false
}
