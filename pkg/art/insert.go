package art

import (
	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/key"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// Insert adds k/value to the tree, or replaces the stored value if k is
// already present.
//
// Every step that changes which node a key routes through (a grow, a
// split, a leaf replace) locks exactly the node(s) whose pointers it
// rewrites and releases them before returning. Every lock is a
// non-blocking version-checked upgrade, so a failed one (or a version
// mismatch anywhere) aborts the whole attempt and retries from the root.
func (t *Tree) Insert(k []byte, value uint64) (Result, error) {
	kk, err := key.New(k, value)
	if err != nil {
		return Absent, err
	}

	guard := t.epoch.Enter()
	defer guard.Leave()

	for attempt := 0; attempt < maxRestarts; attempt++ {
		res, err := t.tryInsert(kk)
		if err == errRestart {
			continue
		}
		return res, err
	}

	return Absent, errTooManyRestarts
}

func (t *Tree) tryInsert(k key.Key) (Result, error) {
	kb := k.Slice()

	root := rootPtr(t.mgr)
	if root.Empty() {
		leafPtr, err := node.NewLeaf(t.mgr, k)
		if err != nil {
			return allocResult(err), err
		}
		t.flushBlock(leafPtr.Addr())

		if !casRoot(t.mgr, root, leafPtr) {
			_ = t.mgr.Free(leafPtr.Addr())
			return Absent, errRestart
		}
		t.epoch.Advance()
		return Inserted, nil
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

		if cur.IsLeaf() {
			return t.insertAtRootLeaf(cur, k, depth)
		}

		ctrl := node.CtrlAt(t.mgr, cur.Addr())
		v, locked, obsolete := ctrl.Version()
		if locked || obsolete {
			return Absent, errRestart
		}

		// Unlike Lookup's optimistic skip, Insert needs the exact offset
		// of any divergence inside the prefix to know where to split, so
		// the full prefix is materialized (reconstructing the tail past
		// the stored window from a descendant leaf when necessary).
		hdr := node.HeaderAt(t.mgr, cur.Addr())
		count, stored := hdr.PrefixSnapshot()
		prefix, err := t.fullPrefix(ctrl, v, cur.Addr(), depth, count, stored)
		if err != nil {
			return Absent, err
		}
		matched := checkPrefix(prefix, kb, depth)

		if matched < len(prefix) {
			return t.splitPrefix(par, parV, ctrl, v, hdr, prefix, matched, cur, k, depth)
		}
		depth += len(prefix)

		typ := ctrl.Type()
		keyByte := keyByteAt(kb, depth)
		slot := findChild(t.mgr, typ, cur.Addr(), keyByte)

		if !ctrl.CheckOrRestart(v) {
			return Absent, errRestart
		}

		if slot == nil {
			return t.insertIntoNode(par, parV, ctrl, v, typ, cur.Addr(), keyByte, k)
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
			return t.insertLeafConflict(ctrl, v, slot, child, k, depth)
		}

		par = childPublisher(ctrl, slot)
		parV = v
		cur = child
		depth++
	}
}

// insertAtRootLeaf handles the (rare) case where the tree's root itself
// is a leaf: either an update of that single key, or the tree's first
// split. Only the root can be reached without consuming a key byte, so
// depth is always 0 here.
func (t *Tree) insertAtRootLeaf(cur node.ChildPtr, k key.Key, depth int) (Result, error) {
	leaf := node.LeafAt(t.mgr, cur.Addr())
	if leaf.Matches(k.Slice()) {
		newLeaf, err := node.NewLeaf(t.mgr, k)
		if err != nil {
			return allocResult(err), err
		}
		t.flushBlock(newLeaf.Addr())

		if !casRoot(t.mgr, cur, newLeaf) {
			_ = t.mgr.Free(newLeaf.Addr())
			return Absent, errRestart
		}
		t.retire(cur.Addr())
		return Updated, nil
	}

	n4Addr, newLeaf, err := t.buildLeafSplit(cur, k, depth)
	if err != nil {
		return allocResult(err), err
	}
	newInner := node.NewInner(n4Addr)

	if !casRoot(t.mgr, cur, newInner) {
		_ = t.mgr.Free(n4Addr)
		_ = t.mgr.Free(newLeaf.Addr())
		return Absent, errRestart
	}
	t.epoch.Advance()
	return Inserted, nil
}

// insertIntoNode adds a brand-new leaf child to an inner node that had
// no existing child at keyByte, growing it to the next fan-out first if
// it is already full.
func (t *Tree) insertIntoNode(par publisher, parV uint64, ctrl *olc.ControlWord, v uint64, typ olc.NodeType, addr nvm.Addr, keyByte byte, k key.Key) (Result, error) {
	if !ctrl.LockVersionOrRestart(v) {
		return Absent, errRestart
	}

	leafPtr, err := node.NewLeaf(t.mgr, k)
	if err != nil {
		ctrl.Unlock()
		return allocResult(err), err
	}
	t.flushBlock(leafPtr.Addr())

	if !node.Full(typ, uint16(count(t.mgr, typ, addr))) {
		addChildInPlace(t.mgr, typ, addr, keyByte, leafPtr)
		ctrl.Unlock()
		return Inserted, nil
	}

	if !par.isRoot {
		if !par.ctrl.LockVersionOrRestart(parV) {
			ctrl.Unlock()
			_ = t.mgr.Free(leafPtr.Addr())
			return Absent, errRestart
		}
	}

	newAddr, _, err := addChild(t.mgr, typ, addr, keyByte, leafPtr)
	if err != nil {
		_ = t.mgr.Free(leafPtr.Addr())
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		ctrl.Unlock()
		return allocResult(err), err
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
	return Inserted, nil
}

// insertLeafConflict handles inserting a new leaf at a slot that
// currently holds a different leaf: either an update (same key) or a
// split into a fresh N4 holding both leaves.
func (t *Tree) insertLeafConflict(ctrl *olc.ControlWord, v uint64, slot *node.ChildPtr, child node.ChildPtr, k key.Key, depth int) (Result, error) {
	if !ctrl.LockVersionOrRestart(v) {
		return Absent, errRestart
	}

	leaf := node.LeafAt(t.mgr, child.Addr())
	if leaf.Matches(k.Slice()) {
		newLeaf, err := node.NewLeaf(t.mgr, k)
		if err != nil {
			ctrl.Unlock()
			return allocResult(err), err
		}
		t.flushBlock(newLeaf.Addr())

		t.linkChild(slot, newLeaf)
		ctrl.Unlock()
		t.retire(child.Addr())
		return Updated, nil
	}

	n4Addr, _, err := t.buildLeafSplit(child, k, depth+1)
	if err != nil {
		ctrl.Unlock()
		return allocResult(err), err
	}

	t.linkChild(slot, node.NewInner(n4Addr))
	ctrl.Unlock()
	return Inserted, nil
}

// buildLeafSplit allocates a new N4 that branches between existingPtr
// (the leaf currently occupying a slot) and a fresh leaf for k. The new
// node carries the bytes the two keys share starting at start (the first
// key position not already consumed on the path to the slot) and
// branches on the first byte where they diverge.
func (t *Tree) buildLeafSplit(existingPtr node.ChildPtr, k key.Key, start int) (nvm.Addr, node.ChildPtr, error) {
	existing := node.LeafAt(t.mgr, existingPtr.Addr())
	a := existing.Key.Slice()
	b := k.Slice()

	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	i := start
	if i > limit {
		i = limit
	}
	for i < limit && a[i] == b[i] {
		i++
	}
	prefixStart := start
	if prefixStart > i {
		prefixStart = i
	}

	n4Addr, err := node.NewN4(t.mgr)
	if err != nil {
		return 0, 0, err
	}
	n4 := node.N4At(t.mgr, n4Addr)
	n4.SetPrefix(a[prefixStart:i])

	newLeafPtr, err := node.NewLeaf(t.mgr, k)
	if err != nil {
		_ = t.mgr.Free(n4Addr)
		return 0, 0, err
	}
	t.flushBlock(newLeafPtr.Addr())

	existingByte := keyByteAt(a, i)
	newByte := keyByteAt(b, i)

	// existingByte == newByte only if a and b are identical (already
	// ruled out by the caller) or both keys terminate at exactly i and a
	// literal 0 byte happens to sit there in one of them, the known
	// ambiguity documented in prefix.go's keyByteAt.
	n4.AddChild(existingByte, existingPtr)
	n4.AddChild(newByte, newLeafPtr)
	t.flushBlock(n4Addr)

	return n4Addr, newLeafPtr, nil
}

// splitPrefix handles a partial prefix match on cur: a new N4 is spliced
// in above cur, carrying the matched portion of cur's old prefix, with
// two children -- cur itself (its prefix shortened past the mismatch
// byte) and a fresh leaf for k.
func (t *Tree) splitPrefix(par publisher, parV uint64, ctrl *olc.ControlWord, v uint64, hdr *node.Header, oldPrefix []byte, matched int, cur node.ChildPtr, k key.Key, depth int) (Result, error) {
	if !par.isRoot {
		if !par.ctrl.LockVersionOrRestart(parV) {
			return Absent, errRestart
		}
	}
	if !ctrl.LockVersionOrRestart(v) {
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		return Absent, errRestart
	}

	n4Addr, err := node.NewN4(t.mgr)
	if err != nil {
		ctrl.Unlock()
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		return allocResult(err), err
	}
	n4 := node.N4At(t.mgr, n4Addr)
	n4.SetPrefix(oldPrefix[:matched])

	newLeafPtr, err := node.NewLeaf(t.mgr, k)
	if err != nil {
		_ = t.mgr.Free(n4Addr)
		ctrl.Unlock()
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		return allocResult(err), err
	}
	t.flushBlock(newLeafPtr.Addr())

	n4.AddChild(oldPrefix[matched], cur)
	n4.AddChild(keyByteAt(k.Slice(), depth+matched), newLeafPtr)
	t.flushBlock(n4Addr)

	ok := t.publish(par, cur, node.NewInner(n4Addr))
	if !ok {
		_ = t.mgr.Free(n4Addr)
		_ = t.mgr.Free(newLeafPtr.Addr())
		ctrl.Unlock()
		if !par.isRoot {
			par.ctrl.Unlock()
		}
		return Absent, errRestart
	}

	hdr.SetPrefix(oldPrefix[matched+1:])
	t.flushBlock(cur.Addr())

	ctrl.Unlock()
	if !par.isRoot {
		par.ctrl.Unlock()
	}
	t.epoch.Advance()
	return Inserted, nil
}
