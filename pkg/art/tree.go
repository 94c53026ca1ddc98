// Package art implements a persistent, concurrent Adaptive Radix Tree:
// a lock-coupled (ROWEX) index over <=16-byte keys storing one uint64
// value each, backed by pkg/nvm for node storage and pkg/epoch for safe
// reclamation of unlinked nodes.
//
// The structure follows Leis et al., "The Adaptive Radix Tree" (ICDE
// 2013); the concurrency protocol follows the optimistic lock coupling
// of "The ART of Practical Synchronization" (DaMoN 2016). Every mutation
// locks exactly the node(s) whose child pointer or prefix it is about to
// change, never the whole tree, and any reader or writer that observes a
// stale version restarts its operation from the root.
package art

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/epoch"
	"github.com/flier/nvart/pkg/key"
	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// errRestart signals that a lock/version check failed and the caller
// must restart its operation from the root. It never escapes the
// exported API.
var errRestart = errors.New("art: restart")

// errTooManyRestarts surfaces when a workload is contended enough that an
// operation could not make progress within maxRestarts attempts.
var errTooManyRestarts = errors.New("art: exceeded max restarts")

// maxRestarts bounds retries so a pathologically contended workload
// returns an error instead of spinning forever.
const maxRestarts = 1 << 20

func errKeyTooLong(n int) error {
	return fmt.Errorf("art: key length %d exceeds max %d", n, key.MaxLen)
}

// allocResult maps an allocation failure to the outcome callers see:
// allocator exhaustion is a distinct result (the tree is untouched),
// anything else reports as Absent alongside the error.
func allocResult(err error) Result {
	if errors.Is(err, nvm.ErrOutOfSpace) {
		return OutOfSpace
	}
	return Absent
}

// Tree is the top-level handle. It is safe for concurrent use by
// multiple goroutines.
type Tree struct {
	mgr   *nvm.Manager
	epoch *epoch.Manager
}

// New wraps an already-open nvm.Manager and epoch.Manager into a Tree.
// Most callers want Open instead.
func New(mgr *nvm.Manager, epochMgr *epoch.Manager) *Tree {
	return &Tree{mgr: mgr, epoch: epochMgr}
}

// Open opens (or creates) an nvm-backed store at cfg and returns a Tree
// over it, along with the underlying nvm.Manager so the caller can Close
// it when done.
func Open(cfg nvm.Config) (*Tree, *nvm.Manager, error) {
	mgr, _, err := nvm.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return New(mgr, epoch.NewManager()), mgr, nil
}

func rootPtr(mgr *nvm.Manager) node.ChildPtr {
	return node.ChildPtr(uint64(mgr.Root()))
}

func casRoot(mgr *nvm.Manager, old, updated node.ChildPtr) bool {
	return mgr.CompareAndSwapRoot(nvm.Addr(uint64(old)), nvm.Addr(uint64(updated)))
}

// linkChild publishes value into *slot, which lives inside the parent's
// mapped block. Write ordering for a fresh child: store the pointer with
// the dirty bit set, flush the pointer word, then clear the dirty bit
// and flush again. A reader that observes the pointer between those two
// flushes knows (via ChildPtr.Dirty) to flush the child itself before
// trusting its contents.
func (t *Tree) linkChild(slot *node.ChildPtr, value node.ChildPtr) {
	addr := nvm.Addr(uintptr(unsafe.Pointer(slot)))

	*slot = value.WithDirty()
	_ = t.mgr.FlushRange(addr, int(unsafe.Sizeof(node.ChildPtr(0))))

	*slot = value.Clean()
	_ = t.mgr.FlushRange(addr, int(unsafe.Sizeof(node.ChildPtr(0))))
}

// retire hands addr back to the allocator once no reader active at the
// time of unlinking could still be traversing it.
func (t *Tree) retire(addr nvm.Addr) {
	t.epoch.Retire(func() {
		_ = t.mgr.Free(addr)
	})
	t.epoch.Advance()
	t.epoch.TryReclaim()
}

// flushBlock persists the entire allocation unit at addr. Every node and
// leaf occupies exactly one nvm block, so a single page-granularity flush
// (see nvm.Manager.FlushRange) always covers it, whatever its concrete
// type turns out to be.
func (t *Tree) flushBlock(addr nvm.Addr) {
	_ = t.mgr.FlushRange(addr, t.mgr.PageSize())
}

// publisher abstracts over the one place a child pointer can be
// installed from: either the tree's root (a lock-free CAS on
// nvm.Manager's root field, since there is no parent node to lock) or an
// ordinary parent node's child slot (installed under that parent's
// write lock via linkChild's dirty-bit handshake). Every mutation that
// changes which node a key routes through goes through one of these two
// paths, never a bare pointer store.
type publisher struct {
	isRoot bool
	ctrl   *olc.ControlWord // nil when isRoot
	slot   *node.ChildPtr   // nil when isRoot
}

func rootPublisher() publisher { return publisher{isRoot: true} }

func childPublisher(ctrl *olc.ControlWord, slot *node.ChildPtr) publisher {
	return publisher{ctrl: ctrl, slot: slot}
}

// publish installs updated in place of old. For the root, this is a bare
// CAS (false means someone else changed the root first, caller must
// restart); for an ordinary parent, the caller must already hold the
// parent's write lock, and this always succeeds.
func (t *Tree) publish(p publisher, old, updated node.ChildPtr) bool {
	if p.isRoot {
		return casRoot(t.mgr, old, updated)
	}
	t.linkChild(p.slot, updated)
	return true
}
