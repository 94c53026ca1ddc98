// Package epoch provides epoch-based memory reclamation for the tree's
// lock-coupled readers.
//
// Readers never take locks, so a writer that unlinks a node cannot know
// whether some reader still holds a pointer to it. The epoch manager
// defers freeing an unlinked node until every reader that was active when
// the node was retired has left — at that point no one still references
// it, and it is safe to return the node's page to the NVM allocator.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"
)

// Releaser frees a single retired node's backing storage. Implementations
// typically close over an *nvm.Manager and hand the node's block back to
// the free list.
type Releaser func()

// Manager tracks active readers and retired nodes.
//
// Readers are keyed by goroutine identity (github.com/timandy/routine)
// rather than a hand-rolled reader-id counter, one entry per goroutine.
// Re-entry is not detected: a second Enter on a goroutine that has not
// left replaces its entry, and whichever of its guards leaves first
// removes it.
type Manager struct {
	globalEpoch uint64

	readers sync.Map // goroutine id (uint64) -> *readerState

	retiredMu sync.Mutex
	retired   map[uint64][]Releaser
}

type readerState struct {
	epoch  uint64
	active int32
}

// NewManager creates an epoch manager with the global epoch starting at 1,
// so that 0 can mean "no epoch observed yet".
func NewManager() *Manager {
	return &Manager{
		globalEpoch: 1,
		retired:     make(map[uint64][]Releaser),
	}
}

// Guard represents an active reader's participation in the current epoch.
type Guard struct {
	mgr   *Manager
	goid  uint64
	state *readerState
}

// Enter begins a read-only traversal, pinning the current epoch so that
// any node visible now cannot be reclaimed until this guard leaves.
func (m *Manager) Enter() *Guard {
	goid := routine.Goid()

	state := &readerState{
		epoch:  atomic.LoadUint64(&m.globalEpoch),
		active: 1,
	}
	m.readers.Store(goid, state)

	return &Guard{mgr: m, goid: goid, state: state}
}

// Leave ends the reader's participation, allowing the epoch to advance past
// whatever it observed.
func (g *Guard) Leave() {
	if g == nil || g.state == nil {
		return
	}
	atomic.StoreInt32(&g.state.active, 0)
	g.mgr.readers.Delete(g.goid)
}

// Advance increments the global epoch. Called by writers after a mutation
// has been made visible (after Unlock/UnlockObsolete), so that readers
// entering afterward are known to postdate the change.
func (m *Manager) Advance() uint64 {
	return atomic.AddUint64(&m.globalEpoch, 1)
}

// Retire schedules release for when it becomes safe — i.e. once no active
// reader could still be observing the epoch this node was unlinked in.
func (m *Manager) Retire(release Releaser) {
	if release == nil {
		return
	}

	epoch := atomic.LoadUint64(&m.globalEpoch)

	m.retiredMu.Lock()
	m.retired[epoch] = append(m.retired[epoch], release)
	m.retiredMu.Unlock()
}

// TryReclaim releases every retired node whose retirement epoch is strictly
// older than the oldest epoch any active reader currently holds. Returns
// the number of nodes released.
func (m *Manager) TryReclaim() int {
	minEpoch := m.minActiveEpoch()

	m.retiredMu.Lock()
	defer m.retiredMu.Unlock()

	released := 0
	for e, releases := range m.retired {
		if e < minEpoch {
			for _, release := range releases {
				release()
			}
			released += len(releases)
			delete(m.retired, e)
		}
	}

	return released
}

func (m *Manager) minActiveEpoch() uint64 {
	min := atomic.LoadUint64(&m.globalEpoch)

	m.readers.Range(func(_, v any) bool {
		state := v.(*readerState)
		if atomic.LoadInt32(&state.active) == 1 && state.epoch < min {
			min = state.epoch
		}
		return true
	})

	return min
}

// PendingCount returns how many retired nodes are still waiting to be
// reclaimed.
func (m *Manager) PendingCount() int {
	m.retiredMu.Lock()
	defer m.retiredMu.Unlock()

	n := 0
	for _, releases := range m.retired {
		n += len(releases)
	}
	return n
}

// ActiveReaderCount returns the number of readers currently inside a guard.
func (m *Manager) ActiveReaderCount() int {
	n := 0
	m.readers.Range(func(_, v any) bool {
		if atomic.LoadInt32(&v.(*readerState).active) == 1 {
			n++
		}
		return true
	})
	return n
}
