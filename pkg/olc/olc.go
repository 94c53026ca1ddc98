// Package olc implements the optimistic lock-coupling (ROWEX) control word
// shared by every node in the tree: a single atomically updated 64-bit word
// packing a type tag, a monotonic version counter, a lock bit, and an
// obsolete bit.
//
// Readers never block: they snapshot a version, inspect the node, and
// validate the snapshot is still current before acting on what they saw.
// Writers CAS-set the lock bit, mutate, then release by incrementing the
// version. Any reader or writer that observes a stale version, a locked
// node, or an obsolete node restarts its operation from the root.
package olc

import (
	"sync/atomic"
)

// NodeType is the 3-bit type tag stored in the top bits of the control word.
type NodeType uint8

const (
	TypeUnknown NodeType = 0
	TypeN4      NodeType = 1
	TypeN16     NodeType = 2
	TypeN48     NodeType = 3
	TypeN256    NodeType = 4
	TypeLeaf    NodeType = 5
)

// Bit layout of the 64-bit control word:
//
//	bits [63:61]  node type tag (3 bits)
//	bits [60:2]   lock version counter (59 bits, +2 per successful write)
//	bit  1        lock bit
//	bit  0        obsolete bit
const (
	obsoleteBit = uint64(1) << 0
	lockBit     = uint64(1) << 1

	versionShift = 2
	versionBits  = 59
	versionMask  = ((uint64(1) << versionBits) - 1) << versionShift

	typeShift = 61
	typeMask  = uint64(0x7) << typeShift
)

// ControlWord is the embeddable lock/version/type/obsolete word.
//
// The zero value is type TypeUnknown, version 0, unlocked, not obsolete;
// callers must call Init before the node is published to any other thread.
type ControlWord struct {
	word atomic.Uint64
}

// Init sets the node's type tag. Must be called once, before the node is
// linked into the tree, and never again.
func (c *ControlWord) Init(t NodeType) {
	c.word.Store(uint64(t) << typeShift)
}

// Type returns the node's type tag.
func (c *ControlWord) Type() NodeType {
	return NodeType((c.word.Load() & typeMask) >> typeShift)
}

// snapshot is an opaque version token returned by Version and consumed by
// CheckOrRestart / LockVersionOrRestart.
type snapshot = uint64

// Version returns the current lock version together with whether the node
// is currently locked or obsolete. Readers must not act on any field they
// observed before calling Version until they've validated with
// CheckOrRestart.
func (c *ControlWord) Version() (v snapshot, locked bool, obsolete bool) {
	word := c.word.Load()
	return word &^ (lockBit | obsoleteBit), word&lockBit != 0, word&obsoleteBit != 0
}

// CheckOrRestart reports whether the control word is unchanged since v was
// observed by Version, and the node is neither locked nor obsolete. A false
// return means the caller must restart its operation.
func (c *ControlWord) CheckOrRestart(v snapshot) bool {
	word := c.word.Load()
	if word&lockBit != 0 || word&obsoleteBit != 0 {
		return false
	}
	return (word &^ (lockBit | obsoleteBit)) == v
}

// IsObsolete reports whether the node has been logically unlinked.
func (c *ControlWord) IsObsolete() bool {
	return c.word.Load()&obsoleteBit != 0
}

// LockOrRestart attempts to acquire the writer lock unconditionally (without
// requiring a particular prior version). Returns false if the node is
// already locked or obsolete.
func (c *ControlWord) LockOrRestart() bool {
	word := c.word.Load()
	if word&lockBit != 0 || word&obsoleteBit != 0 {
		return false
	}
	return c.word.CompareAndSwap(word, word|lockBit)
}

// LockVersionOrRestart attempts to upgrade a previously observed read
// snapshot v into a writer lock: it succeeds only if the node is still at
// version v, unlocked, and not obsolete.
func (c *ControlWord) LockVersionOrRestart(v snapshot) bool {
	word := c.word.Load()
	if word&lockBit != 0 || word&obsoleteBit != 0 {
		return false
	}
	if (word &^ (lockBit | obsoleteBit)) != v {
		return false
	}
	return c.word.CompareAndSwap(word, word|lockBit)
}

// Unlock releases the writer lock and bumps the version by 2, making the
// mutation visible to subsequent readers.
func (c *ControlWord) Unlock() {
	for {
		word := c.word.Load()
		next := (word &^ lockBit) + (1 << versionShift)
		if c.word.CompareAndSwap(word, next) {
			return
		}
	}
}

// UnlockObsolete releases the writer lock, sets the obsolete bit, and bumps
// the version, all in one step. Used when a node has been unlinked from
// the tree and is being handed to the epoch reclaimer.
func (c *ControlWord) UnlockObsolete() {
	for {
		word := c.word.Load()
		next := ((word &^ lockBit) + (1 << versionShift)) | obsoleteBit
		if c.word.CompareAndSwap(word, next) {
			return
		}
	}
}
