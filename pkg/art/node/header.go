// Package node implements the on-NVM node layouts for the tree: the
// header every node shares, and the four adaptive fan-out shapes
// (N4/N16/N48/N256) plus the leaf, following the layout progression of
// Leis et al., "The Adaptive Radix Tree" (ICDE 2013).
//
// Nodes live at fixed addresses inside an nvm.Manager's mapping rather
// than behind Go pointers: an address is reinterpreted as a typed node
// struct only after its control word's type tag has been read. Every
// node embeds an olc.ControlWord for lock-coupling, so there is no
// tree-wide mutex anywhere in this package.
package node

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/nvart/pkg/nvm"
	"github.com/flier/nvart/pkg/olc"
)

// MaxStoredPrefixLen bounds the prefix bytes materialized inside the
// node itself. A prefix longer than this stores only its first four
// bytes; the remainder is reconstructed from any descendant leaf, every
// key below the node sharing the full prefix by construction.
const MaxStoredPrefixLen = 4

// Header is embedded at the start of every node type (not the leaf,
// which carries its own lock around the key/value it stores).
type Header struct {
	Ctrl olc.ControlWord

	// prefix packs the total prefix length (low 32 bits) together with
	// up to MaxStoredPrefixLen inline prefix bytes (high 32 bits) into
	// one word, read and written only as a whole: lock-free readers must
	// never observe a torn prefix, and a separate length field plus byte
	// array cannot be updated in a single atomic op.
	prefix atomic.Uint64

	// Count is the number of populated child slots. A uint16 because
	// Node256 can hold all 256 possible byte values, one past what a
	// uint8 can count.
	Count uint16
}

// PrefixSnapshot returns the total prefix length together with the
// inline prefix bytes, of which only the first min(count,
// MaxStoredPrefixLen) are meaningful. One atomic load; the two parts are
// always mutually consistent, though the caller still validates its
// version snapshot before acting on them.
func (h *Header) PrefixSnapshot() (count int, stored [MaxStoredPrefixLen]byte) {
	w := h.prefix.Load()
	count = int(uint32(w))
	for i := range stored {
		stored[i] = byte(w >> (32 + 8*i))
	}
	return count, stored
}

// copyPrefixFrom copies prefix and count from src, deliberately leaving
// Ctrl untouched: ControlWord embeds a sync/atomic value and must never
// be copied by struct assignment, only initialized fresh via Init.
func (h *Header) copyPrefixFrom(src *Header) {
	h.prefix.Store(src.prefix.Load())
	h.Count = src.Count
}

// SetPrefix replaces the node's prefix with p, inlining its first
// MaxStoredPrefixLen bytes. Callers hold the node's write lock.
func (h *Header) SetPrefix(p []byte) {
	h.SetPrefixParts(len(p), p)
}

// SetPrefixParts installs a prefix of total length count whose leading
// bytes are given by stored (bytes past the inline window are ignored).
// A single atomic store, so a concurrent lock-free reader sees either
// the old or the new prefix, never a mixture.
func (h *Header) SetPrefixParts(count int, stored []byte) {
	w := uint64(uint32(count))
	n := len(stored)
	if n > MaxStoredPrefixLen {
		n = MaxStoredPrefixLen
	}
	if n > count {
		n = count
	}
	for i := 0; i < n; i++ {
		w |= uint64(stored[i]) << (32 + 8*i)
	}
	h.prefix.Store(w)
}

var headerSize = int(unsafe.Sizeof(Header{}))

// HeaderAt reinterprets the Header embedded at the front of any of
// N4/N16/N48/N256 at addr. Only valid once the caller has already
// established (via CtrlAt) that addr holds one of those four types, not
// a Leaf.
func HeaderAt(mgr *nvm.Manager, addr nvm.Addr) *Header {
	b := mgr.At(addr, headerSize)
	return (*Header)(unsafe.Pointer(&b[0]))
}

// CtrlAt reinterprets the first 8 bytes at addr as a *olc.ControlWord.
// Every node and leaf type places its control word first, so the type
// tag can always be read this way without knowing which concrete struct
// the address holds yet — the tree reads it to decide which struct to
// reinterpret the rest of the block as.
func CtrlAt(mgr *nvm.Manager, addr nvm.Addr) *olc.ControlWord {
	b := mgr.At(addr, 8)
	return (*olc.ControlWord)(unsafe.Pointer(&b[0]))
}

// Full reports whether this node type's Count has reached capacity for
// the given type tag.
func Full(t olc.NodeType, count uint16) bool {
	switch t {
	case olc.TypeN4:
		return count == 4
	case olc.TypeN16:
		return count == 16
	case olc.TypeN48:
		return count == 48
	case olc.TypeN256:
		return count == 256
	default:
		return true
	}
}
