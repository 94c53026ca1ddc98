package node

import "github.com/flier/nvart/pkg/nvm"

// ChildPtr is a tagged reference to a child node or leaf, stored inline in
// a parent node's Children array.
//
// Every node and leaf is allocated as one nvm block, which is always
// page-aligned, so bit 0 of any valid address is free; it marks a leaf
// (as opposed to an internal node). Bit 60 is free because no mapping
// this package works with reaches that high in the address space; it is
// the dirty bit of the persistence protocol: a writer sets it on a
// freshly allocated child before linking it in, and clears it only after
// the child's page has been flushed. A reader that observes a dirty
// pointer must flush the child itself before trusting its contents,
// since the writer may not have gotten there yet.
type ChildPtr uint64

const (
	leafBit  = uint64(1) << 0
	dirtyBit = uint64(1) << 60
	addrMask = ^(leafBit | dirtyBit)
)

// NewInner wraps the address of a freshly allocated internal node.
func NewInner(addr nvm.Addr) ChildPtr { return ChildPtr(uint64(addr) &^ (leafBit | dirtyBit)) }

// leafChildPtr wraps the address of a freshly allocated leaf.
func leafChildPtr(addr nvm.Addr) ChildPtr { return ChildPtr(uint64(addr)&addrMask | leafBit) }

// Empty reports whether this slot holds no child.
func (c ChildPtr) Empty() bool { return c == 0 }

// IsLeaf reports whether this pointer refers to a Leaf rather than an
// internal node.
func (c ChildPtr) IsLeaf() bool { return uint64(c)&leafBit != 0 }

// Dirty reports whether the child's page may not yet be durable.
func (c ChildPtr) Dirty() bool { return uint64(c)&dirtyBit != 0 }

// WithDirty returns a copy of c with the dirty bit set, for the moment a
// new child is linked in before its page has been flushed.
func (c ChildPtr) WithDirty() ChildPtr { return c | ChildPtr(dirtyBit) }

// Clean returns a copy of c with the dirty bit cleared, once the child's
// page is known to be durable.
func (c ChildPtr) Clean() ChildPtr { return c &^ ChildPtr(dirtyBit) }

// Addr returns the child's address, stripped of tag bits.
func (c ChildPtr) Addr() nvm.Addr { return nvm.Addr(uint64(c) & addrMask) }
