// Package key defines the fixed-layout key/value pair stored by the tree.
//
// Keys are opaque byte strings of at most MaxLen bytes, inlined into the
// Key struct rather than heap-allocated, so that a Key can be copied into
// NVM-backed leaves without chasing a separate pointer.
package key

import "fmt"

// MaxLen is the longest key this tree supports. The prefix-compression
// scheme in pkg/art anticipates longer keys (it already reconstructs
// prefixes from descendant leaves), but Leaf inlines its key bytes and
// that inline array is fixed at MaxLen.
const MaxLen = 16

// Key is an inline byte string of at most MaxLen bytes plus its value.
type Key struct {
	Len   uint8
	Bytes [MaxLen]byte
	Value uint64
}

// New builds a Key from a byte slice and a value.
//
// Returns an error if b is longer than MaxLen; it never truncates.
func New(b []byte, value uint64) (Key, error) {
	if len(b) > MaxLen {
		return Key{}, fmt.Errorf("key: length %d exceeds max %d", len(b), MaxLen)
	}

	var k Key
	k.Len = uint8(len(b))
	copy(k.Bytes[:], b)
	k.Value = value

	return k, nil
}

// Slice returns the valid key bytes.
func (k Key) Slice() []byte {
	return k.Bytes[:k.Len]
}

// At returns the byte at position i, or 0 if i is past the key's length.
//
// Tree traversal uses this instead of bounds-checking every access: a
// key that terminates at a given node is treated as if padded with a
// byte value of 0, so it routes through that node's 0 slot.
func (k Key) At(i int) byte {
	if i < 0 || i >= int(k.Len) {
		return 0
	}
	return k.Bytes[i]
}

// Equal reports whether k and other have the same length and bytes.
// The value is not compared.
func (k Key) Equal(other []byte) bool {
	return k.Len == uint8(len(other)) && string(k.Bytes[:k.Len]) == string(other)
}
