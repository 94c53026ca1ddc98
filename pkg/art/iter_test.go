package art_test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestChildrenEnumeratesInByteOrder inserts three keys fanning out on
// the second byte under a shared first byte, then checks Children
// yields exactly those fan-out bytes, ascending, honoring [lo, hi].
func TestChildrenEnumeratesInByteOrder(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	for _, b := range []byte{9, 5, 1} {
		_, err := tree.Insert([]byte{0x42, b}, uint64(b))
		require.NoError(t, err)
	}

	var got []byte
	for b := range tree.Children([]byte{0x42}, 0, 255) {
		got = append(got, b)
	}
	require.Equal(t, []byte{1, 5, 9}, got)

	got = got[:0]
	for b := range tree.Children([]byte{0x42}, 2, 8) {
		got = append(got, b)
	}
	require.Equal(t, []byte{5}, got)
}

// TestChildrenOnMissingPrefixYieldsNothing checks that a prefix routing
// to no node enumerates zero entries rather than erroring.
func TestChildrenOnMissingPrefixYieldsNothing(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	_, err := tree.Insert([]byte{1, 2, 3}, 7)
	require.NoError(t, err)

	count := 0
	for range tree.Children([]byte{0xEE}, 0, 255) {
		count++
	}
	require.Zero(t, count)
}
