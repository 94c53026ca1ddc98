package art_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/art"
	"github.com/flier/nvart/pkg/nvm"
)

func openTree(t *testing.T) *art.Tree {
	t.Helper()
	tree, mgr, err := art.Open(nvm.Config{
		Path:       filepath.Join(t.TempDir(), "store.nvart"),
		FileSize:   4096 * 4096,
		MaxThreads: 16,
		PageSize:   4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return tree
}

func mustLookup(t *testing.T, tree *art.Tree, k []byte) uint64 {
	t.Helper()
	v, ok, err := tree.Lookup(k)
	require.NoError(t, err)
	require.True(t, ok, "expected key %q to be present", k)
	return v
}

func requireAbsent(t *testing.T, tree *art.Tree, k []byte) {
	t.Helper()
	_, ok, err := tree.Lookup(k)
	require.NoError(t, err)
	require.False(t, ok, "expected key %q to be absent", k)
}

// TestFiveKeySharedPrefixGrowsN4ToN16 inserts five keys sharing a
// 3-byte prefix, fanning out on the fourth byte, forcing the root N4 to
// grow into an N16 on the fifth insert.
func TestFiveKeySharedPrefixGrowsN4ToN16(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	keys := [][]byte{
		{1, 2, 3, 0},
		{1, 2, 3, 1},
		{1, 2, 3, 2},
		{1, 2, 3, 3},
		{1, 2, 3, 4},
	}

	for i, k := range keys {
		res, err := tree.Insert(k, uint64(i))
		require.NoError(t, err)
		require.Equal(t, art.Inserted, res)
	}

	for i, k := range keys {
		require.Equal(t, uint64(i), mustLookup(t, tree, k))
	}
}

// TestExactPrefixKeyPair covers the case where one key is a strict
// prefix of the other, so only the terminating 0-byte slot
// disambiguates them, and no key equal to "ab" exists.
func TestExactPrefixKeyPair(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	a := []byte("a")
	abc := []byte("abc")

	_, err := tree.Insert(a, 1)
	require.NoError(t, err)
	_, err = tree.Insert(abc, 2)
	require.NoError(t, err)

	require.Equal(t, uint64(1), mustLookup(t, tree, a))
	require.Equal(t, uint64(2), mustLookup(t, tree, abc))
	requireAbsent(t, tree, []byte("ab"))
}

// TestGrowThenShrinkAcrossAllFanouts drives a single node through the
// grow thresholds up to N48 (N4->N16->N48) and back down across the
// N48->N16 shrink threshold via Remove, checking every key stays
// resolvable at each stage.
func TestGrowThenShrinkAcrossAllFanouts(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	const n = 48
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte{0xAA, 0xBB, byte(i)}
	}

	for i, k := range keys {
		res, err := tree.Insert(k, uint64(i))
		require.NoError(t, err)
		require.Equal(t, art.Inserted, res)
	}

	for i, k := range keys {
		require.Equal(t, uint64(i), mustLookup(t, tree, k))
	}

	// Remove all but 11 keys, driving the N48->N16 shrink (at 12 children).
	for i := 0; i < n-11; i++ {
		res, err := tree.Remove(keys[i])
		require.NoError(t, err)
		require.Equal(t, art.Removed, res)
	}

	for i := 0; i < n-11; i++ {
		requireAbsent(t, tree, keys[i])
	}
	for i := n - 11; i < n; i++ {
		require.Equal(t, uint64(i), mustLookup(t, tree, keys[i]))
	}
}

// TestLongSharedPrefixBeyondStoredWindow uses keys sharing an 8-byte
// prefix, twice the inline prefix window, so traversal must reconstruct
// the tail from descendant leaves; a later key diverging inside that
// unstored tail forces a split at a reconstructed offset.
func TestLongSharedPrefixBeyondStoredWindow(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	shared := []byte("longpref")
	keys := make([][]byte, 6)
	for i := range keys {
		keys[i] = append(append([]byte(nil), shared...), byte(i))
	}

	for i, k := range keys {
		res, err := tree.Insert(k, uint64(i+100))
		require.NoError(t, err)
		require.Equal(t, art.Inserted, res)
	}
	for i, k := range keys {
		require.Equal(t, uint64(i+100), mustLookup(t, tree, k))
	}

	// Diverges from "longpref" at offset 6, inside the unstored tail.
	divergent := []byte("longprXY")
	res, err := tree.Insert(divergent, 7)
	require.NoError(t, err)
	require.Equal(t, art.Inserted, res)

	require.Equal(t, uint64(7), mustLookup(t, tree, divergent))
	for i, k := range keys {
		require.Equal(t, uint64(i+100), mustLookup(t, tree, k))
	}
	requireAbsent(t, tree, []byte("longprZZ"))

	res, err = tree.Remove(keys[0])
	require.NoError(t, err)
	require.Equal(t, art.Removed, res)
	requireAbsent(t, tree, keys[0])
	require.Equal(t, uint64(7), mustLookup(t, tree, divergent))
}

// TestUpdateExistingKeyReplacesValue covers the plain update path: Insert
// on an existing key returns Updated and the new value supersedes the
// old one everywhere (root-leaf case and inner-node leaf-slot case).
func TestUpdateExistingKeyReplacesValue(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	k := []byte("solo")
	res, err := tree.Insert(k, 1)
	require.NoError(t, err)
	require.Equal(t, art.Inserted, res)

	res, err = tree.Insert(k, 2)
	require.NoError(t, err)
	require.Equal(t, art.Updated, res)
	require.Equal(t, uint64(2), mustLookup(t, tree, k))

	other := []byte("pair")
	_, err = tree.Insert(other, 10)
	require.NoError(t, err)

	res, err = tree.Insert(k, 3)
	require.NoError(t, err)
	require.Equal(t, art.Updated, res)
	require.Equal(t, uint64(3), mustLookup(t, tree, k))
	require.Equal(t, uint64(10), mustLookup(t, tree, other))
}

// TestRemoveAbsentKeyIsNoop ensures Remove on a key that was never
// inserted, or already removed, reports Absent without disturbing
// other entries.
func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	_, err := tree.Insert([]byte("present"), 7)
	require.NoError(t, err)

	res, err := tree.Remove([]byte("missing"))
	require.NoError(t, err)
	require.Equal(t, art.Absent, res)

	require.Equal(t, uint64(7), mustLookup(t, tree, []byte("present")))

	res, err = tree.Remove([]byte("present"))
	require.NoError(t, err)
	require.Equal(t, art.Removed, res)

	res, err = tree.Remove([]byte("present"))
	require.NoError(t, err)
	require.Equal(t, art.Absent, res)
}

// TestLookupOnEmptyTree covers the zero-value root: no keys inserted
// yet, every Lookup must report absent rather than panicking on a nil
// dereference.
func TestLookupOnEmptyTree(t *testing.T) {
	t.Parallel()

	tree := openTree(t)
	requireAbsent(t, tree, []byte("anything"))
}

// TestConcurrentInsertDisjointPrefixes runs two goroutines inserting
// keys under disjoint first bytes: neither should contend with the
// other past the shared root, and every key from both goroutines must
// be present afterward.
func TestConcurrentInsertDisjointPrefixes(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	const perWorker = 500

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	worker := func(prefix byte) {
		defer wg.Done()
		for i := 0; i < perWorker; i++ {
			k := []byte{prefix, byte(i), byte(i >> 8)}
			if _, err := tree.Insert(k, uint64(i)); err != nil {
				errs <- err
				return
			}
		}
	}

	wg.Add(2)
	go worker(0x10)
	go worker(0x20)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for _, prefix := range []byte{0x10, 0x20} {
		for i := 0; i < perWorker; i++ {
			k := []byte{prefix, byte(i), byte(i >> 8)}
			require.Equal(t, uint64(i), mustLookup(t, tree, k))
		}
	}
}

// TestConcurrentLookupDuringInsertNeverObservesTornPointer has one
// goroutine continuously inserting fresh keys while another repeatedly
// looks up keys already known to be present; every such lookup must
// either find the key with its correct value or the operation must
// fail closed (returned ok=false), never a torn/garbage value.
func TestConcurrentLookupDuringInsertNeverObservesTornPointer(t *testing.T) {
	t.Parallel()

	tree := openTree(t)

	const stable = 64
	stableKeys := make([][]byte, stable)
	for i := 0; i < stable; i++ {
		stableKeys[i] = []byte{0xFE, byte(i)}
		_, err := tree.Insert(stableKeys[i], uint64(i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			k := []byte{0xFD, byte(i), byte(i >> 8)}
			_, err := tree.Insert(k, uint64(i))
			require.NoError(t, err)
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for i, k := range stableKeys {
				v, ok, err := tree.Lookup(k)
				require.NoError(t, err)
				if ok {
					require.Equal(t, uint64(i), v)
				}
			}
		}
	}()

	wg.Wait()

	for i, k := range stableKeys {
		require.Equal(t, uint64(i), mustLookup(t, tree, k))
	}
}

// TestReopenAfterCloseSeesDurableState discards the in-memory Tree and
// reopens the same backing file at the same base address, checking that
// flushed state survives the round trip (a clean close, not a
// mid-operation crash injection).
func TestReopenAfterCloseSeesDurableState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.nvart")

	tree, mgr, err := art.Open(nvm.Config{
		Path:       path,
		FileSize:   4096 * 512,
		MaxThreads: 4,
		PageSize:   4096,
	})
	require.NoError(t, err)

	keys := [][]byte{[]byte("durable-1"), []byte("durable-2"), []byte("durable-3")}
	for i, k := range keys {
		_, err := tree.Insert(k, uint64(i+1))
		require.NoError(t, err)
	}
	require.NoError(t, mgr.Close())

	tree2, mgr2, err := art.Open(nvm.Config{
		Path:       path,
		BaseAddr:   mgr.BaseAddr(),
		FileSize:   4096 * 512,
		MaxThreads: 4,
		PageSize:   4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr2.Close() })

	for i, k := range keys {
		require.Equal(t, uint64(i+1), mustLookup(t, tree2, k))
	}
}
