package node_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/art/node"
	"github.com/flier/nvart/pkg/key"
	"github.com/flier/nvart/pkg/nvm"
)

func openStore(t *testing.T) *nvm.Manager {
	t.Helper()
	m, _, err := nvm.Open(nvm.Config{
		Path:       filepath.Join(t.TempDir(), "store.nvart"),
		FileSize:   4096 * 512,
		MaxThreads: 4,
		PageSize:   4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestN4AddFindRemoveKeepsSortedOrder(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	addr, err := node.NewN4(mgr)
	require.NoError(t, err)
	n := node.N4At(mgr, addr)

	n.AddChild(10, node.NewInner(4096))
	n.AddChild(5, node.NewInner(8192))
	n.AddChild(20, node.NewInner(12288))

	require.Equal(t, []byte{5, 10, 20}, n.Keys[:n.Count])

	c := n.FindChild(10)
	require.NotNil(t, c)
	require.Equal(t, nvm.Addr(4096), c.Addr())

	require.Nil(t, n.FindChild(99))

	n.RemoveChild(10)
	require.Equal(t, []byte{5, 20}, n.Keys[:n.Count])
}

func TestN4MinimumMaximum(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	addr, err := node.NewN4(mgr)
	require.NoError(t, err)
	n := node.N4At(mgr, addr)

	n.AddChild(10, node.NewInner(4096))
	n.AddChild(5, node.NewInner(8192))
	n.AddChild(20, node.NewInner(12288))

	require.Equal(t, nvm.Addr(8192), n.Minimum().Addr())
	require.Equal(t, nvm.Addr(12288), n.Maximum().Addr())
}

func TestN4GrowsToN16WithChildrenPreserved(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	addr, err := node.NewN4(mgr)
	require.NoError(t, err)
	n := node.N4At(mgr, addr)
	n.AddChild(1, node.NewInner(4096))
	n.AddChild(2, node.NewInner(8192))

	n16addr, err := n.GrowTo(mgr)
	require.NoError(t, err)

	n16 := node.N16At(mgr, n16addr)
	require.EqualValues(t, 2, n16.Count)
	require.NotNil(t, n16.FindChild(1))
	require.NotNil(t, n16.FindChild(2))
}

func TestN48EmptyMarkerDistinguishesSlotZero(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	addr, err := node.NewN48(mgr)
	require.NoError(t, err)
	n := node.N48At(mgr, addr)

	require.Nil(t, n.FindChild(0), "fresh N48 must report byte 0 as absent")

	n.AddChild(0, node.NewInner(4096))
	c := n.FindChild(0)
	require.NotNil(t, c)
	require.Equal(t, nvm.Addr(4096), c.Addr())

	n.RemoveChild(0)
	require.Nil(t, n.FindChild(0))
}

func TestN48GrowsToN256(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	addr, err := node.NewN48(mgr)
	require.NoError(t, err)
	n := node.N48At(mgr, addr)
	for i := 0; i < 48; i++ {
		n.AddChild(byte(i), node.NewInner(nvm.Addr(4096*(i+1))))
	}

	n256addr, err := n.GrowTo(mgr)
	require.NoError(t, err)
	n256 := node.N256At(mgr, n256addr)
	require.EqualValues(t, 48, n256.Count)
	for i := 0; i < 48; i++ {
		c := n256.FindChild(byte(i))
		require.NotNil(t, c)
		require.Equal(t, nvm.Addr(4096*(i+1)), c.Addr())
	}
}

func TestN256ShrinksToN48(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	addr, err := node.NewN256(mgr)
	require.NoError(t, err)
	n := node.N256At(mgr, addr)
	n.AddChild(7, node.NewInner(4096))
	n.AddChild(200, node.NewInner(8192))

	n48addr, err := n.ShrinkTo(mgr)
	require.NoError(t, err)
	n48 := node.N48At(mgr, n48addr)
	require.EqualValues(t, 2, n48.Count)
	require.NotNil(t, n48.FindChild(7))
	require.NotNil(t, n48.FindChild(200))
}

func TestLeafStoresKeyAndMatches(t *testing.T) {
	t.Parallel()

	mgr := openStore(t)
	k, err := key.New([]byte("hello"), 42)
	require.NoError(t, err)

	ptr, err := node.NewLeaf(mgr, k)
	require.NoError(t, err)
	require.True(t, ptr.IsLeaf())

	l := node.LeafAt(mgr, ptr.Addr())
	require.True(t, l.Matches([]byte("hello")))
	require.False(t, l.Matches([]byte("other")))
	require.Equal(t, uint64(42), l.Key.Value)
}

func TestChildPtrDirtyBitRoundTrips(t *testing.T) {
	t.Parallel()

	p := node.NewInner(nvm.Addr(8192))
	require.False(t, p.Dirty())

	dirty := p.WithDirty()
	require.True(t, dirty.Dirty())
	require.Equal(t, nvm.Addr(8192), dirty.Addr())

	clean := dirty.Clean()
	require.False(t, clean.Dirty())
	require.Equal(t, p, clean)
}
