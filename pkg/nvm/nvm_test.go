package nvm_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/nvm"
)

func testConfig(t *testing.T) nvm.Config {
	t.Helper()
	return nvm.Config{
		Path:       filepath.Join(t.TempDir(), "store.nvart"),
		FileSize:   4096 * 64,
		MaxThreads: 4,
		PageSize:   4096,
	}
}

func TestOpenFreshInitializesHead(t *testing.T) {
	t.Parallel()

	m, fresh, err := nvm.Open(testConfig(t))
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, fresh)
}

func TestReopenRecoversExistingStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	m1, fresh, err := nvm.Open(cfg)
	require.NoError(t, err)
	require.True(t, fresh)

	addr, err := m1.Alloc(1)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.NoError(t, m1.Close())

	cfg.BaseAddr = 0 // letting the OS choose is fine for this reopen test
	m2, fresh, err := nvm.Open(cfg)
	require.NoError(t, err)
	defer m2.Close()

	assert.False(t, fresh)
}

func TestAllocReturnsDistinctAddresses(t *testing.T) {
	t.Parallel()

	m, _, err := nvm.Open(testConfig(t))
	require.NoError(t, err)
	defer m.Close()

	seen := make(map[nvm.Addr]bool)
	for i := 0; i < 8; i++ {
		addr, err := m.Alloc(2)
		require.NoError(t, err)
		require.False(t, seen[addr], "address %x allocated twice", addr)
		seen[addr] = true
	}
}

func TestFreeReturnsPageToFreeList(t *testing.T) {
	t.Parallel()

	m, _, err := nvm.Open(testConfig(t))
	require.NoError(t, err)
	defer m.Close()

	addr, err := m.Alloc(3)
	require.NoError(t, err)

	require.NoError(t, m.Free(addr))

	addr2, err := m.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, addr, addr2, "freed page should be reused before growing")
}

func TestAllocGrowsWhenBitmapExhausted(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.FileSize = 4096 * 8
	cfg.MaxThreads = 1

	m, _, err := nvm.Open(cfg)
	require.NoError(t, err)
	defer m.Close()

	var last nvm.Addr
	for i := 0; i < 50; i++ {
		addr, err := m.Alloc(1)
		require.NoError(t, err)
		last = addr
	}
	assert.NotZero(t, last)
}

func TestAllocThreadInfoExhaustsAtMax(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MaxThreads = 2

	m, _, err := nvm.Open(cfg)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AllocThreadInfo()
	require.NoError(t, err)
	_, err = m.AllocThreadInfo()
	require.NoError(t, err)

	_, err = m.AllocThreadInfo()
	assert.Error(t, err)
}

func TestAllocRejectsZeroBlockType(t *testing.T) {
	t.Parallel()

	m, _, err := nvm.Open(testConfig(t))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Alloc(0)
	assert.Error(t, err)
}
