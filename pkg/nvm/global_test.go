package nvm_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/nvm"
)

// Not parallel: the default manager is process-wide state.
func TestDefaultManagerLifecycle(t *testing.T) {
	cfg := nvm.Config{
		Path:       filepath.Join(t.TempDir(), "store.nvart"),
		FileSize:   4096 * 64,
		MaxThreads: 4,
		PageSize:   4096,
	}

	fresh, err := nvm.Init(cfg)
	require.NoError(t, err)
	assert.True(t, fresh)

	_, err = nvm.Init(cfg)
	assert.ErrorIs(t, err, nvm.ErrAlreadyInitialized)

	m := nvm.Get()
	require.NotNil(t, m)

	addr, err := m.Alloc(1)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	require.NoError(t, nvm.CloseDefault())
	require.NoError(t, nvm.CloseDefault(), "second close is a no-op")

	assert.Panics(t, func() { nvm.Get() })
}
