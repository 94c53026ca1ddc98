package olc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/olc"
)

func TestControlWordInitAndType(t *testing.T) {
	t.Parallel()

	var c olc.ControlWord
	c.Init(olc.TypeN4)

	assert.Equal(t, olc.TypeN4, c.Type())
	assert.False(t, c.IsObsolete())
}

func TestControlWordLockUnlockBumpsVersion(t *testing.T) {
	t.Parallel()

	var c olc.ControlWord
	c.Init(olc.TypeN16)

	v1, locked, obsolete := c.Version()
	require.False(t, locked)
	require.False(t, obsolete)

	require.True(t, c.LockVersionOrRestart(v1))
	// A second lock attempt must fail while the first is held.
	assert.False(t, c.LockOrRestart())

	c.Unlock()

	v2, locked, obsolete := c.Version()
	require.False(t, locked)
	require.False(t, obsolete)
	assert.NotEqual(t, v1, v2)
}

func TestControlWordCheckOrRestartDetectsConcurrentWrite(t *testing.T) {
	t.Parallel()

	var c olc.ControlWord
	c.Init(olc.TypeN48)

	v, _, _ := c.Version()

	require.True(t, c.LockOrRestart())
	c.Unlock()

	assert.False(t, c.CheckOrRestart(v), "reader must detect the intervening write")
}

func TestControlWordUnlockObsolete(t *testing.T) {
	t.Parallel()

	var c olc.ControlWord
	c.Init(olc.TypeN256)

	require.True(t, c.LockOrRestart())
	c.UnlockObsolete()

	assert.True(t, c.IsObsolete())
	assert.False(t, c.LockOrRestart(), "an obsolete node must refuse new locks")
}
