package key_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/key"
)

func TestNewRejectsOverlongKey(t *testing.T) {
	t.Parallel()

	_, err := key.New(make([]byte, key.MaxLen+1), 0)
	assert.Error(t, err)

	k, err := key.New(make([]byte, key.MaxLen), 7)
	require.NoError(t, err)
	assert.EqualValues(t, key.MaxLen, k.Len)
}

func TestSliceRoundTrips(t *testing.T) {
	t.Parallel()

	k, err := key.New([]byte("radix"), 99)
	require.NoError(t, err)

	assert.Equal(t, []byte("radix"), k.Slice())
	assert.Equal(t, uint64(99), k.Value)
}

func TestAtPadsPastEndWithZero(t *testing.T) {
	t.Parallel()

	k, err := key.New([]byte{0xFF, 0x01}, 0)
	require.NoError(t, err)

	assert.Equal(t, byte(0xFF), k.At(0))
	assert.Equal(t, byte(0x01), k.At(1))
	assert.Equal(t, byte(0), k.At(2))
	assert.Equal(t, byte(0), k.At(-1))
}

func TestEqualComparesLengthAndBytes(t *testing.T) {
	t.Parallel()

	k, err := key.New([]byte("ab"), 0)
	require.NoError(t, err)

	assert.True(t, k.Equal([]byte("ab")))
	assert.False(t, k.Equal([]byte("a")))
	assert.False(t, k.Equal([]byte("abc")))
	assert.False(t, k.Equal([]byte("aB")))
}
