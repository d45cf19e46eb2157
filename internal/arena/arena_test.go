package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_SlabAndBuddyRouting(t *testing.T) {
	a := New(64*1024, 64*1024)

	small, err := a.Alloc(64)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(small), slabMaxObject)

	large, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.Greater(t, cap(large), slabMaxObject)

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.AllocCount)

	a.Free(small)
	a.Free(large)
	stats = a.Stats()
	assert.Equal(t, uint64(2), stats.FreeCount)
}

func TestArena_ZeroSizeGetsDistinctHandle(t *testing.T) {
	a := NewDefault()

	b1, err := a.Alloc(0)
	require.NoError(t, err)
	b2, err := a.Alloc(0)
	require.NoError(t, err)

	assert.Len(t, b1, 1)
	assert.Len(t, b2, 1)
	// Distinct handles: writing through one must not show up in the other.
	b1[0] = 0xAA
	b2[0] = 0xBB
	assert.NotEqual(t, b1[0], b2[0])
}

func TestArena_FreeNilIsNoop(t *testing.T) {
	a := NewDefault()
	assert.NotPanics(t, func() { a.Free(nil) })
	assert.Equal(t, uint64(0), a.Stats().FreeCount)
}

func TestArena_ReallocPreservesPrefix(t *testing.T) {
	a := NewDefault()

	buf, err := a.Alloc(8)
	require.NoError(t, err)
	copy(buf, []byte("abcdefgh"))

	grown, err := a.Realloc(buf, 16)
	require.NoError(t, err)
	require.Len(t, grown, 16)
	assert.Equal(t, []byte("abcdefgh"), grown[:8])
}

func TestArena_OutOfMemory(t *testing.T) {
	a := New(4096, 4096)

	// Exhaust the buddy region with one oversized request.
	_, err := a.Alloc(1 << 20)
	require.ErrorIs(t, err, ErrOutOfMemory)
}
