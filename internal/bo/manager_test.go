package bo

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/drm/sim"
)

func newTestManager(t *testing.T, config CacheConfig) (*Manager, *sim.Kernel) {
	t.Helper()
	k := sim.New()
	m := NewManager(k, config)
	t.Cleanup(func() {
		m.Close()
		_ = k.Close()
	})
	return m, k
}

func TestManagerAllocAligns(t *testing.T) {
	m, _ := newTestManager(t, CacheConfig{})

	b, err := m.Alloc(100, "test", false)
	require.NoError(t, err)
	assert.Equal(t, uint32(PageSize), b.Size)
	assert.Equal(t, "test", b.Name)
	assert.NotZero(t, b.Offset)
	assert.True(t, m.IsLive(b))

	require.NoError(t, m.Map(b, 0))
	require.Len(t, b.Map, PageSize)
	mapped := b.Map
	require.NoError(t, m.Map(b, 16))
	assert.Equal(t, &mapped[0], &b.Map[0], "second Map is a no-op")
}

func TestManagerDoubleFree(t *testing.T) {
	m, _ := newTestManager(t, CacheConfig{Disabled: true})

	b, err := m.Alloc(PageSize, "x", false)
	require.NoError(t, err)
	require.NoError(t, m.Free(b))

	err = m.Free(b)
	assert.True(t, errors.Is(err, ErrDoubleFree))
	assert.Equal(t, uint64(1), m.Stats().Frees)
}

func TestManagerRecyclesPrivateBlocks(t *testing.T) {
	m, k := newTestManager(t, CacheConfig{})

	a, err := m.Alloc(8192, "CL", true)
	require.NoError(t, err)
	handle := a.Handle
	require.NoError(t, m.Free(a))
	assert.Equal(t, 1, k.LiveBOs(), "cached block stays allocated")

	b, err := m.Alloc(8000, "tile_alloc", true)
	require.NoError(t, err)
	assert.Equal(t, handle, b.Handle)
	assert.Equal(t, "tile_alloc", b.Name)

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Allocs)
	assert.Equal(t, uint64(1), s.Cache.Hits)

	// Public blocks are never cached.
	p, err := m.Alloc(PageSize, "buffer", false)
	require.NoError(t, err)
	require.NoError(t, m.Free(p))
	assert.Equal(t, 1, k.LiveBOs())
}

func TestManagerSkipsBusyCachedBlock(t *testing.T) {
	m, k := newTestManager(t, CacheConfig{})

	a, err := m.Alloc(PageSize, "CL", true)
	require.NoError(t, err)

	k.Pause()
	require.NoError(t, k.SubmitCL(&drm.SubmitCL{BOHandles: []uint32{a.Handle}}))
	require.NoError(t, m.Free(a))

	b, err := m.Alloc(PageSize, "CL", true)
	require.NoError(t, err)
	assert.NotEqual(t, a.Handle, b.Handle, "busy block must not be reused")

	k.Resume()
	assert.True(t, m.Wait(b, time.Second))
}

func TestManagerCloseFlushesCache(t *testing.T) {
	m, k := newTestManager(t, CacheConfig{})

	a, err := m.Alloc(PageSize, "CL", true)
	require.NoError(t, err)
	live, err := m.Alloc(PageSize, "CL", true)
	require.NoError(t, err)
	require.NoError(t, m.Free(a))

	m.Close()
	assert.Equal(t, 1, k.LiveBOs())

	// After Close frees bypass the cache.
	require.NoError(t, m.Free(live))
	assert.Equal(t, 0, k.LiveBOs())

	_, err = m.Alloc(PageSize, "late", false)
	assert.True(t, errors.Is(err, ErrManagerClosed))
}

func TestManagerOutOfMemoryKeepsCause(t *testing.T) {
	k := sim.New()
	m := NewManager(k, CacheConfig{})
	require.NoError(t, k.Close())

	_, err := m.Alloc(PageSize, "oom", false)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.True(t, errors.Is(err, drm.ErrClosed))
	// testify matches with the standard library errors.Is.
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.ErrorIs(t, err, drm.ErrClosed)
}
