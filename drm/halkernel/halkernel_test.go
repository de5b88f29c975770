//go:build !nogpu

package halkernel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/v3dv"
	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/drm/halkernel"
)

func openNoop(t *testing.T) *halkernel.Kernel {
	t.Helper()
	k, err := halkernel.OpenNoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestBOLifecycle(t *testing.T) {
	k := openNoop(t)

	h, addr, err := k.CreateBO(100)
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.NotZero(t, addr)

	h2, addr2, err := k.CreateBO(4096)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, addr2, addr+4096, "BOs do not overlap")

	m, err := k.MmapBO(h, 100)
	require.NoError(t, err)
	assert.Len(t, m, 100)
	_, err = k.MmapBO(h, 1<<20)
	assert.Error(t, err)

	assert.NoError(t, k.WaitBO(h, 0), "an unused BO is idle")
	require.NoError(t, k.FreeBO(h))
	require.NoError(t, k.FreeBO(h2))
	assert.ErrorIs(t, k.FreeBO(h), drm.ErrNoSuchHandle)
}

func TestSubmitSignalsTimeline(t *testing.T) {
	k := openNoop(t)
	bo, _, err := k.CreateBO(4096)
	require.NoError(t, err)
	out, err := k.SyncobjCreate(false)
	require.NoError(t, err)

	err = k.SyncobjWait([]uint32{out}, time.Now().Add(10*time.Millisecond), true)
	assert.ErrorIs(t, err, drm.ErrTimeout)

	require.NoError(t, k.SubmitCL(&drm.SubmitCL{BOHandles: []uint32{bo}, OutSync: out}))
	require.NoError(t, k.SyncobjWait([]uint32{out}, drm.Forever, true))
	require.NoError(t, k.SubmitCSD(&drm.SubmitCSD{BOHandles: []uint32{bo}, InSync: out, OutSync: out}))
	require.NoError(t, k.SyncobjWait([]uint32{out}, drm.Forever, true))
	assert.NoError(t, k.WaitBO(bo, -1))
	assert.Equal(t, uint64(2), k.Submits())
}

func TestSubmitValidatesHandles(t *testing.T) {
	k := openNoop(t)
	empty, err := k.SyncobjCreate(false)
	require.NoError(t, err)

	assert.ErrorIs(t, k.SubmitCL(&drm.SubmitCL{BOHandles: []uint32{99}}), drm.ErrNoSuchHandle)
	assert.ErrorIs(t, k.SubmitCSD(&drm.SubmitCSD{InSync: 99}), drm.ErrNoSuchHandle)
	assert.ErrorIs(t, k.SubmitCSD(&drm.SubmitCSD{InSync: empty}), drm.ErrNoFence)
	assert.Zero(t, k.Submits())
}

func TestTFUCopiesBetweenBOs(t *testing.T) {
	k := openNoop(t)
	src, srcAddr, err := k.CreateBO(4096)
	require.NoError(t, err)
	dst, dstAddr, err := k.CreateBO(4096)
	require.NoError(t, err)

	in, err := k.MmapBO(src, 4096)
	require.NoError(t, err)
	for i := range in {
		in[i] = byte(i)
	}
	done, err := k.SyncobjCreate(false)
	require.NoError(t, err)

	// 4 rows of 8 texels of 4 bytes.
	require.NoError(t, k.SubmitTFU(&drm.SubmitTFU{
		ICfg: 4, IIA: srcAddr, IIS: 8, IOA: dstAddr, IOS: 4<<16 | 8,
		BOHandles: [4]uint32{dst, src}, OutSync: done,
	}))
	require.NoError(t, k.SyncobjWait([]uint32{done}, drm.Forever, true))

	out, err := k.MmapBO(dst, 4096)
	require.NoError(t, err)
	assert.Equal(t, in[:128], out[:128])
	assert.Zero(t, out[128])

	err = k.SubmitTFU(&drm.SubmitTFU{ICfg: 4, IIA: 1, IIS: 8, IOA: dstAddr, IOS: 1<<16 | 8, BOHandles: [4]uint32{dst}})
	assert.ErrorIs(t, err, drm.ErrNoSuchHandle)
}

func TestSyncFilesAndOpaqueFDs(t *testing.T) {
	k := openNoop(t)
	a, err := k.SyncobjCreate(true)
	require.NoError(t, err)
	b, err := k.SyncobjCreate(false)
	require.NoError(t, err)

	_, err = k.SyncobjExportSyncFile(b)
	assert.ErrorIs(t, err, drm.ErrNoFence)

	fd, err := k.SyncobjExportSyncFile(a)
	require.NoError(t, err)
	require.NoError(t, k.SyncobjImportSyncFile(b, fd))
	require.NoError(t, k.CloseFD(fd))
	assert.NoError(t, k.SyncobjWait([]uint32{b}, time.Now(), true))

	ofd, err := k.SyncobjHandleToFD(a)
	require.NoError(t, err)
	c, err := k.SyncobjFDToHandle(ofd)
	require.NoError(t, err)
	require.NoError(t, k.CloseFD(ofd))
	require.NoError(t, k.SyncobjReset(a))
	assert.ErrorIs(t, k.SyncobjWait([]uint32{c}, time.Now(), true), drm.ErrTimeout, "handles share the syncobj")

	assert.NoError(t, k.SyncobjWait([]uint32{c, b}, time.Now(), false), "any of them")
	assert.ErrorIs(t, k.CloseFD(ofd), drm.ErrBadFD)
}

func TestWaitWakesOnSignal(t *testing.T) {
	k := openNoop(t)
	s, err := k.SyncobjCreate(false)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = k.SyncobjSignal(s)
	}()
	assert.NoError(t, k.SyncobjWait([]uint32{s}, time.Now().Add(5*time.Second), true))
}

func TestClose(t *testing.T) {
	k, err := halkernel.OpenNoop()
	require.NoError(t, err)
	_, _, err = k.CreateBO(64)
	require.NoError(t, err)

	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	_, _, err = k.CreateBO(64)
	assert.ErrorIs(t, err, drm.ErrClosed)
	_, err = k.SyncobjCreate(true)
	assert.ErrorIs(t, err, drm.ErrClosed)
}

func TestNewRejectsNilDevice(t *testing.T) {
	_, err := halkernel.New(nil, nil)
	assert.Error(t, err)
}

func TestDeviceOnHALKernel(t *testing.T) {
	k := openNoop(t)
	dev, err := v3dv.Open(k)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, dev.Close()) })

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	t.Cleanup(fence.Destroy)

	require.NoError(t, dev.Queue().Submit([]v3dv.SubmitInfo{{}}, fence))
	require.NoError(t, fence.Wait(5*time.Second))
	assert.Equal(t, uint64(1), k.Submits())
	assert.Equal(t, uint64(1), dev.Stats().NoopSubmits)
}
