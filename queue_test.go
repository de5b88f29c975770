package v3dv

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/drm/sim"
	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
)

func endedPrimary(t *testing.T, dev *Device, record func(cb *CommandBuffer)) *CommandBuffer {
	t.Helper()
	cb := beginPrimary(t, dev)
	record(cb)
	require.NoError(t, cb.End())
	return cb
}

func newImage(t *testing.T, dev *Device, name string, w, h uint32) *Image {
	t.Helper()
	img, err := dev.CreateImage(ImageDesc{Name: name, Width: w, Height: h, CPP: 4, InternalBPP: BPP32})
	require.NoError(t, err)
	t.Cleanup(img.Destroy)
	return img
}

func TestSubmitEmptyBatchSubmitsNoop(t *testing.T) {
	dev, k := newTestDevice(t)
	sem := newSemaphore(t, dev)
	fence := newFence(t, dev)

	err := dev.Queue().Submit([]SubmitInfo{{SignalSemaphores: []*Semaphore{sem}}}, fence)
	require.NoError(t, err)
	require.NoError(t, fence.Wait(testWait))

	recs := k.Submissions()
	require.Len(t, recs, 1)
	assert.Equal(t, sim.KindCL, recs[0].Kind)
	assert.Empty(t, recs[0].InSyncs)
	assert.True(t, sem.Signaled())

	st := dev.Stats()
	assert.Equal(t, uint64(1), st.NoopSubmits)
	assert.Equal(t, uint64(1), st.GPUSubmits)
	assert.Zero(t, st.WaitThreads)

	require.NotNil(t, dev.queue.noop)
	rcl := decode(t, &dev.queue.noop.RCL)
	assert.Equal(t, cl.OpTileRenderingModeCfgCommon, rcl[0].Op)
	assert.Equal(t, cl.OpEndOfRendering, rcl[len(rcl)-1].Op)

	// The no-op job is built once and reused.
	require.NoError(t, dev.Queue().Submit([]SubmitInfo{{}}, nil))
	assert.Equal(t, uint64(2), dev.Stats().NoopSubmits)
}

func TestSubmitNothingSignalsFence(t *testing.T) {
	dev, k := newTestDevice(t)
	fence := newFence(t, dev)

	require.NoError(t, dev.Queue().Submit(nil, fence))
	assert.NoError(t, fence.Wait(testWait))
	assert.Empty(t, k.Submissions())
}

func TestSubmitEmptyCommandBufferSubmitsNoop(t *testing.T) {
	dev, k := newTestDevice(t)
	cb := endedPrimary(t, dev, func(*CommandBuffer) {})
	fence := newFence(t, dev)

	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))
	assert.Len(t, k.Submissions(), 1)
	assert.Equal(t, uint64(1), dev.Stats().NoopSubmits)
}

// TestSyncTimeline checks that every GPU job signals the shared timeline
// and that serialized jobs wait on it at the right stage.
func TestSyncTimeline(t *testing.T) {
	dev, k := newTestDevice(t)
	src := newImage(t, dev, "src", 16, 16)
	dst := newImage(t, dev, "dst", 16, 16)
	tg := newColorTarget(t, dev, 64, 64)
	cp := newComputePipeline(t, dev)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.CopyImage(dst, src, ImageCopy{})
		cb.PipelineBarrier(StageTransfer, StageFragmentShader)
		tg.begin(cb)
		cb.BindPipeline(&GraphicsPipeline{})
		cb.Draw(3, 0)
		cb.EndRenderPass()
		cb.PipelineBarrier(StageColorAttachmentOutput, StageComputeShader)
		cb.BindComputePipeline(cp)
		cb.Dispatch(1, 1, 1)
	})
	require.Equal(t, []job.Type{job.TypeGPUTFU, job.TypeGPUCL, job.TypeGPUCSD}, jobTypes(cb))

	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))

	timeline := dev.lastJobSync
	recs := k.Submissions()
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, timeline, r.OutSync, "record %d", i)
		if i > 0 {
			assert.Greater(t, r.Seq, recs[i-1].Seq)
		}
	}

	assert.Equal(t, sim.KindTFU, recs[0].Kind)
	assert.Empty(t, recs[0].InSyncs, "first job has no barrier")

	assert.Equal(t, sim.KindCL, recs[1].Kind)
	assert.Zero(t, recs[1].InSyncBCL, "fragment barrier leaves binning free")
	assert.Equal(t, timeline, recs[1].InSyncRCL)

	assert.Equal(t, sim.KindCSD, recs[2].Kind)
	assert.Equal(t, []uint32{timeline}, recs[2].InSyncs)

	assert.Equal(t, map[string]uint64{"GPU_TFU": 1, "GPU_CL": 1, "GPU_CSD": 1}, dev.Stats().Jobs)
}

func TestInSyncSelection(t *testing.T) {
	tests := []struct {
		name    string
		barrier PipelineStage
		semWait bool
		bcl     bool
		rcl     bool
		csd     bool
	}{
		{name: "unsynchronized"},
		{name: "geometry barrier", barrier: StageVertexShader, bcl: true, csd: true},
		{name: "fragment barrier", barrier: StageFragmentShader, rcl: true, csd: true},
		{name: "semaphore wait", semWait: true, bcl: true, csd: true},
		{name: "semaphore wait and barrier", barrier: StageFragmentShader, semWait: true, bcl: true, csd: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, k := newTestDevice(t)
			tg := newColorTarget(t, dev, 64, 64)
			cp := newComputePipeline(t, dev)

			cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
				if tt.barrier != 0 {
					cb.PipelineBarrier(StageTransfer, tt.barrier)
				}
				tg.begin(cb)
				cb.BindPipeline(&GraphicsPipeline{})
				cb.Draw(3, 0)
				cb.EndRenderPass()
				if tt.barrier != 0 {
					cb.PipelineBarrier(StageColorAttachmentOutput, StageComputeShader)
				}
				cb.BindComputePipeline(cp)
				cb.Dispatch(1, 1, 1)
			})

			batch := SubmitInfo{CommandBuffers: []*CommandBuffer{cb}}
			if tt.semWait {
				sem := newSemaphore(t, dev)
				require.NoError(t, dev.Queue().Submit([]SubmitInfo{{SignalSemaphores: []*Semaphore{sem}}}, nil))
				batch.WaitSemaphores = []*Semaphore{sem}
			}
			fence := newFence(t, dev)
			require.NoError(t, dev.Queue().Submit([]SubmitInfo{batch}, fence))
			require.NoError(t, fence.Wait(testWait))

			recs := k.Submissions()
			recs = recs[len(recs)-2:]
			timeline := dev.lastJobSync
			want := func(set bool) uint32 {
				if set {
					return timeline
				}
				return 0
			}
			require.Equal(t, sim.KindCL, recs[0].Kind)
			assert.Equal(t, want(tt.bcl), recs[0].InSyncBCL, "BCL in-sync")
			assert.Equal(t, want(tt.rcl), recs[0].InSyncRCL, "RCL in-sync")
			require.Equal(t, sim.KindCSD, recs[1].Kind)
			assert.Equal(t, want(tt.csd), recs[1].CSD.InSync, "CSD in-sync")
		})
	}
}

func TestNoopHonorsSemaphoreWait(t *testing.T) {
	dev, k := newTestDevice(t)
	sem := newSemaphore(t, dev)
	require.NoError(t, dev.Queue().Submit([]SubmitInfo{{SignalSemaphores: []*Semaphore{sem}}}, nil))

	fence := newFence(t, dev)
	require.NoError(t, dev.Queue().Submit([]SubmitInfo{{WaitSemaphores: []*Semaphore{sem}}}, fence))
	require.NoError(t, fence.Wait(testWait))

	recs := k.Submissions()
	require.Len(t, recs, 2)
	assert.Zero(t, recs[0].InSyncBCL)
	assert.Equal(t, dev.lastJobSync, recs[1].InSyncBCL)
}

// TestWaitEventsContinuesOnWaitGoroutine runs a command buffer whose
// timestamps are held back by an unsignaled event.
func TestWaitEventsContinuesOnWaitGoroutine(t *testing.T) {
	dev, _ := newTestDevice(t)
	pool, err := dev.CreateQueryPool(QueryTimestamp, 3)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)
	e := dev.CreateEvent()
	sem := newSemaphore(t, dev)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.ResetQueryPool(pool, 0, 3)
		cb.WaitEvents(e)
		for q := range uint32(3) {
			cb.WriteTimestamp(pool, q)
		}
	})

	fence := newFence(t, dev)
	err = dev.Queue().Submit([]SubmitInfo{{
		CommandBuffers:   []*CommandBuffer{cb},
		SignalSemaphores: []*Semaphore{sem},
	}}, fence)
	require.NoError(t, err, "Submit returns while the event is unset")

	assert.ErrorIs(t, fence.Status(), ErrNotReady)
	assert.False(t, sem.Signaled())
	assert.Equal(t, uint64(1), dev.Stats().WaitThreads)
	out := make([]byte, 24)
	assert.ErrorIs(t, pool.Results(0, 3, out, 8, QueryResult64Bit), ErrNotReady)

	e.Set()
	require.NoError(t, fence.Wait(testWait))
	assert.True(t, sem.Signaled())
	require.NoError(t, pool.Results(0, 3, out, 8, QueryResult64Bit))
	for q := range 3 {
		assert.NotZero(t, binary.LittleEndian.Uint64(out[q*8:]), "query %d", q)
	}
}

func TestWaitEventsAlreadySetRunsInline(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	e.Set()
	pool, err := dev.CreateQueryPool(QueryTimestamp, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.WaitEvents(e)
		cb.WriteTimestamp(pool, 0)
	})
	require.NoError(t, submit(dev, nil, cb))

	assert.Zero(t, dev.Stats().WaitThreads)
	assert.NoError(t, pool.Results(0, 1, make([]byte, 8), 8, QueryResult64Bit))
}

func TestSeveralWaitEventsUseOneWaitGoroutine(t *testing.T) {
	dev, _ := newTestDevice(t)
	evs := []*Event{dev.CreateEvent(), dev.CreateEvent(), dev.CreateEvent()}
	pool, err := dev.CreateQueryPool(QueryTimestamp, 3)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		for i, e := range evs {
			cb.WaitEvents(e)
			cb.WriteTimestamp(pool, uint32(i))
		}
	})

	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	for _, e := range evs {
		assert.ErrorIs(t, fence.Status(), ErrNotReady)
		e.Set()
	}
	require.NoError(t, fence.Wait(testWait))
	assert.Equal(t, uint64(1), dev.Stats().WaitThreads)
	assert.NoError(t, pool.Results(0, 3, make([]byte, 24), 8, QueryResult64Bit))
}

// TestSignalsWaitForEveryWaitGoroutine sets the events of two command
// buffers out of order; nothing signals before both ran.
func TestSignalsWaitForEveryWaitGoroutine(t *testing.T) {
	dev, _ := newTestDevice(t)
	e1, e2 := dev.CreateEvent(), dev.CreateEvent()
	sem := newSemaphore(t, dev)
	fence := newFence(t, dev)

	waiter := func(e *Event) *CommandBuffer {
		return endedPrimary(t, dev, func(cb *CommandBuffer) {
			cb.WaitEvents(e)
		})
	}
	err := dev.Queue().Submit([]SubmitInfo{{
		CommandBuffers:   []*CommandBuffer{waiter(e1), waiter(e2)},
		SignalSemaphores: []*Semaphore{sem},
	}}, fence)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dev.Stats().WaitThreads)

	e2.Set()
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, fence.Status(), ErrNotReady)
	assert.False(t, sem.Signaled())

	e1.Set()
	require.NoError(t, fence.Wait(testWait))
	assert.True(t, sem.Signaled())
}

// TestLaterBatchSignalsWaitForEarlierWaitGoroutine checks that a batch
// without command buffers does not signal while an earlier batch of the
// same submit is still blocked on an event.
func TestLaterBatchSignalsWaitForEarlierWaitGoroutine(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	sem := newSemaphore(t, dev)
	fence := newFence(t, dev)

	waiter := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e) })
	err := dev.Queue().Submit([]SubmitInfo{
		{CommandBuffers: []*CommandBuffer{waiter}},
		{SignalSemaphores: []*Semaphore{sem}},
	}, fence)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dev.Stats().WaitThreads)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, sem.Signaled())
	assert.ErrorIs(t, fence.Status(), ErrNotReady)

	e.Set()
	require.NoError(t, fence.Wait(testWait))
	assert.True(t, sem.Signaled())
}

func TestBatchesBeforeWaitGoroutineSignalInline(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	early, late := newSemaphore(t, dev), newSemaphore(t, dev)
	fence := newFence(t, dev)

	waiter := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e) })
	err := dev.Queue().Submit([]SubmitInfo{
		{SignalSemaphores: []*Semaphore{early}},
		{CommandBuffers: []*CommandBuffer{waiter}, SignalSemaphores: []*Semaphore{late}},
	}, fence)
	require.NoError(t, err)

	assert.Eventually(t, early.Signaled, testWait, time.Millisecond)
	assert.False(t, late.Signaled())

	e.Set()
	require.NoError(t, fence.Wait(testWait))
	assert.True(t, late.Signaled())
}

func TestSetEventBeforeWaitRunsInline(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	pool, err := dev.CreateQueryPool(QueryTimestamp, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)

	setter := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.SetEvent(e) })
	waiter := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.WaitEvents(e)
		cb.WriteTimestamp(pool, 0)
		cb.ResetEvent(e)
	})

	require.NoError(t, submit(dev, nil, setter, waiter))
	assert.Zero(t, dev.Stats().WaitThreads)
	assert.False(t, e.IsSet())
	assert.NoError(t, pool.Results(0, 1, make([]byte, 8), 8, QueryResult64Bit))
}

// TestCopyQueryResultsWaitsForGPU writes the occlusion counter from the
// simulated GPU and reads it back through a command buffer.
func TestCopyQueryResultsWaitsForGPU(t *testing.T) {
	dev, k := newTestDeviceOn(t, sim.New(sim.WithLatency(20*time.Millisecond)))
	tg := newColorTarget(t, dev, 64, 64)
	pool, err := dev.CreateQueryPool(QueryOcclusion, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)
	dst, err := dev.CreateBuffer(16, "results")
	require.NoError(t, err)
	t.Cleanup(dst.Destroy)

	counter := pool.pool.BO().Handle
	off := pool.pool.Offset(0)
	k.OnExecute(func(k *sim.Kernel, r sim.Record) {
		if r.Kind == sim.KindCL {
			binary.LittleEndian.PutUint32(k.BOData(counter)[off:], 42)
		}
	})

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.ResetQueryPool(pool, 0, 1)
		tg.begin(cb)
		cb.BindPipeline(&GraphicsPipeline{})
		cb.BeginQuery(pool, 0)
		cb.Draw(3, 0)
		cb.EndQuery(pool, 0)
		cb.EndRenderPass()
		cb.CopyQueryPoolResults(pool, 0, 1, dst, 0, 16, QueryResultWait|QueryResult64Bit|QueryResultWithAvailability)
	})

	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))

	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(dst.Bytes()[0:]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(dst.Bytes()[8:]))
}

func TestCopyBufferToImageExecutes(t *testing.T) {
	dev, _ := newTestDevice(t)
	img := newImage(t, dev, "dst", 8, 8)
	buf, err := dev.CreateBuffer(4*4*4, "texels")
	require.NoError(t, err)
	t.Cleanup(buf.Destroy)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte(i + 1)
	}

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.CopyBufferToImage(buf, img, BufferImageCopy{X: 2, Y: 1, Width: 4, Height: 4})
	})
	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))

	layer := img.Layer(0)
	pitch := img.RowPitch()
	for y := range uint32(4) {
		got := layer[(1+y)*pitch+2*4 : (1+y)*pitch+6*4]
		want := buf.Bytes()[y*16 : y*16+16]
		assert.Equal(t, want, got, "row %d", y)
	}
	assert.Equal(t, make([]byte, pitch), layer[:pitch], "rows above the region are untouched")
}

func TestCopyImageExecutesOnTFU(t *testing.T) {
	dev, k := newTestDevice(t)
	emulateTFU(k)
	src := newImage(t, dev, "src", 16, 16)
	dst := newImage(t, dev, "dst", 16, 16)
	for i := range src.Layer(0) {
		src.Layer(0)[i] = byte(i * 7)
	}

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.CopyImage(dst, src, ImageCopy{})
	})
	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))

	n := 16 * 16 * 4
	assert.True(t, bytes.Equal(src.Layer(0)[:n], dst.Layer(0)[:n]))
}

func TestDispatchIndirectReadsCounts(t *testing.T) {
	dev, k := newTestDevice(t)
	buf, err := dev.CreateBuffer(32, "indirect")
	require.NoError(t, err)
	t.Cleanup(buf.Destroy)
	cp := newComputePipeline(t, dev, ComputeUniform{Kind: UniformNumWorkGroupsX})

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		cb.BindComputePipeline(cp)
		cb.DispatchIndirect(buf, 4)
	})
	p := cb.jobs[0].Payload.(*job.CSDIndirect)

	counts := func(x, y, z uint32) {
		b := buf.Bytes()[4:]
		binary.LittleEndian.PutUint32(b[0:], x)
		binary.LittleEndian.PutUint32(b[4:], y)
		binary.LittleEndian.PutUint32(b[8:], z)
	}

	counts(0, 2, 2)
	require.NoError(t, submit(dev, nil, cb))
	require.NoError(t, dev.WaitIdle())
	assert.Empty(t, k.Submissions(), "an empty indirect dispatch is skipped")

	counts(5, 2, 1)
	fence := newFence(t, dev)
	require.NoError(t, submit(dev, fence, cb))
	require.NoError(t, fence.Wait(testWait))

	recs := k.Submissions()
	require.Len(t, recs, 1)
	require.Equal(t, sim.KindCSD, recs[0].Kind)
	assert.Equal(t, uint32(5)<<drm.CSDCfg012WGCountShift, recs[0].CSD.Cfg[0])
	assert.Equal(t, uint32(2)<<drm.CSDCfg012WGCountShift, recs[0].CSD.Cfg[1])
	assert.Equal(t, uint32(1)<<drm.CSDCfg012WGCountShift, recs[0].CSD.Cfg[2])
	assert.Equal(t, [3]uint32{5, 2, 1}, p.CSDJob.CSD.WGCount)

	a := p.WGUniformOffsets[0]
	require.NotNil(t, a.BO)
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(a.BO.Map[a.Offset:]), "count uniform is patched")
}

func TestSubmitKernelFailureIsDeviceLost(t *testing.T) {
	dev, k := newTestDevice(t)
	tg := newColorTarget(t, dev, 64, 64)
	sem := newSemaphore(t, dev)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		tg.begin(cb)
		cb.EndRenderPass()
	})

	k.FailNext(errors.New("ioctl failed"))
	fence := newFence(t, dev)
	err := dev.Queue().Submit([]SubmitInfo{{
		CommandBuffers:   []*CommandBuffer{cb},
		SignalSemaphores: []*Semaphore{sem},
	}}, fence)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceLost)

	assert.Equal(t, uint64(1), dev.Stats().DeviceLost)
	assert.ErrorIs(t, fence.Status(), ErrNotReady, "a failed submit does not signal its fence")
	assert.False(t, sem.Signaled())

	// The device keeps working after the failure.
	require.NoError(t, submit(dev, fence, cb))
	assert.NoError(t, fence.Wait(testWait))
}

func TestSubmitRejectsUnfinishedCommandBuffer(t *testing.T) {
	dev, k := newTestDevice(t)
	cb := beginPrimary(t, dev)

	err := submit(dev, nil, cb)
	assert.ErrorIs(t, err, ErrNotExecutable)
	assert.Empty(t, k.Submissions())
}

func TestSubmitAfterCloseFails(t *testing.T) {
	k := sim.New()
	t.Cleanup(func() { _ = k.Close() })
	dev, err := Open(k)
	require.NoError(t, err)
	q := dev.Queue()
	require.NoError(t, dev.Close())

	assert.ErrorIs(t, q.Submit([]SubmitInfo{{}}, nil), ErrClosed)
	assert.ErrorIs(t, dev.WaitIdle(), ErrClosed)
	assert.NoError(t, dev.Close())
}

func TestWaitGoroutineLimit(t *testing.T) {
	dev, _ := newTestDevice(t, WithMaxWaitThreads(1))
	e1, e2 := dev.CreateEvent(), dev.CreateEvent()

	cb1 := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e1) })
	cb2 := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e2) })

	err := submit(dev, nil, cb1, cb2)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.Equal(t, uint64(1), dev.Stats().WaitThreads)

	e1.Set()
	e2.Set()
	assert.NoError(t, dev.WaitIdle())
}

func TestCloseAbortsBlockedWaitGoroutines(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	cb := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e) })
	require.NoError(t, submit(dev, nil, cb))

	done := make(chan error, 1)
	go func() { done <- dev.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("Close blocked on a wait goroutine")
	}
}

func TestCloseAbortDoesNotSignal(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	sem := newSemaphore(t, dev)
	fence := newFence(t, dev)

	cb := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e) })
	err := dev.Queue().Submit([]SubmitInfo{{
		CommandBuffers:   []*CommandBuffer{cb},
		SignalSemaphores: []*Semaphore{sem},
	}}, fence)
	require.NoError(t, err)

	require.NoError(t, dev.Close())
	assert.False(t, sem.Signaled(), "aborted work signals nothing")
	assert.ErrorIs(t, fence.Status(), ErrNotReady)
}

func TestWaitIdleWaitsForWaitGoroutines(t *testing.T) {
	dev, _ := newTestDevice(t)
	e := dev.CreateEvent()
	cb := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e) })
	require.NoError(t, submit(dev, nil, cb))

	idle := make(chan error, 1)
	go func() { idle <- dev.WaitIdle() }()
	select {
	case <-idle:
		t.Fatal("WaitIdle returned before the event was set")
	case <-time.After(20 * time.Millisecond):
	}

	e.Set()
	select {
	case err := <-idle:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("WaitIdle did not return after the event was set")
	}
}
