package v3dv

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/internal/job"
)

// SubmitInfo is one batch of a Submit call.
type SubmitInfo struct {
	// WaitSemaphores make every GPU job of the batch wait for all
	// previously submitted work.
	WaitSemaphores []*Semaphore

	CommandBuffers []*CommandBuffer

	// SignalSemaphores are signaled once every job of the batch has been
	// submitted, including jobs run by wait goroutines.
	SignalSemaphores []*Semaphore
}

// Queue executes command buffers. It is the only queue of its device.
//
// Submit and WaitIdle must not be called concurrently with each other.
// Wait goroutines started by Submit run concurrently with later calls.
type Queue struct {
	dev *Device

	// ctx is cancelled on device close to abort event waits.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	waitInfos []*waitInfo
	masters   sync.WaitGroup

	noopMu sync.Mutex
	noop   *job.Job
}

func newQueue(d *Device) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{dev: d, ctx: ctx, cancel: cancel}
}

// Submit submits batches in order and signals fence, if not nil, when all
// of their work has been submitted.
//
// A command buffer whose wait-events job finds an unsignaled event is
// continued on a wait goroutine; Submit returns without waiting for it
// and the semaphores and fence of the call are signaled once every such
// goroutine is done. A failing job aborts the rest of its command buffer
// only. The first failure is returned; the batch it belongs to does not
// signal its semaphores and the call does not signal its fence.
func (q *Queue) Submit(batches []SubmitInfo, fence *Fence) error {
	if q.dev.closed.Load() {
		return ErrClosed
	}
	for i := range batches {
		for _, cb := range batches[i].CommandBuffers {
			if cb.status != statusExecutable {
				return errors.Wrapf(ErrNotExecutable, "batch %d", i)
			}
		}
	}

	call := &submitCall{q: q}
	var first error
	for i := range batches {
		if err := call.submitBatch(&batches[i]); err != nil && first == nil {
			first = err
		}
	}

	if call.wi == nil {
		if first == nil && fence != nil {
			first = q.signalFence(fence)
		}
		return first
	}

	if first == nil {
		call.wi.fence = fence
	}
	q.masters.Add(1)
	go q.runMaster(call.wi)
	return first
}

// WaitIdle blocks until every wait goroutine has finished and the GPU has
// completed all submitted work.
func (q *Queue) WaitIdle() error {
	return q.waitIdle(nil)
}

// submitCall is the state of one Submit call.
type submitCall struct {
	q *Queue

	// wi is created when the call starts its first wait goroutine.
	wi *waitInfo
}

func (c *submitCall) submitBatch(b *SubmitInfo) error {
	semWait := len(b.WaitSemaphores) > 0
	defer func() {
		// A wait consumes temporarily imported payloads.
		for _, s := range b.WaitSemaphores {
			s.dropTemporary()
		}
	}()

	var first error
	if len(b.CommandBuffers) == 0 {
		first = c.q.submitNoop(semWait)
	}
	for _, cb := range b.CommandBuffers {
		err := c.submitCommandBuffer(cb, semWait)
		switch {
		case err == nil, errors.Is(err, errNotReady):
		case first == nil:
			first = err
		}
	}
	if first != nil {
		return first
	}

	// Once any batch of the call has a wait goroutine, every later signal
	// waits for it too.
	if c.wi != nil {
		c.q.mu.Lock()
		c.wi.signals = append(c.wi.signals, b.SignalSemaphores...)
		c.q.mu.Unlock()
		return nil
	}
	return c.q.signalSemaphores(b.SignalSemaphores)
}

func (c *submitCall) submitCommandBuffer(cb *CommandBuffer, semWait bool) error {
	if len(cb.jobs) == 0 {
		return c.q.submitNoop(semWait)
	}
	for i, j := range cb.jobs {
		err := c.q.submitJob(j, jobCtx{
			semWait: semWait,
			call:    c,
			rest:    cb.jobs[i+1:],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// jobCtx carries what a job handler needs beyond the job itself.
type jobCtx struct {
	semWait bool

	// self is the wait goroutine running the job, nil on the submitting
	// goroutine.
	self *waitThread

	// call is the Submit call that may start a wait goroutine for the
	// rest of the command buffer. It is nil on wait goroutines.
	call *submitCall
	rest []*job.Job
}

// submitJob executes one job. It returns errNotReady when the rest of the
// command buffer must not run on the calling goroutine.
func (q *Queue) submitJob(j *job.Job, c jobCtx) error {
	q.dev.stats.jobs[j.Type].Add(1)
	slogger().Debug("v3dv: submit job", "type", j.Type.String(), "sem_wait", c.semWait,
		"serialize", j.Serialize, "wait_thread", c.self != nil)

	switch j.Type {
	case job.TypeGPUCL:
		return q.handleCL(j, c.semWait)
	case job.TypeGPUTFU:
		return q.handleTFU(j, c.semWait)
	case job.TypeGPUCSD:
		return q.handleCSD(j, c.semWait)
	case job.TypeGPUCLSecondary:
		panic(errors.AssertionFailedf("v3dv: secondary CL job submitted directly"))
	}
	if !j.Type.IsCPU() {
		panic(errors.AssertionFailedf("v3dv: unknown job type %d", j.Type))
	}
	return q.handleCPU(j, c)
}

// lockedSubmit runs a kernel submission under the device mutex. submit
// receives the syncobj of the last submitted job and sets the in and out
// syncs from it.
func (q *Queue) lockedSubmit(submit func(lastJobSync uint32) error) error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastJobSync == 0 {
		return ErrClosed
	}
	err := submit(d.lastJobSync)
	d.stats.gpuSubmits.Add(1)
	return err
}

func (q *Queue) handleCL(j *job.Job, semWait bool) error {
	if !j.Serialize && j.NeedsBCLSync {
		panic(errors.AssertionFailedf("v3dv: BCL sync on a job that is not serialized"))
	}
	if n := len(j.RCL.Blocks()); n != 1 {
		panic(errors.AssertionFailedf("v3dv: render list spans %d blocks", n))
	}

	needsBCLSync := semWait || j.NeedsBCLSync
	needsRCLSync := j.Serialize && !needsBCLSync

	s := &drm.SubmitCL{
		BCLStart:  j.BCL.Blocks()[0].BO.Offset,
		BCLEnd:    j.BCL.BO().Offset + j.BCL.Offset(),
		RCLStart:  j.RCL.BO().Offset,
		RCLEnd:    j.RCL.BO().Offset + j.RCL.Offset(),
		QMA:       j.TileAlloc.Offset,
		QMS:       j.TileAlloc.Size,
		QTS:       j.TileState.Offset,
		BOHandles: j.BOs().Handles(),
	}
	if j.TMUDirtyRCL {
		s.Flags |= drm.SubmitCLFlushCache
	}

	err := q.lockedSubmit(func(last uint32) error {
		if needsBCLSync {
			s.InSyncBCL = last
		}
		if needsRCLSync {
			s.InSyncRCL = last
		}
		s.OutSync = last
		return q.dev.kernel.SubmitCL(s)
	})
	if err != nil {
		q.dev.stats.deviceLost.Add(1)
		if q.dev.clWarned.CompareAndSwap(false, true) {
			slogger().Warn("Draw call returned error. Expect corruption.", "err", err)
		}
		return deviceLost(err, "v3dv: submit CL")
	}
	return nil
}

func (q *Queue) handleTFU(j *job.Job, semWait bool) error {
	needsSync := semWait || j.Serialize
	s := j.TFU
	err := q.lockedSubmit(func(last uint32) error {
		s.InSync = 0
		if needsSync {
			s.InSync = last
		}
		s.OutSync = last
		return q.dev.kernel.SubmitTFU(&s)
	})
	if err != nil {
		q.dev.stats.deviceLost.Add(1)
		slogger().Warn("v3dv: failed to submit TFU job", "err", err)
		return deviceLost(err, "v3dv: submit TFU")
	}
	return nil
}

func (q *Queue) handleCSD(j *job.Job, semWait bool) error {
	needsSync := semWait || j.Serialize
	s := &j.CSD.Submit
	s.BOHandles = j.BOs().Handles()
	err := q.lockedSubmit(func(last uint32) error {
		s.InSync = 0
		if needsSync {
			s.InSync = last
		}
		s.OutSync = last
		return q.dev.kernel.SubmitCSD(s)
	})
	if err != nil {
		q.dev.stats.deviceLost.Add(1)
		if q.dev.csdWarned.CompareAndSwap(false, true) {
			slogger().Warn("Compute dispatch returned error. Expect corruption.", "err", err)
		}
		return deviceLost(err, "v3dv: submit CSD")
	}
	return nil
}

// submitNoop submits a trivial render job so that an empty batch or
// command buffer still orders against the sync timeline.
func (q *Queue) submitNoop(semWait bool) error {
	q.noopMu.Lock()
	defer q.noopMu.Unlock()
	if q.noop == nil {
		j := job.New(job.TypeGPUCL, q.dev.allocator(), nil, 0)
		if err := emitNoop(j); err != nil {
			j.Destroy()
			return translate(err)
		}
		q.noop = j
	}
	q.dev.stats.noopSubmits.Add(1)
	return q.submitJob(q.noop, jobCtx{semWait: semWait})
}

func (q *Queue) destroyNoopJob() {
	q.noopMu.Lock()
	defer q.noopMu.Unlock()
	if q.noop != nil {
		q.noop.Destroy()
		q.noop = nil
	}
}

// exportLastJob snapshots the sync timeline into a sync file.
func (q *Queue) exportLastJob() (int, error) {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastJobSync == 0 {
		return -1, ErrClosed
	}
	fd, err := d.kernel.SyncobjExportSyncFile(d.lastJobSync)
	if err != nil {
		return -1, deviceLost(err, "v3dv: export last job sync")
	}
	return fd, nil
}

// signalSemaphores makes every semaphore signal when the last submitted
// job completes.
func (q *Queue) signalSemaphores(sems []*Semaphore) error {
	if len(sems) == 0 {
		return nil
	}
	fd, err := q.exportLastJob()
	if err != nil {
		return err
	}
	defer q.closeFD(fd)

	for _, s := range sems {
		if err := q.dev.kernel.SyncobjImportSyncFile(s.active(), fd); err != nil {
			return deviceLost(err, "v3dv: signal semaphore")
		}
	}
	return nil
}

// signalFence makes the fence signal when the last submitted job
// completes.
func (q *Queue) signalFence(f *Fence) error {
	fd, err := q.exportLastJob()
	if err != nil {
		return err
	}
	defer q.closeFD(fd)

	if err := q.dev.kernel.SyncobjImportSyncFile(f.active(), fd); err != nil {
		return deviceLost(err, "v3dv: signal fence")
	}
	return nil
}

func (q *Queue) closeFD(fd int) {
	if err := q.dev.kernel.CloseFD(fd); err != nil {
		slogger().Warn("v3dv: close sync file", "fd", fd, "err", err)
	}
}

// gpuWaitIdle blocks until the last submitted job has completed.
func (q *Queue) gpuWaitIdle() error {
	d := q.dev
	d.mu.Lock()
	last := d.lastJobSync
	d.mu.Unlock()
	if last == 0 {
		return nil
	}
	if err := d.kernel.SyncobjWait([]uint32{last}, drm.Forever, true); err != nil {
		return deviceLost(err, "v3dv: wait for last job")
	}
	return nil
}

// waitIdle waits for the wait goroutines registered before self, then for
// the GPU.
func (q *Queue) waitIdle(self *waitThread) error {
	q.cpuWaitIdle(self)
	return q.gpuWaitIdle()
}
