// Package halkernel implements drm.Kernel on top of a gogpu/wgpu HAL
// device.
//
// BOs are HAL buffers with a host shadow that is uploaded whenever a
// submission references the BO. The sync timeline is a single HAL fence:
// every submission signals the next value and a syncobj is a point on that
// timeline. The HAL queue runs submissions in order, so in-syncs naming
// earlier points are satisfied without an explicit wait.
//
// A HAL device has no V3D command stream processor. Control lists and
// compute dispatches are transported and fenced but not executed; TFU
// copies are performed as buffer-to-buffer copies.
package halkernel

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/v3dv/drm"
)

const (
	// addressBase is the GPU address of the first BO.
	addressBase = 0x10000

	// waitStep bounds one blocking fence wait so that imports into an
	// unsignaled syncobj are noticed.
	waitStep = 10 * time.Millisecond

	// closeTimeout bounds the final wait for outstanding submissions.
	closeTimeout = 5 * time.Second

	bufferUsage = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage
)

// unsignaled marks a syncobj that carries no fence.
const unsignaled = ^uint64(0)

type bufferObject struct {
	buf    hal.Buffer
	offset uint32
	data   []byte
	// busy is the timeline point of the last submission using the BO.
	busy uint64
}

type syncobj struct {
	point uint64
}

// pendingSubmit is a command buffer the GPU may still be reading.
type pendingSubmit struct {
	value uint64
	cmd   hal.CommandBuffer
}

// Kernel is a drm.Kernel backed by a HAL device and queue.
type Kernel struct {
	device hal.Device
	queue  hal.Queue
	fence  hal.Fence

	// instance is set when the kernel opened the device itself and owns it.
	instance hal.Instance

	mu         sync.Mutex
	changed    chan struct{}
	closed     bool
	value      uint64
	pending    []pendingSubmit
	nextHandle uint32
	nextOffset uint32
	nextFD     int
	bos        map[uint32]*bufferObject
	syncobjs   map[uint32]*syncobj
	syncFiles  map[int]uint64
	opaqueFDs  map[int]*syncobj
	submits    uint64
}

var _ drm.Kernel = (*Kernel)(nil)

// New creates a kernel on a HAL device owned by the caller. The device
// and queue must outlive the kernel.
func New(device hal.Device, queue hal.Queue) (*Kernel, error) {
	if device == nil || queue == nil {
		return nil, errors.New("halkernel: nil device or queue")
	}
	fence, err := device.CreateFence()
	if err != nil {
		return nil, errors.Wrap(err, "halkernel: create timeline fence")
	}
	return &Kernel{
		device:     device,
		queue:      queue,
		fence:      fence,
		changed:    make(chan struct{}),
		nextHandle: 1,
		nextOffset: addressBase,
		nextFD:     3,
		bos:        make(map[uint32]*bufferObject),
		syncobjs:   make(map[uint32]*syncobj),
		syncFiles:  make(map[int]uint64),
		opaqueFDs:  make(map[int]*syncobj),
	}, nil
}

// Submits returns the number of HAL queue submissions made.
func (k *Kernel) Submits() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.submits
}

func (k *Kernel) broadcastLocked() {
	close(k.changed)
	k.changed = make(chan struct{})
}

// reached reports whether the timeline has passed point.
func (k *Kernel) reached(point uint64, timeout time.Duration) bool {
	if point == 0 {
		return true
	}
	ok, err := k.device.Wait(k.fence, point, timeout)
	if err != nil {
		slogger().Warn("halkernel: fence wait", "point", point, "err", err)
		return false
	}
	return ok
}

func (k *Kernel) CreateBO(size uint32) (uint32, uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, 0, drm.ErrClosed
	}
	aligned := (size + 4095) &^ 4095
	buf, err := k.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "v3d_bo",
		Size:  uint64(aligned),
		Usage: bufferUsage,
	})
	if err != nil {
		return 0, 0, errors.Wrapf(err, "halkernel: create buffer of %d bytes", aligned)
	}
	h := k.nextHandle
	k.nextHandle++
	b := &bufferObject{buf: buf, offset: k.nextOffset, data: make([]byte, aligned)}
	k.nextOffset += aligned
	k.bos[h] = b
	return h, b.offset, nil
}

func (k *Kernel) MmapBO(handle, size uint32) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.bos[handle]
	if !ok {
		return nil, errors.Wrapf(drm.ErrNoSuchHandle, "mmap bo %d", handle)
	}
	if int(size) > len(b.data) {
		return nil, errors.Newf("halkernel: mmap bo %d: size %d exceeds %d", handle, size, len(b.data))
	}
	return b.data[:size:size], nil
}

func (k *Kernel) FreeBO(handle uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.bos[handle]
	if !ok {
		return errors.Wrapf(drm.ErrNoSuchHandle, "free bo %d", handle)
	}
	delete(k.bos, handle)
	k.device.DestroyBuffer(b.buf)
	return nil
}

func (k *Kernel) WaitBO(handle uint32, timeout time.Duration) error {
	k.mu.Lock()
	b, ok := k.bos[handle]
	if !ok {
		k.mu.Unlock()
		return errors.Wrapf(drm.ErrNoSuchHandle, "wait bo %d", handle)
	}
	busy := b.busy
	k.mu.Unlock()

	if timeout >= 0 {
		if !k.reached(busy, timeout) {
			return drm.ErrTimeout
		}
		return nil
	}
	for {
		if k.reached(busy, waitStep) {
			return nil
		}
		k.mu.Lock()
		closed := k.closed
		k.mu.Unlock()
		if closed {
			return drm.ErrClosed
		}
	}
}

// boAt returns the BO among handles whose range contains addr.
func (k *Kernel) boAt(handles []uint32, addr uint32) (*bufferObject, bool) {
	for _, h := range handles {
		b, ok := k.bos[h]
		if ok && addr >= b.offset && addr < b.offset+uint32(len(b.data)) {
			return b, true
		}
	}
	return nil, false
}

func (k *Kernel) SubmitCL(s *drm.SubmitCL) error {
	return k.submit("cl", s.BOHandles, []uint32{s.InSyncBCL, s.InSyncRCL}, s.OutSync, nil)
}

func (k *Kernel) SubmitCSD(s *drm.SubmitCSD) error {
	return k.submit("csd", s.BOHandles, []uint32{s.InSync}, s.OutSync, nil)
}

func (k *Kernel) SubmitTFU(s *drm.SubmitTFU) error {
	var handles []uint32
	for _, h := range s.BOHandles {
		if h == 0 {
			break
		}
		handles = append(handles, h)
	}
	n := (s.IOS >> 16) * s.IIS * s.ICfg
	return k.submit("tfu", handles, []uint32{s.InSync}, s.OutSync, func(enc hal.CommandEncoder) error {
		src, ok := k.boAt(handles, s.IIA)
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "tfu: no bo at input address %#x", s.IIA)
		}
		dst, ok := k.boAt(handles, s.IOA)
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "tfu: no bo at output address %#x", s.IOA)
		}
		so, do := s.IIA-src.offset, s.IOA-dst.offset
		if so+n > uint32(len(src.data)) || do+n > uint32(len(dst.data)) {
			return errors.Newf("halkernel: tfu copy of %d bytes out of range", n)
		}
		enc.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
			{SrcOffset: uint64(so), DstOffset: uint64(do), Size: uint64(n)},
		})
		// The shadow follows the copy so that later uploads keep it.
		copy(dst.data[do:do+n], src.data[so:so+n])
		return nil
	})
}

// submit uploads the BOs of a job, encodes its copies and signals the next
// timeline point.
func (k *Kernel) submit(kind string, handles, in []uint32, out uint32, encode func(hal.CommandEncoder) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return drm.ErrClosed
	}

	for _, h := range in {
		if h == 0 {
			continue
		}
		so, ok := k.syncobjs[h]
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "submit %s: in sync %d", kind, h)
		}
		if so.point == unsignaled {
			return errors.Wrapf(drm.ErrNoFence, "submit %s: in sync %d", kind, h)
		}
	}
	var outSync *syncobj
	if out != 0 {
		so, ok := k.syncobjs[out]
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "submit %s: out sync %d", kind, out)
		}
		outSync = so
	}
	bos := make([]*bufferObject, 0, len(handles))
	for _, h := range handles {
		b, ok := k.bos[h]
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "submit %s: bo %d", kind, h)
		}
		bos = append(bos, b)
	}

	for _, b := range bos {
		k.queue.WriteBuffer(b.buf, 0, b.data)
	}

	enc, err := k.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "v3d_" + kind})
	if err != nil {
		return errors.Wrapf(err, "halkernel: submit %s: create command encoder", kind)
	}
	if err := enc.BeginEncoding("v3d_" + kind); err != nil {
		return errors.Wrapf(err, "halkernel: submit %s: begin encoding", kind)
	}
	if encode != nil {
		if err := encode(enc); err != nil {
			enc.DiscardEncoding()
			return err
		}
	}
	cmd, err := enc.EndEncoding()
	if err != nil {
		return errors.Wrapf(err, "halkernel: submit %s: end encoding", kind)
	}

	value := k.value + 1
	if err := k.queue.Submit([]hal.CommandBuffer{cmd}, k.fence, value); err != nil {
		k.device.FreeCommandBuffer(cmd)
		return errors.Wrapf(err, "halkernel: submit %s", kind)
	}
	k.value = value
	k.submits++
	k.pending = append(k.pending, pendingSubmit{value: value, cmd: cmd})
	k.reclaimLocked()

	for _, b := range bos {
		b.busy = value
	}
	if outSync != nil {
		outSync.point = value
	}
	k.broadcastLocked()
	slogger().Debug("halkernel: submit", "kind", kind, "point", value, "bos", len(bos))
	return nil
}

// reclaimLocked frees the command buffers of completed submissions.
func (k *Kernel) reclaimLocked() {
	n := 0
	for _, p := range k.pending {
		if !k.reached(p.value, 0) {
			break
		}
		k.device.FreeCommandBuffer(p.cmd)
		n++
	}
	k.pending = k.pending[n:]
}

func (k *Kernel) SyncobjCreate(signaled bool) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, drm.ErrClosed
	}
	so := &syncobj{point: unsignaled}
	if signaled {
		so.point = 0
	}
	h := k.nextHandle
	k.nextHandle++
	k.syncobjs[h] = so
	return h, nil
}

func (k *Kernel) SyncobjDestroy(handle uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.syncobjs[handle]; !ok {
		return errors.Wrapf(drm.ErrNoSuchHandle, "destroy syncobj %d", handle)
	}
	delete(k.syncobjs, handle)
	return nil
}

// points returns the timeline point of every handle.
func (k *Kernel) points(handles []uint32) ([]uint64, <-chan struct{}, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, nil, drm.ErrClosed
	}
	points := make([]uint64, len(handles))
	for i, h := range handles {
		so, ok := k.syncobjs[h]
		if !ok {
			return nil, nil, errors.Wrapf(drm.ErrNoSuchHandle, "wait syncobj %d", h)
		}
		points[i] = so.point
	}
	return points, k.changed, nil
}

func (k *Kernel) SyncobjWait(handles []uint32, deadline time.Time, waitAll bool) error {
	if len(handles) == 0 {
		return nil
	}
	for {
		points, changed, err := k.points(handles)
		if err != nil {
			return err
		}

		// target is the point whose completion decides the wait.
		target := unsignaled
		if waitAll {
			target = 0
			for _, p := range points {
				target = max(target, p)
			}
		} else {
			for _, p := range points {
				target = min(target, p)
			}
		}
		if target != unsignaled && k.reached(target, 0) {
			return nil
		}

		step := waitStep
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return drm.ErrTimeout
			}
			step = min(step, remaining)
		}
		if target != unsignaled {
			k.reached(target, step)
			continue
		}
		t := time.NewTimer(step)
		select {
		case <-changed:
		case <-t.C:
		}
		t.Stop()
	}
}

func (k *Kernel) SyncobjReset(handles ...uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, h := range handles {
		so, ok := k.syncobjs[h]
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "reset syncobj %d", h)
		}
		so.point = unsignaled
	}
	return nil
}

func (k *Kernel) SyncobjSignal(handles ...uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, h := range handles {
		so, ok := k.syncobjs[h]
		if !ok {
			return errors.Wrapf(drm.ErrNoSuchHandle, "signal syncobj %d", h)
		}
		so.point = 0
	}
	k.broadcastLocked()
	return nil
}

func (k *Kernel) SyncobjExportSyncFile(handle uint32) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	so, ok := k.syncobjs[handle]
	if !ok {
		return -1, errors.Wrapf(drm.ErrNoSuchHandle, "export syncobj %d", handle)
	}
	if so.point == unsignaled {
		return -1, errors.Wrapf(drm.ErrNoFence, "export syncobj %d", handle)
	}
	fd := k.nextFD
	k.nextFD++
	k.syncFiles[fd] = so.point
	return fd, nil
}

func (k *Kernel) SyncobjImportSyncFile(handle uint32, fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	so, ok := k.syncobjs[handle]
	if !ok {
		return errors.Wrapf(drm.ErrNoSuchHandle, "import into syncobj %d", handle)
	}
	p, ok := k.syncFiles[fd]
	if !ok {
		return errors.Wrapf(drm.ErrBadFD, "import sync file %d", fd)
	}
	so.point = p
	k.broadcastLocked()
	return nil
}

func (k *Kernel) SyncobjHandleToFD(handle uint32) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	so, ok := k.syncobjs[handle]
	if !ok {
		return -1, errors.Wrapf(drm.ErrNoSuchHandle, "export syncobj %d", handle)
	}
	fd := k.nextFD
	k.nextFD++
	k.opaqueFDs[fd] = so
	return fd, nil
}

func (k *Kernel) SyncobjFDToHandle(fd int) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	so, ok := k.opaqueFDs[fd]
	if !ok {
		return 0, errors.Wrapf(drm.ErrBadFD, "import syncobj fd %d", fd)
	}
	h := k.nextHandle
	k.nextHandle++
	k.syncobjs[h] = so
	return h, nil
}

func (k *Kernel) CloseFD(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.syncFiles[fd]; ok {
		delete(k.syncFiles, fd)
		return nil
	}
	if _, ok := k.opaqueFDs[fd]; ok {
		delete(k.opaqueFDs, fd)
		return nil
	}
	return errors.Wrapf(drm.ErrBadFD, "close %d", fd)
}

// Close waits for outstanding submissions and releases every HAL object
// the kernel created, the device included when the kernel opened it.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	value := k.value
	k.mu.Unlock()

	var err error
	if !k.reached(value, closeTimeout) {
		err = errors.Wrapf(drm.ErrTimeout, "halkernel: close: timeline point %d", value)
	}

	k.mu.Lock()
	for _, p := range k.pending {
		k.device.FreeCommandBuffer(p.cmd)
	}
	k.pending = nil
	for h, b := range k.bos {
		k.device.DestroyBuffer(b.buf)
		delete(k.bos, h)
	}
	k.broadcastLocked()
	k.mu.Unlock()

	k.device.DestroyFence(k.fence)
	if k.instance != nil {
		k.device.Destroy()
		k.instance.Destroy()
	}
	slogger().Info("halkernel: closed", "submits", k.submits)
	return err
}
