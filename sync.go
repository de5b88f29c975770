package v3dv

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
)

// ErrInvalidExternalHandle reports an import of an fd the kernel rejected.
var ErrInvalidExternalHandle = errors.New("v3dv: invalid external handle")

// HandleType selects how a fence or semaphore payload is exported or
// imported.
type HandleType int

const (
	// HandleOpaqueFD shares the sync object itself.
	HandleOpaqueFD HandleType = iota
	// HandleSyncFile carries a snapshot of the current fence. Imports of
	// this type are always temporary.
	HandleSyncFile
)

// payload is the kernel state shared by fences and semaphores: a permanent
// syncobj plus an optional temporary one that takes precedence until it is
// dropped.
type payload struct {
	dev *Device

	mu   sync.Mutex
	sync uint32
	temp uint32
}

func newPayload(d *Device, signaled bool) (*payload, error) {
	h, err := d.kernel.SyncobjCreate(signaled)
	if err != nil {
		return nil, withSentinel(err, ErrOutOfHostMemory, "v3dv: create syncobj")
	}
	return &payload{dev: d, sync: h}, nil
}

// active returns the syncobj that currently represents the payload.
func (p *payload) active() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.temp != 0 {
		return p.temp
	}
	return p.sync
}

// dropTemporary restores the permanent payload and reports whether there
// was a temporary one.
func (p *payload) dropTemporary() bool {
	p.mu.Lock()
	temp := p.temp
	p.temp = 0
	p.mu.Unlock()
	if temp == 0 {
		return false
	}
	if err := p.dev.kernel.SyncobjDestroy(temp); err != nil {
		slogger().Warn("v3dv: destroy temporary syncobj", "handle", temp, "err", err)
	}
	return true
}

func (p *payload) destroy() {
	p.dropTemporary()
	p.mu.Lock()
	h := p.sync
	p.sync = 0
	p.mu.Unlock()
	if h == 0 {
		return
	}
	if err := p.dev.kernel.SyncobjDestroy(h); err != nil {
		slogger().Warn("v3dv: destroy syncobj", "handle", h, "err", err)
	}
}

func (p *payload) export(typ HandleType) (int, error) {
	p.mu.Lock()
	h := p.sync
	p.mu.Unlock()

	var fd int
	var err error
	switch typ {
	case HandleOpaqueFD:
		fd, err = p.dev.kernel.SyncobjHandleToFD(h)
	case HandleSyncFile:
		fd, err = p.dev.kernel.SyncobjExportSyncFile(h)
	default:
		return -1, errors.Wrapf(ErrInvalidExternalHandle, "handle type %d", typ)
	}
	if err != nil {
		return -1, withSentinel(err, ErrOutOfHostMemory, "v3dv: export payload")
	}
	return fd, nil
}

// importFD replaces the payload with the one carried by fd and takes
// ownership of fd. On failure fd is left open.
func (p *payload) importFD(typ HandleType, fd int, temporary bool) error {
	k := p.dev.kernel
	var h uint32
	switch typ {
	case HandleOpaqueFD:
		var err error
		if h, err = k.SyncobjFDToHandle(fd); err != nil {
			return withSentinel(err, ErrInvalidExternalHandle, "v3dv: import opaque fd")
		}
	case HandleSyncFile:
		temporary = true
		var err error
		if h, err = k.SyncobjCreate(false); err != nil {
			return withSentinel(err, ErrOutOfHostMemory, "v3dv: create syncobj")
		}
		// -1 stands for an already signaled sync file.
		if fd == -1 {
			err = k.SyncobjSignal(h)
		} else {
			err = k.SyncobjImportSyncFile(h, fd)
		}
		if err != nil {
			_ = k.SyncobjDestroy(h)
			return withSentinel(err, ErrInvalidExternalHandle, "v3dv: import sync file")
		}
	default:
		return errors.Wrapf(ErrInvalidExternalHandle, "handle type %d", typ)
	}

	p.dropTemporary()
	p.mu.Lock()
	var old uint32
	if temporary {
		p.temp = h
	} else {
		old, p.sync = p.sync, h
	}
	p.mu.Unlock()
	if old != 0 {
		_ = k.SyncobjDestroy(old)
	}
	if fd >= 0 {
		_ = k.CloseFD(fd)
	}
	return nil
}

// Fence is a host-waitable completion signal for a Submit call.
type Fence struct {
	*payload
}

// CreateFence creates a fence, optionally already signaled.
func (d *Device) CreateFence(signaled bool) (*Fence, error) {
	p, err := newPayload(d, signaled)
	if err != nil {
		return nil, err
	}
	return &Fence{p}, nil
}

// Destroy releases the fence.
func (f *Fence) Destroy() { f.destroy() }

// Status returns nil if the fence is signaled and ErrNotReady if not.
func (f *Fence) Status() error {
	err := f.dev.kernel.SyncobjWait([]uint32{f.active()}, time.Now(), true)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, drm.ErrTimeout):
		return ErrNotReady
	default:
		return deviceLost(err, "v3dv: fence status")
	}
}

// Wait blocks until the fence is signaled or timeout elapses. A negative
// timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) error {
	return f.dev.WaitForFences([]*Fence{f}, true, timeout)
}

// Reset unsignals the fence. A temporarily imported payload is dropped
// instead, restoring the permanent one as it was.
func (f *Fence) Reset() error {
	return f.dev.ResetFences(f)
}

// Export returns an fd carrying the fence payload.
func (f *Fence) Export(typ HandleType) (int, error) { return f.export(typ) }

// Import replaces the fence payload with fd, permanently unless temporary
// is set or typ is HandleSyncFile. The fence owns fd on success.
func (f *Fence) Import(typ HandleType, fd int, temporary bool) error {
	return f.importFD(typ, fd, temporary)
}

// ResetFences resets every fence; see Fence.Reset.
func (d *Device) ResetFences(fences ...*Fence) error {
	handles := make([]uint32, 0, len(fences))
	for _, f := range fences {
		if f.dropTemporary() {
			continue
		}
		f.mu.Lock()
		handles = append(handles, f.sync)
		f.mu.Unlock()
	}
	if len(handles) == 0 {
		return nil
	}
	if err := d.kernel.SyncobjReset(handles...); err != nil {
		return withSentinel(err, ErrOutOfHostMemory, "v3dv: reset fences")
	}
	return nil
}

// WaitForFences waits for all fences, or for any one of them when waitAll
// is false. It returns ErrTimeout once timeout elapses; a negative timeout
// waits forever.
func (d *Device) WaitForFences(fences []*Fence, waitAll bool, timeout time.Duration) error {
	deadline := absoluteDeadline(time.Now(), timeout)
	handles := make([]uint32, len(fences))
	for i, f := range fences {
		handles[i] = f.active()
	}

	for {
		err := d.kernel.SyncobjWait(handles, deadline, waitAll)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, drm.ErrTimeout):
			if deadline.IsZero() || !time.Now().Before(deadline) {
				return ErrTimeout
			}
		default:
			return deviceLost(err, "v3dv: wait for fences")
		}
	}
}

// absoluteDeadline turns a relative timeout into a deadline. Negative and
// overflowing timeouts wait forever.
func absoluteDeadline(now time.Time, timeout time.Duration) time.Time {
	if timeout < 0 {
		return drm.Forever
	}
	deadline := now.Add(timeout)
	if deadline.Before(now) {
		return drm.Forever
	}
	return deadline
}

// Semaphore orders GPU work between Submit batches. Signal operations
// import the sync timeline into it.
type Semaphore struct {
	*payload
}

// CreateSemaphore creates an unsignaled semaphore.
func (d *Device) CreateSemaphore() (*Semaphore, error) {
	p, err := newPayload(d, false)
	if err != nil {
		return nil, err
	}
	return &Semaphore{p}, nil
}

// Destroy releases the semaphore.
func (s *Semaphore) Destroy() { s.destroy() }

// Export returns an fd carrying the semaphore payload.
func (s *Semaphore) Export(typ HandleType) (int, error) { return s.export(typ) }

// Import replaces the semaphore payload with fd, permanently unless
// temporary is set or typ is HandleSyncFile. The semaphore owns fd on
// success.
func (s *Semaphore) Import(typ HandleType, fd int, temporary bool) error {
	return s.importFD(typ, fd, temporary)
}

// Signaled reports whether the semaphore's current payload has signaled.
func (s *Semaphore) Signaled() bool {
	return s.dev.kernel.SyncobjWait([]uint32{s.active()}, time.Now(), true) == nil
}
