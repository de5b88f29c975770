package v3dv

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/internal/bo"
)

// Device is an open V3D device: a kernel, its block manager, the sync
// timeline shared by every submission and the single Queue.
//
// Device methods are safe for concurrent use unless noted otherwise.
type Device struct {
	kernel drm.Kernel
	config Config
	bos    *bo.Manager

	// mu serializes kernel submissions with lastJobSync updates so that a
	// job always waits on the out-fence of the job submitted before it.
	mu          sync.Mutex
	lastJobSync uint32

	queue *Queue
	stats counters

	// One-shot failure warnings.
	clWarned  atomic.Bool
	csdWarned atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates a device on top of kernel. The kernel stays owned by the
// caller and is not closed by Device.Close.
func Open(kernel drm.Kernel, opts ...Option) (*Device, error) {
	if kernel == nil {
		return nil, errors.New("v3dv: nil kernel")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	d := &Device{
		kernel: kernel,
		config: o.config.withDefaults(),
	}
	d.bos = bo.NewManager(kernel, d.config.BOCache)

	syncobj, err := kernel.SyncobjCreate(true)
	if err != nil {
		d.bos.Close()
		return nil, errors.Wrap(err, "v3dv: create last job syncobj")
	}
	d.lastJobSync = syncobj
	d.queue = newQueue(d)

	registerDevice(d)
	slogger().Info("v3dv: device opened",
		"always_flush", d.config.AlwaysFlush,
		"max_wait_threads", d.config.MaxWaitThreads,
		"bo_cache_mb", d.config.BOCache.MaxMB)
	return d, nil
}

// Close waits for outstanding work, aborts wait goroutines still blocked
// on events and releases the device resources. Calling Close more than
// once is a no-op.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.queue.shutdown()
		if werr := d.queue.gpuWaitIdle(); werr != nil {
			err = werr
		}
		d.queue.destroyNoopJob()

		d.mu.Lock()
		if serr := d.kernel.SyncobjDestroy(d.lastJobSync); serr != nil && err == nil {
			err = errors.Wrap(serr, "v3dv: destroy last job syncobj")
		}
		d.lastJobSync = 0
		d.mu.Unlock()

		d.bos.Close()
		unregisterDevice(d)
		slogger().Info("v3dv: device closed", "stats", d.Stats().String())
	})
	return err
}

// Queue returns the device queue.
func (d *Device) Queue() *Queue { return d.queue }

// Kernel returns the kernel the device was opened on.
func (d *Device) Kernel() drm.Kernel { return d.kernel }

// Config returns the effective configuration.
func (d *Device) Config() Config { return d.config }

// WaitIdle blocks until every submitted job, wait goroutine included, has
// completed.
func (d *Device) WaitIdle() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.queue.WaitIdle()
}

// allocator returns the block allocator jobs record into.
func (d *Device) allocator() bo.Allocator { return d.bos }
