// Package sim is an in-process V3D kernel. Submissions run on a single
// engine goroutine in submission order; sync objects, sync files and BO
// busy tracking behave like the DRM syncobj API.
//
// Tests use the hooks to observe or delay execution and to inject
// submission failures.
package sim

import (
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
)

// Kind identifies the submission ioctl.
type Kind int

const (
	KindCL Kind = iota
	KindTFU
	KindCSD
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCL:
		return "CL"
	case KindTFU:
		return "TFU"
	case KindCSD:
		return "CSD"
	default:
		return "Kind(?)"
	}
}

// Record is the log entry of one accepted submission.
type Record struct {
	Seq  uint64
	Kind Kind

	// InSyncs holds the non-zero wait syncobjs. For CL jobs InSyncBCL and
	// InSyncRCL are also kept separately.
	InSyncs   []uint32
	InSyncBCL uint32
	InSyncRCL uint32
	OutSync   uint32

	BOHandles []uint32

	CL  *drm.SubmitCL
	TFU *drm.SubmitTFU
	CSD *drm.SubmitCSD
}

// Hook runs on the engine goroutine when a submission executes, before its
// fence signals.
type Hook func(k *Kernel, r Record)

// Config holds simulator settings.
type Config struct {
	// Latency is added to every submission's execution.
	Latency time.Duration

	// QueueDepth bounds the engine queue. Defaults to 256.
	QueueDepth int

	// AddressBase is the GPU address of the first BO. Defaults to 0x10000.
	AddressBase uint32
}

// Option configures a Kernel.
type Option func(*Config)

// WithLatency sets the per-submission execution latency.
func WithLatency(d time.Duration) Option {
	return func(c *Config) { c.Latency = d }
}

// WithQueueDepth sets the engine queue depth.
func WithQueueDepth(n int) Option {
	return func(c *Config) { c.QueueDepth = n }
}

type fence struct {
	seq  uint64
	done chan struct{}
}

func newFence(seq uint64) *fence {
	return &fence{seq: seq, done: make(chan struct{})}
}

func signaledFence() *fence {
	f := newFence(0)
	close(f.done)
	return f
}

func (f *fence) signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type syncobj struct {
	fence *fence
}

type bufferObject struct {
	handle uint32
	offset uint32
	data   []byte
	busy   *fence
}

// Kernel is the simulated render node. It implements drm.Kernel.
type Kernel struct {
	cfg Config
	eng *engine

	// submitMu orders engine enqueue with sequence allocation.
	submitMu sync.Mutex

	mu         sync.Mutex
	changed    chan struct{}
	closed     bool
	seq        uint64
	nextHandle uint32
	nextOffset uint32
	nextFD     int
	bos        map[uint32]*bufferObject
	syncobjs   map[uint32]*syncobj
	syncFiles  map[int]*fence
	opaqueFDs  map[int]*syncobj
	records    []Record
	hooks      []Hook
	failNext   error
	resume     chan struct{}
}

var _ drm.Kernel = (*Kernel)(nil)

// New starts a simulated kernel.
func New(opts ...Option) *Kernel {
	cfg := Config{QueueDepth: 256, AddressBase: 0x10000}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AddressBase == 0 {
		cfg.AddressBase = 0x10000
	}
	return &Kernel{
		cfg:        cfg,
		eng:        newEngine(cfg.QueueDepth),
		changed:    make(chan struct{}),
		nextHandle: 1,
		nextOffset: cfg.AddressBase,
		nextFD:     3,
		bos:        make(map[uint32]*bufferObject),
		syncobjs:   make(map[uint32]*syncobj),
		syncFiles:  make(map[int]*fence),
		opaqueFDs:  make(map[int]*syncobj),
	}
}

// OnExecute registers a hook run for every executed submission.
func (k *Kernel) OnExecute(h Hook) {
	k.mu.Lock()
	k.hooks = append(k.hooks, h)
	k.mu.Unlock()
}

// FailNext makes the next submission ioctl return err without executing.
func (k *Kernel) FailNext(err error) {
	k.mu.Lock()
	k.failNext = err
	k.mu.Unlock()
}

// Pause holds the engine before the next submission executes. Already
// running work completes.
func (k *Kernel) Pause() {
	k.mu.Lock()
	if k.resume == nil {
		k.resume = make(chan struct{})
	}
	k.mu.Unlock()
}

// Resume releases a paused engine.
func (k *Kernel) Resume() {
	k.mu.Lock()
	if k.resume != nil {
		close(k.resume)
		k.resume = nil
	}
	k.mu.Unlock()
}

// Submissions returns a copy of the submission log in submission order.
func (k *Kernel) Submissions() []Record {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.records)
}

// Pending returns the number of submissions not yet executed.
func (k *Kernel) Pending() int {
	return k.eng.pending()
}

// BOData returns the backing memory of a BO, or nil if the handle is
// unknown. Hooks use it to emulate GPU writes.
func (k *Kernel) BOData(handle uint32) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.bos[handle]; ok {
		return b.data
	}
	return nil
}

// BOByAddress returns the handle of the BO containing the GPU address addr
// and its backing memory from addr to the end of the BO.
func (k *Kernel) BOByAddress(addr uint32) (uint32, []byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for h, b := range k.bos {
		if addr >= b.offset && addr < b.offset+uint32(len(b.data)) {
			return h, b.data[addr-b.offset:], true
		}
	}
	return 0, nil, false
}

// LiveBOs returns the number of allocated BOs.
func (k *Kernel) LiveBOs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.bos)
}

// LiveSyncobjs returns the number of syncobj handles.
func (k *Kernel) LiveSyncobjs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.syncobjs)
}

// broadcastLocked wakes every waiter. Caller must hold mu.
func (k *Kernel) broadcastLocked() {
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Kernel) CreateBO(size uint32) (uint32, uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, 0, drm.ErrClosed
	}
	aligned := (size + 4095) &^ 4095
	b := &bufferObject{
		handle: k.nextHandle,
		offset: k.nextOffset,
		data:   make([]byte, size),
	}
	k.nextHandle++
	k.nextOffset += aligned
	k.bos[b.handle] = b
	return b.handle, b.offset, nil
}

func (k *Kernel) MmapBO(handle, size uint32) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.bos[handle]
	if !ok {
		return nil, errors.Wrapf(drm.ErrNoSuchHandle, "mmap bo %d", handle)
	}
	if int(size) > len(b.data) {
		return nil, errors.Newf("mmap bo %d: size %d exceeds %d", handle, size, len(b.data))
	}
	return b.data[:size:size], nil
}

func (k *Kernel) FreeBO(handle uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.bos[handle]; !ok {
		return errors.Wrapf(drm.ErrNoSuchHandle, "free bo %d", handle)
	}
	delete(k.bos, handle)
	return nil
}

func (k *Kernel) WaitBO(handle uint32, timeout time.Duration) error {
	k.mu.Lock()
	b, ok := k.bos[handle]
	if !ok {
		k.mu.Unlock()
		return errors.Wrapf(drm.ErrNoSuchHandle, "wait bo %d", handle)
	}
	f := b.busy
	k.mu.Unlock()

	if f == nil || f.signaled() {
		return nil
	}
	if timeout == 0 {
		return drm.ErrTimeout
	}
	if timeout < 0 {
		<-f.done
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return nil
	case <-t.C:
		return drm.ErrTimeout
	}
}

func (k *Kernel) SubmitCL(s *drm.SubmitCL) error {
	c := *s
	c.BOHandles = slices.Clone(s.BOHandles)
	return k.submit(Record{
		Kind:      KindCL,
		InSyncBCL: s.InSyncBCL,
		InSyncRCL: s.InSyncRCL,
		OutSync:   s.OutSync,
		BOHandles: c.BOHandles,
		CL:        &c,
	}, []uint32{s.InSyncBCL, s.InSyncRCL})
}

func (k *Kernel) SubmitTFU(s *drm.SubmitTFU) error {
	c := *s
	var handles []uint32
	for _, h := range s.BOHandles {
		if h == 0 {
			break
		}
		handles = append(handles, h)
	}
	return k.submit(Record{
		Kind:      KindTFU,
		OutSync:   s.OutSync,
		BOHandles: handles,
		TFU:       &c,
	}, []uint32{s.InSync})
}

func (k *Kernel) SubmitCSD(s *drm.SubmitCSD) error {
	c := *s
	c.BOHandles = slices.Clone(s.BOHandles)
	return k.submit(Record{
		Kind:      KindCSD,
		OutSync:   s.OutSync,
		BOHandles: c.BOHandles,
		CSD:       &c,
	}, []uint32{s.InSync})
}

func (k *Kernel) submit(rec Record, in []uint32) error {
	k.submitMu.Lock()
	defer k.submitMu.Unlock()

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return drm.ErrClosed
	}
	if err := k.failNext; err != nil {
		k.failNext = nil
		k.mu.Unlock()
		return err
	}

	var waits []*fence
	for _, h := range in {
		if h == 0 {
			continue
		}
		so, ok := k.syncobjs[h]
		if !ok {
			k.mu.Unlock()
			return errors.Wrapf(drm.ErrNoSuchHandle, "submit %s: in sync %d", rec.Kind, h)
		}
		if so.fence == nil {
			k.mu.Unlock()
			return errors.Wrapf(drm.ErrNoFence, "submit %s: in sync %d", rec.Kind, h)
		}
		rec.InSyncs = append(rec.InSyncs, h)
		waits = append(waits, so.fence)
	}
	var out *syncobj
	if rec.OutSync != 0 {
		so, ok := k.syncobjs[rec.OutSync]
		if !ok {
			k.mu.Unlock()
			return errors.Wrapf(drm.ErrNoSuchHandle, "submit %s: out sync %d", rec.Kind, rec.OutSync)
		}
		out = so
	}
	bos := make([]*bufferObject, 0, len(rec.BOHandles))
	for _, h := range rec.BOHandles {
		b, ok := k.bos[h]
		if !ok {
			k.mu.Unlock()
			return errors.Wrapf(drm.ErrNoSuchHandle, "submit %s: bo %d", rec.Kind, h)
		}
		bos = append(bos, b)
	}

	k.seq++
	rec.Seq = k.seq
	f := newFence(k.seq)
	if out != nil {
		out.fence = f
	}
	for _, b := range bos {
		b.busy = f
	}
	k.records = append(k.records, rec)
	k.broadcastLocked()
	k.mu.Unlock()

	slogger().Debug("sim: submit", "seq", rec.Seq, "kind", rec.Kind.String(),
		"in", rec.InSyncs, "out", rec.OutSync, "bos", len(rec.BOHandles))

	if !k.eng.submit(func() { k.execute(rec, waits, f) }) {
		return drm.ErrClosed
	}
	return nil
}

// execute runs on the engine goroutine.
func (k *Kernel) execute(rec Record, waits []*fence, f *fence) {
	for _, w := range waits {
		<-w.done
	}

	k.mu.Lock()
	resume := k.resume
	hooks := slices.Clone(k.hooks)
	latency := k.cfg.Latency
	k.mu.Unlock()

	if resume != nil {
		<-resume
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	for _, h := range hooks {
		h(k, rec)
	}

	k.mu.Lock()
	close(f.done)
	k.broadcastLocked()
	k.mu.Unlock()

	slogger().Debug("sim: executed", "seq", rec.Seq, "kind", rec.Kind.String())
}

func (k *Kernel) SyncobjCreate(signaled bool) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, drm.ErrClosed
	}
	so := &syncobj{}
	if signaled {
		so.fence = signaledFence()
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

func (k *Kernel) SyncobjWait(handles []uint32, deadline time.Time, waitAll bool) error {
	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}

	for {
		k.mu.Lock()
		done := waitAll
		for _, h := range handles {
			so, ok := k.syncobjs[h]
			if !ok {
				k.mu.Unlock()
				return errors.Wrapf(drm.ErrNoSuchHandle, "wait syncobj %d", h)
			}
			sig := so.fence != nil && so.fence.signaled()
			if waitAll && !sig {
				done = false
				break
			}
			if !waitAll && sig {
				done = true
				break
			}
		}
		changed := k.changed
		k.mu.Unlock()

		if done || len(handles) == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-timer:
			return drm.ErrTimeout
		}
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
		so.fence = nil
	}
	k.broadcastLocked()
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
		so.fence = signaledFence()
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
	if so.fence == nil {
		return -1, errors.Wrapf(drm.ErrNoFence, "export syncobj %d", handle)
	}
	fd := k.nextFD
	k.nextFD++
	k.syncFiles[fd] = so.fence
	return fd, nil
}

func (k *Kernel) SyncobjImportSyncFile(handle uint32, fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	so, ok := k.syncobjs[handle]
	if !ok {
		return errors.Wrapf(drm.ErrNoSuchHandle, "import into syncobj %d", handle)
	}
	f, ok := k.syncFiles[fd]
	if !ok {
		return errors.Wrapf(drm.ErrBadFD, "import sync file %d", fd)
	}
	so.fence = f
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

// Close executes every accepted submission and shuts the engine down.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	resume := k.resume
	k.resume = nil
	k.mu.Unlock()

	if resume != nil {
		close(resume)
	}
	k.eng.close()
	return nil
}
