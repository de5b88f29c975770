package bo

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
)

// Stats contains block manager statistics.
type Stats struct {
	// LiveCount and LiveBytes describe blocks currently handed out.
	LiveCount int
	LiveBytes uint64

	// Allocs counts kernel allocations, Frees kernel releases.
	Allocs uint64
	Frees  uint64

	Cache CacheStats
}

// String returns a human-readable string of manager stats.
func (s Stats) String() string {
	return fmt.Sprintf("BO[%d live, %d KB, %d allocs, %d frees] %s",
		s.LiveCount, s.LiveBytes/1024, s.Allocs, s.Frees, s.Cache)
}

// Manager allocates blocks from a kernel and recycles private blocks
// through a Cache.
//
// Manager is safe for concurrent use.
type Manager struct {
	kernel drm.Kernel
	cache  *Cache

	mu     sync.Mutex
	live   map[*BO]struct{}
	allocs uint64
	frees  uint64
	closed bool
}

// NewManager creates a block manager on top of kernel.
func NewManager(kernel drm.Kernel, config CacheConfig) *Manager {
	m := &Manager{
		kernel: kernel,
		live:   make(map[*BO]struct{}),
	}
	if !config.Disabled {
		m.cache = NewCache(config, m.release)
	}
	return m
}

var _ Allocator = (*Manager)(nil)

// Alloc returns a page-aligned block of at least size bytes. Private
// blocks are served from the cache when an idle one of the same size
// exists. If the kernel is out of memory the cache is flushed and the
// allocation retried once.
func (m *Manager) Alloc(size uint32, name string, private bool) (*BO, error) {
	if size == 0 {
		size = 1
	}
	size = alignPage(size)

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	if private && m.cache != nil {
		if b := m.cache.Get(size, m.idle); b != nil {
			b.Name = name
			m.track(b)
			slogger().Debug("bo: reused cached block", "bo", b.String())
			return b, nil
		}
	}

	handle, offset, err := m.kernel.CreateBO(size)
	if err != nil && m.cache != nil && m.cache.Len() > 0 {
		slogger().Debug("bo: allocation failed, flushing cache", "size", size, "err", err)
		m.cache.Flush()
		handle, offset, err = m.kernel.CreateBO(size)
	}
	if err != nil {
		return nil, errors.Join(errors.Wrapf(err, "bo: create %q (%d bytes)", name, size), ErrOutOfMemory)
	}

	b := newBO(handle, size, offset, name, private)
	m.mu.Lock()
	m.allocs++
	m.mu.Unlock()
	m.track(b)
	return b, nil
}

// Map maps the first size bytes of b. Mapping an already mapped block is
// a no-op.
func (m *Manager) Map(b *BO, size uint32) error {
	if b.Map != nil {
		return nil
	}
	if size == 0 || size > b.Size {
		size = b.Size
	}
	data, err := m.kernel.MmapBO(b.Handle, size)
	if err != nil {
		return errors.Join(errors.Wrapf(err, "bo: map %s", b), ErrMapFailed)
	}
	b.Map = data
	return nil
}

// Free releases b. Private blocks go to the cache, others to the kernel.
// Freeing a block twice returns ErrDoubleFree and leaves state untouched.
func (m *Manager) Free(b *BO) error {
	if b == nil {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.live[b]; !ok {
		m.mu.Unlock()
		slogger().Warn("bo: double free", "bo", b.String())
		return errors.Wrapf(ErrDoubleFree, "bo: free %s", b)
	}
	delete(m.live, b)
	closed := m.closed
	m.mu.Unlock()

	if b.Private && m.cache != nil && !closed {
		m.cache.Put(b)
		return nil
	}
	m.release(b)
	return nil
}

// Wait reports whether b became idle within timeout.
func (m *Manager) Wait(b *BO, timeout time.Duration) bool {
	return m.kernel.WaitBO(b.Handle, timeout) == nil
}

// IsLive reports whether b is currently allocated and not freed.
func (m *Manager) IsLive(b *BO) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[b]
	return ok
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{LiveCount: len(m.live), Allocs: m.allocs, Frees: m.frees}
	for b := range m.live {
		s.LiveBytes += uint64(b.Size)
	}
	m.mu.Unlock()

	if m.cache != nil {
		s.Cache = m.cache.Stats()
	}
	return s
}

// Close releases every cached block. Blocks still live are left to their
// owners; freeing them afterwards bypasses the cache.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.Flush()
	}
}

func (m *Manager) track(b *BO) {
	m.mu.Lock()
	m.live[b] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) idle(b *BO) bool {
	return m.kernel.WaitBO(b.Handle, 0) == nil
}

// release hands b back to the kernel.
func (m *Manager) release(b *BO) {
	if err := m.kernel.FreeBO(b.Handle); err != nil {
		slogger().Warn("bo: kernel free failed", "bo", b.String(), "err", err)
	}
	b.Map = nil
	m.mu.Lock()
	m.frees++
	m.mu.Unlock()
}
