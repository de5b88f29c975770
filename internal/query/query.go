// Package query implements occlusion and timestamp query pools.
//
// Occlusion queries are 32-bit counters written by the GPU into a shared
// block, grouped sixteen to a 1 KiB aligned slot. Timestamp queries hold a
// CPU-written 64-bit value. Availability is tracked on the CPU: a query is
// "maybe available" once the job that ends it has been submitted.
package query

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/bo"
)

// Query errors.
var (
	// ErrNotReady is returned by Results when a requested query is not
	// available and partial results were not requested.
	ErrNotReady = errors.New("query: not ready")

	// ErrDeviceLost is returned when a waited query never becomes
	// available.
	ErrDeviceLost = errors.New("query: device lost")
)

// DefaultTimeout bounds the wait for a query to be ended.
const DefaultTimeout = 2 * time.Second

// Type is the pool type.
type Type int

const (
	TypeOcclusion Type = iota
	TypeTimestamp
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeOcclusion:
		return "occlusion"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ResultFlags select how Results reports values.
type ResultFlags uint32

const (
	Result64Bit ResultFlags = 1 << iota
	ResultWait
	ResultWithAvailability
	ResultPartial
)

const (
	groupSize  = 16
	groupBytes = 1024
)

type slot struct {
	maybeAvailable bool
	offset         uint32 // occlusion: counter offset in the pool block
	value          uint64 // timestamp
}

// Pool is a query pool.
//
// Pool is safe for concurrent use.
type Pool struct {
	typ     Type
	alloc   bo.Allocator
	bo      *bo.BO
	timeout time.Duration

	mu      sync.Mutex
	ended   chan struct{}
	queries []slot
}

// NewPool creates a pool of count queries. Occlusion pools allocate their
// counter block from alloc. timeout bounds waits for a query to be ended
// and defaults to DefaultTimeout.
func NewPool(alloc bo.Allocator, typ Type, count uint32, timeout time.Duration) (*Pool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pool{
		typ:     typ,
		alloc:   alloc,
		timeout: timeout,
		ended:   make(chan struct{}),
		queries: make([]slot, count),
	}

	if typ == TypeOcclusion {
		groups := (count + groupSize - 1) / groupSize
		size := groups * groupBytes
		if size == 0 {
			size = groupBytes
		}
		b, err := alloc.Alloc(size, "query", true)
		if err != nil {
			return nil, errors.Wrap(err, "query: allocate pool")
		}
		if err := alloc.Map(b, size); err != nil {
			_ = alloc.Free(b)
			return nil, errors.Wrap(err, "query: map pool")
		}
		p.bo = b
		for i := range p.queries {
			q := uint32(i)
			p.queries[i].offset = q/groupSize*groupBytes + q%groupSize*4
		}
	}
	return p, nil
}

// Destroy frees the counter block.
func (p *Pool) Destroy() {
	if p.bo != nil {
		_ = p.alloc.Free(p.bo)
		p.bo = nil
	}
}

// Type returns the pool type.
func (p *Pool) Type() Type { return p.typ }

// Count returns the number of queries.
func (p *Pool) Count() uint32 { return uint32(len(p.queries)) }

// BO returns the counter block of an occlusion pool.
func (p *Pool) BO() *bo.BO { return p.bo }

// Offset returns the counter offset of query q within BO.
func (p *Pool) Offset(q uint32) uint32 { return p.queries[q].offset }

// MaybeAvailable reports whether query q has been ended since its reset.
func (p *Pool) MaybeAvailable(q uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[q].maybeAvailable
}

// Reset clears count queries starting at first. For occlusion pools it
// first waits for the GPU to stop using the counter block.
func (p *Pool) Reset(first, count uint32) {
	if p.typ == TypeOcclusion {
		p.alloc.Wait(p.bo, -1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := first; i < first+count; i++ {
		q := &p.queries[i]
		q.maybeAvailable = false
		switch p.typ {
		case TypeOcclusion:
			binary.LittleEndian.PutUint32(p.bo.Map[q.offset:], 0)
		case TypeTimestamp:
			q.value = 0
		}
	}
}

// End marks count queries starting at q as maybe available and wakes
// waiters.
func (p *Pool) End(q, count uint32) {
	p.mu.Lock()
	for i := q; i < q+count; i++ {
		p.queries[i].maybeAvailable = true
	}
	p.broadcastLocked()
	p.mu.Unlock()
}

// SetTimestamp stores value in query q and marks count queries starting
// at q available. Under multiview only the first view gets the timestamp,
// the others read zero.
func (p *Pool) SetTimestamp(q, count uint32, value uint64) {
	p.mu.Lock()
	for i := q; i < q+count; i++ {
		if i == q {
			p.queries[i].value = value
		}
		p.queries[i].maybeAvailable = true
	}
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *Pool) broadcastLocked() {
	close(p.ended)
	p.ended = make(chan struct{})
}

// waitEnded waits up to the pool timeout for query q to be ended.
func (p *Pool) waitEnded(q uint32) bool {
	deadline := time.Now().Add(p.timeout)
	for {
		p.mu.Lock()
		ok := p.queries[q].maybeAvailable
		ch := p.ended
		p.mu.Unlock()
		if ok {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		t := time.NewTimer(remaining)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
		}
	}
}

// result returns availability and value of query q.
func (p *Pool) result(q uint32, wait bool) (bool, uint64, error) {
	if wait && !p.waitEnded(q) {
		return false, 0, errors.Wrapf(ErrDeviceLost, "query %d never ended", q)
	}

	p.mu.Lock()
	s := p.queries[q]
	p.mu.Unlock()

	switch p.typ {
	case TypeOcclusion:
		available := s.maybeAvailable
		if wait {
			p.alloc.Wait(p.bo, -1)
		} else {
			available = available && p.alloc.Wait(p.bo, 0)
		}
		return available, uint64(binary.LittleEndian.Uint32(p.bo.Map[s.offset:])), nil
	default:
		return s.maybeAvailable, s.value, nil
	}
}

// Results writes count query results starting at first into dst, one
// record every stride bytes. Without ResultWait or ResultPartial,
// unavailable queries are skipped and ErrNotReady is returned; the
// availability word is still written if requested.
func (p *Pool) Results(first, count uint32, dst []byte, stride uint64, flags ResultFlags) error {
	if first+count > p.Count() {
		return errors.AssertionFailedf("query: range %d+%d exceeds pool of %d", first, count, p.Count())
	}
	do64 := flags&Result64Bit != 0
	wait := flags&ResultWait != 0
	partial := flags&ResultPartial != 0

	var result error
	var pos uint64
	for i := first; i < first+count; i++ {
		available, value, err := p.result(i, wait)
		if err != nil {
			result = err
		}

		write := available || partial
		n := 0
		if write {
			writeValue(dst[pos:], n, do64, value)
		}
		n++
		if flags&ResultWithAvailability != 0 {
			var v uint64
			if available {
				v = 1
			}
			writeValue(dst[pos:], n, do64, v)
		}
		if !write && !errors.Is(result, ErrDeviceLost) {
			result = ErrNotReady
		}
		pos += stride
	}
	return result
}

func writeValue(dst []byte, index int, do64 bool, v uint64) {
	if do64 {
		binary.LittleEndian.PutUint64(dst[index*8:], v)
	} else {
		binary.LittleEndian.PutUint32(dst[index*4:], uint32(v))
	}
}
