// Package bo manages V3D buffer objects: GPU-visible memory blocks
// referenced by command lists and kernel submissions.
package bo

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// PageSize is the allocation granularity of the kernel.
const PageSize = 4096

// BO errors.
var (
	// ErrOutOfMemory is returned when the kernel cannot allocate a block.
	ErrOutOfMemory = errors.New("bo: out of device memory")

	// ErrMapFailed is returned when a block cannot be mapped.
	ErrMapFailed = errors.New("bo: map failed")

	// ErrDoubleFree is returned when a block is freed twice.
	ErrDoubleFree = errors.New("bo: double free")

	// ErrManagerClosed is returned when operating on a closed manager.
	ErrManagerClosed = errors.New("bo: manager closed")
)

// BO is one GPU-visible memory block.
type BO struct {
	Handle uint32
	Size   uint32
	// Offset is the GPU virtual address of the first byte.
	Offset uint32
	Name   string

	// Private blocks belong to the driver (CLs, tile state) and are
	// recycled through the cache when freed.
	Private bool

	// Map is the CPU mapping, nil until mapped.
	Map []byte

	// HandleBit is a one-bit fingerprint of Handle used to skip set lookups.
	HandleBit uint64
}

func newBO(handle, size, offset uint32, name string, private bool) *BO {
	return &BO{
		Handle:    handle,
		Size:      size,
		Offset:    offset,
		Name:      name,
		Private:   private,
		HandleBit: 1 << (handle % 64),
	}
}

// String returns a short description for logs.
func (b *BO) String() string {
	if b == nil {
		return "BO(nil)"
	}
	return fmt.Sprintf("BO(%d %q %d bytes @%#x)", b.Handle, b.Name, b.Size, b.Offset)
}

// Allocator is the memory-block contract the job engine consumes.
type Allocator interface {
	// Alloc returns a block of at least size bytes.
	Alloc(size uint32, name string, private bool) (*BO, error)
	// Map makes the first size bytes of the block CPU-accessible. Mapping
	// an already mapped block is a no-op.
	Map(b *BO, size uint32) error
	// Free releases the block.
	Free(b *BO) error
	// Wait reports whether the block became idle within timeout.
	Wait(b *BO, timeout time.Duration) bool
}

// Region is a byte range inside a block, the storage behind a buffer.
type Region struct {
	BO     *BO
	Offset uint32
	Size   uint32
}

// Address returns the GPU address of offset within the region.
func (r Region) Address(offset uint32) uint32 {
	return r.BO.Offset + r.Offset + offset
}

// Bytes returns the mapped bytes of the region. The block must be mapped.
func (r Region) Bytes() []byte {
	return r.BO.Map[r.Offset : r.Offset+r.Size]
}

// alignPage rounds size up to a whole number of pages.
func alignPage(size uint32) uint32 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}
