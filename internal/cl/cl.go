// Package cl implements the growable control list: an append-only packet
// stream backed by one or more GPU-mapped blocks. When a block fills up the
// list either branches to a fresh block or, for secondary lists that are
// branched into by a primary, closes the block with a return.
package cl

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/bo"
)

// MinBlockSize is the smallest block a list allocates.
const MinBlockSize = 4096

// ErrOutOfMemory is returned when a new block cannot be allocated or mapped.
var ErrOutOfMemory = errors.New("cl: out of memory")

// Owner is the job a list belongs to. Blocks allocated by the list are
// added to the owner's reference set.
type Owner interface {
	BOAllocator() bo.Allocator
	AddBO(b *bo.BO)
	AddBOUnchecked(b *bo.BO)
	// FlagOOM records an allocation failure on the owner.
	FlagOOM()
	// IsSecondary reports whether the owner is a secondary render job
	// whose lists are reached by a branch from a primary.
	IsSecondary() bool
}

// State is the life-cycle state of a list.
type State int

const (
	// StateEmpty: no block allocated yet.
	StateEmpty State = iota
	// StateWriting: the current block is open for emission.
	StateWriting
	// StateClosed: the list has been destroyed.
	StateClosed
)

// Terminator records how an abandoned block was left.
type Terminator int

const (
	// TermNone marks the live block, or a block abandoned without chaining.
	TermNone Terminator = iota
	// TermBranch: the block ends with a BRANCH to the next block.
	TermBranch
	// TermReturn: the block ends with RETURN_FROM_SUB_LIST.
	TermReturn
)

// Block is one backing block of a list.
type Block struct {
	BO         *bo.BO
	Terminator Terminator
	// End is the number of bytes written into the block. For the live
	// block it tracks the cursor.
	End uint32
}

// Address is a relocatable GPU pointer: a block plus a byte offset.
type Address struct {
	BO     *bo.BO
	Offset uint32
}

// GPU returns the absolute GPU address, or 0 for a nil block.
func (a Address) GPU() uint32 {
	if a.BO == nil {
		return a.Offset
	}
	return a.BO.Offset + a.Offset
}

// CL is a growable control list. The zero value is unusable; call Init.
type CL struct {
	owner  Owner
	blocks []Block
	next   uint32
	size   uint32
	state  State
}

// Init resets the list and binds it to owner.
func (c *CL) Init(owner Owner) {
	*c = CL{owner: owner}
}

// Destroy frees every block in allocation order and resets the list.
// Destroying an empty or destroyed list is a no-op.
func (c *CL) Destroy() {
	if c.owner != nil {
		alloc := c.owner.BOAllocator()
		for _, b := range c.blocks {
			if err := alloc.Free(b.BO); err != nil {
				slogger().Warn("cl: free block failed", "bo", b.BO.String(), "err", err)
			}
		}
	}
	*c = CL{owner: c.owner, state: StateClosed}
}

// State returns the list state.
func (c *CL) State() State { return c.state }

// BO returns the live block, or nil.
func (c *CL) BO() *bo.BO {
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[len(c.blocks)-1].BO
}

// Blocks returns the blocks in allocation order. The live block's End is
// the cursor. The slice must not be modified.
func (c *CL) Blocks() []Block {
	if n := len(c.blocks); n > 0 {
		c.blocks[n-1].End = c.next
	}
	return c.blocks
}

// Offset returns the write cursor within the live block.
func (c *CL) Offset() uint32 { return c.next }

// Size returns the capacity of the live block.
func (c *CL) Size() uint32 { return c.size }

// Empty reports whether nothing has been written to the list.
func (c *CL) Empty() bool {
	return len(c.blocks) == 0 || (len(c.blocks) == 1 && c.next == 0)
}

// Address returns a relocation for offset within the live block.
func (c *CL) Address(offset uint32) Address {
	return Address{BO: c.BO(), Offset: offset}
}

// Current returns a relocation for the write cursor.
func (c *CL) Current() Address {
	return c.Address(c.next)
}

// Start returns a relocation for the first byte of the list.
func (c *CL) Start() Address {
	if len(c.blocks) == 0 {
		return Address{}
	}
	return Address{BO: c.blocks[0].BO}
}

// EnsureSpace aligns the cursor to align and guarantees space bytes of
// room, returning the offset the caller may write at. When the live block
// is too small a new block is allocated without chaining and 0 is
// returned.
func (c *CL) EnsureSpace(space, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	offset := (c.next + align - 1) / align * align
	if c.state == StateWriting && offset+space <= c.size {
		c.next = offset
		return offset, nil
	}
	if err := c.allocBlock(space, false); err != nil {
		return 0, err
	}
	return 0, nil
}

// EnsureSpaceWithBranch guarantees room for space bytes plus the block
// terminator. If the live block is too small it is closed (BRANCH to the
// new block, or RETURN for secondary lists) and a new block is allocated.
func (c *CL) EnsureSpaceWithBranch(space uint32) error {
	needsReturn := c.owner != nil && c.owner.IsSecondary() && c.size > 0
	if needsReturn {
		space += ReturnLength
	} else {
		space += BranchLength
	}

	if c.state == StateWriting && c.next+space <= c.size {
		return nil
	}

	if needsReturn {
		c.emit(OpReturnFromSubList, nil)
		c.blocks[len(c.blocks)-1].Terminator = TermReturn
	}
	return c.allocBlock(space, !needsReturn)
}

// allocBlock switches the list to a fresh block of at least space bytes.
// With branch set and a live block present, a BRANCH to the new block is
// written at the old cursor first.
func (c *CL) allocBlock(space uint32, branch bool) error {
	if c.owner == nil {
		panic(errors.AssertionFailedf("cl: list used before Init"))
	}
	if space < MinBlockSize {
		space = MinBlockSize
	}

	alloc := c.owner.BOAllocator()
	b, err := alloc.Alloc(space, "CL", true)
	if err != nil {
		slogger().Warn("cl: block allocation failed", "size", space, "err", err)
		c.owner.FlagOOM()
		return errors.Join(errors.Wrap(err, "cl: allocate block"), ErrOutOfMemory)
	}
	if err := alloc.Map(b, b.Size); err != nil {
		slogger().Warn("cl: block map failed", "bo", b.String(), "err", err)
		_ = alloc.Free(b)
		c.owner.FlagOOM()
		return errors.Join(errors.Wrap(err, "cl: map block"), ErrOutOfMemory)
	}

	if n := len(c.blocks); n > 0 {
		last := &c.blocks[n-1]
		if branch {
			c.emit(OpBranch, []uint32{b.Offset})
			last.Terminator = TermBranch
		}
		last.End = c.next
	}
	c.owner.AddBOUnchecked(b)

	c.blocks = append(c.blocks, Block{BO: b})
	c.next = 0
	c.size = b.Size
	c.state = StateWriting
	return nil
}

// room panics if n bytes do not fit at the cursor. Callers reserve space
// with EnsureSpaceWithBranch first.
func (c *CL) room(n uint32) []byte {
	if c.state != StateWriting || c.next+n > c.size {
		panic(errors.AssertionFailedf("cl: write of %d bytes at %d overflows block of %d", n, c.next, c.size))
	}
	m := c.BO().Map[c.next : c.next+n]
	c.next += n
	return m
}

func (c *CL) emit(op Opcode, fields []uint32) {
	encode(c.room(Length(op)), op, fields)
}

// Emit reserves space and writes one packet. It returns the offset of the
// packet in the live block.
func (c *CL) Emit(op Opcode, fields ...uint32) (uint32, error) {
	if err := c.EnsureSpaceWithBranch(Length(op)); err != nil {
		return 0, err
	}
	off := c.next
	c.emit(op, fields)
	return off, nil
}

// Reloc adds the block behind a to the owner and returns its GPU address.
func (c *CL) Reloc(a Address) uint32 {
	if a.BO != nil {
		c.owner.AddBO(a.BO)
	}
	return a.GPU()
}

// EmitU32 writes a raw 32-bit word at the cursor, which must already have
// room (see EnsureSpace). It returns the word's address.
func (c *CL) EmitU32(v uint32) Address {
	addr := c.Current()
	binary.LittleEndian.PutUint32(c.room(4), v)
	return addr
}

// EmitBytes copies raw data at the cursor, which must already have room.
func (c *CL) EmitBytes(data []byte) Address {
	addr := c.Current()
	copy(c.room(uint32(len(data))), data)
	return addr
}

// WriteU32 patches a word previously written at a.
func WriteU32(a Address, v uint32) {
	binary.LittleEndian.PutUint32(a.BO.Map[a.Offset:], v)
}

// ReadU32 reads the word at a.
func ReadU32(a Address) uint32 {
	return binary.LittleEndian.Uint32(a.BO.Map[a.Offset:])
}
