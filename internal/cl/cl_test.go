package cl

import (
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/v3dv/drm/sim"
	"github.com/gogpu/v3dv/internal/bo"
)

type testOwner struct {
	alloc     bo.Allocator
	set       bo.Set
	oom       bool
	secondary bool
}

func (o *testOwner) BOAllocator() bo.Allocator { return o.alloc }
func (o *testOwner) AddBO(b *bo.BO)            { o.set.Add(b) }
func (o *testOwner) AddBOUnchecked(b *bo.BO)   { o.set.AddUnchecked(b) }
func (o *testOwner) FlagOOM()                  { o.oom = true }
func (o *testOwner) IsSecondary() bool         { return o.secondary }

func newOwner(t *testing.T, secondary bool) (*testOwner, *bo.Manager) {
	t.Helper()
	k := sim.New()
	m := bo.NewManager(k, bo.CacheConfig{Disabled: true})
	t.Cleanup(func() {
		m.Close()
		_ = k.Close()
	})
	return &testOwner{alloc: m, secondary: secondary}, m
}

// failingAllocator refuses every allocation.
type failingAllocator struct{ bo.Allocator }

func (failingAllocator) Alloc(uint32, string, bool) (*bo.BO, error) {
	return nil, errors.New("no memory")
}

func TestEnsureSpaceWithBranchNoGrowth(t *testing.T) {
	owner, _ := newOwner(t, false)
	var c CL
	c.Init(owner)
	assert.Equal(t, StateEmpty, c.State())
	assert.True(t, c.Empty())

	require.NoError(t, c.EnsureSpaceWithBranch(16))
	first := c.BO()
	require.NotNil(t, first)
	assert.Equal(t, StateWriting, c.State())

	_, err := c.Emit(OpNop)
	require.NoError(t, err)
	require.NoError(t, c.EnsureSpaceWithBranch(16))
	assert.Same(t, first, c.BO(), "room available: no new block")
	assert.Equal(t, uint32(1), c.Offset())
	assert.Equal(t, 1, owner.set.Len())
}

// Growth always leaves a BRANCH to the new block as the last packet of the
// abandoned block.
func TestGrowthBranchesPrimary(t *testing.T) {
	owner, _ := newOwner(t, false)
	var c CL
	c.Init(owner)

	r := rand.New(rand.NewPCG(1, 2))
	for range 2000 {
		n := uint32(r.IntN(200)) + 1
		before := len(c.Blocks())
		require.NoError(t, c.EnsureSpaceWithBranch(n))
		start := c.Offset()
		assert.LessOrEqual(t, start+n+BranchLength, c.Size(), "reserved space must fit")

		c.EmitBytes(make([]byte, n))
		assert.Equal(t, start+n, c.Offset())

		if len(c.Blocks()) > before && before > 0 {
			old := c.Blocks()[before-1]
			assert.Equal(t, TermBranch, old.Terminator)
			pkts, err := Decode(old.BO.Map[old.End-BranchLength : old.End])
			require.NoError(t, err)
			require.Len(t, pkts, 1)
			assert.Equal(t, OpBranch, pkts[0].Op)
			assert.Equal(t, c.BO().Offset, pkts[0].Fields[0], "branch targets the start of the new block")
		}
	}

	blocks := c.Blocks()
	require.Greater(t, len(blocks), 1)
	for _, b := range blocks[:len(blocks)-1] {
		assert.Equal(t, TermBranch, b.Terminator)
	}
	assert.Equal(t, TermNone, blocks[len(blocks)-1].Terminator)
	assert.Equal(t, len(blocks), owner.set.Len(), "every block is referenced by the owner")
}

// Secondary lists close each abandoned block with exactly one RETURN and
// never branch.
func TestGrowthReturnsSecondary(t *testing.T) {
	owner, _ := newOwner(t, true)
	var c CL
	c.Init(owner)

	for range 3000 {
		_, err := c.Emit(OpVertexArrayPrims, 4, 0, 3)
		require.NoError(t, err)
	}

	blocks := c.Blocks()
	require.Greater(t, len(blocks), 2)
	for i, b := range blocks {
		pkts, err := Decode(b.BO.Map[:b.End])
		require.NoError(t, err)

		var returns, branches int
		for _, p := range pkts {
			switch p.Op {
			case OpReturnFromSubList:
				returns++
			case OpBranch:
				branches++
			}
		}
		assert.Zero(t, branches)
		if i == len(blocks)-1 {
			assert.Equal(t, TermNone, b.Terminator)
			assert.Zero(t, returns, "live block has an open tail")
		} else {
			assert.Equal(t, TermReturn, b.Terminator)
			assert.Equal(t, 1, returns)
			assert.Equal(t, OpReturnFromSubList, pkts[len(pkts)-1].Op)
		}
	}
}

func TestEnsureSpaceAligns(t *testing.T) {
	owner, _ := newOwner(t, false)
	var c CL
	c.Init(owner)

	off, err := c.EnsureSpace(4, 4)
	require.NoError(t, err)
	assert.Zero(t, off)
	c.EmitBytes([]byte{1})

	off, err = c.EnsureSpace(4, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), off)
	addr := c.EmitU32(0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), ReadU32(addr))
	WriteU32(addr, 7)
	assert.Equal(t, uint32(7), ReadU32(addr))

	// A request that does not fit allocates an unchained block.
	first := c.BO()
	off, err = c.EnsureSpace(c.Size(), 4)
	require.NoError(t, err)
	assert.Zero(t, off)
	assert.NotSame(t, first, c.BO())
	assert.Equal(t, TermNone, c.Blocks()[0].Terminator)
}

func TestAllocationFailureFlagsOOM(t *testing.T) {
	owner, _ := newOwner(t, false)
	owner.alloc = failingAllocator{owner.alloc}
	var c CL
	c.Init(owner)

	err := c.EnsureSpaceWithBranch(8)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.True(t, owner.oom)
	assert.Equal(t, StateEmpty, c.State(), "list keeps its last valid state")

	_, err = c.Emit(OpNop)
	assert.Error(t, err)
}

func TestDestroyFreesBlocksOnce(t *testing.T) {
	owner, m := newOwner(t, false)
	var c CL
	c.Init(owner)
	for range 2000 {
		_, err := c.Emit(OpStoreTileBufferGeneral, 0, 0, 0, 0, 0)
		require.NoError(t, err)
	}
	blocks := len(c.Blocks())
	require.Greater(t, blocks, 1)
	assert.Equal(t, blocks, m.Stats().LiveCount)

	c.Destroy()
	assert.Zero(t, m.Stats().LiveCount)
	assert.Equal(t, StateClosed, c.State())
	assert.Nil(t, c.BO())

	c.Destroy()
	assert.Equal(t, uint64(blocks), m.Stats().Frees)
}

func TestRelocAddsBlock(t *testing.T) {
	owner, m := newOwner(t, false)
	var c CL
	c.Init(owner)

	target, err := m.Alloc(bo.PageSize, "tile_alloc", false)
	require.NoError(t, err)

	_, err = c.Emit(OpStartAddressOfGenericTile, c.Reloc(Address{BO: target, Offset: 64}), 0)
	require.NoError(t, err)
	assert.True(t, owner.set.Contains(target))

	pkts, err := Decode(c.BO().Map[:c.Offset()])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, target.Offset+64, pkts[0].Fields[0])
}

func TestPacketLengths(t *testing.T) {
	tests := []struct {
		op   Opcode
		want uint32
	}{
		{OpHalt, 1},
		{OpBranch, 5},
		{OpReturnFromSubList, 1},
		{OpStartAddressOfGenericTile, 9},
		{OpStoreTileBufferGeneral, 13},
		{OpTileBinningModeCfg, 9},
		{OpOcclusionQueryCounter, 5},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Length(tt.op))
		})
	}
}
