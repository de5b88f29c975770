package job

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/cl"
)

// InternalBPP is the per-pixel tile buffer depth of a render target.
type InternalBPP uint8

const (
	BPP32 InternalBPP = iota
	BPP64
	BPP128
)

// MaxSupertiles bounds the supertile grid of a frame.
const MaxSupertiles = 256

// tileSizes lists tile width/height pairs from largest to smallest.
var tileSizes = [...][2]uint32{
	{64, 64},
	{64, 32},
	{32, 32},
	{32, 16},
	{16, 16},
	{16, 8},
	{8, 8},
}

// Tiling is the frame geometry of a render job.
type Tiling struct {
	Width, Height, Layers uint32
	RenderTargetCount     uint32
	InternalBPP           InternalBPP
	MSAA                  bool

	TileWidth, TileHeight uint32
	DrawTilesX, DrawTilesY uint32

	SupertileWidth, SupertileHeight                 uint32
	FrameWidthInSupertiles, FrameHeightInSupertiles uint32
}

// TileSize returns the tile dimensions for a render target setup. Tiles
// shrink as render targets, bit depth or multisampling increase.
func TileSize(renderTargets uint32, bpp InternalBPP, msaa bool) (uint32, uint32) {
	idx := 0
	if renderTargets > 2 {
		idx += 2
	} else if renderTargets > 1 {
		idx++
	}
	if msaa {
		idx += 2
	}
	idx += int(bpp)
	if idx >= len(tileSizes) {
		panic(errors.AssertionFailedf("job: no tile size for %d RTs, bpp %d, msaa %v", renderTargets, bpp, msaa))
	}
	return tileSizes[idx][0], tileSizes[idx][1]
}

// ComputeTiling computes the frame geometry. Supertiles grow, alternating
// width then height, until the frame holds fewer than MaxSupertiles.
func ComputeTiling(width, height, layers, renderTargets uint32, bpp InternalBPP, msaa bool) Tiling {
	t := Tiling{
		Width:             width,
		Height:            height,
		Layers:            layers,
		RenderTargetCount: renderTargets,
		InternalBPP:       bpp,
		MSAA:              msaa,
	}
	t.TileWidth, t.TileHeight = TileSize(renderTargets, bpp, msaa)
	t.DrawTilesX = divRoundUp(width, t.TileWidth)
	t.DrawTilesY = divRoundUp(height, t.TileHeight)

	t.SupertileWidth, t.SupertileHeight = 1, 1
	for {
		t.FrameWidthInSupertiles = divRoundUp(t.DrawTilesX, t.SupertileWidth)
		t.FrameHeightInSupertiles = divRoundUp(t.DrawTilesY, t.SupertileHeight)
		if t.FrameWidthInSupertiles*t.FrameHeightInSupertiles < MaxSupertiles {
			break
		}
		if t.SupertileWidth < t.SupertileHeight {
			t.SupertileWidth++
		} else {
			t.SupertileHeight++
		}
	}
	return t
}

// Tile memory sizing.
const (
	tileAllocInitial = 64
	tileAllocChunks  = 8192
	tileAllocExtra   = 512 * 1024
	tileStatePerTile = 256
)

// StartFrame sets up the tiling of a render job, allocates its tile
// allocation and tile state blocks and emits the binning prolog. On
// allocation failure the job is flagged out of memory.
func (j *Job) StartFrame(width, height, layers, renderTargets uint32, bpp InternalBPP, msaa bool) error {
	j.Tiling = ComputeTiling(width, height, layers, renderTargets, bpp, msaa)
	t := &j.Tiling

	if err := j.BCL.EnsureSpaceWithBranch(256); err != nil {
		return err
	}

	tiles := t.Layers * t.DrawTilesX * t.DrawTilesY
	allocSize := align(tileAllocInitial*tiles, 4096) + tileAllocChunks + tileAllocExtra
	var err error
	if j.TileAlloc, err = j.AllocPrivate(allocSize, "tile_alloc"); err != nil {
		return err
	}
	if j.TileState, err = j.AllocPrivate(tiles*tileStatePerTile, "TSDA"); err != nil {
		return err
	}

	if err := j.emitBinningProlog(); err != nil {
		return err
	}

	j.EZState = EZUndecided
	j.FirstEZState = EZUndecided
	return nil
}

func (j *Job) emitBinningProlog() error {
	t := &j.Tiling
	msaa := uint32(0)
	if t.MSAA {
		msaa = 1
	}
	rts := max(t.RenderTargetCount, 1)

	// NUMBER_OF_LAYERS must precede the binning mode configuration.
	if _, err := j.BCL.Emit(cl.OpNumberOfLayers, t.Layers); err != nil {
		return err
	}
	if _, err := j.BCL.Emit(cl.OpTileBinningModeCfg, t.Width, t.Height, rts, msaa, uint32(t.InternalBPP)); err != nil {
		return err
	}
	if _, err := j.BCL.Emit(cl.OpFlushVCDCache); err != nil {
		return err
	}
	_, err := j.BCL.Emit(cl.OpStartTileBinning)
	return err
}

// EmitBinningFlush terminates the binning list.
func (j *Job) EmitBinningFlush() error {
	_, err := j.BCL.Emit(cl.OpFlush)
	return err
}

func divRoundUp(n, d uint32) uint32 {
	return (n + d - 1) / d
}

func align(n, a uint32) uint32 {
	return (n + a - 1) / a * a
}
