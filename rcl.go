package v3dv

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
	"github.com/gogpu/v3dv/internal/pass"
)

// emitNoop records a 1x1 frame that draws nothing into j: a binning list
// that only flushes and a render list with a single empty tile.
func emitNoop(j *job.Job) error {
	if err := j.StartFrame(1, 1, 1, 1, job.BPP32, false); err != nil {
		return err
	}
	if err := j.EmitBinningFlush(); err != nil {
		return err
	}

	rcl := &j.RCL
	if err := rcl.EnsureSpaceWithBranch(200 + job.MaxSupertiles*cl.Length(cl.OpSupertileCoordinates)); err != nil {
		return err
	}
	emit := packetWriter{cl: rcl}
	emit.packet(cl.OpTileRenderingModeCfgCommon, 1, 1, 1, 0, uint32(job.BPP32), cl.RenderEarlyZDisable)
	emit.packet(cl.OpTileRenderingModeCfgZSClear, math.Float32bits(1.0), 0)
	emit.packet(cl.OpTileListInitialBlockSize, 0)
	emit.packet(cl.OpMulticoreRenderingTileList, rcl.Reloc(cl.Address{BO: j.TileAlloc}))
	emit.packet(cl.OpMulticoreRenderingSupertile, 1, 1, 1, 1, 1)
	if emit.err != nil {
		return emit.err
	}

	start, end, err := emitTileList(j, func(tl *packetWriter) {
		tl.packet(cl.OpEndOfLoads)
		tl.packet(cl.OpBranchToImplicitTileList, 0)
		tl.packet(cl.OpStoreTileBufferGeneral, cl.BufferNone, 0, 0, 0, 0)
	}, 0)
	if err != nil {
		return err
	}
	emit.packet(cl.OpStartAddressOfGenericTile, rcl.Reloc(start), rcl.Reloc(end))
	emit.packet(cl.OpSupertileCoordinates, 0, 0)
	emit.packet(cl.OpEndOfRendering)
	return emit.err
}

// packetWriter emits packets until the first error.
type packetWriter struct {
	cl  *cl.CL
	err error
}

func (w *packetWriter) packet(op cl.Opcode, fields ...uint32) {
	if w.err != nil {
		return
	}
	_, w.err = w.cl.Emit(op, fields...)
}

// emitTileList writes the generic tile list into the job's indirect list:
// implicit tile coordinates, the body, end of tile and a return. It returns
// the start and end of the list.
func emitTileList(j *job.Job, body func(*packetWriter), bodySize uint32) (start, end cl.Address, err error) {
	ind := &j.Indirect
	if _, err := ind.EnsureSpace(200+bodySize, 1); err != nil {
		return start, end, err
	}
	start = ind.Current()

	tl := packetWriter{cl: ind}
	tl.packet(cl.OpTileCoordinatesImplicit)
	body(&tl)
	tl.packet(cl.OpEndOfTileMarker)
	tl.packet(cl.OpReturnFromSubList)
	if tl.err != nil {
		return start, end, tl.err
	}
	return start, ind.Current(), nil
}

// rclSize bounds the render list of a job: a fixed header plus, per layer,
// the layer setup and one SUPERTILE_COORDINATES per supertile.
func rclSize(layers, renderTargets uint32) uint32 {
	perLayer := 128 + job.MaxSupertiles*cl.Length(cl.OpSupertileCoordinates)
	return 200 + 2*renderTargets*cl.Length(cl.OpTileRenderingModeCfgColor) + layers*perLayer
}

// emitRenderPassRCL writes the render list of a finished render pass job.
// The list lives in one block: the kernel takes a start and end address.
func (cb *CommandBuffer) emitRenderPassRCL(j *job.Job) error {
	s := &cb.state
	fb := s.framebuffer
	if fb == nil {
		panic(errors.AssertionFailedf("v3dv: render list without a framebuffer"))
	}
	rp := s.pass.p
	sp := &rp.Subpasses[s.subpassIdx]
	js := cb.jobState(j)
	t := &j.Tiling

	rcl := &j.RCL
	if err := rcl.EnsureSpaceWithBranch(rclSize(t.Layers, t.RenderTargetCount)); err != nil {
		return err
	}

	j.EarlyZSClear = rp.EarlyZSClear(js)
	disableEZ, direction := j.RCLEarlyZConfig()
	var ezFlags uint32
	if disableEZ {
		ezFlags |= cl.RenderEarlyZDisable
	}
	if direction == job.EZDirectionGtGe {
		ezFlags |= cl.RenderEarlyZDirectionGE
	}
	if j.EarlyZSClear {
		ezFlags |= cl.RenderEarlyDepthClear
	}

	emit := packetWriter{cl: rcl}
	emit.packet(cl.OpTileRenderingModeCfgCommon, t.Width, t.Height, max(t.RenderTargetCount, 1),
		boolU32(t.MSAA), uint32(t.InternalBPP), ezFlags)

	for rt, att := range sp.Color {
		if att == pass.Unused {
			continue
		}
		a := &rp.Attachments[att]
		if !pass.NeedsClear(js, true, rp.FirstSubpass(att, 0), a.Desc.LoadOp, false) {
			continue
		}
		c := cb.clearValue(att).Color
		emit.packet(cl.OpTileRenderingModeCfgColor, uint32(rt), c[0], c[1])
		if a.Desc.InternalBPP > job.BPP32 {
			emit.packet(cl.OpTileRenderingModeCfgColor, uint32(rt)|1<<4, c[2], c[3])
		}
	}

	depth, stencil := float32(1.0), uint32(0)
	if att := sp.DepthStencil; att != pass.Unused {
		cv := cb.clearValue(att)
		depth, stencil = cv.Depth, uint32(cv.Stencil)
	}
	emit.packet(cl.OpTileRenderingModeCfgZSClear, math.Float32bits(depth), stencil)
	emit.packet(cl.OpTileListInitialBlockSize, 0)
	if emit.err != nil {
		return emit.err
	}

	for layer := range t.Layers {
		if err := cb.emitLayerRCL(j, &emit, js, layer); err != nil {
			return err
		}
	}
	emit.packet(cl.OpEndOfRendering)
	return emit.err
}

func (cb *CommandBuffer) emitLayerRCL(j *job.Job, emit *packetWriter, js *pass.JobState, layer uint32) error {
	s := &cb.state
	t := &j.Tiling
	rcl := emit.cl

	tileListBase := cl.Address{BO: j.TileAlloc, Offset: 64 * layer * t.DrawTilesX * t.DrawTilesY}
	emit.packet(cl.OpMulticoreRenderingTileList, rcl.Reloc(tileListBase))
	emit.packet(cl.OpMulticoreRenderingSupertile, t.SupertileWidth, t.SupertileHeight,
		t.FrameWidthInSupertiles, t.FrameHeightInSupertiles, 1)

	// GFXH-1742: two dummy tiles before the first real tile, the first one
	// clearing the tile buffers.
	for i := range 2 {
		if i > 0 {
			emit.packet(cl.OpTileCoordinates, 0, 0)
		}
		emit.packet(cl.OpEndOfLoads)
		emit.packet(cl.OpStoreTileBufferGeneral, cl.BufferNone, 0, 0, 0, 0)
		if i == 0 && s.tileAligned {
			flags := uint32(cl.ClearAllRenderTargets)
			if !j.EarlyZSClear {
				flags |= cl.ClearZStencilBuffer
			}
			emit.packet(cl.OpClearTileBuffers, flags)
		}
		emit.packet(cl.OpEndOfTileMarker)
	}
	emit.packet(cl.OpFlushVCDCache)
	if emit.err != nil {
		return emit.err
	}

	rp := s.pass.p
	loads := rp.PlanLoads(js, layer)
	stores := rp.PlanStores(js, layer, j.EarlyZSClear)
	bodySize := uint32(len(loads.Colors)+len(stores.Colors)+2) * cl.Length(cl.OpStoreTileBufferGeneral)
	start, end, err := emitTileList(j, func(tl *packetWriter) {
		cb.emitLoads(tl, &loads, layer)
		tl.packet(cl.OpEndOfLoads)
		tl.packet(cl.OpBranchToImplicitTileList, 0)
		cb.emitStores(tl, &stores, layer)
	}, bodySize)
	if err != nil {
		return err
	}
	emit.packet(cl.OpStartAddressOfGenericTile, rcl.Reloc(start), rcl.Reloc(end))

	area := s.renderArea
	if area.Width == 0 || area.Height == 0 {
		return emit.err
	}
	stW := t.TileWidth * t.SupertileWidth
	stH := t.TileHeight * t.SupertileHeight
	minX, minY := area.X/stW, area.Y/stH
	maxX := (area.X + area.Width - 1) / stW
	maxY := (area.Y + area.Height - 1) / stH
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			emit.packet(cl.OpSupertileCoordinates, x, y)
		}
	}
	return emit.err
}

func (cb *CommandBuffer) emitLoads(tl *packetWriter, plan *pass.LoadPlan, layer uint32) {
	for _, c := range plan.Colors {
		img := cb.state.framebuffer.attachments[c.Attachment]
		tl.packet(cl.OpLoadTileBufferGeneral, cl.BufferRenderTarget0+c.RT, sampleFlags(img),
			tl.cl.Reloc(imageAddress(img, layer)), img.RowPitch(), layer)
	}
	if plan.DepthStencil != pass.Unused {
		img := cb.state.framebuffer.attachments[plan.DepthStencil]
		tl.packet(cl.OpLoadTileBufferGeneral, zsBuffer(plan.Depth, plan.Stencil), sampleFlags(img),
			tl.cl.Reloc(imageAddress(img, layer)), img.RowPitch(), layer)
	}
}

func (cb *CommandBuffer) emitStores(tl *packetWriter, plan *pass.StorePlan, layer uint32) {
	for _, c := range plan.Colors {
		img := cb.state.framebuffer.attachments[c.Attachment]
		var flags uint32
		if c.Clear {
			flags |= cl.TileBufferClearAfterStore
		}
		if c.Resolve {
			flags |= cl.TileBufferResolveMSAA
		} else {
			flags |= sampleFlags(img)
		}
		tl.packet(cl.OpStoreTileBufferGeneral, cl.BufferRenderTarget0+c.RT, flags,
			tl.cl.Reloc(imageAddress(img, layer)), img.RowPitch(), layer)
	}
	if plan.DepthStencil != pass.Unused {
		img := cb.state.framebuffer.attachments[plan.DepthStencil]
		tl.packet(cl.OpStoreTileBufferGeneral, zsBuffer(plan.Depth, plan.Stencil), sampleFlags(img),
			tl.cl.Reloc(imageAddress(img, layer)), img.RowPitch(), layer)
	}

	// Every tile needs at least one store.
	if plan.Empty() {
		tl.packet(cl.OpStoreTileBufferGeneral, cl.BufferNone, 0, 0, 0, 0)
	}

	var clear uint32
	if plan.ClearZS {
		clear |= cl.ClearZStencilBuffer
	}
	if plan.ClearRTs {
		clear |= cl.ClearAllRenderTargets
	}
	if clear != 0 {
		tl.packet(cl.OpClearTileBuffers, clear)
	}
}

func (cb *CommandBuffer) clearValue(att uint32) ClearValue {
	if int(att) < len(cb.state.clearValues) {
		return cb.state.clearValues[att]
	}
	return ClearValue{Depth: 1.0}
}

func imageAddress(img *Image, layer uint32) cl.Address {
	return cl.Address{BO: img.bo, Offset: layer * img.layerStride}
}

func sampleFlags(img *Image) uint32 {
	if img.desc.Samples > 1 {
		return cl.TileBufferMSAA
	}
	return 0
}

func zsBuffer(depth, stencil bool) uint32 {
	switch {
	case depth && stencil:
		return cl.BufferZStencil
	case depth:
		return cl.BufferZ
	default:
		return cl.BufferStencil
	}
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
