package v3dv

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/job"
	"github.com/gogpu/v3dv/internal/pass"
)

// BeginRenderPass starts the first subpass of rp on fb. clearValues is
// indexed by attachment.
func (cb *CommandBuffer) BeginRenderPass(rp *RenderPass, fb *Framebuffer, area Rect, clearValues []ClearValue) {
	if !cb.recording() {
		return
	}
	if cb.level != LevelPrimary {
		cb.fail(errors.New("v3dv: BeginRenderPass on a secondary command buffer"))
		return
	}
	if cb.state.pass != nil {
		cb.fail(errors.New("v3dv: BeginRenderPass inside a render pass"))
		return
	}
	if area.X+area.Width > fb.Width() || area.Y+area.Height > fb.Height() {
		cb.fail(errors.Newf("v3dv: render area %+v outside framebuffer %dx%d", area, fb.Width(), fb.Height()))
		return
	}

	s := &cb.state
	s.pass = rp
	s.framebuffer = fb
	s.renderArea = area
	s.clearValues = append(s.clearValues[:0], clearValues...)
	cb.subpassStart(0)
}

// NextSubpass ends the current subpass and starts the next one.
func (cb *CommandBuffer) NextSubpass() {
	if !cb.recording() {
		return
	}
	s := &cb.state
	if s.pass == nil || s.subpassIdx+1 >= s.pass.SubpassCount() {
		cb.fail(errors.New("v3dv: NextSubpass past the last subpass"))
		return
	}
	cb.subpassFinish()
	cb.handlePendingResolves()
	cb.subpassStart(s.subpassIdx + 1)
}

// EndRenderPass ends the render pass.
func (cb *CommandBuffer) EndRenderPass() {
	if !cb.recording() {
		return
	}
	if cb.state.pass == nil {
		cb.fail(errors.New("v3dv: EndRenderPass outside a render pass"))
		return
	}
	cb.subpassFinish()
	cb.finishJob()
	cb.handlePendingResolves()

	s := &cb.state
	s.pass = nil
	s.framebuffer = nil
	s.subpassIdx = 0
	s.clearValues = s.clearValues[:0]
	s.tileAligned = false
}

// subpassCreateJob starts or merges the job of subpass idx. A new render
// job gets its frame set up from the framebuffer and the subpass targets.
func (cb *CommandBuffer) subpassCreateJob(idx uint32, typ job.Type) *job.Job {
	s := &cb.state
	j := cb.startJob(idx, typ)
	if j == nil {
		return nil
	}
	s.subpassIdx = idx

	if typ == job.TypeGPUCL && j.FirstSubpass == idx {
		rp := s.pass.p
		sp := &rp.Subpasses[idx]
		bpp, msaa := cb.subpassTargets(sp)
		layers := s.framebuffer.Layers()
		if sp.ViewMask != 0 {
			layers = uint32(bits.Len32(sp.ViewMask))
		}
		fb := s.framebuffer
		if err := j.StartFrame(fb.Width(), fb.Height(), layers, uint32(len(sp.Color)), bpp, msaa); err != nil {
			cb.fail(translate(err))
			return nil
		}
	}
	return j
}

// subpassTargets returns the tile buffer depth and sample mode of a
// subpass: the deepest color target, multisampled if any target is.
func (cb *CommandBuffer) subpassTargets(sp *pass.Subpass) (job.InternalBPP, bool) {
	rp := cb.state.pass.p
	bpp := job.BPP32
	msaa := false
	for _, att := range sp.Color {
		if att == pass.Unused {
			continue
		}
		d := rp.Attachments[att].Desc
		bpp = max(bpp, d.InternalBPP)
		msaa = msaa || d.Samples > 1
	}
	if att := sp.DepthStencil; att != pass.Unused && rp.Attachments[att].Desc.Samples > 1 {
		msaa = true
	}
	return bpp, msaa
}

func (cb *CommandBuffer) subpassStart(idx uint32) {
	j := cb.subpassCreateJob(idx, job.TypeGPUCL)
	if j == nil {
		return
	}
	cb.updateTileAlignment()
	cb.emitSubpassClears()
}

// subpassResume continues the current subpass in a new job, after a
// barrier or a command that had to end the previous job.
func (cb *CommandBuffer) subpassResume(idx uint32) *job.Job {
	typ := job.TypeGPUCL
	if cb.level == LevelSecondary {
		typ = job.TypeGPUCLSecondary
	}
	j := cb.subpassCreateJob(idx, typ)
	if j == nil {
		return nil
	}
	j.IsSubpassContinue = true
	return j
}

func (cb *CommandBuffer) subpassFinish() {
	if j := cb.state.job; j != nil {
		j.IsSubpassFinish = true
	}
}

// subpassSplitForBarrier ends the current job and resumes the subpass in a
// job that waits for the previous one.
func (cb *CommandBuffer) subpassSplitForBarrier(bclBarrier bool) *job.Job {
	cb.finishJob()
	j := cb.subpassResume(cb.state.subpassIdx)
	if j == nil {
		return nil
	}
	j.Serialize = true
	j.NeedsBCLSync = bclBarrier
	return j
}

func (cb *CommandBuffer) updateTileAlignment() {
	s := &cb.state
	var fb *pass.Framebuffer
	if s.framebuffer != nil {
		fb = &s.framebuffer.geom
	}
	s.tileAligned = s.pass.p.TileAligned(s.renderArea, fb, s.subpassIdx)
}

// emitSubpassClears draws the clears of the subpass the tile buffer cannot
// do: any clear when the render area is not tile aligned, and the clear of
// one aspect of a packed depth/stencil attachment whose other aspect is
// loaded (GFXH-1461).
func (cb *CommandBuffer) emitSubpassClears() {
	s := &cb.state
	rp := s.pass.p
	sp := &rp.Subpasses[s.subpassIdx]

	var colors []uint32
	for _, att := range sp.Color {
		if att == pass.Unused {
			continue
		}
		a := &rp.Attachments[att]
		if a.First == s.subpassIdx && a.Desc.LoadOp == pass.LoadOpClear && !s.tileAligned {
			colors = append(colors, att)
		}
	}

	var depth, stencil bool
	if att := sp.DepthStencil; att != pass.Unused {
		a := &rp.Attachments[att]
		if a.First == s.subpassIdx {
			depth = a.Desc.Aspects&pass.AspectDepth != 0 && a.Desc.LoadOp == pass.LoadOpClear &&
				(!s.tileAligned || sp.DoDepthClearWithDraw)
			stencil = a.Desc.Aspects&pass.AspectStencil != 0 && a.Desc.StencilLoadOp == pass.LoadOpClear &&
				(!s.tileAligned || sp.DoStencilClearWithDraw)
		}
	}
	if len(colors) == 0 && !depth && !stencil {
		return
	}

	slogger().Debug("v3dv: clearing with a draw call", "subpass", s.subpassIdx,
		"colors", len(colors), "depth", depth, "stencil", stencil, "tile_aligned", s.tileAligned)

	clearPipeline := &GraphicsPipeline{EZState: EZDisabled, ZUpdates: depth}
	saved, savedDirty := s.pipeline, s.dirty
	s.pipeline = clearPipeline
	s.dirty |= dirtyPipeline
	cb.draw(4, 0)
	s.pipeline = saved
	s.dirty = savedDirty | dirtyPipeline
}

// handlePendingResolves resolves the color attachments of the current
// subpass the tile buffer could not resolve, with one TFU copy per layer.
// The copies run outside the render pass, after the subpass job.
func (cb *CommandBuffer) handlePendingResolves() {
	s := &cb.state
	rp := s.pass.p
	sp := &rp.Subpasses[s.subpassIdx]
	if sp.Resolve == nil {
		return
	}
	if s.job != nil {
		cb.finishJob()
	}

	fb := s.framebuffer
	savedPass := s.pass
	s.pass = nil
	for i, src := range sp.Color {
		dst := sp.Resolve[i]
		if src == pass.Unused || dst == pass.Unused || !rp.Attachments[src].Desc.NoTLBResolve {
			continue
		}
		cb.copyImageLayers(fb.attachments[dst], fb.attachments[src], 0, 0, fb.Layers())
	}
	s.pass = savedPass
}
