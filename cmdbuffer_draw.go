package v3dv

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
)

// primitiveTriangles is the VERTEX_ARRAY_PRIMS mode of draws.
const primitiveTriangles = 4

// BindPipeline binds the graphics pipeline later draws use.
func (cb *CommandBuffer) BindPipeline(p *GraphicsPipeline) {
	if !cb.recording() {
		return
	}
	if cb.state.pipeline == p {
		return
	}
	cb.state.pipeline = p
	cb.state.dirty |= dirtyPipeline
}

// BindComputePipeline binds the compute pipeline later dispatches use.
func (cb *CommandBuffer) BindComputePipeline(p *ComputePipeline) {
	if !cb.recording() {
		return
	}
	cb.state.compute = p
}

// Draw records a non-indexed draw of vertexCount vertices. Draws are only
// valid inside a render pass.
func (cb *CommandBuffer) Draw(vertexCount, firstVertex uint32) {
	if !cb.recording() || vertexCount == 0 {
		return
	}
	if cb.state.pass == nil {
		cb.fail(errors.New("v3dv: Draw outside a render pass"))
		return
	}
	if cb.state.pipeline == nil {
		cb.fail(errors.New("v3dv: Draw without a bound pipeline"))
		return
	}
	cb.draw(vertexCount, firstVertex)
}

func (cb *CommandBuffer) draw(vertexCount, firstVertex uint32) {
	j := cb.preDraw()
	if j == nil {
		return
	}
	if _, err := j.BCL.Emit(cl.OpVertexArrayPrims, primitiveTriangles, vertexCount, firstVertex); err != nil {
		cb.fail(translate(err))
	}
}

// preDraw returns the job a draw records into, with the draw state emitted.
func (cb *CommandBuffer) preDraw() *job.Job {
	s := &cb.state

	// A barrier or an out-of-pass command ended the previous job.
	j := s.job
	if j == nil {
		if j = cb.subpassResume(s.subpassIdx); j == nil {
			return nil
		}
	}

	if j = cb.restartJobForMSAA(j); j == nil {
		return nil
	}
	if j = cb.preDrawSplitJob(j); j == nil {
		return nil
	}
	j.DrawCount++

	p := s.pipeline
	if s.dirty&dirtyPipeline != 0 {
		var fb = s.framebuffer
		j.UpdateEZState(func() bool {
			if fb == nil {
				return s.pass.p.DisableEarlyZ(cb.jobState(j), nil)
			}
			return s.pass.p.DisableEarlyZ(cb.jobState(j), &fb.geom)
		}, p.EZState, p.FSWritesZ)

		ezEnable := j.EZState != job.EZDisabled
		if _, err := j.BCL.Emit(cl.OpCfgBits, boolU32(ezEnable), boolU32(ezEnable && p.ZUpdates),
			boolU32(j.EZState == job.EZGtGe)); err != nil {
			cb.fail(translate(err))
			return nil
		}
	}
	if s.dirty&dirtyOcclusionQuery != 0 {
		if err := cb.emitOcclusionQuery(j); err != nil {
			cb.fail(translate(err))
			return nil
		}
	}
	s.dirty = 0

	j.TMUDirtyRCL = j.TMUDirtyRCL || p.UsesTMU
	return j
}

// restartJobForMSAA replaces a job that has not drawn yet with a
// multisampled one when the first pipeline it draws with needs MSAA.
// Secondaries cannot restart: the primary's frame setup is fixed.
func (cb *CommandBuffer) restartJobForMSAA(old *job.Job) *job.Job {
	if cb.level != LevelPrimary || old.DrawCount > 0 {
		return old
	}
	if !cb.state.pipeline.MSAA || old.Tiling.MSAA {
		return old
	}

	t := old.Tiling
	j := job.New(job.TypeGPUCL, cb.dev.allocator(), cb, cb.state.subpassIdx)
	j.FirstSubpass = old.FirstSubpass
	j.Serialize = old.Serialize
	j.NeedsBCLSync = old.NeedsBCLSync
	j.IsSubpassContinue = old.IsSubpassContinue
	j.AlwaysFlush = old.AlwaysFlush
	old.Destroy()

	cb.state.job = j
	cb.state.dirty = dirtyAll
	if err := j.StartFrame(t.Width, t.Height, t.Layers, t.RenderTargetCount, t.InternalBPP, true); err != nil {
		cb.fail(translate(err))
		return nil
	}
	return j
}

// preDrawSplitJob starts a new job for every draw after the first when
// the job flushes on every draw call.
func (cb *CommandBuffer) preDrawSplitJob(j *job.Job) *job.Job {
	if !j.AlwaysFlush || j.DrawCount == 0 {
		return j
	}
	j.IsSubpassFinish = false
	nj := cb.subpassResume(cb.state.subpassIdx)
	if nj == nil {
		return nil
	}
	nj.AlwaysFlush = true
	return nj
}

// emitOcclusionQuery points the occlusion counter at the active query, or
// disables counting.
func (cb *CommandBuffer) emitOcclusionQuery(j *job.Job) error {
	var addr uint32
	if q := cb.state.occlusion; q != nil {
		pool := q.pool.pool
		addr = j.BCL.Reloc(cl.Address{BO: pool.BO(), Offset: pool.Offset(q.query)})
	}
	if _, err := j.BCL.Emit(cl.OpOcclusionQueryCounter, addr); err != nil {
		return err
	}
	cb.state.dirty &^= dirtyOcclusionQuery
	return nil
}

// Dispatch records a compute dispatch of x*y*z workgroups. Dispatches with
// a zero count are dropped.
func (cb *CommandBuffer) Dispatch(x, y, z uint32) {
	cb.DispatchBase(0, 0, 0, x, y, z)
}

// DispatchBase records a compute dispatch with a workgroup base.
func (cb *CommandBuffer) DispatchBase(baseX, baseY, baseZ, x, y, z uint32) {
	if !cb.recording() || x == 0 || y == 0 || z == 0 {
		return
	}
	p := cb.checkDispatch()
	if p == nil {
		return
	}

	j := cb.newJob(job.TypeGPUCSD, 0)
	if _, err := j.SetupCSD(&p.prog, [3]uint32{baseX, baseY, baseZ}, [3]uint32{x, y, z}); err != nil {
		j.Destroy()
		cb.fail(translate(err))
		return
	}
	cb.jobs = append(cb.jobs, j)
}

// DispatchIndirect records a dispatch whose workgroup counts are read from
// buf at offset when the command buffer executes. The dispatch is recorded
// for a 1x1x1 grid and rewritten by a CPU job if the counts differ.
func (cb *CommandBuffer) DispatchIndirect(buf *Buffer, offset uint32) {
	if !cb.recording() {
		return
	}
	if offset+12 > buf.Size() {
		cb.fail(errors.Newf("v3dv: indirect dispatch at %d overflows buffer of %d bytes", offset, buf.Size()))
		return
	}
	p := cb.checkDispatch()
	if p == nil {
		return
	}

	csd := cb.newJob(job.TypeGPUCSD, 0)
	wgOffsets, err := csd.SetupCSD(&p.prog, [3]uint32{}, [3]uint32{1, 1, 1})
	if err != nil {
		csd.Destroy()
		cb.fail(translate(err))
		return
	}
	rewrite := false
	for _, a := range wgOffsets {
		if a.BO != nil {
			rewrite = true
		}
	}
	cb.jobs = append(cb.jobs, cb.newCPUJob(&job.CSDIndirect{
		Buffer:                buf.region,
		Offset:                offset,
		CSDJob:                csd,
		WGSize:                p.prog.WGSize(),
		WGUniformOffsets:      wgOffsets,
		NeedsWGUniformRewrite: rewrite,
	}))
}

func (cb *CommandBuffer) checkDispatch() *ComputePipeline {
	if cb.state.pass != nil {
		cb.fail(errors.New("v3dv: dispatch inside a render pass"))
		return nil
	}
	if cb.state.compute == nil {
		cb.fail(errors.New("v3dv: dispatch without a bound compute pipeline"))
		return nil
	}
	if cb.state.job != nil {
		cb.finishJob()
	}
	return cb.state.compute
}
