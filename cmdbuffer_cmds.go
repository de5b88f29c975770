package v3dv

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
)

// ResetQueryPool resets queries when the command buffer executes. It is
// not allowed inside a render pass.
func (cb *CommandBuffer) ResetQueryPool(pool *QueryPool, first, count uint32) {
	if !cb.outsidePass("ResetQueryPool") || !cb.checkQueries(pool, first, count) {
		return
	}
	cb.addCPUJob(&job.ResetQueries{Pool: pool.pool, First: first, Count: count})
}

// BeginQuery starts counting samples into an occlusion query. One query
// can be active at a time.
func (cb *CommandBuffer) BeginQuery(pool *QueryPool, q uint32) {
	if !cb.recording() || !cb.checkQueries(pool, q, 1) {
		return
	}
	if pool.Type() != QueryOcclusion {
		cb.fail(errors.Newf("v3dv: BeginQuery on a %s pool", pool.Type()))
		return
	}
	if cb.state.occlusion != nil {
		cb.fail(errors.New("v3dv: BeginQuery with a query already active"))
		return
	}
	cb.state.occlusion = &activeQuery{pool: pool, query: q}
	cb.state.dirty |= dirtyOcclusionQuery
}

// EndQuery stops the active query. Inside a render pass the query becomes
// available after the render job that counted it; under multiview it ends
// one query per view.
func (cb *CommandBuffer) EndQuery(pool *QueryPool, q uint32) {
	if !cb.recording() || !cb.checkQueries(pool, q, 1) {
		return
	}
	s := &cb.state
	if s.pass != nil {
		count := uint32(1)
		if s.pass.p.Multiview {
			count = uint32(bits.OnesCount32(s.pass.p.Subpasses[s.subpassIdx].ViewMask))
		}
		s.endQueries = append(s.endQueries, job.EndQuery{Pool: pool.pool, Query: q, Count: count})
	} else {
		cb.addCPUJob(&job.EndQuery{Pool: pool.pool, Query: q, Count: 1})
	}
	s.occlusion = nil
	s.dirty |= dirtyOcclusionQuery
}

// CopyQueryPoolResults copies query results into dst when the command
// buffer executes. Unavailable queries leave their slots untouched unless
// flags ask to wait.
func (cb *CommandBuffer) CopyQueryPoolResults(pool *QueryPool, first, count uint32, dst *Buffer, offset, stride uint32, flags QueryResultFlags) {
	if !cb.outsidePass("CopyQueryPoolResults") || !cb.checkQueries(pool, first, count) {
		return
	}
	size := uint64(4)
	if flags&QueryResult64Bit != 0 {
		size = 8
	}
	if flags&QueryResultWithAvailability != 0 {
		size *= 2
	}
	if count > 0 && uint64(offset)+uint64(stride)*uint64(count-1)+size > uint64(dst.Size()) {
		cb.fail(errors.Newf("v3dv: %d query results at %d stride %d overflow buffer of %d bytes",
			count, offset, stride, dst.Size()))
		return
	}
	cb.addCPUJob(&job.CopyQueryResults{
		Pool:   pool.pool,
		First:  first,
		Count:  count,
		Dst:    dst.region,
		Offset: offset,
		Stride: stride,
		Flags:  flags,
	})
}

// WriteTimestamp writes the time into a timestamp query once all earlier
// work has completed. Inside a render pass it splits the subpass job.
func (cb *CommandBuffer) WriteTimestamp(pool *QueryPool, q uint32) {
	if !cb.recording() || !cb.checkQueries(pool, q, 1) {
		return
	}
	if pool.Type() != QueryTimestamp {
		cb.fail(errors.Newf("v3dv: WriteTimestamp on a %s pool", pool.Type()))
		return
	}
	s := &cb.state
	count := uint32(1)
	if s.pass != nil {
		cb.finishJob()
		if s.pass.p.Multiview {
			count = uint32(bits.OnesCount32(s.pass.p.Subpasses[s.subpassIdx].ViewMask))
		}
	}
	cb.jobs = append(cb.jobs, cb.newCPUJob(&job.Timestamp{Pool: pool.pool, Query: q, Count: count}))
	if s.pass != nil {
		cb.subpassResume(s.subpassIdx)
	}
}

// SetEvent signals e once all earlier work has completed.
func (cb *CommandBuffer) SetEvent(e *Event) {
	if !cb.outsidePass("SetEvent") {
		return
	}
	cb.addCPUJob(&job.SetEvent{Event: e.e, State: true})
}

// ResetEvent unsignals e once all earlier work has completed.
func (cb *CommandBuffer) ResetEvent(e *Event) {
	if !cb.outsidePass("ResetEvent") {
		return
	}
	cb.addCPUJob(&job.SetEvent{Event: e.e, State: false})
}

// WaitEvents holds the rest of the command buffer until every event is
// set. Inside a render pass the wait lands before the job being recorded:
// events cannot change state inside a pass, so waiting early is safe.
func (cb *CommandBuffer) WaitEvents(evs ...*Event) {
	if !cb.recording() || len(evs) == 0 {
		return
	}
	if cb.state.pass == nil && cb.state.job != nil {
		cb.finishJob()
	}
	cb.jobs = append(cb.jobs, cb.newCPUJob(&job.WaitEvents{Events: events(evs)}))
}

// BufferImageCopy describes a copy between a buffer and an image. Row
// length and image height are in texels and default to the copy extent.
type BufferImageCopy struct {
	BufferOffset      uint32
	BufferRowLength   uint32
	BufferImageHeight uint32

	X, Y          uint32
	Width, Height uint32

	BaseLayer  uint32
	LayerCount uint32
}

// CopyBufferToImage copies texels from src into dst on the CPU once all
// earlier work has completed.
func (cb *CommandBuffer) CopyBufferToImage(src *Buffer, dst *Image, r BufferImageCopy) {
	if !cb.outsidePass("CopyBufferToImage") {
		return
	}
	desc := dst.Desc()
	if r.LayerCount == 0 {
		r.LayerCount = 1
	}
	if r.Width == 0 || r.Height == 0 {
		return
	}
	if r.X+r.Width > desc.Width || r.Y+r.Height > desc.Height || r.BaseLayer+r.LayerCount > desc.Layers {
		cb.fail(errors.Newf("v3dv: copy region %+v outside image %q", r, desc.Name))
		return
	}

	rowLength := max(r.BufferRowLength, r.Width)
	imageHeight := max(r.BufferImageHeight, r.Height)
	stride := rowLength * desc.CPP
	layerStride := stride * imageHeight
	need := uint64(r.BufferOffset) + uint64(layerStride)*uint64(r.LayerCount-1) +
		uint64(stride)*uint64(r.Height-1) + uint64(r.Width*desc.CPP)
	if need > uint64(src.Size()) {
		cb.fail(errors.Newf("v3dv: copy region %+v reads past buffer of %d bytes", r, src.Size()))
		return
	}

	cb.addCPUJob(&job.CopyBufferToImage{
		Image:             dst.layout(),
		Buffer:            src.region,
		BufferOffset:      r.BufferOffset,
		BufferStride:      stride,
		BufferLayerStride: layerStride,
		X:                 r.X,
		Y:                 r.Y,
		Width:             r.Width,
		Height:            r.Height,
		BaseLayer:         r.BaseLayer,
		LayerCount:        r.LayerCount,
	})
}

// ImageCopy selects the layers of a whole-image copy.
type ImageCopy struct {
	SrcBaseLayer uint32
	DstBaseLayer uint32
	// LayerCount defaults to 1.
	LayerCount uint32
}

// CopyImage copies whole layers of src into dst with the texture
// formatting unit. The images must have the same texel size and sample
// count and dst must be at least as large as src.
func (cb *CommandBuffer) CopyImage(dst, src *Image, r ImageCopy) {
	if !cb.outsidePass("CopyImage") {
		return
	}
	sd, dd := src.Desc(), dst.Desc()
	if r.LayerCount == 0 {
		r.LayerCount = 1
	}
	switch {
	case sd.CPP != dd.CPP || sd.Samples != dd.Samples:
		cb.fail(errors.Newf("v3dv: CopyImage between incompatible images %q and %q", sd.Name, dd.Name))
		return
	case dd.Width < sd.Width || dd.Height < sd.Height:
		cb.fail(errors.Newf("v3dv: CopyImage into smaller image %q", dd.Name))
		return
	case r.SrcBaseLayer+r.LayerCount > sd.Layers || r.DstBaseLayer+r.LayerCount > dd.Layers:
		cb.fail(errors.Newf("v3dv: CopyImage layers %+v out of range", r))
		return
	}
	cb.copyImageLayers(dst, src, r.DstBaseLayer, r.SrcBaseLayer, r.LayerCount)
}

// copyImageLayers appends one TFU job per layer.
func (cb *CommandBuffer) copyImageLayers(dst, src *Image, dstLayer, srcLayer, count uint32) {
	if cb.state.job != nil {
		cb.finishJob()
	}
	sd := src.Desc()
	for i := range count {
		j := cb.newJob(job.TypeGPUTFU, 0)
		j.TFU = drm.SubmitTFU{
			ICfg: sd.CPP,
			IIA:  src.Address(srcLayer + i),
			IIS:  src.RowPitch() / sd.CPP,
			IOA:  dst.Address(dstLayer + i),
			IOS:  sd.Height<<16 | sd.Width,
		}
		j.TFU.BOHandles[0] = dst.bo.Handle
		if src.bo != dst.bo {
			j.TFU.BOHandles[1] = src.bo.Handle
		}
		j.AddBO(dst.bo)
		j.AddBO(src.bo)
		cb.jobs = append(cb.jobs, j)
	}
}

// ExecuteCommands records the jobs of executable secondary command buffers
// into cb.
func (cb *CommandBuffer) ExecuteCommands(secondaries ...*CommandBuffer) {
	if !cb.recording() {
		return
	}
	if cb.level != LevelPrimary {
		cb.fail(errors.New("v3dv: ExecuteCommands on a secondary command buffer"))
		return
	}
	for _, sec := range secondaries {
		if sec.level != LevelSecondary || sec.status != statusExecutable {
			cb.fail(errors.Wrap(ErrNotExecutable, "v3dv: ExecuteCommands"))
			return
		}
		inPass := sec.usage&UsageRenderPassContinue != 0
		if inPass != (cb.state.pass != nil) {
			cb.fail(errors.New("v3dv: secondary render pass continue flag does not match the primary"))
			return
		}
	}

	if cb.state.pass != nil {
		cb.executeInsidePass(secondaries)
	} else {
		cb.executeOutsidePass(secondaries)
	}
}

// pendingBarrier is a barrier a secondary left for the commands after it.
type pendingBarrier struct {
	set bool
	bcl bool
}

func (pb *pendingBarrier) apply(j *job.Job) {
	if !pb.set {
		return
	}
	j.Serialize = true
	if pb.bcl {
		j.NeedsBCLSync = true
	}
	*pb = pendingBarrier{}
}

func (cb *CommandBuffer) mergeBarrier(pb pendingBarrier) {
	if !pb.set {
		return
	}
	cb.state.hasBarrier = true
	cb.state.hasBCLBarrier = cb.state.hasBCLBarrier || pb.bcl
}

// executeInsidePass branches from the primary binning list into every
// block of each secondary's partial list. Other secondary jobs end the
// primary job and are cloned after it.
func (cb *CommandBuffer) executeInsidePass(secondaries []*CommandBuffer) {
	s := &cb.state
	primary := s.job

	hasOcclusion := s.dirty&dirtyOcclusionQuery != 0
	if hasOcclusion && primary != nil {
		if err := cb.emitOcclusionQuery(primary); err != nil {
			cb.fail(translate(err))
			return
		}
	}

	var pending pendingBarrier
	for _, sec := range secondaries {
		for _, sj := range sec.jobs {
			if sj.Type != job.TypeGPUCLSecondary {
				cb.finishJob()
				primary = nil
				clone := sj.Clone(cb)
				if clone.Type.IsGPU() {
					pending.apply(clone)
				}
				cb.jobs = append(cb.jobs, clone)
				continue
			}

			if primary == nil || sj.Serialize || pending.set {
				bcl := sj.NeedsBCLSync || pending.bcl
				pending = pendingBarrier{}
				if primary = cb.subpassSplitForBarrier(bcl); primary == nil {
					return
				}
				if hasOcclusion {
					if err := cb.emitOcclusionQuery(primary); err != nil {
						cb.fail(translate(err))
						return
					}
				}
			}

			for _, b := range sj.BOs().All() {
				primary.AddBO(b)
			}
			for _, blk := range sj.BCL.Blocks() {
				if _, err := primary.BCL.Emit(cl.OpBranchToSubList, primary.BCL.Reloc(cl.Address{BO: blk.BO})); err != nil {
					cb.fail(translate(err))
					return
				}
			}
			primary.DrawCount += sj.DrawCount
			primary.TMUDirtyRCL = primary.TMUDirtyRCL || sj.TMUDirtyRCL
		}

		// Queries the secondary ended become available after the primary
		// job that ran them.
		s.endQueries = append(s.endQueries, sec.state.endQueries...)
		pending = pendingBarrier{set: sec.state.hasBarrier, bcl: sec.state.hasBCLBarrier}
	}
	cb.mergeBarrier(pending)
}

// executeOutsidePass clones every secondary job into cb. A pending barrier
// serializes the first GPU job after it.
func (cb *CommandBuffer) executeOutsidePass(secondaries []*CommandBuffer) {
	s := &cb.state
	pending := pendingBarrier{set: s.hasBarrier, bcl: s.hasBCLBarrier}
	s.hasBarrier, s.hasBCLBarrier = false, false

	for _, sec := range secondaries {
		for _, sj := range sec.jobs {
			if s.job != nil {
				cb.finishJob()
			}
			clone := sj.Clone(cb)
			if clone.Type.IsGPU() {
				pending.apply(clone)
			}
			cb.jobs = append(cb.jobs, clone)
		}
		if sec.state.hasBarrier {
			pending = pendingBarrier{set: true, bcl: pending.bcl || sec.state.hasBCLBarrier}
		}
	}
	cb.mergeBarrier(pending)
}

// outsidePass reports whether cmd may be recorded: recording and not
// inside a render pass.
func (cb *CommandBuffer) outsidePass(cmd string) bool {
	if !cb.recording() {
		return false
	}
	if cb.state.pass != nil {
		cb.fail(errors.Newf("v3dv: %s inside a render pass", cmd))
		return false
	}
	return true
}

func (cb *CommandBuffer) checkQueries(pool *QueryPool, first, count uint32) bool {
	if uint64(first)+uint64(count) > uint64(pool.Count()) {
		cb.fail(errors.Newf("v3dv: queries %d+%d out of range of pool of %d", first, count, pool.Count()))
		return false
	}
	return true
}
