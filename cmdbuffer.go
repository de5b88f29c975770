package v3dv

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
	"github.com/gogpu/v3dv/internal/pass"
)

// CommandBufferLevel is primary or secondary.
type CommandBufferLevel int

const (
	LevelPrimary CommandBufferLevel = iota
	LevelSecondary
)

// UsageFlags describe how a command buffer will be used.
type UsageFlags uint32

const (
	UsageOneTimeSubmit UsageFlags = 1 << iota
	// UsageRenderPassContinue marks a secondary recorded entirely inside a
	// render pass.
	UsageRenderPassContinue
	UsageSimultaneousUse
)

// InheritanceInfo is the render pass state a secondary command buffer
// records against.
type InheritanceInfo struct {
	RenderPass *RenderPass
	Subpass    uint32
	// Framebuffer may be nil.
	Framebuffer *Framebuffer
}

// BeginInfo starts recording.
type BeginInfo struct {
	Usage UsageFlags
	// Inheritance is required for secondaries with UsageRenderPassContinue.
	Inheritance *InheritanceInfo
}

// maxImageDimension bounds image width and height.
const maxImageDimension = 4096

type cbStatus int

const (
	statusInitial cbStatus = iota
	statusRecording
	statusExecutable
)

type dirtyFlags uint32

const (
	dirtyPipeline dirtyFlags = 1 << iota
	dirtyOcclusionQuery

	dirtyAll = dirtyPipeline | dirtyOcclusionQuery
)

// activeQuery is the occlusion query between BeginQuery and EndQuery.
type activeQuery struct {
	pool  *QueryPool
	query uint32
}

// cmdState is the recording state of a command buffer.
type cmdState struct {
	pass        *RenderPass
	framebuffer *Framebuffer
	renderArea  Rect
	clearValues []ClearValue
	subpassIdx  uint32
	tileAligned bool

	// job is the job being recorded, nil between jobs.
	job *job.Job

	pipeline *GraphicsPipeline
	compute  *ComputePipeline
	dirty    dirtyFlags

	occlusion *activeQuery
	// endQueries are ended when the render pass job that ran them is
	// submitted.
	endQueries []job.EndQuery

	// A barrier recorded since the last GPU job; the next GPU job
	// serializes against earlier work.
	hasBarrier    bool
	hasBCLBarrier bool
}

// CommandBuffer records jobs for a Queue.
//
// A CommandBuffer must not be used from more than one goroutine at a time,
// and must not be recorded while a submission of it is running.
type CommandBuffer struct {
	dev   *Device
	level CommandBufferLevel
	usage UsageFlags

	status cbStatus
	jobs   []*job.Job
	state  cmdState

	// oom turns further recording into a no-op after an allocation failure.
	oom bool
	err error
}

var _ job.Recorder = (*CommandBuffer)(nil)

// AllocateCommandBuffer creates a command buffer in the initial state.
func (d *Device) AllocateCommandBuffer(level CommandBufferLevel) *CommandBuffer {
	return &CommandBuffer{dev: d, level: level}
}

// Level returns the command buffer level.
func (cb *CommandBuffer) Level() CommandBufferLevel { return cb.level }

// Jobs returns the number of recorded jobs.
func (cb *CommandBuffer) Jobs() int { return len(cb.jobs) }

// FlagOOM records an allocation failure. Recording continues as a no-op
// and End reports ErrOutOfDeviceMemory.
func (cb *CommandBuffer) FlagOOM() {
	if !cb.oom {
		slogger().Warn("v3dv: command buffer out of memory, recording stops")
	}
	cb.oom = true
}

// Begin starts recording. A command buffer that holds jobs is reset first.
func (cb *CommandBuffer) Begin(info BeginInfo) error {
	if cb.status != statusInitial {
		cb.Reset()
	}
	cb.usage = info.Usage
	cb.status = statusRecording

	if cb.level == LevelSecondary && info.Usage&UsageRenderPassContinue != 0 {
		inh := info.Inheritance
		if inh == nil || inh.RenderPass == nil {
			return errors.New("v3dv: render pass continue without inheritance")
		}
		if inh.Subpass >= inh.RenderPass.SubpassCount() {
			return errors.Newf("v3dv: inherited subpass %d out of range", inh.Subpass)
		}
		cb.state.pass = inh.RenderPass
		cb.state.framebuffer = inh.Framebuffer
		cb.state.subpassIdx = inh.Subpass
		// The render area is unknown; it must not constrain rendering.
		if fb := inh.Framebuffer; fb != nil {
			cb.state.renderArea = Rect{Width: fb.Width(), Height: fb.Height()}
		} else {
			cb.state.renderArea = Rect{Width: maxImageDimension, Height: maxImageDimension}
		}
		cb.startJob(inh.Subpass, job.TypeGPUCLSecondary)
	}
	return nil
}

// End finishes recording. It reports ErrOutOfDeviceMemory if an
// allocation failed while recording, and the first recording error
// otherwise.
func (cb *CommandBuffer) End() error {
	if cb.status != statusRecording {
		return errors.New("v3dv: End on a command buffer that is not recording")
	}
	if cb.oom {
		return errors.Wrap(ErrOutOfDeviceMemory, "v3dv: command buffer ran out of memory")
	}
	if cb.err != nil {
		return cb.err
	}

	// A secondary inside a render pass keeps its job open until here.
	if cb.state.job != nil {
		cb.finishJob()
	}
	if cb.oom {
		return errors.Wrap(ErrOutOfDeviceMemory, "v3dv: command buffer ran out of memory")
	}
	cb.status = statusExecutable
	return nil
}

// Reset destroys the recorded jobs and returns the command buffer to the
// initial state.
func (cb *CommandBuffer) Reset() {
	for _, j := range cb.jobs {
		j.Destroy()
	}
	if cb.state.job != nil {
		cb.state.job.Destroy()
	}
	cb.jobs = nil
	cb.state = cmdState{}
	cb.oom = false
	cb.err = nil
	cb.status = statusInitial
}

// Destroy releases the command buffer. Pending submissions of it must have
// completed.
func (cb *CommandBuffer) Destroy() { cb.Reset() }

// recording reports whether commands may be recorded.
func (cb *CommandBuffer) recording() bool {
	return cb.status == statusRecording && !cb.oom && cb.err == nil
}

// fail records the first recording error.
func (cb *CommandBuffer) fail(err error) {
	if cb.err == nil && err != nil && !cb.oom {
		cb.err = err
	}
}

// newJob creates a job owned by cb. GPU jobs consume a pending barrier.
func (cb *CommandBuffer) newJob(typ job.Type, subpassIdx uint32) *job.Job {
	j := job.New(typ, cb.dev.allocator(), cb, subpassIdx)
	if typ == job.TypeGPUCL || typ == job.TypeGPUCLSecondary {
		j.AlwaysFlush = cb.dev.config.AlwaysFlush
	}
	if typ.IsGPU() {
		if j.SerializeIfNeeded(cb.state.hasBarrier, cb.state.hasBCLBarrier) {
			cb.state.hasBarrier = false
			cb.state.hasBCLBarrier = false
		}
	}
	return j
}

// newCPUJob creates a CPU job owned by cb.
func (cb *CommandBuffer) newCPUJob(p job.Payload) *job.Job {
	return job.NewCPU(p, cb.dev.allocator(), cb)
}

// startJob starts the job subpass subpassIdx records into. Consecutive
// subpasses that render to the same attachments share one job.
func (cb *CommandBuffer) startJob(subpassIdx uint32, typ job.Type) *job.Job {
	s := &cb.state
	if j := s.job; j != nil && subpassIdx != 0 && j.Type == typ && !j.AlwaysFlush &&
		s.pass != nil && s.pass.p.CanMerge(subpassIdx-1, subpassIdx) {
		j.IsSubpassFinish = false
		return j
	}

	if s.job != nil {
		cb.finishJob()
	}
	if cb.oom {
		return nil
	}

	j := cb.newJob(typ, subpassIdx)
	s.job = j
	s.dirty = dirtyAll
	return j
}

// finishJob closes the current job and appends it to the command buffer.
func (cb *CommandBuffer) finishJob() {
	s := &cb.state
	j := s.job
	if j == nil {
		return
	}
	s.job = nil

	if cb.oom || j.OOM() {
		j.Destroy()
		return
	}

	if s.pass != nil {
		switch j.Type {
		case job.TypeGPUCL:
			if err := cb.emitRenderPassRCL(j); err != nil {
				cb.fail(translate(err))
			} else if err := j.EmitBinningFlush(); err != nil {
				cb.fail(translate(err))
			}
		case job.TypeGPUCLSecondary:
			// The primary branches into every block; the last one returns.
			if _, err := j.BCL.Emit(cl.OpReturnFromSubList); err != nil {
				cb.fail(translate(err))
			}
		}
		if cb.oom || j.OOM() {
			j.Destroy()
			return
		}
	}

	cb.jobs = append(cb.jobs, j)

	// End-query jobs of a render pass follow its job. Secondaries inside a
	// pass hand them to the primary instead.
	if cb.level == LevelPrimary || s.pass == nil {
		cb.flushEndQueries()
	}
}

// flushEndQueries appends a CPU job for every deferred EndQuery.
func (cb *CommandBuffer) flushEndQueries() {
	for i := range cb.state.endQueries {
		p := cb.state.endQueries[i]
		cb.jobs = append(cb.jobs, cb.newCPUJob(&p))
	}
	cb.state.endQueries = nil
}

// addCPUJob finishes the current job, if any, and appends a CPU job.
func (cb *CommandBuffer) addCPUJob(p job.Payload) {
	if cb.state.job != nil {
		cb.finishJob()
	}
	cb.jobs = append(cb.jobs, cb.newCPUJob(p))
}

// jobState returns the pass decision inputs of the job being recorded.
func (cb *CommandBuffer) jobState(j *job.Job) *pass.JobState {
	return &pass.JobState{
		FirstSubpass:      j.FirstSubpass,
		Subpass:           cb.state.subpassIdx,
		IsSubpassContinue: j.IsSubpassContinue,
		IsSubpassFinish:   j.IsSubpassFinish,
		TileAligned:       cb.state.tileAligned,
	}
}

// PipelineBarrier records an execution barrier between the commands before
// and after it. Host stages are ignored.
func (cb *CommandBuffer) PipelineBarrier(src, dst PipelineStage) {
	if !cb.recording() {
		return
	}
	src &^= StageHost
	dst &^= StageHost
	if src == 0 || dst == 0 {
		return
	}

	// The next GPU job must start after everything recorded so far.
	if cb.state.job != nil {
		cb.finishJob()
	}
	cb.state.hasBarrier = true
	if dst&StageGeometry != 0 {
		cb.state.hasBCLBarrier = true
	}
}

// PipelineStage is a set of pipeline stages.
type PipelineStage uint32

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageHost

	// StageGeometry are the stages that run in the binning list.
	StageGeometry = StageDrawIndirect | StageVertexInput | StageVertexShader
	StageAll      = StageHost<<1 - 1
)
