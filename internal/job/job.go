// Package job defines the unit of work the queue executes: GPU jobs carry
// control lists and kernel submission parameters, CPU jobs carry a typed
// payload the queue runs on the host.
package job

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/cl"
)

// Type is the job kind. The set is closed.
type Type int

const (
	// TypeGPUCL is a binning + rendering job submitted with SubmitCL.
	TypeGPUCL Type = iota
	// TypeGPUCLSecondary is a partial binning list recorded in a secondary
	// command buffer. It is never submitted; a primary branches into it.
	TypeGPUCLSecondary
	TypeGPUTFU
	TypeGPUCSD
	TypeCPUResetQueries
	TypeCPUEndQuery
	TypeCPUWaitEvents
	TypeCPUSetEvent
	TypeCPUCopyQueryResults
	TypeCPUCSDIndirect
	TypeCPUTimestampQuery
	TypeCPUCopyBufferToImage
)

var typeNames = [...]string{
	TypeGPUCL:                "GPU_CL",
	TypeGPUCLSecondary:       "GPU_CL_SECONDARY",
	TypeGPUTFU:               "GPU_TFU",
	TypeGPUCSD:               "GPU_CSD",
	TypeCPUResetQueries:      "CPU_RESET_QUERIES",
	TypeCPUEndQuery:          "CPU_END_QUERY",
	TypeCPUWaitEvents:        "CPU_WAIT_EVENTS",
	TypeCPUSetEvent:          "CPU_SET_EVENT",
	TypeCPUCopyQueryResults:  "CPU_COPY_QUERY_RESULTS",
	TypeCPUCSDIndirect:       "CPU_CSD_INDIRECT",
	TypeCPUTimestampQuery:    "CPU_TIMESTAMP_QUERY",
	TypeCPUCopyBufferToImage: "CPU_COPY_BUFFER_TO_IMAGE",
}

// NumTypes is the number of job types.
const NumTypes = len(typeNames)

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "JOB_TYPE(?)"
}

// IsGPU reports whether jobs of this type run on the GPU.
func (t Type) IsGPU() bool { return t <= TypeGPUCSD }

// IsCPU reports whether jobs of this type run on the host.
func (t Type) IsCPU() bool { return t > TypeGPUCSD && int(t) < len(typeNames) }

// Recorder is the command buffer a job belongs to.
type Recorder interface {
	// FlagOOM makes further recording into the command buffer a no-op.
	FlagOOM()
}

// CSD holds the compute dispatch parameters of a TypeGPUCSD job.
type CSD struct {
	Submit       drm.SubmitCSD
	WGCount      [3]uint32
	WGBase       [3]uint32
	SharedMemory *bo.BO
}

// Job is one schedulable unit.
//
// A job is mutated only by the goroutine recording or submitting it.
type Job struct {
	Type Type

	alloc     bo.Allocator
	cmdBuffer Recorder

	// BCL and RCL are the binning and rendering lists of GPU CL jobs.
	// Indirect holds out-of-line data such as shader uniforms.
	BCL      cl.CL
	RCL      cl.CL
	Indirect cl.CL

	bos bo.Set

	TileAlloc *bo.BO
	TileState *bo.BO
	Tiling    Tiling

	// FirstSubpass is the subpass the job started in.
	FirstSubpass uint32

	// Serialize makes the job wait for all previous GPU work.
	Serialize bool
	// NeedsBCLSync makes the binning stage wait too.
	NeedsBCLSync bool

	IsSubpassContinue bool
	IsSubpassFinish   bool
	AlwaysFlush       bool

	// EarlyZSClear is set when depth/stencil clears use the early-Z path.
	EarlyZSClear bool

	DecidedGlobalEZEnable bool
	EZState               EZState
	FirstEZState          EZState

	// TMUDirtyRCL requests a TMU cache flush after the render list.
	TMUDirtyRCL bool

	// DrawCount is the number of draw calls recorded into the job.
	DrawCount uint32

	// IsClone marks jobs that share resources with the job they were
	// cloned from and must not free them.
	IsClone bool

	CSD CSD
	TFU drm.SubmitTFU

	// Payload is set for CPU jobs.
	Payload Payload

	oom       bool
	destroyed bool
}

// New creates a job of type typ owned by cmdBuffer, which may be nil.
// GPU CL jobs get their lists initialized; subpassIdx is recorded as the
// job's first subpass.
func New(typ Type, alloc bo.Allocator, cmdBuffer Recorder, subpassIdx uint32) *Job {
	j := &Job{
		Type:         typ,
		alloc:        alloc,
		cmdBuffer:    cmdBuffer,
		FirstSubpass: subpassIdx,
	}
	switch typ {
	case TypeGPUCL, TypeGPUCLSecondary, TypeGPUCSD:
		j.BCL.Init(j)
		j.RCL.Init(j)
		j.Indirect.Init(j)
	}
	return j
}

// NewCPU creates a CPU job carrying payload.
func NewCPU(payload Payload, alloc bo.Allocator, cmdBuffer Recorder) *Job {
	j := New(payload.Type(), alloc, cmdBuffer, 0)
	j.Payload = payload
	return j
}

var _ cl.Owner = (*Job)(nil)

// BOAllocator returns the allocator used for the job's blocks.
func (j *Job) BOAllocator() bo.Allocator { return j.alloc }

// AddBO adds b to the job's reference set unless already present.
func (j *Job) AddBO(b *bo.BO) { j.bos.Add(b) }

// AddBOUnchecked adds a block known not to be in the set yet.
func (j *Job) AddBOUnchecked(b *bo.BO) { j.bos.AddUnchecked(b) }

// BOs returns the job's reference set.
func (j *Job) BOs() *bo.Set { return &j.bos }

// IsSecondary reports whether the job is a secondary partial CL.
func (j *Job) IsSecondary() bool { return j.Type == TypeGPUCLSecondary }

// FlagOOM records an allocation failure. It is forwarded to the owning
// command buffer when there is one.
func (j *Job) FlagOOM() {
	j.oom = true
	if j.cmdBuffer != nil {
		j.cmdBuffer.FlagOOM()
	}
}

// OOM reports whether an allocation failed while recording the job.
func (j *Job) OOM() bool { return j.oom }

// CommandBuffer returns the owning command buffer.
func (j *Job) CommandBuffer() Recorder { return j.cmdBuffer }

// Destroyed reports whether Destroy has run.
func (j *Job) Destroyed() bool { return j.destroyed }

// SerializeIfNeeded sets Serialize and NeedsBCLSync from a pending
// barrier and reports whether the barrier was consumed.
func (j *Job) SerializeIfNeeded(hasBarrier, hasBCLBarrier bool) bool {
	if !hasBarrier {
		return false
	}
	j.Serialize = true
	if hasBCLBarrier {
		j.NeedsBCLSync = true
	}
	return true
}

// Clone returns a shallow copy of j owned by cmdBuffer. The clone shares
// every block with j and frees none of them.
func (j *Job) Clone(cmdBuffer Recorder) *Job {
	c := *j
	c.IsClone = true
	c.cmdBuffer = cmdBuffer
	c.bos = j.bos.Clone()
	c.destroyed = false
	return &c
}

// Destroy releases the job's resources. Clones release nothing. Calling
// Destroy more than once is a no-op.
func (j *Job) Destroy() {
	if j.destroyed {
		return
	}
	j.destroyed = true
	if j.IsClone {
		return
	}

	switch j.Type {
	case TypeGPUCL, TypeGPUCLSecondary, TypeGPUCSD:
		j.BCL.Destroy()
		j.RCL.Destroy()
		j.Indirect.Destroy()
		j.free(&j.TileAlloc)
		j.free(&j.TileState)
		j.free(&j.CSD.SharedMemory)
	}
	j.bos.Reset()

	if p, ok := j.Payload.(*CSDIndirect); ok && p.CSDJob != nil {
		p.CSDJob.Destroy()
	}
	j.Payload = nil
}

func (j *Job) free(b **bo.BO) {
	if *b == nil {
		return
	}
	if err := j.alloc.Free(*b); err != nil {
		slogger().Warn("job: free failed", "bo", (*b).String(), "err", err)
	}
	*b = nil
}

// AllocPrivate allocates a private block and adds it to the job. On
// failure the job is flagged out of memory.
func (j *Job) AllocPrivate(size uint32, name string) (*bo.BO, error) {
	b, err := j.alloc.Alloc(size, name, true)
	if err != nil {
		j.FlagOOM()
		return nil, errors.Wrapf(err, "job: allocate %s", name)
	}
	j.AddBOUnchecked(b)
	return b, nil
}
