package v3dv

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"

	"github.com/gogpu/v3dv/internal/job"
)

// EZState is the early-Z direction a pipeline's depth test allows.
type EZState = job.EZState

// Early-Z states.
const (
	EZUndecided = job.EZUndecided
	EZGtGe      = job.EZGtGe
	EZLtLe      = job.EZLtLe
	EZDisabled  = job.EZDisabled
)

// GraphicsPipeline is the draw state the recorder needs from a compiled
// graphics pipeline.
type GraphicsPipeline struct {
	// MSAA is set when the pipeline rasterizes with four samples.
	MSAA bool

	// EZState is the early-Z direction of the depth test, EZDisabled for
	// depth or stencil setups that cannot use early-Z.
	EZState EZState

	// ZUpdates is set when the depth test writes depth.
	ZUpdates bool

	// FSWritesZ is set when the fragment shader writes depth.
	FSWritesZ bool

	// UsesTMU is set when a shader samples textures or accesses storage
	// buffers, which dirties the TMU cache.
	UsesTMU bool
}

// ComputeUniform is one entry of a compute shader's uniform stream.
type ComputeUniform = job.Uniform

// Compute uniform kinds.
const (
	UniformConstant       = job.UniformConstant
	UniformNumWorkGroupsX = job.UniformNumWorkGroupsX
	UniformNumWorkGroupsY = job.UniformNumWorkGroupsY
	UniformNumWorkGroupsZ = job.UniformNumWorkGroupsZ
	UniformWorkGroupBaseX = job.UniformWorkGroupBaseX
	UniformWorkGroupBaseY = job.UniformWorkGroupBaseY
	UniformWorkGroupBaseZ = job.UniformWorkGroupBaseZ
	UniformSharedOffset   = job.UniformSharedOffset
)

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label string

	// Source is the WGSL compute shader.
	Source string

	// LocalSize is the workgroup size; zero components count as 1.
	LocalSize [3]uint32

	// SharedSize is the workgroup shared memory size in bytes.
	SharedSize uint32

	// Uniforms is the uniform stream layout.
	Uniforms []ComputeUniform

	SingleSeg   bool
	FourThreads bool
}

// ComputePipeline is a compiled compute shader in its assembly block.
type ComputePipeline struct {
	dev  *Device
	prog job.ComputeProgram
}

// CreateComputePipeline compiles desc.Source and uploads the binary into a
// shader assembly block.
func (d *Device) CreateComputePipeline(desc ComputePipelineDesc) (*ComputePipeline, error) {
	code, err := naga.Compile(desc.Source)
	if err != nil {
		return nil, errors.Wrapf(err, "v3dv: compile compute shader %q", desc.Label)
	}
	return d.uploadComputePipeline(desc, code)
}

// uploadComputePipeline places compiled shader code in an assembly block.
func (d *Device) uploadComputePipeline(desc ComputePipelineDesc, code []byte) (*ComputePipeline, error) {
	if len(code) == 0 {
		return nil, errors.Newf("v3dv: compute shader %q compiled to nothing", desc.Label)
	}

	b, err := d.bos.Alloc(uint32(len(code)), "shader_assembly", false)
	if err != nil {
		return nil, translate(err)
	}
	if err := d.bos.Map(b, b.Size); err != nil {
		_ = d.bos.Free(b)
		return nil, translate(err)
	}
	copy(b.Map, code)

	p := &ComputePipeline{dev: d, prog: job.ComputeProgram{
		Assembly:    b,
		LocalSize:   desc.LocalSize,
		SharedSize:  desc.SharedSize,
		SingleSeg:   desc.SingleSeg,
		FourThreads: desc.FourThreads,
		Uniforms:    append([]ComputeUniform(nil), desc.Uniforms...),
	}}
	for i, n := range p.prog.LocalSize {
		if n == 0 {
			p.prog.LocalSize[i] = 1
		}
	}
	slogger().Debug("v3dv: compute pipeline created", "label", desc.Label,
		"code_bytes", len(code), "local_size", p.prog.LocalSize)
	return p, nil
}

// WorkgroupSize returns the number of invocations per workgroup.
func (p *ComputePipeline) WorkgroupSize() uint32 { return p.prog.WGSize() }

// Destroy frees the shader assembly block.
func (p *ComputePipeline) Destroy() {
	if p.prog.Assembly == nil {
		return
	}
	if err := p.dev.bos.Free(p.prog.Assembly); err != nil {
		slogger().Warn("v3dv: free shader assembly", "err", err)
	}
	p.prog.Assembly = nil
}
