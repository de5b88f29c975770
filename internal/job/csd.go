package job

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/cl"
)

// UniformKind identifies what a compute shader uniform holds.
type UniformKind uint8

const (
	UniformConstant UniformKind = iota
	UniformNumWorkGroupsX
	UniformNumWorkGroupsY
	UniformNumWorkGroupsZ
	UniformWorkGroupBaseX
	UniformWorkGroupBaseY
	UniformWorkGroupBaseZ
	UniformSharedOffset
)

// Uniform is one entry of a shader's uniform stream.
type Uniform struct {
	Kind  UniformKind
	Value uint32
}

// ComputeProgram is the compiled compute shader a dispatch runs.
type ComputeProgram struct {
	Assembly       *bo.BO
	AssemblyOffset uint32
	LocalSize      [3]uint32
	SharedSize     uint32
	SingleSeg      bool
	FourThreads    bool
	Uniforms       []Uniform
}

// WGSize returns the number of invocations per workgroup.
func (p *ComputeProgram) WGSize() uint32 {
	return p.LocalSize[0] * p.LocalSize[1] * p.LocalSize[2]
}

// SetupCSD fills the dispatch configuration of a TypeGPUCSD job and writes
// its uniforms into the indirect list. It returns the addresses of the
// workgroup count uniforms (zero Address when the shader does not read
// that count).
func (j *Job) SetupCSD(prog *ComputeProgram, base, counts [3]uint32) ([3]cl.Address, error) {
	var wgOffsets [3]cl.Address
	if j.Type != TypeGPUCSD {
		panic(errors.AssertionFailedf("job: SetupCSD on %s job", j.Type))
	}

	s := &j.CSD.Submit
	j.CSD.WGCount = counts
	j.CSD.WGBase = base
	for i := range 3 {
		s.Cfg[i] = counts[i] << drm.CSDCfg012WGCountShift
	}

	numWGs := counts[0] * counts[1] * counts[2]
	wgSize := prog.WGSize()
	const wgsPerSG = 1
	batchesPerSG := divRoundUp(wgsPerSG*wgSize, 16)
	wholeSGs := numWGs / wgsPerSG
	remWGs := numWGs - wholeSGs*wgsPerSG
	numBatches := batchesPerSG*wholeSGs + divRoundUp(remWGs*wgSize, 16)

	s.Cfg[3] = (wgsPerSG&0xf)<<drm.CSDCfg3WGSPerSGShift |
		(batchesPerSG-1)<<drm.CSDCfg3BatchesPerSGM1 |
		(wgSize&0xff)<<drm.CSDCfg3WGSizeShift
	s.Cfg[4] = numBatches - 1

	s.Cfg[5] = prog.Assembly.Offset + prog.AssemblyOffset
	s.Cfg[5] |= drm.CSDCfg5PropagateNaNs
	if prog.SingleSeg {
		s.Cfg[5] |= drm.CSDCfg5SingleSeg
	}
	if prog.FourThreads {
		s.Cfg[5] |= drm.CSDCfg5Threading
	}

	if prog.SharedSize > 0 {
		shared, err := j.alloc.Alloc(prog.SharedSize*wgsPerSG, "shared_vars", true)
		if err != nil {
			j.FlagOOM()
			return wgOffsets, errors.Wrap(err, "job: allocate shared memory")
		}
		j.CSD.SharedMemory = shared
		j.AddBOUnchecked(shared)
	}
	j.AddBO(prog.Assembly)

	start, err := j.Indirect.EnsureSpace(uint32(len(prog.Uniforms))*4, 4)
	if err != nil {
		return wgOffsets, err
	}
	uniforms := j.Indirect.Address(start)
	for _, u := range prog.Uniforms {
		v := u.Value
		switch u.Kind {
		case UniformNumWorkGroupsX, UniformNumWorkGroupsY, UniformNumWorkGroupsZ:
			i := int(u.Kind - UniformNumWorkGroupsX)
			wgOffsets[i] = j.Indirect.EmitU32(counts[i])
			continue
		case UniformWorkGroupBaseX, UniformWorkGroupBaseY, UniformWorkGroupBaseZ:
			v = base[u.Kind-UniformWorkGroupBaseX]
		case UniformSharedOffset:
			if j.CSD.SharedMemory != nil {
				v = j.CSD.SharedMemory.Offset
			}
		}
		j.Indirect.EmitU32(v)
	}
	s.Cfg[6] = uniforms.GPU()
	j.AddBO(uniforms.BO)
	return wgOffsets, nil
}

// RewriteIndirectCSD updates the dispatch of a TypeGPUCSD job to counts
// read from an indirect buffer. With rewriteUniforms the workgroup count
// uniforms are patched too, after waiting for the GPU to release the
// indirect list.
func (j *Job) RewriteIndirectCSD(counts [3]uint32, wgSize uint32, wgOffsets [3]cl.Address, rewriteUniforms bool) {
	if counts[0] == 0 || counts[1] == 0 || counts[2] == 0 {
		panic(errors.AssertionFailedf("job: indirect dispatch with zero workgroups %v", counts))
	}

	s := &j.CSD.Submit
	j.CSD.WGCount = counts
	for i := range 3 {
		s.Cfg[i] = counts[i] << drm.CSDCfg012WGCountShift
	}
	s.Cfg[4] = divRoundUp(wgSize, 16)*(counts[0]*counts[1]*counts[2]) - 1

	if !rewriteUniforms {
		return
	}
	if b := j.Indirect.BO(); b != nil {
		j.alloc.Wait(b, -1)
	}
	for i, addr := range wgOffsets {
		if addr.BO != nil {
			cl.WriteU32(addr, counts[i])
		}
	}
}
