// Package v3dv is the job and queue engine of a Vulkan-style driver for
// the Broadcom V3D GPU, written in pure Go.
//
// # Overview
//
// Command buffers record jobs: GPU render jobs (a binning and a rendering
// control list), texture formatting unit copies, compute dispatches and
// CPU jobs that the queue runs on the host (query resets and copies,
// timestamps, event set/reset/wait, buffer to image copies, indirect
// dispatch rewrites). A Queue executes the jobs of submitted command buffers
// in order on top of a kernel driver.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/v3dv"
//		"github.com/gogpu/v3dv/drm/sim"
//	)
//
//	dev, err := v3dv.Open(sim.New())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	cb := dev.AllocateCommandBuffer(v3dv.LevelPrimary)
//	_ = cb.Begin(v3dv.BeginInfo{})
//	cb.BeginRenderPass(rp, fb, v3dv.Rect{Width: 64, Height: 64}, clears)
//	cb.BindPipeline(pipeline)
//	cb.Draw(3, 0)
//	cb.EndRenderPass()
//	_ = cb.End()
//
//	fence, _ := dev.CreateFence(false)
//	err = dev.Queue().Submit([]v3dv.SubmitInfo{{CommandBuffers: []*v3dv.CommandBuffer{cb}}}, fence)
//	err = fence.Wait(time.Second)
//
// # Synchronization
//
// Every GPU job waits on, and then replaces, a single device-wide sync
// object holding the out-fence of the last submitted job. Jobs that need
// earlier work to finish (after a barrier or a semaphore wait) pass it as
// their in-sync; the others only chain their out-fence. Semaphores and
// fences are signaled by importing a snapshot of that timeline.
//
// A wait-events job whose events are not set yet moves the rest of its
// command buffer to a wait goroutine so that Submit does not block. The
// semaphores and fence of the Submit call are signaled only after every
// wait goroutine it started has finished.
//
// # Kernels
//
// The engine talks to a drm.Kernel. drm/sim is an in-process software
// kernel used by tests and the v3dvsim command; drm/halkernel maps the
// same contract onto a gogpu/wgpu HAL device.
//
// # Logging
//
// v3dv is silent by default. See SetLogger.
package v3dv

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
