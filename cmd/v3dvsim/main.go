// Command v3dvsim drives a small rendering and compute workload through the
// v3dv job engine and prints the engine counters.
//
// The default backend is the in-process simulated kernel. The noop and
// vulkan backends run the same workload on a gogpu/wgpu HAL device, where
// control lists are transported and fenced but not executed.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/v3dv"
	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/drm/halkernel"
	"github.com/gogpu/v3dv/drm/sim"
)

const (
	width  = 256
	height = 256

	drawsPerFrame = 4
	workGroups    = 4

	// queryStride is the size of one 64-bit result with its availability.
	queryStride = 16
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

func main() {
	var (
		configPath  = flag.String("config", "", "TOML configuration file")
		backend     = flag.String("backend", "sim", "kernel backend: sim, noop or vulkan")
		frames      = flag.Int("frames", 3, "number of frames to submit")
		latency     = flag.Duration("latency", 0, "simulated execution time per GPU job (sim backend)")
		alwaysFlush = flag.Bool("always-flush", false, "end the render job after every draw")
		useEvents   = flag.Bool("events", true, "gate the tail of each frame on a host event")
		jsonOut     = flag.Bool("json", false, "print stats as JSON")
		verbose     = flag.Bool("v", false, "debug logging to stderr")
	)
	flag.Parse()

	if *verbose {
		v3dv.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := v3dv.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = v3dv.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	kernel, err := openKernel(*backend, *latency)
	if err != nil {
		log.Fatalf("Failed to open %s kernel: %v", *backend, err)
	}
	defer func() { _ = kernel.Close() }()

	opts := []v3dv.Option{v3dv.WithConfig(cfg)}
	if *alwaysFlush {
		opts = append(opts, v3dv.WithAlwaysFlush(true))
	}
	dev, err := v3dv.Open(kernel, opts...)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}

	w, err := newWorkload(dev, *frames)
	if err != nil {
		_ = dev.Close()
		log.Fatalf("Failed to create workload: %v", err)
	}

	start := time.Now()
	for f := 0; f < *frames; f++ {
		if err := w.runFrame(uint32(f), *useEvents); err != nil {
			w.destroy()
			_ = dev.Close()
			log.Fatalf("Frame %d: %v", f, err)
		}
	}
	elapsed := time.Since(start)
	w.report(*frames)
	w.destroy()

	if *jsonOut {
		data, err := dev.DumpJSON()
		if err != nil {
			log.Fatalf("Failed to dump stats: %v", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Println(dev.Stats())
	}
	if err := dev.Close(); err != nil {
		log.Fatalf("Failed to close device: %v", err)
	}
	log.Printf("%d frames on %s in %v\n", *frames, *backend, elapsed)
}

func openKernel(name string, latency time.Duration) (drm.Kernel, error) {
	switch name {
	case "sim":
		return sim.New(sim.WithLatency(latency)), nil
	case "noop":
		return halkernel.OpenNoop()
	case "vulkan":
		return halkernel.OpenVulkan()
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// workload holds the objects every frame records against.
type workload struct {
	dev     *v3dv.Device
	rp      *v3dv.RenderPass
	fb      *v3dv.Framebuffer
	color   *v3dv.Image
	compute *v3dv.ComputePipeline
	queries *v3dv.QueryPool
	results *v3dv.Buffer
	gate    *v3dv.Event
	fence   *v3dv.Fence
}

func newWorkload(dev *v3dv.Device, frames int) (*workload, error) {
	w := &workload{dev: dev, gate: dev.CreateEvent()}
	var err error

	w.color, err = dev.CreateImage(v3dv.ImageDesc{
		Name: "color", Width: width, Height: height,
		CPP: 4, InternalBPP: v3dv.BPP32, PadToTiles: true,
	})
	if err != nil {
		return nil, err
	}
	w.rp, err = dev.CreateRenderPass([]v3dv.AttachmentDesc{{
		Aspects:     v3dv.AspectColor,
		InternalBPP: v3dv.BPP32,
		Samples:     1,
		LoadOp:      v3dv.LoadOpClear,
		StoreOp:     v3dv.StoreOpStore,
	}}, []v3dv.SubpassDesc{{Color: []uint32{0}, DepthStencil: v3dv.AttachmentUnused}})
	if err != nil {
		w.destroy()
		return nil, err
	}
	w.fb, err = dev.CreateFramebuffer(w.rp, []*v3dv.Image{w.color}, width, height, 1)
	if err != nil {
		w.destroy()
		return nil, err
	}
	w.compute, err = dev.CreateComputePipeline(v3dv.ComputePipelineDesc{
		Label:     "double",
		Source:    doubleWGSL,
		LocalSize: [3]uint32{64, 1, 1},
		Uniforms:  []v3dv.ComputeUniform{{Kind: v3dv.UniformNumWorkGroupsX}},
	})
	if err != nil {
		w.destroy()
		return nil, err
	}
	w.queries, err = dev.CreateQueryPool(v3dv.QueryOcclusion, uint32(frames))
	if err != nil {
		w.destroy()
		return nil, err
	}
	w.results, err = dev.CreateBuffer(uint32(frames)*queryStride, "query_results")
	if err != nil {
		w.destroy()
		return nil, err
	}
	w.fence, err = dev.CreateFence(false)
	if err != nil {
		w.destroy()
		return nil, err
	}
	return w, nil
}

func (w *workload) destroy() {
	if w.fence != nil {
		w.fence.Destroy()
	}
	if w.results != nil {
		w.results.Destroy()
	}
	if w.queries != nil {
		w.queries.Destroy()
	}
	if w.compute != nil {
		w.compute.Destroy()
	}
	if w.color != nil {
		w.color.Destroy()
	}
}

// runFrame records, submits and waits for one frame. With gated set the
// copy of the frame's query result waits for a host event that is
// signaled after Submit returns.
func (w *workload) runFrame(f uint32, gated bool) error {
	cb := w.dev.AllocateCommandBuffer(v3dv.LevelPrimary)
	defer cb.Destroy()

	if err := cb.Begin(v3dv.BeginInfo{Usage: v3dv.UsageOneTimeSubmit}); err != nil {
		return err
	}
	cb.ResetQueryPool(w.queries, f, 1)
	cb.BeginRenderPass(w.rp, w.fb, v3dv.Rect{Width: width, Height: height},
		[]v3dv.ClearValue{{Color: [4]uint32{0xff202020}}})
	cb.BindPipeline(&v3dv.GraphicsPipeline{EZState: v3dv.EZDisabled})
	cb.BeginQuery(w.queries, f)
	for i := uint32(0); i < drawsPerFrame; i++ {
		cb.Draw(3, i*3)
	}
	cb.EndQuery(w.queries, f)
	cb.EndRenderPass()

	cb.BindComputePipeline(w.compute)
	cb.Dispatch(workGroups, 1, 1)

	if gated {
		cb.WaitEvents(w.gate)
		cb.ResetEvent(w.gate)
	}
	cb.CopyQueryPoolResults(w.queries, f, 1, w.results, f*queryStride, queryStride,
		v3dv.QueryResult64Bit|v3dv.QueryResultWait|v3dv.QueryResultWithAvailability)
	if err := cb.End(); err != nil {
		return err
	}

	if err := w.dev.Queue().Submit([]v3dv.SubmitInfo{{CommandBuffers: []*v3dv.CommandBuffer{cb}}}, w.fence); err != nil {
		return err
	}
	if gated {
		w.gate.Set()
	}
	if err := w.fence.Wait(10 * time.Second); err != nil {
		return err
	}
	return w.fence.Reset()
}

func (w *workload) report(frames int) {
	data := w.results.Bytes()
	for f := 0; f < frames; f++ {
		rec := data[f*queryStride:]
		samples := binary.LittleEndian.Uint64(rec)
		avail := binary.LittleEndian.Uint64(rec[8:])
		log.Printf("frame %d: %d samples passed (available %d)\n", f, samples, avail)
	}
}
