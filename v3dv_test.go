package v3dv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/v3dv/drm/sim"
	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
)

// testWait bounds every wait a test expects to succeed.
const testWait = 5 * time.Second

func newTestDevice(t *testing.T, opts ...Option) (*Device, *sim.Kernel) {
	t.Helper()
	return newTestDeviceOn(t, sim.New(), opts...)
}

func newTestDeviceOn(t *testing.T, k *sim.Kernel, opts ...Option) (*Device, *sim.Kernel) {
	t.Helper()
	dev, err := Open(k, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, dev.Close())
		_ = k.Close()
	})
	return dev, k
}

// target is a single color attachment render pass with its framebuffer.
type target struct {
	rp    *RenderPass
	fb    *Framebuffer
	color *Image
}

func newColorTarget(t *testing.T, dev *Device, w, h uint32) target {
	t.Helper()
	return newTarget(t, dev, w, h, 1, SubpassDesc{Color: []uint32{0}, DepthStencil: AttachmentUnused})
}

func newTarget(t *testing.T, dev *Device, w, h, layers uint32, subpasses ...SubpassDesc) target {
	t.Helper()
	img, err := dev.CreateImage(ImageDesc{
		Name: "color", Width: w, Height: h, Layers: layers,
		CPP: 4, InternalBPP: BPP32, PadToTiles: true,
	})
	require.NoError(t, err)
	t.Cleanup(img.Destroy)

	rp, err := dev.CreateRenderPass([]AttachmentDesc{{
		Aspects:     AspectColor,
		InternalBPP: BPP32,
		Samples:     1,
		LoadOp:      LoadOpClear,
		StoreOp:     StoreOpStore,
	}}, subpasses)
	require.NoError(t, err)

	fb, err := dev.CreateFramebuffer(rp, []*Image{img}, w, h, 1)
	require.NoError(t, err)
	return target{rp: rp, fb: fb, color: img}
}

func (tg target) fullArea() Rect {
	return Rect{Width: tg.fb.Width(), Height: tg.fb.Height()}
}

func (tg target) begin(cb *CommandBuffer) {
	cb.BeginRenderPass(tg.rp, tg.fb, tg.fullArea(), []ClearValue{{Color: [4]uint32{0xff0000ff}}})
}

func beginPrimary(t *testing.T, dev *Device) *CommandBuffer {
	t.Helper()
	cb := dev.AllocateCommandBuffer(LevelPrimary)
	require.NoError(t, cb.Begin(BeginInfo{}))
	t.Cleanup(cb.Destroy)
	return cb
}

func newComputePipeline(t *testing.T, dev *Device, uniforms ...ComputeUniform) *ComputePipeline {
	t.Helper()
	p, err := dev.uploadComputePipeline(ComputePipelineDesc{
		Label:     "test",
		LocalSize: [3]uint32{8, 1, 1},
		Uniforms:  uniforms,
	}, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p
}

func newFence(t *testing.T, dev *Device) *Fence {
	t.Helper()
	f, err := dev.CreateFence(false)
	require.NoError(t, err)
	t.Cleanup(f.Destroy)
	return f
}

func newSemaphore(t *testing.T, dev *Device) *Semaphore {
	t.Helper()
	s, err := dev.CreateSemaphore()
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

func submit(dev *Device, fence *Fence, cbs ...*CommandBuffer) error {
	return dev.Queue().Submit([]SubmitInfo{{CommandBuffers: cbs}}, fence)
}

func jobTypes(cb *CommandBuffer) []job.Type {
	types := make([]job.Type, len(cb.jobs))
	for i, j := range cb.jobs {
		types[i] = j.Type
	}
	return types
}

// decode returns the packets of the live block of a control list.
func decode(t *testing.T, l *cl.CL) []cl.Packet {
	t.Helper()
	require.NotNil(t, l.BO())
	pkts, err := cl.Decode(l.BO().Map[:l.Offset()])
	require.NoError(t, err)
	return pkts
}

func opcodes(pkts []cl.Packet) []cl.Opcode {
	ops := make([]cl.Opcode, len(pkts))
	for i, p := range pkts {
		ops[i] = p.Op
	}
	return ops
}

func countOp(pkts []cl.Packet, op cl.Opcode) int {
	n := 0
	for _, p := range pkts {
		if p.Op == op {
			n++
		}
	}
	return n
}

// emulateTFU makes the kernel perform TFU copies of IOS height rows of IIS
// texels each.
func emulateTFU(k *sim.Kernel) {
	k.OnExecute(func(k *sim.Kernel, r sim.Record) {
		if r.Kind != sim.KindTFU {
			return
		}
		s := r.TFU
		_, src, ok := k.BOByAddress(s.IIA)
		if !ok {
			return
		}
		_, dst, ok := k.BOByAddress(s.IOA)
		if !ok {
			return
		}
		n := (s.IOS >> 16) * s.IIS * s.ICfg
		copy(dst[:n], src[:n])
	})
}
