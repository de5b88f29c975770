// Package pass holds render pass metadata and the decisions derived from
// it while recording: which attachments a job loads, clears and stores,
// whether subpasses can share a job and whether a render area is tile
// aligned.
package pass

import (
	"math/bits"

	"github.com/gogpu/v3dv/internal/job"
)

// Unused marks an unused attachment reference.
const Unused = ^uint32(0)

// MaxViews is the maximum multiview view count.
const MaxViews = 4

// LoadOp is an attachment load operation.
type LoadOp uint8

const (
	LoadOpLoad LoadOp = iota
	LoadOpClear
	LoadOpDontCare
)

// StoreOp is an attachment store operation.
type StoreOp uint8

const (
	StoreOpStore StoreOp = iota
	StoreOpDontCare
)

// Aspect is a set of image aspects.
type Aspect uint8

const (
	AspectColor Aspect = 1 << iota
	AspectDepth
	AspectStencil
)

// AttachmentDesc describes one render pass attachment.
type AttachmentDesc struct {
	Aspects     Aspect
	InternalBPP job.InternalBPP
	Samples     uint32

	LoadOp         LoadOp
	StoreOp        StoreOp
	StencilLoadOp  LoadOp
	StencilStoreOp StoreOp

	// NoTLBResolve forces resolves of this attachment into a separate
	// pass after the job.
	NoTLBResolve bool
}

// SubpassRange is the first and last subpass using an attachment.
type SubpassRange struct {
	First, Last uint32
}

// Attachment is an attachment with its usage range.
type Attachment struct {
	Desc AttachmentDesc
	SubpassRange
	// Views holds the usage range per view under multiview.
	Views [MaxViews]SubpassRange
}

// SubpassDesc describes one subpass.
type SubpassDesc struct {
	Color []uint32
	// Resolve is nil or parallel to Color.
	Resolve      []uint32
	Input        []uint32
	DepthStencil uint32
	ViewMask     uint32
}

// Subpass is a subpass with derived flags.
type Subpass struct {
	SubpassDesc

	// DoDepthClearWithDraw and DoStencilClearWithDraw are set when one
	// depth/stencil aspect is cleared and the other loaded; the tile
	// buffer clear would lose the loaded aspect so the clear is drawn.
	DoDepthClearWithDraw   bool
	DoStencilClearWithDraw bool
}

// RenderPass is an immutable render pass.
type RenderPass struct {
	Attachments []Attachment
	Subpasses   []Subpass
	Multiview   bool
}

// New builds a render pass and derives attachment usage ranges and the
// clear-with-draw flags.
func New(attachments []AttachmentDesc, subpasses []SubpassDesc) *RenderPass {
	p := &RenderPass{
		Attachments: make([]Attachment, len(attachments)),
		Subpasses:   make([]Subpass, len(subpasses)),
	}
	for i, sp := range subpasses {
		p.Subpasses[i].SubpassDesc = sp
		if sp.ViewMask != 0 {
			p.Multiview = true
		}
	}

	last := uint32(max(len(subpasses)-1, 0))
	for i := range p.Attachments {
		a := &p.Attachments[i]
		a.Desc = attachments[i]
		a.First, a.Last = last, 0
		for v := range a.Views {
			a.Views[v] = SubpassRange{First: last, Last: 0}
		}
	}

	for i, sp := range subpasses {
		idx := uint32(i)
		for j, att := range sp.Color {
			p.use(att, idx, sp.ViewMask)
			if sp.Resolve != nil {
				p.use(sp.Resolve[j], idx, sp.ViewMask)
			}
		}
		p.use(sp.DepthStencil, idx, sp.ViewMask)
		for _, att := range sp.Input {
			p.use(att, idx, sp.ViewMask)
		}
	}

	for i := range p.Subpasses {
		sp := &p.Subpasses[i]
		if sp.DepthStencil == Unused {
			continue
		}
		d := p.Attachments[sp.DepthStencil].Desc
		if d.Aspects&(AspectDepth|AspectStencil) != AspectDepth|AspectStencil {
			continue
		}
		switch {
		case d.LoadOp == LoadOpClear && d.StencilLoadOp == LoadOpLoad:
			sp.DoDepthClearWithDraw = true
		case d.LoadOp == LoadOpLoad && d.StencilLoadOp == LoadOpClear:
			sp.DoStencilClearWithDraw = true
		}
	}
	return p
}

func (p *RenderPass) use(att, subpass, viewMask uint32) {
	if att == Unused {
		return
	}
	a := &p.Attachments[att]
	a.First = min(a.First, subpass)
	a.Last = max(a.Last, subpass)
	for m := viewMask; m != 0; m &= m - 1 {
		v := bits.TrailingZeros32(m)
		a.Views[v].First = min(a.Views[v].First, subpass)
		a.Views[v].Last = max(a.Views[v].Last, subpass)
	}
}

// FirstSubpass returns the first subpass using att, for view under
// multiview.
func (p *RenderPass) FirstSubpass(att, view uint32) uint32 {
	if p.Multiview {
		return p.Attachments[att].Views[view].First
	}
	return p.Attachments[att].First
}

// LastSubpass returns the last subpass using att, for view under multiview.
func (p *RenderPass) LastSubpass(att, view uint32) uint32 {
	if p.Multiview {
		return p.Attachments[att].Views[view].Last
	}
	return p.Attachments[att].Last
}

// ViewCount returns the number of views a subpass renders, at least one.
func (p *RenderPass) ViewCount(subpass uint32) uint32 {
	return max(uint32(bits.OnesCount32(p.Subpasses[subpass].ViewMask)), 1)
}

// Granularity returns the tile size used by a subpass, which is the render
// area alignment that lets the job skip loads.
func (p *RenderPass) Granularity(subpass uint32) (uint32, uint32) {
	sp := &p.Subpasses[subpass]
	var bpp job.InternalBPP
	msaa := false
	for _, att := range sp.Color {
		if att == Unused {
			continue
		}
		d := p.Attachments[att].Desc
		bpp = max(bpp, d.InternalBPP)
		if d.Samples > 1 {
			msaa = true
		}
	}
	return job.TileSize(uint32(len(sp.Color)), bpp, msaa)
}

// Rect is a render area.
type Rect struct {
	X, Y          uint32
	Width, Height uint32
}

// Framebuffer is the framebuffer geometry decisions depend on.
type Framebuffer struct {
	Width, Height, Layers uint32
	// HasEdgePadding is set when the attachments are padded to whole
	// tiles, so an area reaching the edge counts as aligned.
	HasEdgePadding bool
}

// TileAligned reports whether area starts on a tile boundary and either
// spans whole tiles or reaches the padded framebuffer edge.
func (p *RenderPass) TileAligned(area Rect, fb *Framebuffer, subpass uint32) bool {
	gw, gh := p.Granularity(subpass)
	edge := fb != nil && fb.HasEdgePadding
	return area.X%gw == 0 && area.Y%gh == 0 &&
		(area.Width%gw == 0 || (edge && area.X+area.Width >= fb.Width)) &&
		(area.Height%gh == 0 || (edge && area.Y+area.Height >= fb.Height))
}

// CanMerge reports whether subpass next can continue the job of subpass
// prev: both must render to the same attachments with the same views and
// neither may resolve.
func (p *RenderPass) CanMerge(prev, next uint32) bool {
	a, b := &p.Subpasses[prev], &p.Subpasses[next]
	if a.ViewMask != b.ViewMask {
		return false
	}
	if !isSubset(a.Color, b.Color) || !isSubset(b.Color, a.Color) {
		return false
	}
	if a.DepthStencil != b.DepthStencil {
		return false
	}
	return a.Resolve == nil && b.Resolve == nil
}

// isSubset reports whether every used attachment of l1 is in l2.
func isSubset(l1, l2 []uint32) bool {
	for _, x := range l1 {
		if x == Unused {
			continue
		}
		found := false
		for _, y := range l2 {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
