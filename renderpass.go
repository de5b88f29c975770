package v3dv

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/pass"
)

// Render pass description types.
type (
	AttachmentDesc = pass.AttachmentDesc
	SubpassDesc    = pass.SubpassDesc
	LoadOp         = pass.LoadOp
	StoreOp        = pass.StoreOp
	Aspect         = pass.Aspect
	Rect           = pass.Rect
)

// AttachmentUnused marks an unused attachment reference in a SubpassDesc.
const AttachmentUnused = pass.Unused

// Attachment operations and aspects.
const (
	LoadOpLoad     = pass.LoadOpLoad
	LoadOpClear    = pass.LoadOpClear
	LoadOpDontCare = pass.LoadOpDontCare

	StoreOpStore    = pass.StoreOpStore
	StoreOpDontCare = pass.StoreOpDontCare

	AspectColor   = pass.AspectColor
	AspectDepth   = pass.AspectDepth
	AspectStencil = pass.AspectStencil
)

// RenderPass is an immutable set of attachments and subpasses.
type RenderPass struct {
	p *pass.RenderPass
}

// CreateRenderPass validates the attachment references of every subpass
// and builds the render pass.
func (d *Device) CreateRenderPass(attachments []AttachmentDesc, subpasses []SubpassDesc) (*RenderPass, error) {
	if len(subpasses) == 0 {
		return nil, errors.New("v3dv: render pass without subpasses")
	}
	n := uint32(len(attachments))
	check := func(i int, att uint32) error {
		if att != AttachmentUnused && att >= n {
			return errors.Newf("v3dv: subpass %d references attachment %d of %d", i, att, n)
		}
		return nil
	}
	for i, sp := range subpasses {
		if sp.Resolve != nil && len(sp.Resolve) != len(sp.Color) {
			return nil, errors.Newf("v3dv: subpass %d has %d resolve attachments for %d colors",
				i, len(sp.Resolve), len(sp.Color))
		}
		refs := append(append(append([]uint32{sp.DepthStencil}, sp.Color...), sp.Resolve...), sp.Input...)
		for _, att := range refs {
			if err := check(i, att); err != nil {
				return nil, err
			}
		}
		if sp.DepthStencil != AttachmentUnused &&
			attachments[sp.DepthStencil].Aspects&(AspectDepth|AspectStencil) == 0 {
			return nil, errors.Newf("v3dv: subpass %d depth/stencil attachment has no depth or stencil aspect", i)
		}
	}
	return &RenderPass{p: pass.New(attachments, subpasses)}, nil
}

// SubpassCount returns the number of subpasses.
func (p *RenderPass) SubpassCount() uint32 { return uint32(len(p.p.Subpasses)) }

// Framebuffer binds images to the attachments of a render pass.
type Framebuffer struct {
	attachments []*Image
	geom        pass.Framebuffer
}

// CreateFramebuffer creates a framebuffer of the given size. Every
// attachment must cover it.
func (d *Device) CreateFramebuffer(rp *RenderPass, attachments []*Image, width, height, layers uint32) (*Framebuffer, error) {
	if len(attachments) != len(rp.p.Attachments) {
		return nil, errors.Newf("v3dv: framebuffer has %d attachments, render pass needs %d",
			len(attachments), len(rp.p.Attachments))
	}
	if layers == 0 {
		layers = 1
	}
	fb := &Framebuffer{
		attachments: append([]*Image(nil), attachments...),
		geom:        pass.Framebuffer{Width: width, Height: height, Layers: layers, HasEdgePadding: true},
	}
	for i, img := range attachments {
		desc := img.Desc()
		if desc.Width < width || desc.Height < height || desc.Layers < layers {
			return nil, errors.Newf("v3dv: attachment %d (%dx%dx%d) smaller than framebuffer %dx%dx%d",
				i, desc.Width, desc.Height, desc.Layers, width, height, layers)
		}
		if !desc.PadToTiles {
			fb.geom.HasEdgePadding = false
		}
	}
	return fb, nil
}

// Width returns the framebuffer width.
func (f *Framebuffer) Width() uint32 { return f.geom.Width }

// Height returns the framebuffer height.
func (f *Framebuffer) Height() uint32 { return f.geom.Height }

// Layers returns the framebuffer layer count.
func (f *Framebuffer) Layers() uint32 { return f.geom.Layers }

// ClearValue is the clear value of one attachment. Color holds the packed
// tile buffer words of a color attachment.
type ClearValue struct {
	Color   [4]uint32
	Depth   float32
	Stencil uint8
}
