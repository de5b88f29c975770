package pass

// JobState is the part of the recording state the tile-level decisions
// read: which subpasses the current job covers and how it relates to the
// jobs around it.
type JobState struct {
	// FirstSubpass is the first subpass recorded into the job.
	FirstSubpass uint32
	// Subpass is the subpass being recorded.
	Subpass uint32

	IsSubpassContinue bool
	IsSubpassFinish   bool
	TileAligned       bool
}

// NeedsLoad reports whether an aspect must be loaded into the tile buffer.
// has is false when the attachment lacks the aspect.
func NeedsLoad(s *JobState, has bool, first uint32, op LoadOp) bool {
	if !has {
		return false
	}
	// Load ops apply on the first subpass using the attachment, later
	// ones must keep what earlier subpasses rendered.
	if s.FirstSubpass > first {
		return true
	}
	if s.IsSubpassContinue {
		return true
	}
	// Partially covered tiles keep the pixels outside the area.
	if !s.TileAligned {
		return true
	}
	return op == LoadOpLoad
}

// NeedsClear reports whether an aspect is cleared through the tile buffer.
func NeedsClear(s *JobState, has bool, first uint32, op LoadOp, clearWithDraw bool) bool {
	if !has || clearWithDraw {
		return false
	}
	if s.IsSubpassContinue || !s.TileAligned {
		return false
	}
	if s.FirstSubpass != first {
		return false
	}
	return op == LoadOpClear
}

// NeedsStore reports whether an aspect must be stored from the tile buffer.
func NeedsStore(s *JobState, has bool, last uint32, op StoreOp) bool {
	if !has {
		return false
	}
	// Store ops apply only to the last job of the last subpass using the
	// attachment.
	if s.Subpass < last {
		return true
	}
	if !s.IsSubpassFinish {
		return true
	}
	return op == StoreOpStore
}

// ColorLoad is a color attachment loaded into render target RT.
type ColorLoad struct {
	Attachment uint32
	RT         uint32
}

// LoadPlan lists the tile buffer loads for one layer.
type LoadPlan struct {
	Colors []ColorLoad
	// DepthStencil is the depth/stencil attachment, or Unused.
	DepthStencil uint32
	Depth        bool
	Stencil      bool
}

// PlanLoads decides the tile buffer loads of the current subpass for one
// layer.
func (p *RenderPass) PlanLoads(s *JobState, layer uint32) LoadPlan {
	sp := &p.Subpasses[s.Subpass]
	plan := LoadPlan{DepthStencil: Unused}
	for i, att := range sp.Color {
		if att == Unused {
			continue
		}
		a := &p.Attachments[att]
		if NeedsLoad(s, true, p.FirstSubpass(att, layer), a.Desc.LoadOp) {
			plan.Colors = append(plan.Colors, ColorLoad{Attachment: att, RT: uint32(i)})
		}
	}

	if att := sp.DepthStencil; att != Unused {
		a := &p.Attachments[att]
		first := p.FirstSubpass(att, layer)
		plan.Depth = NeedsLoad(s, a.Desc.Aspects&AspectDepth != 0, first, a.Desc.LoadOp)
		plan.Stencil = NeedsLoad(s, a.Desc.Aspects&AspectStencil != 0, first, a.Desc.StencilLoadOp)
		if plan.Depth || plan.Stencil {
			plan.DepthStencil = att
			// The whole image is loaded regardless of which aspect asked.
			plan.Depth = a.Desc.Aspects&AspectDepth != 0
			plan.Stencil = a.Desc.Aspects&AspectStencil != 0
		}
	}
	return plan
}

// ColorStore is a store of render target RT into Attachment.
type ColorStore struct {
	Attachment uint32
	RT         uint32
	// Clear requests the per-buffer clear after the store.
	Clear bool
	// Resolve stores the multisampled buffer resolved.
	Resolve bool
}

// StorePlan lists the tile buffer stores and clears for one layer.
type StorePlan struct {
	Colors       []ColorStore
	DepthStencil uint32
	Depth        bool
	Stencil      bool

	// ClearZS and ClearRTs select the global tile buffer clear emitted
	// after the stores.
	ClearZS  bool
	ClearRTs bool

	// ShaderResolves lists color attachments that were stored for a
	// resolve the TLB cannot do.
	ShaderResolves []uint32
}

// Empty reports whether the plan stores nothing; the RCL still needs one
// dummy store per tile.
func (sp *StorePlan) Empty() bool {
	return len(sp.Colors) == 0 && !sp.Depth && !sp.Stencil
}

// PlanStores decides the tile buffer stores and clears of the current
// subpass for one layer. earlyZSClear is the job's early-ZS-clear flag,
// which takes over the depth/stencil clear.
func (p *RenderPass) PlanStores(s *JobState, layer uint32, earlyZSClear bool) StorePlan {
	sp := &p.Subpasses[s.Subpass]
	plan := StorePlan{DepthStencil: Unused}

	if att := sp.DepthStencil; att != Unused {
		a := &p.Attachments[att]
		hasDepth := a.Desc.Aspects&AspectDepth != 0
		hasStencil := a.Desc.Aspects&AspectStencil != 0
		first, last := p.FirstSubpass(att, layer), p.LastSubpass(att, layer)

		depthClear := NeedsClear(s, hasDepth, first, a.Desc.LoadOp, sp.DoDepthClearWithDraw)
		stencilClear := NeedsClear(s, hasStencil, first, a.Desc.StencilLoadOp, sp.DoStencilClearWithDraw)
		plan.Depth = NeedsStore(s, hasDepth, last, a.Desc.StoreOp)
		plan.Stencil = NeedsStore(s, hasStencil, last, a.Desc.StencilStoreOp)
		if plan.Depth || plan.Stencil {
			plan.DepthStencil = att
		}
		// The per-buffer clear bit does not work for depth/stencil.
		plan.ClearZS = !earlyZSClear && (depthClear || stencilClear)
	}

	for i, att := range sp.Color {
		if att == Unused {
			continue
		}
		a := &p.Attachments[att]
		rt := uint32(i)
		clear := NeedsClear(s, true, p.FirstSubpass(att, layer), a.Desc.LoadOp, false)
		store := NeedsStore(s, true, p.LastSubpass(att, layer), a.Desc.StoreOp)

		// The resolve goes first and must not clear: the clear would hit
		// the tile buffer before the color store below.
		if sp.Resolve != nil && sp.Resolve[i] != Unused {
			if !a.Desc.NoTLBResolve {
				plan.Colors = append(plan.Colors, ColorStore{Attachment: sp.Resolve[i], RT: rt, Resolve: true})
			} else {
				store = true
				plan.ShaderResolves = append(plan.ShaderResolves, att)
			}
		}

		switch {
		case store:
			plan.Colors = append(plan.Colors, ColorStore{Attachment: att, RT: rt, Clear: clear && !plan.ClearRTs})
		case clear:
			plan.ClearRTs = true
		}
	}
	return plan
}

// EarlyZSClear reports whether the job can clear depth/stencil in the
// early-Z stage: it must clear and neither load nor store the attachment.
func (p *RenderPass) EarlyZSClear(s *JobState) bool {
	sp := &p.Subpasses[s.Subpass]
	att := sp.DepthStencil
	if att == Unused {
		return false
	}
	a := &p.Attachments[att]
	hasDepth := a.Desc.Aspects&AspectDepth != 0
	hasStencil := a.Desc.Aspects&AspectStencil != 0

	depthClear := NeedsClear(s, hasDepth, a.First, a.Desc.LoadOp, sp.DoDepthClearWithDraw)
	stencilClear := NeedsClear(s, hasStencil, a.First, a.Desc.StencilLoadOp, sp.DoStencilClearWithDraw)
	if !depthClear && !stencilClear {
		return false
	}
	if NeedsLoad(s, hasDepth, a.First, a.Desc.LoadOp) || NeedsLoad(s, hasStencil, a.First, a.Desc.StencilLoadOp) {
		return false
	}
	return !NeedsStore(s, hasDepth, a.Last, a.Desc.StoreOp) &&
		!NeedsStore(s, hasStencil, a.Last, a.Desc.StencilStoreOp)
}

// DisableEarlyZ reports whether early-Z must be off for the whole job:
// without a depth attachment, or when depth is loaded into a framebuffer
// with an odd dimension (the early-Z buffer may load wrong values then).
// fb is nil when recording a secondary without a framebuffer.
func (p *RenderPass) DisableEarlyZ(s *JobState, fb *Framebuffer) bool {
	att := p.Subpasses[s.Subpass].DepthStencil
	if att == Unused {
		return true
	}
	a := &p.Attachments[att]
	if !NeedsLoad(s, a.Desc.Aspects&AspectDepth != 0, a.First, a.Desc.LoadOp) {
		return false
	}
	if fb == nil {
		return true
	}
	return fb.Width%2 != 0 || fb.Height%2 != 0
}
