package v3dv

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/job"
)

// Buffer is a linear block of GPU-visible memory, always host mapped.
type Buffer struct {
	dev    *Device
	region bo.Region
}

// CreateBuffer allocates a buffer of size bytes.
func (d *Device) CreateBuffer(size uint32, name string) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("v3dv: zero-sized buffer")
	}
	b, err := d.bos.Alloc(size, name, false)
	if err != nil {
		return nil, translate(err)
	}
	if err := d.bos.Map(b, b.Size); err != nil {
		_ = d.bos.Free(b)
		return nil, translate(err)
	}
	return &Buffer{dev: d, region: bo.Region{BO: b, Size: size}}, nil
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint32 { return b.region.Size }

// Bytes returns the host mapping of the buffer.
func (b *Buffer) Bytes() []byte { return b.region.Bytes() }

// Address returns the GPU address of offset within the buffer.
func (b *Buffer) Address(offset uint32) uint32 { return b.region.Address(offset) }

// Destroy frees the buffer. The caller must make sure no pending job
// uses it.
func (b *Buffer) Destroy() {
	if b.region.BO == nil {
		return
	}
	if err := b.dev.bos.Free(b.region.BO); err != nil {
		slogger().Warn("v3dv: free buffer", "bo", b.region.BO.String(), "err", err)
	}
	b.region.BO = nil
}

// ImageDesc describes a linear image.
type ImageDesc struct {
	Name          string
	Width, Height uint32
	// Layers defaults to 1.
	Layers uint32
	// CPP is the number of bytes per texel.
	CPP uint32
	// Samples is 1 or 4.
	Samples uint32
	// InternalBPP is the tile buffer depth the image renders at.
	InternalBPP InternalBPP
	// PadToTiles pads rows and height to whole 64x64 tiles so that
	// rendering may write past the edge of a partial tile.
	PadToTiles bool
}

// InternalBPP is the per-pixel tile buffer depth of a render target.
type InternalBPP = job.InternalBPP

// Internal tile buffer depths.
const (
	BPP32  = job.BPP32
	BPP64  = job.BPP64
	BPP128 = job.BPP128
)

// tilePad is the padding unit of PadToTiles images.
const tilePad = 64

// Image is a linear, layered image in its own block.
type Image struct {
	dev  *Device
	desc ImageDesc
	bo   *bo.BO

	rowPitch    uint32
	paddedRows  uint32
	layerStride uint32
}

// CreateImage allocates an image.
func (d *Device) CreateImage(desc ImageDesc) (*Image, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.CPP == 0 {
		return nil, errors.Newf("v3dv: invalid image %dx%d cpp %d", desc.Width, desc.Height, desc.CPP)
	}
	if desc.Layers == 0 {
		desc.Layers = 1
	}
	if desc.Samples == 0 {
		desc.Samples = 1
	}

	img := &Image{dev: d, desc: desc}
	width, rows := desc.Width, desc.Height
	if desc.PadToTiles {
		width = alignUp(width, tilePad)
		rows = alignUp(rows, tilePad)
	}
	img.rowPitch = width * desc.CPP * desc.Samples
	img.paddedRows = rows
	img.layerStride = alignUp(img.rowPitch*rows, 64)

	b, err := d.bos.Alloc(img.layerStride*desc.Layers, desc.Name, false)
	if err != nil {
		return nil, translate(err)
	}
	if err := d.bos.Map(b, b.Size); err != nil {
		_ = d.bos.Free(b)
		return nil, translate(err)
	}
	img.bo = b
	return img, nil
}

// Desc returns the image description.
func (i *Image) Desc() ImageDesc { return i.desc }

// RowPitch returns the byte distance between rows.
func (i *Image) RowPitch() uint32 { return i.rowPitch }

// LayerStride returns the byte distance between layers.
func (i *Image) LayerStride() uint32 { return i.layerStride }

// Layer returns the host mapping of one layer.
func (i *Image) Layer(layer uint32) []byte {
	off := layer * i.layerStride
	return i.bo.Map[off : off+i.layerStride]
}

// Address returns the GPU address of a layer.
func (i *Image) Address(layer uint32) uint32 {
	return i.bo.Offset + layer*i.layerStride
}

// Destroy frees the image.
func (i *Image) Destroy() {
	if i.bo == nil {
		return
	}
	if err := i.dev.bos.Free(i.bo); err != nil {
		slogger().Warn("v3dv: free image", "bo", i.bo.String(), "err", err)
	}
	i.bo = nil
}

func (i *Image) layout() job.ImageLayout {
	return job.ImageLayout{
		BO:          i.bo,
		RowPitch:    i.rowPitch,
		LayerStride: i.layerStride,
		CPP:         i.desc.CPP,
	}
}

func alignUp(n, a uint32) uint32 {
	return (n + a - 1) / a * a
}
