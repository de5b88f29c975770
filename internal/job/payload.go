package job

import (
	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/event"
	"github.com/gogpu/v3dv/internal/query"
)

// Payload is the host-side parameter set of a CPU job.
type Payload interface {
	// Type returns the job type that carries this payload.
	Type() Type
}

// ResetQueries resets Count queries of Pool starting at First.
type ResetQueries struct {
	Pool  *query.Pool
	First uint32
	Count uint32
}

// EndQuery marks Count queries starting at Query as available. Count is
// larger than one under multiview.
type EndQuery struct {
	Pool  *query.Pool
	Query uint32
	Count uint32
}

// CopyQueryResults copies query results into a buffer.
type CopyQueryResults struct {
	Pool   *query.Pool
	First  uint32
	Count  uint32
	Dst    bo.Region
	Offset uint32
	Stride uint32
	Flags  query.ResultFlags
}

// SetEvent stores State into Event once all previous work has completed.
type SetEvent struct {
	Event *event.Event
	State bool
}

// WaitEvents holds the queue until every event is set.
type WaitEvents struct {
	Events []*event.Event

	// SemWait is set at submit time to the batch's semaphore wait flag so
	// a wait goroutine can pass it on to the jobs it resumes.
	SemWait bool
}

// ImageLayout describes a linear image in a block.
type ImageLayout struct {
	BO          *bo.BO
	Offset      uint32
	RowPitch    uint32
	LayerStride uint32
	CPP         uint32
}

// CopyBufferToImage copies texels from a buffer into a linear image.
type CopyBufferToImage struct {
	Image  ImageLayout
	Buffer bo.Region

	// BufferOffset is relative to Buffer; BufferStride and
	// BufferLayerStride are in bytes.
	BufferOffset      uint32
	BufferStride      uint32
	BufferLayerStride uint32

	X, Y          uint32
	Width, Height uint32

	BaseLayer  uint32
	LayerCount uint32
}

// CSDIndirect reads workgroup counts written by the GPU and, if they
// differ from those recorded, rewrites CSDJob before submitting it.
type CSDIndirect struct {
	Buffer bo.Region
	Offset uint32

	// CSDJob is owned by this payload and destroyed with it.
	CSDJob *Job

	WGSize                uint32
	WGUniformOffsets      [3]cl.Address
	NeedsWGUniformRewrite bool
}

// Timestamp writes the current time into Count queries starting at Query.
type Timestamp struct {
	Pool  *query.Pool
	Query uint32
	Count uint32
}

func (*ResetQueries) Type() Type      { return TypeCPUResetQueries }
func (*EndQuery) Type() Type          { return TypeCPUEndQuery }
func (*CopyQueryResults) Type() Type  { return TypeCPUCopyQueryResults }
func (*SetEvent) Type() Type          { return TypeCPUSetEvent }
func (*WaitEvents) Type() Type        { return TypeCPUWaitEvents }
func (*CopyBufferToImage) Type() Type { return TypeCPUCopyBufferToImage }
func (*CSDIndirect) Type() Type       { return TypeCPUCSDIndirect }
func (*Timestamp) Type() Type         { return TypeCPUTimestampQuery }
