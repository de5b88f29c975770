package v3dv

import (
	"encoding/binary"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/event"
	"github.com/gogpu/v3dv/internal/job"
)

// monotonicBase anchors timestamp query values.
var monotonicBase = time.Now()

// handleCPU runs a CPU job on the calling goroutine.
func (q *Queue) handleCPU(j *job.Job, c jobCtx) error {
	switch p := j.Payload.(type) {
	case *job.ResetQueries:
		p.Pool.Reset(p.First, p.Count)
		return nil

	case *job.EndQuery:
		p.Pool.End(p.Query, p.Count)
		return nil

	case *job.CopyQueryResults:
		return q.copyQueryResults(p, c.self)

	case *job.Timestamp:
		// Every job queued before the timestamp must have completed.
		if err := q.waitIdle(c.self); err != nil {
			return err
		}
		p.Pool.SetTimestamp(p.Query, p.Count, uint64(time.Since(monotonicBase)))
		return nil

	case *job.SetEvent:
		// The event's first synchronization scope is all previously
		// submitted work, wait goroutines of earlier command buffers
		// included.
		if err := q.gpuWaitIdle(); err != nil {
			return err
		}
		q.cpuWaitIdle(c.self)
		p.Event.Store(p.State)
		return nil

	case *job.WaitEvents:
		return q.waitEvents(p, c)

	case *job.CopyBufferToImage:
		return q.copyBufferToImage(p, c.self)

	case *job.CSDIndirect:
		return q.csdIndirect(p, c.semWait)

	default:
		panic(errors.AssertionFailedf("v3dv: unknown CPU job payload %T", j.Payload))
	}
}

// waitEvents returns nil when every event is already set. Otherwise the
// rest of the command buffer moves to a wait goroutine, unless the caller
// is one, and errNotReady is returned.
func (q *Queue) waitEvents(p *job.WaitEvents, c jobCtx) error {
	if event.AllSet(p.Events) {
		return nil
	}
	p.SemWait = c.semWait
	if c.call != nil {
		return c.call.spawnWaitThread(p.Events, slices.Clone(c.rest), c.semWait)
	}
	return errNotReady
}

func (q *Queue) copyQueryResults(p *job.CopyQueryResults, self *waitThread) error {
	if err := q.waitIdle(self); err != nil {
		return err
	}
	dst := p.Dst
	if err := q.dev.bos.Map(dst.BO, dst.BO.Size); err != nil {
		return withSentinel(err, ErrOutOfHostMemory, "v3dv: map query results buffer")
	}
	out := dst.Bytes()[p.Offset:]
	err := p.Pool.Results(p.First, p.Count, out, uint64(p.Stride), p.Flags)
	if err != nil && !errors.Is(translate(err), ErrNotReady) {
		return translate(err)
	}
	// Unavailable queries leave their slots untouched, as on the host path.
	return nil
}

func (q *Queue) copyBufferToImage(p *job.CopyBufferToImage, self *waitThread) error {
	// The GPU may still be writing either block.
	if err := q.waitIdle(self); err != nil {
		return err
	}

	img := p.Image
	if err := q.dev.bos.Map(img.BO, img.BO.Size); err != nil {
		return withSentinel(err, ErrOutOfHostMemory, "v3dv: map image")
	}
	src := p.Buffer
	if err := q.dev.bos.Map(src.BO, src.BO.Size); err != nil {
		return withSentinel(err, ErrOutOfHostMemory, "v3dv: map buffer")
	}

	rowBytes := p.Width * img.CPP
	for i := range p.LayerCount {
		dstOff := img.Offset + (p.BaseLayer+i)*img.LayerStride
		srcOff := src.Offset + p.BufferOffset + p.BufferLayerStride*i
		for y := range p.Height {
			d := dstOff + (p.Y+y)*img.RowPitch + p.X*img.CPP
			s := srcOff + y*p.BufferStride
			copy(img.BO.Map[d:d+rowBytes], src.BO.Map[s:s+rowBytes])
		}
	}
	return nil
}

func (q *Queue) csdIndirect(p *job.CSDIndirect, semWait bool) error {
	buf := p.Buffer
	q.dev.bos.Wait(buf.BO, -1)
	if err := q.dev.bos.Map(buf.BO, buf.BO.Size); err != nil {
		return withSentinel(err, ErrOutOfHostMemory, "v3dv: map indirect buffer")
	}

	off := buf.Offset + p.Offset
	var counts [3]uint32
	for i := range counts {
		counts[i] = binary.LittleEndian.Uint32(buf.BO.Map[off+uint32(i)*4:])
	}
	if counts[0] == 0 || counts[1] == 0 || counts[2] == 0 {
		return nil
	}
	if counts != p.CSDJob.CSD.WGCount {
		p.CSDJob.RewriteIndirectCSD(counts, p.WGSize, p.WGUniformOffsets, p.NeedsWGUniformRewrite)
	}
	return q.handleCSD(p.CSDJob, semWait)
}
