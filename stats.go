package v3dv

import (
	"fmt"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/job"
)

// counters are the live engine counters of a device.
type counters struct {
	jobs        [job.NumTypes]atomic.Uint64
	gpuSubmits  atomic.Uint64
	waitThreads atomic.Uint64
	noopSubmits atomic.Uint64
	deviceLost  atomic.Uint64
}

// Stats is a snapshot of device statistics.
type Stats struct {
	// Jobs counts executed jobs by type name.
	Jobs map[string]uint64

	// GPUSubmits counts kernel submissions, no-op jobs included.
	GPUSubmits uint64

	// WaitThreads counts wait goroutines started.
	WaitThreads uint64

	// NoopSubmits counts no-op jobs submitted for empty batches.
	NoopSubmits uint64

	// DeviceLost counts submissions that failed in the kernel.
	DeviceLost uint64

	BO bo.Stats
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		Jobs:        make(map[string]uint64),
		GPUSubmits:  d.stats.gpuSubmits.Load(),
		WaitThreads: d.stats.waitThreads.Load(),
		NoopSubmits: d.stats.noopSubmits.Load(),
		DeviceLost:  d.stats.deviceLost.Load(),
		BO:          d.bos.Stats(),
	}
	for i := range d.stats.jobs {
		if n := d.stats.jobs[i].Load(); n > 0 {
			s.Jobs[job.Type(i).String()] = n
		}
	}
	return s
}

// String returns a human-readable string of device stats.
func (s Stats) String() string {
	var jobs uint64
	for _, n := range s.Jobs {
		jobs += n
	}
	return fmt.Sprintf("Device[%d jobs, %d submits, %d noop, %d wait threads, %d lost] %s",
		jobs, s.GPUSubmits, s.NoopSubmits, s.WaitThreads, s.DeviceLost, s.BO)
}

// WriteJSON writes the stats as one JSON object.
func (s Stats) WriteJSON(w *jwriter.Writer) {
	obj := w.Object()
	defer obj.End()

	jobs := obj.Name("Jobs").Object()
	for i := range job.NumTypes {
		name := job.Type(i).String()
		if n, ok := s.Jobs[name]; ok {
			jobs.Name(name).Int(int(n))
		}
	}
	jobs.End()

	obj.Name("GPUSubmits").Int(int(s.GPUSubmits))
	obj.Name("NoopSubmits").Int(int(s.NoopSubmits))
	obj.Name("WaitThreads").Int(int(s.WaitThreads))
	obj.Name("DeviceLost").Int(int(s.DeviceLost))

	b := obj.Name("BO").Object()
	b.Name("LiveCount").Int(s.BO.LiveCount)
	b.Name("LiveBytes").Int(int(s.BO.LiveBytes))
	b.Name("Allocs").Int(int(s.BO.Allocs))
	b.Name("Frees").Int(int(s.BO.Frees))
	c := b.Name("Cache").Object()
	c.Name("CachedCount").Int(s.BO.Cache.CachedCount)
	c.Name("CachedBytes").Int(int(s.BO.Cache.CachedBytes))
	c.Name("BudgetBytes").Int(int(s.BO.Cache.BudgetBytes))
	c.Name("Hits").Int(int(s.BO.Cache.Hits))
	c.Name("Misses").Int(int(s.BO.Cache.Misses))
	c.Name("EvictionCount").Int(int(s.BO.Cache.EvictionCount))
	c.End()
	b.End()
}

// DumpJSON returns the device statistics as JSON.
func (d *Device) DumpJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	d.Stats().WriteJSON(&w)
	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
