package v3dv

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/v3dv/internal/event"
	"github.com/gogpu/v3dv/internal/job"
)

// waitInfo tracks the wait goroutines of one Submit call and what to
// signal once they are all done.
type waitInfo struct {
	group errgroup.Group

	// threads, signals and finished flags are guarded by Queue.mu.
	threads []*waitThread
	signals []*Semaphore
	fence   *Fence
}

// waitThread is one wait goroutine: it waits for the events of a
// wait-events job and then runs the rest of its command buffer.
type waitThread struct {
	finished bool
	done     chan struct{}
}

// spawnWaitThread continues the jobs after a wait-events job on a new
// goroutine. The goroutine is registered before it starts so that any
// later CPU wait sees it. It returns errNotReady on success.
func (c *submitCall) spawnWaitThread(events []*event.Event, rest []*job.Job, semWait bool) error {
	q := c.q
	t := &waitThread{done: make(chan struct{})}

	q.mu.Lock()
	if c.wi == nil {
		c.wi = &waitInfo{}
		if n := q.dev.config.MaxWaitThreads; n > 0 {
			c.wi.group.SetLimit(n)
		}
		q.waitInfos = append(q.waitInfos, c.wi)
	}
	c.wi.threads = append(c.wi.threads, t)
	q.mu.Unlock()

	started := c.wi.group.TryGo(func() error {
		defer q.finishWaitThread(t)
		return q.runWaitThread(t, events, rest, semWait)
	})
	if !started {
		q.finishWaitThread(t)
		slogger().Warn("v3dv: wait goroutine limit reached", "limit", q.dev.config.MaxWaitThreads)
		return errors.Wrapf(ErrDeviceLost, "v3dv: more than %d concurrent wait goroutines", q.dev.config.MaxWaitThreads)
	}
	q.dev.stats.waitThreads.Add(1)
	return errNotReady
}

// runWaitThread is the body of a wait goroutine. Further wait-events jobs
// in rest are waited for in place.
func (q *Queue) runWaitThread(t *waitThread, events []*event.Event, rest []*job.Job, semWait bool) error {
	poll := q.dev.config.PollInterval
	if err := event.WaitAll(q.ctx, events, poll); err != nil {
		slogger().Warn("v3dv: wait goroutine aborted", "err", err)
		return errors.Wrap(err, "v3dv: wait for events")
	}

	for _, j := range rest {
		err := q.submitJob(j, jobCtx{semWait: semWait, self: t})
		if errors.Is(err, errNotReady) {
			p := j.Payload.(*job.WaitEvents)
			if err := event.WaitAll(q.ctx, p.Events, poll); err != nil {
				slogger().Warn("v3dv: wait goroutine aborted", "err", err)
				return errors.Wrap(err, "v3dv: wait for events")
			}
			continue
		}
		if err != nil {
			slogger().Warn("v3dv: wait goroutine job execution failed", "type", j.Type.String(), "err", err)
			return err
		}
	}
	return nil
}

// finishWaitThread marks t finished and wakes CPU waiters blocked on it.
func (q *Queue) finishWaitThread(t *waitThread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	close(t.done)
}

// runMaster joins the wait goroutines of one Submit call, then signals its
// semaphores and fence.
func (q *Queue) runMaster(wi *waitInfo) {
	defer q.masters.Done()

	err := wi.group.Wait()
	q.mu.Lock()
	signals := slices.Clone(wi.signals)
	fence := wi.fence
	q.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		// Jobs left waiting on events at close never ran.
		slogger().Warn("v3dv: wait goroutines aborted, not signaling",
			"semaphores", len(signals), "fence", fence != nil)
		signals, fence = nil, nil
	case err != nil:
		slogger().Warn("v3dv: wait goroutine failed", "err", err)
	}

	if err := q.signalSemaphores(signals); err != nil {
		slogger().Warn("v3dv: signal semaphores after wait goroutines", "err", err)
	}
	if fence != nil {
		if err := q.signalFence(fence); err != nil {
			slogger().Warn("v3dv: signal fence after wait goroutines", "err", err)
		}
	}

	q.mu.Lock()
	q.waitInfos = slices.DeleteFunc(q.waitInfos, func(w *waitInfo) bool { return w == wi })
	q.mu.Unlock()
}

// cpuWaitIdle blocks until every wait goroutine registered before self has
// finished. With a nil self it waits for all of them.
func (q *Queue) cpuWaitIdle(self *waitThread) {
	for {
		pending := q.firstPending(self)
		if pending == nil {
			return
		}
		<-pending.done
	}
}

func (q *Queue) firstPending(self *waitThread) *waitThread {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, wi := range q.waitInfos {
		for _, t := range wi.threads {
			if t == self {
				return nil
			}
			if !t.finished {
				return t
			}
		}
	}
	return nil
}

// shutdown aborts wait goroutines still blocked on events and waits for
// every master goroutine.
func (q *Queue) shutdown() {
	q.cancel()
	q.masters.Wait()
}
