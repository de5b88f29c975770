package sim

import (
	"sync"
	"sync/atomic"
)

// engine is the simulated GPU: a single worker goroutine that runs
// submitted work strictly in FIFO order.
type engine struct {
	queue   chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// newEngine starts the worker. depth bounds the number of queued jobs
// before Submit blocks.
func newEngine(depth int) *engine {
	if depth <= 0 {
		depth = 1
	}
	e := &engine{
		queue: make(chan func(), depth),
		done:  make(chan struct{}),
	}
	e.running.Store(true)
	e.wg.Add(1)
	go e.worker()
	return e
}

func (e *engine) worker() {
	defer e.wg.Done()

	for {
		select {
		case fn := <-e.queue:
			fn()
		case <-e.done:
			// Drain what was accepted before Close.
			for {
				select {
				case fn := <-e.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit queues fn. It reports false if the engine is closed.
func (e *engine) submit(fn func()) bool {
	if fn == nil || !e.running.Load() {
		return false
	}
	select {
	case e.queue <- fn:
		return true
	case <-e.done:
		return false
	}
}

// close stops accepting work, runs everything already queued and waits
// for the worker to exit. Safe to call multiple times.
func (e *engine) close() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.done)
	e.wg.Wait()
}

// pending returns the number of queued jobs.
func (e *engine) pending() int {
	return len(e.queue)
}
