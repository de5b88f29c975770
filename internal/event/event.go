// Package event implements host-visible events: a boolean state that the
// host or the queue sets and resets, with a notifier so waiters do not
// have to spin.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a host event. The zero value is a valid unsignaled event.
type Event struct {
	state atomic.Bool

	mu      sync.Mutex
	changed chan struct{}
}

// New returns an event in the given state.
func New(signaled bool) *Event {
	e := &Event{}
	e.state.Store(signaled)
	return e
}

// IsSet reports whether the event is signaled.
func (e *Event) IsSet() bool {
	return e.state.Load()
}

// Set signals the event.
func (e *Event) Set() { e.Store(true) }

// Reset unsignals the event.
func (e *Event) Reset() { e.Store(false) }

// Store sets the event state and wakes waiters if it changed.
func (e *Event) Store(signaled bool) {
	if e.state.Swap(signaled) == signaled {
		return
	}
	e.mu.Lock()
	if e.changed != nil {
		close(e.changed)
		e.changed = nil
	}
	e.mu.Unlock()
}

// Changed returns a channel that is closed on the next state change.
func (e *Event) Changed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.changed == nil {
		e.changed = make(chan struct{})
	}
	return e.changed
}

// AllSet reports whether every event is signaled.
func AllSet(events []*Event) bool {
	for _, e := range events {
		if !e.IsSet() {
			return false
		}
	}
	return true
}

// WaitAll blocks until every event is signaled or ctx is done. Waiters wake
// on state changes; poll bounds the time between re-checks in case an
// event is set and reset between two looks.
func WaitAll(ctx context.Context, events []*Event, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Millisecond
	}
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		var pending *Event
		var ch <-chan struct{}
		for _, e := range events {
			if e.IsSet() {
				continue
			}
			// Take the channel before re-checking so a Set in between is
			// not missed.
			ch = e.Changed()
			if e.IsSet() {
				continue
			}
			pending = e
			break
		}
		if pending == nil {
			return nil
		}
		if ticker == nil {
			ticker = time.NewTicker(poll)
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
