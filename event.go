package v3dv

import "github.com/gogpu/v3dv/internal/event"

// Event is a host-visible signal. Command buffers set, reset and wait on
// events; the host can do the same at any time.
type Event struct {
	e *event.Event
}

// CreateEvent creates an unsignaled event.
func (d *Device) CreateEvent() *Event {
	return &Event{e: event.New(false)}
}

// IsSet reports whether the event is signaled.
func (e *Event) IsSet() bool { return e.e.IsSet() }

// Set signals the event and wakes wait goroutines blocked on it.
func (e *Event) Set() { e.e.Set() }

// Reset unsignals the event.
func (e *Event) Reset() { e.e.Reset() }

func events(in []*Event) []*event.Event {
	out := make([]*event.Event, len(in))
	for i, e := range in {
		out[i] = e.e
	}
	return out
}
