package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventState(t *testing.T) {
	var e Event
	assert.False(t, e.IsSet())

	ch := e.Changed()
	e.Set()
	assert.True(t, e.IsSet())
	select {
	case <-ch:
	default:
		t.Fatal("Set must close the change channel")
	}

	// Setting again is not a change.
	ch = e.Changed()
	e.Set()
	select {
	case <-ch:
		t.Fatal("no-op Set must not notify")
	default:
	}
	e.Reset()
	assert.False(t, e.IsSet())
	<-ch
}

func TestAllSet(t *testing.T) {
	a, b := New(true), New(false)
	assert.False(t, AllSet([]*Event{a, b}))
	b.Set()
	assert.True(t, AllSet([]*Event{a, b}))
	assert.True(t, AllSet(nil))
}

func TestWaitAllWakesOnSet(t *testing.T) {
	a, b := New(false), New(false)

	done := make(chan error, 1)
	go func() {
		// A long poll interval proves the wake-up comes from the notifier.
		done <- WaitAll(context.Background(), []*Event{a, b}, time.Hour)
	}()

	a.Set()
	select {
	case <-done:
		t.Fatal("returned with b unset")
	case <-time.After(10 * time.Millisecond):
	}
	b.Set()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitAll did not wake up")
	}
}

func TestWaitAllContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := WaitAll(ctx, []*Event{New(false)}, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
