package v3dv

import (
	stderrors "errors"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/v3dv/drm"
	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/query"
)

func TestSentinelsMatchWithStdlib(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		cause    error
	}{
		{"device lost", deviceLost(drm.ErrNoSuchHandle, "v3dv: submit"), ErrDeviceLost, drm.ErrNoSuchHandle},
		{"host memory", withSentinel(drm.ErrClosed, ErrOutOfHostMemory, "v3dv: syncobj"), ErrOutOfHostMemory, drm.ErrClosed},
		{"query not ready", translate(query.ErrNotReady), ErrNotReady, query.ErrNotReady},
		{"query device lost", translate(query.ErrDeviceLost), ErrDeviceLost, query.ErrDeviceLost},
		{"block allocation", translate(errors.Wrap(bo.ErrOutOfMemory, "alloc")), ErrOutOfDeviceMemory, bo.ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, stderrors.Is(tt.err, tt.sentinel))
			assert.True(t, stderrors.Is(tt.err, tt.cause))
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.True(t, errors.Is(tt.err, tt.cause))
		})
	}
}

func TestTranslatePassesOtherErrors(t *testing.T) {
	assert.NoError(t, translate(nil))
	err := errors.New("other")
	assert.Equal(t, err, translate(err))
}

func TestSubmitFailureMatchesWithStdlib(t *testing.T) {
	dev, k := newTestDevice(t)
	tg := newColorTarget(t, dev, 64, 64)
	cb := endedPrimary(t, dev, func(cb *CommandBuffer) {
		tg.begin(cb)
		cb.EndRenderPass()
	})

	cause := errors.New("ioctl failed")
	k.FailNext(cause)
	err := submit(dev, nil, cb)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrDeviceLost))
	assert.True(t, stderrors.Is(err, cause))
}

func TestWaitGoroutineLimitMatchesWithStdlib(t *testing.T) {
	dev, _ := newTestDevice(t, WithMaxWaitThreads(1))
	e1, e2 := dev.CreateEvent(), dev.CreateEvent()
	cb1 := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e1) })
	cb2 := endedPrimary(t, dev, func(cb *CommandBuffer) { cb.WaitEvents(e2) })

	err := submit(dev, nil, cb1, cb2)
	assert.True(t, stderrors.Is(err, ErrDeviceLost))

	e1.Set()
	e2.Set()
	assert.NoError(t, dev.WaitIdle())
}
