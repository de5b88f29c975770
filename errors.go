package v3dv

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/query"
)

// Errors returned by the device, queue and recorder.
var (
	// ErrDeviceLost reports a failed kernel submission or a bounded wait
	// on something that never became available.
	ErrDeviceLost = errors.New("v3dv: device lost")

	// ErrOutOfHostMemory reports a failed host allocation.
	ErrOutOfHostMemory = errors.New("v3dv: out of host memory")

	// ErrOutOfDeviceMemory reports a failed block allocation or mapping.
	ErrOutOfDeviceMemory = errors.New("v3dv: out of device memory")

	// ErrTimeout reports a fence wait that reached its timeout.
	ErrTimeout = errors.New("v3dv: timeout")

	// ErrNotReady reports a fence, event or query that is not available yet.
	ErrNotReady = errors.New("v3dv: not ready")

	// ErrNotExecutable reports submission of a command buffer that is not
	// in the executable state.
	ErrNotExecutable = errors.New("v3dv: command buffer not executable")

	// ErrClosed reports use of a closed device.
	ErrClosed = errors.New("v3dv: device closed")
)

// errNotReady tells the submission loop that a wait goroutine took over
// the rest of a command buffer. It never leaves Queue.Submit.
var errNotReady = errors.New("v3dv: continued on wait goroutine")

// withSentinel wraps err with msg and joins sentinel to it, so that
// errors.Is reports both the cause and the sentinel, stdlib errors.Is
// included.
func withSentinel(err, sentinel error, msg string) error {
	return errors.Join(errors.Wrap(err, msg), sentinel)
}

// deviceLost wraps a kernel failure so errors.Is(err, ErrDeviceLost) holds.
func deviceLost(err error, msg string) error {
	return withSentinel(err, ErrDeviceLost, msg)
}

// translate maps errors of the internal packages to the public sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrNotReady):
		return errors.Join(err, ErrNotReady)
	case errors.Is(err, query.ErrDeviceLost):
		return errors.Join(err, ErrDeviceLost)
	case errors.Is(err, bo.ErrOutOfMemory), errors.Is(err, bo.ErrMapFailed), errors.Is(err, cl.ErrOutOfMemory):
		return errors.Join(err, ErrOutOfDeviceMemory)
	default:
		return err
	}
}
