// Package drm models the V3D kernel driver surface the job engine talks to:
// buffer objects, sync objects and the three submission ioctls.
//
// Implementations live in sub-packages: drm/sim is an in-process software
// kernel used by tests and the CLI, drm/halkernel maps the same contract onto
// a gogpu/wgpu HAL device.
package drm

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Kernel errors.
var (
	// ErrNoSuchHandle is returned for an unknown BO or syncobj handle.
	ErrNoSuchHandle = errors.New("drm: no such handle")

	// ErrTimeout is returned when a wait reaches its deadline.
	ErrTimeout = errors.New("drm: timed out")

	// ErrNoFence is returned when exporting a syncobj that carries no fence.
	ErrNoFence = errors.New("drm: syncobj has no fence")

	// ErrBadFD is returned for an unknown file descriptor.
	ErrBadFD = errors.New("drm: bad file descriptor")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("drm: device closed")
)

// Forever is the zero deadline: the wait never times out.
var Forever time.Time

// SubmitCL flags.
const (
	// SubmitCLFlushCache asks the kernel to flush the TMU cache after the
	// render list completes.
	SubmitCLFlushCache uint32 = 1 << 0
)

// SubmitCL describes one binning + rendering job.
type SubmitCL struct {
	BCLStart, BCLEnd uint32
	RCLStart, RCLEnd uint32

	// QMA / QMS are the tile allocation address and size, QTS the tile
	// state address.
	QMA, QMS, QTS uint32

	Flags     uint32
	BOHandles []uint32

	InSyncBCL uint32
	InSyncRCL uint32
	OutSync   uint32
}

// SubmitTFU describes one texture formatting unit copy.
type SubmitTFU struct {
	ICfg uint32
	IIA  uint32 // input image address
	IIS  uint32 // input image stride
	ICA  uint32
	IUA  uint32
	IOA  uint32 // output image address
	IOS  uint32 // output image size (height << 16 | width)
	Coef [4]uint32

	// BOHandles lists up to four BOs, zero terminated.
	BOHandles [4]uint32

	InSync  uint32
	OutSync uint32
}

// SubmitCSD describes one compute shader dispatch.
type SubmitCSD struct {
	Cfg       [7]uint32
	Coef      [4]uint32
	BOHandles []uint32

	InSync  uint32
	OutSync uint32
}

// CSD configuration word layout.
const (
	CSDCfg012WGCountShift = 16
	CSDCfg3WGSPerSGShift  = 0
	CSDCfg3BatchesPerSGM1 = 12
	CSDCfg3WGSizeShift    = 24
	CSDCfg5PropagateNaNs  = 1 << 2
	CSDCfg5SingleSeg      = 1 << 1
	CSDCfg5Threading      = 1 << 0
)

// Kernel is the ioctl surface of a V3D render node.
//
// All methods are safe for concurrent use. Handle value 0 is never a valid
// BO or syncobj; submissions use 0 to mean "no sync".
type Kernel interface {
	// CreateBO allocates a GPU-visible block and returns its handle and
	// GPU address.
	CreateBO(size uint32) (handle, offset uint32, err error)
	// MmapBO returns a CPU mapping of the first size bytes of the BO.
	MmapBO(handle, size uint32) ([]byte, error)
	FreeBO(handle uint32) error
	// WaitBO blocks until no submitted job references the BO, or returns
	// ErrTimeout after timeout. A zero timeout polls, a negative one waits
	// forever.
	WaitBO(handle uint32, timeout time.Duration) error

	SubmitCL(s *SubmitCL) error
	SubmitTFU(s *SubmitTFU) error
	SubmitCSD(s *SubmitCSD) error

	SyncobjCreate(signaled bool) (uint32, error)
	SyncobjDestroy(handle uint32) error
	// SyncobjWait waits for one (waitAll false) or all syncobjs to be
	// signaled. A syncobj without a fence counts as unsignaled.
	SyncobjWait(handles []uint32, deadline time.Time, waitAll bool) error
	SyncobjReset(handles ...uint32) error
	SyncobjSignal(handles ...uint32) error
	// SyncobjExportSyncFile snapshots the current fence into a sync file.
	SyncobjExportSyncFile(handle uint32) (fd int, err error)
	// SyncobjImportSyncFile replaces the syncobj fence with the one in fd.
	SyncobjImportSyncFile(handle uint32, fd int) error
	// SyncobjHandleToFD exports the syncobj itself (opaque fd).
	SyncobjHandleToFD(handle uint32) (fd int, err error)
	// SyncobjFDToHandle imports an opaque fd as a new handle to the same
	// syncobj.
	SyncobjFDToHandle(fd int) (uint32, error)
	CloseFD(fd int) error

	Close() error
}
