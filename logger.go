package v3dv

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/cl"
	"github.com/gogpu/v3dv/internal/job"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// openKernels holds the kernels of open devices so a later SetLogger
// reaches them too.
var (
	openMu      sync.Mutex
	openKernels = make(map[*Device]any)
)

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for v3dv and all its sub-packages.
// By default, v3dv produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by v3dv:
//   - [slog.LevelDebug]: job dispatch, kernel submissions, BO cache traffic
//   - [slog.LevelInfo]: device open and close
//   - [slog.LevelWarn]: failed submissions (logged once), wait goroutine failures
//
// Example:
//
//	v3dv.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	bo.SetLogger(l)
	cl.SetLogger(l)
	job.SetLogger(l)

	openMu.Lock()
	defer openMu.Unlock()
	for _, k := range openKernels {
		propagateLogger(k, l)
	}
}

// Logger returns the current logger used by v3dv.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

func slogger() *slog.Logger { return loggerPtr.Load() }

// loggerSetter is implemented by kernels that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to a kernel if it implements
// loggerSetter. Called from both SetLogger and Open so a kernel always has
// the current logger.
func propagateLogger(k any, l *slog.Logger) {
	if ls, ok := k.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

func registerDevice(d *Device) {
	openMu.Lock()
	openKernels[d] = d.kernel
	openMu.Unlock()
	propagateLogger(d.kernel, Logger())
}

func unregisterDevice(d *Device) {
	openMu.Lock()
	delete(openKernels, d)
	openMu.Unlock()
}
