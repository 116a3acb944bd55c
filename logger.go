package dsh

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/dsh/heap"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that SetLogger
// can be called while another goroutine drives a Manager.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for dsh and its sub-packages.
// By default dsh produces no log output. Pass nil to restore that.
//
// Log levels used by dsh:
//   - [slog.LevelDebug]: allocation, eviction and reclaim detail
//   - [slog.LevelInfo]: heap growth
//   - [slog.LevelWarn]: degraded paths (debug kernel fallback, eviction shortfall)
//
// Example:
//
//	dsh.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	heap.SetLogger(l)
}

// Logger returns the current logger used by dsh.
// Sub-packages (backend/native) call this to share the same configuration.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
