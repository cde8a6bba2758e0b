package rhi

import (
	"log/slog"

	"github.com/gogpu/rhi/internal/diag"
)

// SetLogger configures the logger for rhi and all its sub-packages.
// By default, rhi produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by rhi:
//   - [slog.LevelDebug]: per-operation diagnostics (heap growth, chunk creation, barrier counts)
//   - [slog.LevelInfo]: lifecycle events (device created, device idle)
//   - [slog.LevelWarn]: fallbacks (scratch reuse under budget pressure)
//   - [slog.LevelError]: messages reported at Error or Fatal severity through the default sink
//
// Example:
//
//	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	diag.SetLogger(l)
}

// Logger returns the current logger used by rhi.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return diag.Logger()
}
