// Package diag carries the diagnostics plumbing shared by the binding and
// lifetime packages: the slog logger and the severity-leveled message sink
// through which exhaustion, contract violations and device loss are reported.
package diag

import (
	"context"
	"fmt"
	"log/slog"
)

// Severity classifies a message delivered to a Sink.
type Severity uint8

const (
	// Info is informational.
	Info Severity = iota
	// Warning marks a recoverable problem, such as a fallback to a slower path.
	Warning
	// Error marks a caller bug or an exhausted resource for the current frame.
	Error
	// Fatal marks a condition the device cannot recover from.
	Fatal
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Severity(%d)", uint8(s))
	}
}

// Level maps the severity onto a slog level. Fatal has no slog counterpart
// and is logged four steps above LevelError.
func (s Severity) Level() slog.Level {
	switch s {
	case Info:
		return slog.LevelInfo
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

// Sink receives every reported condition exactly once.
type Sink interface {
	Message(severity Severity, text string)
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(severity Severity, text string)

// Message calls f(severity, text).
func (f SinkFunc) Message(severity Severity, text string) { f(severity, text) }

// LogSink forwards messages to the shared slog logger.
type LogSink struct{}

// Message logs text at the level matching severity.
func (LogSink) Message(severity Severity, text string) {
	Logger().Log(context.Background(), severity.Level(), text, "severity", severity.String())
}

// Report formats a message and delivers it to sink. A nil sink falls back
// to LogSink.
func Report(sink Sink, severity Severity, format string, args ...any) {
	if sink == nil {
		sink = LogSink{}
	}
	sink.Message(severity, fmt.Sprintf(format, args...))
}
