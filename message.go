package rhi

import "github.com/gogpu/rhi/internal/diag"

// MessageSeverity classifies a message delivered to a MessageSink.
type MessageSeverity = diag.Severity

// Message severities.
const (
	SeverityInfo    = diag.Info
	SeverityWarning = diag.Warning
	SeverityError   = diag.Error
	SeverityFatal   = diag.Fatal
)

// MessageSink receives the conditions the embedding application has to act
// on: exhausted descriptor heaps, scratch budget failures, permanent-state
// violations and device loss. Each occurrence is delivered exactly once.
// The core never panics across this boundary unless
// Config.PanicOnContractViolation is set; termination policy belongs to
// the application.
type MessageSink = diag.Sink

// MessageSinkFunc adapts an ordinary function to the MessageSink interface.
type MessageSinkFunc = diag.SinkFunc

// LogMessageSink forwards messages to the rhi logger. It is the default sink.
type LogMessageSink = diag.LogSink
