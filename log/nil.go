package log

import "context"

// NopLogger discards every log entry. It is the fallback wherever a component
// receives a nil logger.
type NopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

// Log implements Logger.
func (*NopLogger) Log(context.Context, Level, string, ...Field) {}

// With implements Logger.
func (logger *NopLogger) With(...Field) Logger { return logger }

// Enabled implements Logger.
func (*NopLogger) Enabled(Level) bool { return false }

// Sync implements Logger.
func (*NopLogger) Sync(context.Context) error { return nil }
