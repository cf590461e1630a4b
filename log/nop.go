package log

import "context"

// NopLogger discards every log event. It is what the connection hub and the
// smoke test fall back to when the caller injects no Logger, so logging in
// this module stays strictly opt-in.
type NopLogger struct{}

// NewNop returns a Logger that drops everything.
func NewNop() Logger {
	return &NopLogger{}
}

// Log discards the event.
func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

// With returns the receiver unchanged; there is nothing to attach fields to.
//
//nolint:ireturn
func (l *NopLogger) With(...Field) Logger {
	return l
}

// WithGroup returns the receiver unchanged.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(string) Logger {
	return l
}

// Enabled reports false for every level, so callers can skip building
// expensive fields entirely.
func (l *NopLogger) Enabled(Level) bool {
	return false
}

// Sync has nothing to flush.
func (l *NopLogger) Sync(context.Context) error { return nil }
