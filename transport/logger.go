package transport

import "log/slog"

// Logger is the interface used for structured logging throughout the
// package. It is designed to be satisfied by *slog.Logger so applications
// can pass their own logger without an adapter.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the package default, slog.Default().
func defaultLogger() Logger {
	return slog.Default()
}
