package stream

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
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

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// attrLogger prepends a fixed set of key-value pairs to every record.
type attrLogger struct {
	next  Logger
	attrs []any
}

// withAttrs returns a Logger that adds attrs in front of each call's args.
func withAttrs(l Logger, attrs ...any) Logger {
	return &attrLogger{next: l, attrs: attrs}
}

func (l *attrLogger) merge(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	return append(append(out, l.attrs...), args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.merge(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.merge(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.merge(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.next.Error(msg, l.merge(args)...) }
