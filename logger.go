package kernel

import "log/slog"

// Logger defines the structured logging surface used throughout the
// kernel. Key-value pairs follow the message, matching log/slog and most
// structured logging libraries, so any of them can back this interface.
//
// Example:
//
//	logger.Info("Module loaded", "module", "billing", "version", "1.2.3")
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface. A nil inner
// logger uses slog's default.
type SlogLogger struct {
	inner *slog.Logger
}

// NewSlogLogger wraps the given slog logger; pass nil for slog.Default().
func NewSlogLogger(inner *slog.Logger) *SlogLogger {
	if inner == nil {
		inner = slog.Default()
	}
	return &SlogLogger{inner: inner}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
