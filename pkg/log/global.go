package log

import (
	"context"
	"sync/atomic"
)

type holder struct{ logger Logger }

var defaultLogger atomic.Pointer[holder]

// SetDefault installs the process-wide logger returned by Default and
// Component. Passing nil restores the no-op logger.
func SetDefault(logger Logger) {
	if logger == nil {
		defaultLogger.Store(nil)
		return
	}
	defaultLogger.Store(&holder{logger: logger})
}

// Default returns the process-wide logger, or a no-op logger when none has
// been installed yet.
func Default() Logger {
	if h := defaultLogger.Load(); h != nil {
		return h.logger
	}
	return Nop()
}

// Component returns the default logger tagged with a component name.
func Component(component string) Logger {
	return Default().With(String("component", component))
}

type contextKey struct{}

// FromContext extracts a logger from ctx, falling back to Default.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextKey{}).(Logger); ok {
		return logger
	}
	return Default()
}

// ToContext stores logger in ctx.
func ToContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field)                {}
func (nopLogger) Info(string, ...Field)                 {}
func (nopLogger) Warn(string, ...Field)                 {}
func (nopLogger) Error(string, ...Field)                {}
func (nopLogger) Fatal(string, ...Field)                {}
func (n nopLogger) With(...Field) Logger                { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }

type requestIDKey struct{}

// WithRequestID stores the request id used by WithContext implementations.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
