// Package logging provides structured request logging and trace ID
// propagation for the HTTP layer.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// TraceIDKey carries the request trace ID through the context.
	TraceIDKey contextKey = "trace_id"
)

// Logger wraps zerolog with request-scoped helpers.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger tagged with the service name. Format "console"
// produces human-readable output; anything else emits JSON.
func New(service, level, format string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stdout)
	}
	zl = zl.Level(lvl).With().Timestamp().Str("service", service).Logger()

	return &Logger{zl: zl}
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace ID from the context, if present.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// LogRequest emits one entry per completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	evt := l.zl.Info()
	if status >= 500 {
		evt = l.zl.Error()
	} else if status >= 400 {
		evt = l.zl.Warn()
	}
	evt.Str("trace_id", GetTraceID(ctx)).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("http request")
}

// LogSecurityEvent records a security-relevant occurrence such as a
// rate limit rejection.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	evt := l.zl.Warn().Str("trace_id", GetTraceID(ctx)).Str("event", event)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg("security event")
}

// LogPanic records a recovered handler panic with its stack trace.
func (l *Logger) LogPanic(ctx context.Context, rec interface{}, method, path string, stack []byte) {
	l.zl.Error().
		Str("trace_id", GetTraceID(ctx)).
		Str("method", method).
		Str("path", path).
		Interface("panic", rec).
		Bytes("stack", stack).
		Msg("panic recovered")
}

// Info logs a service-level message outside a request scope.
func (l *Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

// Error logs a service-level error outside a request scope.
func (l *Logger) Error(msg string, err error) {
	l.zl.Error().Err(err).Msg(msg)
}
