// Package logger configures the process-wide slog logger and carries
// request-scoped attributes through contexts.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey struct{}

// Setup installs the default slog logger writing to stdout. format is
// "json" or "text"; every record carries the service name.
func Setup(service, level, format string) {
	slog.SetDefault(New(os.Stdout, service, level, format))
}

// New builds a logger without installing it.
func New(w io.Writer, service, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", service)
}

// WithRequestID stores the request id for FromContext.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return With(ctx, "request_id", requestID)
}

// With returns a context whose logger carries the extra key/value pairs in
// addition to any already attached.
func With(ctx context.Context, args ...any) context.Context {
	existing, _ := ctx.Value(contextKey{}).([]any)
	merged := make([]any, 0, len(existing)+len(args))
	merged = append(merged, existing...)
	merged = append(merged, args...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// FromContext returns the default logger decorated with the attributes
// attached to ctx.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if args, ok := ctx.Value(contextKey{}).([]any); ok && len(args) > 0 {
		logger = logger.With(args...)
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
