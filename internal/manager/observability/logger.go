// Package observability provides structured logging setup for the container
// manager. It wraps log/slog with trace ID propagation so every log line
// emitted while handling one request carries the trace context.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/chatops-ai/container-manager/common/trace"
)

// Setup configures the global slog logger from the level and format strings
// (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger carrying the trace_id from ctx, or the
// default logger when no trace is set.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
