// Package observability provides structured logging helpers for Mikaz.
//
// It wraps log/slog with request ID propagation and secret redaction so
// that log lines emitted while processing a queued request carry the request
// context and never leak credentials.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/zvwgvx/Mikaz/common/redact"
	"github.com/zvwgvx/Mikaz/common/trace"
)

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json"). Any secrets passed are
// stripped from every emitted log line.
func Setup(level, format string, secrets ...string) {
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
	if len(secrets) > 0 {
		opts.ReplaceAttr = redactAttr(secrets)
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactAttr strips the given secret values out of every string attribute,
// including the message itself.
func redactAttr(secrets []string) func(groups []string, a slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(redact.String(a.Value.String(), secrets...))
		}
		return a
	}
}

// WithRequest returns a child logger that always includes the request_id
// from ctx.
func WithRequest(ctx context.Context) *slog.Logger {
	requestID := trace.FromContext(ctx)
	if requestID == "" {
		return slog.Default()
	}
	return slog.With("request_id", requestID)
}
