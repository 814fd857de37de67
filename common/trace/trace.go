// Package trace propagates a request correlation ID through context, so log
// lines emitted anywhere under one queued request carry the same ID.
package trace

import (
	"context"
)

// traceKey is the unexported context key used to store the trace ID.
type traceKey struct{}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
