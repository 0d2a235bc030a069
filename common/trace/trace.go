// Package trace provides trace ID generation and context propagation for
// correlating a single inbound event across dispatch, store, and gateway
// boundaries.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// traceKey is the unexported context key used to store the trace ID.
type traceKey struct{}

// GenerateID generates a unique trace ID.
func GenerateID() string {
	return "t_" + uuid.NewString()
}

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
