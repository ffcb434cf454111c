// Package tracing carries trace identifiers through context so every task
// in a delegation tree can be linked back to the root request.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}
type parentTaskKey struct{}

// WithTraceID returns a new context carrying the given trace ID.
func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext extracts the trace ID from context. Returns uuid.Nil if not set.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(traceIDKey{}).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithParentTaskID returns a new context carrying the delegating task's ID.
func WithParentTaskID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, parentTaskKey{}, id)
}

// ParentTaskIDFromContext extracts the delegating task's ID. Returns uuid.Nil if not set.
func ParentTaskIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(parentTaskKey{}).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
