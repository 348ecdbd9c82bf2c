// Package clock provides a context-carried wall clock so time-dependent
// policy (the apply grace period, Acquire's timeout budget) can be tested
// deterministically instead of via real sleeps.
package clock

import (
	"context"
	"time"
)

type contextKey struct{}

// ContextKey is the context.Value key under which a fixed time.Time or a
// Provider may be stashed to override Now for a test.
var ContextKey = contextKey{}

// Provider returns the current time; injected via context for tests that
// need the clock to advance across calls.
type Provider func() time.Time

// Now returns the time stashed in ctx under ContextKey, if any -- either a
// fixed time.Time or a Provider invoked fresh each call -- and otherwise
// the real wall clock.
func Now(ctx context.Context) time.Time {
	switch v := ctx.Value(ContextKey).(type) {
	case time.Time:
		return v
	case Provider:
		return v()
	default:
		return time.Now()
	}
}

// WithTime returns a context that makes Now always return t.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKey, t)
}

// WithProvider returns a context that makes Now call p on every invocation.
func WithProvider(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, ContextKey, p)
}
