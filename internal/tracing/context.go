package tracing

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const stackKey contextKey = "span_stack"

// ContextWithStack returns a new context carrying st.
// If st is nil, the original context is returned unchanged.
func ContextWithStack(ctx context.Context, st *Stack) context.Context {
	if st == nil {
		return ctx
	}
	return context.WithValue(ctx, stackKey, st)
}

// StackFromContext extracts the span stack from the context.
func StackFromContext(ctx context.Context) (*Stack, bool) {
	if ctx == nil {
		return nil, false
	}
	st, ok := ctx.Value(stackKey).(*Stack)
	return st, ok && st != nil
}

// SpanFromContext returns the current span of the context's stack, or nil.
// It is nil on any goroutine other than the stack's owner.
func SpanFromContext(ctx context.Context) *Span {
	st, ok := StackFromContext(ctx)
	if !ok || !st.Owned() {
		return nil
	}
	return st.Current()
}
