package tracing

import (
	"context"
	"fmt"
	"reflect"
	"runtime"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/probing/internal/log"
)

// Region is a named span template usable as a scope (Run) or as a function
// wrapper (Wrap).
type Region struct {
	tr   *Tracer
	name string
	opts []SpanOption
}

// Region returns a region that opens spans named name.
func (t *Tracer) Region(name string, opts ...SpanOption) Region {
	return Region{tr: t, name: name, opts: opts}
}

// Run opens the span, calls fn and exits the span on every path. A panic in
// fn is recorded as an error event and re-raised after the span is closed.
// The stack is taken from ctx. When ctx carries none, or carries a stack
// owned by another goroutine, a stack is created for the call and closed
// when Run returns.
func (r Region) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	st, ctx, release := r.tr.stackFor(ctx)
	span := st.Enter(r.name, r.opts...)

	defer func() {
		if p := recover(); p != nil {
			_ = span.AddEvent(EventError,
				attribute.String(AttrErrorMessage, fmt.Sprint(p)),
				attribute.Bool(AttrPanic, true),
			)
			_ = st.Exit(span)
			release()
			panic(p)
		}
		exitErr := st.ExitWithError(span, err)
		release()
		if err == nil {
			err = exitErr
		}
	}()

	return fn(ctx)
}

// Wrap returns fn instrumented with one span per invocation.
func (r Region) Wrap(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return r.Run(ctx, fn)
	}
}

// WrapFunc instruments fn with one span per call. The span is named after
// fn unless WithName is given.
func WrapFunc[T any](t *Tracer, fn func(ctx context.Context) (T, error), opts ...SpanOption) func(ctx context.Context) (T, error) {
	cfg := spanConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	name := cfg.name
	if name == "" {
		name = funcName(fn)
	}
	opts = append([]SpanOption{WithKind(KindFunction)}, opts...)
	region := t.Region(name, opts...)

	return func(ctx context.Context) (T, error) {
		var out T
		err := region.Run(ctx, func(ctx context.Context) error {
			var fnErr error
			out, fnErr = fn(ctx)
			return fnErr
		})
		return out, err
	}
}

func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "anonymous"
	}
	return ShortFuncName(f.Name())
}

// stackFor returns the context's stack when the caller owns it. Otherwise
// it returns a fresh stack, a context carrying it and a release func that
// closes it; spans on the fresh stack start new traces.
func (t *Tracer) stackFor(ctx context.Context) (*Stack, context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if st, ok := StackFromContext(ctx); ok {
		if st.Owned() {
			return st, ctx, func() {}
		}
		log.Debug(log.CatTrace, "context stack owned by another goroutine", "thread_id", st.ID())
	}
	st := t.NewStack()
	return st, ContextWithStack(ctx, st), st.Close
}
