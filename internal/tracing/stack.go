package tracing

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/probing/internal/log"
)

// SpanOption configures a span at creation.
type SpanOption func(*spanConfig)

type spanConfig struct {
	name     string
	kind     string
	location string
	attrs    []attribute.KeyValue
}

// WithKind sets the span kind.
func WithKind(kind string) SpanOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithLocation overrides the captured call site.
func WithLocation(location string) SpanOption {
	return func(c *spanConfig) { c.location = location }
}

// WithAttributes sets the span attributes. They are copied.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(c *spanConfig) { c.attrs = append(c.attrs, attrs...) }
}

// WithName overrides the span name derived by WrapFunc.
func WithName(name string) SpanOption {
	return func(c *spanConfig) { c.name = name }
}

// Stack is the span stack of one goroutine. The innermost span is on top.
//
// A stack belongs to the goroutine that created it. Region.Run and
// SpanFromContext ignore a context stack owned by another goroutine, so a
// span can never become the implicit parent of work on another goroutine.
type Stack struct {
	tr    *Tracer
	id    uint64
	owner uint64

	mu    sync.Mutex
	spans []*Span
}

// ID is the thread id recorded on every span of the stack.
func (st *Stack) ID() uint64 { return st.id }

// Tracer returns the tracer that created the stack.
func (st *Stack) Tracer() *Tracer { return st.tr }

// Owned reports whether the calling goroutine created the stack.
func (st *Stack) Owned() bool { return goroutineID() == st.owner }

// Depth returns the number of open spans.
func (st *Stack) Depth() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.spans)
}

// Current returns the innermost open span, or nil.
func (st *Stack) Current() *Span {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.top()
}

func (st *Stack) top() *Span {
	if len(st.spans) == 0 {
		return nil
	}
	return st.spans[len(st.spans)-1]
}

// Enter opens a span as a child of the current span (a root when the stack
// is empty), pushes it and emits its span_start row.
func (st *Stack) Enter(name string, opts ...SpanOption) *Span {
	return st.open(nil, name, opts)
}

// EnterChild opens a span whose parent is parent, which may live on another
// stack. The span is pushed on this stack. A nil parent behaves like Enter.
func (st *Stack) EnterChild(parent *Span, name string, opts ...SpanOption) *Span {
	return st.open(parent, name, opts)
}

// open pushes a new span. A nil parent means the current top.
func (st *Stack) open(parent *Span, name string, opts []SpanOption) *Span {
	cfg := spanConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.location == "" {
		cfg.location = callerLocation()
	}

	tr := st.tr
	s := &Span{
		tr:       tr,
		spanID:   tr.nextSpanID(),
		threadID: st.id,
		name:     name,
		kind:     cfg.kind,
		location: cfg.location,
		attrs:    append([]attribute.KeyValue(nil), cfg.attrs...),
		start:    tr.now(),
		status:   StatusActive,
	}

	st.mu.Lock()
	if parent == nil {
		parent = st.top()
	}
	if parent != nil {
		s.traceID = parent.traceID
		s.parentID = parent.spanID
		s.hasParent = true
	} else {
		s.traceID = s.spanID
	}
	st.spans = append(st.spans, s)
	st.mu.Unlock()

	tr.metrics.SpanStarted()
	tr.emit(startRow(s))
	return s
}

// Exit closes span, which must be the current span. Otherwise nothing is
// changed and an *UnbalancedExitError is returned.
func (st *Stack) Exit(span *Span) error {
	st.mu.Lock()
	if err := st.checkTop(span); err != nil {
		st.mu.Unlock()
		st.tr.usageError("unbalanced_exit", err, "thread_id", st.id)
		return err
	}
	st.spans = st.spans[:len(st.spans)-1]
	st.mu.Unlock()

	span.finish(st.tr.now())
	st.tr.metrics.SpanEnded()
	st.tr.emit(endRow(span))
	return nil
}

// ExitWithError records err as an "error" event on span, then exits it.
// A nil err is a plain Exit.
func (st *Stack) ExitWithError(span *Span, err error) error {
	st.mu.Lock()
	topErr := st.checkTop(span)
	st.mu.Unlock()
	if topErr != nil {
		st.tr.usageError("unbalanced_exit", topErr, "thread_id", st.id)
		return topErr
	}
	if err != nil {
		_ = span.AddEvent(EventError,
			attribute.String(AttrErrorMessage, err.Error()),
			attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
		)
	}
	return st.Exit(span)
}

// checkTop reports an *UnbalancedExitError unless span is on top. The
// caller holds st.mu.
func (st *Stack) checkTop(span *Span) error {
	top := st.top()
	if span != nil && top == span {
		return nil
	}
	err := &UnbalancedExitError{}
	if span != nil {
		err.Span = span.name
		err.SpanID = span.spanID
	}
	if top != nil {
		err.Top = top.name
		err.TopID = top.spanID
	}
	return err
}

// AddEvent attaches an event to the current span.
func (st *Stack) AddEvent(name string, attrs ...attribute.KeyValue) error {
	cur := st.Current()
	if cur == nil {
		st.tr.usageError("no_active_span", ErrNoActiveSpan, "thread_id", st.id, "event", name)
		return ErrNoActiveSpan
	}
	return cur.AddEvent(name, attrs...)
}

// Close unregisters the stack from its tracer. Spans still open never emit
// an end row.
func (st *Stack) Close() {
	if !st.tr.unregister(st) {
		return
	}
	st.tr.metrics.StackClosed()
	if n := st.Depth(); n > 0 {
		log.Warn(log.CatTrace, "stack closed with open spans", "thread_id", st.id, "open", n)
	}
}
