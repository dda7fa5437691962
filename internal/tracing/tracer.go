// Package tracing records hierarchical spans on explicit per-goroutine
// stacks and emits one trace_events row per span start, span end and event.
package tracing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/metrics"
	"github.com/zjrosen/probing/internal/storage"
)

// Span and stack ids are unique across every Tracer in the process, so
// tracers sharing a sink never collide on span_id or thread_id.
var (
	lastSpanID  atomic.Uint64
	lastStackID atomic.Uint64
)

// Tracer owns a sink and the registry of live stacks.
type Tracer struct {
	sink    storage.Sink
	metrics *metrics.Metrics
	clock   func() time.Time

	mu     sync.Mutex
	stacks map[uint64]*Stack
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithMetrics records span and row counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracer) { t.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.clock = now }
}

// New creates a tracer writing rows to sink. A nil sink discards rows.
func New(sink storage.Sink, opts ...Option) *Tracer {
	if sink == nil {
		sink = storage.Discard
	}
	t := &Tracer{
		sink:   sink,
		clock:  time.Now,
		stacks: make(map[uint64]*Stack),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sink returns the tracer's sink.
func (t *Tracer) Sink() storage.Sink {
	return t.sink
}

// NewStack creates and registers a stack owned by the calling goroutine.
// Only the owner may push and pop spans; call Close when it is done.
func (t *Tracer) NewStack() *Stack {
	st := &Stack{
		tr:    t,
		id:    lastStackID.Add(1),
		owner: goroutineID(),
	}
	t.mu.Lock()
	t.stacks[st.id] = st
	t.mu.Unlock()
	t.metrics.StackOpened()
	log.Debug(log.CatTrace, "stack opened", "thread_id", st.id)
	return st
}

// Stacks returns the number of live stacks.
func (t *Tracer) Stacks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stacks)
}

func (t *Tracer) unregister(st *Stack) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.stacks[st.id]; !ok {
		return false
	}
	delete(t.stacks, st.id)
	return true
}

func (t *Tracer) nextSpanID() uint64 {
	return lastSpanID.Add(1)
}

func (t *Tracer) now() time.Time {
	return t.clock()
}

// emit saves row. Sink failures are logged and never returned to callers.
func (t *Tracer) emit(row storage.TraceEvent) {
	err := t.sink.Save(row)
	t.metrics.RowSaved(storage.TableTraceEvents, err)
	if err != nil {
		log.ErrorErr(log.CatSink, "failed to save trace row", err,
			"record_type", row.RecordType, "span_id", row.SpanID)
	}
}

func (t *Tracer) usageError(kind string, err error, fields ...any) {
	t.metrics.UsageError(kind)
	log.ErrorErr(log.CatTrace, "span usage error", err, fields...)
}
