package testutil

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/storage"
)

// Builder accumulates test rows and saves them in order.
type Builder struct {
	t       *testing.T
	sink    storage.Sink
	spans   []spanData
	modules []storage.ModuleTrace
	vars    []storage.Variable
}

// NewBuilder creates a builder saving into sink.
func NewBuilder(t *testing.T, sink storage.Sink) *Builder {
	t.Helper()
	return &Builder{t: t, sink: sink}
}

// WithSpan adds a span with optional configuration.
func (b *Builder) WithSpan(id uint64, name string, opts ...SpanOption) *Builder {
	s := defaultSpan(id, name)
	for _, opt := range opts {
		opt(&s)
	}
	b.spans = append(b.spans, s)
	return b
}

// WithModuleTrace adds a module_traces row.
func (b *Builder) WithModuleTrace(step, seq int64, module, stage string, duration float64) *Builder {
	b.modules = append(b.modules, storage.ModuleTrace{
		Step:     step,
		Seq:      seq,
		Module:   module,
		Stage:    stage,
		Duration: duration,
	})
	return b
}

// WithVariable adds a variables row.
func (b *Builder) WithVariable(step int64, fn, name, value string) *Builder {
	b.vars = append(b.vars, storage.Variable{Step: step, Func: fn, Name: name, Value: value})
	return b
}

// Rows returns the trace_events rows the builder would save, ordered by time
// as a live tracer would have emitted them.
func (b *Builder) Rows() []storage.TraceEvent {
	var out []storage.TraceEvent
	for _, s := range b.spans {
		out = append(out, s.rows()...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time < out[j].Time
	})
	return out
}

// Build saves all accumulated rows.
func (b *Builder) Build() {
	b.t.Helper()
	for _, r := range b.Rows() {
		require.NoError(b.t, b.sink.Save(r))
	}
	for _, m := range b.modules {
		require.NoError(b.t, b.sink.Save(m))
	}
	for _, v := range b.vars {
		require.NoError(b.t, b.sink.Save(v))
	}
}
