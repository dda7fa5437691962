package storage_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/testutil"
)

func TestMemory_CollectsByTable(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, mem.Save(storage.TraceEvent{RecordType: storage.RecordSpanStart, SpanID: 1}))
	require.NoError(t, mem.Save(storage.ModuleTrace{Module: "enc"}))
	require.NoError(t, mem.Save(storage.Variable{Name: "loss"}))
	require.NoError(t, mem.Save(storage.TraceEvent{RecordType: storage.RecordSpanEnd, SpanID: 1}))

	require.Equal(t, 4, mem.Len())
	require.Len(t, mem.TraceEvents(), 2)
	require.Equal(t, "enc", mem.ModuleTraces()[0].Module)
	require.Equal(t, "loss", mem.Variables()[0].Name)

	mem.Reset()
	require.Zero(t, mem.Len())
	require.Empty(t, mem.Rows())
}

func TestRow_Tables(t *testing.T) {
	require.Equal(t, "trace_events", storage.TraceEvent{}.Table())
	require.Equal(t, "module_traces", storage.ModuleTrace{}.Table())
	require.Equal(t, "variables", storage.Variable{}.Table())
}

func TestMulti_ContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	failing := storage.SinkFunc(func(storage.Row) error { return boom })
	a, b := storage.NewMemory(), storage.NewMemory()

	err := storage.Multi{a, failing, nil, b}.Save(storage.Variable{Name: "x"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, a.Len())
	require.Equal(t, 1, b.Len())

	require.NoError(t, storage.Multi{a}.Save(storage.Variable{}))
}

func TestDiscard(t *testing.T) {
	require.NoError(t, storage.Discard.Save(storage.Variable{}))
}

func TestUnsupportedRowError(t *testing.T) {
	err := &storage.UnsupportedRowError{Row: storage.Variable{}}
	require.Contains(t, err.Error(), "storage.Variable")
}

func TestBuildSpans_StandardTrace(t *testing.T) {
	mem := storage.NewMemory()
	testutil.NewBuilder(t, mem).WithStandardTrace().Build()

	spans := storage.BuildSpans(mem.TraceEvents())
	require.Len(t, spans, 5)

	byName := map[string]*storage.StoredSpan{}
	for _, s := range spans {
		byName[s.Name] = s
	}

	root := byName["train_step"]
	require.Equal(t, storage.NoParent, root.ParentID)
	require.Equal(t, uint64(1), root.TraceID)
	require.Len(t, root.Children, 2)
	require.Equal(t, "forward", root.Children[0].Name)
	require.Equal(t, "backward", root.Children[1].Name)

	d, ok := root.Duration()
	require.True(t, ok)
	require.EqualValues(t, 8_000, d)

	back := byName["backward"]
	require.Len(t, back.Events, 1)
	require.Equal(t, "grad.clipped", back.Events[0].Name)
	require.JSONEq(t, `{"norm":1.5}`, back.Events[0].Attributes)

	require.Equal(t, "model.go:linear:42", byName["linear"].Location)

	loader := byName["loader"]
	require.False(t, loader.Ended)
	_, ok = loader.Duration()
	require.False(t, ok)

	roots := storage.Roots(spans)
	require.Len(t, roots, 2)
	require.Equal(t, "train_step", roots[0].Name)
	require.Equal(t, "loader", roots[1].Name)
}

func TestBuildSpans_IgnoresOrphans(t *testing.T) {
	rows := []storage.TraceEvent{
		{RecordType: storage.RecordSpanEnd, SpanID: 9, Time: 5},
		{RecordType: storage.RecordEvent, SpanID: 9, Name: "lost"},
	}
	require.Empty(t, storage.BuildSpans(rows))
}

func TestRoots_ParentOutsideSelection(t *testing.T) {
	spans := []*storage.StoredSpan{{SpanID: 7, ParentID: 3}}
	require.Len(t, storage.Roots(spans), 1)
}
