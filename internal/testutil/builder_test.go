package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/storage"
)

func TestBuilder_RowsOrderedByTime(t *testing.T) {
	b := NewBuilder(t, storage.Discard).WithStandardTrace()
	rows := b.Rows()
	for i := 1; i < len(rows); i++ {
		require.LessOrEqual(t, rows[i-1].Time, rows[i].Time)
	}
	require.Equal(t, storage.RecordSpanStart, rows[0].RecordType)
	require.Equal(t, "train_step", rows[0].Name)
}

func TestBuilder_OpenSpanHasNoEnd(t *testing.T) {
	b := NewBuilder(t, storage.Discard).WithSpan(1, "open", Open())
	rows := b.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, storage.RecordSpanStart, rows[0].RecordType)
}

func TestBuilder_BuildSavesEverything(t *testing.T) {
	mem := storage.NewMemory()
	NewBuilder(t, mem).WithStandardTrace().WithStandardModules().Build()

	require.Len(t, mem.ModuleTraces(), 5)
	require.Len(t, mem.Variables(), 2)
	// 5 starts, 4 ends, 1 event
	require.Len(t, mem.TraceEvents(), 10)
}

func TestNewTestDB_HasSchema(t *testing.T) {
	db := NewTestDB(t)
	for _, table := range []string{"trace_events", "module_traces", "variables"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err)
		require.Equal(t, table, name)
	}
}
