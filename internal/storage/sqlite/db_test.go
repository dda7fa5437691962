package sqlite

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(testutil.NewTestDB(t))
	require.NoError(t, err)
	return db
}

// TestOpen_CreatesDirectory verifies that Open creates the parent directory if missing.
func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "probing.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
	require.Equal(t, dbPath, db.Path())
}

func TestOpen_ReopenKeepsRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "probing.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Save(storage.Variable{Step: 1, Func: "f", Name: "x", Value: "1"}))
	require.NoError(t, db.Close())

	db, err = Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	vars, err := db.Variables(-1)
	require.NoError(t, err)
	require.Len(t, vars, 1)
}

func TestSave_UnsupportedRow(t *testing.T) {
	db := newTestDB(t)
	var unsupported *storage.UnsupportedRowError
	require.ErrorAs(t, db.Save(otherRow{}), &unsupported)
}

type otherRow struct{}

func (otherRow) Table() string { return "other" }

func TestTraceEvents_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	b := testutil.NewBuilder(t, db).WithStandardTrace()
	b.Build()

	got, err := db.TraceEvents()
	require.NoError(t, err)
	require.Equal(t, b.Rows(), got)
}

func TestSave_PointerRows(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Save(&storage.TraceEvent{RecordType: storage.RecordSpanStart, SpanID: 3, TraceID: 3, ParentID: storage.NoParent}))
	require.NoError(t, db.Save(&storage.ModuleTrace{Step: 1, Module: "m", Stage: "pre forward"}))
	require.NoError(t, db.Save(&storage.Variable{Step: 1, Func: "f", Name: "n", Value: "v"}))

	events, err := db.TraceEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	mods, err := db.ModuleTraces(-1)
	require.NoError(t, err)
	require.Len(t, mods, 1)
}

func TestTraceRows_IncludesEndRows(t *testing.T) {
	db := newTestDB(t)
	testutil.NewBuilder(t, db).WithStandardTrace().Build()

	rows, err := db.TraceRows(1)
	require.NoError(t, err)

	spans := storage.BuildSpans(rows)
	require.Len(t, spans, 4)
	for _, s := range spans {
		require.True(t, s.Ended, s.Name)
		require.Equal(t, uint64(1), s.TraceID)
	}
}

func TestTraces_Summaries(t *testing.T) {
	db := newTestDB(t)
	testutil.NewBuilder(t, db).WithStandardTrace().Build()

	traces, err := db.Traces(0)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	// Newest first.
	require.Equal(t, uint64(5), traces[0].TraceID)
	require.Equal(t, "loader", traces[0].Root)
	require.Equal(t, 1, traces[0].Spans)
	require.Equal(t, uint64(1), traces[1].TraceID)
	require.Equal(t, "train_step", traces[1].Root)
	require.Equal(t, 4, traces[1].Spans)

	limited, err := db.Traces(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestModuleTraces_FilterByStep(t *testing.T) {
	db := newTestDB(t)
	testutil.NewBuilder(t, db).WithStandardModules().Build()

	all, err := db.ModuleTraces(-1)
	require.NoError(t, err)
	require.Len(t, all, 5)

	step2, err := db.ModuleTraces(2)
	require.NoError(t, err)
	require.Len(t, step2, 2)
	require.Equal(t, "decoder", step2[0].Module)
}

func TestModuleStats_SlowestFirst(t *testing.T) {
	db := newTestDB(t)
	testutil.NewBuilder(t, db).WithStandardModules().Build()

	stats, err := db.ModuleStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	require.Equal(t, "decoder", stats[0].Module)
	require.Equal(t, 2, stats[0].Samples)
	require.InDelta(t, 0.6, stats[0].AvgSec, 1e-9)
	require.InDelta(t, 0.7, stats[0].MaxSec, 1e-9)

	require.Equal(t, "encoder", stats[1].Module)
	require.Equal(t, 1, stats[1].Samples)
}

func TestVariables_FilterByStep(t *testing.T) {
	db := newTestDB(t)
	testutil.NewBuilder(t, db).WithStandardModules().Build()

	vars, err := db.Variables(2)
	require.NoError(t, err)
	require.Equal(t, []storage.Variable{{Step: 2, Func: "trainStep", Name: "loss", Value: "0.81"}}, vars)
}
