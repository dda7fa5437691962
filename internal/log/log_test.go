package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog_DisabledByDefault(t *testing.T) {
	Reset()
	// Must not panic with no logger configured.
	Info(CatProbe, "nothing happens")
	ErrorErr(CatSink, "still nothing", errors.New("boom"))
}

func TestLog_FormatsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelDebug)
	t.Cleanup(Reset)

	Info(CatSampler, "finalized", "units", 3, "mode", "ordered")

	line := buf.String()
	require.Contains(t, line, "[INFO] [sampler] finalized")
	require.Contains(t, line, "units=3")
	require.Contains(t, line, "mode=ordered")
	require.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
}

func TestLog_OddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelDebug)
	t.Cleanup(Reset)

	Warn(CatTimer, "orphan", "key")
	require.Contains(t, buf.String(), "key=<missing>")
}

func TestLog_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelWarn)
	t.Cleanup(Reset)

	Debug(CatTrace, "hidden")
	Info(CatTrace, "hidden too")
	Error(CatTrace, "shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "[ERROR] [trace] shown")
}

func TestLog_ErrorErrIncludesError(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelDebug)
	t.Cleanup(Reset)

	ErrorErr(CatSink, "save failed", errors.New("disk full"), "table", "trace_events")
	require.Contains(t, buf.String(), "error=disk full")
	require.Contains(t, buf.String(), "table=trace_events")

	buf.Reset()
	ErrorErr(CatSink, "save failed", nil)
	require.Contains(t, buf.String(), "error=<nil>")
}

func TestLog_SetEnabled(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelDebug)
	t.Cleanup(Reset)

	SetEnabled(false)
	Info(CatConfig, "muted")
	require.Empty(t, buf.String())

	SetEnabled(true)
	Info(CatConfig, "loud")
	require.Contains(t, buf.String(), "loud")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel(" error "))
	require.Equal(t, LevelInfo, ParseLevel("verbose"))
}
