package timer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/device"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type failingDevice struct {
	syncs int
}

func (f *failingDevice) RecordMarker() (device.Marker, error) {
	return nil, errors.New("stream lost")
}

func (f *failingDevice) Synchronize() error {
	f.syncs++
	return errors.New("sync lost")
}

func (f *failingDevice) Elapsed(device.Marker, device.Marker) (time.Duration, error) {
	return 0, errors.New("unreachable")
}

func TestStage_Class(t *testing.T) {
	require.Equal(t, "forward", PreForward.Class())
	require.Equal(t, "forward", PostForward.Class())
	require.Equal(t, "backward", PostBackward.Class())
	require.Equal(t, "step", PreStep.Class())
	require.Equal(t, "custom", Stage("custom").Class())

	require.True(t, PreBackward.IsPre())
	require.False(t, PostStep.IsPre())
}

func TestTimer_HostOffsetsWithoutDevice(t *testing.T) {
	clk := &stepClock{t: time.Unix(100, 0)}
	tm := New(nil, WithClock(clk.now))

	require.Equal(t, 0.0, tm.Begin(1, PreForward, 0))
	clk.advance(250 * time.Millisecond)
	off, pair := tm.End(1, PostForward)
	require.InDelta(t, 0.25, off, 1e-9)
	require.Nil(t, pair)

	clk.advance(250 * time.Millisecond)
	require.InDelta(t, 0.5, tm.Begin(2, PreForward, 2), 1e-9)
	require.Zero(t, tm.Open())
}

func TestTimer_ResetStartsNextStep(t *testing.T) {
	clk := &stepClock{t: time.Unix(100, 0)}
	tm := New(nil, WithClock(clk.now))

	tm.Begin(1, PreForward, 0)
	clk.advance(time.Second)
	tm.Reset()

	off, _ := tm.End(1, PostForward)
	require.Zero(t, off, "end with no step start reports zero")

	clk.advance(time.Second)
	require.Zero(t, tm.Begin(1, PreForward, 3), "begin without step start starts one")
	clk.advance(time.Second)
	require.InDelta(t, 1.0, tm.Begin(1, PreForward, 4), 1e-9)
}

func TestTimer_PairsMarkersByClass(t *testing.T) {
	sim := device.NewSim()
	t.Cleanup(func() { _ = sim.Close() })
	tm := New(sim)

	tm.Begin(7, PreForward, 0)
	tm.Begin(7, PreBackward, 1)
	require.Equal(t, 2, tm.Open())

	_, pair := tm.End(7, PostForward)
	require.NotNil(t, pair)
	require.Equal(t, 1, tm.Open())

	_, again := tm.End(7, PostForward)
	require.Nil(t, again, "begin marker is consumed by the first end")

	_, other := tm.End(8, PostBackward)
	require.Nil(t, other, "different unit has no begin")

	require.NoError(t, sim.Synchronize())
	require.True(t, pair.Completed())
}

func TestTimer_SyncOption(t *testing.T) {
	sim := device.NewSim()
	t.Cleanup(func() { _ = sim.Close() })
	tm := New(sim, WithSync(true))

	tm.Begin(1, PreStep, 0)
	tm.End(1, PostStep)
	require.Equal(t, 2, sim.Syncs())
}

func TestTimer_MarkerErrorsDegrade(t *testing.T) {
	dev := &failingDevice{}
	tm := New(dev, WithSync(true))

	tm.Begin(1, PreForward, 0)
	require.Zero(t, tm.Open())
	_, pair := tm.End(1, PostForward)
	require.Nil(t, pair)
	require.Equal(t, 2, dev.syncs)
}
