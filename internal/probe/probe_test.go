package probe

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/probing/internal/capture"
	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/device"
	"github.com/zjrosen/probing/internal/metrics"
	"github.com/zjrosen/probing/internal/profile"
	"github.com/zjrosen/probing/internal/sampler"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/timer"
	"github.com/zjrosen/probing/internal/tracing"
)

var (
	enc = sampler.Unit{ID: 1, Name: "enc"}
	dec = sampler.Unit{ID: 2, Name: "decoder"}
	opt = sampler.Unit{ID: 3, Kind: sampler.UnitOptimizer}
)

// tickClock advances 100ms per reading.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(100 * time.Millisecond)
	return c.t
}

func newProbe(t *testing.T, spec string, opts ...Option) (*Probe, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	opts = append([]Option{WithSink(mem), WithRand(rand.New(rand.NewSource(1)))}, opts...)
	p := New(profile.Parse(spec), opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p, mem
}

// forward runs pre/post forward on each unit in order.
func forward(p *Probe, units ...sampler.Unit) {
	for _, u := range units {
		p.PreUnit(timer.PreForward, u)
		p.PostUnit(timer.PostForward, u)
	}
}

func stages(rows []storage.ModuleTrace) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Module + "/" + r.Stage
	}
	return out
}

func TestProbe_DisabledIsNoop(t *testing.T) {
	p, mem := newProbe(t, "off")
	p.Install(enc)

	forward(p, enc)
	p.EndOfStep()

	require.False(t, p.Enabled())
	require.Zero(t, p.Offset())
	require.False(t, p.Sampler().Finalized())
	require.Zero(t, mem.Len())
}

func TestProbe_UninstalledUnitsIgnored(t *testing.T) {
	p, mem := newProbe(t, "on")
	p.Install(enc)

	forward(p, dec)
	require.Zero(t, p.Offset(), "uninstalled unit does not consume a sequence number")
	require.False(t, p.Sampler().Known(dec))

	forward(p, enc)
	require.Equal(t, 2, p.Offset())
	require.Zero(t, mem.Len(), "discovery records nothing")
}

func TestProbe_OrderedRotationWithoutDevice(t *testing.T) {
	clk := &tickClock{}
	p, mem := newProbe(t, "on", WithClock(clk.Now))
	p.Install(enc, dec)

	// Discovery.
	forward(p, enc, dec)
	p.EndOfStep()
	require.True(t, p.Sampler().Finalized())
	require.Equal(t, int64(0), p.Step())
	require.Zero(t, p.Offset())
	require.Zero(t, mem.Len())

	// First sampled step: cursor on enc, offset 0 always sampled.
	forward(p, enc, dec)
	p.EndOfStep()
	rows := mem.ModuleTraces()
	require.Equal(t, []string{"enc/pre forward", "enc/post forward"}, stages(rows))
	require.Equal(t, int64(0), rows[0].Step)
	require.Equal(t, int64(0), rows[0].Seq)
	require.Equal(t, int64(1), rows[1].Seq)
	require.Zero(t, rows[0].TimeOffset)
	require.InDelta(t, 0.1, rows[1].TimeOffset, 1e-9)
	require.Zero(t, rows[1].Duration, "no device, no duration")

	// Second sampled step: cursor on decoder, offset 0 still sampled.
	mem.Reset()
	forward(p, enc, dec)
	p.EndOfStep()
	rows = mem.ModuleTraces()
	require.Equal(t, []string{"enc/pre forward", "decoder/pre forward", "decoder/post forward"}, stages(rows))
	require.Equal(t, int64(1), rows[0].Step)
	require.Equal(t, []int64{0, 2, 3}, []int64{rows[0].Seq, rows[1].Seq, rows[2].Seq})
	require.Equal(t, int64(2), p.Step())
}

func TestProbe_DeviceDurations(t *testing.T) {
	clk := &tickClock{}
	sim := device.NewSim(device.WithClock(clk.Now))
	t.Cleanup(func() { _ = sim.Close() })
	sim.SetMemoryStats(device.MemStats{Allocated: 64 << 20, Reserved: 128 << 20, MaxAllocated: 96 << 20, MaxReserved: 128 << 20})

	p, mem := newProbe(t, "random:1.0", WithDevice(sim))
	p.Install(enc, dec)

	forward(p, enc, dec)
	p.EndOfStep()
	require.Zero(t, sim.Syncs(), "nothing pending after discovery")

	forward(p, enc, dec)
	p.EndOfStep()
	require.Equal(t, 1, sim.Syncs())
	require.Zero(t, p.Pending())

	rows := mem.ModuleTraces()
	require.Len(t, rows, 4)
	for _, r := range rows {
		require.Equal(t, 64.0, r.Allocated)
		require.Equal(t, 128.0, r.Cached)
		require.Equal(t, 96.0, r.MaxAllocated)
		require.Equal(t, 128.0, r.MaxCached)
		if r.Stage == string(timer.PostForward) {
			require.InDelta(t, 0.1, r.Duration, 1e-9, "begin and end markers are adjacent in the stream")
		} else {
			require.Zero(t, r.Duration)
		}
	}
}

func TestProbe_ForceBypassesSampler(t *testing.T) {
	p, mem := newProbe(t, "on")
	p.Install(opt)

	p.LogStage(timer.PreStep, opt, true)
	p.LogStage(timer.PostStep, opt, true)
	p.EndOfStep()

	rows := mem.ModuleTraces()
	require.Equal(t, []string{"optimizer/pre step", "optimizer/post step"}, stages(rows))
	require.False(t, p.Sampler().Known(opt), "forced stages do not register units")
}

func TestProbe_UninstallStopsHooks(t *testing.T) {
	p, mem := newProbe(t, "on")
	p.Install(enc)
	p.Uninstall()

	forward(p, enc)
	require.Zero(t, p.Offset())
	require.Zero(t, mem.Len())
}

func TestProbe_CloseLeavesRegistry(t *testing.T) {
	p, _ := newProbe(t, "on")
	require.Contains(t, Live(), p)

	require.NoError(t, p.Close())
	require.NotContains(t, Live(), p)
	require.False(t, p.Enabled())

	p.Install(enc)
	forward(p, enc)
	require.Zero(t, p.Offset())
}

func TestSetSamplingModeAll(t *testing.T) {
	a, _ := newProbe(t, "on")
	b, _ := newProbe(t, "random:0.5")

	require.NoError(t, SetSamplingModeAll("random:0.25"))
	for _, p := range []*Probe{a, b} {
		require.Equal(t, profile.ModeRandom, p.Sampler().Mode())
		require.Equal(t, 0.25, p.Sampler().Rate())
	}

	err := SetSamplingModeAll("invalid:1.5")
	require.Error(t, err)
	for _, p := range []*Probe{a, b} {
		require.Equal(t, profile.ModeOrdered, p.Sampler().Mode())
		require.Equal(t, 1.0, p.Sampler().Rate())
	}
}

func TestConfigureAndFromStore(t *testing.T) {
	store := config.NewStore()

	spec := "random:0.2,sync=on"
	cfg := Configure(store, &spec)
	require.True(t, cfg.Enabled)
	got, ok := store.GetString(config.ProfilingKey)
	require.True(t, ok)
	require.Equal(t, spec, got)

	p := FromStore(store)
	t.Cleanup(func() { _ = p.Close() })
	require.True(t, p.Enabled())
	require.Equal(t, profile.ModeRandom, p.Sampler().Mode())
	require.True(t, p.Config().Sync)
	require.NotEmpty(t, p.ID())

	cfg = Configure(store, nil)
	require.False(t, cfg.Enabled)
	_, ok = store.Get(config.ProfilingKey)
	require.False(t, ok)

	q := FromStore(store)
	t.Cleanup(func() { _ = q.Close() })
	require.False(t, q.Enabled())
	require.NotEqual(t, p.ID(), q.ID())
}

//go:noinline
func trainStep(p *Probe) {
	loss := 3.5
	defer capture.Expose("loss", &loss)()
	forward(p, enc)
	loss = 1.25
	p.EndOfStep()
}

func TestProbe_CapturesVariablesAtEndOfStep(t *testing.T) {
	p, mem := newProbe(t, "on,exprs=loss@trainStep")
	p.Install(enc)

	trainStep(p)
	trainStep(p)

	require.Equal(t, []storage.Variable{
		{Step: 0, Func: "trainStep", Name: "loss", Value: "1.25"},
		{Step: 1, Func: "trainStep", Name: "loss", Value: "1.25"},
	}, mem.Variables())
}

func TestProbe_Metrics(t *testing.T) {
	m := metrics.New()
	sim := device.NewSim()
	t.Cleanup(func() { _ = sim.Close() })

	p, _ := newProbe(t, "random:1.0", WithMetrics(m), WithDevice(sim))
	p.Install(enc)

	forward(p, enc)
	p.EndOfStep()
	forward(p, enc)
	p.EndOfStep()

	require.Equal(t, 2.0, promtest.ToFloat64(m.Steps))
	require.Equal(t, 1.0, promtest.ToFloat64(m.SampledStages.WithLabelValues(string(timer.PreForward))))
	require.Equal(t, 1.0, promtest.ToFloat64(m.DeviceSyncs))
	require.Equal(t, 0.0, promtest.ToFloat64(m.PendingRecords))
	require.Equal(t, 2.0, promtest.ToFloat64(m.RowsSaved.WithLabelValues(storage.TableModuleTraces)))
}

func TestObserve_RunsHooksAroundFn(t *testing.T) {
	p, mem := newProbe(t, "random:1.0")
	p.Install(enc)
	ctx := context.Background()

	noop := func(context.Context) error { return nil }
	require.NoError(t, p.Observe(ctx, "forward", enc, noop))
	p.EndOfStep()
	require.NoError(t, p.Observe(ctx, "forward", enc, noop))
	p.EndOfStep()

	require.Equal(t, []string{"enc/pre forward", "enc/post forward"}, stages(mem.ModuleTraces()))
}

func TestObserve_TracePyRecordsErrorEvent(t *testing.T) {
	p, _ := newProbe(t, "on,tracepy=on")
	p.Install(enc)

	tr := tracing.New(storage.NewMemory())
	st := tr.NewStack()
	defer st.Close()
	span := st.Enter("train_step")
	ctx := tracing.ContextWithStack(context.Background(), st)

	boom := errors.New("nan loss")
	err := p.Observe(ctx, "forward", enc, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, p.Offset(), "post hook ran")

	events := span.Events()
	require.Len(t, events, 1)
	require.Equal(t, tracing.EventErrorOccurred, events[0].Name)
	attrs := map[string]string{}
	for _, kv := range events[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "nan loss", attrs[tracing.AttrErrorMessage])
	require.Equal(t, "enc", attrs[tracing.AttrModule])
	require.Equal(t, "forward", attrs[tracing.AttrStage])
	require.NoError(t, st.Exit(span))
}

func TestObserve_PanicIsReraised(t *testing.T) {
	p, _ := newProbe(t, "on,tracepy=on")
	p.Install(enc)

	tr := tracing.New(storage.NewMemory())
	st := tr.NewStack()
	defer st.Close()
	span := st.Enter("train_step")
	ctx := tracing.ContextWithStack(context.Background(), st)

	require.PanicsWithValue(t, "exploded", func() {
		_ = p.Observe(ctx, "backward", enc, func(context.Context) error { panic("exploded") })
	})
	require.Equal(t, 2, p.Offset())
	require.Len(t, span.Events(), 1)
	require.NoError(t, st.Exit(span))
}

func TestObserve_WithoutTracePyStaysQuiet(t *testing.T) {
	p, _ := newProbe(t, "on")
	p.Install(enc)

	tr := tracing.New(storage.NewMemory())
	st := tr.NewStack()
	defer st.Close()
	span := st.Enter("train_step")
	ctx := tracing.ContextWithStack(context.Background(), st)

	err := p.Observe(ctx, "forward", enc, func(context.Context) error { return errors.New("x") })
	require.Error(t, err)
	require.Empty(t, span.Events())
	require.NoError(t, st.Exit(span))
}

func TestProbe_ConcurrentHooks(t *testing.T) {
	p, mem := newProbe(t, "random:1.0")
	units := []sampler.Unit{enc, dec, opt}
	p.Install(units...)
	forward(p, units...)
	p.EndOfStep()

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u sampler.Unit) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				forward(p, u)
			}
		}(u)
	}
	wg.Wait()
	p.EndOfStep()

	require.Len(t, mem.ModuleTraces(), 300)
}
