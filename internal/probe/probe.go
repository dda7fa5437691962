// Package probe is the step profiler. It discovers instrumented units during
// the first step, then samples stage boundaries on later steps, timing them
// on the host and, when a device is attached, with device markers whose
// results are collected at the end of each step.
package probe

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/probing/internal/capture"
	"github.com/zjrosen/probing/internal/device"
	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/metrics"
	"github.com/zjrosen/probing/internal/profile"
	"github.com/zjrosen/probing/internal/queue"
	"github.com/zjrosen/probing/internal/sampler"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/timer"
)

// Option configures a Probe.
type Option func(*options)

type options struct {
	sink    storage.Sink
	dev     device.Device
	metrics *metrics.Metrics
	rng     *rand.Rand
	clock   func() time.Time
}

// WithSink sets where module traces and variables are saved.
func WithSink(sink storage.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithDevice attaches a device for marker timing and memory counters.
func WithDevice(dev device.Device) Option {
	return func(o *options) {
		o.dev = dev
	}
}

// WithMetrics records probe activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRand sets the sampler's random source.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rng = r
	}
}

// WithClock sets the host clock used for stage offsets.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// Probe is the profiler controller. Hooks may be called from several
// goroutines; all hook state is guarded by one mutex.
type Probe struct {
	id      string
	cfg     profile.Config
	sink    storage.Sink
	dev     device.Device
	metrics *metrics.Metrics

	sampler  *sampler.Sampler
	timer    *timer.Timer
	queue    *queue.Queue
	capturer *capture.Capturer

	mu        sync.Mutex
	enabled   bool
	installed map[uint64]sampler.Unit
	step      int64
	offset    int
	closed    bool
}

// New creates a probe for cfg and registers it for SetSamplingModeAll.
func New(cfg profile.Config, opts ...Option) *Probe {
	o := options{sink: storage.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sink == nil {
		o.sink = storage.Discard
	}

	var samplerOpts []sampler.Option
	if o.rng != nil {
		samplerOpts = append(samplerOpts, sampler.WithRand(o.rng))
	}
	timerOpts := []timer.Option{timer.WithSync(cfg.Sync)}
	if o.clock != nil {
		timerOpts = append(timerOpts, timer.WithClock(o.clock))
	}

	p := &Probe{
		id:        uuid.NewString(),
		cfg:       cfg,
		dev:       o.dev,
		metrics:   o.metrics,
		sampler:   sampler.New(cfg.Mode, cfg.Rate, samplerOpts...),
		timer:     timer.New(o.dev, timerOpts...),
		queue:     queue.New(0),
		capturer:  capture.New(cfg.Exprs),
		enabled:   cfg.Enabled,
		installed: make(map[uint64]sampler.Unit),
	}
	p.sink = p.observedSink(o.sink)

	register(p)
	log.Debug(log.CatProbe, "probe created", "id", p.id, "config", cfg.String())
	return p
}

// observedSink counts saved rows and feeds stage durations to metrics.
func (p *Probe) observedSink(next storage.Sink) storage.Sink {
	if p.metrics == nil {
		return next
	}
	return storage.SinkFunc(func(row storage.Row) error {
		err := next.Save(row)
		p.metrics.RowSaved(row.Table(), err)
		if mt, ok := row.(storage.ModuleTrace); ok && err == nil && mt.Duration > 0 {
			p.metrics.ObserveStage(mt.Module, mt.Stage, mt.Duration)
		}
		return err
	})
}

func (p *Probe) ID() string                { return p.id }
func (p *Probe) Config() profile.Config    { return p.cfg }
func (p *Probe) Sampler() *sampler.Sampler { return p.sampler }

// Enabled reports whether hooks are active.
func (p *Probe) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Step returns the current step. Step 0 is discovery.
func (p *Probe) Step() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// Offset returns the sequence number the next hook call will get.
func (p *Probe) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Pending returns the number of records waiting on the device.
func (p *Probe) Pending() int {
	return p.queue.Len()
}

// Install attaches hooks to units. Units installed after discovery are
// hooked but never enter the rotation.
func (p *Probe) Install(units ...sampler.Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, u := range units {
		p.installed[u.ID] = u
	}
	log.Debug(log.CatProbe, "installed units", "id", p.id, "count", len(units))
}

// Uninstall detaches every unit and saves whatever the device has resolved.
func (p *Probe) Uninstall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installed = make(map[uint64]sampler.Unit)
	p.drainLocked()
	log.Debug(log.CatProbe, "uninstalled", "id", p.id, "pending", p.queue.Len())
}

// PreUnit is the hook before a stage of unit.
func (p *Probe) PreUnit(stage timer.Stage, unit sampler.Unit) {
	p.LogStage(stage, unit, false)
}

// PostUnit is the hook after a stage of unit.
func (p *Probe) PostUnit(stage timer.Stage, unit sampler.Unit) {
	p.LogStage(stage, unit, false)
}

// LogStage records one stage boundary of unit. Unless force is set the
// sampler decides whether the stage is measured. Every call on an installed
// unit consumes one sequence number.
func (p *Probe) LogStage(stage timer.Stage, unit sampler.Unit, force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	if _, ok := p.installed[unit.ID]; !ok {
		return
	}
	offset := p.offset
	p.offset++

	if !force && !p.sampler.ShouldSample(unit, offset) {
		return
	}

	mem := device.Stats(p.dev)
	rec := queue.Record{Trace: storage.ModuleTrace{
		Step:         p.step,
		Seq:          int64(offset),
		Module:       p.sampler.Name(unit),
		Stage:        string(stage),
		Allocated:    device.MiB(mem.Allocated),
		MaxAllocated: device.MiB(mem.MaxAllocated),
		Cached:       device.MiB(mem.Reserved),
		MaxCached:    device.MiB(mem.MaxReserved),
	}}

	if stage.IsPre() {
		rec.Trace.TimeOffset = p.timer.Begin(unit.ID, stage, offset)
	} else {
		rec.Trace.TimeOffset, rec.Pair = p.timer.End(unit.ID, stage)
	}

	if err := p.queue.Push(rec); err != nil {
		log.ErrorErr(log.CatProbe, "queue record failed", err, "module", rec.Trace.Module)
		return
	}
	p.metrics.StageSampled(string(stage))
	p.metrics.SetPending(p.queue.Len())
}

// EndOfStep closes the current step. The first call ends discovery.
// Resolved records are saved, configured variables captured and the step
// clock reset.
func (p *Probe) EndOfStep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	if !p.sampler.Finalized() {
		p.sampler.Finalize()
		log.Info(log.CatProbe, "discovery finished", "id", p.id, "units", len(p.sampler.Units()))
	} else {
		p.step++
		p.sampler.AdvanceStep()
	}
	p.metrics.StepCompleted()

	if p.dev != nil && p.queue.Len() > 0 {
		if err := p.dev.Synchronize(); err != nil {
			log.ErrorErr(log.CatTimer, "end of step synchronize failed", err, "step", p.step)
		} else {
			p.metrics.DeviceSynced()
		}
	}
	p.drainLocked()

	p.capturer.Capture(p.step, p.sink)

	p.timer.Reset()
	p.offset = 0
}

func (p *Probe) drainLocked() {
	res := p.queue.DrainResolved(p.dev, p.sink)
	p.metrics.SetPending(res.Pending)
	if res.Saved+res.Failed > 0 {
		log.Debug(log.CatProbe, "drained", "step", p.step, "saved", res.Saved, "failed", res.Failed, "pending", res.Pending)
	}
}

// SetSamplingMode changes this probe's sampling. See sampler.ParseMode.
func (p *Probe) SetSamplingMode(expr string) error {
	return p.sampler.SetSamplingMode(expr)
}

// Close uninstalls the probe, disables it and removes it from the registry.
func (p *Probe) Close() error {
	p.Uninstall()

	p.mu.Lock()
	p.enabled = false
	p.closed = true
	p.mu.Unlock()

	unregister(p)
	return nil
}
