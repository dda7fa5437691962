package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/probing/internal/capture"
	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/device"
	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/metrics"
	"github.com/zjrosen/probing/internal/probe"
	"github.com/zjrosen/probing/internal/sampler"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/tracing"
	"github.com/zjrosen/probing/internal/watcher"
)

const defaultDemoSpec = "on,exprs=loss@trainStep"

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a simulated training loop under the tracer and profiler",
	Long: `Run a small simulated training loop on a software device.

Each step opens a train_step span, loads batches on several goroutines, runs
forward and backward through a toy model and an optimizer step. The profiler
discovers the model's modules on the first step and samples them afterwards.

Example:
  probing demo --steps 10
  probing demo --spec "random:0.5,sync=on" --db /tmp/run.db
  probing demo --watch /tmp/sampling   # echo random:0.2 > /tmp/sampling`,
	RunE: runDemo,
}

var (
	demoSteps   int
	demoWorkers int
	demoSpec    string
	demoLatency time.Duration
	demoWatch   string
	demoMetrics bool
)

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().IntVar(&demoSteps, "steps", 5, "number of training steps")
	demoCmd.Flags().IntVar(&demoWorkers, "workers", 2, "concurrent data loader goroutines")
	demoCmd.Flags().StringVar(&demoSpec, "spec", "", "profiling spec (overrides config and PROBING_TORCH_PROFILING)")
	demoCmd.Flags().DurationVar(&demoLatency, "latency", time.Millisecond, "simulated device latency per marker")
	demoCmd.Flags().StringVar(&demoWatch, "watch", "", "file whose sampling mode is applied when it changes")
	demoCmd.Flags().BoolVar(&demoMetrics, "metrics", false, "serve Prometheus metrics (overrides metrics.enabled)")
}

// toyModel is the set of units a demo step runs through.
type toyModel struct {
	layers    []sampler.Unit
	optimizer sampler.Unit
}

func newToyModel() toyModel {
	return toyModel{
		layers: []sampler.Unit{
			{ID: 1, Name: "embed"},
			{ID: 2, Name: "encoder.0"},
			{ID: 3, Name: "encoder.1"},
			{ID: 4, Name: "decoder"},
			{ID: 5, Name: "lm_head"},
		},
		optimizer: sampler.Unit{ID: 6, Kind: sampler.UnitOptimizer},
	}
}

func (m toyModel) units() []sampler.Unit {
	return append(slices.Clone(m.layers), m.optimizer)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	if demoSteps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()

	sink, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			log.ErrorErr(log.CatSink, "closing sink failed", err)
		}
	}()
	rows := newCounter(sink)

	var m *metrics.Metrics
	if demoMetrics || cfg.Metrics.Enabled {
		m = metrics.New()
		shutdown := serveMetrics(m, cfg.Metrics.Addr)
		defer shutdown()
		fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", cfg.Metrics.Addr)
	}

	sim := device.NewSim(device.WithLatency(demoLatency))
	defer func() { _ = sim.Close() }()

	store := config.DefaultStore()
	store.SyncEnv(os.Environ())
	if spec, ok := demoProfilingSpec(cmd, store); ok {
		probe.Configure(store, &spec)
	}
	p := probe.FromStore(store, probe.WithSink(rows), probe.WithDevice(sim), probe.WithMetrics(m))
	defer func() { _ = p.Close() }()

	model := newToyModel()
	p.Install(model.units()...)

	if demoWatch != "" {
		go func() {
			err := watcher.Reload(ctx, watcher.DefaultConfig(demoWatch), probe.SetSamplingModeAll)
			if err != nil {
				log.ErrorErr(log.CatWatcher, "sampling file watch stopped", err, "path", demoWatch)
			}
		}()
	}

	tr := tracing.New(rows, tracing.WithMetrics(m))
	st := tr.NewStack()
	defer st.Close()
	ctx = tracing.ContextWithStack(ctx, st)

	log.Info(log.CatProbe, "demo starting", "run", runID, "steps", demoSteps, "profiling", p.Config().String())
	start := time.Now()
	completed := 0
	for step := 0; step < demoSteps; step++ {
		if ctx.Err() != nil {
			break
		}
		if err := trainStep(ctx, tr, p, sim, model, step); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		completed++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d steps in %s\n", runID, completed, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "  trace_events:  %d\n", rows.count(storage.TableTraceEvents))
	fmt.Fprintf(out, "  module_traces: %d\n", rows.count(storage.TableModuleTraces))
	fmt.Fprintf(out, "  variables:     %d\n", rows.count(storage.TableVariables))
	if cfg.Storage.Driver != config.DriverMemory {
		fmt.Fprintf(out, "  storage:       %s (%s)\n", cfg.Storage.Path, cfg.Storage.Driver)
	}
	return nil
}

// demoProfilingSpec picks the spec to store: --spec, then an environment
// value already synced into the store, then the config file, then the demo
// default. ok is false when the store already holds the spec.
func demoProfilingSpec(cmd *cobra.Command, store *config.Store) (string, bool) {
	if cmd.Flags().Changed("spec") {
		return demoSpec, true
	}
	if _, ok := store.Get(config.ProfilingKey); ok {
		return "", false
	}
	if cfg.Profiling != "" {
		return cfg.Profiling, true
	}
	return defaultDemoSpec, true
}

func serveMetrics(m *metrics.Metrics, addr string) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatProbe, "metrics server failed", err, "addr", addr)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// trainStep runs one simulated step. loss is exposed for variable capture.
func trainStep(ctx context.Context, tr *tracing.Tracer, p *probe.Probe, sim *device.Sim, model toyModel, step int) error {
	loss := 0.0
	defer capture.Expose("loss", &loss)()

	region := tr.Region("train_step",
		tracing.WithKind(tracing.KindStep),
		tracing.WithAttributes(attribute.Int(tracing.AttrStep, step)),
	)
	return region.Run(ctx, func(ctx context.Context) error {
		batches, err := loadBatches(ctx, tr, demoWorkers, step)
		if err != nil {
			return err
		}

		for _, u := range model.layers {
			if err := p.Observe(ctx, "forward", u, moduleWork(tr, sim, u, batches)); err != nil {
				return err
			}
		}
		loss = 2.0 / float64(step+1)

		for _, u := range slices.Backward(model.layers) {
			if err := p.Observe(ctx, "backward", u, moduleWork(tr, sim, u, -batches)); err != nil {
				return err
			}
		}

		err = p.Observe(ctx, "step", model.optimizer, func(ctx context.Context) error {
			return tr.Region("optimizer.step", tracing.WithKind(tracing.KindFunction)).Run(ctx, func(context.Context) error {
				time.Sleep(demoLatency)
				return nil
			})
		})
		p.EndOfStep()
		return err
	})
}

// moduleWork simulates one module stage: a span, some device memory churn
// and host time.
func moduleWork(tr *tracing.Tracer, sim *device.Sim, u sampler.Unit, batches int) func(context.Context) error {
	return func(ctx context.Context) error {
		return tr.Region(u.DisplayName(),
			tracing.WithKind(tracing.KindModule),
			tracing.WithAttributes(attribute.String(tracing.AttrModule, u.DisplayName())),
		).Run(ctx, func(context.Context) error {
			sim.Allocate(int64(batches) * (1 << 20))
			time.Sleep(demoLatency)
			return nil
		})
	}
}

// loadBatches fetches one batch per worker concurrently. Each worker has
// its own span stack; its load_batch span is parented to the step span.
func loadBatches(ctx context.Context, tr *tracing.Tracer, workers, step int) (int, error) {
	if workers < 1 {
		workers = 1
	}
	parent := tracing.SpanFromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			st := tr.NewStack()
			defer st.Close()
			span := st.EnterChild(parent, "load_batch",
				tracing.WithKind(tracing.KindRegion),
				tracing.WithAttributes(attribute.Int("worker", w), attribute.Int(tracing.AttrStep, step)),
			)
			select {
			case <-gctx.Done():
			case <-time.After(demoLatency):
			}
			err := gctx.Err()
			if exitErr := st.ExitWithError(span, err); exitErr != nil {
				return exitErr
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("loading batches: %w", err)
	}
	return workers, nil
}
