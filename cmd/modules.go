package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/storage/sqlite"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Show sampled module stage timings",
	Long: `Print module_traces rows recorded by the profiler, or with --stats the
average and maximum device duration per module stage, slowest first.
With --vars, print captured variables instead.`,
	RunE: runModules,
}

var (
	modulesStep  int64
	modulesStats bool
	modulesVars  bool
)

func init() {
	rootCmd.AddCommand(modulesCmd)

	modulesCmd.Flags().Int64Var(&modulesStep, "step", -1, "only rows of this step (-1 = all)")
	modulesCmd.Flags().BoolVar(&modulesStats, "stats", false, "aggregate durations per module stage")
	modulesCmd.Flags().BoolVar(&modulesVars, "vars", false, "print captured variables")
}

type moduleSource struct {
	traces []storage.ModuleTrace
	stats  []sqlite.ModuleStat
	vars   []storage.Variable
}

func runModules(cmd *cobra.Command, _ []string) error {
	src, err := loadModuleSource()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case modulesVars:
		printVariables(out, src.vars)
	case modulesStats:
		printStats(out, src.stats)
	default:
		printModuleTraces(out, src.traces)
	}
	return nil
}

func loadModuleSource() (moduleSource, error) {
	var src moduleSource

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return src, fmt.Errorf("the memory driver keeps nothing to read; use sqlite or jsonl")
	case config.DriverJSONL:
		rows, err := readJSONL(cfg.Storage.Path)
		if err != nil {
			return src, err
		}
		for _, r := range rows {
			switch v := r.(type) {
			case storage.ModuleTrace:
				if modulesStep < 0 || v.Step == modulesStep {
					src.traces = append(src.traces, v)
				}
			case storage.Variable:
				if modulesStep < 0 || v.Step == modulesStep {
					src.vars = append(src.vars, v)
				}
			}
		}
		src.stats = aggregate(src.traces)
		return src, nil
	default:
		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return src, err
		}
		defer func() { _ = db.Close() }()

		if src.traces, err = db.ModuleTraces(modulesStep); err != nil {
			return src, err
		}
		if src.vars, err = db.Variables(modulesStep); err != nil {
			return src, err
		}
		if modulesStep < 0 {
			src.stats, err = db.ModuleStats()
		} else {
			src.stats = aggregate(src.traces)
		}
		return src, err
	}
}

// aggregate computes per module stage statistics the way DB.ModuleStats does.
func aggregate(rows []storage.ModuleTrace) []sqlite.ModuleStat {
	type key struct{ module, stage string }
	byKey := make(map[key]*sqlite.ModuleStat)
	sums := make(map[key]float64)
	for _, r := range rows {
		if r.Duration <= 0 {
			continue
		}
		k := key{r.Module, r.Stage}
		s, ok := byKey[k]
		if !ok {
			s = &sqlite.ModuleStat{Module: r.Module, Stage: r.Stage}
			byKey[k] = s
		}
		s.Samples++
		sums[k] += r.Duration
		s.MaxSec = max(s.MaxSec, r.Duration)
	}

	out := make([]sqlite.ModuleStat, 0, len(byKey))
	for k, s := range byKey {
		s.AvgSec = sums[k] / float64(s.Samples)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgSec != out[j].AvgSec {
			return out[i].AvgSec > out[j].AvgSec
		}
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

func printModuleTraces(w io.Writer, rows []storage.ModuleTrace) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no module traces recorded")
		return
	}
	fmt.Fprintf(w, "%5s %4s  %-16s %-14s %10s %10s %10s\n", "STEP", "SEQ", "MODULE", "STAGE", "OFFSET(s)", "DUR(ms)", "ALLOC(MiB)")
	for _, r := range rows {
		fmt.Fprintf(w, "%5d %4d  %-16s %-14s %10.4f %10.3f %10.1f\n",
			r.Step, r.Seq, r.Module, r.Stage, r.TimeOffset, r.Duration*1000, r.Allocated)
	}
}

func printStats(w io.Writer, stats []sqlite.ModuleStat) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "no measured durations")
		return
	}
	fmt.Fprintf(w, "%-16s %-14s %7s %10s %10s\n", "MODULE", "STAGE", "SAMPLES", "AVG(ms)", "MAX(ms)")
	for _, s := range stats {
		fmt.Fprintf(w, "%-16s %-14s %7d %10.3f %10.3f\n", s.Module, s.Stage, s.Samples, s.AvgSec*1000, s.MaxSec*1000)
	}
}

func printVariables(w io.Writer, vars []storage.Variable) {
	if len(vars) == 0 {
		fmt.Fprintln(w, "no variables captured")
		return
	}
	fmt.Fprintf(w, "%5s  %-20s %-12s %s\n", "STEP", "FUNC", "NAME", "VALUE")
	for _, v := range vars {
		fmt.Fprintf(w, "%5d  %-20s %-12s %s\n", v.Step, v.Func, v.Name, v.Value)
	}
}
