package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/storage/jsonl"
	"github.com/zjrosen/probing/internal/storage/sqlite"
)

var spansCmd = &cobra.Command{
	Use:   "spans",
	Short: "List recorded traces or print one as a tree",
	Long: `Without --trace, list the most recent traces. With --trace, print the
spans of that trace as a tree with durations and events.

Spans that never ended are marked "open".`,
	RunE: runSpans,
}

var (
	spansTrace uint64
	spansLimit int
)

func init() {
	rootCmd.AddCommand(spansCmd)

	spansCmd.Flags().Uint64Var(&spansTrace, "trace", 0, "trace id to print")
	spansCmd.Flags().IntVar(&spansLimit, "limit", 10, "number of traces to list (0 = all)")
}

func runSpans(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return fmt.Errorf("the memory driver keeps nothing to read; use sqlite or jsonl")
	case config.DriverJSONL:
		rows, err := readJSONL(cfg.Storage.Path)
		if err != nil {
			return err
		}
		spans := storage.BuildSpans(traceEvents(rows))
		if spansTrace != 0 {
			return printTrace(out, spansTrace, filterTrace(spans, spansTrace))
		}
		printSummaries(out, summarize(spans, spansLimit))
		return nil
	default:
		db, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if spansTrace != 0 {
			rows, err := db.TraceRows(spansTrace)
			if err != nil {
				return err
			}
			return printTrace(out, spansTrace, storage.BuildSpans(rows))
		}
		summaries, err := db.Traces(spansLimit)
		if err != nil {
			return err
		}
		printSummaries(out, summaries)
		return nil
	}
}

func readJSONL(path string) ([]storage.Row, error) {
	rows, err := jsonl.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}

func traceEvents(rows []storage.Row) []storage.TraceEvent {
	var out []storage.TraceEvent
	for _, r := range rows {
		if te, ok := r.(storage.TraceEvent); ok {
			out = append(out, te)
		}
	}
	return out
}

func filterTrace(spans []*storage.StoredSpan, traceID uint64) []*storage.StoredSpan {
	var out []*storage.StoredSpan
	for _, s := range spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}

// summarize mirrors sqlite.DB.Traces for rows read from a file.
func summarize(spans []*storage.StoredSpan, limit int) []sqlite.TraceSummary {
	byTrace := make(map[uint64]*sqlite.TraceSummary)
	var order []*sqlite.TraceSummary
	for _, s := range spans {
		sum, ok := byTrace[s.TraceID]
		if !ok {
			sum = &sqlite.TraceSummary{TraceID: s.TraceID, Start: s.Start}
			byTrace[s.TraceID] = sum
			order = append(order, sum)
		}
		sum.Spans++
		if s.Start < sum.Start {
			sum.Start = s.Start
		}
		if s.SpanID == s.TraceID {
			sum.Root = s.Name
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].Start > order[j].Start })
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]sqlite.TraceSummary, len(order))
	for i, s := range order {
		out[i] = *s
	}
	return out
}

func printSummaries(w io.Writer, summaries []sqlite.TraceSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "no traces recorded")
		return
	}
	fmt.Fprintf(w, "%-8s %-24s %6s  %s\n", "TRACE", "ROOT", "SPANS", "START")
	for _, s := range summaries {
		start := time.Unix(0, s.Start).Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(w, "%-8d %-24s %6d  %s\n", s.TraceID, s.Root, s.Spans, start)
	}
}

func printTrace(w io.Writer, traceID uint64, spans []*storage.StoredSpan) error {
	if len(spans) == 0 {
		return fmt.Errorf("trace %d not found", traceID)
	}
	for _, s := range storage.Roots(spans) {
		printSpan(w, s, 0)
	}
	return nil
}

func printSpan(w io.Writer, s *storage.StoredSpan, depth int) {
	indent := strings.Repeat("  ", depth)
	dur := "open"
	if d, ok := s.Duration(); ok {
		dur = d.Round(time.Microsecond).String()
	}
	fmt.Fprintf(w, "%s%s [%s] %s  span=%d thread=%d", indent, s.Name, s.Kind, dur, s.SpanID, s.ThreadID)
	if s.Location != "" {
		fmt.Fprintf(w, "  %s", s.Location)
	}
	fmt.Fprintln(w)
	if s.Attributes != "" && s.Attributes != "{}" {
		fmt.Fprintf(w, "%s  attrs %s\n", indent, s.Attributes)
	}
	for _, ev := range s.Events {
		fmt.Fprintf(w, "%s  * %s +%s %s\n", indent, ev.Name, time.Duration(ev.Time-s.Start), ev.Attributes)
	}
	for _, c := range s.Children {
		printSpan(w, c, depth+1)
	}
}
