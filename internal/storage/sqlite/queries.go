package sqlite

import (
	"fmt"

	"github.com/zjrosen/probing/internal/storage"
)

const traceEventColumns = `record_type, trace_id, span_id, name, time, thread_id, parent_id,
	kind, location, attributes, event_attributes`

func scanTraceEvent(scanner interface{ Scan(...any) error }) (storage.TraceEvent, error) {
	var (
		r          storage.TraceEvent
		recordType string
		traceID    int64
		spanID     int64
		threadID   int64
	)
	err := scanner.Scan(
		&recordType, &traceID, &spanID, &r.Name, &r.Time, &threadID, &r.ParentID,
		&r.Kind, &r.Location, &r.Attributes, &r.EventAttributes,
	)
	r.RecordType = storage.RecordType(recordType)
	r.TraceID = uint64(traceID)
	r.SpanID = uint64(spanID)
	r.ThreadID = uint64(threadID)
	return r, err
}

// TraceEvents returns all trace_events rows in insertion order.
func (d *DB) TraceEvents() ([]storage.TraceEvent, error) {
	rows, err := d.conn.Query(`SELECT ` + traceEventColumns + ` FROM trace_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.TraceEvent
	for rows.Next() {
		r, err := scanTraceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TraceRows returns every row belonging to trace traceID. span_end rows carry
// no trace id, so they are matched through the span ids of the trace's starts.
func (d *DB) TraceRows(traceID uint64) ([]storage.TraceEvent, error) {
	rows, err := d.conn.Query(
		`SELECT `+traceEventColumns+` FROM trace_events
		 WHERE span_id IN (
			SELECT span_id FROM trace_events WHERE record_type = 'span_start' AND trace_id = ?
		 )
		 ORDER BY id`,
		int64(traceID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace %d: %w", traceID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.TraceEvent
	for rows.Next() {
		r, err := scanTraceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TraceSummary describes one trace for listing.
type TraceSummary struct {
	TraceID uint64
	Root    string
	Spans   int
	Start   int64
}

// Traces lists the most recent traces, newest first. limit <= 0 means all.
func (d *DB) Traces(limit int) ([]TraceSummary, error) {
	query := `SELECT trace_id,
			(SELECT t2.name FROM trace_events t2
			 WHERE t2.record_type = 'span_start' AND t2.span_id = t.trace_id) AS root,
			COUNT(*), MIN(time)
		FROM trace_events t
		WHERE record_type = 'span_start'
		GROUP BY trace_id
		ORDER BY MIN(time) DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TraceSummary
	for rows.Next() {
		var (
			s       TraceSummary
			traceID int64
			root    *string
		)
		if err := rows.Scan(&traceID, &root, &s.Spans, &s.Start); err != nil {
			return nil, fmt.Errorf("failed to scan trace summary: %w", err)
		}
		s.TraceID = uint64(traceID)
		if root != nil {
			s.Root = *root
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ModuleTraces returns module_traces rows for step, or all rows when step < 0.
func (d *DB) ModuleTraces(step int64) ([]storage.ModuleTrace, error) {
	query := `SELECT step, seq, module, stage, allocated, max_allocated, cached, max_cached, time_offset, duration
		FROM module_traces`
	args := []any{}
	if step >= 0 {
		query += ` WHERE step = ?`
		args = append(args, step)
	}
	query += ` ORDER BY id`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query module traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.ModuleTrace
	for rows.Next() {
		var r storage.ModuleTrace
		if err := rows.Scan(&r.Step, &r.Seq, &r.Module, &r.Stage, &r.Allocated, &r.MaxAllocated,
			&r.Cached, &r.MaxCached, &r.TimeOffset, &r.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan module trace: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ModuleStat aggregates measured durations of one module stage.
type ModuleStat struct {
	Module  string
	Stage   string
	Samples int
	AvgSec  float64
	MaxSec  float64
}

// ModuleStats aggregates rows with a measured duration, slowest first.
func (d *DB) ModuleStats() ([]ModuleStat, error) {
	rows, err := d.conn.Query(
		`SELECT module, stage, COUNT(*), AVG(duration), MAX(duration)
		 FROM module_traces
		 WHERE duration > 0
		 GROUP BY module, stage
		 ORDER BY AVG(duration) DESC, module, stage`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate module traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModuleStat
	for rows.Next() {
		var s ModuleStat
		if err := rows.Scan(&s.Module, &s.Stage, &s.Samples, &s.AvgSec, &s.MaxSec); err != nil {
			return nil, fmt.Errorf("failed to scan module stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Variables returns captured variables for step, or all when step < 0.
func (d *DB) Variables(step int64) ([]storage.Variable, error) {
	query := `SELECT step, func, name, value FROM variables`
	args := []any{}
	if step >= 0 {
		query += ` WHERE step = ?`
		args = append(args, step)
	}
	query += ` ORDER BY id`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Variable
	for rows.Next() {
		var v storage.Variable
		if err := rows.Scan(&v.Step, &v.Func, &v.Name, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
