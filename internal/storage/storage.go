// Package storage defines the rows produced by probing and the sinks that
// persist them.
package storage

import (
	"errors"
	"fmt"
)

// Table names.
const (
	TableTraceEvents  = "trace_events"
	TableModuleTraces = "module_traces"
	TableVariables    = "variables"
)

// NoParent is the parent_id of root spans and of span_end rows.
const NoParent int64 = -1

// Row is one append-only record.
type Row interface {
	Table() string
}

// Sink persists rows. Implementations must be safe for concurrent use.
type Sink interface {
	Save(row Row) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(row Row) error

// Save calls f(row).
func (f SinkFunc) Save(row Row) error { return f(row) }

// Discard drops every row.
var Discard Sink = SinkFunc(func(Row) error { return nil })

// RecordType discriminates trace_events rows.
type RecordType string

const (
	RecordSpanStart RecordType = "span_start"
	RecordSpanEnd   RecordType = "span_end"
	RecordEvent     RecordType = "event"
)

// TraceEvent is one row of the trace_events table.
//
// span_end rows carry only span_id, time and thread_id; the other columns hold
// their zero values (trace_id 0, empty name, parent_id -1). Consumers
// correlate them with the matching span_start by span_id.
type TraceEvent struct {
	RecordType      RecordType `json:"record_type"`
	TraceID         uint64     `json:"trace_id"`
	SpanID          uint64     `json:"span_id"`
	Name            string     `json:"name"`
	Time            int64      `json:"time"` // ns since epoch
	ThreadID        uint64     `json:"thread_id"`
	ParentID        int64      `json:"parent_id"`
	Kind            string     `json:"kind"`
	Location        string     `json:"location"`
	Attributes      string     `json:"attributes"`       // JSON object or ""
	EventAttributes string     `json:"event_attributes"` // JSON object or ""
}

func (TraceEvent) Table() string { return TableTraceEvents }

// ModuleTrace is one timing sample of a unit stage. Memory columns are MiB,
// time_offset and duration are seconds.
type ModuleTrace struct {
	Step         int64   `json:"step"`
	Seq          int64   `json:"seq"`
	Module       string  `json:"module"`
	Stage        string  `json:"stage"`
	Allocated    float64 `json:"allocated"`
	MaxAllocated float64 `json:"max_allocated"`
	Cached       float64 `json:"cached"`
	MaxCached    float64 `json:"max_cached"`
	TimeOffset   float64 `json:"time_offset"`
	Duration     float64 `json:"duration"`
}

func (ModuleTrace) Table() string { return TableModuleTraces }

// Variable is one captured variable value at the end of a step.
type Variable struct {
	Step  int64  `json:"step"`
	Func  string `json:"func"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (Variable) Table() string { return TableVariables }

// UnsupportedRowError is returned by sinks that do not know a row type.
type UnsupportedRowError struct {
	Row Row
}

func (e *UnsupportedRowError) Error() string {
	return fmt.Sprintf("unsupported row type %T", e.Row)
}

// Multi fans every row out to all sinks. A failing sink does not stop the
// others; the failures are joined.
type Multi []Sink

// Save writes row to every sink.
func (m Multi) Save(row Row) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Save(row); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
