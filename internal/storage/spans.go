package storage

import (
	"sort"
	"time"
)

// StoredSpan is a span reconstructed from trace_events rows.
type StoredSpan struct {
	SpanID     uint64
	TraceID    uint64
	ParentID   int64
	ThreadID   uint64
	Name       string
	Kind       string
	Location   string
	Attributes string
	Start      int64
	End        int64
	Ended      bool
	Events     []StoredEvent
	Children   []*StoredSpan
}

// StoredEvent is an event row attached to its span.
type StoredEvent struct {
	Name       string
	Time       int64
	Attributes string
}

// Duration returns end minus start. ok is false while the span has no end row.
func (s *StoredSpan) Duration() (time.Duration, bool) {
	if !s.Ended {
		return 0, false
	}
	return time.Duration(s.End - s.Start), true
}

// BuildSpans correlates span_start, span_end and event rows by span_id.
// Spans are returned in start order and Children is filled for every span
// whose parent is present. Rows referring to unknown spans are ignored.
func BuildSpans(rows []TraceEvent) []*StoredSpan {
	byID := make(map[uint64]*StoredSpan)
	var order []*StoredSpan

	for _, r := range rows {
		if r.RecordType != RecordSpanStart {
			continue
		}
		s := &StoredSpan{
			SpanID:     r.SpanID,
			TraceID:    r.TraceID,
			ParentID:   r.ParentID,
			ThreadID:   r.ThreadID,
			Name:       r.Name,
			Kind:       r.Kind,
			Location:   r.Location,
			Attributes: r.Attributes,
			Start:      r.Time,
		}
		byID[r.SpanID] = s
		order = append(order, s)
	}

	for _, r := range rows {
		s, ok := byID[r.SpanID]
		if !ok {
			continue
		}
		switch r.RecordType {
		case RecordSpanEnd:
			s.End = r.Time
			s.Ended = true
		case RecordEvent:
			s.Events = append(s.Events, StoredEvent{
				Name:       r.Name,
				Time:       r.Time,
				Attributes: r.EventAttributes,
			})
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Start < order[j].Start
	})

	for _, s := range order {
		if s.ParentID == NoParent {
			continue
		}
		if parent, ok := byID[uint64(s.ParentID)]; ok {
			parent.Children = append(parent.Children, s)
		}
	}
	return order
}

// Roots returns the spans whose parent is absent from spans.
func Roots(spans []*StoredSpan) []*StoredSpan {
	present := make(map[uint64]bool, len(spans))
	for _, s := range spans {
		present[s.SpanID] = true
	}
	var roots []*StoredSpan
	for _, s := range spans {
		if s.ParentID == NoParent || !present[uint64(s.ParentID)] {
			roots = append(roots, s)
		}
	}
	return roots
}
