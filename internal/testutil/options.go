package testutil

import "github.com/zjrosen/probing/internal/storage"

// EventData is an event attached to a span.
type EventData struct {
	Name       string
	Time       int64
	Attributes string
}

// spanData holds all data for a span to be inserted.
type spanData struct {
	spanID     uint64
	traceID    uint64
	parentID   int64
	threadID   uint64
	name       string
	kind       string
	location   string
	attributes string
	start      int64
	end        int64
	open       bool
	events     []EventData
}

func defaultSpan(id uint64, name string) spanData {
	return spanData{
		spanID:   id,
		traceID:  id,
		parentID: storage.NoParent,
		threadID: 1,
		name:     name,
		start:    int64(id) * 1000,
		end:      int64(id)*1000 + 500,
	}
}

// SpanOption configures a span.
type SpanOption func(*spanData)

// Parent sets the parent span and trace.
func Parent(parentID, traceID uint64) SpanOption {
	return func(s *spanData) {
		s.parentID = int64(parentID)
		s.traceID = traceID
	}
}

// Thread sets the thread id.
func Thread(id uint64) SpanOption {
	return func(s *spanData) { s.threadID = id }
}

// Kind sets the span kind.
func Kind(kind string) SpanOption {
	return func(s *spanData) { s.kind = kind }
}

// Location sets the call-site location.
func Location(loc string) SpanOption {
	return func(s *spanData) { s.location = loc }
}

// Attrs sets the JSON attributes.
func Attrs(json string) SpanOption {
	return func(s *spanData) { s.attributes = json }
}

// Times sets start and end in ns.
func Times(start, end int64) SpanOption {
	return func(s *spanData) {
		s.start = start
		s.end = end
	}
}

// Open leaves the span without a span_end row.
func Open() SpanOption {
	return func(s *spanData) { s.open = true }
}

// Event attaches an event.
func Event(name string, at int64, attrs string) SpanOption {
	return func(s *spanData) {
		s.events = append(s.events, EventData{Name: name, Time: at, Attributes: attrs})
	}
}

// rows converts the span into trace_events rows.
func (s spanData) rows() []storage.TraceEvent {
	out := []storage.TraceEvent{{
		RecordType: storage.RecordSpanStart,
		TraceID:    s.traceID,
		SpanID:     s.spanID,
		Name:       s.name,
		Time:       s.start,
		ThreadID:   s.threadID,
		ParentID:   s.parentID,
		Kind:       s.kind,
		Location:   s.location,
		Attributes: s.attributes,
	}}
	for _, e := range s.events {
		out = append(out, storage.TraceEvent{
			RecordType:      storage.RecordEvent,
			TraceID:         s.traceID,
			SpanID:          s.spanID,
			Name:            e.Name,
			Time:            e.Time,
			ThreadID:        s.threadID,
			ParentID:        storage.NoParent,
			EventAttributes: e.Attributes,
		})
	}
	if !s.open {
		out = append(out, storage.TraceEvent{
			RecordType: storage.RecordSpanEnd,
			SpanID:     s.spanID,
			Time:       s.end,
			ThreadID:   s.threadID,
			ParentID:   storage.NoParent,
		})
	}
	return out
}
