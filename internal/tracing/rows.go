package tracing

import (
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/probing/internal/storage"
)

func startRow(s *Span) storage.TraceEvent {
	parent := storage.NoParent
	if s.hasParent {
		parent = int64(s.parentID)
	}
	return storage.TraceEvent{
		RecordType: storage.RecordSpanStart,
		TraceID:    s.traceID,
		SpanID:     s.spanID,
		Name:       s.name,
		Time:       s.start.UnixNano(),
		ThreadID:   s.threadID,
		ParentID:   parent,
		Kind:       s.kind,
		Location:   s.location,
		Attributes: AttributesJSON(s.attrs),
	}
}

// endRow carries only what is needed to correlate with the start row.
func endRow(s *Span) storage.TraceEvent {
	end, _ := s.EndTime()
	return storage.TraceEvent{
		RecordType: storage.RecordSpanEnd,
		SpanID:     s.spanID,
		Time:       end.UnixNano(),
		ThreadID:   s.threadID,
		ParentID:   storage.NoParent,
	}
}

func eventRow(s *Span, ev Event) storage.TraceEvent {
	return storage.TraceEvent{
		RecordType:      storage.RecordEvent,
		TraceID:         s.traceID,
		SpanID:          s.spanID,
		Name:            ev.Name,
		Time:            ev.Timestamp.UnixNano(),
		ThreadID:        s.threadID,
		ParentID:        storage.NoParent,
		EventAttributes: AttributesJSON(ev.Attributes),
	}
}

// AttributesJSON encodes attrs as a JSON object, or "" when empty.
func AttributesJSON(attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return ""
	}
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
