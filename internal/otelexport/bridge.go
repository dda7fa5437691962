package otelexport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/tracing"
)

// Attribute keys added to bridged spans.
const (
	AttrSpanID   = "probing.span_id"
	AttrTraceID  = "probing.trace_id"
	AttrParentID = "probing.parent_id"
	AttrThreadID = "probing.thread_id"
	AttrKind     = "probing.kind"
	AttrLocation = "code.location"
)

type openSpan struct {
	ctx  context.Context
	span trace.Span
}

// Bridge is a storage.Sink that replays trace_events rows as OpenTelemetry
// spans. Rows of other tables are accepted and ignored.
type Bridge struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[uint64]openSpan
}

var _ storage.Sink = (*Bridge)(nil)

// NewBridge creates a bridge starting spans on tracer.
func NewBridge(tracer trace.Tracer) *Bridge {
	return &Bridge{
		tracer: tracer,
		open:   make(map[uint64]openSpan),
	}
}

// Save mirrors row.
func (b *Bridge) Save(row storage.Row) error {
	var r storage.TraceEvent
	switch v := row.(type) {
	case storage.TraceEvent:
		r = v
	case *storage.TraceEvent:
		r = *v
	default:
		return nil
	}

	switch r.RecordType {
	case storage.RecordSpanStart:
		b.start(r)
	case storage.RecordEvent:
		b.event(r)
	case storage.RecordSpanEnd:
		b.end(r)
	default:
		return fmt.Errorf("unknown record type %q", r.RecordType)
	}
	return nil
}

// Pending returns how many bridged spans are still open.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

func (b *Bridge) start(r storage.TraceEvent) {
	attrs := []attribute.KeyValue{
		attribute.Int64(AttrSpanID, int64(r.SpanID)),
		attribute.Int64(AttrTraceID, int64(r.TraceID)),
		attribute.Int64(AttrThreadID, int64(r.ThreadID)),
	}
	if r.Kind != "" {
		attrs = append(attrs, attribute.String(AttrKind, r.Kind))
	}
	if r.Location != "" {
		attrs = append(attrs, attribute.String(AttrLocation, r.Location))
	}
	attrs = append(attrs, DecodeAttributes(r.Attributes)...)

	b.mu.Lock()
	defer b.mu.Unlock()

	parentCtx := context.Background()
	if r.ParentID != storage.NoParent {
		if p, ok := b.open[uint64(r.ParentID)]; ok {
			parentCtx = p.ctx
		} else {
			// Parent already ended or was never seen; keep the link as an attribute.
			attrs = append(attrs, attribute.Int64(AttrParentID, r.ParentID))
		}
	}

	ctx, span := b.tracer.Start(parentCtx, r.Name,
		trace.WithTimestamp(time.Unix(0, r.Time)),
		trace.WithAttributes(attrs...),
	)
	b.open[r.SpanID] = openSpan{ctx: ctx, span: span}
}

func (b *Bridge) event(r storage.TraceEvent) {
	b.mu.Lock()
	o, ok := b.open[r.SpanID]
	b.mu.Unlock()
	if !ok {
		log.Debug(log.CatOTel, "event for unknown span", "span_id", r.SpanID, "event", r.Name)
		return
	}

	attrs := DecodeAttributes(r.EventAttributes)
	o.span.AddEvent(r.Name,
		trace.WithTimestamp(time.Unix(0, r.Time)),
		trace.WithAttributes(attrs...),
	)
	if r.Name == tracing.EventError || r.Name == tracing.EventErrorOccurred {
		msg := ""
		for _, kv := range attrs {
			if string(kv.Key) == tracing.AttrErrorMessage {
				msg = kv.Value.Emit()
			}
		}
		o.span.SetStatus(codes.Error, msg)
	}
}

func (b *Bridge) end(r storage.TraceEvent) {
	b.mu.Lock()
	o, ok := b.open[r.SpanID]
	delete(b.open, r.SpanID)
	b.mu.Unlock()
	if !ok {
		log.Debug(log.CatOTel, "end for unknown span", "span_id", r.SpanID)
		return
	}
	o.span.End(trace.WithTimestamp(time.Unix(0, r.Time)))
}

// DecodeAttributes converts a JSON attribute object back into key/values,
// sorted by key. Invalid or empty input yields nil.
func DecodeAttributes(raw string) []attribute.KeyValue {
	if raw == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		log.Debug(log.CatOTel, "undecodable attributes", "error", err.Error())
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyValue(k, m[k]))
	}
	return out
}

func toKeyValue(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return attribute.Int64(key, i)
		}
		if f, err := val.Float64(); err == nil {
			return attribute.Float64(key, f)
		}
		return attribute.String(key, val.String())
	case []any:
		strs := make([]string, len(val))
		for i, item := range val {
			strs[i] = fmt.Sprint(item)
		}
		return attribute.StringSlice(key, strs)
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}
