package tracing

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Status is the lifecycle state of a span.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is a timestamped annotation attached to a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []attribute.KeyValue
}

// Span is one timed, named unit of work.
//
// Identity, name, kind, location and attributes are fixed at creation. The
// end time and status change exactly once, through Stack.Exit. Events are
// append-only. A span may be read from any goroutine.
type Span struct {
	tr *Tracer

	traceID   uint64
	spanID    uint64
	parentID  uint64
	hasParent bool
	threadID  uint64
	name      string
	kind      string
	location  string
	attrs     []attribute.KeyValue
	start     time.Time

	mu     sync.Mutex
	end    time.Time
	status Status
	events []Event
}

func (s *Span) TraceID() uint64 { return s.traceID }
func (s *Span) SpanID() uint64  { return s.spanID }

// ParentID returns the parent span id. ok is false for a root span.
func (s *Span) ParentID() (id uint64, ok bool) { return s.parentID, s.hasParent }

func (s *Span) ThreadID() uint64     { return s.threadID }
func (s *Span) Name() string         { return s.name }
func (s *Span) Kind() string         { return s.kind }
func (s *Span) Location() string     { return s.location }
func (s *Span) StartTime() time.Time { return s.start }

// Attributes returns a copy of the creation-time attributes.
func (s *Span) Attributes() []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(s.attrs))
	copy(out, s.attrs)
	return out
}

// EndTime returns the end time. ok is false while the span is active.
func (s *Span) EndTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end, s.status == StatusCompleted
}

func (s *Span) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Duration returns end minus start. ok is false while the span is active.
func (s *Span) Duration() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusCompleted {
		return 0, false
	}
	return s.end.Sub(s.start), true
}

// Events returns a copy of the attached events in append order.
func (s *Span) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// AddEvent appends an event and emits an event row. It fails with
// ErrSpanClosed once the span has ended.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) error {
	ev := Event{
		Name:       name,
		Timestamp:  s.tr.now(),
		Attributes: append([]attribute.KeyValue(nil), attrs...),
	}

	s.mu.Lock()
	if s.status == StatusCompleted {
		s.mu.Unlock()
		s.tr.usageError("span_closed", ErrSpanClosed, "span", s.name, "span_id", s.spanID, "event", name)
		return ErrSpanClosed
	}
	s.events = append(s.events, ev)
	s.mu.Unlock()

	s.tr.metrics.SpanEvent()
	s.tr.emit(eventRow(s, ev))
	return nil
}

// SetField always fails: span fields are write-once.
func (s *Span) SetField(field string, _ any) error {
	err := &ImmutableFieldError{Field: field, SpanID: s.spanID}
	s.tr.usageError("immutable_field", err, "span", s.name, "field", field)
	return err
}

// finish marks the span completed. It reports false if it already was.
func (s *Span) finish(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted {
		return false
	}
	s.end = at
	s.status = StatusCompleted
	return true
}
