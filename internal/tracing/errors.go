package tracing

import (
	"errors"
	"fmt"
)

var (
	// ErrUnbalancedExit is matched by *UnbalancedExitError.
	ErrUnbalancedExit = errors.New("unbalanced span exit")

	// ErrNoActiveSpan is returned when an event is added to an empty stack.
	ErrNoActiveSpan = errors.New("no active span")

	// ErrSpanClosed is returned when an event is added to an ended span.
	ErrSpanClosed = errors.New("span already ended")

	// ErrImmutableField is matched by *ImmutableFieldError.
	ErrImmutableField = errors.New("span field is immutable")
)

// UnbalancedExitError reports an Exit of a span that is not on top of the stack.
type UnbalancedExitError struct {
	Span   string
	SpanID uint64
	// Top is the current span, empty when the stack is empty.
	Top   string
	TopID uint64
}

func (e *UnbalancedExitError) Error() string {
	if e.Top == "" && e.TopID == 0 {
		return fmt.Sprintf("exit of span %q (%d) with empty stack", e.Span, e.SpanID)
	}
	return fmt.Sprintf("exit of span %q (%d) while %q (%d) is current", e.Span, e.SpanID, e.Top, e.TopID)
}

func (e *UnbalancedExitError) Is(target error) bool {
	return target == ErrUnbalancedExit
}

// ImmutableFieldError reports an attempt to modify a span field after creation.
type ImmutableFieldError struct {
	Field  string
	SpanID uint64
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("span %d: field %q cannot be modified", e.SpanID, e.Field)
}

func (e *ImmutableFieldError) Is(target error) bool {
	return target == ErrImmutableField
}
