package tracing

// Attribute keys used by probing spans and events.
const (
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
	AttrPanic        = "error.panic"

	AttrStep   = "probe.step"
	AttrModule = "probe.module"
	AttrStage  = "probe.stage"
)

// Span kinds.
const (
	KindStep     = "step"
	KindModule   = "module"
	KindFunction = "function"
	KindRegion   = "region"
)

// Event names.
const (
	EventError         = "error"
	EventErrorOccurred = "error.occurred"
)
