package probe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/sampler"
	"github.com/zjrosen/probing/internal/timer"
	"github.com/zjrosen/probing/internal/tracing"
)

// Observe runs fn between the pre and post hooks of class ("forward",
// "backward", "step") on unit. The post hook runs on every path, including a
// panic, which is re-raised afterwards. With tracepy on, a failure of fn is
// logged and recorded as an error.occurred event on the current span of the
// context's stack.
func (p *Probe) Observe(ctx context.Context, class string, unit sampler.Unit, fn func(ctx context.Context) error) (err error) {
	pre, post := timer.Stage("pre "+class), timer.Stage("post "+class)

	p.PreUnit(pre, unit)
	defer func() {
		if r := recover(); r != nil {
			p.PostUnit(post, unit)
			p.reportFailure(ctx, unit, class, fmt.Sprint(r), attribute.Bool(tracing.AttrPanic, true))
			panic(r)
		}
		p.PostUnit(post, unit)
		if err != nil {
			p.reportFailure(ctx, unit, class, err.Error(), attribute.String(tracing.AttrErrorType, fmt.Sprintf("%T", err)))
		}
	}()

	return fn(ctx)
}

func (p *Probe) reportFailure(ctx context.Context, unit sampler.Unit, class, msg string, extra attribute.KeyValue) {
	if !p.cfg.TracePy {
		return
	}
	name := p.sampler.Name(unit)
	log.Error(log.CatProbe, "unit failed", "module", name, "stage", class, "error", msg)

	span := tracing.SpanFromContext(ctx)
	if span == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(tracing.AttrErrorMessage, msg),
		attribute.String(tracing.AttrModule, name),
		attribute.String(tracing.AttrStage, class),
		extra,
	}
	if err := span.AddEvent(tracing.EventErrorOccurred, attrs...); err != nil {
		log.ErrorErr(log.CatProbe, "record error event failed", err, "span", span.Name())
	}
}
