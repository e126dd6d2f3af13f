// Package tracing wraps otel spans behind the teacher's own
// `ctx, span := tracing.NewSpan(ctx); defer func() { span.EndWithError(err) }()`
// call shape, so every traced function in this repo reads the same way
// it does in the teacher.
package tracing

import (
	"context"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zitadel/projection-engine"

// Span wraps an otel trace.Span with the teacher's EndWithError
// convenience method.
type Span struct {
	span trace.Span
}

// NewSpan starts a span named after the calling function, mirroring the
// teacher's tracing.NewSpan helper and its ubiquitous
// `ctx, span := tracing.NewSpan(ctx)` call sites.
func NewSpan(ctx context.Context) (context.Context, *Span) {
	name := callerName()
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Span{span: span}
}

func callerName() string {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	return fn.Name()
}

// End finishes the span without recording an error.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
}

// EndWithError finishes the span, recording err (if non-nil) as a span
// error, mirroring the teacher's `defer func() { span.EndWithError(err) }()`
// pattern so every traced function in this repo reads the same way.
func (s *Span) EndWithError(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
