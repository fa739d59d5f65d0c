package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelSpan wraps an OpenTelemetry span behind the Span interface
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) SpanContext() trace.SpanContext {
	return s.span.SpanContext()
}

// NewStartSpanFunc returns a StartSpanFunc backed by the global OpenTelemetry
// tracer provider. Exporter setup belongs to the process bootstrap.
func NewStartSpanFunc(tracerName string) StartSpanFunc {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, name string) (context.Context, Span) {
		ctx, span := tracer.Start(ctx, name)
		return ctx, &otelSpan{span: span}
	}
}

// noopSpan satisfies Span without doing anything
type noopSpan struct{}

func (noopSpan) End()                                   {}
func (noopSpan) SetAttribute(key string, v interface{}) {}
func (noopSpan) RecordError(err error)                  {}
func (noopSpan) SpanContext() trace.SpanContext         { return trace.SpanContext{} }

// NoopStartSpan is a StartSpanFunc that creates no spans
func NoopStartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
