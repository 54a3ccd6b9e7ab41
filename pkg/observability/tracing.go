// Package observability provides OpenTelemetry tracing for docflow runs.
//
// Components start spans through Start; spans are recorded only after
// InitTracing installed a provider, so the calls cost nothing in runs
// without --trace.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/docflow/pkg/errors"
)

const instrumentationName = "github.com/ajitpratap0/docflow"

// Tracer returns the docflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Span wraps a trace span and collects attributes until End.
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// Start starts a span named operation as a child of any span in ctx.
func Start(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, operation)
	return ctx, &Span{span: span}
}

// SetAttribute adds an attribute, applied when the span ends.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// BatchEvent records one written batch.
func (s *Span) BatchEvent(index, size int) {
	s.span.AddEvent("batch", trace.WithAttributes(
		attribute.Int("batch.index", index),
		attribute.Int("batch.size", size),
	))
}

// Finish sets the status from err and ends the span.
func (s *Span) Finish(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.attributes = append(s.attributes, attribute.String("error.type", string(errors.TypeOf(err))))
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// SpanContext returns the span's context, for correlating log lines.
func (s *Span) SpanContext() trace.SpanContext {
	return s.span.SpanContext()
}
