// Package tracing provides OpenTelemetry spans around cache fetches and
// resource loads. It is entirely optional — tracing is only active when a
// [Config] is wired in via the cache's WithTracing option; a nil *Config is
// a passthrough.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetch outcomes recorded on spans.
const (
	OutcomeHit    = "hit"
	OutcomeLoad   = "load"
	OutcomeRemote = "remote"
	OutcomeError  = "error"
)

// Config holds the OpenTelemetry configuration used by the cache spans.
type Config struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider
}

// tracer returns a configured [trace.Tracer].
func (c *Config) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer("github.com/Keksclan/goLazySquirrel/tracing")
}

// EndFunc finishes a span with an outcome attribute and, if err is non-nil,
// an error status.
type EndFunc func(outcome string, err error)

// FetchSpan starts a span covering a whole fetch. If cfg is nil it returns
// ctx unchanged and a no-op EndFunc.
func FetchSpan(ctx context.Context, cfg *Config, key string) (context.Context, EndFunc) {
	if cfg == nil {
		return ctx, func(string, error) {}
	}
	ctx, span := cfg.tracer().Start(ctx, "lazysquirrel.fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	return ctx, func(outcome string, err error) {
		span.SetAttributes(attribute.String("cache.outcome", outcome))
		recordStatus(span, err)
		span.End()
	}
}

// LoadSpan starts a span covering a single loader invocation. If cfg is nil
// it returns ctx unchanged and a no-op EndFunc.
func LoadSpan(ctx context.Context, cfg *Config, key string) (context.Context, EndFunc) {
	if cfg == nil {
		return ctx, func(string, error) {}
	}
	ctx, span := cfg.tracer().Start(ctx, "lazysquirrel.load",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	return ctx, func(_ string, err error) {
		recordStatus(span, err)
		span.End()
	}
}

// recordStatus applies the span status for the given error.
func recordStatus(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
