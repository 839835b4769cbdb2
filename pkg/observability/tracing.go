package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the harvester's spans.
const TracerName = "github.com/otherjamesbrown/nls"

// Span attribute keys
const (
	AttrRunID       = "run_id"
	AttrCity        = "city"
	AttrURL         = "url"
	AttrStatusCode  = "http.status_code"
	AttrResultKind  = "result_kind"
	AttrConcurrency = "concurrency"
	AttrRefs        = "refs"
	AttrErrorCode   = "error_code"
	AttrRetryable   = "retryable"
)

// Span names
const (
	SpanRun     = "scrape.run"
	SpanFetch   = "scrape.fetch"
	SpanPersist = "scrape.persist"
)

// Tracer starts the spans of a scrape run.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer backed by the global OpenTelemetry provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartRunSpan starts the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, refs, concurrency int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRun,
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.Int(AttrRefs, refs),
			attribute.Int(AttrConcurrency, concurrency),
		),
	)
}

// StartFetchSpan starts the span of one detail request.
func (t *Tracer) StartFetchSpan(ctx context.Context, city, url string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanFetch,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrCity, city),
			attribute.String(AttrURL, url),
		),
	)
}

// StartPersistSpan starts the span of one record's upsert.
func (t *Tracer) StartPersistSpan(ctx context.Context, city string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPersist,
		trace.WithAttributes(attribute.String(AttrCity, city)),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetStatusCode records the HTTP status of a fetch.
func (h *SpanHelper) SetStatusCode(code int) {
	h.span.SetAttributes(attribute.Int(AttrStatusCode, code))
}

// SetResultKind records the classification of a fetch result.
func (h *SpanHelper) SetResultKind(kind string) {
	h.span.SetAttributes(attribute.String(AttrResultKind, kind))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorCode string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorCode, errorCode),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
