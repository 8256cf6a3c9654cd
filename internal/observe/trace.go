package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voidlink tracer.
const tracerName = "github.com/MrWong99/voidlink"

// Span attributes describing a streaming session.
const (
	AttrSessionID = attribute.Key("voidlink.session.id")
	AttrProvider  = attribute.Key("voidlink.session.provider")
	AttrOutcome   = attribute.Key("voidlink.session.outcome")
	AttrErrorKind = attribute.Key("voidlink.session.error_kind")
)

// Values of [AttrOutcome].
const (
	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// SessionInfo identifies a session in spans and log records.
type SessionInfo struct {
	ID       string
	Provider string
}

type sessionKey struct{}

// WithSession returns a copy of ctx that carries info. Spans started with
// [StartSessionSpan] and loggers from [Logger] pick it up.
func WithSession(ctx context.Context, info SessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey{}, info)
}

// SessionFrom returns the session stored in ctx by [WithSession].
func SessionFrom(ctx context.Context) (SessionInfo, bool) {
	info, ok := ctx.Value(sessionKey{}).(SessionInfo)
	return info, ok
}

// Tracer returns the package-level [trace.Tracer] for voidlink. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts a span tagged with the session carried by ctx.
// Finish it with [EndSpan].
func StartSessionSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if info, ok := SessionFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(
			AttrSessionID.String(info.ID),
			AttrProvider.String(info.Provider),
		))
	}
	return StartSpan(ctx, name, opts...)
}

// EndSpan records how the operation covered by span ended and ends it.
// A cancelled operation is not an error. kind classifies a failure and is
// ignored otherwise.
func EndSpan(span trace.Span, err error, kind string) {
	switch {
	case err == nil:
		span.SetAttributes(AttrOutcome.String(OutcomeOK))
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled):
		span.SetAttributes(AttrOutcome.String(OutcomeCancelled))
	default:
		span.SetAttributes(AttrOutcome.String(OutcomeError), AttrErrorKind.String(kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SessionEvent adds a named event to the span active in ctx.
func SessionEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with the session in ctx
// and with trace_id and span_id from its span context.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if info, ok := SessionFrom(ctx); ok {
		l = l.With(slog.String("session_id", info.ID))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
