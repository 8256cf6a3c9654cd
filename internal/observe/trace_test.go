package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTestTracer installs a TracerProvider with an in-memory exporter as the
// global provider for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_RecordsSpanWithTraceID(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.connect")
	cid := CorrelationID(ctx)
	span.End()

	if !traceIDPattern.MatchString(cid) {
		t.Errorf("correlation ID = %q, want 32 hex characters", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.connect" {
		t.Fatalf("spans = %v, want one named session.connect", spans)
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("span trace ID = %q, want %q", got, cid)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name      string
		withSpan  bool
		wantTrace bool
	}{
		{name: "with span", withSpan: true, wantTrace: true},
		{name: "without span", withSpan: false, wantTrace: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "log-test")
				defer s.End()
				ctx = c
			}

			Logger(ctx).Info("frame sent")

			out := buf.String()
			if got := strings.Contains(out, "trace_id="); got != tt.wantTrace {
				t.Errorf("trace_id present = %v, want %v; log: %s", got, tt.wantTrace, out)
			}
			if got := strings.Contains(out, "span_id="); got != tt.wantTrace {
				t.Errorf("span_id present = %v, want %v; log: %s", got, tt.wantTrace, out)
			}
		})
	}
}

// spanAttr returns the string value of key on a recorded span.
func spanAttr(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestStartSessionSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSession(context.Background(), SessionInfo{ID: "session-1", Provider: "gemini-live"})
	ctx, span := StartSessionSpan(ctx, "session.stream")
	SessionEvent(ctx, "transport.open")
	EndSpan(span, nil, "")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if v := spanAttr(got.Attributes, AttrSessionID); v != "session-1" {
		t.Errorf("session id = %q, want session-1", v)
	}
	if v := spanAttr(got.Attributes, AttrProvider); v != "gemini-live" {
		t.Errorf("provider = %q, want gemini-live", v)
	}
	if len(got.Events) != 1 || got.Events[0].Name != "transport.open" {
		t.Errorf("events = %v, want transport.open", got.Events)
	}
}

func TestEndSpan_Outcome(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       string
		wantStatus codes.Code
		wantKind   string
		want       string
	}{
		{name: "success", wantStatus: codes.Ok, want: OutcomeOK},
		{name: "cancelled", err: fmt.Errorf("connect: %w", context.Canceled), kind: "transport", wantStatus: codes.Unset, want: OutcomeCancelled},
		{name: "failure", err: errors.New("no microphone"), kind: "acquisition", wantStatus: codes.Error, wantKind: "acquisition", want: OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTestTracer(t)

			_, span := StartSpan(context.Background(), "session.connect")
			EndSpan(span, tt.err, tt.kind)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			got := spans[0]
			if got.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.wantStatus)
			}
			if v := spanAttr(got.Attributes, AttrOutcome); v != tt.want {
				t.Errorf("outcome = %q, want %q", v, tt.want)
			}
			if v := spanAttr(got.Attributes, AttrErrorKind); v != tt.wantKind {
				t.Errorf("error kind = %q, want %q", v, tt.wantKind)
			}
		})
	}
}

func TestLogger_IncludesSession(t *testing.T) {
	buf := captureLogs(t)

	ctx := WithSession(context.Background(), SessionInfo{ID: "session-7"})
	Logger(ctx).Info("chunk dropped")

	if out := buf.String(); !strings.Contains(out, "session_id=session-7") {
		t.Errorf("log = %q, want session_id=session-7", out)
	}
}
