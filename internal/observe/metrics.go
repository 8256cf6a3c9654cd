// Package observe provides application-wide observability primitives for
// voidlink: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voidlink metrics.
const meterName = "github.com/MrWong99/voidlink"

// Status values used with the "status" attribute.
const (
	StatusSent         = "sent"
	StatusDropped      = "dropped"
	StatusFailed       = "failed"
	StatusScheduled    = "scheduled"
	StatusDecodeError  = "decode_error"
	StatusScheduleFail = "schedule_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture / transport ---

	// CaptureFrames counts frames read from the input device.
	CaptureFrames metric.Int64Counter

	// TransportPackets counts outbound packets. Use with attribute:
	//   attribute.String("status", "sent"|"dropped"|"failed")
	TransportPackets metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts inbound audio chunks. Use with attribute:
	//   attribute.String("status", "scheduled"|"decode_error"|"schedule_error")
	PlaybackChunks metric.Int64Counter

	// PlaybackInterruptions counts interruption signals that hit the
	// scheduler.
	PlaybackInterruptions metric.Int64Counter

	// PlaybackUnderruns counts chunks that arrived after the previous chunk
	// of the same turn had finished playing.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackLead records how far ahead of the output clock each chunk was
	// scheduled, in seconds.
	PlaybackLead metric.Float64Histogram

	// --- Session ---

	// SessionTransitions counts status transitions. Use with attribute:
	//   attribute.String("status", ...)
	SessionTransitions metric.Int64Counter

	// SessionErrors counts session-fatal errors. Use with attribute:
	//   attribute.String("kind", "acquisition"|"credential"|"transport")
	SessionErrors metric.Int64Counter

	// ConnectDuration tracks the time from Connect to the transport's open
	// acknowledgment.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// leadBuckets defines histogram bucket boundaries (in seconds) for playback
// lead. Zero lead means the chunk played immediately.
var leadBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voidlink.capture.frames",
		metric.WithDescription("Total frames read from the input device."),
	); err != nil {
		return nil, err
	}
	if met.TransportPackets, err = m.Int64Counter("voidlink.transport.packets",
		metric.WithDescription("Total outbound audio packets by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("voidlink.playback.chunks",
		metric.WithDescription("Total inbound audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("voidlink.playback.interruptions",
		metric.WithDescription("Total playback interruptions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("voidlink.playback.underruns",
		metric.WithDescription("Total chunks scheduled after an audible gap within a turn."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("voidlink.session.transitions",
		metric.WithDescription("Total session status transitions by target status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voidlink.session.errors",
		metric.WithDescription("Total session-fatal errors by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackLead, err = m.Float64Histogram("voidlink.playback.lead",
		metric.WithDescription("Distance between the output clock and a chunk's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voidlink.session.connect.duration",
		metric.WithDescription("Latency from connect request to transport open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voidlink.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voidlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPacket records one outbound packet with the given status.
func (m *Metrics) RecordPacket(ctx context.Context, status string) {
	m.TransportPackets.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordChunk records one inbound chunk with the given status.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransition records a session status transition.
func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError records a session-fatal error of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
