package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the counter value of the data point carrying key=value.
func sumByAttr(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestStatusCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPacket(ctx, StatusSent)
	m.RecordPacket(ctx, StatusSent)
	m.RecordPacket(ctx, StatusDropped)
	m.RecordChunk(ctx, StatusScheduled)
	m.RecordChunk(ctx, StatusDecodeError)
	m.RecordTransition(ctx, "CONNECTING")
	m.RecordTransition(ctx, "CONNECTED")
	m.RecordSessionError(ctx, "transport")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"voidlink.transport.packets", "status", StatusSent, 2},
		{"voidlink.transport.packets", "status", StatusDropped, 1},
		{"voidlink.transport.packets", "status", StatusFailed, 0},
		{"voidlink.playback.chunks", "status", StatusScheduled, 1},
		{"voidlink.playback.chunks", "status", StatusDecodeError, 1},
		{"voidlink.session.transitions", "status", "CONNECTING", 1},
		{"voidlink.session.transitions", "status", "CONNECTED", 1},
		{"voidlink.session.errors", "kind", "transport", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			met := findMetric(rm, tc.metric)
			if met == nil {
				t.Fatalf("metric %q not found", tc.metric)
			}
			if got := sumByAttr(t, met, tc.key, tc.value); got != tc.want {
				t.Errorf("%s{%s=%q} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
			}
		})
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CaptureFrames.Add(ctx, 3)
	m.PlaybackInterruptions.Add(ctx, 1)
	m.PlaybackUnderruns.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"voidlink.capture.frames", 3},
		{"voidlink.playback.interruptions", 1},
		{"voidlink.playback.underruns", 2},
		{"voidlink.active_sessions", 1},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PlaybackLead.Record(ctx, 0)
	m.PlaybackLead.Record(ctx, 0.4)
	m.ConnectDuration.Record(ctx, 0.8)
	m.HTTPRequestDuration.Record(ctx, 0.01)

	rm := collect(t, reader)

	histograms := []struct {
		name      string
		wantCount uint64
		wantSum   float64
	}{
		{"voidlink.playback.lead", 2, 0.4},
		{"voidlink.session.connect.duration", 1, 0.8},
		{"voidlink.http.request.duration", 1, 0.01},
	}
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			dp := hist.DataPoints[0]
			if dp.Count != tc.wantCount {
				t.Errorf("count = %d, want %d", dp.Count, tc.wantCount)
			}
			if dp.Sum != tc.wantSum {
				t.Errorf("sum = %f, want %f", dp.Sum, tc.wantSum)
			}
		})
	}
}

func TestPlaybackLead_ZeroBucket(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.PlaybackLead.Record(context.Background(), 0)

	met := findMetric(collect(t, reader), "voidlink.playback.lead")
	if met == nil {
		t.Fatal("metric not found")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if dp.Bounds[0] != 0 {
		t.Fatalf("first bound = %f, want 0", dp.Bounds[0])
	}
	if dp.BucketCounts[0] != 1 {
		t.Errorf("bucket[<=0] = %d, want 1", dp.BucketCounts[0])
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
