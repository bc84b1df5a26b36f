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

// sumByAttr adds up the counter points of name whose key attribute equals
// value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecordGatewayEvent(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGatewayEvent(ctx, "voice_server_update")
	m.RecordGatewayEvent(ctx, "voice_state_update")
	m.RecordGatewayEvent(ctx, "voice_state_update")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "tonearm.gateway.events", "event", "voice_state_update"); got != 2 {
		t.Errorf("voice_state_update = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "tonearm.gateway.events", "event", "voice_server_update"); got != 1 {
		t.Errorf("voice_server_update = %d, want 1", got)
	}
}

func TestRecordResolve(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResolve(ctx, "ok", 1.2)
	m.RecordResolve(ctx, "error", 0.4)
	m.RecordResolve(ctx, "rejected", 0)

	rm := collect(t, reader)
	for _, status := range []string{"ok", "error", "rejected"} {
		if got := sumByAttr(t, rm, "tonearm.resolver.requests", "status", status); got != 1 {
			t.Errorf("status %s = %d, want 1", status, got)
		}
	}

	met := findMetric(rm, "tonearm.resolver.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T", met.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("duration samples = %+v, want one point with count 2", hist.DataPoints)
	}
}

func TestRecordBreakerOpen(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerOpen(ctx, "ytdlp", true)
	m.RecordBreakerOpen(ctx, "ytdlp", false)

	met := findMetric(collect(t, reader), "tonearm.resolver.breaker.open")
	if met == nil {
		t.Fatal("gauge not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("gauge is %T", met.Data)
	}
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 0 {
		t.Errorf("gauge points = %+v, want last value 0", g.DataPoints)
	}
}

func TestRecordConfigReload(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)

	m.RecordConfigReload(context.Background(), "applied")

	if got := sumByAttr(t, collect(t, reader), "tonearm.config.reloads", "status", "applied"); got != 1 {
		t.Errorf("applied reloads = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
