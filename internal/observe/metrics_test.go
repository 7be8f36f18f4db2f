package observe

import (
	"context"
	"testing"
	"time"

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

// sumFor returns the counter value of the data point carrying attr.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v.AsString() == attr.Value.AsString() {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "weather", "weather_forecast", StatusOK, 120*time.Millisecond)
	m.RecordToolCall(ctx, "weather", "weather_forecast", StatusOK, 80*time.Millisecond)
	m.RecordToolCall(ctx, "weather", "weather_forecast", StatusToolError, 10*time.Millisecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "toolhub.tool.calls", Attr("status", StatusOK)); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}
	if got := sumFor(t, rm, "toolhub.tool.calls", Attr("status", StatusToolError)); got != 1 {
		t.Errorf("tool_error calls = %d, want 1", got)
	}

	met := findMetric(rm, "toolhub.tool.duration")
	if met == nil {
		t.Fatal("toolhub.tool.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration is %T, want histogram", met.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("duration samples = %d, want 3", count)
	}
}

func TestCountersByAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCatalogFetch(ctx, "fs", "cache")
	m.RecordCatalogFetch(ctx, "fs", "transport")
	m.RecordCatalogFetch(ctx, "fs", "cache")
	m.RecordBreakerTransition(ctx, "mcp:fs", "open")
	m.RecordBreakerRejection(ctx, "mcp:fs")
	m.RecordBreakerRejection(ctx, "mcp:fs")
	m.RecordProviderError(ctx, "fs", "timeout")
	m.RecordRPCRequest(ctx, "tools/call", StatusOK)

	rm := collect(t, reader)
	tests := []struct {
		metric string
		attr   attribute.KeyValue
		want   int64
	}{
		{"toolhub.catalog.fetches", Attr("source", "cache"), 2},
		{"toolhub.catalog.fetches", Attr("source", "transport"), 1},
		{"toolhub.breaker.transitions", Attr("state", "open"), 1},
		{"toolhub.breaker.rejections", Attr("name", "mcp:fs"), 2},
		{"toolhub.provider.errors", Attr("kind", "timeout"), 1},
		{"toolhub.rpc.requests", Attr("method", "tools/call"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.metric+"/"+string(tt.attr.Key), func(t *testing.T) {
			if got := sumFor(t, rm, tt.metric, tt.attr); got != tt.want {
				t.Errorf("%s{%s} = %d, want %d", tt.metric, tt.attr.Key, got, tt.want)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConnections.Add(ctx, 3)
	m.ActiveConnections.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"toolhub.active_connections": 2,
		"toolhub.active_sessions":    1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no sum data", name)
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Fatal("DefaultMetrics returned different instances")
	}
}
