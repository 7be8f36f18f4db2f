// Package observe provides application-wide observability primitives for
// toolhub: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is installed by [Init] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all toolhub metrics.
const meterName = "github.com/MrWong99/toolhub"

// Status attribute values shared by the tool and RPC counters.
const (
	StatusOK        = "ok"
	StatusToolError = "tool_error"
	StatusError     = "error"
	StatusRejected  = "rejected"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Tool invocation ---

	// ToolCalls counts binding invocations. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolDuration tracks end-to-end binding invocation latency.
	ToolDuration metric.Float64Histogram

	// --- Catalog discovery ---

	// CatalogFetches counts catalog lookups. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("source", "cache"|"transport"|"error")
	CatalogFetches metric.Int64Counter

	// --- Circuit breakers ---

	// BreakerTransitions counts state changes. Use with attributes:
	//   attribute.String("name", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// BreakerRejections counts calls rejected by an open breaker.
	BreakerRejections metric.Int64Counter

	// --- Errors ---

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Tool server ---

	// RPCRequests counts requests answered by the tool server. Use with
	// attributes: attribute.String("method", ...), attribute.String("status", ...)
	RPCRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks live provider connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks callers with at least one live connection.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// in-process tools up to slow remote providers.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCalls, err = m.Int64Counter("toolhub.tool.calls",
		metric.WithDescription("Total tool invocations by provider, tool and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("toolhub.tool.duration",
		metric.WithDescription("Latency of tool invocations through the bridge."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CatalogFetches, err = m.Int64Counter("toolhub.catalog.fetches",
		metric.WithDescription("Catalog lookups by provider and source."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("toolhub.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.BreakerRejections, err = m.Int64Counter("toolhub.breaker.rejections",
		metric.WithDescription("Calls rejected by an open circuit breaker."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("toolhub.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RPCRequests, err = m.Int64Counter("toolhub.rpc.requests",
		metric.WithDescription("Requests answered by the tool server by method and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("toolhub.active_connections",
		metric.WithDescription("Number of live provider connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("toolhub.active_sessions",
		metric.WithDescription("Number of callers holding provider connections."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolhub.http.request.duration",
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

// RecordToolCall records one binding invocation with its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, provider, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCatalogFetch records a catalog lookup and where it was served from.
func (m *Metrics) RecordCatalogFetch(ctx context.Context, provider, source string) {
	m.CatalogFetches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("source", source),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("state", state),
		),
	)
}

// RecordBreakerRejection records a call rejected by an open breaker.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, name string) {
	m.BreakerRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRPCRequest records one request answered by the tool server.
func (m *Metrics) RecordRPCRequest(ctx context.Context, method, status string) {
	m.RPCRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", status),
		),
	)
}
