// Package observe provides application-wide observability primitives for
// tonearm: OpenTelemetry metrics and tracing, trace-aware logging, and the
// admin HTTP middleware that ties them together.
//
// The voice engine records its own instruments; this package covers what
// the application around it does. A Prometheus exporter bridge is set up by
// [InitProvider] so everything can be scraped from /metrics. Tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for application metrics.
const meterName = "github.com/MrWong99/tonearm"

// Metrics holds the application's metric instruments. All fields are safe
// for concurrent use.
type Metrics struct {
	// GatewayEvents counts voice events received from the Discord gateway.
	// Use with attribute.String("event", ...).
	GatewayEvents metric.Int64Counter

	// ResolverRequests counts YouTube resolutions. Use with
	// attribute.String("status", ...): ok, error or rejected.
	ResolverRequests metric.Int64Counter

	// ResolverDuration tracks how long yt-dlp takes to resolve a query.
	ResolverDuration metric.Float64Histogram

	// BreakerState is 1 while the resolver circuit breaker is open.
	BreakerState metric.Int64Gauge

	// ConfigReloads counts config file reloads by status.
	ConfigReloads metric.Int64Counter

	// HTTPRequestDuration tracks admin server request time. Use with
	// attribute.String("method", ...), attribute.String("route", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// resolverBuckets are histogram boundaries in seconds. yt-dlp usually
// needs one to five seconds per query.
var resolverBuckets = []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GatewayEvents, err = m.Int64Counter("tonearm.gateway.events",
		metric.WithDescription("Voice gateway events received by type."),
	); err != nil {
		return nil, err
	}
	if met.ResolverRequests, err = m.Int64Counter("tonearm.resolver.requests",
		metric.WithDescription("YouTube resolutions by status."),
	); err != nil {
		return nil, err
	}
	if met.ResolverDuration, err = m.Float64Histogram("tonearm.resolver.duration",
		metric.WithDescription("Latency of YouTube resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(resolverBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64Gauge("tonearm.resolver.breaker.open",
		metric.WithDescription("1 while the resolver circuit breaker rejects calls."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("tonearm.config.reloads",
		metric.WithDescription("Config file reloads by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("tonearm.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordGatewayEvent counts one inbound voice gateway event.
func (m *Metrics) RecordGatewayEvent(ctx context.Context, event string) {
	m.GatewayEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordResolve records one resolution attempt. seconds is ignored for
// rejected attempts, which never reached yt-dlp.
func (m *Metrics) RecordResolve(ctx context.Context, status string, seconds float64) {
	m.ResolverRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != "rejected" {
		m.ResolverDuration.Record(ctx, seconds)
	}
}

// RecordBreakerOpen sets the breaker gauge.
func (m *Metrics) RecordBreakerOpen(ctx context.Context, name string, open bool) {
	var v int64
	if open {
		v = 1
	}
	m.BreakerState.Record(ctx, v, metric.WithAttributes(attribute.String("breaker", name)))
}

// RecordConfigReload counts one reload attempt.
func (m *Metrics) RecordConfigReload(ctx context.Context, status string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
