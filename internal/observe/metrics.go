// Package observe provides application-wide observability primitives for
// voxroute: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxroute metrics.
const meterName = "github.com/voxroute/voxroute"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SelectionDuration tracks provider selection latency in the orchestrator.
	SelectionDuration metric.Float64Histogram

	// FailoverDuration tracks end-to-end failover latency, from trigger to
	// rebound session.
	FailoverDuration metric.Float64Histogram

	// SessionStartDuration tracks provider session establishment latency.
	SessionStartDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider session starts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// FailoverEvents counts failover attempts. Use with attributes:
	//   attribute.String("reason", ...), attribute.String("outcome", ...)
	FailoverEvents metric.Int64Counter

	// DroppedFrames counts inbound media frames discarded before reaching a
	// provider. Use with attribute:
	//   attribute.String("cause", ...) — "decode" or "stale"
	DroppedFrames metric.Int64Counter

	// KeyRotations counts API key rotation attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("outcome", ...)
	KeyRotations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// OpenBreakers tracks the number of providers whose circuit breaker is
	// currently open.
	OpenBreakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-routing latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SelectionDuration, err = m.Float64Histogram("voxroute.selection.duration",
		metric.WithDescription("Latency of provider selection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FailoverDuration, err = m.Float64Histogram("voxroute.failover.duration",
		metric.WithDescription("End-to-end failover latency from trigger to rebound session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("voxroute.session_start.duration",
		metric.WithDescription("Latency of provider session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxroute.provider.requests",
		metric.WithDescription("Total provider session starts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.FailoverEvents, err = m.Int64Counter("voxroute.failover.events",
		metric.WithDescription("Total failover attempts by reason and outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voxroute.frames.dropped",
		metric.WithDescription("Total inbound media frames discarded by cause."),
	); err != nil {
		return nil, err
	}
	if met.KeyRotations, err = m.Int64Counter("voxroute.key.rotations",
		metric.WithDescription("Total API key rotation attempts by provider and outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxroute.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxroute.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.OpenBreakers, err = m.Int64UpDownCounter("voxroute.open_breakers",
		metric.WithDescription("Number of providers with an open circuit breaker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxroute.http.request.duration",
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

// RecordProviderRequest records a provider session start with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordFailover records one failover attempt.
func (m *Metrics) RecordFailover(ctx context.Context, reason, outcome string) {
	m.FailoverEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordDroppedFrame records one discarded inbound frame. cause is "decode"
// for undecodable frames and "stale" for frames from a superseded binding
// generation.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, cause string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordKeyRotation records one key rotation attempt.
func (m *Metrics) RecordKeyRotation(ctx context.Context, provider, outcome string) {
	m.KeyRotations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
