// Package observe provides application-wide observability primitives for
// the ingestion and dreaming pipeline: OpenTelemetry metrics, distributed
// tracing, structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge that registers them with the default
// Prometheus registry; this package does not serve them over HTTP (no
// /metrics handler is mounted). A package-level default
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

// meterName is the instrumentation scope name used for all pipeline metrics.
const meterName = "github.com/healer-ai/p8fs"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// IngestDuration tracks time from classification to a completed
	// storageworker write, per tier.
	IngestDuration metric.Float64Histogram

	// EmbedDuration tracks embeddings provider call latency.
	EmbedDuration metric.Float64Histogram

	// QueryDispatchDuration tracks query dispatch latency per query type.
	QueryDispatchDuration metric.Float64Histogram

	// DreamingRunDuration tracks end-to-end dreaming run latency per tenant.
	DreamingRunDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ResourcesIngested counts resources written by storage workers. Use with attribute:
	//   attribute.String("tier", ...)
	ResourcesIngested metric.Int64Counter

	// MomentsExtracted counts moments produced by dreaming runs.
	MomentsExtracted metric.Int64Counter

	// AffinityEdgesCreated counts affinity edges materialized by dreaming runs.
	AffinityEdgesCreated metric.Int64Counter

	// DreamingRuns counts dreaming runs by terminal status. Use with attribute:
	//   attribute.String("status", ...)
	DreamingRuns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// MalformedObjects counts ingress objects rejected as malformed.
	MalformedObjects metric.Int64Counter

	// --- Gauges ---

	// ActiveWorkers tracks the number of currently running storage workers.
	ActiveWorkers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second query dispatch latencies and multi-second ingest/dreaming
// latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.IngestDuration, err = m.Float64Histogram("p8fs.ingest.duration",
		metric.WithDescription("Latency of a storage worker processing one object, by tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("p8fs.embed.duration",
		metric.WithDescription("Latency of embeddings provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueryDispatchDuration, err = m.Float64Histogram("p8fs.query.dispatch.duration",
		metric.WithDescription("Latency of query dispatch, by query type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DreamingRunDuration, err = m.Float64Histogram("p8fs.dreaming.run.duration",
		metric.WithDescription("End-to-end latency of a dreaming run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("p8fs.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ResourcesIngested, err = m.Int64Counter("p8fs.resources.ingested",
		metric.WithDescription("Total resources written by storage workers, by tier."),
	); err != nil {
		return nil, err
	}
	if met.MomentsExtracted, err = m.Int64Counter("p8fs.dreaming.moments_extracted",
		metric.WithDescription("Total moments extracted by dreaming runs."),
	); err != nil {
		return nil, err
	}
	if met.AffinityEdgesCreated, err = m.Int64Counter("p8fs.dreaming.affinity_edges_created",
		metric.WithDescription("Total affinity edges materialized by dreaming runs."),
	); err != nil {
		return nil, err
	}
	if met.DreamingRuns, err = m.Int64Counter("p8fs.dreaming.runs",
		metric.WithDescription("Total dreaming runs by terminal status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("p8fs.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.MalformedObjects, err = m.Int64Counter("p8fs.ingress.malformed_objects",
		metric.WithDescription("Total ingress objects rejected as malformed."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveWorkers, err = m.Int64UpDownCounter("p8fs.active_workers",
		metric.WithDescription("Number of currently running storage workers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("p8fs.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordResourceIngested is a convenience method that records a resource
// ingested counter increment for the given tier.
func (m *Metrics) RecordResourceIngested(ctx context.Context, tier string) {
	m.ResourcesIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}

// RecordDreamingRun is a convenience method that records a dreaming run
// counter increment for the given terminal status.
func (m *Metrics) RecordDreamingRun(ctx context.Context, status string) {
	m.DreamingRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
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
