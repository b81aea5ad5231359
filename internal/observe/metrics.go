// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"github.com/MrWong99/voxbridge/pkg/rtp"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// SetupDuration tracks provider connect plus session configuration.
	SetupDuration metric.Float64Histogram

	// FunctionDuration tracks function executor latency.
	FunctionDuration metric.Float64Histogram

	// CallDuration tracks the length of finished calls.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// Connections counts connection attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	Connections metric.Int64Counter

	// ConnectionsClosed counts closed connections. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	ConnectionsClosed metric.Int64Counter

	// FunctionCalls counts function invocations. Use with attributes:
	//   attribute.String("function", ...), attribute.String("mode", ...), attribute.String("status", ...)
	FunctionCalls metric.Int64Counter

	// BargeIns counts caller interruptions of agent speech. Use with
	// attribute: attribute.String("provider", ...)
	BargeIns metric.Int64Counter

	// Cost accumulates the final (margin applied) cost of closed calls in
	// USD. Use with attribute: attribute.String("provider", ...)
	Cost metric.Float64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live calls.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers phone call lengths from seconds to an hour.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.SetupDuration, err = m.Float64Histogram("voxbridge.connection.setup.duration",
		metric.WithDescription("Latency of provider connect and session configuration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FunctionDuration, err = m.Float64Histogram("voxbridge.function.duration",
		metric.WithDescription("Latency of function execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxbridge.call.duration",
		metric.WithDescription("Duration of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Connections, err = m.Int64Counter("voxbridge.connections",
		metric.WithDescription("Connection attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionsClosed, err = m.Int64Counter("voxbridge.connections.closed",
		metric.WithDescription("Closed connections by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("voxbridge.function.calls",
		metric.WithDescription("Function invocations by function, mode and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxbridge.barge_ins",
		metric.WithDescription("Caller interruptions of agent speech by provider."),
	); err != nil {
		return nil, err
	}
	if met.Cost, err = m.Float64Counter("voxbridge.cost",
		metric.WithDescription("Final cost of closed calls, margin applied."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxbridge.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxbridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxbridge.active_connections",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveTransport registers asynchronous instruments that read the RTP
// transport counters on every collection. The returned function unregisters
// them.
func (m *Metrics) ObserveTransport(stats func() rtp.Stats) (unregister func() error, err error) {
	packets, err := m.meter.Int64ObservableCounter("voxbridge.rtp.packets",
		metric.WithDescription("RTP packets by direction."))
	if err != nil {
		return nil, err
	}
	bytes, err := m.meter.Int64ObservableCounter("voxbridge.rtp.bytes",
		metric.WithDescription("RTP payload bytes by direction."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	failures, err := m.meter.Int64ObservableCounter("voxbridge.rtp.errors",
		metric.WithDescription("RTP send failures, malformed packets and dropped events."))
	if err != nil {
		return nil, err
	}
	clients, err := m.meter.Int64ObservableGauge("voxbridge.rtp.clients",
		metric.WithDescription("Known RTP clients."))
	if err != nil {
		return nil, err
	}

	in := metric.WithAttributes(attribute.String("direction", "in"))
	out := metric.WithAttributes(attribute.String("direction", "out"))
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(packets, int64(s.PacketsIn), in)
		o.ObserveInt64(packets, int64(s.PacketsOut), out)
		o.ObserveInt64(bytes, int64(s.BytesIn), in)
		o.ObserveInt64(bytes, int64(s.BytesOut), out)
		o.ObserveInt64(failures, int64(s.SendFailures), metric.WithAttributes(attribute.String("kind", "send")))
		o.ObserveInt64(failures, int64(s.Malformed), metric.WithAttributes(attribute.String("kind", "malformed")))
		o.ObserveInt64(failures, int64(s.DroppedEvents), metric.WithAttributes(attribute.String("kind", "dropped_event")))
		o.ObserveInt64(clients, int64(s.Clients))
		return nil
	}, packets, bytes, failures, clients)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
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

// RecordConnection records a connection attempt.
func (m *Metrics) RecordConnection(ctx context.Context, provider, status string) {
	m.Connections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordClose records a closed connection with its duration and final cost.
func (m *Metrics) RecordClose(ctx context.Context, provider, reason string, seconds, finalCost float64) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.ConnectionsClosed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		),
	)
	m.CallDuration.Record(ctx, seconds, attrs)
	m.Cost.Add(ctx, finalCost, attrs)
}

// RecordFunctionCall records a function invocation and its latency.
func (m *Metrics) RecordFunctionCall(ctx context.Context, function, mode, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.FunctionCalls.Add(ctx, 1, attrs)
	m.FunctionDuration.Record(ctx, seconds, attrs)
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

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("state", state),
		),
	)
}
