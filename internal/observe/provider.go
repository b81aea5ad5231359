package observe

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "voxbridge".
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes bridge processes behind the same PBX trunk.
	// A random UUID is used when empty.
	InstanceID string

	// RTPAddr is the inbound media address, recorded as a resource attribute
	// so dashboards can tell which port a bridge instance serves.
	RTPAddr string

	// SampleRatio is the fraction of root traces kept. Nil keeps all of them.
	// Child spans follow their parent's decision.
	SampleRatio *float64

	// TraceExporter is optional. Without one spans are still created (so
	// correlation IDs work) but never leave the process.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collector. Nil means
	// prometheus.DefaultRegisterer, which promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// InitProvider installs global meter and tracer providers plus the W3C
// trace-context propagator, and returns a shutdown function that flushes
// both. Call it once from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	expOpts := []promexporter.Option{}
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		// Traces first: span processors may still record metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxbridge"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.RTPAddr != "" {
		attrs = append(attrs, attribute.String("voxbridge.rtp.inbound_addr", cfg.RTPAddr))
	}
	// Schemaless so the merge never conflicts with the SDK's own semconv
	// version in resource.Default.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func sampler(ratio *float64) sdktrace.Sampler {
	if ratio == nil || *ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	if *ratio <= 0 {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*ratio))
}
