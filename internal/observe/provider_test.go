package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

func TestNewResource(t *testing.T) {
	t.Parallel()
	res, err := newResource(ProviderConfig{ServiceVersion: "1.2.3", RTPAddr: "0.0.0.0:40000"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	set := res.Set()
	if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != "voxbridge" {
		t.Errorf("service.name = %q", v.AsString())
	}
	if v, _ := set.Value(semconv.ServiceVersionKey); v.AsString() != "1.2.3" {
		t.Errorf("service.version = %q", v.AsString())
	}
	if v, ok := set.Value(semconv.ServiceInstanceIDKey); !ok || v.AsString() == "" {
		t.Error("service.instance.id not set")
	}
	if v, _ := set.Value(attribute.Key("voxbridge.rtp.inbound_addr")); v.AsString() != "0.0.0.0:40000" {
		t.Errorf("rtp addr = %q", v.AsString())
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()
	ratio := func(f float64) *float64 { return &f }
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1},
		Name:          "bridge.create_connection",
	}
	tests := []struct {
		name  string
		ratio *float64
		want  sdktrace.SamplingDecision
	}{
		{"unset", nil, sdktrace.RecordAndSample},
		{"one", ratio(1), sdktrace.RecordAndSample},
		{"zero", ratio(0), sdktrace.Drop},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).ShouldSample(params).Decision; got != tt.want {
			t.Errorf("%s: decision = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// Not parallel: replaces the global providers.
func TestInitProvider(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	counter, err := otel.Meter("test").Int64Counter("test.calls")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "test_calls") {
			found = true
		}
	}
	if !found {
		t.Error("counter not exported to the registry")
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Errorf("propagator fields = %v", fields)
	}
}
