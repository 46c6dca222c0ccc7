package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tbourn/go-cave-backend/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabled(name string) config.OTELConfig {
	return config.OTELConfig{Enabled: true, Insecure: true, Endpoint: "localhost:4317", ServiceName: name, SampleRatio: 1}
}

func TestSetupOTel_Disabled_NoOp(t *testing.T) {
	preserveOTelGlobals(t)
	prev := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false, Endpoint: "ignored:4317"}, "v0")
	if err != nil || shutdown == nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Fatalf("disabled tracing must not touch the global provider")
	}
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	for _, insecure := range []bool{true, false} {
		preserveOTelGlobals(t)
		cfg := enabled("cave-test")
		cfg.Insecure = insecure

		shutdown, err := SetupOTel(context.Background(), cfg, "v1.2.3")
		if err != nil {
			t.Fatalf("insecure=%v: %v", insecure, err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Fatalf("expected *sdktrace.TracerProvider")
		}

		ctx, span := otel.Tracer("test").Start(context.Background(), "span")
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		span.End()
		if carrier.Get("traceparent") == "" {
			t.Fatalf("traceparent not injected")
		}

		ct, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = shutdown(ct)
		cancel()
	}
}

func TestServiceResource_Attributes(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment=staging")
	res, err := serviceResource(context.Background(), "cave", "v9")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:       "cave",
		semconv.ServiceVersionKey:    "v9",
		semconv.ServiceInstanceIDKey: InstanceID,
		"deployment.environment":     "staging",
	}
	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestSetupOTel_ErrorsLeaveGlobalsIntact(t *testing.T) {
	preserveOTelGlobals(t)
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes })

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	check := func(name string) {
		t.Helper()
		if _, err := SetupOTel(context.Background(), enabled("svc"), "v0"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
			t.Fatalf("%s: globals changed on failure", name)
		}
	}

	newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom-exporter")
	}
	check("exporter")

	newOTLPExporterFn = origExp
	newServiceResourceFn = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, errors.New("boom-resource")
	}
	check("resource")
}
