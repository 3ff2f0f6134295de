package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/songzhibin97/routegate/internal/config"
)

func TestNewTracerProviderDisabled(t *testing.T) {
	tp, err := NewTracerProvider(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tp.IsEnabled() {
		t.Error("Expected provider to be disabled")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled provider returned %v", err)
	}
}

func TestNewTracerProviderExports(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewTracerProvider(config.TracingConfig{
		Enabled: true,
		Jaeger:  config.JaegerConfig{ServiceName: "routegate-test", SampleRate: 1},
	}, WithExporter(exporter), WithServiceVersion("test"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "refresh")
	span.End()

	// the in-memory exporter drops its spans on shutdown
	if err := tp.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush error: %v", err)
	}
	defer tp.Shutdown(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "refresh" {
		t.Fatalf("Expected the refresh span to be exported, got %d spans", len(spans))
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" && kv.Value.AsString() == "routegate-test" {
			found = true
		}
	}
	if !found {
		t.Error("Expected service.name resource attribute")
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(1).Description(); got == "" {
		t.Error("Expected a sampler description")
	}
	if sampler(0.5).Description() == sampler(1).Description() {
		t.Error("Expected ratio sampler to differ from always-on")
	}
}
