package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/conduitworks/conduit/config"
)

func TestSetupDisabledLeavesGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()

	tel, err := Setup(context.Background(), config.TelemetryConfig{Enabled: false}, "conduit", "test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled telemetry must not replace the global tracer provider")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown without provider: %v", err)
	}
}

func TestShutdownNilReceiver(t *testing.T) {
	var tel *Telemetry
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}
