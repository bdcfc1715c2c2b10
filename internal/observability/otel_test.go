package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"recruiter-outreach-scheduler/internal/config"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestDisabledIsNoOp(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()
	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "api")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled tracing must not replace the provider")
	}
}

func TestEnabledInstallsProvider(t *testing.T) {
	keepGlobals(t)
	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "recruiter-outreach-scheduler",
		SampleRatio: 1,
	}, "dispatcher")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = shutdown(ctx)
	}()
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk tracer provider, got %T", otel.GetTracerProvider())
	}
}

func TestExporterErrorIsReturned(t *testing.T) {
	keepGlobals(t)
	orig := newExporter
	t.Cleanup(func() { newExporter = orig })
	newExporter = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom")
	}
	if _, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: true, Insecure: true, Endpoint: "x:1"}, "api"); err == nil {
		t.Fatalf("expected exporter error")
	}
}
