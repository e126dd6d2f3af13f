package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Configure installs a real SDK-backed TracerProvider as the otel global,
// tagged with serviceName, so NewSpan's spans are sampled and recorded
// instead of silently discarded by otel's default no-op provider. Wiring
// an actual span exporter (OTLP, Jaeger, ...) is left to the operator's
// deployment; this only gets the SDK itself onto the hot path.
func Configure(serviceName string) (shutdown func(context.Context) error) {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}
