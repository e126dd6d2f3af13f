// Package metrics exports the projection engine's operational gauges via
// the otel Prometheus bridge (go.opentelemetry.io/otel/exporters/prometheus),
// scraped by the same client_golang registry the admin HTTP server's
// /metrics handler already serves.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/zitadel/projection-engine/internal/query/projection"
)

func nameAttr(name string) attribute.KeyValue {
	return attribute.String("projection", name)
}

// Registry wires a projection.Registry's health snapshot into a set of
// otel observable gauges.
type Registry struct {
	meter          metric.Meter
	lag            metric.Float64ObservableGauge
	running        metric.Int64ObservableGauge
	errorCount     metric.Int64ObservableGauge
	source         *projection.Registry
}

// NewPrometheusExporter builds an otel MeterProvider backed by the
// Prometheus exporter; the caller mounts promhttp.Handler() (or
// exporter.Collector()) on its own /metrics route.
func NewPrometheusExporter() (*sdkmetric.MeterProvider, *prometheus.Exporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider, exporter, nil
}

// NewRegistry registers the projection engine's gauges against provider,
// observing source's health snapshot on every collection.
func NewRegistry(provider *sdkmetric.MeterProvider, source *projection.Registry) (*Registry, error) {
	m := &Registry{
		meter:  provider.Meter("github.com/zitadel/projection-engine"),
		source: source,
	}

	var err error
	m.lag, err = m.meter.Float64ObservableGauge("projection_lag",
		metric.WithDescription("difference between the latest log position and a projection's stored cursor"))
	if err != nil {
		return nil, err
	}
	m.running, err = m.meter.Int64ObservableGauge("projection_running",
		metric.WithDescription("1 if the projection's worker is in CATCH_UP or LIVE, 0 otherwise"))
	if err != nil {
		return nil, err
	}
	m.errorCount, err = m.meter.Int64ObservableGauge("projection_error_count",
		metric.WithDescription("number of quarantined events recorded for a projection"))
	if err != nil {
		return nil, err
	}

	_, err = m.meter.RegisterCallback(m.observe, m.lag, m.running, m.errorCount)
	return m, err
}

func (m *Registry) observe(ctx context.Context, obs metric.Observer) error {
	summary, err := m.source.Health(ctx)
	if err != nil {
		return err
	}
	for _, entry := range m.source.List() {
		var health *projectionHealth
		for _, h := range summary.Projections {
			if h.Name == entry.Name {
				health = &projectionHealth{lag: h.Lag, errorCount: int64(h.ErrorCount)}
				break
			}
		}
		if health == nil {
			continue
		}
		attrs := metric.WithAttributes(nameAttr(entry.Name))
		obs.ObserveFloat64(m.lag, health.lag, attrs)
		obs.ObserveInt64(m.errorCount, health.errorCount, attrs)
		running := int64(0)
		if entry.IsRunning {
			running = 1
		}
		obs.ObserveInt64(m.running, running, attrs)
	}
	return nil
}

type projectionHealth struct {
	lag        float64
	errorCount int64
}
