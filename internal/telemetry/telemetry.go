// Package telemetry wires OpenTelemetry metrics with a Prometheus exporter
// for the operator-facing metrics endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "vscavator"

// Telemetry owns the meter provider and the ingestion instruments.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	RunsTotal       metric.Int64Counter
	RunDuration     metric.Float64Histogram
	PhaseDuration   metric.Float64Histogram
	ReleasesStored  metric.Int64Counter
	BlobsDeduped    metric.Int64Counter
	AcquireFailures metric.Int64Counter
}

// New creates the metrics pipeline. The returned Telemetry exposes its
// Prometheus registry through Handler.
func New(serviceName, serviceVersion string) (*Telemetry, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	t := &Telemetry{provider: provider, registry: registry}
	if err := t.initInstruments(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) initInstruments() error {
	meter := t.provider.Meter(meterName)
	var err error

	if t.RunsTotal, err = meter.Int64Counter("ingest_runs_total",
		metric.WithDescription("Completed ingestion runs by outcome"),
	); err != nil {
		return fmt.Errorf("failed to create runs counter: %w", err)
	}

	if t.RunDuration, err = meter.Float64Histogram("ingest_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of one ingestion run"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	if t.PhaseDuration, err = meter.Float64Histogram("ingest_phase_duration_seconds",
		metric.WithDescription("Wall-clock duration of one ingestion phase"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create phase duration histogram: %w", err)
	}

	if t.ReleasesStored, err = meter.Int64Counter("ingest_releases_stored_total",
		metric.WithDescription("Release archives stored"),
	); err != nil {
		return fmt.Errorf("failed to create stored counter: %w", err)
	}

	if t.BlobsDeduped, err = meter.Int64Counter("ingest_blobs_deduplicated_total",
		metric.WithDescription("Archive writes skipped because the blob already existed"),
	); err != nil {
		return fmt.Errorf("failed to create dedup counter: %w", err)
	}

	if t.AcquireFailures, err = meter.Int64Counter("ingest_acquire_failures_total",
		metric.WithDescription("Failed archive acquisition attempts"),
	); err != nil {
		return fmt.Errorf("failed to create failure counter: %w", err)
	}

	return nil
}

// Handler returns the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
