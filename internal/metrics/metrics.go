// Package metrics exposes keygate's Prometheus metrics. Instruments are
// created through the OpenTelemetry metric API and exported by the
// OpenTelemetry Prometheus exporter into a dedicated registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/johnrirwin/keygate"

// Metrics records gateway events. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	httpRequests     metric.Int64Counter
	httpDuration     metric.Float64Histogram
	authValidations  metric.Int64Counter
	rateLimitChecks  metric.Int64Counter
	rateLimitErrors  metric.Int64Counter
	usageWriteErrors metric.Int64Counter
}

// New builds the registry and instruments. Go runtime and process
// collectors are registered alongside.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{registry: registry, provider: provider}

	if m.httpRequests, err = meter.Int64Counter(
		"keygate_http_requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	if m.httpDuration, err = meter.Float64Histogram(
		"keygate_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	if m.authValidations, err = meter.Int64Counter(
		"keygate_auth_validations_total",
		metric.WithDescription("API key validations by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create auth counter: %w", err)
	}
	if m.rateLimitChecks, err = meter.Int64Counter(
		"keygate_ratelimit_decisions_total",
		metric.WithDescription("Rate limit window decisions by window and result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}
	if m.rateLimitErrors, err = meter.Int64Counter(
		"keygate_ratelimit_store_errors_total",
		metric.WithDescription("Counter store failures by window"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit error counter: %w", err)
	}
	if m.usageWriteErrors, err = meter.Int64Counter(
		"keygate_usage_write_errors_total",
		metric.WithDescription("Usage log writes that failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create usage error counter: %w", err)
	}

	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// RecordAuth satisfies auth.Recorder.
func (m *Metrics) RecordAuth(outcome string) {
	if m == nil {
		return
	}
	m.authValidations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRateLimit satisfies ratelimit.Recorder.
func (m *Metrics) RecordRateLimit(window string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.rateLimitChecks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("window", window),
		attribute.String("result", result),
	))
}

// RecordRateLimitStoreError satisfies ratelimit.Recorder.
func (m *Metrics) RecordRateLimitStoreError(window string) {
	if m == nil {
		return
	}
	m.rateLimitErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("window", window)))
}

func (m *Metrics) RecordUsageWriteError() {
	if m == nil {
		return
	}
	m.usageWriteErrors.Add(context.Background(), 1)
}
