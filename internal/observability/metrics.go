package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

func initMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Init stands up tracing (OTLP/gRPC to collectorAddr) and metrics
// (Prometheus exporter bridged through the OpenTelemetry metric SDK)
// for serviceName. It returns the HTTP handler to mount at /metrics and
// a single shutdown function that tears both providers down; call it on
// exit.
func Init(ctx context.Context, serviceName, collectorAddr string) (http.Handler, func(context.Context) error, error) {
	shutdownTracer, err := initTracer(ctx, serviceName, collectorAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}

	metricsHandler, shutdownMetrics, err := initMetrics()
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}

	return metricsHandler, joinShutdown(shutdownTracer, shutdownMetrics), nil
}
