package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// setupMetrics returns a meter provider exporting to stderr every interval.
// With a zero interval it returns a nil provider and a no-op shutdown.
func setupMetrics(interval time.Duration, logger *slog.Logger) (metric.MeterProvider, func(context.Context) error, error) {
	if interval <= 0 {
		return nil, func(context.Context) error { return nil }, nil
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	logger.Info("Exporting metrics", "interval", interval)
	return provider, provider.Shutdown, nil
}
