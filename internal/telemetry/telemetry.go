// Package telemetry wires OpenTelemetry metrics for commands, lifecycle
// transitions and board calls.
//
// Metrics are off by default: Init installs a no-op meter provider unless
// telemetry.enabled is set. telemetry.stdout adds a periodic stdout exporter.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationScope = "taskbridge"

type Options struct {
	Enabled     bool
	Stdout      bool
	ServiceName string
	Version     string
	Interval    time.Duration
}

// Init installs the global meter provider and returns its shutdown func.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if !opts.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "taskbridge"
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if opts.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(opts.Interval))))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Meter returns the global taskbridge meter.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}
