// Package telemetry instruments sync passes with OpenTelemetry.
//
// Nothing is exported unless BTSMIRROR_OTEL_ENABLED is "true"; until then
// the global providers are no-ops and WrapSink returns its argument.
//
// Once enabled, sink requests become spans and btsmirror.sink.* metrics.
// Spans only leave the process when BTSMIRROR_OTEL_STDOUT is "true", in
// which case they are pretty-printed to stdout together with the metrics.
// Metrics are additionally pushed over OTLP/HTTP when
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT or OTEL_EXPORTER_OTLP_ENDPOINT is
// set (a host:port or an http(s) URL). There is no OTLP span exporter:
// a mirror pass is short and its spans are only useful while debugging.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultScope = "github.com/debian-tools/btsmirror"

	stdoutInterval = 15 * time.Second
	pushInterval   = 30 * time.Second
)

// exportSettings is the environment read once by Init.
type exportSettings struct {
	stdout       bool
	pushEndpoint string
}

func readSettings() exportSettings {
	push := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if push == "" {
		push = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return exportSettings{
		stdout:       os.Getenv("BTSMIRROR_OTEL_STDOUT") == "true",
		pushEndpoint: push,
	}
}

// flushers are the provider shutdown hooks installed by Init.
var flushers []func(context.Context) error

// Enabled reports whether BTSMIRROR_OTEL_ENABLED is "true".
func Enabled() bool {
	return os.Getenv("BTSMIRROR_OTEL_ENABLED") == "true"
}

// Init installs the global tracer and meter providers for one run of the
// named service.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return fmt.Errorf("telemetry: describe service: %w", err)
	}

	settings := readSettings()

	spans, err := newSpanProvider(res, settings)
	if err != nil {
		return fmt.Errorf("telemetry: spans: %w", err)
	}
	meters, err := newMeterProvider(ctx, res, settings)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("telemetry: metrics: %w", err)
	}

	otel.SetTracerProvider(spans)
	otel.SetMeterProvider(meters)
	flushers = append(flushers, spans.Shutdown, meters.Shutdown)
	return nil
}

func newSpanProvider(res *resource.Resource, s exportSettings) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if s.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, s exportSettings) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if s.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(stdoutInterval))))
	}
	if s.pushEndpoint != "" {
		exp, err := buildOTLPMetricExporter(ctx, s.pushEndpoint)
		if err != nil {
			return nil, fmt.Errorf("otlp/http exporter for %s: %w", s.pushEndpoint, err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(pushInterval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = defaultScope
	}
	return otel.Tracer(name)
}

// Meter returns the named meter from the global provider.
func Meter(name string) metric.Meter {
	if name == "" {
		name = defaultScope
	}
	return otel.Meter(name)
}

// Shutdown exports whatever is still buffered. Export errors are dropped;
// a failing collector must not fail a mirror pass.
func Shutdown(ctx context.Context) {
	for _, flush := range flushers {
		_ = flush(ctx)
	}
	flushers = nil
}
