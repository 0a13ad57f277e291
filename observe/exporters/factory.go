// Package exporters builds OpenTelemetry span exporters and metric readers
// by name.
package exporters

import (
	"context"
	"fmt"
	"io"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type spanBuilder func(ctx context.Context) (sdktrace.SpanExporter, error)

type readerBuilder func(ctx context.Context) (sdkmetric.Reader, error)

var spanBuilders = map[string]spanBuilder{
	"stdout": func(context.Context) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	},
	"otlp": func(ctx context.Context) (sdktrace.SpanExporter, error) {
		if err := requireEndpoint("TRACES"); err != nil {
			return nil, err
		}
		return otlptracegrpc.New(ctx)
	},
	"otlp-http": func(ctx context.Context) (sdktrace.SpanExporter, error) {
		if err := requireEndpoint("TRACES"); err != nil {
			return nil, err
		}
		return otlptracehttp.New(ctx)
	},
	"none": func(context.Context) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	},
}

var readerBuilders = map[string]readerBuilder{
	"stdout": func(context.Context) (sdkmetric.Reader, error) {
		return periodic(stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout)))
	},
	"otlp": func(ctx context.Context) (sdkmetric.Reader, error) {
		if err := requireEndpoint("METRICS"); err != nil {
			return nil, err
		}
		return periodic(otlpmetricgrpc.New(ctx))
	},
	"prometheus": func(context.Context) (sdkmetric.Reader, error) {
		return NewPrometheusReader(promclient.DefaultRegisterer)
	},
	"none": func(context.Context) (sdkmetric.Reader, error) {
		return periodic(stdoutmetric.New(stdoutmetric.WithWriter(io.Discard)))
	},
}

// NewTracingExporter creates a span exporter: stdout, otlp, otlp-http or
// none. An empty name means none.
func NewTracingExporter(ctx context.Context, name string) (sdktrace.SpanExporter, error) {
	build, ok := spanBuilders[orNone(name)]
	if !ok {
		return nil, fmt.Errorf("unknown exporter: %q", name)
	}
	return build(ctx)
}

// NewMetricsReader creates a metric reader: stdout, otlp, prometheus or
// none. An empty name means none.
func NewMetricsReader(ctx context.Context, name string) (sdkmetric.Reader, error) {
	build, ok := readerBuilders[orNone(name)]
	if !ok {
		return nil, fmt.Errorf("unknown metrics exporter: %q", name)
	}
	return build(ctx)
}

// NewPrometheusReader creates a pull reader registered on reg, so the
// collected metrics appear on whatever handler serves reg.
func NewPrometheusReader(reg promclient.Registerer) (sdkmetric.Reader, error) {
	exp, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	return exp, nil
}

func periodic(exp sdkmetric.Exporter, err error) (sdkmetric.Reader, error) {
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exp), nil
}

// requireEndpoint fails unless the generic or signal specific OTLP endpoint
// variable is set.
func requireEndpoint(signal string) error {
	specific := "OTEL_EXPORTER_OTLP_" + signal + "_ENDPOINT"
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" || os.Getenv(specific) != "" {
		return nil
	}
	return fmt.Errorf("OTLP endpoint not configured: set OTEL_EXPORTER_OTLP_ENDPOINT or %s", specific)
}

func orNone(name string) string {
	if name == "" {
		return "none"
	}
	return name
}
