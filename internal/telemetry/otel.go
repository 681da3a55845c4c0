// Package telemetry mirrors collector samples to external metric systems
// and samples the load generator's own resource usage.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// Exporter names accepted by OTelConfig.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// OTelConfig configures the OpenTelemetry observer.
type OTelConfig struct {
	Exporter       string
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string

	// Interval between periodic exports (0 = SDK default)
	Interval time.Duration

	// Attributes are added to the resource
	Attributes map[string]string
}

// OTelObserver forwards collector samples to OpenTelemetry instruments.
type OTelObserver struct {
	provider *sdkmetric.MeterProvider

	duration  metric.Float64Histogram
	requests  metric.Int64Counter
	failures  metric.Int64Counter
	transport metric.Int64Counter
	checks    metric.Int64Counter
	vus       metric.Int64Gauge
	cpu       metric.Float64Gauge
	mem       metric.Float64Gauge
}

// NewOTelObserver builds a meter provider that exports through cfg.Exporter.
func NewOTelObserver(ctx context.Context, cfg OTelConfig) (*OTelObserver, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "reviewload"
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	return newOTelObserver(mp, cfg.ServiceName)
}

func newOTelObserver(mp *sdkmetric.MeterProvider, scope string) (*OTelObserver, error) {
	meter := mp.Meter(scope)
	o := &OTelObserver{provider: mp}

	var err error
	if o.duration, err = meter.Float64Histogram(
		"reviewload.http.request.duration",
		metric.WithDescription("Latency of requests that received a response"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if o.requests, err = meter.Int64Counter(
		"reviewload.http.requests",
		metric.WithDescription("Requests sent to the target"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if o.failures, err = meter.Int64Counter(
		"reviewload.http.request.failures",
		metric.WithDescription("Requests that failed their check or got no response"),
	); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	if o.transport, err = meter.Int64Counter(
		"reviewload.transport.errors",
		metric.WithDescription("Requests that never received a response"),
	); err != nil {
		return nil, fmt.Errorf("failed to create transport error counter: %w", err)
	}
	if o.checks, err = meter.Int64Counter(
		"reviewload.checks.failed",
		metric.WithDescription("Failed checks by name"),
	); err != nil {
		return nil, fmt.Errorf("failed to create check counter: %w", err)
	}
	if o.vus, err = meter.Int64Gauge(
		"reviewload.vus",
		metric.WithDescription("Active virtual users"),
	); err != nil {
		return nil, fmt.Errorf("failed to create vus gauge: %w", err)
	}
	if o.cpu, err = meter.Float64Gauge(
		"reviewload.generator.cpu",
		metric.WithDescription("Load generator CPU usage"),
		metric.WithUnit("%"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cpu gauge: %w", err)
	}
	if o.mem, err = meter.Float64Gauge(
		"reviewload.generator.memory",
		metric.WithDescription("Load generator memory usage"),
		metric.WithUnit("%"),
	); err != nil {
		return nil, fmt.Errorf("failed to create memory gauge: %w", err)
	}
	return o, nil
}

// Observe implements metrics.Observer.
func (o *OTelObserver) Observe(name string, _ metrics.Type, s metrics.Sample) {
	ctx := context.Background()
	attrs := metric.WithAttributes(tagAttributes(s.Tags)...)

	switch name {
	case metrics.HTTPReqDuration:
		o.duration.Record(ctx, s.Value, attrs)
	case metrics.HTTPReqs:
		o.requests.Add(ctx, int64(s.Value), attrs)
	case metrics.HTTPReqFailed:
		if s.Value != 0 {
			o.failures.Add(ctx, 1, attrs)
		}
	case metrics.TransportErrors:
		o.transport.Add(ctx, int64(s.Value))
	case metrics.Checks:
		if s.Value == 0 {
			o.checks.Add(ctx, 1, attrs)
		}
	case metrics.VUs:
		o.vus.Record(ctx, int64(s.Value))
	case metrics.GeneratorCPU:
		o.cpu.Record(ctx, s.Value)
	case metrics.GeneratorMemory:
		o.mem.Record(ctx, s.Value)
	}
}

// Shutdown flushes pending data points and stops the exporter.
func (o *OTelObserver) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}

func tagAttributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func createExporter(ctx context.Context, cfg OTelConfig) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %q", cfg.Exporter)
	}
}

func createResource(cfg OTelConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}
