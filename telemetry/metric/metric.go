//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package metric provides metrics collection functionality for the trpc-graph-go framework.
// It integrates with OpenTelemetry to provide comprehensive metrics capabilities.
package metric

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric/histogram"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

// InitMeterProvider initializes the meter provider and default meters.
func InitMeterProvider(mp metric.MeterProvider) error {
	itelemetry.MeterProvider = mp

	itelemetry.ExecutorMeter = mp.Meter(metrics.MeterNameExecutor)
	var err error
	if itelemetry.ExecutorMetricGraphExecutionCnt, err = itelemetry.ExecutorMeter.Int64Counter(
		metrics.MetricTRPCGraphGoExecutionCnt,
		metric.WithDescription("Total number of graph runs"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create executor metric TRPCGraphGoExecutionCnt: %w", err)
	}
	if itelemetry.ExecutorMetricGraphExecutionDuration, err = histogram.NewDynamicFloat64Histogram(
		mp,
		metrics.MeterNameExecutor,
		metrics.MetricTRPCGraphGoExecutionDuration,
		metric.WithDescription("Duration of a graph run"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create executor metric TRPCGraphGoExecutionDuration: %w", err)
	}
	if itelemetry.ExecutorMetricStepCnt, err = itelemetry.ExecutorMeter.Int64Counter(
		metrics.MetricTRPCGraphGoStepCnt,
		metric.WithDescription("Total number of supersteps applied"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create executor metric TRPCGraphGoStepCnt: %w", err)
	}
	if itelemetry.ExecutorMetricNodeCnt, err = itelemetry.ExecutorMeter.Int64Counter(
		metrics.MetricTRPCGraphGoNodeCnt,
		metric.WithDescription("Total number of node tasks executed"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create executor metric TRPCGraphGoNodeCnt: %w", err)
	}
	if itelemetry.ExecutorMetricNodeDuration, err = histogram.NewDynamicFloat64Histogram(
		mp,
		metrics.MeterNameExecutor,
		metrics.MetricTRPCGraphGoNodeDuration,
		metric.WithDescription("Duration of a node task"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create executor metric TRPCGraphGoNodeDuration: %w", err)
	}
	if itelemetry.ExecutorMetricInterruptCnt, err = itelemetry.ExecutorMeter.Int64Counter(
		metrics.MetricTRPCGraphGoInterruptCnt,
		metric.WithDescription("Total number of runs paused on an interrupt"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create executor metric TRPCGraphGoInterruptCnt: %w", err)
	}

	if err := initCheckpointMetrics(mp); err != nil {
		return err
	}

	return nil
}

// GetMeterProvider returns the meter provider.
func GetMeterProvider() metric.MeterProvider {
	return itelemetry.MeterProvider
}

// SetHistogramBuckets updates bucket boundaries for a specific histogram metric.
// The metricName should be one of the defined metric names in the metrics package.
// Note: This creates a new histogram instrument; old data is not migrated.
func SetHistogramBuckets(meterName string, metricName string, boundaries []float64) error {
	switch meterName {
	case metrics.MeterNameExecutor:
		return setExecutorHistogramBuckets(metricName, boundaries)
	case metrics.MeterNameCheckpoint:
		return setCheckpointHistogramBuckets(metricName, boundaries)
	default:
		return fmt.Errorf("unknown or unsupported meter name: %s", meterName)
	}
}

func setExecutorHistogramBuckets(metricName string, boundaries []float64) error {
	switch metricName {
	case metrics.MetricTRPCGraphGoExecutionDuration:
		if itelemetry.ExecutorMetricGraphExecutionDuration == nil {
			return fmt.Errorf("executor metric %s not initialized", metricName)
		}
		return itelemetry.ExecutorMetricGraphExecutionDuration.SetBuckets(boundaries)
	case metrics.MetricTRPCGraphGoNodeDuration:
		if itelemetry.ExecutorMetricNodeDuration == nil {
			return fmt.Errorf("executor metric %s not initialized", metricName)
		}
		return itelemetry.ExecutorMetricNodeDuration.SetBuckets(boundaries)
	default:
		return fmt.Errorf("unknown or unsupported executor histogram metric: %s", metricName)
	}
}

func setCheckpointHistogramBuckets(metricName string, boundaries []float64) error {
	switch metricName {
	case metrics.MetricTRPCGraphGoCheckpointSaveDuration:
		if itelemetry.CheckpointMetricSaveDuration == nil {
			return fmt.Errorf("checkpoint metric %s not initialized", metricName)
		}
		return itelemetry.CheckpointMetricSaveDuration.SetBuckets(boundaries)
	default:
		return fmt.Errorf("unknown or unsupported checkpoint histogram metric: %s", metricName)
	}
}

func initCheckpointMetrics(mp metric.MeterProvider) error {
	if mp == nil {
		return fmt.Errorf("checkpoint meter provider is nil")
	}

	itelemetry.CheckpointMeter = mp.Meter(metrics.MeterNameCheckpoint)
	meterName := metrics.MeterNameCheckpoint
	var err error
	if itelemetry.CheckpointMetricSaveCnt, err = itelemetry.CheckpointMeter.Int64Counter(
		metrics.MetricTRPCGraphGoCheckpointSaveCnt,
		metric.WithDescription("Total number of checkpoint saves"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create %s metric %s: %w", meterName, metrics.MetricTRPCGraphGoCheckpointSaveCnt, err)
	}
	if itelemetry.CheckpointMetricSaveDuration, err = histogram.NewDynamicFloat64Histogram(
		mp,
		metrics.MeterNameCheckpoint,
		metrics.MetricTRPCGraphGoCheckpointSaveDuration,
		metric.WithDescription("Duration of a checkpoint save"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create %s metric %s: %w", meterName, metrics.MetricTRPCGraphGoCheckpointSaveDuration, err)
	}

	return nil
}

// NewMeterProvider creates a new meter provider with optional configuration.
// The environment variables described below can be used for Endpoint configuration.
// OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_METRICS_ENDPOINT (default: "https://localhost:4317")
// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc
func NewMeterProvider(ctx context.Context, opts ...Option) (*sdkmetric.MeterProvider, error) {
	// Set default options
	options := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		protocol:         itelemetry.ProtocolGRPC, // Default to gRPC
	}
	for _, opt := range opts {
		opt(options)
	}

	// Set endpoint based on protocol if not explicitly set
	if options.metricsEndpoint == "" {
		options.metricsEndpoint = metricsEndpoint(options.protocol)
	}

	res, err := buildResource(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var meterProvider *sdkmetric.MeterProvider
	switch options.protocol {
	case itelemetry.ProtocolHTTP:
		meterProvider, err = newHTTPMeterProvider(ctx, res, options.metricsEndpoint)
	default:
		meterProvider, err = newGRPCMeterProvider(ctx, res, options.metricsEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	return meterProvider, nil
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	// Return different default endpoints based on protocol
	switch protocol {
	case itelemetry.ProtocolHTTP:
		return "localhost:4318" // HTTP endpoint base URL (otlpmetrichttp will add /v1/metrics automatically)
	default:
		return "localhost:4317" // gRPC endpoint (host:port)
	}
}

// Initializes an OTLP HTTP exporter, and configures the corresponding meter provider.
func newHTTPMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdkmetric.MeterProvider, error) {
	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	return meterProvider, nil
}

// Initializes an OTLP gRPC exporter, and configures the corresponding meter provider.
func newGRPCMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdkmetric.MeterProvider, error) {
	metricsConn, err := itelemetry.NewGRPCConn(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics connection: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(metricsConn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	return meterProvider, nil
}

// Option is a function that configures meter options.
type Option func(*options)

// options holds the configuration options for meter.
type options struct {
	metricsEndpoint    string
	serviceName        string
	serviceVersion     string
	serviceNamespace   string
	protocol           string // Protocol to use (grpc or http)
	resourceAttributes *[]attribute.KeyValue
}

// WithEndpoint sets the metrics endpoint(host and port) the Exporter will connect to.
// The provided endpoint should resemble "example.com:4317" (no scheme or path).
// If the OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_METRICS_ENDPOINT environment variable is set,
// and this option is not passed, that variable value will be used.
// If both environment variables are set, OTEL_EXPORTER_OTLP_METRICS_ENDPOINT will take precedence.
// If an environment variable is set, and this option is passed, this option will take precedence.
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithProtocol sets the protocol to use for metrics export.
// Supported protocols are "grpc" (default) and "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(serviceName string) Option {
	return func(opts *options) {
		opts.serviceName = serviceName
	}
}

// WithServiceNamespace overrides the service.namespace resource attribute.
func WithServiceNamespace(serviceNamespace string) Option {
	return func(opts *options) {
		opts.serviceNamespace = serviceNamespace
	}
}

// WithServiceVersion overrides the service.version resource attribute.
func WithServiceVersion(serviceVersion string) Option {
	return func(opts *options) {
		opts.serviceVersion = serviceVersion
	}
}

// WithResourceAttributes appends custom resource attributes.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(opts *options) {
		if len(attrs) == 0 {
			return
		}
		if opts.resourceAttributes == nil {
			opts.resourceAttributes = &[]attribute.KeyValue{}
		}
		*opts.resourceAttributes = append(*opts.resourceAttributes, attrs...)
	}
}

func buildResource(ctx context.Context, options *options) (*resource.Resource, error) {
	// Build resource with options values
	resourceOpts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNamespace(options.serviceNamespace),
			semconv.ServiceName(options.serviceName),
			semconv.ServiceVersion(options.serviceVersion),
		),
		resource.WithFromEnv(),
		resource.WithHost(),         // Adds host.name
		resource.WithTelemetrySDK(), // Adds telemetry.sdk.{name,language,version}
	}

	// Append custom resource attributes
	if options.resourceAttributes != nil && len(*options.resourceAttributes) > 0 {
		resourceOpts = append(resourceOpts, resource.WithAttributes(*options.resourceAttributes...))
	}

	return resource.New(ctx, resourceOpts...)
}
