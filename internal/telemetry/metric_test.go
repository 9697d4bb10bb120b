//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric/histogram"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

func TestGraphExecutionAttributes_toAttributes(t *testing.T) {
	tests := []struct {
		name     string
		attrs    GraphExecutionAttributes
		expected []attribute.KeyValue
	}{
		{
			name: "all fields populated",
			attrs: GraphExecutionAttributes{
				Interrupted: true,
				Resumed:     true,
				ErrorType:   "step_limit",
				Error:       errors.New("test error"),
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteGraph),
				attribute.Bool(KeyGraphInterrupted, true),
				attribute.Bool(KeyGraphResumed, true),
				attribute.String(KeyErrorType, "step_limit"),
			},
		},
		{
			name:  "minimal fields",
			attrs: GraphExecutionAttributes{},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteGraph),
				attribute.Bool(KeyGraphInterrupted, false),
			},
		},
		{
			name: "error without error type",
			attrs: GraphExecutionAttributes{
				Error: errors.New("some error"),
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteGraph),
				attribute.Bool(KeyGraphInterrupted, false),
				attribute.String(KeyErrorType, "execution_error"),
			},
		},
		{
			name: "cancelled error",
			attrs: GraphExecutionAttributes{
				Error: context.Canceled,
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteGraph),
				attribute.Bool(KeyGraphInterrupted, false),
				attribute.String(KeyErrorType, "cancelled_error"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.attrs.toAttributes()
			if len(result) != len(tt.expected) {
				t.Errorf("expected %d attributes, got %d", len(tt.expected), len(result))
				return
			}
			for i, attr := range result {
				if attr != tt.expected[i] {
					t.Errorf("attribute %d: expected %v, got %v", i, tt.expected[i], attr)
				}
			}
		})
	}
}

func TestNodeExecutionAttributes_toAttributes(t *testing.T) {
	tests := []struct {
		name     string
		attrs    NodeExecutionAttributes
		expected []attribute.KeyValue
	}{
		{
			name: "all fields populated",
			attrs: NodeExecutionAttributes{
				NodeID:    "worker",
				NodeType:  "function",
				ErrorType: "timeout",
				Error:     errors.New("test error"),
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteNode),
				attribute.String(KeyGraphNodeID, "worker"),
				attribute.String(KeyGraphNodeType, "function"),
				attribute.String(KeyErrorType, "timeout"),
			},
		},
		{
			name: "minimal fields",
			attrs: NodeExecutionAttributes{
				NodeID: "start",
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteNode),
				attribute.String(KeyGraphNodeID, "start"),
			},
		},
		{
			name: "error without error type",
			attrs: NodeExecutionAttributes{
				NodeID: "reduce",
				Error:  errors.New("some error"),
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationExecuteNode),
				attribute.String(KeyGraphNodeID, "reduce"),
				attribute.String(KeyErrorType, "execution_error"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.attrs.toAttributes()
			if len(result) != len(tt.expected) {
				t.Errorf("expected %d attributes, got %d", len(tt.expected), len(result))
				return
			}
			for i, attr := range result {
				if attr != tt.expected[i] {
					t.Errorf("attribute %d: expected %v, got %v", i, tt.expected[i], attr)
				}
			}
		})
	}
}

func TestCheckpointSaveAttributes_toAttributes(t *testing.T) {
	tests := []struct {
		name     string
		attrs    CheckpointSaveAttributes
		expected []attribute.KeyValue
	}{
		{
			name: "all fields populated",
			attrs: CheckpointSaveAttributes{
				Source:    "loop",
				ErrorType: "timeout",
				Error:     errors.New("test error"),
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationSaveCheckpoint),
				attribute.String(KeyCheckpointSource, "loop"),
				attribute.String(KeyErrorType, "timeout"),
			},
		},
		{
			name:  "minimal fields",
			attrs: CheckpointSaveAttributes{},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationSaveCheckpoint),
			},
		},
		{
			name: "error without error type",
			attrs: CheckpointSaveAttributes{
				Source: "input",
				Error:  errors.New("some error"),
			},
			expected: []attribute.KeyValue{
				attribute.String(KeyGraphOperationName, OperationSaveCheckpoint),
				attribute.String(KeyCheckpointSource, "input"),
				attribute.String(KeyErrorType, "execution_error"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.attrs.toAttributes()
			if len(result) != len(tt.expected) {
				t.Errorf("expected %d attributes, got %d", len(tt.expected), len(result))
				return
			}
			for i, attr := range result {
				if attr != tt.expected[i] {
					t.Errorf("attribute %d: expected %v, got %v", i, tt.expected[i], attr)
				}
			}
		})
	}
}

func TestReportGraphExecutionMetrics(t *testing.T) {
	// Setup metric provider
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	// Save original and restore after test
	originalProvider := MeterProvider
	defer func() {
		MeterProvider = originalProvider
		ExecutorMeter = MeterProvider.Meter(metrics.MeterNameExecutor)
	}()

	MeterProvider = provider
	ExecutorMeter = provider.Meter(metrics.MeterNameExecutor)

	var err error
	ExecutorMetricGraphExecutionCnt, err = ExecutorMeter.Int64Counter(metrics.MetricTRPCGraphGoExecutionCnt)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	ExecutorMetricGraphExecutionDuration, err = histogram.NewDynamicFloat64Histogram(
		provider,
		metrics.MeterNameExecutor,
		metrics.MetricTRPCGraphGoExecutionDuration,
		metric.WithDescription("Duration of a graph run"), metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("failed to create histogram: %v", err)
	}
	ExecutorMetricStepCnt, err = ExecutorMeter.Int64Counter(metrics.MetricTRPCGraphGoStepCnt)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	ExecutorMetricInterruptCnt, err = ExecutorMeter.Int64Counter(metrics.MetricTRPCGraphGoInterruptCnt)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}

	ctx := context.Background()
	attrs := GraphExecutionAttributes{
		Interrupted: true,
		Resumed:     true,
	}
	duration := 100 * time.Millisecond

	ReportGraphExecutionMetrics(ctx, attrs, duration, 3)

	// Collect metrics
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	if len(rm.ScopeMetrics) == 0 {
		t.Error("expected metrics to be recorded")
	}
}

func TestReportNodeExecutionMetrics(t *testing.T) {
	// Setup metric provider
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := MeterProvider
	defer func() {
		MeterProvider = originalProvider
		ExecutorMeter = MeterProvider.Meter(metrics.MeterNameExecutor)
	}()

	MeterProvider = provider
	ExecutorMeter = provider.Meter(metrics.MeterNameExecutor)

	var err error
	ExecutorMetricNodeCnt, err = ExecutorMeter.Int64Counter(metrics.MetricTRPCGraphGoNodeCnt)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	ExecutorMetricNodeDuration, err = histogram.NewDynamicFloat64Histogram(
		provider,
		metrics.MeterNameExecutor,
		metrics.MetricTRPCGraphGoNodeDuration,
		metric.WithDescription("Duration of a node task"), metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("failed to create histogram: %v", err)
	}

	ctx := context.Background()
	attrs := NodeExecutionAttributes{
		NodeID:   "worker",
		NodeType: "function",
	}
	duration := 50 * time.Millisecond

	ReportNodeExecutionMetrics(ctx, attrs, duration)

	// Collect metrics
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	if len(rm.ScopeMetrics) == 0 {
		t.Error("expected metrics to be recorded")
	}
}

func TestReportCheckpointSaveMetrics(t *testing.T) {
	// Setup metric provider
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := MeterProvider
	defer func() {
		MeterProvider = originalProvider
		CheckpointMeter = MeterProvider.Meter(metrics.MeterNameCheckpoint)
	}()

	MeterProvider = provider
	CheckpointMeter = provider.Meter(metrics.MeterNameCheckpoint)

	var err error
	CheckpointMetricSaveCnt, err = CheckpointMeter.Int64Counter(metrics.MetricTRPCGraphGoCheckpointSaveCnt)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	CheckpointMetricSaveDuration, err = histogram.NewDynamicFloat64Histogram(
		provider,
		metrics.MeterNameCheckpoint,
		metrics.MetricTRPCGraphGoCheckpointSaveDuration,
		metric.WithDescription("Duration of a checkpoint save"), metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("failed to create histogram: %v", err)
	}

	ctx := context.Background()
	attrs := CheckpointSaveAttributes{
		Source: "loop",
	}
	duration := 10 * time.Millisecond

	ReportCheckpointSaveMetrics(ctx, attrs, duration)

	// Collect metrics
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	if len(rm.ScopeMetrics) == 0 {
		t.Error("expected metrics to be recorded")
	}
}

func TestReportGraphExecutionMetrics_Uninitialized(t *testing.T) {
	origCnt := ExecutorMetricGraphExecutionCnt
	origDur := ExecutorMetricGraphExecutionDuration
	origStep := ExecutorMetricStepCnt
	origInt := ExecutorMetricInterruptCnt
	t.Cleanup(func() {
		ExecutorMetricGraphExecutionCnt = origCnt
		ExecutorMetricGraphExecutionDuration = origDur
		ExecutorMetricStepCnt = origStep
		ExecutorMetricInterruptCnt = origInt
	})

	ExecutorMetricGraphExecutionCnt = nil
	ExecutorMetricGraphExecutionDuration = nil
	ExecutorMetricStepCnt = nil
	ExecutorMetricInterruptCnt = nil

	// Reporting with uninitialized instruments must be a no-op.
	ReportGraphExecutionMetrics(context.Background(), GraphExecutionAttributes{Interrupted: true}, time.Second, 1)
}
