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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric/histogram"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

var (
	// MeterProvider is the provider behind all engine meters. It defaults to
	// a noop provider until InitMeterProvider installs a real one.
	MeterProvider metric.MeterProvider = noop.NewMeterProvider()

	// ExecutorMeter is the meter used for recording graph execution metrics.
	ExecutorMeter metric.Meter = MeterProvider.Meter(metrics.MeterNameExecutor)

	// ExecutorMetricGraphExecutionCnt records the number of graph runs started.
	ExecutorMetricGraphExecutionCnt metric.Int64Counter
	// ExecutorMetricGraphExecutionDuration records the distribution of graph run durations in seconds.
	ExecutorMetricGraphExecutionDuration *histogram.DynamicFloat64Histogram
	// ExecutorMetricStepCnt records the number of supersteps applied.
	ExecutorMetricStepCnt metric.Int64Counter
	// ExecutorMetricNodeCnt records the number of node tasks executed.
	ExecutorMetricNodeCnt metric.Int64Counter
	// ExecutorMetricNodeDuration records the distribution of node task durations in seconds.
	ExecutorMetricNodeDuration *histogram.DynamicFloat64Histogram
	// ExecutorMetricInterruptCnt records the number of runs paused on an interrupt.
	ExecutorMetricInterruptCnt metric.Int64Counter

	// CheckpointMeter is the meter used for recording checkpoint metrics.
	CheckpointMeter metric.Meter = MeterProvider.Meter(metrics.MeterNameCheckpoint)

	// CheckpointMetricSaveCnt records the number of checkpoint saves.
	CheckpointMetricSaveCnt metric.Int64Counter
	// CheckpointMetricSaveDuration records the distribution of checkpoint save durations in seconds.
	CheckpointMetricSaveDuration *histogram.DynamicFloat64Histogram
)

// GraphExecutionAttributes is the attributes for graph execution metrics.
type GraphExecutionAttributes struct {
	Interrupted bool
	Resumed     bool
	Error       error
	ErrorType   string
}

func (a GraphExecutionAttributes) toAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(KeyGraphOperationName, OperationExecuteGraph),
		attribute.Bool(KeyGraphInterrupted, a.Interrupted),
	}
	if a.Resumed {
		attrs = append(attrs, attribute.Bool(KeyGraphResumed, true))
	}
	if a.ErrorType != "" {
		attrs = append(attrs, attribute.String(KeyErrorType, a.ErrorType))
	} else if a.Error != nil {
		attrs = append(attrs, attribute.String(KeyErrorType, ToErrorType(a.Error, ValueDefaultErrorType)))
	}
	return attrs
}

// ReportGraphExecutionMetrics reports the metrics for one graph run.
func ReportGraphExecutionMetrics(ctx context.Context, attrs GraphExecutionAttributes, duration time.Duration, steps int) {
	as := attrs.toAttributes()
	if ExecutorMetricGraphExecutionCnt != nil {
		ExecutorMetricGraphExecutionCnt.Add(ctx, 1, metric.WithAttributes(as...))
	}
	if ExecutorMetricGraphExecutionDuration != nil {
		ExecutorMetricGraphExecutionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(as...))
	}
	if ExecutorMetricStepCnt != nil && steps > 0 {
		ExecutorMetricStepCnt.Add(ctx, int64(steps), metric.WithAttributes(as...))
	}
	if ExecutorMetricInterruptCnt != nil && attrs.Interrupted {
		ExecutorMetricInterruptCnt.Add(ctx, 1, metric.WithAttributes(as...))
	}
}

// NodeExecutionAttributes is the attributes for node task metrics.
type NodeExecutionAttributes struct {
	NodeID    string
	NodeType  string
	Error     error
	ErrorType string
}

func (a NodeExecutionAttributes) toAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(KeyGraphOperationName, OperationExecuteNode),
		attribute.String(KeyGraphNodeID, a.NodeID),
	}
	if a.NodeType != "" {
		attrs = append(attrs, attribute.String(KeyGraphNodeType, a.NodeType))
	}
	if a.ErrorType != "" {
		attrs = append(attrs, attribute.String(KeyErrorType, a.ErrorType))
	} else if a.Error != nil {
		attrs = append(attrs, attribute.String(KeyErrorType, ToErrorType(a.Error, ValueDefaultErrorType)))
	}
	return attrs
}

// ReportNodeExecutionMetrics reports the metrics for one node task.
func ReportNodeExecutionMetrics(ctx context.Context, attrs NodeExecutionAttributes, duration time.Duration) {
	as := attrs.toAttributes()
	if ExecutorMetricNodeCnt != nil {
		ExecutorMetricNodeCnt.Add(ctx, 1, metric.WithAttributes(as...))
	}
	if ExecutorMetricNodeDuration != nil {
		ExecutorMetricNodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(as...))
	}
}

// CheckpointSaveAttributes is the attributes for checkpoint save metrics.
type CheckpointSaveAttributes struct {
	Source    string
	Error     error
	ErrorType string
}

func (a CheckpointSaveAttributes) toAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(KeyGraphOperationName, OperationSaveCheckpoint),
	}
	if a.Source != "" {
		attrs = append(attrs, attribute.String(KeyCheckpointSource, a.Source))
	}
	if a.ErrorType != "" {
		attrs = append(attrs, attribute.String(KeyErrorType, a.ErrorType))
	} else if a.Error != nil {
		attrs = append(attrs, attribute.String(KeyErrorType, ToErrorType(a.Error, ValueDefaultErrorType)))
	}
	return attrs
}

// ReportCheckpointSaveMetrics reports the metrics for one checkpoint save.
func ReportCheckpointSaveMetrics(ctx context.Context, attrs CheckpointSaveAttributes, duration time.Duration) {
	as := attrs.toAttributes()
	if CheckpointMetricSaveCnt != nil {
		CheckpointMetricSaveCnt.Add(ctx, 1, metric.WithAttributes(as...))
	}
	if CheckpointMetricSaveDuration != nil {
		CheckpointMetricSaveDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(as...))
	}
}
