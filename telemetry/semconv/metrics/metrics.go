//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package metrics defines metric name constants following OpenTelemetry semantic conventions.
package metrics

const (
	// KeyMetricName represents the name of the metric.
	KeyMetricName = "metric.name"

	/////////////// executor ////////////////////////

	// MetricTRPCGraphGoExecutionCnt represents the number of graph runs started.
	MetricTRPCGraphGoExecutionCnt = "trpc_graph_go.executor.execution_cnt"
	// MetricTRPCGraphGoExecutionDuration represents the wall time of a graph run.
	MetricTRPCGraphGoExecutionDuration = "trpc_graph_go.executor.execution.duration"
	// MetricTRPCGraphGoStepCnt represents the number of supersteps applied.
	MetricTRPCGraphGoStepCnt = "trpc_graph_go.executor.step_cnt"
	// MetricTRPCGraphGoNodeCnt represents the number of node tasks executed.
	MetricTRPCGraphGoNodeCnt = "trpc_graph_go.executor.node_cnt"
	// MetricTRPCGraphGoNodeDuration represents the wall time of a node task.
	MetricTRPCGraphGoNodeDuration = "trpc_graph_go.executor.node.duration"
	// MetricTRPCGraphGoInterruptCnt represents the number of runs paused on an interrupt.
	MetricTRPCGraphGoInterruptCnt = "trpc_graph_go.executor.interrupt_cnt"

	/////////////// checkpoint ////////////////////////

	// MetricTRPCGraphGoCheckpointSaveCnt represents the number of checkpoint saves.
	MetricTRPCGraphGoCheckpointSaveCnt = "trpc_graph_go.checkpoint.save_cnt"
	// MetricTRPCGraphGoCheckpointSaveDuration represents the wall time of a checkpoint save.
	MetricTRPCGraphGoCheckpointSaveDuration = "trpc_graph_go.checkpoint.save.duration"

	////////////////////////// meters ////////////////////////

	// MeterNameExecutor is the meter name for graph execution operations.
	MeterNameExecutor = "trpc_graph_go.internal.executor"
	// MeterNameCheckpoint is the meter name for checkpoint operations.
	MeterNameCheckpoint = "trpc_graph_go.internal.checkpoint"
)
