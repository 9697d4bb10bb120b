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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceExecuteGraph records the identity of a graph run on its span.
func TraceExecuteGraph(span trace.Span, invocationID, threadID, namespace string, resumed bool) {
	span.SetAttributes(
		attribute.String(KeyGraphOperationName, OperationExecuteGraph),
		attribute.String(KeyInvocationID, invocationID),
	)
	if threadID != "" {
		span.SetAttributes(attribute.String(KeyGraphThreadID, threadID))
	}
	if namespace != "" {
		span.SetAttributes(attribute.String(KeyGraphNamespace, namespace))
	}
	if resumed {
		span.SetAttributes(attribute.Bool(KeyGraphResumed, true))
	}
}

// TraceRunName labels the run span with the caller-provided run name.
func TraceRunName(span trace.Span, name string) {
	if name == "" {
		return
	}
	span.SetAttributes(attribute.String(KeyGraphRunName, name))
}

// TraceExecuteGraphEnd records the outcome of a graph run on its span. A run
// paused on an interrupt is not an error.
func TraceExecuteGraphEnd(span trace.Span, steps int, interrupted bool, err error) {
	span.SetAttributes(attribute.Int(KeyGraphStepCount, steps))
	if interrupted {
		span.SetAttributes(attribute.Bool(KeyGraphInterrupted, true))
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(KeyErrorType, ToErrorType(err, ValueDefaultErrorType)),
			attribute.String(KeyErrorMessage, err.Error()),
		)
	}
}

// TraceExecuteNode records the attributes and outcome of one node task on its
// span.
func TraceExecuteNode(span trace.Span, nodeID, nodeType, taskID string, step int, writeKeys []string, err error) {
	span.SetAttributes(
		attribute.String(KeyGraphOperationName, OperationExecuteNode),
		attribute.String(KeyGraphNodeID, nodeID),
		attribute.String(KeyGraphNodeType, nodeType),
		attribute.String(KeyGraphTaskID, taskID),
		attribute.Int(KeyGraphStep, step),
	)
	if len(writeKeys) > 0 {
		span.SetAttributes(attribute.StringSlice(KeyGraphWriteKeys, writeKeys))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(KeyErrorType, ToErrorType(err, ValueDefaultErrorType)),
			attribute.String(KeyErrorMessage, err.Error()),
		)
	}
}

// TraceNodeInterrupt marks a node span as paused on an interrupt.
func TraceNodeInterrupt(span trace.Span, interruptKey string) {
	span.SetAttributes(attribute.Bool(KeyGraphInterrupted, true))
	if interruptKey != "" {
		span.SetAttributes(attribute.String(KeyGraphInterruptKey, interruptKey))
	}
}
