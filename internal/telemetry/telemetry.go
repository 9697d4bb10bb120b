//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry provides telemetry and observability functionality for the trpc-graph-go framework.
// It includes tracing, metrics, and monitoring capabilities for graph execution.
package telemetry

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	semconvtrace "trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/trace"
)

// grpcDial is a package-level variable to allow test injection of a custom dialer.
// In production, this points to grpc.Dial.
var grpcDial = grpc.Dial

// telemetry service constants.
const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-graph"
	InstrumentName   = "trpc.graph.go"

	OperationExecuteGraph   = "execute_graph"
	OperationExecuteNode    = "execute_node"
	OperationSaveCheckpoint = "save_checkpoint"
)

// NewExecuteGraphSpanName creates a span name for a graph run.
func NewExecuteGraphSpanName(invocationID string) string {
	if invocationID == "" {
		return OperationExecuteGraph
	}
	return fmt.Sprintf("%s %s", OperationExecuteGraph, invocationID)
}

// NewExecuteNodeSpanName creates a span name for a node task.
func NewExecuteNodeSpanName(nodeID string) string {
	if nodeID == "" {
		return OperationExecuteNode
	}
	return fmt.Sprintf("%s %s", OperationExecuteNode, nodeID)
}

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Telemetry attribute keys aliases from semconv package.
var (
	ResourceServiceNamespace = semconvtrace.ResourceServiceNamespace
	ResourceServiceName      = semconvtrace.ResourceServiceName
	ResourceServiceVersion   = semconvtrace.ResourceServiceVersion

	KeyEventID      = semconvtrace.KeyEventID
	KeyInvocationID = semconvtrace.KeyInvocationID

	KeyGraphThreadID     = semconvtrace.KeyGraphThreadID
	KeyGraphNamespace    = semconvtrace.KeyGraphNamespace
	KeyGraphCheckpointID = semconvtrace.KeyGraphCheckpointID
	KeyGraphRunName      = semconvtrace.KeyGraphRunName
	KeyGraphStepCount    = semconvtrace.KeyGraphStepCount
	KeyGraphResumed      = semconvtrace.KeyGraphResumed
	KeyGraphInterrupted  = semconvtrace.KeyGraphInterrupted
	KeyGraphInterruptKey = semconvtrace.KeyGraphInterruptKey

	KeyGraphNodeID    = semconvtrace.KeyGraphNodeID
	KeyGraphNodeType  = semconvtrace.KeyGraphNodeType
	KeyGraphTaskID    = semconvtrace.KeyGraphTaskID
	KeyGraphStep      = semconvtrace.KeyGraphStep
	KeyGraphWriteKeys = semconvtrace.KeyGraphWriteKeys

	KeyCheckpointSource = semconvtrace.KeyCheckpointSource

	KeyGraphOperationName = semconvtrace.KeyGraphOperationName

	KeyErrorType          = semconvtrace.KeyErrorType
	KeyErrorMessage       = semconvtrace.KeyErrorMessage
	ValueDefaultErrorType = semconvtrace.ValueDefaultErrorType

	SystemTRPCGoGraph = semconvtrace.SystemTRPCGoGraph
)

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// It connects the OpenTelemetry Collector through gRPC connection.
	// You can customize the endpoint using SetConfig() or environment variables.
	conn, err := grpcDial(endpoint,
		// Note the use of insecure transport here. TLS is recommended in production.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	return conn, err
}
