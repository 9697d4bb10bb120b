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

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// recordingSpan captures attributes and status for assertions.
type recordingSpan struct {
	trace.Span
	attrs  []attribute.KeyValue
	status codes.Code
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.attrs = append(s.attrs, kv...)
	s.Span.SetAttributes(kv...)
}
func (s *recordingSpan) SetStatus(c codes.Code, msg string) { s.status = c; s.Span.SetStatus(c, msg) }
func newRecordingSpan() *recordingSpan {
	_, sp := trace.NewNoopTracerProvider().Tracer("test").Start(context.Background(), "op")
	return &recordingSpan{Span: sp}
}

func hasAttr(attrs []attribute.KeyValue, key string, want any) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			switch v := kv.Value.AsInterface().(type) {
			case []string:
				if w, ok := want.([]string); ok {
					if len(v) != len(w) {
						return false
					}
					for i := range v {
						if v[i] != w[i] {
							return false
						}
					}
					return true
				}
			default:
				return v == want
			}
		}
	}
	return false
}

func TestTraceExecuteGraph(t *testing.T) {
	s := newRecordingSpan()
	TraceExecuteGraph(s, "inv-1", "thread-1", "fork-a", true)

	require.True(t, hasAttr(s.attrs, KeyGraphOperationName, OperationExecuteGraph))
	require.True(t, hasAttr(s.attrs, KeyInvocationID, "inv-1"))
	require.True(t, hasAttr(s.attrs, KeyGraphThreadID, "thread-1"))
	require.True(t, hasAttr(s.attrs, KeyGraphNamespace, "fork-a"))
	require.True(t, hasAttr(s.attrs, KeyGraphResumed, true))
}

func TestTraceExecuteGraph_EmptyOptionalFields(t *testing.T) {
	s := newRecordingSpan()
	TraceExecuteGraph(s, "inv-2", "", "", false)

	require.True(t, hasAttr(s.attrs, KeyInvocationID, "inv-2"))
	for _, kv := range s.attrs {
		require.NotEqual(t, KeyGraphThreadID, string(kv.Key))
		require.NotEqual(t, KeyGraphNamespace, string(kv.Key))
		require.NotEqual(t, KeyGraphResumed, string(kv.Key))
	}
}

func TestTraceExecuteGraphEnd(t *testing.T) {
	// Clean finish records the step count without error status.
	s := newRecordingSpan()
	TraceExecuteGraphEnd(s, 4, false, nil)
	require.True(t, hasAttr(s.attrs, KeyGraphStepCount, int64(4)))
	require.Equal(t, codes.Unset, s.status)

	// A paused run is not an error.
	s2 := newRecordingSpan()
	TraceExecuteGraphEnd(s2, 2, true, errors.New("interrupt"))
	require.True(t, hasAttr(s2.attrs, KeyGraphInterrupted, true))
	require.Equal(t, codes.Unset, s2.status)

	// A failed run records error status and type.
	s3 := newRecordingSpan()
	TraceExecuteGraphEnd(s3, 1, false, errors.New("boom"))
	require.Equal(t, codes.Error, s3.status)
	require.True(t, hasAttr(s3.attrs, KeyErrorType, "execution_error"))
	require.True(t, hasAttr(s3.attrs, KeyErrorMessage, "boom"))
}

func TestTraceExecuteNode(t *testing.T) {
	s := newRecordingSpan()
	TraceExecuteNode(s, "worker", "function", "task-1", 3, []string{"counter", "log"}, nil)

	require.True(t, hasAttr(s.attrs, KeyGraphOperationName, OperationExecuteNode))
	require.True(t, hasAttr(s.attrs, KeyGraphNodeID, "worker"))
	require.True(t, hasAttr(s.attrs, KeyGraphNodeType, "function"))
	require.True(t, hasAttr(s.attrs, KeyGraphTaskID, "task-1"))
	require.True(t, hasAttr(s.attrs, KeyGraphStep, int64(3)))
	require.True(t, hasAttr(s.attrs, KeyGraphWriteKeys, []string{"counter", "log"}))
	require.Equal(t, codes.Unset, s.status)

	s2 := newRecordingSpan()
	TraceExecuteNode(s2, "worker", "function", "task-2", 4, nil, errors.New("node failed"))
	require.Equal(t, codes.Error, s2.status)
	require.True(t, hasAttr(s2.attrs, KeyErrorType, "execution_error"))
	require.True(t, hasAttr(s2.attrs, KeyErrorMessage, "node failed"))
}

func TestTraceNodeInterrupt(t *testing.T) {
	s := newRecordingSpan()
	TraceNodeInterrupt(s, "approval")
	require.True(t, hasAttr(s.attrs, KeyGraphInterrupted, true))
	require.True(t, hasAttr(s.attrs, KeyGraphInterruptKey, "approval"))

	s2 := newRecordingSpan()
	TraceNodeInterrupt(s2, "")
	require.True(t, hasAttr(s2.attrs, KeyGraphInterrupted, true))
	for _, kv := range s2.attrs {
		require.NotEqual(t, KeyGraphInterruptKey, string(kv.Key))
	}
}

func TestNewExecuteGraphSpanName(t *testing.T) {
	tests := []struct {
		name         string
		invocationID string
		want         string
	}{
		{
			name:         "with invocation id",
			invocationID: "inv-42",
			want:         "execute_graph inv-42",
		},
		{
			name:         "empty invocation id",
			invocationID: "",
			want:         "execute_graph",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewExecuteGraphSpanName(tt.invocationID)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNewExecuteNodeSpanName(t *testing.T) {
	tests := []struct {
		name   string
		nodeID string
		want   string
	}{
		{
			name:   "with node id",
			nodeID: "reduce",
			want:   "execute_node reduce",
		},
		{
			name:   "empty node id",
			nodeID: "",
			want:   "execute_node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewExecuteNodeSpanName(tt.nodeID)
			require.Equal(t, tt.want, got)
		})
	}
}

// Cover error branch of NewGRPCConn using injected dialer.
func TestNewGRPCConn_ErrorBranch_WithInjectedDialer(t *testing.T) {
	orig := grpcDial
	t.Cleanup(func() { grpcDial = orig })
	grpcDial = func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		return nil, errors.New("dial error")
	}
	if _, err := NewGRPCConn("ignored"); err == nil {
		t.Fatalf("expected error from injected dialer")
	}
}

// TestNewGRPCConn_InvalidEndpoint ensures an error is returned for an
// unparsable address.
func TestNewGRPCConn_InvalidEndpoint(t *testing.T) {
	// gRPC dials lazily, so even malformed targets may not error immediately.
	conn, err := NewGRPCConn("invalid:endpoint")
	if err != nil {
		t.Fatalf("did not expect error, got %v", err)
	}
	if conn == nil {
		t.Fatalf("expected non-nil connection")
	}
	_ = conn.Close()
}
