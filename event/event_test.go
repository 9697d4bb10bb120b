//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	const (
		invocationID = "invocation-123"
		author       = "tester"
	)

	evt := New(invocationID, author)
	require.NotNil(t, evt)
	require.Equal(t, invocationID, evt.InvocationID)
	require.Equal(t, author, evt.Author)
	require.NotEmpty(t, evt.ID)
	require.WithinDuration(t, time.Now(), evt.Timestamp, 2*time.Second)
}

func TestNewEventWithOptions(t *testing.T) {
	delta := map[string][]byte{"k": []byte(`"v"`)}
	evt := New("inv", "author",
		WithObject("graph.execution"),
		WithBranch("parent/child"),
		WithDone(true),
		WithContent("hello"),
		WithStateDelta(delta),
		WithStructuredOutputPayload(42),
	)
	require.Equal(t, "graph.execution", evt.Object)
	require.Equal(t, "parent/child", evt.Branch)
	require.True(t, evt.Done)
	require.Equal(t, "hello", evt.Content)
	require.Equal(t, delta, evt.StateDelta)
	require.Equal(t, 42, evt.StructuredOutput)
}

func TestNewErrorEvent(t *testing.T) {
	const (
		invocationID = "invocation-err"
		author       = "tester"
		errMsg       = "something went wrong"
	)

	evt := NewErrorEvent(invocationID, author, ErrorTypeExecution, errMsg)
	require.NotNil(t, evt.Error)
	require.Equal(t, ObjectTypeError, evt.Object)
	require.Equal(t, ErrorTypeExecution, evt.Error.Type)
	require.Equal(t, errMsg, evt.Error.Message)
	require.True(t, evt.Done)
}

func TestEventClone(t *testing.T) {
	var nilEvt *Event
	require.Nil(t, nilEvt.Clone())

	orig := New("inv", "author",
		WithObject("graph.node"),
		WithStateDelta(map[string][]byte{"key": []byte(`"value"`)}),
	)
	orig.Error = &Error{Type: ErrorTypeExecution, Message: "boom"}

	clone := orig.Clone()
	require.Equal(t, orig.ID, clone.ID)
	require.Equal(t, orig.Object, clone.Object)
	require.Equal(t, orig.Error, clone.Error)
	require.Equal(t, orig.StateDelta, clone.StateDelta)

	// Mutating the clone must not affect the original.
	clone.Error.Message = "changed"
	clone.StateDelta["key"][0] = 'X'
	require.Equal(t, "boom", orig.Error.Message)
	require.Equal(t, byte('"'), orig.StateDelta["key"][0])
}

func TestEmitEventWithTimeout(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		ch      chan *Event
		e       *Event
		timeout time.Duration
		wantErr bool
		errType error
	}{
		{
			name:    "nil event",
			ctx:     context.Background(),
			ch:      make(chan *Event),
			e:       nil,
			timeout: EmitWithoutTimeout,
		},
		{
			name:    "emit without timeout success",
			ctx:     context.Background(),
			ch:      make(chan *Event, 1),
			e:       New("invocationID", "author"),
			timeout: EmitWithoutTimeout,
		},
		{
			name:    "emit with timeout success",
			ctx:     context.Background(),
			ch:      make(chan *Event, 1),
			e:       New("invocationID", "author"),
			timeout: time.Second,
		},
		{
			name:    "emit times out on full channel",
			ctx:     context.Background(),
			ch:      make(chan *Event),
			e:       New("invocationID", "author"),
			timeout: 10 * time.Millisecond,
			wantErr: true,
			errType: &EmitEventTimeoutError{},
		},
		{
			name:    "cancelled context",
			ctx:     cancelled,
			ch:      make(chan *Event),
			e:       New("invocationID", "author"),
			timeout: EmitWithoutTimeout,
			wantErr: true,
			errType: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EmitEventWithTimeout(tt.ctx, tt.ch, tt.e, tt.timeout)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if errors.Is(tt.errType, context.Canceled) {
				require.ErrorIs(t, err, context.Canceled)
				return
			}
			_, ok := AsEmitEventTimeoutError(err)
			require.True(t, ok)
		})
	}
}

func TestEmitEventTimeoutError_Error_And_As(t *testing.T) {
	msg := "emit event timeout."
	err := NewEmitEventTimeoutError(msg)
	require.Equal(t, msg, err.Error())

	wrapped := fmt.Errorf("wrap: %w", err)
	got, ok := AsEmitEventTimeoutError(wrapped)
	require.True(t, ok)
	require.Equal(t, msg, got.Message)

	_, ok = AsEmitEventTimeoutError(errors.New("other"))
	require.False(t, ok)
}

func TestEmitHonorsContext(t *testing.T) {
	ch := make(chan *Event, 1)
	require.NoError(t, Emit(context.Background(), ch, New("inv", "author")))
	require.Len(t, ch, 1)
}
