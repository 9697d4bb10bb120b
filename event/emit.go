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
	"time"
)

// EmitWithoutTimeout disables the send deadline in EmitEventWithTimeout.
const EmitWithoutTimeout time.Duration = 0

// EmitEventTimeoutError reports that an event could not be delivered to the
// stream within the configured timeout.
type EmitEventTimeoutError struct {
	// Message describes the failed emission.
	Message string
}

// Error implements the error interface.
func (e *EmitEventTimeoutError) Error() string {
	return e.Message
}

// NewEmitEventTimeoutError creates an EmitEventTimeoutError.
func NewEmitEventTimeoutError(message string) *EmitEventTimeoutError {
	return &EmitEventTimeoutError{Message: message}
}

// AsEmitEventTimeoutError extracts an EmitEventTimeoutError from err.
func AsEmitEventTimeoutError(err error) (*EmitEventTimeoutError, bool) {
	var timeoutErr *EmitEventTimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr, true
	}
	return nil, false
}

// Emit delivers an event to the channel, honoring context cancellation.
// A nil channel or event is a no-op.
func Emit(ctx context.Context, ch chan<- *Event, e *Event) error {
	return EmitEventWithTimeout(ctx, ch, e, EmitWithoutTimeout)
}

// EmitEventWithTimeout delivers an event to the channel. With
// EmitWithoutTimeout the send blocks until delivery or context
// cancellation; otherwise the send fails with EmitEventTimeoutError once
// the timeout elapses.
func EmitEventWithTimeout(ctx context.Context, ch chan<- *Event, e *Event, timeout time.Duration) error {
	if ch == nil || e == nil {
		return nil
	}
	if timeout == EmitWithoutTimeout {
		select {
		case ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return NewEmitEventTimeoutError(
			fmt.Sprintf("emit event %s timed out after %v", e.ID, timeout),
		)
	}
}
