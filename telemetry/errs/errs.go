// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.

// Package errs provides helpers to convert plain errors to the event error payload
package errs

import (
	"context"
	"errors"

	"trpc.group/trpc-go/trpc-graph-go/event"
)

// ToEventError converts an error to an event Error.
var ToEventError = func(err error) *event.Error {
	if err == nil {
		return nil
	}
	errorType := event.ErrorTypeExecution
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		errorType = event.ErrorTypeCancelled
	}
	return &event.Error{
		Type:    errorType,
		Message: err.Error(),
	}
}
