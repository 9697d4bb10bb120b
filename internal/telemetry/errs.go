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
	"trpc.group/trpc-go/trpc-graph-go/telemetry/errs"
)

// ToErrorType converts an error to an error type.
func ToErrorType(err error, errorType string) string {
	e := errs.ToEventError(err)
	if e == nil {
		return errorType
	}
	if e.Type != "" {
		errorType = e.Type
	}
	return errorType
}
