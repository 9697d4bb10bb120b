//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrThreadIDRequired                = errors.New("thread_id is required")
	ErrThreadIDEmpty                   = errors.New("thread_id cannot be empty")
	ErrThreadIDAndCheckpointIDRequired = errors.New("thread_id and checkpoint_id are required")
	ErrCheckpointNotFound              = errors.New("checkpoint not found")
	ErrNoCheckpointSaver               = errors.New("no checkpoint saver configured")
)

// GraphRecursionError reports a run that still had runnable tasks when the
// superstep limit was reached. It is fatal for the run; state up to the last
// applied superstep remains checkpointed.
type GraphRecursionError struct {
	// Limit is the configured superstep limit.
	Limit int
}

// Error implements the error interface.
func (e *GraphRecursionError) Error() string {
	return fmt.Sprintf("graph recursion limit of %d reached without hitting a finish point", e.Limit)
}

// InvalidUpdateError reports writes that violate update semantics, such as
// two tasks writing to the same last-value channel or un-reduced state key
// in one superstep. The superstep that produced it is discarded.
type InvalidUpdateError struct {
	// Channel is the channel or state key the conflicting writes targeted.
	Channel string
	// Message describes the violation.
	Message string
	// Err is the underlying sentinel, when one applies.
	Err error
}

// Error implements the error interface.
func (e *InvalidUpdateError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("invalid update: %s", e.Message)
	}
	return fmt.Sprintf("invalid update on channel %s: %s", e.Channel, e.Message)
}

// Unwrap exposes the underlying sentinel to errors.Is.
func (e *InvalidUpdateError) Unwrap() error { return e.Err }

// NodeError associates a task failure with the node that raised it.
type NodeError struct {
	// NodeID is the node whose function returned the error.
	NodeID string
	// Step is the superstep the task ran in.
	Step int
	// Err is the underlying error from the node function.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed at step %d: %v", e.NodeID, e.Step, e.Err)
}

// Unwrap exposes the underlying node error to errors.Is/As.
func (e *NodeError) Unwrap() error { return e.Err }

// AsGraphRecursionError extracts a GraphRecursionError from an error chain.
func AsGraphRecursionError(err error) (*GraphRecursionError, bool) {
	var re *GraphRecursionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// AsInvalidUpdateError extracts an InvalidUpdateError from an error chain.
func AsInvalidUpdateError(err error) (*InvalidUpdateError, bool) {
	var ue *InvalidUpdateError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// AsNodeError extracts a NodeError from an error chain.
func AsNodeError(err error) (*NodeError, bool) {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}
