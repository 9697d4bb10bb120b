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
	"context"

	"github.com/google/uuid"
)

// Invocation identifies a single graph run and carries its per-run options.
type Invocation struct {
	// InvocationID is the ID of the invocation. Every event of the run
	// carries it. When empty the executor generates one.
	InvocationID string
	// Branch is the branch identifier for hierarchical event filtering.
	// Subgraph runs extend the parent branch with their namespace.
	Branch string
	// RunOptions holds the options for this run.
	RunOptions RunOptions
}

// RunOptions holds per-run execution options.
type RunOptions struct {
	// RuntimeState carries runtime-only values merged into the initial
	// state of the run, such as thread and checkpoint selection keys.
	RuntimeState map[string]any
	// StreamModes selects which event families the run emits. Empty means
	// the stream is unfiltered.
	StreamModes []StreamMode
	// RunName labels the run on its trace span.
	RunName string
	// Tags are appended to every event the run emits.
	Tags []string
	// Metadata is recorded in the extra metadata of every checkpoint the
	// run creates. Engine metadata keys win on collision.
	Metadata map[string]any
	// RecursionLimit caps the supersteps of this run, overriding the
	// executor's limit when positive.
	RecursionLimit int
	// Durability overrides the executor's checkpoint durability for this
	// run when set.
	Durability Durability
	// InterruptBefore pauses the run before the named nodes execute, in
	// addition to breakpoints declared on the nodes. "*" matches every
	// node.
	InterruptBefore []string
	// InterruptAfter pauses the run after the named nodes complete. "*"
	// matches every node.
	InterruptAfter []string
}

// RunOption configures RunOptions.
type RunOption func(*RunOptions)

// WithStreamMode appends stream modes to the run options.
func WithStreamMode(modes ...StreamMode) RunOption {
	return func(opts *RunOptions) {
		opts.StreamModes = append(opts.StreamModes, modes...)
	}
}

// WithRuntimeState sets runtime state values merged into the initial state.
func WithRuntimeState(state map[string]any) RunOption {
	return func(opts *RunOptions) {
		opts.RuntimeState = state
	}
}

// WithRunName labels the run for traces.
func WithRunName(name string) RunOption {
	return func(opts *RunOptions) {
		opts.RunName = name
	}
}

// WithTags appends business tags carried on every event of the run.
func WithTags(tags ...string) RunOption {
	return func(opts *RunOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

// WithRunMetadata attaches caller metadata to the checkpoints the run
// creates.
func WithRunMetadata(metadata map[string]any) RunOption {
	return func(opts *RunOptions) {
		opts.Metadata = metadata
	}
}

// WithRecursionLimit caps the supersteps of this run.
func WithRecursionLimit(limit int) RunOption {
	return func(opts *RunOptions) {
		opts.RecursionLimit = limit
	}
}

// WithRunDurability overrides the checkpoint durability for this run.
func WithRunDurability(durability Durability) RunOption {
	return func(opts *RunOptions) {
		opts.Durability = durability
	}
}

// WithInterruptBeforeNodes pauses the run before the named nodes execute.
// "*" pauses before every node.
func WithInterruptBeforeNodes(nodes ...string) RunOption {
	return func(opts *RunOptions) {
		opts.InterruptBefore = append(opts.InterruptBefore, nodes...)
	}
}

// WithInterruptAfterNodes pauses the run after the named nodes complete.
// "*" pauses after every node.
func WithInterruptAfterNodes(nodes ...string) RunOption {
	return func(opts *RunOptions) {
		opts.InterruptAfter = append(opts.InterruptAfter, nodes...)
	}
}

// NewInvocation creates an invocation with a generated ID.
func NewInvocation(opts ...RunOption) *Invocation {
	inv := &Invocation{InvocationID: uuid.New().String()}
	for _, opt := range opts {
		opt(&inv.RunOptions)
	}
	return inv
}

type invocationKey struct{}

// NewContextWithInvocation creates a new context with the invocation.
func NewContextWithInvocation(ctx context.Context, invocation *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, invocation)
}

// InvocationFromContext returns the invocation from the context.
func InvocationFromContext(ctx context.Context) (*Invocation, bool) {
	invocation, ok := ctx.Value(invocationKey{}).(*Invocation)
	return invocation, ok
}
