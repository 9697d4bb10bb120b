//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the streaming event model for graph execution.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Object types shared across event producers.
const (
	// ObjectTypeError is the object type carried by error events.
	ObjectTypeError = "error"
	// ObjectTypeMessage is the object type for complete message events.
	ObjectTypeMessage = "message"
	// ObjectTypeMessageChunk is the object type for streaming message deltas.
	ObjectTypeMessageChunk = "message.chunk"
	// ObjectTypeStateUpdate is the object type for state update events
	// produced outside graph execution (e.g. manual state edits).
	ObjectTypeStateUpdate = "state.update"
)

// Common error types attached to error events.
const (
	// ErrorTypeInvalidRequest indicates the caller supplied an invalid
	// input or configuration.
	ErrorTypeInvalidRequest = "invalid_request_error"
	// ErrorTypeExecution indicates a failure while executing the graph.
	ErrorTypeExecution = "execution_error"
	// ErrorTypeCancelled indicates the run was cancelled by the caller.
	ErrorTypeCancelled = "cancelled_error"
)

// TagDelimiter separates individual tags inside Event.Tag.
const TagDelimiter = ","

// Error describes a failure surfaced on the event stream.
type Error struct {
	// Type is a stable machine-readable error category.
	Type string `json:"type"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// Event represents a single record on a graph execution stream.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// InvocationID is the invocation ID of the run that produced the event.
	InvocationID string `json:"invocationId"`

	// Author identifies the component that emitted the event.
	Author string `json:"author"`

	// Object describes the kind of payload the event carries.
	Object string `json:"object,omitempty"`

	// Timestamp is the creation time of the event.
	Timestamp time.Time `json:"timestamp"`

	// Branch is the branch identifier for hierarchical event filtering.
	// Nested graph runs extend the parent branch with their namespace.
	Branch string `json:"branch,omitempty"`

	// Tag carries optional business tags, separated by TagDelimiter.
	Tag string `json:"tag,omitempty"`

	// Done marks the terminal event of a run.
	Done bool `json:"done,omitempty"`

	// Content is the streaming text payload for message events.
	Content string `json:"content,omitempty"`

	// Error is set on failure events.
	Error *Error `json:"error,omitempty"`

	// StateDelta contains serialized state changes and event metadata,
	// keyed by state or metadata key.
	StateDelta map[string][]byte `json:"stateDelta,omitempty"`

	// StructuredOutput carries a typed, in-memory payload for immediate
	// consumer access. It is not serialized.
	StructuredOutput any `json:"-"`
}

// Clone creates a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	if e.StateDelta != nil {
		clone.StateDelta = make(map[string][]byte, len(e.StateDelta))
		for k, v := range e.StateDelta {
			clone.StateDelta[k] = make([]byte, len(v))
			copy(clone.StateDelta[k], v)
		}
	}
	return &clone
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// WithObject sets the object for the event.
func WithObject(o string) Option {
	return func(e *Event) {
		e.Object = o
	}
}

// WithBranch sets the branch for the event.
func WithBranch(branch string) Option {
	return func(e *Event) {
		e.Branch = branch
	}
}

// WithDone marks the event as terminal.
func WithDone(done bool) Option {
	return func(e *Event) {
		e.Done = done
	}
}

// WithContent sets the streaming text payload for the event.
func WithContent(content string) Option {
	return func(e *Event) {
		e.Content = content
	}
}

// WithStateDelta sets state delta for the event.
func WithStateDelta(stateDelta map[string][]byte) Option {
	return func(e *Event) {
		e.StateDelta = stateDelta
	}
}

// WithStructuredOutputPayload sets a typed in-memory payload on the event.
// This data is not serialized and is intended for immediate consumption.
func WithStructuredOutputPayload(payload any) Option {
	return func(e *Event) {
		e.StructuredOutput = payload
	}
}

// New creates a new Event with generated ID and timestamp.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates a terminal error Event with the specified details.
func NewErrorEvent(invocationID, author, errorType, errorMessage string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
		Object:       ObjectTypeError,
		Done:         true,
		Error: &Error{
			Type:    errorType,
			Message: errorMessage,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
