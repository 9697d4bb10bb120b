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
	"trpc.group/trpc-go/trpc-graph-go/event"
)

// StreamMode selects a family of events to stream to the caller.
type StreamMode string

// Supported stream modes.
const (
	// StreamModeValues streams state value snapshots: the per-step state
	// update events and the terminal execution event.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates streams per-step deltas: channel and state updates
	// plus the terminal execution event.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeMessages streams message payloads emitted by nodes.
	StreamModeMessages StreamMode = "messages"
	// StreamModeCustom streams custom events emitted by node functions.
	StreamModeCustom StreamMode = "custom"
	// StreamModeDebug streams the full execution trace: node lifecycle,
	// Pregel steps and checkpoints.
	StreamModeDebug StreamMode = "debug"
	// StreamModeCheckpoints streams checkpoint lifecycle events.
	StreamModeCheckpoints StreamMode = "checkpoints"
	// StreamModeTasks streams node task lifecycle and Pregel step events.
	StreamModeTasks StreamMode = "tasks"
)

// String returns the string representation of the stream mode.
func (m StreamMode) String() string {
	return string(m)
}

// StreamModeFilter decides which events reach the caller based on the run's
// selected stream modes. A disabled filter passes everything; an enabled
// filter with no modes passes only errors. Error events always pass.
type StreamModeFilter struct {
	enabled bool
	allowed map[string]struct{}
}

// NewStreamModeFilter builds a filter for the given modes. The filter is
// enabled only when the run explicitly selected stream modes.
func NewStreamModeFilter(enabled bool, modes []StreamMode) *StreamModeFilter {
	f := &StreamModeFilter{enabled: enabled}
	if !enabled {
		return f
	}
	f.allowed = make(map[string]struct{})
	for _, mode := range modes {
		for _, obj := range objectTypesForMode(mode) {
			f.allowed[obj] = struct{}{}
		}
	}
	return f
}

// Allows reports whether the event should be delivered to the caller.
func (f *StreamModeFilter) Allows(e *event.Event) bool {
	if e == nil {
		return false
	}
	if f == nil || !f.enabled {
		return true
	}
	// Errors are always surfaced regardless of mode selection.
	if e.Error != nil || e.Object == event.ObjectTypeError {
		return true
	}
	_, ok := f.allowed[e.Object]
	return ok
}

var checkpointObjectTypes = []string{
	ObjectTypeGraphCheckpoint,
	ObjectTypeGraphCheckpointCreated,
	ObjectTypeGraphCheckpointCommitted,
	ObjectTypeGraphCheckpointInterrupt,
}

var taskObjectTypes = []string{
	ObjectTypeGraphBarrier,
	ObjectTypeGraphNodeBarrier,
	ObjectTypeGraphNodeExecution,
	ObjectTypeGraphNodeStart,
	ObjectTypeGraphNodeComplete,
	ObjectTypeGraphNodeError,
	ObjectTypeGraphPregelStep,
	ObjectTypeGraphPregelPlanning,
	ObjectTypeGraphPregelExecution,
	ObjectTypeGraphPregelUpdate,
}

func objectTypesForMode(mode StreamMode) []string {
	switch mode {
	case StreamModeValues:
		return []string{
			ObjectTypeGraphExecution,
			ObjectTypeGraphStateUpdate,
		}
	case StreamModeUpdates:
		return []string{
			ObjectTypeGraphExecution,
			ObjectTypeGraphChannelUpdate,
			ObjectTypeGraphStateUpdate,
			event.ObjectTypeStateUpdate,
		}
	case StreamModeMessages:
		return []string{
			event.ObjectTypeMessage,
			event.ObjectTypeMessageChunk,
		}
	case StreamModeCustom:
		return []string{ObjectTypeGraphNodeCustom}
	case StreamModeCheckpoints:
		return checkpointObjectTypes
	case StreamModeTasks:
		return taskObjectTypes
	case StreamModeDebug:
		types := []string{ObjectTypeGraphExecution, ObjectTypeGraphNodeCustom}
		types = append(types, checkpointObjectTypes...)
		types = append(types, taskObjectTypes...)
		return types
	default:
		return nil
	}
}
