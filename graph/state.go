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
	"fmt"
	"reflect"
	"sync"
)

const (
	// StateKeyUserInput is the key of the user input.
	// Typically it remains constant across the graph.
	StateKeyUserInput = "user_input"
	// StateKeyLastResponse is the key of the last response text produced by
	// a node. Its value becomes the final output of Invoke.
	StateKeyLastResponse = "last_response"
	// StateKeyLastResponseID is the key of the identifier of the last
	// response, when the producing node assigned one.
	StateKeyLastResponseID = "last_response_id"
	// StateKeyNodeResponses maps node IDs to their last produced response.
	// Useful when parallel nodes each produce an answer.
	StateKeyNodeResponses = "node_responses"
	// StateKeyMessages is the key of the conversational message history.
	StateKeyMessages = "messages"
	// StateKeyMetadata is the key of the metadata.
	StateKeyMetadata = "metadata"
	// StateKeyExecContext is the key of the execution context.
	StateKeyExecContext = "exec_context"
	// StateKeyNodeCallbacks is the key of the graph-level node callbacks.
	StateKeyNodeCallbacks = "node_callbacks"
	// StateKeyCurrentNodeID is the key for storing the current node ID in the state.
	StateKeyCurrentNodeID = "current_node_id"
	// StateKeyCurrentTaskID is the key for the ID of the task being executed.
	// Subgraph nodes fold it into their child checkpoint namespace.
	StateKeyCurrentTaskID = "current_task_id"
)

// State represents the state that flows through the graph.
// This is the shared data structure that flows between nodes.
type State map[string]any

// Clone creates a shallow copy of the state. Values are shared; use
// deepCopy when the copy must not alias the original.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// deepCopy returns a deep copy of the state. Internal bookkeeping keys are
// skipped unless withInternal is set; when schema fields are provided,
// fields marked ephemeral are not copied.
func (s State) deepCopy(withInternal bool, fields map[string]StateField) State {
	copied := make(State, len(s))
	for k, v := range s {
		if !withInternal && isInternalStateKey(k) {
			continue
		}
		if fields != nil {
			if f, ok := fields[k]; ok && f.Ephemeral {
				continue
			}
		}
		copied[k] = deepCopyAny(v)
	}
	return copied
}

// GetStateValue retrieves a typed value from the state.
func GetStateValue[T any](state State, key string) (T, bool) {
	var zero T
	if state == nil {
		return zero, false
	}
	value, ok := state[key]
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// StateReducer is a function that determines how state updates are merged.
// It takes existing and new values and returns the merged result.
type StateReducer func(existing, update any) any

// StateField defines a field in the state schema with its type and reducer.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
	// Ephemeral fields are cleared after the superstep that read them
	// instead of persisting across the run.
	Ephemeral bool
}

// StateSchema defines the structure and behavior of graph state.
// This defines the structure and behavior of state.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates a new state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{
		Fields: make(map[string]StateField),
	}
}

// AddField adds a field to the state schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()

	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}

	s.Fields[name] = field
	return s
}

// Field returns the schema field with the given name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.Fields[name]
	return field, ok
}

// FieldNames returns the names of all declared fields.
func (s *StateSchema) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	return names
}

// ApplyUpdate applies a state update using the defined reducers.
func (s *StateSchema) ApplyUpdate(currentState State, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := currentState.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			// If no field definition, use default behavior (override).
			result[key] = updateValue
			continue
		}
		currentValue, hasCurrentValue := result[key]
		if !hasCurrentValue && field.Default != nil {
			currentValue = field.Default()
		}
		// Apply reducer.
		result[key] = field.Reducer(currentValue, updateValue)
	}
	return result
}

// Validate validates a state against the schema.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, field := range s.Fields {
		value, exists := state[name]

		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}

		if exists && value != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// validateSchema checks that every field declaration is complete: a concrete
// type, a reducer, and a default factory whose result fits the declared type.
// Compile runs this so misdeclared fields fail at build time rather than on
// the first update that touches them.
func (s *StateSchema) validateSchema() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, field := range s.Fields {
		if field.Type == nil {
			return fmt.Errorf("field %s has nil type", name)
		}
		if field.Reducer == nil {
			return fmt.Errorf("field %s has nil reducer", name)
		}
		if field.Default == nil {
			continue
		}
		value := field.Default()
		if value == nil {
			switch field.Type.Kind() {
			case reflect.Ptr, reflect.Interface, reflect.Slice,
				reflect.Map, reflect.Chan, reflect.Func:
				continue
			default:
				return fmt.Errorf(
					"field %s has invalid default: nil is not assignable to %v",
					name, field.Type)
			}
		}
		if valueType := reflect.TypeOf(value); !valueType.AssignableTo(field.Type) {
			return fmt.Errorf(
				"field %s has incompatible default value: expected %v, got %v",
				name, field.Type, valueType)
		}
	}
	return nil
}

// Common reducer functions.

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends update to existing slice.
func AppendReducer(existing, update any) any {
	if existing == nil {
		existing = []any{}
	}

	existingSlice, ok1 := existing.([]any)
	if !ok1 {
		// Fallback to default behavior if not slices
		return update
	}
	updateSlice, ok2 := update.([]any)
	if !ok2 {
		// Single values are appended as one element.
		return append(existingSlice, update)
	}
	return append(existingSlice, updateSlice...)
}

// StringSliceReducer appends string slices specifically.
func StringSliceReducer(existing, update any) any {
	if existing == nil {
		existing = []string{}
	}

	existingSlice, ok1 := existing.([]string)
	updateSlice, ok2 := update.([]string)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not string slices
		return update
	}
	return append(existingSlice, updateSlice...)
}

// MergeReducer merges update map into existing map.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}

	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not maps
		return update
	}

	result := make(map[string]any)
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// MessageReducer handles message history updates. Updates may be plain
// message slices, a single MessageOp, or a list of MessageOps applied in
// order.
func MessageReducer(existing, update any) any {
	if existing == nil {
		existing = []Message{}
	}
	existingMsgs, ok := existing.([]Message)
	if !ok {
		return update
	}
	switch u := update.(type) {
	case []Message:
		return append(existingMsgs, u...)
	case Message:
		return append(existingMsgs, u)
	case MessageOp:
		return u.Apply(existingMsgs)
	case []MessageOp:
		for _, op := range u {
			existingMsgs = op.Apply(existingMsgs)
		}
		return existingMsgs
	default:
		return update
	}
}
