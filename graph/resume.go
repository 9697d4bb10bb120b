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
	"time"
)

// Interrupt pauses execution at the calling node until a resume value is
// supplied for the given key. On the first pass it returns an *InterruptError
// that the executor persists and surfaces to the caller. On resume the node
// re-executes from the top; the helper then finds the resume value (by key,
// by node ID, or the thread-wide resume value) and returns it instead of
// interrupting again, so code before the call must be idempotent.
//
//	approved, err := graph.Interrupt(ctx, state, "approval", "deploy to prod?")
//	if err != nil {
//	    return nil, err
//	}
func Interrupt(ctx context.Context, state State, key string, value any) (any, error) {
	if state == nil {
		return nil, NewInterruptError(value)
	}
	// A value already consumed for this key wins: the node is re-executing
	// past an interrupt that was answered earlier in the same resume.
	if used, ok := state[StateKeyUsedInterrupts].(map[string]any); ok {
		if v, ok := used[key]; ok {
			return v, nil
		}
	}
	if v, ok := takeResumeValue(state, key); ok {
		markInterruptUsed(state, key, v)
		return v, nil
	}
	intr := &InterruptError{
		Value:     value,
		Key:       key,
		Timestamp: time.Now().UTC(),
	}
	if nodeID, ok := state[StateKeyCurrentNodeID].(string); ok {
		intr.NodeID = nodeID
	}
	return nil, intr
}

// takeResumeValue consumes a resume value for the key, preferring the resume
// map (keyed by interrupt key, then by node ID) over the thread-wide resume
// channel value.
func takeResumeValue(state State, key string) (any, bool) {
	if rm, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if v, ok := rm[key]; ok {
			delete(rm, key)
			return v, true
		}
		if nodeID, ok := state[StateKeyCurrentNodeID].(string); ok {
			if v, ok := rm[nodeID]; ok {
				delete(rm, nodeID)
				return v, true
			}
		}
	}
	if v, ok := state[ResumeChannel]; ok {
		delete(state, ResumeChannel)
		return v, true
	}
	return nil, false
}

// markInterruptUsed records a consumed resume value so later passes over the
// same node return it instead of re-interrupting.
func markInterruptUsed(state State, key string, value any) {
	used, ok := state[StateKeyUsedInterrupts].(map[string]any)
	if !ok {
		used = make(map[string]any)
		state[StateKeyUsedInterrupts] = used
	}
	used[key] = value
}

// ResumeValue extracts a resume value from the state with type safety.
func ResumeValue[T any](ctx context.Context, state State, key string) (T, bool) {
	var zero T

	// Check direct resume channel first.
	if resumeValue, exists := state[ResumeChannel]; exists {
		if typedValue, ok := resumeValue.(T); ok {
			// Clear the resume value to avoid reusing it.
			delete(state, ResumeChannel)
			return typedValue, true
		}
	}

	// Check resume map.
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if resumeMapTyped, ok := resumeMap.(map[string]any); ok {
			if resumeValue, exists := resumeMapTyped[key]; exists {
				if typedValue, ok := resumeValue.(T); ok {
					// Clear the specific key to avoid reusing it.
					delete(resumeMapTyped, key)
					return typedValue, true
				}
			}
		}
	}

	return zero, false
}

// ResumeValueOrDefault extracts a resume value from the state with a default fallback.
func ResumeValueOrDefault[T any](ctx context.Context, state State, key string, defaultValue T) T {
	if value, ok := ResumeValue[T](ctx, state, key); ok {
		return value
	}
	return defaultValue
}

// HasResumeValue checks if there's a resume value available for the given key.
func HasResumeValue(state State, key string) bool {
	// Check direct resume channel.
	if _, exists := state[ResumeChannel]; exists {
		return true
	}

	// Check resume map.
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if resumeMapTyped, ok := resumeMap.(map[string]any); ok {
			if _, exists := resumeMapTyped[key]; exists {
				return true
			}
		}
	}

	return false
}

// ClearResumeValue clears a specific resume value from the state.
func ClearResumeValue(state State, key string) {
	// Clear from resume map.
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if resumeMapTyped, ok := resumeMap.(map[string]any); ok {
			delete(resumeMapTyped, key)
		}
	}
}

// ClearAllResumeValues clears all resume values from the state.
func ClearAllResumeValues(state State) {
	delete(state, ResumeChannel)
	delete(state, StateKeyResumeMap)
}
