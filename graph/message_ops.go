//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// MessageOp interface defines operations that can be applied to message arrays.
// This provides atomic combination of multiple operations for state updates.
type MessageOp interface {
	Apply([]Message) []Message
}

// AppendMessages provides append capability for atomic combination.
// It can also be used for backward compatibility in unified expression.
type AppendMessages struct{ Items []Message }

// Apply implements the MessageOp interface.
func (op AppendMessages) Apply(dst []Message) []Message {
	return append(dst, op.Items...)
}

// ReplaceLastUser replaces the last user message in the durable history.
// If no user message is found, it falls back to appending a new user message.
type ReplaceLastUser struct{ Content string }

// Apply implements the MessageOp interface.
func (op ReplaceLastUser) Apply(dst []Message) []Message {
	for i := len(dst) - 1; i >= 0; i-- {
		if dst[i].Role == RoleUser {
			// Replace the content while preserving the identifier.
			dst[i] = Message{
				Role:    RoleUser,
				Content: op.Content,
				ID:      dst[i].ID,
			}
			return dst
		}
	}
	// No user message at the end of history, append a new one.
	return append(dst, NewUserMessage(op.Content))
}

// RemoveAllMessages clears all messages for full rebuild scenarios.
// Used sparingly: for reordering/trimming when starting fresh.
type RemoveAllMessages struct{}

// Apply implements the MessageOp interface.
func (RemoveAllMessages) Apply(_ []Message) []Message { return nil }

// RemoveMessagesByID removes every message whose ID appears in IDs.
type RemoveMessagesByID struct{ IDs []string }

// Apply implements the MessageOp interface.
func (op RemoveMessagesByID) Apply(dst []Message) []Message {
	if len(op.IDs) == 0 {
		return dst
	}
	drop := make(map[string]bool, len(op.IDs))
	for _, id := range op.IDs {
		drop[id] = true
	}
	out := dst[:0]
	for _, m := range dst {
		if m.ID != "" && drop[m.ID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
