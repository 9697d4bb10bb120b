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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// InterruptError represents an interrupt in graph execution that can be resumed.
// Interrupts are control flow rather than failures: the executor persists a
// checkpoint and surfaces the interrupt value, and the run can be resumed
// with a resume command on the same thread.
type InterruptError struct {
	// Value is the value that was passed to interrupt().
	Value any
	// ID is a deterministic identifier derived from the checkpoint namespace
	// and the interrupted task, stable across replays of the same step.
	ID string
	// Key is the user-facing interrupt key, when one was provided.
	Key string
	// NodeID is the ID of the node where the interrupt occurred.
	NodeID string
	// TaskID is the ID of the task that was interrupted.
	TaskID string
	// Step is the step number when the interrupt occurred.
	Step int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
	// Path is the execution path to the interrupted node.
	Path []string
	// NextNodes lists the nodes that will run when the thread resumes.
	NextNodes []string
	// SkipRerun indicates the interrupted node must not re-execute on
	// resume (used by post-node and external interrupts).
	SkipRerun bool
}

// Error returns the error message for the interrupt.
func (g *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", g.NodeID, g.Step, g.Value)
}

// ResumeCommand represents a command to resume graph execution.
type ResumeCommand struct {
	// Resume contains values to resume execution with.
	Resume any
	// ResumeMap maps task namespaces to resume values.
	ResumeMap map[string]any
}

// NewResumeCommand creates a new resume command.
func NewResumeCommand() *ResumeCommand {
	return &ResumeCommand{
		ResumeMap: make(map[string]any),
	}
}

// WithResume sets the resume value.
func (c *ResumeCommand) WithResume(value any) *ResumeCommand {
	c.Resume = value
	return c
}

// WithResumeMap sets the resume map.
func (c *ResumeCommand) WithResumeMap(resumeMap map[string]any) *ResumeCommand {
	c.ResumeMap = resumeMap
	return c
}

// AddResumeValue adds a resume value for a specific task.
func (c *ResumeCommand) AddResumeValue(taskID string, value any) *ResumeCommand {
	if c.ResumeMap == nil {
		c.ResumeMap = make(map[string]any)
	}
	c.ResumeMap[taskID] = value
	return c
}

// NewInterruptError creates a new InterruptError with the given value.
func NewInterruptError(value any) *InterruptError {
	return &InterruptError{
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// IsInterruptError checks if an error is an InterruptError, unwrapping as needed.
func IsInterruptError(err error) bool {
	var interrupt *InterruptError
	return errors.As(err, &interrupt)
}

// GetInterruptError extracts an InterruptError from an error, unwrapping as needed.
func GetInterruptError(err error) (*InterruptError, bool) {
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return interrupt, true
	}
	return nil, false
}

// interruptID derives the deterministic interrupt identifier for a task
// within a checkpoint namespace. Replaying the same step yields the same ID,
// which lets callers correlate surfaced interrupts across retries.
func interruptID(checkpointNS, taskID string) string {
	sum := sha256.Sum256([]byte(checkpointNS + ":" + taskID))
	return hex.EncodeToString(sum[:8])
}
