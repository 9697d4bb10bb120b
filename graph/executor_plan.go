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
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-graph-go/log"
)

// planBasedOnChannelTriggers plans the tasks of one superstep. PUSH tasks
// come first, one per pending send in queue order; PULL tasks follow for
// every node with a trigger channel that is available and carries a version
// the node has not seen. Deferred nodes are held back while any non-deferred
// node is due.
func (e *Executor) planBasedOnChannelTriggers(execCtx *ExecutionContext, step int) []*Task {
	if execCtx == nil || execCtx.channels == nil {
		return nil
	}
	var tasks []*Task
	planned := make(map[string]bool)

	for i, send := range execCtx.drainSends() {
		if _, ok := e.graph.Node(send.Channel); !ok {
			// A Send may target a node computed at runtime; when nothing can
			// run it the send is dropped rather than failing the step.
			log.Debugf("graph executor: dropping send %d to unknown node %q", i, send.Channel)
			continue
		}
		task := e.createPushTask(execCtx, send, i, step)
		if task == nil || planned[task.ID] {
			continue
		}
		planned[task.ID] = true
		tasks = append(tasks, task)
	}

	for _, nodeID := range e.duePullNodes(execCtx) {
		task := e.createTask(nodeID, execCtx.State, step)
		if task == nil || planned[task.ID] {
			continue
		}
		task.Triggers = e.dueTriggersFor(execCtx, nodeID)
		planned[task.ID] = true
		tasks = append(tasks, task)
	}

	// A restored checkpoint or a resume command may name nodes to activate
	// regardless of channel versions. Duplicates of version-planned tasks
	// collapse through their deterministic IDs.
	for _, nodeID := range takeNextNodesOverride(execCtx) {
		if _, ok := e.graph.Node(nodeID); !ok {
			log.Debugf("graph executor: skipping unknown next node %q", nodeID)
			continue
		}
		task := e.createTask(nodeID, execCtx.State, step)
		if task == nil || planned[task.ID] {
			continue
		}
		task.Triggers = e.dueTriggersFor(execCtx, nodeID)
		planned[task.ID] = true
		tasks = append(tasks, task)
	}
	return tasks
}

// takeNextNodesOverride consumes the forced next-node list riding in state.
// The list activates once; later steps plan from channel versions alone.
func takeNextNodesOverride(execCtx *ExecutionContext) []string {
	execCtx.stateMutex.Lock()
	defer execCtx.stateMutex.Unlock()
	raw, ok := execCtx.State[StateKeyNextNodes]
	if !ok {
		return nil
	}
	delete(execCtx.State, StateKeyNextNodes)
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var nodes []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				nodes = append(nodes, s)
			}
		}
		return nodes
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// duePullNodes returns the node IDs scheduled by channel versions, sorted
// for deterministic planning. A node is due when at least one of its trigger
// channels is available with a version beyond what the node has seen, and
// every channel it reads from is available.
func (e *Executor) duePullNodes(execCtx *ExecutionContext) []string {
	triggerToNodes := e.graph.getTriggerToNodes()
	due := make(map[string]bool)
	anyNonDeferred := false
	for name, ch := range execCtx.channels.GetAllChannels() {
		if !ch.IsAvailable() {
			continue
		}
		for _, nodeID := range triggerToNodes[name] {
			if due[nodeID] {
				continue
			}
			if execCtx.versionSeen(nodeID, name) >= ch.Version {
				continue
			}
			if !e.readChannelsAvailable(execCtx, nodeID) {
				continue
			}
			due[nodeID] = true
			if node, ok := e.graph.Node(nodeID); ok && !node.deferred {
				anyNonDeferred = true
			}
		}
	}
	nodes := make([]string, 0, len(due))
	for nodeID := range due {
		if anyNonDeferred {
			if node, ok := e.graph.Node(nodeID); ok && node.deferred {
				continue
			}
		}
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// dueTriggersFor lists the channels that made the node due, sorted. Versions
// seen advance for exactly these channels when the task's writes apply.
func (e *Executor) dueTriggersFor(execCtx *ExecutionContext, nodeID string) []string {
	node, ok := e.graph.Node(nodeID)
	if !ok || node == nil {
		return nil
	}
	var triggers []string
	for _, name := range node.triggers {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok || !ch.IsAvailable() {
			continue
		}
		if execCtx.versionSeen(nodeID, name) >= ch.Version {
			continue
		}
		triggers = append(triggers, name)
	}
	sort.Strings(triggers)
	return triggers
}

// readChannelsAvailable checks the channels a node declares it reads from.
// Unregistered names are ignored.
func (e *Executor) readChannelsAvailable(execCtx *ExecutionContext, nodeID string) bool {
	node, ok := e.graph.Node(nodeID)
	if !ok || node == nil {
		return false
	}
	for _, name := range node.channels {
		if ch, ok := execCtx.channels.GetChannel(name); ok && !ch.IsAvailable() {
			return false
		}
	}
	return true
}

// versionSeen returns the channel version the node consumed last.
func (ec *ExecutionContext) versionSeen(nodeID, channelName string) int64 {
	ec.versionsSeenMu.RLock()
	defer ec.versionsSeenMu.RUnlock()
	return ec.versionsSeen[nodeID][channelName]
}

// updateVersionsSeen records that the node consumed the current versions of
// the given channels. Called when a task's writes are applied so the node is
// not rescheduled by versions it already acted on.
func (e *Executor) updateVersionsSeen(execCtx *ExecutionContext, nodeID string, triggers []string) {
	if execCtx == nil || nodeID == "" || len(triggers) == 0 {
		return
	}
	execCtx.versionsSeenMu.Lock()
	defer execCtx.versionsSeenMu.Unlock()
	seen := execCtx.versionsSeen[nodeID]
	if seen == nil {
		seen = make(map[string]int64, len(triggers))
		execCtx.versionsSeen[nodeID] = seen
	}
	for _, name := range triggers {
		if ch, ok := execCtx.channels.GetChannel(name); ok {
			seen[name] = ch.Version
		}
	}
}

// createTask builds a PULL task for the node. The task ID is a hash of the
// checkpoint namespace, the step and the task path, so replanning the same
// step of the same thread yields the same IDs and stored pending writes can
// be matched back to their tasks.
func (e *Executor) createTask(nodeID string, state State, step int) *Task {
	if nodeID == "" {
		return nil
	}
	task := &Task{NodeID: nodeID}
	task.ID = deterministicTaskID(state, step, task.Path())
	log.Debugf("graph executor: planned task %s node=%s step=%d counter=%v step_count=%v",
		task.ID, nodeID, step, state[StateFieldCounter], state[StateFieldStepCount])
	return task
}

// createPushTask builds a task from a pending send. The send payload becomes
// the task's state overlay.
func (e *Executor) createPushTask(execCtx *ExecutionContext, send PendingSend, index, step int) *Task {
	task := &Task{
		NodeID:    send.Channel,
		IsPush:    true,
		SendIndex: index,
	}
	switch input := send.Value.(type) {
	case State:
		task.Overlay = input
	case map[string]any:
		task.Overlay = State(input)
	default:
		if input != nil {
			task.Overlay = State{StateKeySendPayload: input}
		}
	}
	task.ID = deterministicTaskID(execCtx.State, step, task.Path())
	return task
}

// deterministicTaskID derives a stable task identifier from the checkpoint
// namespace riding in state, the step number and the task path.
func deterministicTaskID(state State, step int, path string) string {
	var ns string
	if state != nil {
		ns, _ = state[CfgKeyCheckpointNS].(string)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", ns, step, path)))
	return hex.EncodeToString(sum[:16])
}

// getNextNodes returns the nodes that would be planned if a superstep
// started now, deduplicated and sorted. Recorded in checkpoints so time
// travel can display what a resume would run.
func (e *Executor) getNextNodes(execCtx *ExecutionContext) []string {
	if execCtx == nil || execCtx.channels == nil {
		return nil
	}
	return e.duePullNodes(execCtx)
}

// getNextChannelsInStep returns the channels updated during the given step,
// sorted by name.
func (e *Executor) getNextChannelsInStep(execCtx *ExecutionContext, step int) []string {
	if execCtx == nil || execCtx.channels == nil {
		return nil
	}
	var names []string
	for name, ch := range execCtx.channels.GetAllChannels() {
		if ch.IsUpdatedInStep(step) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// clearChannelStepMarks resets the per-step update marks after a superstep
// has been checkpointed.
func (e *Executor) clearChannelStepMarks(execCtx *ExecutionContext) {
	if execCtx == nil || execCtx.channels == nil {
		return
	}
	execCtx.channels.ClearStepMarks()
}

// getNodeType returns the node's declared type, defaulting to function.
func (e *Executor) getNodeType(nodeID string) NodeType {
	if node, ok := e.graph.Node(nodeID); ok && node != nil && node.Type != "" {
		return node.Type
	}
	return NodeTypeFunction
}

// getNodeName returns the node's display name, defaulting to its ID.
func (e *Executor) getNodeName(nodeID string) string {
	if node, ok := e.graph.Node(nodeID); ok && node != nil && node.Name != "" {
		return node.Name
	}
	return nodeID
}
