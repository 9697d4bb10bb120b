//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys (used under config["configurable"])
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyThreadID     = "thread_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyResumeMap    = "resume_map"
)

// State map keys (stored into execution state)
const (
	StateKeyCommand           = "__command__"
	StateKeyResumeMap         = "__resume_map__"
	StateKeyNextNodes         = "__next_nodes__"
	StateKeyUsedInterrupts    = "__used_interrupts__"
	StateKeySubgraphInterrupt = "__subgraph_interrupt__"
	// StateKeySendPayload carries a non-map Send input into the target
	// task's state overlay.
	StateKeySendPayload = "__send_payload__"
	// StateKeyParentCommand carries a Command addressed to the parent graph
	// out of a subgraph run.
	StateKeyParentCommand = "__parent_command__"
	// StateKeyParentCheckpoints maps parent namespaces to the checkpoint IDs
	// a subgraph run descends from.
	StateKeyParentCheckpoints = "__parent_checkpoints__"
	// StateKeyStaticInterruptSkips tracks static breakpoints that already
	// fired, so resuming past one does not re-trigger it. It persists in
	// checkpoints but is cleared once the skip is consumed.
	StateKeyStaticInterruptSkips = "__static_interrupt_skips__"
)

// Channel conventions. Input channels track per-field writes of the initial
// state, trigger channels fire static edges and branch channels fire
// conditional routing decisions.
const (
	ChannelInputPrefix   = "input:"
	ChannelTriggerPrefix = "trigger:"
	ChannelBranchPrefix  = "branch:to:"
	ChannelJoinPrefix    = "join:"
)

// ChannelTasks is the reserved channel that collects Send commands produced
// during a superstep. Its contents become the pending sends of the next
// checkpoint and are consumed by the planner of the following superstep.
const ChannelTasks = "__tasks__"

// Event metadata keys (used in checkpoint events).
const (
	EventKeySource      = "source"
	EventKeyStep        = "step"
	EventKeyDuration    = "duration"
	EventKeyBytes       = "bytes"
	EventKeyWritesCount = "writes_count"
)

// Common state field names (frequently used in examples and tests).
const (
	StateFieldCounter   = "counter"
	StateFieldStepCount = "step_count"
)
