//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// isInternalStateKey returns true when a state key is internal/ephemeral
// and should not be serialized into final state snapshots nor leak into
// user-visible state values. Keep this list in sync with graph
// executor/event machinery.
func isInternalStateKey(key string) bool {
	switch key {
	// Graph metadata keys stored in state delta for instrumentation
	case MetadataKeyNode, MetadataKeyPregel, MetadataKeyChannel,
		MetadataKeyState, MetadataKeyCompletion, MetadataKeyNodeCustom,
		// Graph execution internal wiring
		StateKeyExecContext, StateKeyNodeCallbacks, StateKeyCurrentNodeID,
		StateKeyCurrentTaskID, StateKeyCommand, StateKeyResumeMap,
		StateKeyNextNodes, StateKeyUsedInterrupts, StateKeySubgraphInterrupt,
		// Runtime configuration riding in the initial state
		CfgKeyThreadID, CfgKeyCheckpointID, CfgKeyCheckpointNS, CfgKeyResumeMap:
		return true
	default:
		return false
	}
}

// isUnsafeStateKey returns true for state keys that carry runtime-only
// handles (live channels, callback registries, execution context). They
// must never be copied into checkpoints nor edited through time travel.
func isUnsafeStateKey(key string) bool {
	switch key {
	case StateKeyExecContext, StateKeyNodeCallbacks, StateKeyCurrentNodeID,
		StateKeyCurrentTaskID:
		return true
	default:
		return false
	}
}
