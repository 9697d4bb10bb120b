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
	"encoding/json"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Event authors for graph-related events.
const (
	// AuthorGraphExecutor is the author for executor-level events.
	AuthorGraphExecutor = "graph-executor"
	// AuthorGraphNode is the author for individual node execution events.
	AuthorGraphNode = "graph-node"
	// AuthorGraphPregel is the author for Pregel-specific events.
	AuthorGraphPregel = "graph-pregel"
)

// Event object types for graph-related events.
const (
	// ObjectTypeGraphExecution is the object type for graph execution events.
	ObjectTypeGraphExecution = "graph.execution"
	// ObjectTypeGraphBarrier is the object type for graph-level barrier events.
	ObjectTypeGraphBarrier = "graph.barrier"
	// ObjectTypeGraphNodeBarrier is the object type for join barrier events.
	ObjectTypeGraphNodeBarrier = "graph.node.barrier"
	// ObjectTypeGraphNodeExecution is the object type for node execution events.
	ObjectTypeGraphNodeExecution = "graph.node.execution"
	// ObjectTypeGraphNodeStart is the object type for node start events.
	ObjectTypeGraphNodeStart = "graph.node.start"
	// ObjectTypeGraphNodeComplete is the object type for node completion events.
	ObjectTypeGraphNodeComplete = "graph.node.complete"
	// ObjectTypeGraphNodeError is the object type for node error events.
	ObjectTypeGraphNodeError = "graph.node.error"
	// ObjectTypeGraphNodeCustom is the object type for node custom events emitted by NodeFunc.
	ObjectTypeGraphNodeCustom = "graph.node.custom"
	// ObjectTypeGraphPregelStep is the object type for Pregel step events.
	ObjectTypeGraphPregelStep = "graph.pregel.step"
	// ObjectTypeGraphPregelPlanning is the object type for Pregel planning events.
	ObjectTypeGraphPregelPlanning = "graph.pregel.planning"
	// ObjectTypeGraphPregelExecution is the object type for Pregel execution events.
	ObjectTypeGraphPregelExecution = "graph.pregel.execution"
	// ObjectTypeGraphPregelUpdate is the object type for Pregel update events.
	ObjectTypeGraphPregelUpdate = "graph.pregel.update"
	// ObjectTypeGraphChannelUpdate is the object type for channel update events.
	ObjectTypeGraphChannelUpdate = "graph.channel.update"
	// ObjectTypeGraphStateUpdate is the object type for state update events.
	ObjectTypeGraphStateUpdate = "graph.state.update"
	// ObjectTypeGraphCheckpoint is the object type for checkpoint events.
	ObjectTypeGraphCheckpoint = "graph.checkpoint"
	// ObjectTypeGraphCheckpointCreated is the object type for checkpoint creation events.
	ObjectTypeGraphCheckpointCreated = "graph.checkpoint.created"
	// ObjectTypeGraphCheckpointCommitted is the object type for checkpoint commit events.
	ObjectTypeGraphCheckpointCommitted = "graph.checkpoint.committed"
	// ObjectTypeGraphCheckpointInterrupt is the object type for checkpoint interrupt events.
	ObjectTypeGraphCheckpointInterrupt = "graph.checkpoint.interrupt"
)

// Metadata keys for storing event metadata in StateDelta.
const (
	// MetadataKeyNode is the key for node execution metadata.
	MetadataKeyNode = "_node_metadata"
	// MetadataKeyPregel is the key for Pregel step metadata.
	MetadataKeyPregel = "_pregel_metadata"
	// MetadataKeyChannel is the key for channel update metadata.
	MetadataKeyChannel = "_channel_metadata"
	// MetadataKeyState is the key for state update metadata.
	MetadataKeyState = "_state_metadata"
	// MetadataKeyCompletion is the key for completion metadata.
	MetadataKeyCompletion = "_completion_metadata"
	// MetadataKeyCheckpoint is the key for checkpoint metadata.
	MetadataKeyCheckpoint = "_checkpoint_metadata"
	// MetadataKeyCacheHit is a synthetic key set on node completion events when
	// a cache hit occurs for the node's output.
	MetadataKeyCacheHit = "_cache_hit"
	// MetadataKeyNodeCustom is the key for node custom event metadata.
	MetadataKeyNodeCustom = "_node_custom_metadata"
	// MetadataKeyNodeUpdates is the key for the per-node write batches of an
	// applied superstep, serialized as []NodeUpdateBatch.
	MetadataKeyNodeUpdates = "_node_updates"
)

// NodeType represents the type of a graph node.
type NodeType string

// Node type constants.
const (
	NodeTypeFunction NodeType = "function"
	NodeTypeJoin     NodeType = "join"
	NodeTypeRouter   NodeType = "router"
	NodeTypeSubgraph NodeType = "subgraph"
)

// String returns the string representation of the node type.
func (nt NodeType) String() string {
	return string(nt)
}

// ExecutionPhase represents the phase of node execution.
type ExecutionPhase string

// Execution phase constants.
const (
	ExecutionPhaseStart    ExecutionPhase = "start"
	ExecutionPhaseComplete ExecutionPhase = "complete"
	ExecutionPhaseError    ExecutionPhase = "error"
)

// String returns the string representation of the execution phase.
func (ep ExecutionPhase) String() string {
	return string(ep)
}

// PregelPhase represents the phase of Pregel execution.
type PregelPhase string

// Pregel phase constants.
const (
	PregelPhasePlanning  PregelPhase = "planning"
	PregelPhaseExecution PregelPhase = "execution"
	PregelPhaseUpdate    PregelPhase = "update"
	PregelPhaseComplete  PregelPhase = "complete"
	PregelPhaseError     PregelPhase = "error"
)

// String returns the string representation of the Pregel phase.
func (pp PregelPhase) String() string {
	return string(pp)
}

// NodeExecutionMetadata contains metadata about node execution.
type NodeExecutionMetadata struct {
	// NodeID is the unique identifier of the node.
	NodeID string `json:"nodeId"`
	// NodeType is the type of the node.
	NodeType NodeType `json:"nodeType"`
	// Phase is the execution phase.
	Phase ExecutionPhase `json:"phase"`
	// StartTime is when the execution started.
	StartTime time.Time `json:"startTime,omitempty"`
	// EndTime is when the execution completed.
	EndTime time.Time `json:"endTime,omitempty"`
	// Duration is the execution duration.
	Duration time.Duration `json:"duration,omitempty"`
	// InputKeys are the keys of input state.
	InputKeys []string `json:"inputKeys,omitempty"`
	// OutputKeys are the keys of output state.
	OutputKeys []string `json:"outputKeys,omitempty"`
	// Error is the error message if execution failed.
	Error string `json:"error,omitempty"`
	// StepNumber is the Pregel step number.
	StepNumber int `json:"stepNumber,omitempty"`
	// Attempt is the 1-based attempt number for this node execution.
	Attempt int `json:"attempt,omitempty"`
	// MaxAttempts is the maximum allowed attempts when retrying is enabled.
	MaxAttempts int `json:"maxAttempts,omitempty"`
	// NextDelay is the planned delay before the next retry attempt.
	NextDelay time.Duration `json:"nextDelay,omitempty"`
	// Retrying indicates whether a retry will be performed after this error.
	Retrying bool `json:"retrying,omitempty"`
}

// PregelStepMetadata contains metadata about Pregel step execution.
type PregelStepMetadata struct {
	// StepNumber is the step number.
	StepNumber int `json:"stepNumber"`
	// Phase is the Pregel phase.
	Phase PregelPhase `json:"phase"`
	// TaskCount is the number of tasks in this step.
	TaskCount int `json:"taskCount"`
	// UpdatedChannels are the channels updated in this step.
	UpdatedChannels []string `json:"updatedChannels,omitempty"`
	// ActiveNodes are the nodes active in this step.
	ActiveNodes []string `json:"activeNodes,omitempty"`
	// StartTime is when the step started.
	StartTime time.Time `json:"startTime,omitempty"`
	// EndTime is when the step completed.
	EndTime time.Time `json:"endTime,omitempty"`
	// Duration is the step duration.
	Duration time.Duration `json:"duration,omitempty"`
	// Error is the error message if step failed.
	Error string `json:"error,omitempty"`
	// NodeID is the ID of the node where interrupt occurred.
	NodeID string `json:"nodeID,omitempty"`
	// InterruptValue is the value passed to interrupt().
	InterruptValue any `json:"interruptValue,omitempty"`
}

// ChannelUpdateMetadata contains metadata about channel updates.
type ChannelUpdateMetadata struct {
	// ChannelName is the name of the channel.
	ChannelName string `json:"channelName"`
	// ChannelType is the type of the channel.
	ChannelType channel.Behavior `json:"channelType"`
	// ValueCount is the number of values in the channel.
	ValueCount int `json:"valueCount"`
	// Available indicates if the channel is available.
	Available bool `json:"available"`
	// TriggeredNodes are the nodes triggered by this channel.
	TriggeredNodes []string `json:"triggeredNodes,omitempty"`
}

// StateUpdateMetadata contains metadata about state updates.
type StateUpdateMetadata struct {
	// UpdatedKeys are the keys that were updated.
	UpdatedKeys []string `json:"updatedKeys"`
	// RemovedKeys are the keys that were removed.
	RemovedKeys []string `json:"removedKeys,omitempty"`
	// StateSize is the total size of the state.
	StateSize int `json:"stateSize"`
}

// NodeUpdateBatch is the user-visible writes one node task contributed to a
// superstep, before reducers fold them into the shared state. A node planned
// more than once in a step (for example through Send) contributes one batch
// per task.
type NodeUpdateBatch struct {
	// NodeID is the node that produced the writes.
	NodeID string `json:"nodeId"`
	// Writes maps state keys to the written values.
	Writes map[string]any `json:"writes"`
}

// JSONMetadata represents the JSON structure for metadata stored in StateDelta.
type JSONMetadata struct {
	// Node metadata for node execution events.
	Node *NodeExecutionMetadata `json:"node,omitempty"`
	// Pregel metadata for Pregel step events.
	Pregel *PregelStepMetadata `json:"pregel,omitempty"`
	// Channel metadata for channel update events.
	Channel *ChannelUpdateMetadata `json:"channel,omitempty"`
	// State metadata for state update events.
	State *StateUpdateMetadata `json:"state,omitempty"`
	// Completion metadata for completion events.
	Completion *CompletionMetadata `json:"completion,omitempty"`
}

// CompletionMetadata contains metadata about graph completion.
type CompletionMetadata struct {
	// TotalSteps is the total number of steps executed.
	TotalSteps int `json:"totalSteps"`
	// TotalDuration is the total execution duration.
	TotalDuration time.Duration `json:"totalDuration"`
	// FinalStateKeys is the number of keys in the final state.
	FinalStateKeys int `json:"finalStateKeys"`
}

// NodeCustomEventCategory represents the category of node custom events.
type NodeCustomEventCategory string

// Node custom event category constants.
const (
	// NodeCustomEventCategoryCustom is the category for general custom events.
	NodeCustomEventCategoryCustom NodeCustomEventCategory = "custom"
	// NodeCustomEventCategoryProgress is the category for progress events.
	NodeCustomEventCategoryProgress NodeCustomEventCategory = "progress"
	// NodeCustomEventCategoryText is the category for streaming text events.
	NodeCustomEventCategoryText NodeCustomEventCategory = "text"
)

// String returns the string representation of the node custom event category.
func (c NodeCustomEventCategory) String() string {
	return string(c)
}

// NodeCustomEventMetadata contains metadata about node custom events.
type NodeCustomEventMetadata struct {
	// EventType is the user-defined event type.
	EventType string `json:"eventType"`
	// Category is the category of the custom event (custom, progress, text).
	Category NodeCustomEventCategory `json:"category"`
	// NodeID is the ID of the node that emitted the event.
	NodeID string `json:"nodeId"`
	// InvocationID is the invocation ID of the current execution.
	InvocationID string `json:"invocationId"`
	// StepNumber is the Pregel step number when the event was emitted.
	StepNumber int `json:"stepNumber,omitempty"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
	// Payload is the custom payload data.
	Payload any `json:"payload,omitempty"`
	// Progress is the progress percentage (0-100) for progress events.
	Progress float64 `json:"progress,omitempty"`
	// Message is the message for progress events or text content for text events.
	Message string `json:"message,omitempty"`
}

// EventOption is a function that configures a graph event.
type EventOption func(*event.Event)

// WithNodeMetadata adds node execution metadata to the event.
func WithNodeMetadata(metadata NodeExecutionMetadata) EventOption {
	return func(e *event.Event) {
		if e.StateDelta == nil {
			e.StateDelta = make(map[string][]byte)
		}
		if jsonData, err := json.Marshal(metadata); err == nil {
			e.StateDelta[MetadataKeyNode] = jsonData
		}
	}
}

// WithPregelMetadata adds Pregel step metadata to the event.
func WithPregelMetadata(metadata PregelStepMetadata) EventOption {
	return func(e *event.Event) {
		if e.StateDelta == nil {
			e.StateDelta = make(map[string][]byte)
		}
		if jsonData, err := json.Marshal(metadata); err == nil {
			e.StateDelta[MetadataKeyPregel] = jsonData
		}
	}
}

// WithChannelMetadata adds channel update metadata to the event.
func WithChannelMetadata(metadata ChannelUpdateMetadata) EventOption {
	return func(e *event.Event) {
		if e.StateDelta == nil {
			e.StateDelta = make(map[string][]byte)
		}
		if jsonData, err := json.Marshal(metadata); err == nil {
			e.StateDelta[MetadataKeyChannel] = jsonData
		}
	}
}

// WithStateMetadata adds state update metadata to the event.
func WithStateMetadata(metadata StateUpdateMetadata) EventOption {
	return func(e *event.Event) {
		if e.StateDelta == nil {
			e.StateDelta = make(map[string][]byte)
		}
		if jsonData, err := json.Marshal(metadata); err == nil {
			e.StateDelta[MetadataKeyState] = jsonData
		}
	}
}

// WithNodeCustomMetadata adds node custom event metadata to the event.
func WithNodeCustomMetadata(metadata NodeCustomEventMetadata) EventOption {
	return func(e *event.Event) {
		if e.StateDelta == nil {
			e.StateDelta = make(map[string][]byte)
		}
		if jsonData, err := json.Marshal(metadata); err == nil {
			e.StateDelta[MetadataKeyNodeCustom] = jsonData
		}
	}
}

// NewGraphEvent creates a new graph-related event.
func NewGraphEvent(invocationID, author, objectType string, opts ...EventOption) *event.Event {
	e := event.New(invocationID, author, event.WithObject(objectType))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// formatNodeAuthor returns nodeID if non-empty; otherwise returns fallback.
func formatNodeAuthor(nodeID, fallbackAuthor string) string {
	if nodeID != "" {
		return nodeID
	}
	return fallbackAuthor
}

// NodeEventOptions contains options for creating node events.
type NodeEventOptions struct {
	InvocationID string
	NodeID       string
	NodeType     NodeType
	StepNumber   int
	StartTime    time.Time
	EndTime      time.Time
	InputKeys    []string
	OutputKeys   []string
	Error        string
	// Retry metadata (optional)
	Attempt     int
	MaxAttempts int
	NextDelay   time.Duration
	Retrying    bool
}

// NodeEventOption is a function that configures node event options.
type NodeEventOption func(*NodeEventOptions)

// WithNodeEventInvocationID sets the invocation ID for node events.
func WithNodeEventInvocationID(invocationID string) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithNodeEventNodeID sets the node ID for node events.
func WithNodeEventNodeID(nodeID string) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.NodeID = nodeID
	}
}

// WithNodeEventNodeType sets the node type for node events.
func WithNodeEventNodeType(nodeType NodeType) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.NodeType = nodeType
	}
}

// WithNodeEventStepNumber sets the step number for node events.
func WithNodeEventStepNumber(stepNumber int) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.StepNumber = stepNumber
	}
}

// WithNodeEventStartTime sets the start time for node events.
func WithNodeEventStartTime(startTime time.Time) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.StartTime = startTime
	}
}

// WithNodeEventEndTime sets the end time for node events.
func WithNodeEventEndTime(endTime time.Time) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.EndTime = endTime
	}
}

// WithNodeEventInputKeys sets the input keys for node events.
func WithNodeEventInputKeys(inputKeys []string) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.InputKeys = inputKeys
	}
}

// WithNodeEventOutputKeys sets the output keys for node events.
func WithNodeEventOutputKeys(outputKeys []string) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.OutputKeys = outputKeys
	}
}

// WithNodeEventError sets the error message for node events.
func WithNodeEventError(errMsg string) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.Error = errMsg
	}
}

// WithNodeEventAttempt sets the current attempt number (1-based).
func WithNodeEventAttempt(attempt int) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.Attempt = attempt
	}
}

// WithNodeEventMaxAttempts sets the maximum attempts.
func WithNodeEventMaxAttempts(maxAttempts int) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithNodeEventNextDelay sets the planned next delay before retry.
func WithNodeEventNextDelay(delay time.Duration) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.NextDelay = delay
	}
}

// WithNodeEventRetrying indicates whether a retry will be performed.
func WithNodeEventRetrying(retrying bool) NodeEventOption {
	return func(opts *NodeEventOptions) {
		opts.Retrying = retrying
	}
}

// PregelEventOptions contains options for creating Pregel events.
type PregelEventOptions struct {
	InvocationID    string
	StepNumber      int
	Phase           PregelPhase
	TaskCount       int
	UpdatedChannels []string
	ActiveNodes     []string
	StartTime       time.Time
	EndTime         time.Time
	Error           string
	NodeID          string
	InterruptValue  any
}

// PregelEventOption is a function that configures Pregel event options.
type PregelEventOption func(*PregelEventOptions)

// WithPregelEventInvocationID sets the invocation ID for Pregel events.
func WithPregelEventInvocationID(invocationID string) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithPregelEventStepNumber sets the step number for Pregel events.
func WithPregelEventStepNumber(stepNumber int) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.StepNumber = stepNumber
	}
}

// WithPregelEventPhase sets the phase for Pregel events.
func WithPregelEventPhase(phase PregelPhase) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.Phase = phase
	}
}

// WithPregelEventTaskCount sets the task count for Pregel events.
func WithPregelEventTaskCount(taskCount int) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.TaskCount = taskCount
	}
}

// WithPregelEventUpdatedChannels sets the updated channels for Pregel events.
func WithPregelEventUpdatedChannels(updatedChannels []string) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.UpdatedChannels = updatedChannels
	}
}

// WithPregelEventActiveNodes sets the active nodes for Pregel events.
func WithPregelEventActiveNodes(activeNodes []string) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.ActiveNodes = activeNodes
	}
}

// WithPregelEventStartTime sets the start time for Pregel events.
func WithPregelEventStartTime(startTime time.Time) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.StartTime = startTime
	}
}

// WithPregelEventEndTime sets the end time for Pregel events.
func WithPregelEventEndTime(endTime time.Time) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.EndTime = endTime
	}
}

// WithPregelEventError sets the error message for Pregel events.
func WithPregelEventError(errMsg string) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.Error = errMsg
	}
}

// WithPregelEventNodeID sets the node ID for Pregel events.
func WithPregelEventNodeID(nodeID string) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.NodeID = nodeID
	}
}

// WithPregelEventInterruptValue sets the interrupt value for Pregel events.
func WithPregelEventInterruptValue(value any) PregelEventOption {
	return func(opts *PregelEventOptions) {
		opts.InterruptValue = value
	}
}

// ChannelEventOptions contains options for creating channel events.
type ChannelEventOptions struct {
	InvocationID   string
	ChannelName    string
	ChannelType    channel.Behavior
	ValueCount     int
	Available      bool
	TriggeredNodes []string
}

// ChannelEventOption is a function that configures channel event options.
type ChannelEventOption func(*ChannelEventOptions)

// WithChannelEventInvocationID sets the invocation ID for channel events.
func WithChannelEventInvocationID(invocationID string) ChannelEventOption {
	return func(opts *ChannelEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithChannelEventChannelName sets the channel name for channel events.
func WithChannelEventChannelName(channelName string) ChannelEventOption {
	return func(opts *ChannelEventOptions) {
		opts.ChannelName = channelName
	}
}

// WithChannelEventChannelType sets the channel type for channel events.
func WithChannelEventChannelType(channelType channel.Behavior) ChannelEventOption {
	return func(opts *ChannelEventOptions) {
		opts.ChannelType = channelType
	}
}

// WithChannelEventValueCount sets the value count for channel events.
func WithChannelEventValueCount(valueCount int) ChannelEventOption {
	return func(opts *ChannelEventOptions) {
		opts.ValueCount = valueCount
	}
}

// WithChannelEventAvailable sets the availability for channel events.
func WithChannelEventAvailable(available bool) ChannelEventOption {
	return func(opts *ChannelEventOptions) {
		opts.Available = available
	}
}

// WithChannelEventTriggeredNodes sets the triggered nodes for channel events.
func WithChannelEventTriggeredNodes(triggeredNodes []string) ChannelEventOption {
	return func(opts *ChannelEventOptions) {
		opts.TriggeredNodes = triggeredNodes
	}
}

// StateEventOptions contains options for creating state events.
type StateEventOptions struct {
	InvocationID string
	UpdatedKeys  []string
	RemovedKeys  []string
	StateSize    int
	NodeBatches  []NodeUpdateBatch
	Values       State
}

// StateEventOption is a function that configures state event options.
type StateEventOption func(*StateEventOptions)

// WithStateEventInvocationID sets the invocation ID for state events.
func WithStateEventInvocationID(invocationID string) StateEventOption {
	return func(opts *StateEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithStateEventUpdatedKeys sets the updated keys for state events.
func WithStateEventUpdatedKeys(updatedKeys []string) StateEventOption {
	return func(opts *StateEventOptions) {
		opts.UpdatedKeys = updatedKeys
	}
}

// WithStateEventRemovedKeys sets the removed keys for state events.
func WithStateEventRemovedKeys(removedKeys []string) StateEventOption {
	return func(opts *StateEventOptions) {
		opts.RemovedKeys = removedKeys
	}
}

// WithStateEventStateSize sets the state size for state events.
func WithStateEventStateSize(stateSize int) StateEventOption {
	return func(opts *StateEventOptions) {
		opts.StateSize = stateSize
	}
}

// WithStateEventNodeBatches attaches the per-node write batches of the
// applied superstep. They are serialized under MetadataKeyNodeUpdates.
func WithStateEventNodeBatches(batches []NodeUpdateBatch) StateEventOption {
	return func(opts *StateEventOptions) {
		opts.NodeBatches = batches
	}
}

// WithStateEventValues attaches a snapshot of the user-visible state after
// the update. Each key is serialized into the event's StateDelta.
func WithStateEventValues(values State) StateEventOption {
	return func(opts *StateEventOptions) {
		opts.Values = values
	}
}

// CompletionEventOptions contains options for creating completion events.
type CompletionEventOptions struct {
	InvocationID  string
	FinalState    State
	TotalSteps    int
	TotalDuration time.Duration
}

// CompletionEventOption is a function that configures completion event options.
type CompletionEventOption func(*CompletionEventOptions)

// WithCompletionEventInvocationID sets the invocation ID for completion events.
func WithCompletionEventInvocationID(invocationID string) CompletionEventOption {
	return func(opts *CompletionEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithCompletionEventFinalState sets the final state for completion events.
func WithCompletionEventFinalState(finalState State) CompletionEventOption {
	return func(opts *CompletionEventOptions) {
		opts.FinalState = finalState
	}
}

// WithCompletionEventTotalSteps sets the total steps for completion events.
func WithCompletionEventTotalSteps(totalSteps int) CompletionEventOption {
	return func(opts *CompletionEventOptions) {
		opts.TotalSteps = totalSteps
	}
}

// WithCompletionEventTotalDuration sets the total duration for completion events.
func WithCompletionEventTotalDuration(totalDuration time.Duration) CompletionEventOption {
	return func(opts *CompletionEventOptions) {
		opts.TotalDuration = totalDuration
	}
}

// NewNodeStartEvent creates a new node start event.
func NewNodeStartEvent(opts ...NodeEventOption) *event.Event {
	options := &NodeEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := NodeExecutionMetadata{
		NodeID:      options.NodeID,
		NodeType:    options.NodeType,
		Phase:       ExecutionPhaseStart,
		StartTime:   options.StartTime,
		InputKeys:   options.InputKeys,
		StepNumber:  options.StepNumber,
		Attempt:     options.Attempt,
		MaxAttempts: options.MaxAttempts,
	}
	return NewGraphEvent(options.InvocationID,
		formatNodeAuthor(options.NodeID, AuthorGraphNode),
		ObjectTypeGraphNodeStart,
		WithNodeMetadata(metadata))
}

// NewNodeCompleteEvent creates a new node completion event.
func NewNodeCompleteEvent(opts ...NodeEventOption) *event.Event {
	options := &NodeEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := NodeExecutionMetadata{
		NodeID:      options.NodeID,
		NodeType:    options.NodeType,
		Phase:       ExecutionPhaseComplete,
		StartTime:   options.StartTime,
		EndTime:     options.EndTime,
		Duration:    options.EndTime.Sub(options.StartTime),
		OutputKeys:  options.OutputKeys,
		StepNumber:  options.StepNumber,
		Attempt:     options.Attempt,
		MaxAttempts: options.MaxAttempts,
	}
	return NewGraphEvent(options.InvocationID,
		formatNodeAuthor(options.NodeID, AuthorGraphNode),
		ObjectTypeGraphNodeComplete,
		WithNodeMetadata(metadata))
}

// NewNodeErrorEvent creates a new node error event. When an error message is
// present the event object becomes the generic error type so consumers that
// only inspect event.Error still observe the failure.
func NewNodeErrorEvent(opts ...NodeEventOption) *event.Event {
	options := &NodeEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := NodeExecutionMetadata{
		NodeID:      options.NodeID,
		NodeType:    options.NodeType,
		Phase:       ExecutionPhaseError,
		StartTime:   options.StartTime,
		EndTime:     options.EndTime,
		Duration:    options.EndTime.Sub(options.StartTime),
		Error:       options.Error,
		StepNumber:  options.StepNumber,
		Attempt:     options.Attempt,
		MaxAttempts: options.MaxAttempts,
		NextDelay:   options.NextDelay,
		Retrying:    options.Retrying,
	}
	graphEvent := NewGraphEvent(options.InvocationID,
		formatNodeAuthor(options.NodeID, AuthorGraphNode),
		ObjectTypeGraphNodeError,
		WithNodeMetadata(metadata))
	if options.Error != "" {
		graphEvent.Object = event.ObjectTypeError
		graphEvent.Error = &event.Error{
			Type:    event.ErrorTypeExecution,
			Message: options.Error,
		}
	}
	return graphEvent
}

// NewPregelStepEvent creates a new Pregel step event.
func NewPregelStepEvent(opts ...PregelEventOption) *event.Event {
	options := &PregelEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := PregelStepMetadata{
		StepNumber:      options.StepNumber,
		Phase:           options.Phase,
		TaskCount:       options.TaskCount,
		UpdatedChannels: options.UpdatedChannels,
		ActiveNodes:     options.ActiveNodes,
		StartTime:       options.StartTime,
		EndTime:         options.EndTime,
		Duration:        options.EndTime.Sub(options.StartTime),
	}
	return NewGraphEvent(options.InvocationID, AuthorGraphPregel, ObjectTypeGraphPregelStep,
		WithPregelMetadata(metadata))
}

// NewPregelErrorEvent creates a new Pregel error event.
func NewPregelErrorEvent(opts ...PregelEventOption) *event.Event {
	options := &PregelEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := PregelStepMetadata{
		StepNumber: options.StepNumber,
		Phase:      options.Phase,
		StartTime:  options.StartTime,
		EndTime:    options.EndTime,
		Duration:   options.EndTime.Sub(options.StartTime),
		Error:      options.Error,
	}
	ge := NewGraphEvent(options.InvocationID, AuthorGraphPregel, ObjectTypeGraphPregelStep,
		WithPregelMetadata(metadata))
	// Mirror the error to Event.Error for clients that only check it, while
	// keeping the object as graph.pregel.step for existing consumers.
	if options.Error != "" {
		ge.Error = &event.Error{
			Type:    event.ErrorTypeExecution,
			Message: options.Error,
		}
	}
	return ge
}

// NewPregelInterruptEvent creates a new Pregel interrupt event.
func NewPregelInterruptEvent(opts ...PregelEventOption) *event.Event {
	options := &PregelEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := PregelStepMetadata{
		StepNumber:     options.StepNumber,
		Phase:          options.Phase,
		StartTime:      options.StartTime,
		EndTime:        options.EndTime,
		Duration:       options.EndTime.Sub(options.StartTime),
		NodeID:         options.NodeID,
		InterruptValue: options.InterruptValue,
	}
	return NewGraphEvent(options.InvocationID, AuthorGraphPregel, ObjectTypeGraphPregelStep,
		WithPregelMetadata(metadata))
}

// NewChannelUpdateEvent creates a new channel update event.
func NewChannelUpdateEvent(opts ...ChannelEventOption) *event.Event {
	options := &ChannelEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := ChannelUpdateMetadata{
		ChannelName:    options.ChannelName,
		ChannelType:    options.ChannelType,
		ValueCount:     options.ValueCount,
		Available:      options.Available,
		TriggeredNodes: options.TriggeredNodes,
	}
	return NewGraphEvent(options.InvocationID, AuthorGraphPregel, ObjectTypeGraphChannelUpdate,
		WithChannelMetadata(metadata))
}

// NewStateUpdateEvent creates a new state update event. When node batches or
// a state snapshot are attached they ride in StateDelta, so one event serves
// both delta consumers and full-value consumers.
func NewStateUpdateEvent(opts ...StateEventOption) *event.Event {
	options := &StateEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metadata := StateUpdateMetadata{
		UpdatedKeys: options.UpdatedKeys,
		RemovedKeys: options.RemovedKeys,
		StateSize:   options.StateSize,
	}
	e := NewGraphEvent(options.InvocationID, AuthorGraphExecutor, ObjectTypeGraphStateUpdate,
		WithStateMetadata(metadata))
	if len(options.NodeBatches) > 0 {
		ensureStateDelta(e)
		if data, err := json.Marshal(options.NodeBatches); err == nil {
			e.StateDelta[MetadataKeyNodeUpdates] = data
		}
	}
	if options.Values != nil {
		ensureStateDelta(e)
		serializeFinalState(e, options.Values)
	}
	return e
}

// NewGraphCompletionEvent creates the terminal event of a successful run. It
// carries the final response text as content and a serialized snapshot of the
// final state in StateDelta.
func NewGraphCompletionEvent(opts ...CompletionEventOption) *event.Event {
	options := &CompletionEventOptions{}
	for _, opt := range opts {
		opt(options)
	}

	e := NewGraphEvent(options.InvocationID, AuthorGraphExecutor, ObjectTypeGraphExecution)
	e.Done = true
	// Always initialize StateDelta so consumers can rely on it.
	ensureStateDelta(e)
	if finalResponse := extractFinalResponse(options.FinalState); finalResponse != "" {
		e.Content = finalResponse
	}

	addCompletionMetadata(e, options)
	// Include a serialized snapshot of the final state itself so downstream
	// consumers can reconstruct state without additional logic.
	serializeFinalState(e, options.FinalState)
	return e
}

// ensureStateDelta initializes StateDelta if nil.
func ensureStateDelta(e *event.Event) {
	if e.StateDelta == nil {
		e.StateDelta = make(map[string][]byte)
	}
}

// extractFinalResponse fetches the last response text from state.
func extractFinalResponse(state State) string {
	if v, ok := state[StateKeyLastResponse].(string); ok {
		return v
	}
	return ""
}

// addCompletionMetadata attaches completion metadata to StateDelta.
func addCompletionMetadata(e *event.Event, options *CompletionEventOptions) {
	completionMetadata := CompletionMetadata{
		TotalSteps:     options.TotalSteps,
		TotalDuration:  options.TotalDuration,
		FinalStateKeys: len(extractStateKeys(options.FinalState)),
	}
	if jsonData, err := json.Marshal(completionMetadata); err == nil {
		e.StateDelta[MetadataKeyCompletion] = jsonData
	}
}

// serializeFinalState writes serializable final state keys into StateDelta.
func serializeFinalState(e *event.Event, state State) {
	if state == nil {
		return
	}
	for key, value := range state {
		// Skip internal/ephemeral keys that are not JSON-serializable or can
		// race due to concurrent updates.
		if isInternalStateKey(key) {
			continue
		}

		// Marshal a deep-copied snapshot to avoid racing on shared references.
		snapshot := deepCopyAny(value)

		// When users put JSON bytes into graph state, encoding/json would
		// base64 the []byte again. If it's already valid JSON, keep it as-is
		// so downstream consumers can json.Unmarshal it directly.
		if raw, ok := snapshot.([]byte); ok && json.Valid(raw) {
			e.StateDelta[key] = raw
			continue
		}

		if jsonData, err := json.Marshal(snapshot); err == nil {
			e.StateDelta[key] = jsonData
		}
	}
}

// extractStateKeys extracts all keys from a state map.
func extractStateKeys(state State) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	return keys
}

// CheckpointEventOptions contains options for creating checkpoint events.
type CheckpointEventOptions struct {
	InvocationID   string
	CheckpointID   string
	Source         string
	Step           int
	Duration       time.Duration
	Bytes          int64
	WritesCount    int
	ResumeReplay   bool
	InterruptValue any
}

// CheckpointEventOption is a function that configures checkpoint event options.
type CheckpointEventOption func(*CheckpointEventOptions)

// WithCheckpointEventInvocationID sets the invocation ID.
func WithCheckpointEventInvocationID(invocationID string) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithCheckpointEventCheckpointID sets the checkpoint ID.
func WithCheckpointEventCheckpointID(checkpointID string) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.CheckpointID = checkpointID
	}
}

// WithCheckpointEventSource sets the checkpoint source.
func WithCheckpointEventSource(source string) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.Source = source
	}
}

// WithCheckpointEventStep sets the step number.
func WithCheckpointEventStep(step int) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.Step = step
	}
}

// WithCheckpointEventDuration sets the duration.
func WithCheckpointEventDuration(duration time.Duration) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.Duration = duration
	}
}

// WithCheckpointEventBytes sets the bytes written.
func WithCheckpointEventBytes(bytes int64) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.Bytes = bytes
	}
}

// WithCheckpointEventWritesCount sets the writes count.
func WithCheckpointEventWritesCount(count int) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.WritesCount = count
	}
}

// WithCheckpointEventResumeReplay sets the resume replay flag.
func WithCheckpointEventResumeReplay(replay bool) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.ResumeReplay = replay
	}
}

// WithCheckpointEventInterruptValue sets the interrupt value.
func WithCheckpointEventInterruptValue(value any) CheckpointEventOption {
	return func(opts *CheckpointEventOptions) {
		opts.InterruptValue = value
	}
}

func newCheckpointEvent(objectType string, options *CheckpointEventOptions) *event.Event {
	metadata := map[string]any{
		CfgKeyCheckpointID:  options.CheckpointID,
		EventKeySource:      options.Source,
		EventKeyStep:        options.Step,
		EventKeyDuration:    options.Duration,
		EventKeyBytes:       options.Bytes,
		EventKeyWritesCount: options.WritesCount,
	}

	e := NewGraphEvent(options.InvocationID, AuthorGraphExecutor, objectType)
	ensureStateDelta(e)
	if jsonData, err := json.Marshal(metadata); err == nil {
		e.StateDelta[MetadataKeyCheckpoint] = jsonData
	}
	return e
}

// NewCheckpointCreatedEvent creates a new checkpoint created event.
func NewCheckpointCreatedEvent(opts ...CheckpointEventOption) *event.Event {
	options := &CheckpointEventOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return newCheckpointEvent(ObjectTypeGraphCheckpointCreated, options)
}

// NewCheckpointCommittedEvent creates a new checkpoint committed event.
func NewCheckpointCommittedEvent(opts ...CheckpointEventOption) *event.Event {
	options := &CheckpointEventOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return newCheckpointEvent(ObjectTypeGraphCheckpointCommitted, options)
}

// NewCheckpointInterruptEvent creates a checkpoint interrupt event. It is
// emitted when an interrupt checkpoint is persisted and carries the interrupt
// value for debugging UIs.
func NewCheckpointInterruptEvent(opts ...CheckpointEventOption) *event.Event {
	options := &CheckpointEventOptions{}
	for _, opt := range opts {
		opt(options)
	}
	e := newCheckpointEvent(ObjectTypeGraphCheckpointInterrupt, options)
	if options.InterruptValue != nil {
		if jsonData, err := json.Marshal(options.InterruptValue); err == nil {
			e.StateDelta[InterruptChannel] = jsonData
		}
	}
	return e
}

// NodeCustomEventOptions contains options for creating node custom events.
type NodeCustomEventOptions struct {
	InvocationID string
	NodeID       string
	EventType    string
	Category     NodeCustomEventCategory
	StepNumber   int
	Payload      any
	Progress     float64
	Message      string
	Branch       string
}

// NodeCustomEventOption is a function that configures node custom event options.
type NodeCustomEventOption func(*NodeCustomEventOptions)

// WithNodeCustomEventInvocationID sets the invocation ID for node custom events.
func WithNodeCustomEventInvocationID(invocationID string) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.InvocationID = invocationID
	}
}

// WithNodeCustomEventNodeID sets the node ID for node custom events.
func WithNodeCustomEventNodeID(nodeID string) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.NodeID = nodeID
	}
}

// WithNodeCustomEventEventType sets the event type for node custom events.
func WithNodeCustomEventEventType(eventType string) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.EventType = eventType
	}
}

// WithNodeCustomEventCategory sets the category for node custom events.
func WithNodeCustomEventCategory(category NodeCustomEventCategory) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.Category = category
	}
}

// WithNodeCustomEventStepNumber sets the step number for node custom events.
func WithNodeCustomEventStepNumber(stepNumber int) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.StepNumber = stepNumber
	}
}

// WithNodeCustomEventPayload sets the payload for node custom events.
func WithNodeCustomEventPayload(payload any) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.Payload = payload
	}
}

// WithNodeCustomEventProgress sets the progress for node custom events.
func WithNodeCustomEventProgress(progress float64) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.Progress = progress
	}
}

// WithNodeCustomEventMessage sets the message for node custom events.
func WithNodeCustomEventMessage(message string) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.Message = message
	}
}

// WithNodeCustomEventBranch sets the branch for node custom events.
func WithNodeCustomEventBranch(branch string) NodeCustomEventOption {
	return func(opts *NodeCustomEventOptions) {
		opts.Branch = branch
	}
}

// NewNodeCustomEvent creates a new node custom event.
// This function is used for creating general custom events emitted by NodeFunc.
func NewNodeCustomEvent(opts ...NodeCustomEventOption) *event.Event {
	options := &NodeCustomEventOptions{
		Category: NodeCustomEventCategoryCustom,
	}
	for _, opt := range opts {
		opt(options)
	}

	metadata := NodeCustomEventMetadata{
		EventType:    options.EventType,
		Category:     options.Category,
		NodeID:       options.NodeID,
		InvocationID: options.InvocationID,
		StepNumber:   options.StepNumber,
		Timestamp:    time.Now(),
		Payload:      options.Payload,
		Progress:     options.Progress,
		Message:      options.Message,
	}

	evt := NewGraphEvent(
		options.InvocationID,
		formatNodeAuthor(options.NodeID, AuthorGraphNode),
		ObjectTypeGraphNodeCustom,
		WithNodeCustomMetadata(metadata),
	)
	if options.Branch != "" {
		evt.Branch = options.Branch
	}
	return evt
}

// NewNodeProgressEvent creates a new progress event for node execution.
// Progress should be a value between 0 and 100.
func NewNodeProgressEvent(opts ...NodeCustomEventOption) *event.Event {
	options := &NodeCustomEventOptions{
		EventType: "progress",
		Category:  NodeCustomEventCategoryProgress,
	}
	for _, opt := range opts {
		opt(options)
	}

	options.Category = NodeCustomEventCategoryProgress
	if options.EventType == "" {
		options.EventType = "progress"
	}

	// Clamp progress to 0-100.
	if options.Progress < 0 {
		options.Progress = 0
	}
	if options.Progress > 100 {
		options.Progress = 100
	}

	metadata := NodeCustomEventMetadata{
		EventType:    options.EventType,
		Category:     options.Category,
		NodeID:       options.NodeID,
		InvocationID: options.InvocationID,
		StepNumber:   options.StepNumber,
		Timestamp:    time.Now(),
		Progress:     options.Progress,
		Message:      options.Message,
	}

	evt := NewGraphEvent(
		options.InvocationID,
		formatNodeAuthor(options.NodeID, AuthorGraphNode),
		ObjectTypeGraphNodeCustom,
		WithNodeCustomMetadata(metadata),
	)
	if options.Branch != "" {
		evt.Branch = options.Branch
	}
	return evt
}

// NewNodeTextEvent creates a new streaming text event for node execution.
// This is useful for streaming intermediate text output from a node.
func NewNodeTextEvent(opts ...NodeCustomEventOption) *event.Event {
	options := &NodeCustomEventOptions{
		EventType: "text",
		Category:  NodeCustomEventCategoryText,
	}
	for _, opt := range opts {
		opt(options)
	}

	options.Category = NodeCustomEventCategoryText
	if options.EventType == "" {
		options.EventType = "text"
	}

	metadata := NodeCustomEventMetadata{
		EventType:    options.EventType,
		Category:     options.Category,
		NodeID:       options.NodeID,
		InvocationID: options.InvocationID,
		StepNumber:   options.StepNumber,
		Timestamp:    time.Now(),
		Message:      options.Message,
	}

	evt := NewGraphEvent(
		options.InvocationID,
		formatNodeAuthor(options.NodeID, AuthorGraphNode),
		ObjectTypeGraphNodeCustom,
		WithNodeCustomMetadata(metadata),
	)
	if options.Branch != "" {
		evt.Branch = options.Branch
	}
	return evt
}

// NewNodeMessageEvent creates a complete message event attributed to a node.
// The message is carried both as streaming content and as a structured
// payload for immediate consumer access.
func NewNodeMessageEvent(invocationID, nodeID string, msg Message) *event.Event {
	e := event.New(invocationID,
		formatNodeAuthor(nodeID, AuthorGraphNode),
		event.WithObject(event.ObjectTypeMessage),
		event.WithContent(msg.Content),
		event.WithStructuredOutputPayload(msg),
	)
	return e
}

// NewNodeMessageChunkEvent creates a streaming message delta event attributed
// to a node.
func NewNodeMessageChunkEvent(invocationID, nodeID, delta string) *event.Event {
	return event.New(invocationID,
		formatNodeAuthor(nodeID, AuthorGraphNode),
		event.WithObject(event.ObjectTypeMessageChunk),
		event.WithContent(delta),
	)
}
