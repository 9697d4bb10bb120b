//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides graph-based execution functionality.
package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// Error types for graph execution.
const (
	ErrorTypeGraphExecution  = "graph_execution_error"
	ErrorTypeInvalidNode     = "invalid_node_error"
	ErrorTypeInvalidState    = "invalid_state_error"
	ErrorTypeInvalidEdge     = "invalid_edge_error"
	ErrorTypeConditionalEdge = "conditional_edge_error"
	ErrorTypeStateValidation = "state_validation_error"
	ErrorTypeNodeExecution   = "node_execution_error"
	ErrorTypeCircularRef     = "circular_reference_error"
	ErrorTypeConcurrency     = "concurrency_error"
	ErrorTypeTimeout         = "timeout_error"
	ErrorTypeRecursionLimit  = "recursion_limit_error"
	ErrorTypeInvalidUpdate   = "invalid_update_error"
	ErrorTypeCheckpoint      = "checkpoint_error"
)

// NodeFunc is a function that can be executed by a node.
// Node function signature: (state) -> updated_state or Command.
type NodeFunc func(ctx context.Context, state State) (any, error)

// NodeResult represents the result of executing a node function.
// It can be either a State update or a Command for combined state update + routing.
type NodeResult any

// ConditionalFunc is a function that determines the next node(s) based on state.
// Conditional edge function signature.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// MultiConditionalFunc returns multiple next nodes for parallel execution.
type MultiConditionalFunc func(ctx context.Context, state State) ([]string, error)

// channelWriteEntry represents a write operation to a channel.
type channelWriteEntry struct {
	Channel  string
	Value    any
	SkipNone bool
	Mapper   func(any) any
}

// Node represents a node in the graph.
// Nodes are primarily functions with metadata.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
	Type        NodeType // Type of the node (function, join, router, subgraph).

	// Per-node callbacks for fine-grained control
	callbacks *NodeCallbacks

	// Pregel-style extensions
	triggers []string            // Channels that trigger this node
	channels []string            // Channels this node reads from
	writers  []channelWriteEntry // Channels this node writes to
	mapper   func(any) any       // Input transformation function

	// Declared destinations for dynamic routing visualization and static checks.
	// Keys are target node IDs; values are optional labels.
	destinations map[string]string

	// ends maps symbolic routing keys to target node IDs. Command.GoTo and
	// conditional results are resolved through this map before being treated
	// as literal node IDs.
	ends map[string]string

	// deferred nodes run only once no non-deferred work remains in the step.
	deferred bool

	// Static breakpoints evaluated by the executor around this node.
	interruptBefore bool
	interruptAfter  bool

	// retryPolicies are tried in order until one accepts the error.
	retryPolicies []RetryPolicy

	// cachePolicy overrides the graph-level cache policy for this node.
	cachePolicy *CachePolicy

	// subgraph is set for subgraph nodes and points at the compiled child.
	subgraph *Graph
}

// Edge represents an edge in the graph.
// Simplified edge pattern.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge represents a conditional edge with routing logic.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	PathMap   map[string]string // Maps condition result to target node.
}

// MultiConditionalEdge routes to several targets in one step for parallel
// fan-out. Every returned key is resolved through PathMap (or the node's
// ends) and each resolved target is scheduled.
type MultiConditionalEdge struct {
	From      string
	Condition MultiConditionalFunc
	PathMap   map[string]string
}

// Graph represents a directed graph of nodes and edges.
// This is the compiled runtime structure created by StateGraph.Compile().
// Users typically don't create Graph instances directly. Instead, use:
//   - StateGraph for building graphs with compatible patterns.
//
// The Graph type is the immutable runtime representation that gets executed
// by the Executor.
type Graph struct {
	mu                    sync.RWMutex
	schema                *StateSchema
	nodes                 map[string]*Node
	edges                 map[string][]*Edge
	conditionalEdges      map[string]*ConditionalEdge
	multiConditionalEdges map[string]*MultiConditionalEdge
	entryPoint            string
	// version tags cache namespaces so a redeploy can invalidate stale entries.
	version string
	// Pregel-style extensions
	channelManager *channel.Manager
	triggerToNodes map[string][]string // Maps channel names to nodes that are triggered

	// Node result caching, shared by all executors of this graph.
	cache       Cache
	cachePolicy *CachePolicy

	// callbacks apply to every node unless the node carries its own.
	callbacks *NodeCallbacks
}

// New creates a new empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}

	return &Graph{
		schema:                schema,
		nodes:                 make(map[string]*Node),
		edges:                 make(map[string][]*Edge),
		conditionalEdges:      make(map[string]*ConditionalEdge),
		multiConditionalEdges: make(map[string]*MultiConditionalEdge),
		channelManager:        channel.NewChannelManager(),
		triggerToNodes:        make(map[string][]string),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Edges returns all outgoing edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// MultiConditionalEdge returns the multi-target conditional edge from a node.
func (g *Graph) MultiConditionalEdge(nodeID string) (*MultiConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.multiConditionalEdges[nodeID]
	return edge, exists
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// Cache returns the cache backend configured for this graph, if any.
func (g *Graph) Cache() Cache {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cache
}

// CachePolicy returns the graph-level cache policy, if any.
func (g *Graph) CachePolicy() *CachePolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cachePolicy
}

// setCache configures the cache backend for the graph.
func (g *Graph) setCache(c Cache) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = c
}

// setCachePolicy configures the graph-level cache policy.
func (g *Graph) setCachePolicy(p *CachePolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cachePolicy = p
}

// cacheNamespace returns the cache namespace for a node. When a graph
// version is set it becomes part of the namespace so entries written by an
// older build never satisfy lookups from a newer one.
func (g *Graph) cacheNamespace(nodeID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.version != "" {
		return CacheNamespacePrefix + ":" + g.version + ":" + nodeID
	}
	return buildCacheNamespace(nodeID)
}

// setVersion tags the graph with a build version.
func (g *Graph) setVersion(v string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version = v
}

// hasStaticInterrupts reports whether any node declares a static breakpoint.
func (g *Graph) hasStaticInterrupts() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if n != nil && (n.interruptBefore || n.interruptAfter) {
			return true
		}
	}
	return false
}

// NodeCallbacks returns the graph-wide node callbacks, if any.
func (g *Graph) NodeCallbacks() *NodeCallbacks {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.callbacks
}

// setNodeCallbacks configures graph-wide node callbacks.
func (g *Graph) setNodeCallbacks(cbs *NodeCallbacks) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = cbs
}

// validate validates the graph structure.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.schema != nil {
		if err := g.schema.validateSchema(); err != nil {
			return err
		}
	}
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, exists := g.nodes[g.entryPoint]; !exists {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	// Validate declared destinations exist.
	for _, n := range g.nodes {
		if n == nil || n.destinations == nil || len(n.destinations) == 0 {
			continue
		}
		for to := range n.destinations {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("node %s declares destination %s which does not exist", n.ID, to)
			}
		}
	}
	// Validate ends targets exist.
	for _, n := range g.nodes {
		if n == nil || len(n.ends) == 0 {
			continue
		}
		for key, to := range n.ends {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("node %s end %q refers to node %s which does not exist", n.ID, key, to)
			}
		}
	}
	return nil
}

// resolveEnd maps a symbolic routing key through the node's ends table.
// Literal node IDs pass through unchanged.
func (g *Graph) resolveEnd(nodeID, key string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[nodeID]
	if !ok || len(n.ends) == 0 {
		return key
	}
	if to, ok := n.ends[key]; ok {
		return to
	}
	return key
}

// Task is one unit of work planned for a superstep. PULL tasks come from
// channel triggers; PUSH tasks are created from Send values queued by the
// previous step.
type Task struct {
	// ID is deterministic for a given (namespace, checkpoint, path) so a
	// resumed run can map stored pending writes back to the task that
	// produced them.
	ID     string
	NodeID string

	// Overlay holds per-task state merged over the shared state copy.
	// PUSH tasks carry their Send payload here.
	Overlay State

	// Triggers lists the channels that scheduled this task. Versions seen
	// advance for exactly these channels once the task's writes apply.
	Triggers []string

	// IsPush marks tasks created from pending sends; SendIndex is the
	// position in the pending sends list.
	IsPush    bool
	SendIndex int
}

// Path tags the task origin for checkpoint write attribution.
func (t *Task) Path() string {
	if t == nil {
		return ""
	}
	if t.IsPush {
		return fmt.Sprintf("%s:%d", TaskPathPush, t.SendIndex)
	}
	return TaskPathPull + ":" + t.NodeID
}

// Task path tags stored alongside pending writes.
const (
	TaskPathPull = "PULL"
	TaskPathPush = "PUSH"
)

// ExecutionContext contains context for graph execution.
type ExecutionContext struct {
	Graph        *Graph
	EventChan    chan<- *event.Event
	InvocationID string

	// executor is the executor driving this run. Subgraph nodes use it to
	// inherit the parent's saver and execution settings.
	executor *Executor

	// channels is this run's private clone of the graph's channel
	// templates. Compiled graphs are shared across executions; all
	// runtime channel state lives here.
	channels *channel.Manager

	// stateMutex protects State reads/writes.
	stateMutex sync.RWMutex
	State      State

	// pendingMu protects pendingWrites operations.
	pendingMu     sync.Mutex
	pendingWrites []PendingWrite
	resumed       bool
	seq           atomic.Int64 // Atomic sequence counter for deterministic replay

	// tasksMutex protects pendingTasks queue operations.
	tasksMutex   sync.Mutex
	pendingTasks []*Task

	// versionsSeen tracks which channel versions each node has seen.
	// Map from nodeID -> channelName -> version number.
	versionsSeen   map[string]map[string]int64
	versionsSeenMu sync.RWMutex

	// lastCheckpoint holds the most recent checkpoint used for planning
	// when resuming. Keeping this per-execution avoids cross-run sharing
	// when a single Executor is reused concurrently.
	lastCheckpoint *Checkpoint

	// sendsMu protects the pending sends queue shared between the apply
	// phase (producer) and the planner (consumer).
	sendsMu      sync.Mutex
	pendingSends []PendingSend
	// inFlightSends holds the sends drained by the current step's planner
	// until their writes apply, so an interrupt checkpoint taken mid-step
	// can put them back into PendingSends.
	inFlightSends []PendingSend

	// completedTaskIDs marks tasks whose writes were replayed from the
	// resumed checkpoint. The planner still schedules them so channel
	// bookkeeping advances, but the runner skips their node functions.
	completedTaskIDs map[string]bool

	// restoredTaskWrites holds the resumed checkpoint's stored writes
	// grouped by task ID. Writes of replanned tasks re-enter the step
	// buffer when the runner skips those tasks, so the apply phase folds
	// them in plan order; writes whose task is never replanned fold
	// directly after planning. Guarded by pendingMu.
	restoredTaskWrites map[string][]PendingWrite

	// restoredTaskInputs carries per-task input snapshots recorded by an
	// interrupt checkpoint, keyed by task ID.
	restoredTaskInputs map[string]State

	// checkpointConfig addresses this run's checkpoint lineage. Updated
	// after every save so later writes attach to the latest checkpoint.
	checkpointConfig map[string]any

	// emitCheckpointEvents gates checkpoint lifecycle events.
	emitCheckpointEvents bool

	// runMetadata is caller metadata copied into the extra metadata of
	// every checkpoint the run creates.
	runMetadata map[string]any

	// durability is the effective checkpoint durability of this run: the
	// run option when given, the executor's setting otherwise.
	durability Durability

	// runInterruptBefore and runInterruptAfter are per-run breakpoints by
	// node ID; "*" matches every node. They extend the breakpoints
	// declared on the nodes themselves.
	runInterruptBefore map[string]bool
	runInterruptAfter  map[string]bool

	// saveWG tracks in-flight asynchronous checkpoint saves.
	saveWG sync.WaitGroup
}

// nextSequence returns a monotonically increasing sequence number used to
// order pending writes for deterministic replay.
func (ec *ExecutionContext) nextSequence() int64 {
	return ec.seq.Add(1)
}

// addPendingWrites appends writes to the step's pending write buffer.
func (ec *ExecutionContext) addPendingWrites(writes ...PendingWrite) {
	if len(writes) == 0 {
		return
	}
	ec.pendingMu.Lock()
	ec.pendingWrites = append(ec.pendingWrites, writes...)
	ec.pendingMu.Unlock()
}

// takePendingWrites returns the buffered writes and clears the buffer.
func (ec *ExecutionContext) takePendingWrites() []PendingWrite {
	ec.pendingMu.Lock()
	writes := ec.pendingWrites
	ec.pendingWrites = nil
	ec.pendingMu.Unlock()
	return writes
}

// snapshotPendingWrites returns a copy of the buffered writes, followed by
// any restored writes that have not been replayed yet, without clearing
// either. An interrupt checkpoint taken mid-replay must keep carrying the
// writes of tasks whose turn never came.
func (ec *ExecutionContext) snapshotPendingWrites() []PendingWrite {
	ec.pendingMu.Lock()
	writes := make([]PendingWrite, len(ec.pendingWrites))
	copy(writes, ec.pendingWrites)
	for _, restored := range ec.restoredTaskWrites {
		writes = append(writes, restored...)
	}
	ec.pendingMu.Unlock()
	return writes
}

// setRestoredWrites records the resumed checkpoint's stored writes, keyed by
// the task that produced them.
func (ec *ExecutionContext) setRestoredWrites(groups map[string][]PendingWrite) {
	if len(groups) == 0 {
		return
	}
	ec.pendingMu.Lock()
	ec.restoredTaskWrites = groups
	ec.pendingMu.Unlock()
}

// takeRestoredWrites removes and returns the restored writes of one task.
func (ec *ExecutionContext) takeRestoredWrites(taskID string) []PendingWrite {
	ec.pendingMu.Lock()
	writes := ec.restoredTaskWrites[taskID]
	delete(ec.restoredTaskWrites, taskID)
	ec.pendingMu.Unlock()
	return writes
}

// takeUnplannedRestoredWrites removes and returns every restored write whose
// task is absent from the planned set.
func (ec *ExecutionContext) takeUnplannedRestoredWrites(planned map[string]bool) []PendingWrite {
	ec.pendingMu.Lock()
	var unplanned []PendingWrite
	for id, writes := range ec.restoredTaskWrites {
		if planned[id] {
			continue
		}
		unplanned = append(unplanned, writes...)
		delete(ec.restoredTaskWrites, id)
	}
	ec.pendingMu.Unlock()
	return unplanned
}

// queueSends appends Send payloads produced by the current step. They become
// PUSH tasks in the next superstep and persist as the checkpoint's pending
// sends until consumed.
func (ec *ExecutionContext) queueSends(sends ...PendingSend) {
	if len(sends) == 0 {
		return
	}
	ec.sendsMu.Lock()
	ec.pendingSends = append(ec.pendingSends, sends...)
	ec.sendsMu.Unlock()
}

// drainSends moves the queued sends into the in-flight buffer and returns
// them in queue order.
func (ec *ExecutionContext) drainSends() []PendingSend {
	ec.sendsMu.Lock()
	sends := ec.pendingSends
	ec.pendingSends = nil
	ec.inFlightSends = sends
	ec.sendsMu.Unlock()
	return sends
}

// settleSends discards the in-flight sends once their step has applied.
func (ec *ExecutionContext) settleSends() {
	ec.sendsMu.Lock()
	ec.inFlightSends = nil
	ec.sendsMu.Unlock()
}

// outstandingSends returns the sends a checkpoint taken right now must
// carry: queued sends plus any drained by a step that has not applied yet.
func (ec *ExecutionContext) outstandingSends() []PendingSend {
	ec.sendsMu.Lock()
	defer ec.sendsMu.Unlock()
	out := make([]PendingSend, 0, len(ec.inFlightSends)+len(ec.pendingSends))
	out = append(out, ec.inFlightSends...)
	out = append(out, ec.pendingSends...)
	return out
}

// CommandParent addresses the parent graph in Command.Graph so a subgraph
// node can route state updates and goto targets one level up.
const CommandParent = "__parent__"

// Send dispatches an input payload to a node in the next superstep.
// Sends bypass edge triggering and carry their own state overlay, so the
// same node can run multiple times in one step with different inputs.
type Send struct {
	Node  string `json:"node"`
	Input any    `json:"input"`
}

// Command represents a command that combines state updates with routing.
type Command struct {
	Update    State
	GoTo      string
	Sends     []Send
	Graph     string
	Resume    any
	ResumeMap map[string]any
}

// addNode adds a node to the graph.
func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty for %+v", node)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists for %+v", node.ID, node)
	}
	g.nodes[node.ID] = node
	return nil
}

// addEdge adds an edge to the graph.
func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge from and to cannot be empty")
	}
	// Allow Start and End as special nodes
	if edge.From != Start {
		if _, exists := g.nodes[edge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", edge.From)
		}
	}
	if edge.To != End {
		if _, exists := g.nodes[edge.To]; !exists {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

// addConditionalEdge adds a conditional edge to the graph.
func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	if condEdge.Condition == nil {
		return fmt.Errorf("conditional edge from %s has no condition function", condEdge.From)
	}
	if condEdge.From != Start {
		if _, exists := g.nodes[condEdge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", condEdge.From)
		}
	}
	// Validate all target nodes in path map
	for _, to := range condEdge.PathMap {
		if to != End {
			if _, exists := g.nodes[to]; !exists {
				return fmt.Errorf("target node %s does not exist", to)
			}
		}
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

// addMultiConditionalEdge adds a multi-target conditional edge to the graph.
func (g *Graph) addMultiConditionalEdge(condEdge *MultiConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	if condEdge.Condition == nil {
		return fmt.Errorf("conditional edge from %s has no condition function", condEdge.From)
	}
	if condEdge.From != Start {
		if _, exists := g.nodes[condEdge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", condEdge.From)
		}
	}
	for _, to := range condEdge.PathMap {
		if to != End {
			if _, exists := g.nodes[to]; !exists {
				return fmt.Errorf("target node %s does not exist", to)
			}
		}
	}
	g.multiConditionalEdges[condEdge.From] = condEdge
	return nil
}

// setEntryPoint sets the entry point of the graph.
func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nodeID != "" {
		if _, exists := g.nodes[nodeID]; !exists {
			return fmt.Errorf("entry point node %s does not exist", nodeID)
		}
	}
	g.entryPoint = nodeID
	return nil
}

// Pregel-style methods

// addChannel adds a channel to the graph.
func (g *Graph) addChannel(name string, channelType channel.Behavior) {
	g.channelManager.AddChannel(name, channelType)
}

// addChannelWithOptions adds a channel configured with the given options.
func (g *Graph) addChannelWithOptions(name string, channelType channel.Behavior, opts ...channel.Option) {
	g.channelManager.AddChannel(name, channelType, opts...)
}

// getChannel retrieves a channel by name.
func (g *Graph) getChannel(name string) (*channel.Channel, bool) {
	return g.channelManager.GetChannel(name)
}

// getAllChannels returns all channels in the graph.
func (g *Graph) getAllChannels() map[string]*channel.Channel {
	return g.channelManager.GetAllChannels()
}

// getTriggerToNodes returns the mapping of channels to triggered nodes.
func (g *Graph) getTriggerToNodes() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make(map[string][]string)
	for k, v := range g.triggerToNodes {
		result[k] = append([]string{}, v...)
	}
	return result
}

// addNodeTrigger adds a trigger relationship between a channel and a node.
func (g *Graph) addNodeTrigger(channelName string, nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Deduplicate
	existing := g.triggerToNodes[channelName]
	for _, n := range existing {
		if n == nodeID {
			return
		}
	}
	g.triggerToNodes[channelName] = append(existing, nodeID)
}

// addNodeWriter adds a writer to a node.
func (g *Graph) addNodeWriter(nodeID string, writer channelWriteEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node, exists := g.nodes[nodeID]; exists {
		node.writers = append(node.writers, writer)
	}
}

// addNodeTriggerChannel adds a trigger to a node.
func (g *Graph) addNodeTriggerChannel(nodeID string, channelName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, exists := g.nodes[nodeID]
	if !exists {
		return
	}
	for _, existing := range node.triggers {
		if existing == channelName {
			return
		}
	}
	node.triggers = append(node.triggers, channelName)
}

// addNodeChannel adds a channel that a node reads from.
func (g *Graph) addNodeChannel(nodeID string, channelName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node, exists := g.nodes[nodeID]; exists {
		node.channels = append(node.channels, channelName)
	}
}
