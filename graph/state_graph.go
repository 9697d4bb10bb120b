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
	"sort"
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// StateGraph provides a fluent interface for building graphs.
// This is the primary public API for creating executable graphs.
//
// StateGraph provides:
//   - Type-safe state management with schemas and reducers
//   - Conditional routing and dynamic node execution
//   - Command support for combined state updates and routing
//
// Example usage:
//
//	schema := NewStateSchema().AddField("counter", StateField{...})
//	graph, err := NewStateGraph(schema).
//	  AddNode("increment", incrementFunc).
//	  SetEntryPoint("increment").
//	  SetFinishPoint("increment").
//	  Compile()
//
// The compiled Graph can then be executed with NewExecutor(graph).
type StateGraph struct {
	graph *Graph

	// buildErrors collects mistakes made while chaining so a fluent call
	// sequence never has to check intermediate results. Compile reports
	// them all at once.
	buildErrors []string
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: New(schema),
	}
}

// recordBuildError buffers a builder error under the method that caused it.
func (sg *StateGraph) recordBuildError(op string, err error) {
	if err == nil {
		return
	}
	sg.buildErrors = append(sg.buildErrors, fmt.Sprintf("%s: %v", op, err))
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithNodeType sets the type of the node used in events and visualization.
func WithNodeType(t NodeType) Option {
	return func(node *Node) {
		node.Type = t
	}
}

// WithDestinations declares the dynamic routing targets a node may produce.
// Keys are target node IDs, values are optional labels. Targets are
// validated at compile time and surfaced by visualization.
func WithDestinations(destinations map[string]string) Option {
	return func(node *Node) {
		node.destinations = destinations
	}
}

// WithEndsMap declares symbolic routing keys for a node. Command.GoTo
// values and conditional results are resolved through this map before
// being treated as literal node IDs, so node functions can stay decoupled
// from graph topology.
func WithEndsMap(ends map[string]string) Option {
	return func(node *Node) {
		node.ends = ends
	}
}

// WithDeferred marks the node as deferred: it is not scheduled while any
// non-deferred work remains in the step, which makes it a natural
// aggregation point for fan-out results.
func WithDeferred() Option {
	return func(node *Node) {
		node.deferred = true
	}
}

// WithInterruptBefore pauses execution before this node runs. The paused
// run is persisted and can be resumed with a ResumeCommand.
func WithInterruptBefore() Option {
	return func(node *Node) {
		node.interruptBefore = true
	}
}

// WithInterruptAfter pauses execution after this node completes. The
// node's writes are already recorded, so resuming does not rerun it.
func WithInterruptAfter() Option {
	return func(node *Node) {
		node.interruptAfter = true
	}
}

// WithRetryPolicy attaches retry policies to the node. Policies are
// consulted in order; the first one that accepts the error drives the
// backoff for the retry.
func WithRetryPolicy(policies ...RetryPolicy) Option {
	return func(node *Node) {
		node.retryPolicies = append(node.retryPolicies, policies...)
	}
}

// WithNodeCachePolicy overrides the graph-level cache policy for this node.
func WithNodeCachePolicy(policy *CachePolicy) Option {
	return func(node *Node) {
		node.cachePolicy = policy
	}
}

// WithNodeCallbacks attaches a callback set to the node.
func WithNodeCallbacks(callbacks *NodeCallbacks) Option {
	return func(node *Node) {
		node.callbacks = callbacks
	}
}

// WithPreNodeCallback registers a single before-node callback.
func WithPreNodeCallback(cb BeforeNodeCallback) Option {
	return func(node *Node) {
		if node.callbacks == nil {
			node.callbacks = NewNodeCallbacks()
		}
		node.callbacks.RegisterBeforeNode(cb)
	}
}

// WithPostNodeCallback registers a single after-node callback.
func WithPostNodeCallback(cb AfterNodeCallback) Option {
	return func(node *Node) {
		if node.callbacks == nil {
			node.callbacks = NewNodeCallbacks()
		}
		node.callbacks.RegisterAfterNode(cb)
	}
}

// WithNodeErrorCallback registers a single error callback.
func WithNodeErrorCallback(cb OnNodeErrorCallback) Option {
	return func(node *Node) {
		if node.callbacks == nil {
			node.callbacks = NewNodeCallbacks()
		}
		node.callbacks.RegisterOnNodeError(cb)
	}
}

// AddNode adds a node with the given ID and function.
// The name and description of the node can be set with the options.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Function: function,
		Type:     NodeTypeFunction,
	}
	for _, opt := range opts {
		opt(node)
	}
	if err := sg.graph.addNode(node); err != nil {
		sg.recordBuildError("AddNode", err)
		return sg
	}
	sg.wireNodeBranchChannel(id)
	return sg
}

// wireNodeBranchChannel registers the node's inbound branch channel and
// subscribes the node to it. Every route into a node, static edge writers,
// conditional routing decisions and Command.GoTo, writes branch:to:<id>,
// so the channel exists as soon as the node does and dynamic routes need
// no edge declared in advance.
func (sg *StateGraph) wireNodeBranchChannel(id string) {
	ch := ChannelBranchPrefix + id
	sg.graph.addChannel(ch, channel.BehaviorEphemeral)
	sg.graph.addNodeTrigger(ch, id)
	sg.graph.addNodeTriggerChannel(id, ch)
}

// AddEdge adds a normal edge between two nodes.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	edge := &Edge{
		From: from,
		To:   to,
	}
	if err := sg.graph.addEdge(edge); err != nil {
		sg.recordBuildError("AddEdge", err)
		return sg
	}
	sg.wireEdgeChannel(from, to)
	return sg
}

// wireEdgeChannel makes a static edge fire: completing the source writes
// the target's branch channel. The channel itself is registered when the
// target node is added. Edges into End need no writer; a run is finished
// when no channel schedules further work.
func (sg *StateGraph) wireEdgeChannel(from, to string) {
	if to == End || from == Start {
		return
	}
	sg.graph.addNodeWriter(from, channelWriteEntry{Channel: ChannelBranchPrefix + to})
}

// joinChannelName returns the barrier channel name for a join edge. The
// sorted source list is part of the name so distinct join groups targeting
// the same node stay isolated.
func joinChannelName(to string, froms []string) string {
	sorted := make([]string, len(froms))
	copy(sorted, froms)
	sort.Strings(sorted)
	return ChannelJoinPrefix + to + ":" + strings.Join(sorted, "+")
}

// AddJoinEdge adds a barrier edge: the target runs only after every listed
// source has completed. The sources write into a shared join channel that
// becomes available once all expected contributors are seen.
func (sg *StateGraph) AddJoinEdge(froms []string, to string) *StateGraph {
	if len(froms) == 0 {
		sg.recordBuildError("AddJoinEdge", fmt.Errorf("join edge requires at least one source"))
		return sg
	}
	for _, from := range froms {
		if err := sg.graph.addEdge(&Edge{From: from, To: to}); err != nil {
			sg.recordBuildError("AddJoinEdge", err)
			return sg
		}
	}
	if to == End {
		return sg
	}
	ch := joinChannelName(to, froms)
	sg.graph.addChannel(ch, channel.BehaviorBarrier)
	if joinCh, ok := sg.graph.getChannel(ch); ok {
		joinCh.SetBarrierExpected(froms)
	}
	sg.graph.addNodeTrigger(ch, to)
	sg.graph.addNodeTriggerChannel(to, ch)
	for _, from := range froms {
		// Barrier channels record contributors by name.
		sg.graph.addNodeWriter(from, channelWriteEntry{Channel: ch, Value: from})
	}
	return sg
}

// AddConditionalEdges adds conditional routing from a node. The condition
// returns a routing key that is resolved through pathMap; when pathMap is
// nil the node's ends mapping is used instead.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	condEdge := &ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}
	if err := sg.graph.addConditionalEdge(condEdge); err != nil {
		sg.recordBuildError("AddConditionalEdges", err)
	}
	return sg
}

// AddMultiConditionalEdges adds conditional routing that can schedule
// several targets in the same step. Each returned key is resolved like a
// single conditional result.
func (sg *StateGraph) AddMultiConditionalEdges(
	from string,
	condition MultiConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	condEdge := &MultiConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}
	if err := sg.graph.addMultiConditionalEdge(condEdge); err != nil {
		sg.recordBuildError("AddMultiConditionalEdges", err)
	}
	return sg
}

// SetEntryPoint sets the entry point of the graph.
// This is equivalent to addEdge(Start, nodeId).
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	if err := sg.graph.setEntryPoint(nodeID); err != nil {
		sg.recordBuildError("SetEntryPoint", err)
		return sg
	}
	// Also add an edge from Start to make it explicit
	sg.AddEdge(Start, nodeID)
	return sg
}

// SetFinishPoint adds an edge from the node to End.
// This is equivalent to addEdge(nodeId, End).
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	sg.AddEdge(nodeID, End)
	return sg
}

// WithCache configures the cache backend shared by all executors of the
// compiled graph.
func (sg *StateGraph) WithCache(c Cache) *StateGraph {
	sg.graph.setCache(c)
	return sg
}

// WithCachePolicy configures the graph-level cache policy. Nodes opt in
// with WithNodeCachePolicy or inherit this default.
func (sg *StateGraph) WithCachePolicy(policy *CachePolicy) *StateGraph {
	sg.graph.setCachePolicy(policy)
	return sg
}

// WithNodeCallbacks attaches callbacks that apply to every node in the
// graph. Nodes carrying their own callbacks keep them.
func (sg *StateGraph) WithNodeCallbacks(callbacks *NodeCallbacks) *StateGraph {
	sg.graph.setNodeCallbacks(callbacks)
	return sg
}

// WithGraphVersion tags the graph with a build version. The version is
// folded into cache namespaces so entries from older builds never leak
// into newer ones.
func (sg *StateGraph) WithGraphVersion(version string) *StateGraph {
	sg.graph.setVersion(version)
	return sg
}

// ClearCache removes cached results for the given nodes, or for every
// registered node when called without arguments.
func (sg *StateGraph) ClearCache(nodeIDs ...string) {
	c := sg.graph.Cache()
	if c == nil {
		return
	}
	if len(nodeIDs) == 0 {
		sg.graph.mu.RLock()
		for id := range sg.graph.nodes {
			nodeIDs = append(nodeIDs, id)
		}
		sg.graph.mu.RUnlock()
	}
	for _, id := range nodeIDs {
		c.Clear(sg.graph.cacheNamespace(id))
	}
}

// Compile compiles the graph and returns it for execution.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.buildErrors) > 0 {
		return nil, fmt.Errorf("graph build failed: %s", strings.Join(sg.buildErrors, "; "))
	}
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile() *Graph {
	graph, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return graph
}

// MessagesStateSchema creates a state schema optimized for message-based workflows.
func MessagesStateSchema() *StateSchema {
	schema := NewStateSchema()
	schema.AddField(StateKeyMessages, StateField{
		Type:    reflect.TypeOf([]Message{}),
		Reducer: MessageReducer,
		Default: func() any { return []Message{} },
	})
	schema.AddField(StateKeyUserInput, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})
	schema.AddField(StateKeyLastResponse, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})
	schema.AddField(StateKeyLastResponseID, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})
	schema.AddField(StateKeyNodeResponses, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return make(map[string]any) },
	})
	schema.AddField(StateKeyMetadata, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return make(map[string]any) },
	})
	return schema
}
