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
	"reflect"
)

// Builder provides convenience methods for creating common node types.
// This is a convenience wrapper around StateGraph for simpler usage patterns.
//
// Builder is useful when you need:
//   - Quick prototyping with less configuration
//   - Common node patterns (function nodes, routing nodes)
//   - A flat API without option slices
//
// For full control and advanced features, use StateGraph directly.
type Builder struct {
	stateGraph *StateGraph
}

// NewBuilder creates a new builder with default state schema.
func NewBuilder() *Builder {
	schema := NewStateSchema()
	return &Builder{
		stateGraph: NewStateGraph(schema),
	}
}

// NewBuilderWithSchema creates a new builder with the given state schema.
func NewBuilderWithSchema(schema *StateSchema) *Builder {
	return &Builder{
		stateGraph: NewStateGraph(schema),
	}
}

// AddFunctionNode adds a function node to the graph.
func (b *Builder) AddFunctionNode(id, name, description string, fn NodeFunc) *Builder {
	b.stateGraph.AddNode(id, fn, WithName(name), WithDescription(description))
	return b
}

// AddConditionalNode adds a pass-through node with conditional routing.
func (b *Builder) AddConditionalNode(
	id, name, description string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *Builder {
	passThrough := func(ctx context.Context, state State) (any, error) {
		// Routing happens through the conditional edge.
		return State{}, nil
	}
	b.stateGraph.AddNode(id, passThrough,
		WithName(name), WithDescription(description), WithNodeType(NodeTypeRouter))
	b.stateGraph.AddConditionalEdges(id, condition, pathMap)
	return b
}

// AddSubgraphNode adds a node that runs a compiled child graph.
func (b *Builder) AddSubgraphNode(id string, child *Graph, opts ...SubgraphOption) *Builder {
	b.stateGraph.AddSubgraphNode(id, child, opts...)
	return b
}

// AddEdge adds an edge between two nodes.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.stateGraph.AddEdge(from, to)
	return b
}

// SetEntryPoint sets the entry point of the graph.
func (b *Builder) SetEntryPoint(nodeID string) *Builder {
	b.stateGraph.SetEntryPoint(nodeID)
	return b
}

// SetFinishPoint sets the finish point of the graph.
func (b *Builder) SetFinishPoint(nodeID string) *Builder {
	b.stateGraph.SetFinishPoint(nodeID)
	return b
}

// Build compiles and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	return b.stateGraph.Compile()
}

// MustBuild compiles and returns the graph or panics.
func (b *Builder) MustBuild() *Graph {
	return b.stateGraph.MustCompile()
}

// GetStateGraph returns the underlying StateGraph for advanced usage.
func (b *Builder) GetStateGraph() *StateGraph {
	return b.stateGraph
}

// ExtendedMessagesStateSchema creates a state schema with messages plus the
// common conversational fields.
func ExtendedMessagesStateSchema() *StateSchema {
	schema := MessagesStateSchema()

	schema.AddField(StateKeyUserInput, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})

	schema.AddField(StateKeyLastResponse, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})

	schema.AddField(StateKeyMetadata, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return make(map[string]any) },
	})
	return schema
}
