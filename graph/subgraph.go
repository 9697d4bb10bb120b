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
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// CheckpointNSSeparator joins namespace segments of nested graph runs. A
// subgraph node appends "node:taskID" to the parent namespace, so every
// nesting level checkpoints under its own namespace on the shared thread.
const CheckpointNSSeparator = "|"

// Keys of the subgraph interrupt linkage stored in parent state under
// StateKeySubgraphInterrupt when a child run pauses.
const (
	subgraphInterruptKeyParentNodeID      = "parent_node_id"
	subgraphInterruptKeyChildTaskID       = "child_task_id"
	subgraphInterruptKeyChildCheckpointNS = "child_checkpoint_ns"
	subgraphInterruptKeyChildThreadID     = "child_thread_id"
	subgraphInterruptKeyChildCheckpointID = "child_checkpoint_id"
)

// childNamespace composes the checkpoint namespace of a subgraph run from
// the parent namespace, the subgraph node and the task being executed. The
// task ID keeps parallel activations of the same node (e.g. fan-out sends)
// in distinct namespaces, and is deterministic so a resumed parent finds the
// same child namespace again.
func childNamespace(parentNS, nodeID, taskID string) string {
	segment := nodeID
	if taskID != "" {
		segment = nodeID + ":" + taskID
	}
	if parentNS == "" {
		return segment
	}
	return parentNS + CheckpointNSSeparator + segment
}

// SubgraphResult is what a completed child run hands to the output mapper.
type SubgraphResult struct {
	// FinalState is the child's final state with internal bookkeeping
	// stripped.
	FinalState State
	// ParentCommand is set when a child node issued a Command addressed to
	// the parent graph. The executor applies it as this node's result; the
	// mapper only sees it.
	ParentCommand *Command
}

// SubgraphInputMapper derives the child's input state from the parent state.
type SubgraphInputMapper func(parent State) State

// SubgraphOutputMapper derives the node's state writes from the child
// result. Returning nil writes nothing; edges out of the node still fire.
type SubgraphOutputMapper func(parent State, result SubgraphResult) State

type subgraphOptions struct {
	inputMapper           SubgraphInputMapper
	outputMapper          SubgraphOutputMapper
	isolatedMessages      bool
	inputFromLastResponse bool
	executorOptions       []ExecutorOption
}

// SubgraphOption configures a subgraph node.
type SubgraphOption func(*subgraphOptions)

// WithSubgraphInputMapper replaces the default child input (the parent state
// minus run bookkeeping) with a mapped one.
func WithSubgraphInputMapper(fn SubgraphInputMapper) SubgraphOption {
	return func(o *subgraphOptions) {
		o.inputMapper = fn
	}
}

// WithSubgraphOutputMapper replaces the default output merge (child values
// for keys the parent schema declares) with a mapped one.
func WithSubgraphOutputMapper(fn SubgraphOutputMapper) SubgraphOption {
	return func(o *subgraphOptions) {
		o.outputMapper = fn
	}
}

// WithSubgraphIsolatedMessages starts the child with an empty message
// history and keeps the child's messages out of the default output.
func WithSubgraphIsolatedMessages() SubgraphOption {
	return func(o *subgraphOptions) {
		o.isolatedMessages = true
	}
}

// WithSubgraphInputFromLastResponse seeds the child's user input from the
// parent's last response, chaining conversational graphs.
func WithSubgraphInputFromLastResponse() SubgraphOption {
	return func(o *subgraphOptions) {
		o.inputFromLastResponse = true
	}
}

// WithSubgraphExecutorOptions appends executor options for the child run on
// top of the settings inherited from the parent executor.
func WithSubgraphExecutorOptions(opts ...ExecutorOption) SubgraphOption {
	return func(o *subgraphOptions) {
		o.executorOptions = append(o.executorOptions, opts...)
	}
}

// AddSubgraphNode adds a node that runs a compiled child graph. The child
// checkpoints on the parent's thread under a nested namespace, its events
// stream into the parent's run, and an interrupt inside the child pauses the
// parent; resuming the parent routes the resume value back into the child.
func (sg *StateGraph) AddSubgraphNode(id string, child *Graph, opts ...SubgraphOption) *StateGraph {
	if child == nil {
		sg.recordBuildError("AddSubgraphNode", fmt.Errorf("subgraph node %s has no child graph", id))
		return sg
	}
	options := &subgraphOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	node := &Node{
		ID:       id,
		Name:     id,
		Function: newSubgraphNodeFunc(id, child, options),
		Type:     NodeTypeSubgraph,
		subgraph: child,
	}
	if err := sg.graph.addNode(node); err != nil {
		sg.recordBuildError("AddSubgraphNode", err)
		return sg
	}
	sg.wireNodeBranchChannel(id)
	return sg
}

// newSubgraphNodeFunc wraps a child graph as a node function.
func newSubgraphNodeFunc(nodeID string, child *Graph, options *subgraphOptions) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		run := &subgraphRun{nodeID: nodeID, child: child, options: options}
		run.bind(state)
		return run.run(ctx, state)
	}
}

// subgraphRun carries the wiring of one child execution.
type subgraphRun struct {
	nodeID  string
	child   *Graph
	options *subgraphOptions

	execCtx  *ExecutionContext
	parent   *Executor
	saver    CheckpointSaver
	threadID string
	parentNS string
	childNS  string
}

// bind picks up the parent run wiring from the task state. A subgraph can
// also run detached (no execution context), e.g. when the node function is
// called directly in tests; it then executes without checkpointing.
func (r *subgraphRun) bind(state State) {
	r.execCtx, _ = state[StateKeyExecContext].(*ExecutionContext)
	if r.execCtx != nil {
		r.parent = r.execCtx.executor
	}
	if r.parent != nil {
		r.saver = r.parent.checkpointSaver
	}
	taskID, _ := state[StateKeyCurrentTaskID].(string)
	r.threadID, _ = state[CfgKeyThreadID].(string)
	r.parentNS, _ = state[CfgKeyCheckpointNS].(string)
	r.childNS = childNamespace(r.parentNS, r.nodeID, taskID)
}

func (r *subgraphRun) run(ctx context.Context, state State) (any, error) {
	var input State
	if r.resumingChild(ctx) {
		// A paused child restores from its own checkpoint. Re-projecting the
		// parent state here would overwrite what the child accumulated, so
		// only the resume command and the refreshed ancestry ride along.
		input = State{}
		r.attachParentLinkage(state, input)
		r.attachResume(state, input)
	} else {
		input = r.buildInput(state)
	}

	exec, err := r.childExecutor()
	if err != nil {
		return nil, err
	}
	invocation := r.childInvocation()
	outcome := &runOutcome{}
	events, err := exec.execute(ctx, input, invocation, outcome)
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", r.nodeID, err)
	}
	r.forwardEvents(ctx, events, invocation.Branch)

	if outcome.err != nil {
		return nil, r.handleRunError(ctx, outcome.err)
	}
	return r.buildOutput(state, outcome.finalState)
}

// buildInput derives the child's initial state. The default takes the parent
// state minus runtime wiring and the resume / interrupt bookkeeping of the
// parent run, which must not leak one level down.
func (r *subgraphRun) buildInput(parent State) State {
	var input State
	if r.options.inputMapper != nil {
		input = r.options.inputMapper(parent)
		if input == nil {
			input = State{}
		}
	} else {
		input = parent.deepCopy(false, nil)
		for _, key := range []string{
			ResumeChannel, InterruptChannel, ErrorChannel,
			ChannelTasks, StateKeyParentCommand, StateKeyStaticInterruptSkips,
		} {
			delete(input, key)
		}
	}
	if r.options.isolatedMessages {
		delete(input, StateKeyMessages)
	}
	if r.options.inputFromLastResponse {
		if response, ok := parent[StateKeyLastResponse].(string); ok && response != "" {
			input[StateKeyUserInput] = response
		}
	}
	r.attachParentLinkage(parent, input)
	return input
}

// attachParentLinkage records which parent checkpoint the child run descends
// from, so child checkpoint metadata carries the full ancestry.
func (r *subgraphRun) attachParentLinkage(parent, input State) {
	if r.execCtx == nil || r.saver == nil {
		return
	}
	parentCheckpointID := GetCheckpointID(r.execCtx.getCheckpointConfig())
	if parentCheckpointID == "" {
		return
	}
	parents := make(map[string]string)
	switch existing := parent[StateKeyParentCheckpoints].(type) {
	case map[string]string:
		for ns, id := range existing {
			parents[ns] = id
		}
	case map[string]any:
		for ns, id := range existing {
			if s, ok := id.(string); ok {
				parents[ns] = s
			}
		}
	}
	parents[r.parentNS] = parentCheckpointID
	input[StateKeyParentCheckpoints] = parents
}

// resumingChild reports whether the child namespace holds a paused run. Only
// then are the parent's resume values routed into the child; a fresh child
// must not consume them.
func (r *subgraphRun) resumingChild(ctx context.Context) bool {
	if r.saver == nil || r.threadID == "" {
		return false
	}
	tuple, err := r.saver.GetTuple(ctx, CreateCheckpointConfig(r.threadID, "", r.childNS))
	if err != nil || tuple == nil || tuple.Checkpoint == nil {
		return false
	}
	return tuple.Checkpoint.InterruptState != nil
}

// attachResume passes the parent's resume values down as the child's resume
// command.
func (r *subgraphRun) attachResume(parent, input State) {
	cmd := &Command{}
	if v, ok := parent[ResumeChannel]; ok {
		cmd.Resume = v
	}
	if m, ok := parent[StateKeyResumeMap].(map[string]any); ok && len(m) > 0 {
		cmd.ResumeMap = m
	}
	if cmd.Resume == nil && cmd.ResumeMap == nil {
		return
	}
	input[StateKeyCommand] = cmd
}

// childExecutor builds the executor for the child run, inheriting the
// parent's saver and execution settings.
func (r *subgraphRun) childExecutor() (*Executor, error) {
	var opts []ExecutorOption
	if p := r.parent; p != nil {
		if p.checkpointSaver != nil {
			opts = append(opts, WithCheckpointSaver(p.checkpointSaver))
		}
		if durability := p.effectiveDurability(r.execCtx); durability != "" {
			opts = append(opts, WithDurability(durability))
		}
		if p.maxSteps > 0 {
			opts = append(opts, WithMaxSteps(p.maxSteps))
		}
		if p.maxConcurrency > 0 {
			opts = append(opts, WithMaxConcurrency(p.maxConcurrency))
		}
		if p.channelBufferSize > 0 {
			opts = append(opts, WithChannelBufferSize(p.channelBufferSize))
		}
		if p.stepTimeout > 0 {
			opts = append(opts, WithStepTimeout(p.stepTimeout))
		}
		if p.nodeTimeout > 0 {
			opts = append(opts, WithNodeTimeout(p.nodeTimeout))
		}
		if len(p.defaultRetry) > 0 {
			opts = append(opts, WithDefaultRetryPolicy(p.defaultRetry...))
		}
	}
	opts = append(opts, r.options.executorOptions...)
	exec, err := NewExecutor(r.child, opts...)
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", r.nodeID, err)
	}
	return exec, nil
}

// childInvocation derives the child run's invocation. The ID extends the
// parent's so a resumed parent produces the same child invocation again, and
// the branch carries the nested namespace for event filtering.
func (r *subgraphRun) childInvocation() *Invocation {
	branch := r.childNS
	if branch == "" {
		branch = r.nodeID
	}
	invocation := &Invocation{Branch: branch}
	if r.execCtx != nil && r.execCtx.InvocationID != "" {
		invocation.InvocationID = r.execCtx.InvocationID + CheckpointNSSeparator + branch
	} else {
		invocation.InvocationID = NewInvocation().InvocationID
	}
	if r.saver != nil && r.threadID != "" {
		invocation.RunOptions.RuntimeState = map[string]any{
			CfgKeyThreadID:     r.threadID,
			CfgKeyCheckpointNS: r.childNS,
		}
	}
	return invocation
}

// forwardEvents streams the child's events into the parent run. Terminal
// events stay inside the child; the parent emits its own when the node's
// step settles. The loop always drains the channel, which is what
// synchronizes reading the child outcome.
func (r *subgraphRun) forwardEvents(ctx context.Context, events <-chan *event.Event, branch string) {
	var parentChan chan<- *event.Event
	if r.execCtx != nil {
		parentChan = r.execCtx.EventChan
	}
	for evt := range events {
		if evt == nil || evt.Done || parentChan == nil {
			continue
		}
		if evt.Branch == "" {
			evt.Branch = branch
		}
		if err := event.Emit(ctx, parentChan, evt); err != nil {
			log.Debugf("subgraph %s: dropping %s event: %v", r.nodeID, evt.Object, err)
		}
	}
}

// handleRunError turns the child's terminal error into this node's result.
// Interrupts pass through after the parent state records where the child
// paused; anything else fails the node.
func (r *subgraphRun) handleRunError(ctx context.Context, runErr error) error {
	intr, ok := GetInterruptError(runErr)
	if !ok {
		return fmt.Errorf("subgraph %s: %w", r.nodeID, runErr)
	}
	r.recordInterruptLinkage(ctx, intr)
	// The child's next nodes and rerun flag name nodes of the child graph;
	// they stay in the child's checkpoint. The parent records its own pending
	// tasks, which include this node, so a resume re-enters the child.
	intr.NextNodes = nil
	intr.SkipRerun = false
	return runErr
}

// recordInterruptLinkage stores which child namespace paused into the parent
// run state, so the parent's interrupt checkpoint can be traced back to the
// child checkpoint that holds the actual pause.
func (r *subgraphRun) recordInterruptLinkage(ctx context.Context, intr *InterruptError) {
	if r.execCtx == nil {
		return
	}
	linkage := map[string]any{
		subgraphInterruptKeyParentNodeID:      r.nodeID,
		subgraphInterruptKeyChildTaskID:       intr.TaskID,
		subgraphInterruptKeyChildCheckpointNS: r.childNS,
		subgraphInterruptKeyChildThreadID:     r.threadID,
	}
	if id := r.latestChildCheckpointID(ctx); id != "" {
		linkage[subgraphInterruptKeyChildCheckpointID] = id
	}
	r.execCtx.stateMutex.Lock()
	r.execCtx.State[StateKeySubgraphInterrupt] = linkage
	r.execCtx.stateMutex.Unlock()
}

// latestChildCheckpointID returns the newest checkpoint of the child
// namespace; after an interrupt that is the child's interrupt checkpoint,
// which the child saved before its error reached us.
func (r *subgraphRun) latestChildCheckpointID(ctx context.Context) string {
	if r.saver == nil || r.threadID == "" {
		return ""
	}
	tuple, err := r.saver.GetTuple(ctx, CreateCheckpointConfig(r.threadID, "", r.childNS))
	if err != nil || tuple == nil || tuple.Checkpoint == nil {
		return ""
	}
	return tuple.Checkpoint.ID
}

// buildOutput maps the completed child run to this node's result. A command
// the child addressed to the parent graph comes back as this node's Command,
// carrying the mapped updates with it.
func (r *subgraphRun) buildOutput(parent, finalState State) (any, error) {
	if finalState == nil {
		finalState = State{}
	}
	result := SubgraphResult{FinalState: finalState}
	if cmd := parentCommandValue(finalState[StateKeyParentCommand]); cmd != nil {
		delete(finalState, StateKeyParentCommand)
		result.ParentCommand = cmd
	}

	var updates State
	if r.options.outputMapper != nil {
		updates = r.options.outputMapper(parent, result)
	} else {
		updates = r.defaultOutput(finalState)
	}

	if cmd := result.ParentCommand; cmd != nil {
		merged := State{}
		for k, v := range updates {
			merged[k] = v
		}
		for k, v := range cmd.Update {
			merged[k] = v
		}
		out := &Command{GoTo: cmd.GoTo, Sends: cmd.Sends}
		if len(merged) > 0 {
			out.Update = merged
		}
		return out, nil
	}
	return updates, nil
}

// defaultOutput keeps the child values for keys the parent schema declares,
// plus the conversational outputs shared by convention.
func (r *subgraphRun) defaultOutput(finalState State) State {
	var schema *StateSchema
	if r.execCtx != nil && r.execCtx.Graph != nil {
		schema = r.execCtx.Graph.Schema()
	}
	if schema == nil {
		out := finalState.Clone()
		delete(out, StateKeyParentCheckpoints)
		if r.options.isolatedMessages {
			delete(out, StateKeyMessages)
		}
		return out
	}
	out := State{}
	for key, value := range finalState {
		if _, declared := schema.Field(key); declared {
			out[key] = value
			continue
		}
		switch key {
		case StateKeyLastResponse, StateKeyLastResponseID, StateKeyNodeResponses:
			out[key] = value
		}
	}
	if r.options.isolatedMessages {
		delete(out, StateKeyMessages)
	}
	return out
}

// parentCommandValue normalizes the parent-command slot of a final state.
func parentCommandValue(v any) *Command {
	switch cmd := v.(type) {
	case *Command:
		return cmd
	case Command:
		return &cmd
	}
	return nil
}
