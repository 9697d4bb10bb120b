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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// executeStepTasks runs all tasks of one superstep, bounded by the
// executor's concurrency limit. A fatal task error wins over a concurrent
// interrupt since the step can no longer commit.
func (e *Executor) executeStepTasks(
	ctx context.Context,
	execCtx *ExecutionContext,
	tasks []*Task,
	step int,
	report *stepExecutionReport,
) error {
	concurrency := e.maxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	if len(tasks) <= 1 || concurrency == 1 {
		var firstIntr error
		for _, task := range tasks {
			if err := e.executeTask(ctx, execCtx, task, step, report); err != nil {
				if IsInterruptError(err) {
					if firstIntr == nil {
						firstIntr = err
					}
					continue
				}
				return err
			}
		}
		return firstIntr
	}

	pool, poolErr := ants.NewPool(concurrency)
	if poolErr != nil {
		log.Warnf("graph executor: worker pool unavailable, running tasks inline: %v", poolErr)
	} else {
		defer pool.Release()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(tasks))
	for _, task := range tasks {
		task := task
		wg.Add(1)
		run := func() {
			defer wg.Done()
			if err := e.executeTask(ctx, execCtx, task, step, report); err != nil {
				errCh <- err
			}
		}
		if pool != nil {
			if err := pool.Submit(run); err != nil {
				// The pool is closed or overloaded; running inline keeps the
				// step from silently dropping the task.
				run()
			}
		} else {
			run()
		}
	}
	wg.Wait()
	close(errCh)

	var firstErr, firstIntr error
	for err := range errCh {
		if IsInterruptError(err) {
			if firstIntr == nil {
				firstIntr = err
			}
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return firstIntr
}

// executeTask runs a single task: cache lookup, callbacks, the node function
// with retries, then write collection and routing. Writes are buffered on
// the execution context and persisted per task; they apply to shared state
// only after the whole step succeeds.
func (e *Executor) executeTask(
	ctx context.Context,
	execCtx *ExecutionContext,
	task *Task,
	step int,
	report *stepExecutionReport,
) (err error) {
	if task == nil {
		return nil
	}
	node, ok := e.graph.Node(task.NodeID)
	if !ok || node == nil {
		return fmt.Errorf("node %s not found", task.NodeID)
	}

	// Tasks with stored writes from the resumed checkpoint must not run
	// again. Their writes re-enter the step buffer here so the apply phase
	// folds them in plan order alongside the re-executed siblings.
	if execCtx.completedTaskIDs[task.ID] {
		execCtx.addPendingWrites(execCtx.takeRestoredWrites(task.ID)...)
		report.markCompleted(task)
		return nil
	}

	taskState := e.buildTaskStateCopy(execCtx, task)
	taskState[StateKeyCurrentNodeID] = task.NodeID
	taskState[StateKeyCurrentTaskID] = task.ID
	taskState[StateKeyExecContext] = execCtx
	report.recordInput(task, taskState)

	nodeType := e.getNodeType(task.NodeID)
	startTime := time.Now()
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewExecuteNodeSpanName(task.NodeID))
	defer span.End()
	var writeKeys []string
	defer func() {
		duration := time.Since(startTime)
		if intr, ok := GetInterruptError(err); ok {
			itelemetry.TraceExecuteNode(span, task.NodeID, string(nodeType), task.ID, step, nil, nil)
			itelemetry.TraceNodeInterrupt(span, intr.Key)
			itelemetry.ReportNodeExecutionMetrics(ctx, itelemetry.NodeExecutionAttributes{
				NodeID:   task.NodeID,
				NodeType: string(nodeType),
			}, duration)
			return
		}
		itelemetry.TraceExecuteNode(span, task.NodeID, string(nodeType), task.ID, step, writeKeys, err)
		itelemetry.ReportNodeExecutionMetrics(ctx, itelemetry.NodeExecutionAttributes{
			NodeID:   task.NodeID,
			NodeType: string(nodeType),
			Error:    err,
		}, duration)
	}()
	callbackCtx := e.newNodeCallbackContext(execCtx, task.NodeID, nodeType, step, startTime)
	callbackCtx.TaskID = task.ID
	callbacks := e.getMergedCallbacks(taskState, task.NodeID)

	e.emit(ctx, execCtx, NewNodeStartEvent(
		WithNodeEventInvocationID(execCtx.InvocationID),
		WithNodeEventNodeID(task.NodeID),
		WithNodeEventNodeType(nodeType),
		WithNodeEventStepNumber(step),
		WithNodeEventStartTime(startTime),
		WithNodeEventInputKeys(visibleStateKeys(taskState)),
	))

	result, cached, nodeErr := e.obtainNodeResult(
		ctx, execCtx, node, task, taskState, callbacks, callbackCtx)

	if nodeErr != nil {
		if intr, isIntr := GetInterruptError(nodeErr); isIntr {
			e.enrichTaskInterrupt(execCtx, task, step, intr)
			return nodeErr
		}
		if callbacks != nil {
			callbacks.RunOnNodeError(ctx, callbackCtx, taskState, nodeErr)
		}
		e.recordTaskFailure(ctx, execCtx, task, nodeErr)
		e.emit(ctx, execCtx, NewNodeErrorEvent(
			WithNodeEventInvocationID(execCtx.InvocationID),
			WithNodeEventNodeID(task.NodeID),
			WithNodeEventNodeType(nodeType),
			WithNodeEventStepNumber(step),
			WithNodeEventStartTime(startTime),
			WithNodeEventEndTime(time.Now()),
			WithNodeEventError(nodeErr.Error()),
		))
		return &NodeError{NodeID: task.NodeID, Step: step, Err: nodeErr}
	}

	writes, err := e.collectTaskWrites(ctx, execCtx, node, task, taskState, result)
	if err != nil {
		e.recordTaskFailure(ctx, execCtx, task, err)
		e.emit(ctx, execCtx, NewNodeErrorEvent(
			WithNodeEventInvocationID(execCtx.InvocationID),
			WithNodeEventNodeID(task.NodeID),
			WithNodeEventNodeType(nodeType),
			WithNodeEventStepNumber(step),
			WithNodeEventStartTime(startTime),
			WithNodeEventEndTime(time.Now()),
			WithNodeEventError(err.Error()),
		))
		return err
	}

	e.syncResumeState(execCtx, taskState)
	execCtx.addPendingWrites(writes...)
	e.storeTaskWrites(ctx, execCtx, task, writes)
	report.markCompleted(task)
	writeKeys = writeChannels(writes)

	completeEvt := NewNodeCompleteEvent(
		WithNodeEventInvocationID(execCtx.InvocationID),
		WithNodeEventNodeID(task.NodeID),
		WithNodeEventNodeType(nodeType),
		WithNodeEventStepNumber(step),
		WithNodeEventStartTime(startTime),
		WithNodeEventEndTime(time.Now()),
		WithNodeEventOutputKeys(writeKeys),
	)
	if cached {
		if completeEvt.StateDelta == nil {
			completeEvt.StateDelta = make(map[string][]byte)
		}
		if data, err := json.Marshal(map[string]bool{"cached": true}); err == nil {
			completeEvt.StateDelta[MetadataKeyCacheHit] = data
		}
	}
	e.emit(ctx, execCtx, completeEvt)
	if callbacks != nil {
		callbacks.RunNodeEvent(ctx, callbackCtx, taskState, completeEvt)
	}

	if !cached {
		e.maybeCacheResult(node, taskState, result)
	}
	return nil
}

// obtainNodeResult resolves the task's result: cache hit, before-callback
// short circuit, or the node function run under the retry policies. After
// callbacks may replace the result or rescue an error.
func (e *Executor) obtainNodeResult(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	task *Task,
	taskState State,
	callbacks *NodeCallbacks,
	callbackCtx *NodeCallbackContext,
) (result any, cached bool, err error) {
	if v, ok := e.cachedResult(node, taskState); ok {
		return v, true, nil
	}

	if callbacks != nil {
		custom, cbErr := callbacks.RunBeforeNode(ctx, callbackCtx, taskState)
		if cbErr != nil {
			return nil, false, cbErr
		}
		if custom != nil {
			result = custom
		}
	}
	if result == nil {
		result, err = e.runNodeWithRetry(ctx, execCtx, node, task, taskState)
	}
	if IsInterruptError(err) {
		return nil, false, err
	}
	if callbacks != nil {
		custom, cbErr := callbacks.RunAfterNode(ctx, callbackCtx, taskState, result, err)
		if cbErr != nil {
			return nil, false, cbErr
		}
		if custom != nil {
			return custom, false, nil
		}
	}
	return result, false, err
}

// runNodeWithRetry executes the node function, retrying per the node's (or
// the executor's default) retry policies. Interrupts are control flow and
// are never retried.
func (e *Executor) runNodeWithRetry(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	task *Task,
	taskState State,
) (any, error) {
	if node.Function == nil {
		return nil, fmt.Errorf("node %s has no function", node.ID)
	}
	policies := node.retryPolicies
	if len(policies) == 0 {
		policies = e.defaultRetry
	}
	budgetStart := time.Now()
	for attempt := 1; ; attempt++ {
		result, err := e.runNodeAttempt(ctx, node, taskState, policies)
		if err == nil || IsInterruptError(err) {
			return result, err
		}
		policy, ok := matchRetryPolicy(policies, err, attempt)
		if !ok {
			return nil, err
		}
		delay := policy.NextDelay(attempt)
		if policy.MaxElapsedTime > 0 && time.Since(budgetStart)+delay > policy.MaxElapsedTime {
			return nil, err
		}
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			if time.Now().Add(delay).After(deadline) {
				return nil, err
			}
		}
		e.emit(ctx, execCtx, NewNodeErrorEvent(
			WithNodeEventInvocationID(execCtx.InvocationID),
			WithNodeEventNodeID(node.ID),
			WithNodeEventError(err.Error()),
			WithNodeEventAttempt(attempt),
			WithNodeEventMaxAttempts(policy.MaxAttempts),
			WithNodeEventNextDelay(delay),
			WithNodeEventRetrying(true),
		))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runNodeAttempt runs one attempt with the applicable timeout and converts
// panics in user code into errors.
func (e *Executor) runNodeAttempt(
	ctx context.Context,
	node *Node,
	taskState State,
	policies []RetryPolicy,
) (result any, err error) {
	attemptCtx, cancel := e.newAttemptContext(ctx, policies)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", node.ID, r)
		}
	}()
	return node.Function(attemptCtx, taskState)
}

// newAttemptContext applies the first per-attempt timeout declared by the
// policies, falling back to the executor's node timeout.
func (e *Executor) newAttemptContext(
	ctx context.Context,
	policies []RetryPolicy,
) (context.Context, context.CancelFunc) {
	for _, p := range policies {
		if p.PerAttemptTimeout > 0 {
			return context.WithTimeout(ctx, p.PerAttemptTimeout)
		}
	}
	return e.newNodeContext(ctx)
}

// matchRetryPolicy returns the first policy that accepts the error and still
// has attempts left.
func matchRetryPolicy(policies []RetryPolicy, err error, attempt int) (RetryPolicy, bool) {
	for _, p := range policies {
		if attempt < p.MaxAttempts && p.ShouldRetry(err) {
			return p, true
		}
	}
	return RetryPolicy{}, false
}

// buildTaskStateCopy merges the task overlay over a copy of the shared
// state. Nodes receive the copy and must return updates rather than mutate
// nested values in place.
func (e *Executor) buildTaskStateCopy(execCtx *ExecutionContext, task *Task) State {
	if execCtx == nil {
		return State{}
	}
	execCtx.stateMutex.RLock()
	base := execCtx.State.Clone()
	execCtx.stateMutex.RUnlock()
	if base == nil {
		base = State{}
	}
	if task != nil {
		for k, v := range task.Overlay {
			base[k] = v
		}
	}
	return base
}

// getMergedCallbacks combines graph-wide callbacks riding in state with the
// node's own, global ones first.
func (e *Executor) getMergedCallbacks(state State, nodeID string) *NodeCallbacks {
	var global *NodeCallbacks
	if state != nil {
		if cbs, ok := state[StateKeyNodeCallbacks].(*NodeCallbacks); ok {
			global = cbs
		}
	}
	var local *NodeCallbacks
	if node, ok := e.graph.Node(nodeID); ok && node != nil {
		local = node.callbacks
	}
	if global == nil {
		return local
	}
	if local == nil {
		return global
	}
	merged := &NodeCallbacks{}
	merged.BeforeNode = append(append([]BeforeNodeCallback{}, global.BeforeNode...), local.BeforeNode...)
	merged.AfterNode = append(append([]AfterNodeCallback{}, global.AfterNode...), local.AfterNode...)
	merged.OnNodeError = append(append([]OnNodeErrorCallback{}, global.OnNodeError...), local.OnNodeError...)
	merged.NodeEvent = append(append([]NodeEventCallback{}, global.NodeEvent...), local.NodeEvent...)
	return merged
}

// newNodeCallbackContext assembles the callback context for one node run.
func (e *Executor) newNodeCallbackContext(
	execCtx *ExecutionContext,
	nodeID string,
	nodeType NodeType,
	step int,
	startTime time.Time,
) *NodeCallbackContext {
	callbackCtx := &NodeCallbackContext{
		NodeID:             nodeID,
		NodeName:           e.getNodeName(nodeID),
		NodeType:           nodeType,
		StepNumber:         step,
		ExecutionStartTime: startTime,
	}
	if execCtx != nil {
		callbackCtx.InvocationID = execCtx.InvocationID
	}
	return callbackCtx
}

// collectTaskWrites turns the node result into pending writes: state-key
// updates, Send commands, goto routes, the node's static edge writers and
// conditional routing decisions. Keys within one update are ordered for
// deterministic replay.
func (e *Executor) collectTaskWrites(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	task *Task,
	taskState State,
	result any,
) ([]PendingWrite, error) {
	var writes []PendingWrite
	appendState := func(update State) {
		for _, key := range sortedStateKeys(update) {
			writes = append(writes, PendingWrite{
				TaskID:   task.ID,
				Channel:  key,
				Value:    update[key],
				Sequence: execCtx.nextSequence(),
			})
		}
	}

	var commands []*Command
	switch r := result.(type) {
	case nil:
	case State:
		appendState(r)
	case map[string]any:
		appendState(State(r))
	case *Command:
		commands = append(commands, r)
	case Command:
		commands = append(commands, &r)
	case []*Command:
		commands = append(commands, r...)
	default:
		return nil, fmt.Errorf("node %s returned unsupported result type %T", task.NodeID, result)
	}

	for _, cmd := range commands {
		if cmd == nil {
			continue
		}
		if cmd.Graph == CommandParent {
			// The command addresses the parent graph; it is carried out of
			// this run through state and replayed by the subgraph node.
			writes = append(writes, PendingWrite{
				TaskID:   task.ID,
				Channel:  StateKeyParentCommand,
				Value:    cmd,
				Sequence: execCtx.nextSequence(),
			})
			continue
		}
		if cmd.Update != nil {
			appendState(cmd.Update)
		}
		if cmd.GoTo != "" {
			target := e.graph.resolveEnd(task.NodeID, cmd.GoTo)
			if target != End {
				if _, ok := e.graph.Node(target); !ok {
					return nil, fmt.Errorf("node %s routed to unknown node %s", task.NodeID, target)
				}
				writes = append(writes, PendingWrite{
					TaskID:   task.ID,
					Channel:  ChannelBranchPrefix + target,
					Sequence: execCtx.nextSequence(),
				})
			}
		}
		for _, send := range cmd.Sends {
			writes = append(writes, PendingWrite{
				TaskID:  task.ID,
				Channel: ChannelTasks,
				Value: PendingSend{
					Channel: send.Node,
					Value:   send.Input,
					TaskID:  task.ID,
				},
				Sequence: execCtx.nextSequence(),
			})
		}
	}

	for _, entry := range node.writers {
		value := entry.Value
		if entry.Mapper != nil {
			value = entry.Mapper(value)
		}
		if entry.SkipNone && value == nil {
			continue
		}
		writes = append(writes, PendingWrite{
			TaskID:   task.ID,
			Channel:  entry.Channel,
			Value:    value,
			Sequence: execCtx.nextSequence(),
		})
	}

	condWrites, err := e.routeConditionalEdges(ctx, execCtx, node, task, taskState, writes)
	if err != nil {
		return nil, err
	}
	return append(writes, condWrites...), nil
}

// routeConditionalEdges evaluates the node's conditional edges against the
// node's own writes merged over its input, and emits trigger writes for the
// selected targets. An interrupt raised inside a routing function cannot be
// checkpointed coherently, so it is logged and the route dropped.
func (e *Executor) routeConditionalEdges(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	task *Task,
	taskState State,
	writes []PendingWrite,
) ([]PendingWrite, error) {
	condEdge, hasCond := e.graph.ConditionalEdge(node.ID)
	multiEdge, hasMulti := e.graph.MultiConditionalEdge(node.ID)
	if !hasCond && !hasMulti {
		return nil, nil
	}
	routingState := e.mergeWritesIntoState(taskState, writes)

	type route struct {
		key     string
		pathMap map[string]string
	}
	var routes []route
	if hasCond {
		key, err := condEdge.Condition(ctx, routingState)
		if err != nil {
			if IsInterruptError(err) {
				log.Warnf("graph executor: interrupt from routing function of node %s ignored; call Interrupt inside the node body instead", node.ID)
				return nil, nil
			}
			return nil, fmt.Errorf("conditional routing for node %s failed: %w", node.ID, err)
		}
		routes = append(routes, route{key: key, pathMap: condEdge.PathMap})
	}
	if hasMulti {
		keys, err := multiEdge.Condition(ctx, routingState)
		if err != nil {
			if IsInterruptError(err) {
				log.Warnf("graph executor: interrupt from routing function of node %s ignored; call Interrupt inside the node body instead", node.ID)
				return nil, nil
			}
			return nil, fmt.Errorf("conditional routing for node %s failed: %w", node.ID, err)
		}
		for _, key := range keys {
			routes = append(routes, route{key: key, pathMap: multiEdge.PathMap})
		}
	}

	var out []PendingWrite
	for _, r := range routes {
		target := e.resolveRouteTarget(node, r.key, r.pathMap)
		if target == "" || target == End {
			continue
		}
		if _, ok := e.graph.Node(target); !ok {
			return nil, fmt.Errorf("conditional routing for node %s selected unknown node %s", node.ID, target)
		}
		out = append(out, PendingWrite{
			TaskID:   task.ID,
			Channel:  ChannelBranchPrefix + target,
			Sequence: execCtx.nextSequence(),
		})
	}
	return out, nil
}

// resolveRouteTarget maps a routing key through the edge's path map, then
// the node's ends table, then as a literal node ID.
func (e *Executor) resolveRouteTarget(node *Node, key string, pathMap map[string]string) string {
	if len(pathMap) > 0 {
		if target, ok := pathMap[key]; ok {
			return target
		}
	}
	return e.graph.resolveEnd(node.ID, key)
}

// mergeWritesIntoState overlays a task's state-key writes on its input so
// routing functions observe what the node just wrote. Plumbing channel
// writes are skipped.
func (e *Executor) mergeWritesIntoState(taskState State, writes []PendingWrite) State {
	merged := taskState.Clone()
	schema := e.graph.Schema()
	for _, w := range writes {
		if w.Channel == ChannelTasks || w.Channel == StateKeyParentCommand {
			continue
		}
		if _, isPlumbing := e.graph.getChannel(w.Channel); isPlumbing {
			continue
		}
		merged = schema.ApplyUpdate(merged, State{w.Channel: w.Value})
	}
	return merged
}

// syncResumeState copies resume bookkeeping mutated by a node back into the
// shared state: values consumed by Interrupt must stay consumed for every
// later task on this thread.
func (e *Executor) syncResumeState(execCtx *ExecutionContext, nodeState State) {
	if execCtx == nil || nodeState == nil {
		return
	}
	execCtx.stateMutex.Lock()
	defer execCtx.stateMutex.Unlock()
	if execCtx.State == nil {
		execCtx.State = State{}
	}
	for _, key := range []string{ResumeChannel, StateKeyResumeMap, StateKeyUsedInterrupts} {
		e.syncResumeKey(execCtx.State, nodeState, key)
	}
}

// syncResumeKey mirrors one bookkeeping key from source to target; a key
// consumed (deleted or nilled) in source is removed from target.
func (e *Executor) syncResumeKey(target, source State, key string) {
	if target == nil || source == nil {
		return
	}
	value, ok := source[key]
	if !ok || value == nil {
		delete(target, key)
		return
	}
	target[key] = deepCopyAny(value)
}

// enrichTaskInterrupt fills interrupt fields the node left empty. Fields the
// node set explicitly are preserved.
func (e *Executor) enrichTaskInterrupt(
	execCtx *ExecutionContext,
	task *Task,
	step int,
	intr *InterruptError,
) {
	if intr == nil {
		return
	}
	if intr.NodeID == "" {
		intr.NodeID = task.NodeID
	}
	if intr.TaskID == "" {
		intr.TaskID = task.ID
	}
	if intr.Step == 0 {
		intr.Step = step
	}
	if len(intr.Path) == 0 {
		intr.Path = []string{task.NodeID}
	}
	if intr.Timestamp.IsZero() {
		intr.Timestamp = time.Now().UTC()
	}
	if intr.ID == "" {
		var ns string
		if execCtx != nil {
			execCtx.stateMutex.RLock()
			ns, _ = execCtx.State[CfgKeyCheckpointNS].(string)
			execCtx.stateMutex.RUnlock()
		}
		intr.ID = interruptID(ns, intr.TaskID)
	}
}

// recordTaskFailure persists an error marker for the failed task so the
// thread's history shows why the run stopped.
func (e *Executor) recordTaskFailure(ctx context.Context, execCtx *ExecutionContext, task *Task, taskErr error) {
	if e.checkpointSaver == nil || e.effectiveDurability(execCtx) == DurabilityExit {
		return
	}
	config := execCtx.getCheckpointConfig()
	if config == nil {
		return
	}
	req := PutWritesRequest{
		Config: config,
		Writes: []PendingWrite{{
			TaskID:   task.ID,
			Channel:  ErrorChannel,
			Value:    taskErr.Error(),
			Sequence: execCtx.nextSequence(),
		}},
		TaskID:   task.ID,
		TaskPath: task.Path(),
	}
	if err := e.checkpointSaver.PutWrites(ctx, req); err != nil {
		log.Warnf("graph executor: recording failure of task %s failed: %v", task.ID, err)
	}
}

// storeTaskWrites persists a completed task's writes against the latest
// checkpoint, enabling resume without re-running the task.
func (e *Executor) storeTaskWrites(ctx context.Context, execCtx *ExecutionContext, task *Task, writes []PendingWrite) {
	if e.checkpointSaver == nil || len(writes) == 0 || e.effectiveDurability(execCtx) == DurabilityExit {
		return
	}
	config := execCtx.getCheckpointConfig()
	if config == nil {
		return
	}
	req := PutWritesRequest{
		Config:   config,
		Writes:   writes,
		TaskID:   task.ID,
		TaskPath: task.Path(),
	}
	if err := e.checkpointSaver.PutWrites(ctx, req); err != nil {
		log.Warnf("graph executor: recording writes of task %s failed: %v", task.ID, err)
	}
}

// cachedResult looks up the node's cached result for this input, if caching
// applies to the node.
func (e *Executor) cachedResult(node *Node, taskState State) (any, bool) {
	store, policy := e.cachePolicyFor(node)
	if store == nil {
		return nil, false
	}
	key, err := e.cacheKeyFor(policy, taskState)
	if err != nil {
		return nil, false
	}
	return store.Get(e.graph.cacheNamespace(node.ID), key)
}

// maybeCacheResult stores a successful result under the node's cache policy.
func (e *Executor) maybeCacheResult(node *Node, taskState State, result any) {
	store, policy := e.cachePolicyFor(node)
	if store == nil || result == nil {
		return
	}
	key, err := e.cacheKeyFor(policy, taskState)
	if err != nil {
		log.Debugf("graph executor: cache key for node %s failed: %v", node.ID, err)
		return
	}
	store.Set(e.graph.cacheNamespace(node.ID), key, result, policy.TTL)
}

// cachePolicyFor resolves the effective cache backend and policy for a node.
func (e *Executor) cachePolicyFor(node *Node) (Cache, *CachePolicy) {
	store := e.graph.Cache()
	if store == nil {
		return nil, nil
	}
	policy := node.cachePolicy
	if policy == nil {
		policy = e.graph.CachePolicy()
	}
	if policy == nil || policy.KeyFunc == nil {
		return nil, nil
	}
	return store, policy
}

// cacheKeyFor derives the cache key from the task input with runtime
// handles and internal bookkeeping stripped.
func (e *Executor) cacheKeyFor(policy *CachePolicy, taskState State) (string, error) {
	var fields map[string]StateField
	if schema := e.graph.Schema(); schema != nil {
		fields = schema.Fields
	}
	key, err := policy.KeyFunc(taskState.deepCopy(false, fields))
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// sortedStateKeys returns the update's keys in lexical order.
func sortedStateKeys(update State) []string {
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// visibleStateKeys lists non-internal state keys, sorted.
func visibleStateKeys(state State) []string {
	var keys []string
	for k := range state {
		if isInternalStateKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeChannels lists the distinct channels touched by the writes, in first
// write order.
func writeChannels(writes []PendingWrite) []string {
	seen := make(map[string]bool, len(writes))
	var out []string
	for _, w := range writes {
		if seen[w.Channel] {
			continue
		}
		seen[w.Channel] = true
		out = append(out, w.Channel)
	}
	return out
}
