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
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// setCheckpointConfig publishes the config pointing at the latest saved
// checkpoint. Tasks read it concurrently when persisting their writes.
func (ec *ExecutionContext) setCheckpointConfig(config map[string]any) {
	ec.pendingMu.Lock()
	ec.checkpointConfig = config
	ec.pendingMu.Unlock()
}

// getCheckpointConfig returns the config of the latest saved checkpoint.
func (ec *ExecutionContext) getCheckpointConfig() map[string]any {
	ec.pendingMu.Lock()
	defer ec.pendingMu.Unlock()
	return ec.checkpointConfig
}

// loadCheckpointTuple fetches the tuple for config, shielding the run from a
// panicking saver: a crash while loading degrades to a fresh start.
func (e *Executor) loadCheckpointTuple(
	ctx context.Context, config map[string]any,
) (tuple *CheckpointTuple, err error) {
	if e.checkpointSaver == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("graph executor: checkpoint saver panicked during load: %v", r)
			tuple, err = nil, nil
		}
	}()
	return e.checkpointSaver.GetTuple(ctx, config)
}

// buildCheckpoint assembles a full snapshot of the run: state, channel
// values and versions, per-node version bookkeeping, barrier progress,
// queued sends and the nodes due next. Runtime-only handles never persist.
func (e *Executor) buildCheckpoint(execCtx *ExecutionContext, step int) *Checkpoint {
	values := make(map[string]any)
	execCtx.stateMutex.RLock()
	for k, v := range execCtx.State {
		if isUnsafeStateKey(k) {
			continue
		}
		values[k] = deepCopyAny(v)
	}
	execCtx.stateMutex.RUnlock()

	versions := make(map[string]int64)
	barriers := make(map[string][]string)
	for name, ch := range execCtx.channels.GetAllChannels() {
		if ch.Version > 0 {
			versions[name] = ch.Version
		}
		switch ch.Behavior {
		case channel.BehaviorBarrier:
			if seen := ch.BarrierSeenSnapshot(); len(seen) > 0 {
				barriers[name] = seen
			}
		case channel.BehaviorEphemeral:
			// Trigger values are transient; only their versions matter.
		default:
			if ch.IsAvailable() {
				values[name] = deepCopyAny(ch.Get())
			}
		}
	}

	execCtx.versionsSeenMu.RLock()
	seen := make(map[string]map[string]int64, len(execCtx.versionsSeen))
	for nodeID, channelSeen := range execCtx.versionsSeen {
		inner := make(map[string]int64, len(channelSeen))
		for name, version := range channelSeen {
			inner[name] = version
		}
		seen[nodeID] = inner
	}
	execCtx.versionsSeenMu.RUnlock()

	checkpoint := NewCheckpoint(values, versions, seen)
	checkpoint.ParentCheckpointID = GetCheckpointID(execCtx.getCheckpointConfig())
	checkpoint.NextNodes = e.getNextNodes(execCtx)
	checkpoint.NextChannels = e.getNextChannelsInStep(execCtx, step)
	checkpoint.UpdatedChannels = checkpoint.NextChannels
	checkpoint.PendingSends = execCtx.outstandingSends()
	checkpoint.BarrierSets = barriers
	execCtx.lastCheckpoint = checkpoint
	return checkpoint
}

// fillParentsMetadata records the lineage of the checkpoint: the parent in
// this namespace plus any parent-graph linkage carried by the run config.
func (e *Executor) fillParentsMetadata(execCtx *ExecutionContext, metadata *CheckpointMetadata) {
	config := execCtx.getCheckpointConfig()
	if metadata.Parents == nil {
		metadata.Parents = make(map[string]string)
	}
	if parentID := GetCheckpointID(config); parentID != "" {
		metadata.Parents[GetNamespace(config)] = parentID
	}
	execCtx.stateMutex.RLock()
	// Savers that serialize state hand the map back as map[string]any.
	switch parents := execCtx.State[StateKeyParentCheckpoints].(type) {
	case map[string]string:
		for ns, id := range parents {
			metadata.Parents[ns] = id
		}
	case map[string]any:
		for ns, id := range parents {
			if s, ok := id.(string); ok {
				metadata.Parents[ns] = s
			}
		}
	}
	execCtx.stateMutex.RUnlock()
}

// applyRunMetadata copies caller-supplied run metadata into the checkpoint
// metadata. Engine keys written afterwards win on collision.
func applyRunMetadata(metadata *CheckpointMetadata, runMetadata map[string]any) {
	if metadata == nil || metadata.Extra == nil {
		return
	}
	for k, v := range runMetadata {
		metadata.Extra[k] = v
	}
}

// preparedCheckpoint is a save captured synchronously at a step boundary so
// persistence can proceed without racing the next step.
type preparedCheckpoint struct {
	req  PutRequest
	step int
}

// prepareCheckpoint snapshots the run and advances the run config to the new
// checkpoint ID. The request still carries the parent config; savers link
// the new checkpoint to it.
func (e *Executor) prepareCheckpoint(
	execCtx *ExecutionContext, source string, step int, isResuming bool,
) preparedCheckpoint {
	checkpoint := e.buildCheckpoint(execCtx, step)
	metadata := NewCheckpointMetadata(source, step)
	metadata.IsResuming = isResuming
	applyRunMetadata(metadata, execCtx.runMetadata)
	e.fillParentsMetadata(execCtx, metadata)
	req := PutRequest{
		Config:      execCtx.getCheckpointConfig(),
		Checkpoint:  checkpoint,
		Metadata:    metadata,
		NewVersions: checkpoint.ChannelVersions,
	}
	e.advanceCheckpointConfig(execCtx, checkpoint.ID)
	return preparedCheckpoint{req: req, step: step}
}

// advanceCheckpointConfig points the run config and state at the checkpoint
// being written so subsequent task writes land against it.
func (e *Executor) advanceCheckpointConfig(execCtx *ExecutionContext, checkpointID string) {
	base := execCtx.getCheckpointConfig()
	config := CreateCheckpointConfig(GetThreadID(base), checkpointID, GetNamespace(base))
	execCtx.setCheckpointConfig(config)
	execCtx.stateMutex.Lock()
	if execCtx.State == nil {
		execCtx.State = State{}
	}
	execCtx.State[CfgKeyCheckpointID] = checkpointID
	execCtx.stateMutex.Unlock()
}

// createCheckpoint snapshots and persists the run synchronously.
func (e *Executor) createCheckpoint(
	ctx context.Context, execCtx *ExecutionContext, source string, step int,
) error {
	return e.createCheckpointWithOptions(ctx, execCtx, source, step, false)
}

func (e *Executor) createCheckpointWithOptions(
	ctx context.Context, execCtx *ExecutionContext, source string, step int, isResuming bool,
) error {
	if e.checkpointSaver == nil {
		return nil
	}
	prepared := e.prepareCheckpoint(execCtx, source, step, isResuming)
	if execCtx.emitCheckpointEvents {
		e.emit(ctx, execCtx, NewCheckpointCreatedEvent(
			WithCheckpointEventInvocationID(execCtx.InvocationID),
			WithCheckpointEventCheckpointID(prepared.req.Checkpoint.ID),
			WithCheckpointEventSource(source),
			WithCheckpointEventStep(step),
		))
	}
	start := time.Now()
	_, err := e.checkpointSaver.Put(ctx, prepared.req)
	itelemetry.ReportCheckpointSaveMetrics(ctx,
		itelemetry.CheckpointSaveAttributes{Source: source, Error: err}, time.Since(start))
	if err != nil {
		return err
	}
	if execCtx.emitCheckpointEvents {
		e.emit(ctx, execCtx, NewCheckpointCommittedEvent(
			WithCheckpointEventInvocationID(execCtx.InvocationID),
			WithCheckpointEventCheckpointID(prepared.req.Checkpoint.ID),
			WithCheckpointEventSource(source),
			WithCheckpointEventStep(step),
			WithCheckpointEventDuration(time.Since(start)),
		))
	}
	return nil
}

// saveLoopCheckpoint persists the post-apply snapshot per the durability
// mode: sync saves block the loop, async saves run in the background against
// the already-captured snapshot, exit skips step checkpoints entirely.
// Persistence failures degrade the thread's history but never stop the run.
func (e *Executor) saveLoopCheckpoint(
	ctx context.Context, execCtx *ExecutionContext, step int, isResuming bool,
) {
	durability := e.effectiveDurability(execCtx)
	if e.checkpointSaver == nil || durability == DurabilityExit {
		return
	}
	if durability == DurabilitySync {
		if err := e.createCheckpointWithOptions(ctx, execCtx, CheckpointSourceLoop, step, isResuming); err != nil {
			log.Warnf("graph executor: checkpoint of step %d failed: %v", step, err)
		}
		return
	}
	prepared := e.prepareCheckpoint(execCtx, CheckpointSourceLoop, step, isResuming)
	if execCtx.emitCheckpointEvents {
		e.emit(ctx, execCtx, NewCheckpointCreatedEvent(
			WithCheckpointEventInvocationID(execCtx.InvocationID),
			WithCheckpointEventCheckpointID(prepared.req.Checkpoint.ID),
			WithCheckpointEventSource(CheckpointSourceLoop),
			WithCheckpointEventStep(step),
		))
	}
	// The background save outlives step deadlines; cancelling the run does
	// not un-happen the step being recorded.
	saveCtx := context.WithoutCancel(ctx)
	execCtx.saveWG.Add(1)
	go func() {
		defer execCtx.saveWG.Done()
		start := time.Now()
		_, err := e.checkpointSaver.Put(saveCtx, prepared.req)
		itelemetry.ReportCheckpointSaveMetrics(saveCtx,
			itelemetry.CheckpointSaveAttributes{Source: CheckpointSourceLoop, Error: err}, time.Since(start))
		if err != nil {
			log.Warnf("graph executor: checkpoint of step %d failed: %v", prepared.step, err)
		}
	}()
}

// interruptRun persists the partial progress of an interrupted run and
// surfaces the interrupt to the caller. Interrupting is only meaningful when
// the thread can be resumed, so a missing checkpointer is an error.
func (e *Executor) interruptRun(
	ctx context.Context,
	execCtx *ExecutionContext,
	intr *InterruptError,
	step int,
	report *stepExecutionReport,
) error {
	if intr == nil {
		return nil
	}
	if e.checkpointSaver == nil {
		return ErrNoCheckpointer
	}
	// Outstanding async saves must land first so the interrupt checkpoint
	// is the newest one on the thread.
	execCtx.saveWG.Wait()
	e.enrichInterrupt(execCtx, intr, step)
	if err := e.saveInterruptCheckpoint(ctx, execCtx, intr, step, report); err != nil {
		return err
	}
	e.emit(ctx, execCtx, NewPregelInterruptEvent(
		WithPregelEventInvocationID(execCtx.InvocationID),
		WithPregelEventStepNumber(intr.Step),
		WithPregelEventNodeID(intr.NodeID),
		WithPregelEventInterruptValue(intr.Value),
	))
	if execCtx.emitCheckpointEvents {
		e.emit(ctx, execCtx, NewCheckpointInterruptEvent(
			WithCheckpointEventInvocationID(execCtx.InvocationID),
			WithCheckpointEventCheckpointID(GetCheckpointID(execCtx.getCheckpointConfig())),
			WithCheckpointEventStep(step),
			WithCheckpointEventInterruptValue(intr.Value),
		))
	}
	return intr
}

// enrichInterrupt fills fields the interrupt site left empty. Step counts
// the superstep the interrupt belongs to, one past the checkpointed step
// when the site did not record it.
func (e *Executor) enrichInterrupt(execCtx *ExecutionContext, intr *InterruptError, step int) {
	if intr.Step == 0 {
		intr.Step = step + 1
	}
	if intr.Timestamp.IsZero() {
		intr.Timestamp = time.Now().UTC()
	}
	if len(intr.NextNodes) == 0 {
		if intr.SkipRerun {
			// The interrupted work already applied; what resumes is whatever
			// the channels schedule next, not the finished tasks.
			intr.NextNodes = e.getNextNodes(execCtx)
		} else {
			execCtx.tasksMutex.Lock()
			intr.NextNodes = taskNodeIDs(execCtx.pendingTasks)
			execCtx.tasksMutex.Unlock()
		}
	}
	if intr.ID == "" {
		execCtx.stateMutex.RLock()
		ns, _ := execCtx.State[CfgKeyCheckpointNS].(string)
		execCtx.stateMutex.RUnlock()
		intr.ID = interruptID(ns, intr.TaskID)
	}
}

// saveInterruptCheckpoint writes the interrupt snapshot atomically with the
// writes buffered so far: completed sibling tasks replay from them on resume
// instead of running again. Interrupt saves always persist, whatever the
// durability mode; losing one would strand the thread.
func (e *Executor) saveInterruptCheckpoint(
	ctx context.Context,
	execCtx *ExecutionContext,
	intr *InterruptError,
	step int,
	report *stepExecutionReport,
) error {
	checkpoint := e.buildCheckpoint(execCtx, step)
	checkpoint.InterruptState = &InterruptState{
		NodeID:         intr.NodeID,
		TaskID:         intr.TaskID,
		InterruptID:    intr.ID,
		Key:            intr.Key,
		InterruptValue: intr.Value,
		Step:           intr.Step,
		Path:           intr.Path,
		SkipRerun:      intr.SkipRerun,
	}
	if len(intr.NextNodes) > 0 {
		checkpoint.NextNodes = intr.NextNodes
	}
	metadata := NewCheckpointMetadata(CheckpointSourceInterrupt, step)
	applyRunMetadata(metadata, execCtx.runMetadata)
	e.fillParentsMetadata(execCtx, metadata)
	if inputs := encodeInterruptInputs(report); len(inputs) > 0 {
		metadata.Extra[CheckpointMetaKeyGraphInterruptInputs] = inputs
	}

	pendingWrites := append(execCtx.snapshotPendingWrites(), PendingWrite{
		TaskID:   intr.TaskID,
		Channel:  InterruptChannel,
		Value:    intr.Value,
		Sequence: execCtx.nextSequence(),
	})
	req := PutFullRequest{
		Config:        execCtx.getCheckpointConfig(),
		Checkpoint:    checkpoint,
		Metadata:      metadata,
		NewVersions:   checkpoint.ChannelVersions,
		PendingWrites: pendingWrites,
	}
	e.advanceCheckpointConfig(execCtx, checkpoint.ID)
	start := time.Now()
	_, err := e.checkpointSaver.PutFull(ctx, req)
	itelemetry.ReportCheckpointSaveMetrics(ctx,
		itelemetry.CheckpointSaveAttributes{Source: CheckpointSourceInterrupt, Error: err}, time.Since(start))
	return err
}

// encodeInterruptInputs captures the inputs of tasks that had not finished
// when the step was cut short, keyed by task ID. A resume re-runs them with
// the same inputs; completed tasks replay from their stored writes instead.
func encodeInterruptInputs(report *stepExecutionReport) map[string]State {
	if report == nil {
		return nil
	}
	report.mu.Lock()
	defer report.mu.Unlock()
	inputs := make(map[string]State)
	for task, input := range report.inputs {
		if task == nil || report.completed[task] {
			continue
		}
		inputs[task.ID] = input
	}
	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

// decodeInterruptInputs recovers recorded task inputs from interrupt
// checkpoint metadata. Savers that round-trip metadata through JSON hand
// back generic maps, which convert per entry.
func decodeInterruptInputs(metadata *CheckpointMetadata) map[string]State {
	if metadata == nil || metadata.Extra == nil {
		return nil
	}
	raw, ok := metadata.Extra[CheckpointMetaKeyGraphInterruptInputs]
	if !ok {
		return nil
	}
	out := make(map[string]State)
	switch v := raw.(type) {
	case map[string]State:
		for id, input := range v {
			out[id] = input
		}
	case map[string]any:
		for id, item := range v {
			switch input := item.(type) {
			case State:
				out[id] = input
			case map[string]any:
				out[id] = State(input)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
