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
	"reflect"
	"sort"
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// applyStepWrites commits the buffered writes of a completed superstep.
// State keys reduce into the shared state in planned task order, channel
// writes batch per channel, queued sends become next-step tasks and consumed
// triggers are acknowledged. It returns the channels updated this step and
// the per-task batches of user-visible writes, for the update stream.
func (e *Executor) applyStepWrites(
	ctx context.Context,
	execCtx *ExecutionContext,
	tasks []*Task,
	step int,
) ([]string, []NodeUpdateBatch, error) {
	writes := execCtx.takePendingWrites()
	byTask := make(map[string][]PendingWrite, len(tasks))
	for _, w := range writes {
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	if err := e.checkExclusiveWrites(tasks, byTask); err != nil {
		return nil, nil, err
	}

	schema := e.graph.Schema()
	channelValues := make(map[string][]any)
	var channelOrder []string
	var batches []NodeUpdateBatch

	execCtx.stateMutex.Lock()
	state := execCtx.State
	if state == nil {
		state = State{}
	}
	for _, task := range tasks {
		var batch State
		for _, w := range byTask[task.ID] {
			switch w.Channel {
			case ChannelTasks:
				if send, ok := decodePendingSend(w.Value); ok {
					execCtx.queueSends(send)
				} else {
					log.Warnf("graph executor: task %s queued a malformed send (%T), dropping it", task.ID, w.Value)
				}
				continue
			case ErrorChannel, InterruptChannel:
				// Bookkeeping writes carry no state.
				continue
			}
			if _, isChannel := execCtx.channels.GetChannel(w.Channel); isChannel {
				if _, seen := channelValues[w.Channel]; !seen {
					channelOrder = append(channelOrder, w.Channel)
				}
				channelValues[w.Channel] = append(channelValues[w.Channel], w.Value)
				continue
			}
			if isUserVisibleWriteKey(w.Channel) {
				if batch == nil {
					batch = State{}
				}
				batch[w.Channel] = w.Value
			}
			state = schema.ApplyUpdate(state, State{w.Channel: w.Value})
		}
		if len(batch) > 0 {
			batches = append(batches, NodeUpdateBatch{NodeID: task.NodeID, Writes: batch})
		}
	}
	execCtx.State = state
	execCtx.stateMutex.Unlock()

	sort.Strings(channelOrder)
	var updated []string
	for _, name := range channelOrder {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok {
			continue
		}
		values := channelValues[name]
		if ch.Behavior == channel.BehaviorEphemeral && len(values) > 1 {
			// Parallel branches activating the same successor collapse to a
			// single trigger.
			values = values[:1]
		}
		changed, err := ch.Update(values, step)
		if err != nil {
			return nil, nil, fmt.Errorf("applying writes of step %d: %w", step, err)
		}
		if changed {
			updated = append(updated, name)
		}
	}

	consumed := make(map[string]bool)
	for _, task := range tasks {
		e.updateVersionsSeen(execCtx, task.NodeID, task.Triggers)
		for _, trigger := range task.Triggers {
			consumed[trigger] = true
		}
	}
	// Triggers read this step and not refreshed by it are spent: ephemeral
	// values drop and barriers start waiting for a fresh round.
	for name := range consumed {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok || ch.IsUpdatedInStep(step) {
			continue
		}
		ch.Consume()
		ch.ResetBarrier()
	}
	execCtx.settleSends()
	return updated, batches, nil
}

// isUserVisibleWriteKey reports whether a state write belongs on the update
// stream. Reserved double-underscore keys and runtime wiring stay internal.
func isUserVisibleWriteKey(key string) bool {
	if isInternalStateKey(key) {
		return false
	}
	return !strings.HasPrefix(key, "__")
}

// emitStepUpdateEvents publishes the observable outcome of an applied
// superstep: one channel update event per refreshed channel, then a state
// update event carrying the per-node write batches and a snapshot of the
// user-visible state after folding them in.
func (e *Executor) emitStepUpdateEvents(
	ctx context.Context,
	execCtx *ExecutionContext,
	batches []NodeUpdateBatch,
	updatedChannels []string,
) {
	triggerToNodes := e.graph.getTriggerToNodes()
	for _, name := range updatedChannels {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok {
			continue
		}
		e.emit(ctx, execCtx, NewChannelUpdateEvent(
			WithChannelEventInvocationID(execCtx.InvocationID),
			WithChannelEventChannelName(name),
			WithChannelEventChannelType(ch.Behavior),
			WithChannelEventValueCount(channelValueCount(ch)),
			WithChannelEventAvailable(ch.Available),
			WithChannelEventTriggeredNodes(triggerToNodes[name]),
		))
	}
	if len(batches) == 0 {
		return
	}
	keys := make(map[string]bool)
	for _, batch := range batches {
		for key := range batch.Writes {
			keys[key] = true
		}
	}
	updatedKeys := make([]string, 0, len(keys))
	for key := range keys {
		updatedKeys = append(updatedKeys, key)
	}
	sort.Strings(updatedKeys)

	execCtx.stateMutex.RLock()
	snapshot := execCtx.State.Clone()
	execCtx.stateMutex.RUnlock()
	e.emit(ctx, execCtx, NewStateUpdateEvent(
		WithStateEventInvocationID(execCtx.InvocationID),
		WithStateEventUpdatedKeys(updatedKeys),
		WithStateEventStateSize(len(snapshot)),
		WithStateEventNodeBatches(batches),
		WithStateEventValues(snapshot),
	))
}

// channelValueCount reports how many values the channel currently holds.
func channelValueCount(ch *channel.Channel) int {
	if len(ch.Values) > 0 {
		return len(ch.Values)
	}
	if ch.Available {
		return 1
	}
	return 0
}

// checkExclusiveWrites rejects a step in which two tasks wrote the same
// exclusive state key. A key is exclusive when its schema field overrides
// rather than merges, or when it has no schema field at all.
func (e *Executor) checkExclusiveWrites(tasks []*Task, byTask map[string][]PendingWrite) error {
	schema := e.graph.Schema()
	writers := make(map[string]map[string]bool)
	for _, task := range tasks {
		for _, w := range byTask[task.ID] {
			switch w.Channel {
			case ChannelTasks, ErrorChannel, InterruptChannel, StateKeyParentCommand:
				continue
			}
			if _, isChannel := e.graph.getChannel(w.Channel); isChannel {
				continue
			}
			if !isExclusiveStateField(schema, w.Channel) {
				continue
			}
			if writers[w.Channel] == nil {
				writers[w.Channel] = make(map[string]bool)
			}
			writers[w.Channel][task.ID] = true
		}
	}
	var conflicted []string
	for key, taskIDs := range writers {
		if len(taskIDs) > 1 {
			conflicted = append(conflicted, key)
		}
	}
	if len(conflicted) == 0 {
		return nil
	}
	sort.Strings(conflicted)
	key := conflicted[0]
	return &InvalidUpdateError{
		Channel: key,
		Message: fmt.Sprintf("%d tasks wrote the key in one superstep; declare a reducer to merge concurrent updates",
			len(writers[key])),
		Err: channel.ErrInvalidUpdate,
	}
}

// isExclusiveStateField reports whether concurrent writes to the key cannot
// be merged.
func isExclusiveStateField(schema *StateSchema, key string) bool {
	if schema == nil {
		return true
	}
	field, ok := schema.Field(key)
	if !ok {
		return true
	}
	if field.Reducer == nil {
		return true
	}
	return reflect.ValueOf(field.Reducer).Pointer() == reflect.ValueOf(DefaultReducer).Pointer()
}

// stashRestoredWrites groups the resumed checkpoint's stored writes by the
// task that produced them, for replay once the planner reschedules those
// tasks. Interrupt bookkeeping channels carry no task effects and are
// dropped, matching applyPendingWrites.
func stashRestoredWrites(execCtx *ExecutionContext, writes []PendingWrite) {
	if execCtx == nil || len(writes) == 0 {
		return
	}
	groups := make(map[string][]PendingWrite)
	for _, w := range writes {
		switch w.Channel {
		case ErrorChannel, InterruptChannel, ResumeChannel:
			continue
		}
		groups[w.TaskID] = append(groups[w.TaskID], w)
	}
	for id := range groups {
		group := groups[id]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Sequence < group[j].Sequence })
	}
	execCtx.setRestoredWrites(groups)
}

// replayUnplannedWrites folds restored writes whose tasks the planner did not
// reschedule, such as writes recorded against a step the thread was since
// redirected away from. It reports whether any channel or send was touched,
// in which case planning must run again before concluding the step is empty.
func (e *Executor) replayUnplannedWrites(
	ctx context.Context,
	execCtx *ExecutionContext,
	tasks []*Task,
) bool {
	if execCtx == nil {
		return false
	}
	planned := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t != nil {
			planned[t.ID] = true
		}
	}
	writes := execCtx.takeUnplannedRestoredWrites(planned)
	if len(writes) == 0 {
		return false
	}
	scheduled := false
	for _, w := range writes {
		if w.Channel == ChannelTasks {
			scheduled = true
			break
		}
		if execCtx.channels != nil {
			if _, ok := execCtx.channels.GetChannel(w.Channel); ok {
				scheduled = true
				break
			}
		}
	}
	if err := e.applyPendingWrites(ctx, nil, execCtx, writes); err != nil {
		log.Warnf("graph executor: replaying unplanned stored writes failed: %v", err)
	}
	return scheduled
}

// applyPendingWrites folds stored writes directly into the per-run channels
// and state; queued sends are requeued. Graph-level channel definitions are
// never touched. Writes of replanned tasks do not come through here: they
// re-enter the step buffer so plan order decides how reducers fold.
func (e *Executor) applyPendingWrites(
	ctx context.Context,
	tuple *CheckpointTuple,
	execCtx *ExecutionContext,
	writes []PendingWrite,
) error {
	if execCtx == nil || len(writes) == 0 {
		return nil
	}
	sorted := make([]PendingWrite, len(writes))
	copy(sorted, writes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	if tuple != nil && tuple.Checkpoint != nil {
		log.Debugf("graph executor: replaying %d stored writes from checkpoint %s", len(sorted), tuple.Checkpoint.ID)
	}

	schema := e.graph.Schema()
	for _, w := range sorted {
		switch w.Channel {
		case ErrorChannel, InterruptChannel, ResumeChannel:
			continue
		case ChannelTasks:
			if send, ok := decodePendingSend(w.Value); ok {
				execCtx.queueSends(send)
			}
			continue
		}
		if execCtx.channels != nil {
			if ch, ok := execCtx.channels.GetChannel(w.Channel); ok {
				if _, err := ch.Update([]any{w.Value}, 0); err != nil {
					log.Warnf("graph executor: replaying write to channel %s failed: %v", w.Channel, err)
				}
				continue
			}
		}
		key := strings.TrimPrefix(w.Channel, ChannelInputPrefix)
		execCtx.stateMutex.Lock()
		if execCtx.State == nil {
			execCtx.State = State{}
		}
		execCtx.State = schema.ApplyUpdate(execCtx.State, State{key: w.Value})
		execCtx.stateMutex.Unlock()
	}
	return nil
}

// foldUnappliedWrites folds state-key writes that have not been committed
// yet into a display copy of the state, through the schema reducers. Channel
// writes and run bookkeeping are trigger bases, not state output, and are
// skipped. The writes themselves stay stored for replay.
func (e *Executor) foldUnappliedWrites(
	state State, writes []PendingWrite, channels *channel.Manager,
) State {
	if len(writes) == 0 {
		return state
	}
	schema := e.graph.Schema()
	sorted := make([]PendingWrite, len(writes))
	copy(sorted, writes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	for _, w := range sorted {
		switch w.Channel {
		case ErrorChannel, InterruptChannel, ResumeChannel, ChannelTasks:
			continue
		}
		if channels != nil {
			if _, ok := channels.GetChannel(w.Channel); ok {
				continue
			}
		}
		key := strings.TrimPrefix(w.Channel, ChannelInputPrefix)
		state = schema.ApplyUpdate(state, State{key: w.Value})
	}
	return state
}

// decodePendingSend normalizes a stored send, which may have round-tripped
// through JSON depending on the saver backend.
func decodePendingSend(value any) (PendingSend, bool) {
	switch v := value.(type) {
	case PendingSend:
		return v, true
	case *PendingSend:
		if v != nil {
			return *v, true
		}
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return PendingSend{}, false
		}
		var send PendingSend
		if err := json.Unmarshal(data, &send); err != nil {
			return PendingSend{}, false
		}
		return send, send.Channel != ""
	}
	return PendingSend{}, false
}

// processResumeCommand folds a resume Command from the caller's input into
// the restored state: the resume value lands on the resume channel, resume
// maps merge with any stored one and state updates apply directly. A stale
// surfaced interrupt is cleared so the resumed run reports fresh ones only.
func (e *Executor) processResumeCommand(restored State, input State) State {
	if restored == nil {
		restored = State{}
	}
	delete(restored, StateKeySubgraphInterrupt)
	delete(restored, InterruptChannel)

	cmd := commandFromState(input)
	if cmd == nil {
		return restored
	}
	for k, v := range cmd.Update {
		restored[k] = v
	}
	if cmd.Resume != nil {
		restored[ResumeChannel] = cmd.Resume
	}
	if len(cmd.ResumeMap) > 0 {
		merged := make(map[string]any, len(cmd.ResumeMap))
		if existing, ok := restored[StateKeyResumeMap].(map[string]any); ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		for k, v := range cmd.ResumeMap {
			merged[k] = v
		}
		restored[StateKeyResumeMap] = merged
	}
	if cmd.GoTo != "" && cmd.GoTo != End {
		restored[StateKeyNextNodes] = []string{cmd.GoTo}
	}
	return restored
}

// commandFromState extracts a resume command carried in the caller's input.
func commandFromState(state State) *Command {
	if state == nil {
		return nil
	}
	switch v := state[StateKeyCommand].(type) {
	case *Command:
		return v
	case Command:
		return &v
	}
	return nil
}

// applyExecutableNextNodes carries the checkpoint's recorded next nodes into
// the restored state so planning re-activates them on resume. End markers
// and blanks are dropped; an explicit route set by the resume command wins.
func (e *Executor) applyExecutableNextNodes(restored State, tuple *CheckpointTuple) {
	if restored == nil || tuple == nil || tuple.Checkpoint == nil {
		return
	}
	if _, exists := restored[StateKeyNextNodes]; exists {
		return
	}
	var nodes []string
	for _, n := range tuple.Checkpoint.NextNodes {
		if n == "" || n == End {
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) > 0 {
		restored[StateKeyNextNodes] = nodes
	}
}

// restoreStateFromCheckpoint rebuilds the working state from a checkpoint's
// recorded values, converting values a saver decoded generically back to
// their schema types and filling defaults for fields the checkpoint
// predates. Plumbing channels are restored separately.
func (e *Executor) restoreStateFromCheckpoint(tuple *CheckpointTuple) State {
	state := State{}
	if tuple == nil || tuple.Checkpoint == nil {
		return state
	}
	schema := e.graph.Schema()
	for key, value := range tuple.Checkpoint.ChannelValues {
		switch key {
		case ChannelTasks, ErrorChannel, InterruptChannel:
			continue
		}
		if _, isChannel := e.graph.getChannel(key); isChannel {
			continue
		}
		if schema != nil {
			if field, ok := schema.Field(key); ok {
				state[key] = e.restoreCheckpointValueWithSchema(value, field)
				continue
			}
		}
		state[key] = value
	}
	if schema == nil {
		return state
	}
	for name, field := range schema.Fields {
		if _, ok := state[name]; ok {
			continue
		}
		if field.Default != nil {
			state[name] = field.Default()
			continue
		}
		if field.Type != nil {
			state[name] = reflect.Zero(field.Type).Interface()
		}
	}
	return state
}

// restoreCheckpointValueWithSchema coerces a checkpoint value to the
// field's declared type. Values already of the right type pass through;
// generic slices convert elementwise and anything else takes a JSON round
// trip, falling back to the raw value when conversion is impossible.
func (e *Executor) restoreCheckpointValueWithSchema(value any, field StateField) any {
	if value == nil || field.Type == nil {
		return value
	}
	vt := reflect.TypeOf(value)
	if vt.AssignableTo(field.Type) {
		return value
	}
	if raw, ok := value.([]any); ok && field.Type.Kind() == reflect.Slice {
		elem := field.Type.Elem()
		out := reflect.MakeSlice(field.Type, 0, len(raw))
		converted := true
		for _, item := range raw {
			if item == nil {
				out = reflect.Append(out, reflect.Zero(elem))
				continue
			}
			iv := reflect.ValueOf(item)
			switch {
			case iv.Type().AssignableTo(elem):
				out = reflect.Append(out, iv)
			case iv.Type().ConvertibleTo(elem):
				out = reflect.Append(out, iv.Convert(elem))
			default:
				converted = false
			}
			if !converted {
				break
			}
		}
		if converted {
			return out.Interface()
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	target := reflect.New(field.Type)
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return value
	}
	return target.Elem().Interface()
}

// getConfigKeys lists a config map's keys in stable order.
func getConfigKeys(config map[string]any) []string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
