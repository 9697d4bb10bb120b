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
	"sort"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
)

// StateUpdate is one edit in a bulk state update.
type StateUpdate struct {
	// Values holds the state keys to write; they pass through the schema's
	// reducers like node writes do.
	Values State
	// AsNode attributes the update to a node, firing its outgoing edges so
	// a later resume continues from its successors.
	AsNode string
}

// GetStateOption configures GetState.
type GetStateOption func(*getStateOptions)

type getStateOptions struct {
	subgraphs bool
}

// WithSubgraphs materializes the nested snapshot of every subgraph task by
// loading the latest checkpoint of its child namespace, recursively through
// all nesting levels.
func WithSubgraphs(enabled bool) GetStateOption {
	return func(o *getStateOptions) {
		o.subgraphs = enabled
	}
}

// GetState returns the snapshot at the checkpoint named by config, or the
// latest one on the thread when no checkpoint ID is set. Saver errors are
// returned as-is.
func (e *Executor) GetState(
	ctx context.Context, config map[string]any, opts ...GetStateOption,
) (*StateSnapshot, error) {
	if e.checkpointSaver == nil {
		return nil, ErrNoCheckpointSaver
	}
	options := getStateOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	tuple, err := e.checkpointSaver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	snapshot := e.snapshotFromTuple(tuple)
	if options.subgraphs {
		e.materializeChildSnapshots(ctx, snapshot)
	}
	return snapshot, nil
}

// GetStateHistory lists snapshots on the thread, newest first.
func (e *Executor) GetStateHistory(
	ctx context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*StateSnapshot, error) {
	if e.checkpointSaver == nil {
		return nil, ErrNoCheckpointSaver
	}
	tuples, err := e.checkpointSaver.List(ctx, config, filter)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		if tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		snapshots = append(snapshots, e.snapshotFromTuple(tuple))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].Timestamp.Equal(snapshots[j].Timestamp) {
			return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
		}
		return snapshots[i].Ref.CheckpointID > snapshots[j].Ref.CheckpointID
	})
	return snapshots, nil
}

// UpdateState forks the checkpoint named by config into a new one with the
// given values folded in through the schema's reducers. When asNode is set
// the update counts as that node's output: its outgoing edges fire so a
// resume runs its successors rather than re-running the node. The returned
// config points at the forked checkpoint.
func (e *Executor) UpdateState(
	ctx context.Context, config map[string]any, values State, asNode string,
) (map[string]any, error) {
	return e.putStateUpdate(ctx, config, []StateUpdate{{Values: values, AsNode: asNode}})
}

// BulkUpdate is one superstep's worth of state edits. Its updates fold into
// a single forked checkpoint, so they land atomically.
type BulkUpdate struct {
	Updates []StateUpdate
}

// BulkUpdateState applies the supersteps in order, each forking from the
// previous result, and returns the config of the final checkpoint. The
// first superstep on a fresh thread may leave AsNode empty, seeding the
// thread the way run input does; every other update must name the node it
// is attributed to. Reserved node markers are rejected.
func (e *Executor) BulkUpdateState(
	ctx context.Context, config map[string]any, supersteps []BulkUpdate,
) (map[string]any, error) {
	if e.checkpointSaver == nil {
		return nil, ErrNoCheckpointSaver
	}
	if len(supersteps) == 0 {
		return nil, fmt.Errorf("bulk update requires at least one superstep")
	}
	base, err := e.checkpointSaver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	hasHistory := base != nil && base.Checkpoint != nil
	for i, superstep := range supersteps {
		if len(superstep.Updates) == 0 {
			return nil, fmt.Errorf("bulk update superstep %d has no updates", i)
		}
		if err := checkExclusiveUpdateConflicts(e.graph.Schema(), superstep.Updates); err != nil {
			return nil, fmt.Errorf("bulk update superstep %d: %w", i, err)
		}
		for _, update := range superstep.Updates {
			if strings.HasPrefix(update.AsNode, "__") {
				return nil, fmt.Errorf("bulk update superstep %d: as_node %q is reserved", i, update.AsNode)
			}
			if update.AsNode == "" && (hasHistory || i > 0) {
				return nil, fmt.Errorf("bulk update superstep %d: as_node is required", i)
			}
		}
	}
	current := config
	for _, superstep := range supersteps {
		next, err := e.putStateUpdate(ctx, current, superstep.Updates)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// putStateUpdate folds one superstep of updates into a fork of the
// checkpoint named by config and persists it.
func (e *Executor) putStateUpdate(
	ctx context.Context, config map[string]any, updates []StateUpdate,
) (map[string]any, error) {
	if e.checkpointSaver == nil {
		return nil, ErrNoCheckpointSaver
	}
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	namespace := GetNamespace(config)

	if err := checkExclusiveUpdateConflicts(e.graph.Schema(), updates); err != nil {
		return nil, err
	}
	base, err := e.checkpointSaver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}

	forked, metadata, pendingWrites := e.forkForUpdate(base)
	updatedKeys := e.foldSuperstepValues(forked, base, updates)
	attributed := false
	for _, update := range updates {
		if update.AsNode != "" {
			attributed = true
			break
		}
	}
	if attributed {
		// The attributed nodes decide what resumes; the base's recorded
		// next nodes no longer apply.
		forked.NextNodes = nil
	}
	for _, update := range updates {
		if update.AsNode == "" {
			continue
		}
		if err := e.attributeUpdateToNode(forked, update.AsNode); err != nil {
			return nil, err
		}
	}
	metadata.Extra[CheckpointMetaKeyUpdatedKeys] = updatedKeys
	if base != nil && base.Checkpoint != nil {
		metadata.Extra[CheckpointMetaKeyBaseCheckpointID] = base.Checkpoint.ID
		metadata.Parents[namespace] = base.Checkpoint.ID
	}

	putCfg := CreateCheckpointConfig(threadID, checkpointIDOf(base), namespace)
	start := time.Now()
	updatedCfg, err := e.checkpointSaver.PutFull(ctx, PutFullRequest{
		Config:        putCfg,
		Checkpoint:    forked,
		Metadata:      metadata,
		NewVersions:   forked.ChannelVersions,
		PendingWrites: pendingWrites,
	})
	itelemetry.ReportCheckpointSaveMetrics(ctx,
		itelemetry.CheckpointSaveAttributes{Source: CheckpointSourceUpdate, Error: err}, time.Since(start))
	if err != nil {
		return nil, err
	}
	if updatedCfg == nil {
		updatedCfg = CreateCheckpointConfig(threadID, forked.ID, namespace)
	}
	return updatedCfg, nil
}

// forkForUpdate derives the checkpoint the update writes, carrying forward
// the base's stored writes so an interrupted step still replays after the
// edit. A missing base seeds a fresh thread.
func (e *Executor) forkForUpdate(base *CheckpointTuple) (*Checkpoint, *CheckpointMetadata, []PendingWrite) {
	if base == nil || base.Checkpoint == nil {
		return NewCheckpoint(nil, nil, nil), NewCheckpointMetadata(CheckpointSourceUpdate, -1), nil
	}
	forked := base.Checkpoint.Fork()
	if forked.ChannelValues == nil {
		forked.ChannelValues = make(map[string]any)
	}
	// The fork stays on the base's step so a resume replans the same
	// superstep the base would have.
	step := 0
	if base.Metadata != nil {
		step = base.Metadata.Step
	}
	metadata := NewCheckpointMetadata(CheckpointSourceUpdate, step)
	writes := make([]PendingWrite, len(base.PendingWrites))
	copy(writes, base.PendingWrites)
	return forked, metadata, writes
}

// checkExclusiveUpdateConflicts rejects a superstep whose updates write the
// same unreduced key more than once, mirroring the conflict rule applied to
// concurrent node writes.
func checkExclusiveUpdateConflicts(schema *StateSchema, updates []StateUpdate) error {
	if len(updates) < 2 {
		return nil
	}
	counts := make(map[string]int)
	for _, update := range updates {
		for key := range update.Values {
			counts[key]++
		}
	}
	var conflicted []string
	for key, n := range counts {
		if n > 1 && isExclusiveStateField(schema, key) {
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
		Message: fmt.Sprintf("%d updates wrote the key in one superstep; declare a reducer to merge concurrent updates",
			counts[key]),
		Err: channel.ErrInvalidUpdate,
	}
}

// foldSuperstepValues merges the superstep's edits into the fork's recorded
// values through the schema reducers, mirroring how node writes apply. Later
// updates fold over the result of earlier ones. Returns the sorted set of
// touched keys.
func (e *Executor) foldSuperstepValues(
	forked *Checkpoint, base *CheckpointTuple, updates []StateUpdate,
) []string {
	touched := make(map[string]bool)
	for _, update := range updates {
		for key := range update.Values {
			touched[key] = true
		}
	}
	keys := make([]string, 0, len(touched))
	for key := range touched {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return keys
	}
	schema := e.graph.Schema()
	restored := e.restoreStateFromCheckpoint(base)
	for _, update := range updates {
		for _, key := range getConfigKeys(map[string]any(update.Values)) {
			restored = schema.ApplyUpdate(restored, State{key: update.Values[key]})
		}
	}
	for _, key := range keys {
		forked.ChannelValues[key] = deepCopyAny(restored[key])
	}
	return keys
}

// attributeUpdateToNode marks the node's triggers as seen and fires its
// outgoing edges by bumping their channel versions, so planning on resume
// picks the node's successors.
func (e *Executor) attributeUpdateToNode(forked *Checkpoint, nodeID string) error {
	node, ok := e.graph.Node(nodeID)
	if !ok || node == nil {
		return fmt.Errorf("cannot attribute update to unknown node %s", nodeID)
	}
	if forked.ChannelVersions == nil {
		forked.ChannelVersions = make(map[string]int64)
	}
	if forked.VersionsSeen == nil {
		forked.VersionsSeen = make(map[string]map[string]int64)
	}
	seen := forked.VersionsSeen[nodeID]
	if seen == nil {
		seen = make(map[string]int64)
		forked.VersionsSeen[nodeID] = seen
	}
	for _, trigger := range node.triggers {
		if v, ok := forked.ChannelVersions[trigger]; ok {
			seen[trigger] = v
		}
	}
	var next []string
	for _, entry := range node.writers {
		forked.ChannelVersions[entry.Channel]++
		if strings.HasPrefix(entry.Channel, ChannelBranchPrefix) {
			next = append(next, strings.TrimPrefix(entry.Channel, ChannelBranchPrefix))
		}
	}
	if len(next) > 0 {
		merged := make(map[string]bool, len(next)+len(forked.NextNodes))
		for _, n := range forked.NextNodes {
			merged[n] = true
		}
		for _, n := range next {
			merged[n] = true
		}
		all := make([]string, 0, len(merged))
		for n := range merged {
			all = append(all, n)
		}
		sort.Strings(all)
		forked.NextNodes = all
	}
	return nil
}

// checkpointIDOf returns the checkpoint ID of a tuple, or empty for nil.
func checkpointIDOf(tuple *CheckpointTuple) string {
	if tuple == nil || tuple.Checkpoint == nil {
		return ""
	}
	return tuple.Checkpoint.ID
}

// snapshotFromTuple converts a stored tuple into a state snapshot, with any
// pending interrupt surfaced alongside the restored state. Stored writes of
// tasks that completed before the run stopped fold into the displayed state,
// matching what a resume replays.
func (e *Executor) snapshotFromTuple(tuple *CheckpointTuple) *StateSnapshot {
	state := e.restoreStateFromCheckpoint(tuple)
	state = e.foldUnappliedWrites(state, tuple.PendingWrites, e.graph.channelManager)
	if tuple.Checkpoint.InterruptState != nil {
		state[InterruptChannel] = tuple.Checkpoint.InterruptState.InterruptValue
	}
	return &StateSnapshot{
		CheckpointInfo: e.checkpointInfoFromTuple(tuple),
		State:          state,
		NextNodes:      tuple.Checkpoint.NextNodes,
		NextChannels:   tuple.Checkpoint.NextChannels,
		Tasks:          e.taskDescriptionsFromTuple(tuple),
		Interrupt:      tuple.Checkpoint.InterruptState,
	}
}

// taskDescriptionsFromTuple derives the tasks a resume of this checkpoint
// would plan: PULL tasks from the recorded next nodes and PUSH tasks from the
// queued sends, with the same deterministic IDs replanning assigns. Stored
// pending writes and interrupt state attach to the task that produced them.
func (e *Executor) taskDescriptionsFromTuple(tuple *CheckpointTuple) []TaskDescription {
	cp := tuple.Checkpoint
	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step + 1
	}
	if step < 0 {
		step = 0
	}
	threadID := GetThreadID(tuple.Config)
	namespace := GetNamespace(tuple.Config)
	idState := State{CfgKeyCheckpointNS: namespace}

	var tasks []TaskDescription
	byID := make(map[string]int)
	add := func(desc TaskDescription) {
		byID[desc.ID] = len(tasks)
		tasks = append(tasks, desc)
	}
	for _, nodeID := range cp.NextNodes {
		if nodeID == "" || nodeID == End {
			continue
		}
		path := TaskPathPull + ":" + nodeID
		add(TaskDescription{
			ID:   deterministicTaskID(idState, step, path),
			Name: nodeID,
			Path: path,
		})
	}
	for i, send := range cp.PendingSends {
		path := fmt.Sprintf("%s:%d", TaskPathPush, i)
		add(TaskDescription{
			ID:   deterministicTaskID(idState, step, path),
			Name: send.Channel,
			Path: path,
		})
	}

	if intr := cp.InterruptState; intr != nil && intr.NodeID != "" {
		idx, ok := byID[intr.TaskID]
		if !ok {
			for i := range tasks {
				if tasks[i].Name == intr.NodeID {
					idx, ok = i, true
					break
				}
			}
		}
		if !ok {
			add(TaskDescription{
				ID:   intr.TaskID,
				Name: intr.NodeID,
				Path: TaskPathPull + ":" + intr.NodeID,
			})
			idx = len(tasks) - 1
		}
		tasks[idx].Interrupts = append(tasks[idx].Interrupts, intr.InterruptValue)
	}

	for _, write := range tuple.PendingWrites {
		idx, ok := byID[write.TaskID]
		if !ok {
			continue
		}
		switch write.Channel {
		case ErrorChannel:
			tasks[idx].Error = fmt.Sprintf("%v", write.Value)
		case ResumeChannel, InterruptChannel, ChannelTasks:
			// The interrupt value rides on Interrupts; resume bookkeeping and
			// queued sends are not task output.
		default:
			if tasks[idx].Result == nil {
				tasks[idx].Result = State{}
			}
			tasks[idx].Result[write.Channel] = write.Value
		}
	}

	linkage := decodeChildRunLinkage(cp.ChannelValues[StateKeySubgraphInterrupt])
	for i := range tasks {
		// A recorded pause names the child's exact coordinates. It also covers
		// snapshots of nested runs, whose nodes this executor's graph does not
		// know.
		if linkage != nil && linkage.parentNodeID == tasks[i].Name {
			ref := &CheckpointRef{
				ThreadID:     linkage.threadID,
				Namespace:    linkage.namespace,
				CheckpointID: linkage.checkpointID,
			}
			if ref.ThreadID == "" {
				ref.ThreadID = threadID
			}
			tasks[i].ChildRef = ref
			continue
		}
		node, ok := e.graph.Node(tasks[i].Name)
		if !ok || node == nil || node.Type != NodeTypeSubgraph {
			continue
		}
		tasks[i].ChildRef = &CheckpointRef{
			ThreadID:  threadID,
			Namespace: childNamespace(namespace, tasks[i].Name, tasks[i].ID),
		}
	}
	return tasks
}

// childRunLinkage is the decoded form of the child-run coordinates a parent
// interrupt checkpoint records when a subgraph pauses.
type childRunLinkage struct {
	parentNodeID string
	threadID     string
	namespace    string
	checkpointID string
}

// decodeChildRunLinkage reads the linkage back out of checkpoint values.
// Savers that serialize state hand it back as map[string]any.
func decodeChildRunLinkage(value any) *childRunLinkage {
	raw, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	get := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	linkage := &childRunLinkage{
		parentNodeID: get(subgraphInterruptKeyParentNodeID),
		threadID:     get(subgraphInterruptKeyChildThreadID),
		namespace:    get(subgraphInterruptKeyChildCheckpointNS),
		checkpointID: get(subgraphInterruptKeyChildCheckpointID),
	}
	if linkage.parentNodeID == "" || linkage.namespace == "" {
		return nil
	}
	return linkage
}

// materializeChildSnapshots loads the nested snapshot of every subgraph task,
// descending through further nesting levels. Children that have not
// checkpointed yet are left with ChildRef only.
func (e *Executor) materializeChildSnapshots(ctx context.Context, snapshot *StateSnapshot) {
	if snapshot == nil || e.checkpointSaver == nil {
		return
	}
	for i := range snapshot.Tasks {
		ref := snapshot.Tasks[i].ChildRef
		if ref == nil {
			continue
		}
		cfg, err := ref.ToSaverConfig()
		if err != nil {
			continue
		}
		tuple, err := e.checkpointSaver.GetTuple(ctx, cfg)
		if err != nil || tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		child := e.snapshotFromTuple(tuple)
		e.materializeChildSnapshots(ctx, child)
		snapshot.Tasks[i].ChildState = child
	}
}

// checkpointInfoFromTuple builds the snapshot header for a stored tuple.
func (e *Executor) checkpointInfoFromTuple(tuple *CheckpointTuple) CheckpointInfo {
	ref := checkpointRefFromConfig(tuple.Config, "")
	if ref.CheckpointID == "" {
		ref.CheckpointID = tuple.Checkpoint.ID
	}
	var source string
	var step int
	if tuple.Metadata != nil {
		source = tuple.Metadata.Source
		step = tuple.Metadata.Step
	}
	return CheckpointInfo{
		Ref:              ref,
		ParentCheckpoint: tuple.Checkpoint.ParentCheckpointID,
		Source:           source,
		Step:             step,
		Timestamp:        tuple.Checkpoint.Timestamp,
	}
}
