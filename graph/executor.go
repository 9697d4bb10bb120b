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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// Default executor configuration.
const (
	defaultChannelBufferSize = 256
	defaultMaxSteps          = 25
	defaultMaxConcurrency    = 10
)

// Durability controls when checkpoints are persisted relative to superstep
// boundaries.
type Durability string

const (
	// DurabilityAsync persists checkpoints in the background while the next
	// superstep proceeds. A crash may lose the most recent step.
	DurabilityAsync Durability = "async"
	// DurabilitySync persists every checkpoint before the next superstep
	// starts.
	DurabilitySync Durability = "sync"
	// DurabilityExit persists only at run end or on interrupt.
	DurabilityExit Durability = "exit"
)

// ErrNoCheckpointer is returned when an interrupt fires on an executor that
// has no checkpoint saver configured, since the paused run could never be
// resumed.
var ErrNoCheckpointer = errors.New("graph: interrupt requires a checkpoint saver; configure one with WithCheckpointSaver")

// Executor runs a compiled graph with Pregel-style supersteps: plan tasks
// from channel versions, run them concurrently, apply their writes in task
// order and checkpoint the result. A single Executor is safe for concurrent
// use; all per-run state lives in the ExecutionContext.
type Executor struct {
	graph             *Graph
	channelBufferSize int
	maxSteps          int
	stepTimeout       time.Duration
	nodeTimeout       time.Duration
	maxConcurrency    int
	durability        Durability
	defaultRetry      []RetryPolicy
	checkpointSaver   CheckpointSaver
	checkpointManager *CheckpointManager
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size for event channels (default: 256).
	ChannelBufferSize int
	// MaxSteps caps the number of supersteps before the run fails with
	// GraphRecursionError (default: 25). On resume the cap applies to the
	// steps executed after the resume point.
	MaxSteps int
	// StepTimeout bounds one whole superstep; zero means no limit.
	StepTimeout time.Duration
	// NodeTimeout bounds a single node attempt; zero means no limit.
	NodeTimeout time.Duration
	// MaxConcurrency caps the number of tasks running at once (default: 10).
	MaxConcurrency int
	// CheckpointSaver persists checkpoints; nil disables checkpointing.
	CheckpointSaver CheckpointSaver
	// Durability selects the checkpoint persistence mode (default: async).
	Durability Durability
	// DefaultRetry applies to nodes without their own retry policies.
	DefaultRetry []RetryPolicy
}

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ChannelBufferSize = size
	}
}

// WithMaxSteps sets the maximum number of supersteps for one run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithStepTimeout bounds the duration of a single superstep.
func WithStepTimeout(timeout time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.StepTimeout = timeout
	}
}

// WithNodeTimeout bounds the duration of a single node attempt.
func WithNodeTimeout(timeout time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.NodeTimeout = timeout
	}
}

// WithMaxConcurrency caps how many tasks of one superstep run in parallel.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxConcurrency = n
	}
}

// WithCheckpointSaver enables checkpointing through the given saver.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaver = saver
	}
}

// WithDurability selects when checkpoints are persisted.
func WithDurability(mode Durability) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Durability = mode
	}
}

// WithDefaultRetryPolicy sets retry policies applied to nodes that do not
// declare their own. Policies are tried in order until one accepts the error.
func WithDefaultRetryPolicy(policies ...RetryPolicy) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.DefaultRetry = append(opts.DefaultRetry, policies...)
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph must not be nil")
	}
	options := ExecutorOptions{
		ChannelBufferSize: defaultChannelBufferSize,
		MaxSteps:          defaultMaxSteps,
		MaxConcurrency:    defaultMaxConcurrency,
		Durability:        DurabilityAsync,
	}
	for _, opt := range opts {
		opt(&options)
	}
	e := &Executor{
		graph:             graph,
		channelBufferSize: options.ChannelBufferSize,
		maxSteps:          options.MaxSteps,
		stepTimeout:       options.StepTimeout,
		nodeTimeout:       options.NodeTimeout,
		maxConcurrency:    options.MaxConcurrency,
		durability:        options.Durability,
		defaultRetry:      options.DefaultRetry,
		checkpointSaver:   options.CheckpointSaver,
	}
	if e.checkpointSaver != nil {
		e.checkpointManager = NewCheckpointManager(e.checkpointSaver)
	}
	return e, nil
}

// CheckpointManager returns the manager wrapping the configured saver, or
// nil when checkpointing is disabled.
func (e *Executor) CheckpointManager() *CheckpointManager {
	return e.checkpointManager
}

// runOutcome collects the terminal result of a run for synchronous callers.
// Fields are written by the execution goroutine before the event channel
// closes, so readers that drained the channel observe them safely.
type runOutcome struct {
	finalState State
	err        error
}

// Execute runs the graph and streams execution events. The returned channel
// closes when the run completes, interrupts or fails; failures surface as an
// error event before the close.
func (e *Executor) Execute(
	ctx context.Context,
	initialState State,
	invocation *Invocation,
) (<-chan *event.Event, error) {
	return e.execute(ctx, initialState, invocation, nil)
}

// Invoke runs the graph to completion and returns the final state with
// internal bookkeeping stripped. When the run pauses on an interrupt the
// state captured at the pause is returned together with the *InterruptError;
// use GetInterruptError to inspect it and resume on the same thread.
func (e *Executor) Invoke(
	ctx context.Context,
	initialState State,
	opts ...RunOption,
) (State, error) {
	invocation := NewInvocation(opts...)
	outcome := &runOutcome{}
	events, err := e.execute(ctx, initialState, invocation, outcome)
	if err != nil {
		return nil, err
	}
	for range events {
		// Drain. The closed channel is the synchronization point for
		// reading the outcome.
	}
	return outcome.finalState, outcome.err
}

func (e *Executor) execute(
	ctx context.Context,
	initialState State,
	invocation *Invocation,
	outcome *runOutcome,
) (<-chan *event.Event, error) {
	if e.graph == nil {
		return nil, errors.New("executor has no graph")
	}
	if invocation == nil {
		invocation = NewInvocation()
	}
	bufSize := e.channelBufferSize
	if bufSize <= 0 {
		bufSize = defaultChannelBufferSize
	}
	modes := invocation.RunOptions.StreamModes
	filter := NewStreamModeFilter(len(modes) > 0, modes)

	raw := make(chan *event.Event, bufSize)
	out := make(chan *event.Event, bufSize)
	startTime := time.Now()

	go func() {
		defer close(raw)
		err := e.executeGraph(ctx, initialState, invocation, raw, startTime, outcome)
		if err != nil && !IsInterruptError(err) {
			evt := event.NewErrorEvent(
				invocation.InvocationID, AuthorGraphExecutor,
				errorTypeOf(err), err.Error())
			select {
			case raw <- evt:
			case <-ctx.Done():
			}
		}
		if outcome != nil {
			outcome.err = err
		}
	}()

	// Forward events that pass the stream-mode filter. When the caller's
	// context ends, keep draining so the execution goroutine never blocks
	// on a dead receiver.
	tags := invocation.RunOptions.Tags
	go func() {
		defer close(out)
		for evt := range raw {
			if evt == nil || !filter.Allows(evt) {
				continue
			}
			for _, tag := range tags {
				event.AddTag(evt, tag)
			}
			select {
			case out <- evt:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// errorTypeOf maps a run error to the event error taxonomy.
func errorTypeOf(err error) string {
	var recursion *GraphRecursionError
	switch {
	case errors.As(err, &recursion):
		return ErrorTypeRecursionLimit
	case errors.Is(err, channel.ErrInvalidUpdate):
		return ErrorTypeInvalidUpdate
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrNoCheckpointer):
		return ErrorTypeCheckpoint
	default:
		return ErrorTypeGraphExecution
	}
}

// executeGraph drives the superstep loop: plan, execute, apply, checkpoint.
func (e *Executor) executeGraph(
	parentCtx context.Context,
	initialState State,
	invocation *Invocation,
	eventChan chan *event.Event,
	startTime time.Time,
	outcome *runOutcome,
) (err error) {
	parentCtx, span := trace.Tracer.Start(
		parentCtx, itelemetry.NewExecuteGraphSpanName(invocation.InvocationID))
	defer span.End()
	itelemetry.TraceRunName(span, invocation.RunOptions.RunName)

	ctx, watcher := newExternalInterruptWatcher(
		parentCtx, graphInterruptFromContext(parentCtx))
	defer watcher.stop()

	stepsDone := 0
	resumed := false
	defer func() {
		interrupted := IsInterruptError(err)
		itelemetry.TraceExecuteGraphEnd(span, stepsDone, interrupted, err)
		attrs := itelemetry.GraphExecutionAttributes{Interrupted: interrupted, Resumed: resumed}
		if !interrupted {
			// An interrupt pauses the run; only real failures count as errors.
			attrs.Error = err
		}
		itelemetry.ReportGraphExecutionMetrics(ctx, attrs, time.Since(startTime), stepsDone)
	}()

	state := e.prepareInitialState(initialState, invocation)
	threadID := resolveThreadID(state, invocation)
	state[CfgKeyThreadID] = threadID
	namespace, _ := state[CfgKeyCheckpointNS].(string)
	requestedID, _ := state[CfgKeyCheckpointID].(string)

	hasRunInterrupts := len(invocation.RunOptions.InterruptBefore) > 0 ||
		len(invocation.RunOptions.InterruptAfter) > 0
	if e.checkpointSaver == nil && (e.graph.hasStaticInterrupts() || hasRunInterrupts) {
		return ErrNoCheckpointer
	}

	var config map[string]any
	var tuple *CheckpointTuple
	if e.checkpointSaver != nil {
		config = CreateCheckpointConfig(threadID, requestedID, namespace)
		var err error
		tuple, err = e.loadCheckpointTuple(ctx, config)
		if err != nil {
			if requestedID != "" {
				// The caller named a checkpoint; failing to load it is fatal
				// and the saver's error is surfaced as-is.
				return err
			}
			log.Warnf("graph executor: latest checkpoint lookup failed, starting fresh: %v", err)
		}
	}

	resumed = tuple != nil && tuple.Checkpoint != nil
	itelemetry.TraceExecuteGraph(span, invocation.InvocationID, threadID, namespace, resumed)
	var execCtx *ExecutionContext
	startStep := 0
	if resumed {
		// Later saves hang off the loaded checkpoint, whether the caller
		// named it or the latest one was picked up.
		config = CreateCheckpointConfig(threadID, tuple.Checkpoint.ID, namespace)
		restored := e.restoreStateFromCheckpoint(tuple)
		mergeResumeInput(restored, state)
		restored = e.processResumeCommand(restored, state)
		e.applyExecutableNextNodes(restored, tuple)
		execCtx = e.buildExecutionContext(
			eventChan, invocation.InvocationID, restored, true, tuple.Checkpoint)
		if tuple.Metadata != nil {
			startStep = tuple.Metadata.Step + 1
		}
		if startStep < 0 {
			startStep = 0
		}
		execCtx.restoredTaskInputs = decodeInterruptInputs(tuple.Metadata)
		// Stored writes wait until the interrupted step replans. Folding them
		// here would bump channel versions before planning and change which
		// tasks the replanned step schedules.
		stashRestoredWrites(execCtx, tuple.PendingWrites)
		markReplayedTasks(execCtx, tuple.PendingWrites)
	} else {
		e.seedSchemaDefaults(state)
		execCtx = e.buildExecutionContext(
			eventChan, invocation.InvocationID, state, false, nil)
		e.seedEntryChannel(execCtx)
	}
	execCtx.checkpointConfig = config
	execCtx.emitCheckpointEvents = hasStreamMode(invocation, StreamModeCheckpoints)
	execCtx.runMetadata = invocation.RunOptions.Metadata
	execCtx.durability = e.durability
	if d := invocation.RunOptions.Durability; d != "" {
		execCtx.durability = d
	}
	execCtx.runInterruptBefore = nodeSetOf(invocation.RunOptions.InterruptBefore)
	execCtx.runInterruptAfter = nodeSetOf(invocation.RunOptions.InterruptAfter)
	if outcome != nil {
		defer func() {
			outcome.finalState = e.finalStateSnapshot(execCtx)
		}()
	}

	if !resumed && e.checkpointSaver != nil {
		if err := e.createCheckpoint(ctx, execCtx, CheckpointSourceInput, -1); err != nil {
			log.Warnf("graph executor: input checkpoint failed: %v", err)
		}
	}

	maxSteps := e.maxSteps
	if limit := invocation.RunOptions.RecursionLimit; limit > 0 {
		maxSteps = limit
	}
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	stopStep := startStep + maxSteps
	lastStep := startStep - 1

	for step := startStep; ; step++ {
		select {
		case <-ctx.Done():
			return runCancelledError(ctx)
		default:
		}
		if watcher.requested() {
			return e.interruptRun(ctx, execCtx, newExternalInterruptError(false), lastStep, nil)
		}

		tasks := e.planBasedOnChannelTriggers(execCtx, step)
		if e.replayUnplannedWrites(ctx, execCtx, tasks) && len(tasks) == 0 {
			tasks = e.planBasedOnChannelTriggers(execCtx, step)
		}
		if len(tasks) == 0 {
			break
		}
		if step >= stopStep {
			return &GraphRecursionError{Limit: maxSteps}
		}
		execCtx.tasksMutex.Lock()
		execCtx.pendingTasks = tasks
		execCtx.tasksMutex.Unlock()
		overlayRestoredInputs(execCtx, tasks)

		if intr := e.maybeStaticInterruptBefore(execCtx, tasks, step); intr != nil {
			return e.interruptRun(ctx, execCtx, intr, step-1, nil)
		}

		e.emit(ctx, execCtx, NewPregelStepEvent(
			WithPregelEventInvocationID(execCtx.InvocationID),
			WithPregelEventStepNumber(step),
			WithPregelEventPhase(PregelPhasePlanning),
			WithPregelEventTaskCount(len(tasks)),
			WithPregelEventActiveNodes(taskNodeIDs(tasks)),
			WithPregelEventStartTime(time.Now()),
		))

		report := newStepExecutionReport(e.graph.Schema().Fields)
		stepCtx, cancelStep := e.newStepContext(ctx)
		err := e.executeStepTasks(stepCtx, execCtx, tasks, step, report)
		cancelStep()
		if err != nil {
			if watcher.forced(stepCtx) {
				intr := newExternalInterruptError(true)
				return e.interruptRun(ctx, execCtx, intr, lastStep, report)
			}
			if intr, ok := GetInterruptError(err); ok {
				// The step's writes never applied, so the checkpoint records
				// the previous step and a resume replans this one. Stored
				// writes keep completed siblings from re-executing.
				return e.interruptRun(ctx, execCtx, intr, step-1, report)
			}
			e.emit(ctx, execCtx, NewPregelErrorEvent(
				WithPregelEventInvocationID(execCtx.InvocationID),
				WithPregelEventStepNumber(step),
				WithPregelEventError(err.Error()),
			))
			return err
		}

		updatedChannels, updateBatches, err := e.applyStepWrites(ctx, execCtx, tasks, step)
		if err != nil {
			// Conflicting writes fail the whole step; no checkpoint is
			// written for it.
			e.emit(ctx, execCtx, NewPregelErrorEvent(
				WithPregelEventInvocationID(execCtx.InvocationID),
				WithPregelEventStepNumber(step),
				WithPregelEventError(err.Error()),
			))
			return err
		}
		e.emit(ctx, execCtx, NewPregelStepEvent(
			WithPregelEventInvocationID(execCtx.InvocationID),
			WithPregelEventStepNumber(step),
			WithPregelEventPhase(PregelPhaseUpdate),
			WithPregelEventTaskCount(len(tasks)),
			WithPregelEventUpdatedChannels(updatedChannels),
			WithPregelEventEndTime(time.Now()),
		))
		e.emitStepUpdateEvents(ctx, execCtx, updateBatches, updatedChannels)

		if intr := e.maybeStaticInterruptAfter(execCtx, tasks, step); intr != nil {
			return e.interruptRun(ctx, execCtx, intr, step, nil)
		}

		e.saveLoopCheckpoint(ctx, execCtx, step, resumed && step == startStep)
		e.clearChannelStepMarks(execCtx)
		lastStep = step
		stepsDone++

		if watcher.requested() {
			return e.interruptRun(ctx, execCtx, newExternalInterruptError(false), lastStep, nil)
		}
	}

	execCtx.saveWG.Wait()
	if e.checkpointSaver != nil && e.effectiveDurability(execCtx) == DurabilityExit && lastStep >= startStep {
		if err := e.createCheckpoint(ctx, execCtx, CheckpointSourceLoop, lastStep); err != nil {
			log.Warnf("graph executor: final checkpoint failed: %v", err)
		}
	}

	e.emit(ctx, execCtx, NewGraphCompletionEvent(
		WithCompletionEventInvocationID(execCtx.InvocationID),
		WithCompletionEventFinalState(e.finalStateSnapshot(execCtx)),
		WithCompletionEventTotalSteps(stepsDone),
		WithCompletionEventTotalDuration(time.Since(startTime)),
	))
	return nil
}

// prepareInitialState clones the caller state and folds in runtime state and
// graph-wide callbacks without clobbering caller-provided keys.
func (e *Executor) prepareInitialState(initialState State, invocation *Invocation) State {
	state := State{}
	if initialState != nil {
		state = initialState.Clone()
	}
	for k, v := range invocation.RunOptions.RuntimeState {
		if _, ok := state[k]; !ok {
			state[k] = v
		}
	}
	if cbs := e.graph.NodeCallbacks(); cbs != nil {
		if _, ok := state[StateKeyNodeCallbacks]; !ok {
			state[StateKeyNodeCallbacks] = cbs
		}
	}
	return state
}

// seedSchemaDefaults fills missing schema fields that declare defaults so
// nodes of a fresh run observe them from step zero.
func (e *Executor) seedSchemaDefaults(state State) {
	schema := e.graph.Schema()
	if schema == nil {
		return
	}
	for name, field := range schema.Fields {
		if _, ok := state[name]; ok {
			continue
		}
		if field.Default != nil {
			state[name] = field.Default()
		}
	}
}

// seedEntryChannel triggers the entry point so the first superstep plans it.
func (e *Executor) seedEntryChannel(execCtx *ExecutionContext) {
	entry := e.graph.EntryPoint()
	if entry == "" {
		return
	}
	if ch, ok := execCtx.channels.GetChannel(ChannelBranchPrefix + entry); ok {
		if _, err := ch.Update([]any{nil}, 0); err != nil {
			log.Errorf("graph executor: entry trigger failed: %v", err)
		}
	}
}

// resolveThreadID picks the checkpoint thread for this run: an explicit
// thread_id in state, else the invocation ID, else a fresh UUID.
func resolveThreadID(state State, invocation *Invocation) string {
	if id, ok := state[CfgKeyThreadID].(string); ok && id != "" {
		return id
	}
	if invocation.InvocationID != "" {
		return invocation.InvocationID
	}
	return uuid.New().String()
}

// mergeResumeInput overlays caller-supplied keys onto the restored state so
// a resume can carry fresh input. The resume command is handled separately.
func mergeResumeInput(restored, input State) {
	for k, v := range input {
		if k == StateKeyCommand {
			continue
		}
		restored[k] = v
	}
}

// hasStreamMode reports whether the invocation explicitly requested a mode.
func hasStreamMode(invocation *Invocation, mode StreamMode) bool {
	for _, m := range invocation.RunOptions.StreamModes {
		if m == mode {
			return true
		}
	}
	return false
}

// runCancelledError wraps the context error so callers can distinguish a
// cancelled run from a node failure.
func runCancelledError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return fmt.Errorf("graph execution cancelled: %w", cause)
}

// taskNodeIDs returns the node IDs of the planned tasks in plan order.
func taskNodeIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t != nil {
			ids = append(ids, t.NodeID)
		}
	}
	return ids
}

// overlayRestoredInputs replaces task overlays with input snapshots captured
// by an interrupt checkpoint, matched by deterministic task ID.
func overlayRestoredInputs(execCtx *ExecutionContext, tasks []*Task) {
	if len(execCtx.restoredTaskInputs) == 0 {
		return
	}
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if input, ok := execCtx.restoredTaskInputs[t.ID]; ok {
			t.Overlay = input
		}
	}
}

// markReplayedTasks records which task IDs already have stored writes so the
// runner applies their effects without re-executing the node functions.
func markReplayedTasks(execCtx *ExecutionContext, writes []PendingWrite) {
	for _, w := range writes {
		if w.TaskID == "" || w.TaskID == ExternalInterruptKey {
			continue
		}
		// Interrupt and error markers describe why the run stopped, not a
		// completed task.
		if w.Channel == InterruptChannel || w.Channel == ErrorChannel {
			continue
		}
		execCtx.completedTaskIDs[w.TaskID] = true
	}
}

// newStepContext derives the per-superstep context, applying the step
// timeout when one is configured.
func (e *Executor) newStepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.stepTimeout > 0 {
		return context.WithTimeout(ctx, e.stepTimeout)
	}
	return context.WithCancel(ctx)
}

// newNodeContext derives the context for a single node attempt, applying the
// node timeout when one is configured.
func (e *Executor) newNodeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.nodeTimeout > 0 {
		return context.WithTimeout(ctx, e.nodeTimeout)
	}
	return context.WithCancel(ctx)
}

// buildExecutionContext assembles the per-run runtime: a private clone of
// the channel topology, versions seen and pending sends restored from the
// checkpoint being resumed, and the shared state map.
func (e *Executor) buildExecutionContext(
	eventChan chan *event.Event,
	invocationID string,
	state State,
	resumed bool,
	last *Checkpoint,
) *ExecutionContext {
	execCtx := &ExecutionContext{
		Graph:            e.graph,
		EventChan:        eventChan,
		InvocationID:     invocationID,
		executor:         e,
		State:            state,
		channels:         e.graph.channelManager.Clone(),
		versionsSeen:     make(map[string]map[string]int64),
		completedTaskIDs: make(map[string]bool),
		resumed:          resumed,
	}
	execCtx.lastCheckpoint = last
	if last == nil {
		return execCtx
	}
	for node, seen := range last.VersionsSeen {
		copied := make(map[string]int64, len(seen))
		for name, version := range seen {
			copied[name] = version
		}
		execCtx.versionsSeen[node] = copied
	}
	for name, version := range last.ChannelVersions {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok {
			// The channel is gone from the compiled graph; stale version
			// entries are skipped rather than treated as corruption.
			log.Debugf("graph executor: checkpoint version for unknown channel %s skipped", name)
			continue
		}
		ch.SetVersion(version)
		if version > 0 && ch.Behavior != channel.BehaviorBarrier {
			// Values of trigger channels are not persisted, only their
			// versions. Restoring availability lets the planner fire nodes
			// that had not consumed the version yet; versions seen still
			// gate nodes that had.
			ch.MarkAvailable()
		}
	}
	for name, senders := range last.BarrierSets {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok {
			continue
		}
		ch.RestoreBarrierSeen(senders)
	}
	for name, value := range last.ChannelValues {
		if ch, ok := execCtx.channels.GetChannel(name); ok {
			ch.SetValue(value)
		}
	}
	if len(last.PendingSends) > 0 {
		sends := make([]PendingSend, len(last.PendingSends))
		copy(sends, last.PendingSends)
		execCtx.pendingSends = sends
	}
	return execCtx
}

// finalStateSnapshot returns a deep copy of the run state with internal
// bookkeeping and unsafe runtime handles stripped. Writes still buffered
// from a step that stopped before committing, such as completed siblings of
// an interrupted task, fold into the copy.
func (e *Executor) finalStateSnapshot(execCtx *ExecutionContext) State {
	if execCtx == nil {
		return State{}
	}
	var fields map[string]StateField
	if schema := e.graph.Schema(); schema != nil {
		fields = schema.Fields
	}
	execCtx.stateMutex.RLock()
	snapshot := execCtx.State.deepCopy(false, fields)
	execCtx.stateMutex.RUnlock()
	return e.foldUnappliedWrites(snapshot, execCtx.snapshotPendingWrites(), execCtx.channels)
}

// emit delivers an event to the run's stream, dropping it when the run
// context ends first.
func (e *Executor) emit(ctx context.Context, execCtx *ExecutionContext, evt *event.Event) {
	if execCtx == nil || execCtx.EventChan == nil || evt == nil {
		return
	}
	if err := event.Emit(ctx, execCtx.EventChan, evt); err != nil {
		log.Debugf("graph executor: dropping %s event: %v", evt.Object, err)
	}
}

// effectiveDurability returns the run's durability, falling back to the
// executor's setting for contexts built outside a run.
func (e *Executor) effectiveDurability(execCtx *ExecutionContext) Durability {
	if execCtx != nil && execCtx.durability != "" {
		return execCtx.durability
	}
	return e.durability
}

// nodeSetOf builds a lookup set from a node ID list, nil when empty.
func nodeSetOf(nodes []string) map[string]bool {
	if len(nodes) == 0 {
		return nil
	}
	set := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if node != "" {
			set[node] = true
		}
	}
	return set
}
