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
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"trpc.group/trpc-go/trpc-graph-go/event"
)

const (
	testEmptyString        = ""
	testChildNodeID        = "child_pipeline"
	testChildValuePrefix   = "computed: "
	testChildValueKey      = "child_value"
	testValueFromChildKey  = "value_from_child"
	testAfterNodeID        = "after"
	testInvocationID       = "inv-handoff"
	testUserInput          = "hello"
	testMissingStateKeyFmt = "missing state key: %s"
)

func TestSubgraph_OutputMapper_HandoffToNextNode(t *testing.T) {
	childSchema := NewStateSchema()
	childSchema.AddField(
		StateKeyUserInput,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	childSchema.AddField(
		testChildValueKey,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	childSchema.AddField(
		StateKeyLastResponse,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	childGraph, err := NewStateGraph(childSchema).
		AddNode("compute", func(_ context.Context, s State) (any, error) {
			input, _ := GetStateValue[string](s, StateKeyUserInput)
			value := testChildValuePrefix + input
			return State{
				testChildValueKey:    value,
				StateKeyLastResponse: value,
			}, nil
		}).
		SetEntryPoint("compute").
		SetFinishPoint("compute").
		Compile()
	require.NoError(t, err)

	schema := NewStateSchema()
	schema.AddField(
		StateKeyLastResponse,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		testValueFromChildKey,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		StateKeyUserInput,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)

	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(
			testChildNodeID,
			childGraph,
			WithSubgraphOutputMapper(func(_ State, r SubgraphResult) State {
				value, ok := GetStateValue[string](
					r.FinalState,
					testChildValueKey,
				)
				if !ok {
					return nil
				}
				return State{testValueFromChildKey: value}
			}),
		).
		AddNode(testAfterNodeID, func(_ context.Context, state State) (any, error) {
			value, ok := GetStateValue[string](state, testValueFromChildKey)
			if !ok {
				return nil, fmt.Errorf(testMissingStateKeyFmt, testValueFromChildKey)
			}
			return State{StateKeyLastResponse: value}, nil
		}).
		AddEdge(testChildNodeID, testAfterNodeID).
		SetEntryPoint(testChildNodeID).
		SetFinishPoint(testAfterNodeID).
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(parentGraph)
	require.NoError(t, err)

	inv := &Invocation{InvocationID: testInvocationID}
	initial := State{StateKeyUserInput: testUserInput}
	eventChan, err := exec.Execute(context.Background(), initial, inv)
	require.NoError(t, err)

	var done *event.Event
	for ev := range eventChan {
		if ev != nil && ev.Done && ev.Object == ObjectTypeGraphExecution {
			done = ev
		}
	}
	require.NotNil(t, done)

	expected := testChildValuePrefix + testUserInput

	var got string
	require.NotNil(t, done.StateDelta)
	raw, ok := done.StateDelta[testValueFromChildKey]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, expected, got)

	var lastResponse string
	raw, ok = done.StateDelta[StateKeyLastResponse]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &lastResponse))
	require.Equal(t, expected, lastResponse)
}

// echoChildGraph reports the user input it received, so tests can observe
// what the subgraph input wiring handed down.
func echoChildGraph(t *testing.T) *Graph {
	t.Helper()
	schema := NewStateSchema()
	schema.AddField(
		StateKeyUserInput,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		"seen_input",
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		"saw_extra",
		StateField{Type: reflect.TypeOf(false)},
	)
	g, err := NewStateGraph(schema).
		AddNode("echo", func(_ context.Context, s State) (any, error) {
			input, _ := GetStateValue[string](s, StateKeyUserInput)
			_, hasExtra := s["extra"]
			return State{
				"seen_input": input,
				"saw_extra":  hasExtra,
			}, nil
		}).
		SetEntryPoint("echo").
		SetFinishPoint("echo").
		Compile()
	require.NoError(t, err)
	return g
}

// TestSubgraph_InputFromLastResponse_MapsUserInput verifies that enabling
// WithSubgraphInputFromLastResponse seeds the child's user input from the
// parent's last response. When last_response is absent the child keeps the
// original user_input.
func TestSubgraph_InputFromLastResponse_MapsUserInput(t *testing.T) {
	child := echoChildGraph(t)
	options := &subgraphOptions{}
	WithSubgraphInputFromLastResponse()(options)

	// Case 1: last_response present; the child sees it as user input.
	state := State{
		StateKeyUserInput:    "original-user-input",
		StateKeyLastResponse: "from-upstream-A",
	}
	fn := newSubgraphNodeFunc("child3", child, options)
	out, err := fn(context.Background(), state)
	require.NoError(t, err)

	result, ok := out.(State)
	require.True(t, ok)
	require.Equal(t, "from-upstream-A", result["seen_input"])

	// Case 2: no last_response; the child keeps the original user_input.
	state2 := State{
		StateKeyUserInput: "original-user-input",
	}
	fn2 := newSubgraphNodeFunc("child3", child, options)
	out2, err := fn2(context.Background(), state2)
	require.NoError(t, err)

	result2, ok := out2.(State)
	require.True(t, ok)
	require.Equal(t, "original-user-input", result2["seen_input"])
}

func TestSubgraph_InputMapper_ReplacesDefaultInput(t *testing.T) {
	child := echoChildGraph(t)
	options := &subgraphOptions{}
	WithSubgraphInputMapper(func(parent State) State {
		input, _ := GetStateValue[string](parent, StateKeyUserInput)
		return State{StateKeyUserInput: "mapped: " + input}
	})(options)

	state := State{
		StateKeyUserInput: "original",
		"extra":           "do-not-pass",
	}
	fn := newSubgraphNodeFunc("child_mapped", child, options)
	out, err := fn(context.Background(), state)
	require.NoError(t, err)

	result, ok := out.(State)
	require.True(t, ok)
	require.Equal(t, "mapped: original", result["seen_input"])
	// The mapper output is the whole child input; parent keys outside it
	// must not leak down.
	require.Equal(t, false, result["saw_extra"])
}

// The default child input is the parent state minus run bookkeeping: resume
// values, interrupt markers and parent-command slots stay one level up,
// while caller keys pass through.
func TestSubgraph_DefaultInput_FiltersRunBookkeeping(t *testing.T) {
	schema := NewStateSchema()
	schema.AddField(
		StateKeyUserInput,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		"inspect",
		StateField{Type: reflect.TypeOf(map[string]bool{})},
	)
	child, err := NewStateGraph(schema).
		AddNode("inspect", func(_ context.Context, s State) (any, error) {
			flags := map[string]bool{
				"has_resume":             s[ResumeChannel] != nil,
				"has_parent_command":     s[StateKeyParentCommand] != nil,
				"has_subgraph_interrupt": s[StateKeySubgraphInterrupt] != nil,
				"has_extra":              s["extra"] != nil,
			}
			return State{"inspect": flags}, nil
		}).
		SetEntryPoint("inspect").
		SetFinishPoint("inspect").
		Compile()
	require.NoError(t, err)

	state := State{
		StateKeyUserInput:         testUserInput,
		"extra":                   "bar",
		ResumeChannel:             "stale-resume",
		StateKeyParentCommand:     &Command{GoTo: "nowhere"},
		StateKeySubgraphInterrupt: map[string]any{"stale": true},
	}
	fn := newSubgraphNodeFunc("child_inspect", child, &subgraphOptions{})
	out, err := fn(context.Background(), state)
	require.NoError(t, err)

	result, ok := out.(State)
	require.True(t, ok)
	flags, ok := result["inspect"].(map[string]bool)
	require.True(t, ok)
	require.False(t, flags["has_resume"])
	require.False(t, flags["has_parent_command"])
	require.False(t, flags["has_subgraph_interrupt"])
	// Custom keys survive.
	require.True(t, flags["has_extra"])
}

func TestSubgraph_IsolatedMessages_SeparatesHistory(t *testing.T) {
	schema := NewStateSchema()
	schema.AddField(StateKeyMessages, StateField{
		Type:    reflect.TypeOf([]Message{}),
		Reducer: MessageReducer,
	})
	schema.AddField(
		"had_history",
		StateField{Type: reflect.TypeOf(false)},
	)
	child, err := NewStateGraph(schema).
		AddNode("reply", func(_ context.Context, s State) (any, error) {
			msgs, _ := s[StateKeyMessages].([]Message)
			return State{
				"had_history":    len(msgs) > 0,
				StateKeyMessages: []Message{NewAssistantMessage("child-reply")},
			}, nil
		}).
		SetEntryPoint("reply").
		SetFinishPoint("reply").
		Compile()
	require.NoError(t, err)

	parentState := State{
		StateKeyMessages: []Message{NewUserMessage("hi")},
	}

	// Case 1: shared history. The child sees the parent messages and its
	// reply comes back in the output.
	fn := newSubgraphNodeFunc("child_shared", child, &subgraphOptions{})
	out, err := fn(context.Background(), parentState.Clone())
	require.NoError(t, err)
	result, ok := out.(State)
	require.True(t, ok)
	require.Equal(t, true, result["had_history"])
	msgs, ok := result[StateKeyMessages].([]Message)
	require.True(t, ok)
	require.Len(t, msgs, 2)

	// Case 2: isolated history. The child starts clean and its messages do
	// not surface in the output.
	isolated := &subgraphOptions{}
	WithSubgraphIsolatedMessages()(isolated)
	fn2 := newSubgraphNodeFunc("child_isolated", child, isolated)
	out2, err := fn2(context.Background(), parentState.Clone())
	require.NoError(t, err)
	result2, ok := out2.(State)
	require.True(t, ok)
	require.Equal(t, false, result2["had_history"])
	_, hasMessages := result2[StateKeyMessages]
	require.False(t, hasMessages)
}

// A command the child addresses to the parent graph is visible to the output
// mapper, and its updates merge with the mapper's into the node result.
func TestSubgraph_OutputMapper_ObservesParentCommand(t *testing.T) {
	schema := NewStateSchema()
	child, err := NewStateGraph(schema).
		AddNode("emit", func(_ context.Context, _ State) (any, error) {
			return &Command{
				Graph:  CommandParent,
				GoTo:   "receiver",
				Update: State{"flag": "from-child"},
			}, nil
		}).
		SetEntryPoint("emit").
		SetFinishPoint("emit").
		Compile()
	require.NoError(t, err)

	options := &subgraphOptions{}
	WithSubgraphOutputMapper(func(_ State, r SubgraphResult) State {
		return State{"mapper_saw_command": r.ParentCommand != nil}
	})(options)

	fn := newSubgraphNodeFunc("relay", child, options)
	out, err := fn(context.Background(), State{})
	require.NoError(t, err)

	cmd, ok := out.(*Command)
	require.True(t, ok)
	require.Equal(t, "receiver", cmd.GoTo)
	require.Equal(t, "from-child", cmd.Update["flag"])
	require.Equal(t, true, cmd.Update["mapper_saw_command"])
}

// A parent command produced inside the child routes the parent graph: its
// update applies to parent state and its goto schedules the target node.
func TestSubgraph_ParentCommand_RoutesParentGraph(t *testing.T) {
	childSchema := NewStateSchema()
	childGraph, err := NewStateGraph(childSchema).
		AddNode("emit", func(_ context.Context, _ State) (any, error) {
			return &Command{
				Graph:  CommandParent,
				GoTo:   "receiver",
				Update: State{"flag": "from-child"},
			}, nil
		}).
		SetEntryPoint("emit").
		SetFinishPoint("emit").
		Compile()
	require.NoError(t, err)

	schema := NewStateSchema()
	schema.AddField(
		"flag",
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		"routed",
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	// No static edge from the subgraph node; the child's command does the
	// routing.
	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode("relay", childGraph).
		AddNode("receiver", func(_ context.Context, s State) (any, error) {
			value, ok := GetStateValue[string](s, "flag")
			if !ok {
				return nil, fmt.Errorf(testMissingStateKeyFmt, "flag")
			}
			return State{"routed": value}, nil
		}).
		SetEntryPoint("relay").
		SetFinishPoint("receiver").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(parentGraph)
	require.NoError(t, err)

	ch, err := exec.Execute(
		context.Background(),
		State{},
		&Invocation{InvocationID: "inv-parent-cmd"},
	)
	require.NoError(t, err)

	var done *event.Event
	for ev := range ch {
		if ev != nil && ev.Done && ev.Object == ObjectTypeGraphExecution {
			done = ev
		}
	}
	require.NotNil(t, done)

	var routed string
	raw, ok := done.StateDelta["routed"]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &routed))
	require.Equal(t, "from-child", routed)

	// The command itself is consumed by the subgraph node and never lands
	// in parent state.
	_, leaked := done.StateDelta[StateKeyParentCommand]
	require.False(t, leaked)
}

// Child events stream into the parent run tagged with the child branch;
// the child's terminal event stays inside the child so the parent emits
// exactly one completion.
func TestSubgraph_ForwardsChildEvents_SkipsTerminal(t *testing.T) {
	const forwardNodeID = "watcher"

	childSchema := NewStateSchema()
	childSchema.AddField(
		"note",
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	childGraph, err := NewStateGraph(childSchema).
		AddNode("work", func(_ context.Context, _ State) (any, error) {
			return State{"note": "done"}, nil
		}).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	schema := NewStateSchema()
	schema.AddField(
		"note",
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(forwardNodeID, childGraph).
		SetEntryPoint(forwardNodeID).
		SetFinishPoint(forwardNodeID).
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(parentGraph)
	require.NoError(t, err)

	ch, err := exec.Execute(
		context.Background(),
		State{},
		&Invocation{InvocationID: "inv-forward"},
	)
	require.NoError(t, err)

	doneCount := 0
	childBranchEvents := 0
	for ev := range ch {
		if ev == nil {
			continue
		}
		if ev.Done {
			doneCount++
		}
		if strings.Contains(ev.Branch, forwardNodeID) {
			childBranchEvents++
		}
	}
	require.Equal(t, 1, doneCount)
	require.Greater(t, childBranchEvents, 0)
}

func TestSubgraph_ExecutorOptions_ApplyToChildRun(t *testing.T) {
	schema := NewStateSchema()
	schema.AddField(
		StateFieldCounter,
		StateField{Type: reflect.TypeOf(0)},
	)
	// Two chained nodes need two supersteps; the child step limit below
	// allows one.
	childGraph, err := NewStateGraph(schema).
		AddNode("a", func(_ context.Context, _ State) (any, error) {
			return State{StateFieldCounter: 1}, nil
		}).
		AddNode("b", func(_ context.Context, _ State) (any, error) {
			return State{StateFieldCounter: 2}, nil
		}).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)

	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(
			"relay",
			childGraph,
			WithSubgraphExecutorOptions(WithMaxSteps(1)),
		).
		SetEntryPoint("relay").
		SetFinishPoint("relay").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(parentGraph)
	require.NoError(t, err)

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	require.False(t, IsInterruptError(err))
	require.ErrorContains(t, err, "subgraph relay")
	_, isRecursion := AsGraphRecursionError(err)
	require.True(t, isRecursion)
}

func TestSubgraph_ChildNamespace(t *testing.T) {
	require.Equal(t, "child", childNamespace("", "child", ""))
	require.Equal(t, "child:t1", childNamespace("", "child", "t1"))
	require.Equal(t, "ns|child:t1", childNamespace("ns", "child", "t1"))
	require.Equal(
		t,
		"ns|a:t1|b:t2",
		childNamespace(childNamespace("ns", "a", "t1"), "b", "t2"),
	)
}

func TestSubgraph_AddSubgraphNode_NilChild(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddSubgraphNode("broken", nil).
		SetEntryPoint("broken").
		SetFinishPoint("broken").
		Compile()
	require.Error(t, err)
	require.ErrorContains(t, err, "no child graph")
}

type subgraphTestSaver struct {
	mu     sync.Mutex
	byKey  map[string]*CheckpointTuple
	byFlow map[string][]string
}

func newSubgraphTestSaver() *subgraphTestSaver {
	return &subgraphTestSaver{
		byKey:  make(map[string]*CheckpointTuple),
		byFlow: make(map[string][]string),
	}
}

func (s *subgraphTestSaver) Get(
	ctx context.Context,
	config map[string]any,
) (*Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

func (s *subgraphTestSaver) GetTuple(
	_ context.Context,
	config map[string]any,
) (*CheckpointTuple, error) {
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, nil
	}
	namespace := GetNamespace(config)
	checkpointID := GetCheckpointID(config)
	flowKey := threadID + ":" + namespace

	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpointID == "" {
		ids := s.byFlow[flowKey]
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[len(ids)-1]
	}
	key := flowKey + ":" + checkpointID
	return s.byKey[key], nil
}

func (s *subgraphTestSaver) List(
	_ context.Context,
	config map[string]any,
	filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, nil
	}
	namespace := GetNamespace(config)
	flowKey := threadID + ":" + namespace

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byFlow[flowKey]
	limit := 0
	if filter != nil {
		limit = filter.Limit
	}
	out := make([]*CheckpointTuple, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		key := flowKey + ":" + ids[i]
		if tuple := s.byKey[key]; tuple != nil {
			out = append(out, tuple)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *subgraphTestSaver) Put(
	_ context.Context,
	req PutRequest,
) (map[string]any, error) {
	threadID := GetThreadID(req.Config)
	namespace := GetNamespace(req.Config)
	cfg := CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace)

	flowKey := threadID + ":" + namespace
	key := flowKey + ":" + req.Checkpoint.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byKey[key] = &CheckpointTuple{
		Config:     cfg,
		Checkpoint: req.Checkpoint,
		Metadata:   req.Metadata,
	}
	s.byFlow[flowKey] = append(s.byFlow[flowKey], req.Checkpoint.ID)
	return cfg, nil
}

func (s *subgraphTestSaver) PutWrites(
	_ context.Context,
	_ PutWritesRequest,
) error {
	return nil
}

func (s *subgraphTestSaver) PutFull(
	ctx context.Context,
	req PutFullRequest,
) (map[string]any, error) {
	cfg, err := s.Put(ctx, PutRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
	if err != nil {
		return nil, err
	}

	threadID := GetThreadID(cfg)
	namespace := GetNamespace(cfg)
	flowKey := threadID + ":" + namespace
	key := flowKey + ":" + req.Checkpoint.ID

	pending := make([]PendingWrite, len(req.PendingWrites))
	copy(pending, req.PendingWrites)

	s.mu.Lock()
	if tuple := s.byKey[key]; tuple != nil {
		tuple.PendingWrites = pending
	}
	s.mu.Unlock()
	return cfg, nil
}

func (s *subgraphTestSaver) DeleteThread(
	_ context.Context,
	_ string,
) error {
	return nil
}

func (s *subgraphTestSaver) Close() error { return nil }

// subgraphLinkage reads the child-run linkage out of a parent interrupt
// checkpoint.
func subgraphLinkage(t *testing.T, tuple *CheckpointTuple) map[string]any {
	t.Helper()
	values := tuple.Checkpoint.ChannelValues
	rawAny, ok := values[StateKeySubgraphInterrupt]
	require.True(t, ok)
	info, ok := rawAny.(map[string]any)
	require.True(t, ok)
	return info
}

// findInterruptTuple returns the first listed checkpoint carrying interrupt
// state.
func findInterruptTuple(tuples []*CheckpointTuple) *CheckpointTuple {
	for _, tuple := range tuples {
		if tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		if tuple.Checkpoint.InterruptState != nil {
			return tuple
		}
	}
	return nil
}

func TestSubgraph_NestedInterruptResume(t *testing.T) {
	const (
		threadID     = "th-subgraph-interrupt"
		namespace    = "ns-subgraph-interrupt"
		childNodeID  = "child"
		askNodeID    = "ask"
		interruptKey = "approval"
		stateKeyOut  = "answer"
		interruptMsg = "prompt"
		resumeValue  = "approved"
		resumeInvID  = "inv-resume"
	)

	schema := NewStateSchema()
	schema.AddField(
		stateKeyOut,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)

	saver := newSubgraphTestSaver()

	childGraph, err := NewStateGraph(schema).
		AddNode(askNodeID, func(ctx context.Context, s State) (any, error) {
			value, err := Interrupt(ctx, s, interruptKey, interruptMsg)
			if err != nil {
				return nil, err
			}
			v, _ := value.(string)
			return State{stateKeyOut: v}, nil
		}).
		SetEntryPoint(askNodeID).
		SetFinishPoint(askNodeID).
		Compile()
	require.NoError(t, err)

	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(
			childNodeID,
			childGraph,
			WithSubgraphOutputMapper(func(_ State, r SubgraphResult) State {
				value, ok := GetStateValue[string](
					r.FinalState,
					stateKeyOut,
				)
				if !ok {
					return nil
				}
				return State{stateKeyOut: value}
			}),
		).
		SetEntryPoint(childNodeID).
		SetFinishPoint(childNodeID).
		Compile()
	require.NoError(t, err)

	parentExec, err := NewExecutor(
		parentGraph,
		WithCheckpointSaver(saver),
	)
	require.NoError(t, err)

	initial := State{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
	}
	ch, err := parentExec.Execute(
		context.Background(),
		initial,
		&Invocation{InvocationID: testInvocationID},
	)
	require.NoError(t, err)
	for range ch {
	}

	cm := parentExec.CheckpointManager()
	require.NotNil(t, cm)
	parentTuples, err := cm.ListCheckpoints(
		context.Background(),
		CreateCheckpointConfig(threadID, "", namespace),
		nil,
	)
	require.NoError(t, err)

	parentInterrupt := findInterruptTuple(parentTuples)
	if parentInterrupt == nil {
		var checkpoints []string
		for _, tuple := range parentTuples {
			if tuple == nil || tuple.Checkpoint == nil {
				continue
			}
			ck := tuple.Checkpoint
			meta := tuple.Metadata
			source := ""
			step := 0
			if meta != nil {
				source = meta.Source
				step = meta.Step
			}
			intr := ""
			if ck.InterruptState != nil {
				intr = fmt.Sprintf(
					"%s:%s",
					ck.InterruptState.NodeID,
					ck.InterruptState.TaskID,
				)
			}
			checkpoints = append(
				checkpoints,
				fmt.Sprintf(
					"id=%s step=%d source=%s intr=%s",
					ck.ID,
					step,
					source,
					intr,
				),
			)
		}
		t.Fatalf("missing parent interrupt checkpoint: got=%v", checkpoints)
	}

	// The interrupt surfaced by the parent is the child's own: the node and
	// key of the inner pause pass through unchanged.
	require.Equal(t, askNodeID, parentInterrupt.Checkpoint.InterruptState.NodeID)
	require.Equal(t, interruptKey, parentInterrupt.Checkpoint.InterruptState.Key)

	info := subgraphLinkage(t, parentInterrupt)

	parentNode, _ := info[subgraphInterruptKeyParentNodeID].(string)
	require.Equal(t, childNodeID, parentNode)

	gotThread, _ := info[subgraphInterruptKeyChildThreadID].(string)
	require.Equal(t, threadID, gotThread)

	gotNS, _ := info[subgraphInterruptKeyChildCheckpointNS].(string)
	require.True(
		t,
		strings.HasPrefix(gotNS, namespace+CheckpointNSSeparator+childNodeID+":"),
		"unexpected child namespace %q", gotNS,
	)

	childTuples, err := cm.ListCheckpoints(
		context.Background(),
		CreateCheckpointConfig(threadID, "", gotNS),
		nil,
	)
	require.NoError(t, err)
	childInterrupt := findInterruptTuple(childTuples)
	require.NotNil(t, childInterrupt)
	require.Equal(t, askNodeID, childInterrupt.Checkpoint.InterruptState.NodeID)

	taskID, _ := info[subgraphInterruptKeyChildTaskID].(string)
	require.Equal(t, childInterrupt.Checkpoint.InterruptState.TaskID, taskID)

	gotChildCkptID, _ :=
		info[subgraphInterruptKeyChildCheckpointID].(string)
	require.Equal(t, childInterrupt.Checkpoint.ID, gotChildCkptID)

	resume := State{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
		CfgKeyCheckpointID: parentInterrupt.Checkpoint.ID,
		StateKeyCommand: &Command{
			ResumeMap: map[string]any{
				interruptKey: resumeValue,
			},
		},
	}
	ch2, err := parentExec.Execute(
		context.Background(),
		resume,
		&Invocation{InvocationID: resumeInvID},
	)
	require.NoError(t, err)

	var done *event.Event
	for ev := range ch2 {
		if ev != nil && ev.Done && ev.Object == ObjectTypeGraphExecution {
			done = ev
		}
	}
	require.NotNil(t, done)
	raw, ok := done.StateDelta[stateKeyOut]
	require.True(t, ok)
	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, resumeValue, got)
}

// GetState on a paused parent describes the subgraph task; WithSubgraphs
// follows the recorded linkage and materializes the child's own snapshot.
func TestSubgraph_GetState_MaterializesChildSnapshot(t *testing.T) {
	const (
		threadID     = "th-subgraph-getstate"
		childNodeID  = "child_state"
		askNodeID    = "ask"
		interruptKey = "approval"
		stateKeyOut  = "answer"
		interruptMsg = "need-ok"
	)

	schema := NewStateSchema()
	schema.AddField(
		stateKeyOut,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)

	childGraph, err := NewStateGraph(schema).
		AddNode(askNodeID, func(ctx context.Context, s State) (any, error) {
			value, err := Interrupt(ctx, s, interruptKey, interruptMsg)
			if err != nil {
				return nil, err
			}
			v, _ := value.(string)
			return State{stateKeyOut: v}, nil
		}).
		SetEntryPoint(askNodeID).
		SetFinishPoint(askNodeID).
		Compile()
	require.NoError(t, err)

	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(childNodeID, childGraph).
		SetEntryPoint(childNodeID).
		SetFinishPoint(childNodeID).
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(
		parentGraph,
		WithCheckpointSaver(newSubgraphTestSaver()),
	)
	require.NoError(t, err)

	ctx := context.Background()
	ch, err := exec.Execute(
		ctx,
		State{CfgKeyThreadID: threadID},
		&Invocation{InvocationID: "inv-subgraph-state"},
	)
	require.NoError(t, err)
	for range ch {
	}

	cfg := CreateCheckpointConfig(threadID, "", "")

	// Without the option the task carries the child coordinates only.
	flat, err := exec.GetState(ctx, cfg)
	require.NoError(t, err)
	var task *TaskDescription
	for i := range flat.Tasks {
		if flat.Tasks[i].Name == childNodeID {
			task = &flat.Tasks[i]
		}
	}
	require.NotNil(t, task)
	require.NotNil(t, task.ChildRef)
	require.Equal(t, threadID, task.ChildRef.ThreadID)
	require.True(
		t,
		strings.HasPrefix(task.ChildRef.Namespace, childNodeID+":"),
		"unexpected child namespace %q", task.ChildRef.Namespace,
	)
	require.Nil(t, task.ChildState)

	// With it the nested snapshot shows where the child paused.
	deep, err := exec.GetState(ctx, cfg, WithSubgraphs(true))
	require.NoError(t, err)
	task = nil
	for i := range deep.Tasks {
		if deep.Tasks[i].Name == childNodeID {
			task = &deep.Tasks[i]
		}
	}
	require.NotNil(t, task)
	require.NotNil(t, task.ChildRef)
	require.NotNil(t, task.ChildState)
	require.Equal(t, task.ChildRef.Namespace, task.ChildState.Ref.Namespace)
	require.NotNil(t, task.ChildState.Interrupt)
	require.Equal(t, askNodeID, task.ChildState.Interrupt.NodeID)
	require.Equal(t, interruptKey, task.ChildState.Interrupt.Key)
	require.Equal(t, interruptMsg, task.ChildState.State[InterruptChannel])
}

func TestSubgraph_NestedInterruptResume_PreservesResumeMapKeys(t *testing.T) {
	const (
		threadID           = "th-subgraph-interrupt-preserve"
		namespace          = "ns-subgraph-interrupt-preserve"
		childNodeID        = "child_preserve"
		askNodeID          = "child_node"
		childInterruptKey  = "child_key"
		parentNodeID       = "parent_node"
		parentInterruptKey = "parent_key"
		stateKeyChildOut   = "child_answer"
		stateKeyParentOut  = "parent_answer"
		childPrompt        = "child_prompt"
		parentPrompt       = "parent_prompt"
		childResumeValue   = "child_ok"
		parentResumeValue  = "parent_ok"
		resumeInvID        = "inv-resume-preserve"
	)

	ctx := context.Background()

	schema := NewStateSchema()
	schema.AddField(
		stateKeyChildOut,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)
	schema.AddField(
		stateKeyParentOut,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)

	saver := newSubgraphTestSaver()

	childGraph, err := NewStateGraph(schema).
		AddNode(askNodeID, func(ctx context.Context, s State) (any, error) {
			value, err := Interrupt(
				ctx,
				s,
				childInterruptKey,
				childPrompt,
			)
			if err != nil {
				return nil, err
			}
			v, _ := value.(string)
			return State{stateKeyChildOut: v}, nil
		}).
		SetEntryPoint(askNodeID).
		SetFinishPoint(askNodeID).
		Compile()
	require.NoError(t, err)

	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(
			childNodeID,
			childGraph,
			WithSubgraphOutputMapper(func(_ State, r SubgraphResult) State {
				value, ok := GetStateValue[string](
					r.FinalState,
					stateKeyChildOut,
				)
				if !ok {
					return nil
				}
				return State{stateKeyChildOut: value}
			}),
		).
		AddNode(parentNodeID, func(ctx context.Context, s State) (any, error) {
			value, err := Interrupt(
				ctx,
				s,
				parentInterruptKey,
				parentPrompt,
			)
			if err != nil {
				return nil, err
			}
			v, _ := value.(string)
			return State{stateKeyParentOut: v}, nil
		}).
		AddEdge(childNodeID, parentNodeID).
		SetEntryPoint(childNodeID).
		SetFinishPoint(parentNodeID).
		Compile()
	require.NoError(t, err)

	parentExec, err := NewExecutor(parentGraph, WithCheckpointSaver(saver))
	require.NoError(t, err)

	initial := State{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
	}
	ch, err := parentExec.Execute(
		ctx,
		initial,
		&Invocation{InvocationID: testInvocationID},
	)
	require.NoError(t, err)
	for range ch {
	}

	cm := parentExec.CheckpointManager()
	require.NotNil(t, cm)

	parentTuples, err := cm.ListCheckpoints(
		ctx,
		CreateCheckpointConfig(threadID, "", namespace),
		nil,
	)
	require.NoError(t, err)
	parentInterrupt := findInterruptTuple(parentTuples)
	require.NotNil(t, parentInterrupt)

	// One resume carries both answers. The child consumes its key without
	// clobbering the parent's, so the parent node's later interrupt is
	// answered in the same pass.
	resume := State{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
		CfgKeyCheckpointID: parentInterrupt.Checkpoint.ID,
		StateKeyCommand: &Command{
			ResumeMap: map[string]any{
				childInterruptKey:  childResumeValue,
				parentInterruptKey: parentResumeValue,
			},
		},
	}
	ch2, err := parentExec.Execute(
		ctx,
		resume,
		&Invocation{InvocationID: resumeInvID},
	)
	require.NoError(t, err)

	var done *event.Event
	for ev := range ch2 {
		if ev != nil && ev.Done && ev.Object == ObjectTypeGraphExecution {
			done = ev
		}
	}
	require.NotNil(t, done)

	var gotChild string
	raw, ok := done.StateDelta[stateKeyChildOut]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &gotChild))
	require.Equal(t, childResumeValue, gotChild)

	var gotParent string
	raw, ok = done.StateDelta[stateKeyParentOut]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &gotParent))
	require.Equal(t, parentResumeValue, gotParent)
}

func TestSubgraph_MultiLevelNestedInterruptResume(t *testing.T) {
	const (
		threadID           = "th-subgraph-interrupt-multi"
		namespace          = "ns-subgraph-interrupt-multi"
		childNodeID        = "child_multi"
		grandchildNodeID   = "grandchild_multi"
		leafNodeID         = "ask"
		interruptKey       = "approval"
		stateKeyOut        = "answer"
		interruptMsg       = "prompt"
		resumeValue        = "approved"
		resumeInvID        = "inv-resume-multi"
		parentInvocationID = "inv-multi"
	)

	ctx := context.Background()

	schema := NewStateSchema()
	schema.AddField(
		stateKeyOut,
		StateField{Type: reflect.TypeOf(testEmptyString)},
	)

	saver := newSubgraphTestSaver()

	grandchildGraph, err := NewStateGraph(schema).
		AddNode(leafNodeID, func(ctx context.Context, s State) (any, error) {
			value, err := Interrupt(ctx, s, interruptKey, interruptMsg)
			if err != nil {
				return nil, err
			}
			v, _ := value.(string)
			return State{stateKeyOut: v}, nil
		}).
		SetEntryPoint(leafNodeID).
		SetFinishPoint(leafNodeID).
		Compile()
	require.NoError(t, err)

	extractAnswer := WithSubgraphOutputMapper(
		func(_ State, r SubgraphResult) State {
			value, ok := GetStateValue[string](r.FinalState, stateKeyOut)
			if !ok {
				return nil
			}
			return State{stateKeyOut: value}
		},
	)

	childGraph, err := NewStateGraph(schema).
		AddSubgraphNode(grandchildNodeID, grandchildGraph, extractAnswer).
		SetEntryPoint(grandchildNodeID).
		SetFinishPoint(grandchildNodeID).
		Compile()
	require.NoError(t, err)

	parentGraph, err := NewStateGraph(schema).
		AddSubgraphNode(childNodeID, childGraph, extractAnswer).
		SetEntryPoint(childNodeID).
		SetFinishPoint(childNodeID).
		Compile()
	require.NoError(t, err)

	parentExec, err := NewExecutor(
		parentGraph,
		WithCheckpointSaver(saver),
	)
	require.NoError(t, err)

	initial := State{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
	}
	ch, err := parentExec.Execute(
		ctx,
		initial,
		&Invocation{InvocationID: parentInvocationID},
	)
	require.NoError(t, err)
	for range ch {
	}

	cm := parentExec.CheckpointManager()
	require.NotNil(t, cm)

	// Walk the linkage down the nesting: the parent interrupt checkpoint
	// names the child namespace, whose interrupt checkpoint names the
	// grandchild namespace.
	parentTuples, err := cm.ListCheckpoints(
		ctx,
		CreateCheckpointConfig(threadID, "", namespace),
		nil,
	)
	require.NoError(t, err)
	parentInterrupt := findInterruptTuple(parentTuples)
	require.NotNil(t, parentInterrupt)
	require.Equal(t, leafNodeID, parentInterrupt.Checkpoint.InterruptState.NodeID)
	require.Equal(t, interruptKey, parentInterrupt.Checkpoint.InterruptState.Key)

	parentInfo := subgraphLinkage(t, parentInterrupt)
	parentNode, _ := parentInfo[subgraphInterruptKeyParentNodeID].(string)
	require.Equal(t, childNodeID, parentNode)
	childNS, _ := parentInfo[subgraphInterruptKeyChildCheckpointNS].(string)
	require.True(
		t,
		strings.HasPrefix(childNS, namespace+CheckpointNSSeparator+childNodeID+":"),
		"unexpected child namespace %q", childNS,
	)

	childTuples, err := cm.ListCheckpoints(
		ctx,
		CreateCheckpointConfig(threadID, "", childNS),
		nil,
	)
	require.NoError(t, err)
	childInterrupt := findInterruptTuple(childTuples)
	require.NotNil(t, childInterrupt)
	require.Equal(t, leafNodeID, childInterrupt.Checkpoint.InterruptState.NodeID)
	gotChildCkptID, _ :=
		parentInfo[subgraphInterruptKeyChildCheckpointID].(string)
	require.Equal(t, childInterrupt.Checkpoint.ID, gotChildCkptID)

	childInfo := subgraphLinkage(t, childInterrupt)
	middleNode, _ := childInfo[subgraphInterruptKeyParentNodeID].(string)
	require.Equal(t, grandchildNodeID, middleNode)
	grandchildNS, _ := childInfo[subgraphInterruptKeyChildCheckpointNS].(string)
	require.True(
		t,
		strings.HasPrefix(grandchildNS, childNS+CheckpointNSSeparator+grandchildNodeID+":"),
		"unexpected grandchild namespace %q", grandchildNS,
	)

	grandchildTuples, err := cm.ListCheckpoints(
		ctx,
		CreateCheckpointConfig(threadID, "", grandchildNS),
		nil,
	)
	require.NoError(t, err)
	grandchildInterrupt := findInterruptTuple(grandchildTuples)
	require.NotNil(t, grandchildInterrupt)
	require.Equal(
		t,
		leafNodeID,
		grandchildInterrupt.Checkpoint.InterruptState.NodeID,
	)
	gotGrandchildCkptID, _ :=
		childInfo[subgraphInterruptKeyChildCheckpointID].(string)
	require.Equal(t, grandchildInterrupt.Checkpoint.ID, gotGrandchildCkptID)

	// One resume at the top level routes the value through both nesting
	// levels down to the leaf.
	resume := State{
		CfgKeyThreadID:     threadID,
		CfgKeyCheckpointNS: namespace,
		CfgKeyCheckpointID: parentInterrupt.Checkpoint.ID,
		StateKeyCommand: &Command{
			ResumeMap: map[string]any{
				interruptKey: resumeValue,
			},
		},
	}
	ch2, err := parentExec.Execute(
		ctx,
		resume,
		&Invocation{InvocationID: resumeInvID},
	)
	require.NoError(t, err)

	var done *event.Event
	for ev := range ch2 {
		if ev != nil && ev.Done && ev.Object == ObjectTypeGraphExecution {
			done = ev
		}
	}
	require.NotNil(t, done)
	raw, ok := done.StateDelta[stateKeyOut]
	require.True(t, ok)
	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, resumeValue, got)
}

// A subgraph that pauses runs in the same superstep as a plain sibling, with
// a join node waiting on both. The sibling's work survives the pause and
// folds at its planned position when the thread resumes.
func TestSubgraph_ParallelBranchInterruptResume(t *testing.T) {
	const threadID = "th-subgraph-parallel"

	schema := NewStateSchema().AddField(
		"my_key",
		StateField{Type: reflect.TypeOf(testEmptyString), Reducer: concatReducer},
	)

	var inner1Runs, inner2Runs, outer1Runs, outer2Runs atomic.Int32
	childGraph, err := NewStateGraph(schema).
		AddNode("inner1", func(_ context.Context, _ State) (any, error) {
			inner1Runs.Add(1)
			return State{"my_key": "got here"}, nil
		}).
		AddNode("inner2", func(_ context.Context, _ State) (any, error) {
			inner2Runs.Add(1)
			return State{"my_key": " and there"}, nil
		}, WithInterruptBefore()).
		SetEntryPoint("inner1").
		AddEdge("inner1", "inner2").
		SetFinishPoint("inner2").
		Compile()
	require.NoError(t, err)

	parentGraph, err := NewStateGraph(schema).
		AddNode("begin", func(_ context.Context, _ State) (any, error) {
			return State{}, nil
		}).
		AddSubgraphNode("inner", childGraph).
		AddNode("outer_1", func(_ context.Context, _ State) (any, error) {
			outer1Runs.Add(1)
			return State{"my_key": " and parallel"}, nil
		}).
		AddNode("outer_2", func(_ context.Context, _ State) (any, error) {
			outer2Runs.Add(1)
			return State{"my_key": " and back again"}, nil
		}).
		SetEntryPoint("begin").
		AddEdge("begin", "inner").
		AddEdge("begin", "outer_1").
		AddJoinEdge([]string{"inner", "outer_1"}, "outer_2").
		SetFinishPoint("outer_2").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(parentGraph, WithCheckpointSaver(newSubgraphTestSaver()))
	require.NoError(t, err)

	ctx := context.Background()
	paused, err := exec.Invoke(ctx, State{
		"my_key":       testEmptyString,
		CfgKeyThreadID: threadID,
	})
	require.Error(t, err)
	intr, ok := GetInterruptError(err)
	require.True(t, ok, "expected an interrupt, got %v", err)
	require.Equal(t, "inner2", intr.NodeID)

	// The sibling finished before the pause; its write shows in the paused
	// state while the join stays pending.
	require.Equal(t, " and parallel", paused["my_key"])
	require.Equal(t, int32(1), outer1Runs.Load())
	require.Equal(t, int32(0), outer2Runs.Load())

	snap, err := exec.GetState(ctx,
		CreateCheckpointConfig(threadID, "", ""), WithSubgraphs(true))
	require.NoError(t, err)
	require.Equal(t, " and parallel", snap.State["my_key"])
	require.Contains(t, snap.NextNodes, "inner")
	require.Contains(t, snap.NextNodes, "outer_1")

	var innerTask, outerTask *TaskDescription
	for i := range snap.Tasks {
		switch snap.Tasks[i].Name {
		case "inner":
			innerTask = &snap.Tasks[i]
		case "outer_1":
			outerTask = &snap.Tasks[i]
		}
	}
	require.NotNil(t, innerTask)
	require.NotNil(t, outerTask)
	require.Equal(t, " and parallel", outerTask.Result["my_key"])
	require.NotNil(t, innerTask.ChildRef)
	require.NotNil(t, innerTask.ChildState)
	require.Equal(t, "got here", innerTask.ChildState.State["my_key"])
	require.Contains(t, innerTask.ChildState.NextNodes, "inner2")

	// Resuming with no payload releases the static pause. The subgraph picks
	// up where the child left off and the sibling replays without re-running.
	final, err := exec.Invoke(ctx, State{CfgKeyThreadID: threadID})
	require.NoError(t, err)
	require.Equal(t, "got here and there and parallel and back again", final["my_key"])

	require.Equal(t, int32(1), inner1Runs.Load())
	require.Equal(t, int32(1), inner2Runs.Load())
	require.Equal(t, int32(1), outer1Runs.Load())
	require.Equal(t, int32(1), outer2Runs.Load())
}
