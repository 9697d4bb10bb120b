//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"fmt"
	"reflect"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

// ExampleCheckpointManager runs a two-node counter graph against an
// in-memory saver, restores the latest checkpoint and cleans up the thread.
func ExampleCheckpointManager() {
	schema := graph.NewStateSchema()
	schema.AddField("counter", graph.StateField{
		Type:    reflect.TypeOf(0),
		Reducer: graph.DefaultReducer,
		Default: func() any { return 0 },
	})

	sg := graph.NewStateGraph(schema)
	sg.AddNode("increment", func(ctx context.Context, state graph.State) (any, error) {
		return graph.State{"counter": state["counter"].(int) + 1}, nil
	})
	sg.AddNode("double", func(ctx context.Context, state graph.State) (any, error) {
		return graph.State{"counter": state["counter"].(int) * 2}, nil
	})
	sg.SetEntryPoint("increment")
	sg.AddEdge("increment", "double")
	sg.SetFinishPoint("double")
	g, err := sg.Compile()
	if err != nil {
		fmt.Println("compile:", err)
		return
	}

	saver := inmemory.NewSaver()
	defer saver.Close()
	executor, err := graph.NewExecutor(g, graph.WithCheckpointSaver(saver))
	if err != nil {
		fmt.Println("executor:", err)
		return
	}

	ctx := context.Background()
	const threadID = "counter-thread"
	final, err := executor.Invoke(ctx, graph.State{"counter": 1},
		graph.WithRuntimeState(map[string]any{graph.CfgKeyThreadID: threadID}))
	if err != nil {
		fmt.Println("invoke:", err)
		return
	}
	fmt.Println("final counter:", final["counter"])

	manager := graph.NewCheckpointManager(saver)
	config := graph.CreateCheckpointConfig(threadID, "", "")
	restored, err := manager.ResumeFromCheckpoint(ctx, config)
	if err != nil {
		fmt.Println("resume:", err)
		return
	}
	fmt.Println("restored counter:", restored["counter"])

	if err := manager.DeleteThread(ctx, threadID); err != nil {
		fmt.Println("delete:", err)
		return
	}
	remaining, err := manager.ListCheckpoints(ctx, config, nil)
	if err != nil {
		fmt.Println("list:", err)
		return
	}
	fmt.Println("checkpoints after delete:", len(remaining))

	// Output:
	// final counter: 4
	// restored counter: 4
	// checkpoints after delete: 0
}

// ExampleCheckpointManager_listCheckpoints stores checkpoints with custom
// metadata and filters them by limit and by metadata fields.
func ExampleCheckpointManager_listCheckpoints() {
	saver := inmemory.NewSaver()
	defer saver.Close()
	manager := graph.NewCheckpointManager(saver)
	ctx := context.Background()

	const threadID = "filter-thread"
	config := graph.CreateCheckpointConfig(threadID, "", "")
	for i := 0; i < 5; i++ {
		ckpt := graph.NewCheckpoint(
			map[string]any{"step": i},
			map[string]int64{"step": 1},
			nil,
		)
		metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i)
		metadata.Extra["parity"] = i % 2
		if _, err := manager.Put(ctx, graph.PutRequest{
			Config:      config,
			Checkpoint:  ckpt,
			Metadata:    metadata,
			NewVersions: ckpt.ChannelVersions,
		}); err != nil {
			fmt.Println("put:", err)
			return
		}
	}

	all, err := manager.ListCheckpoints(ctx, config, nil)
	if err != nil {
		fmt.Println("list:", err)
		return
	}
	fmt.Println("total:", len(all))

	limited, err := manager.ListCheckpoints(ctx, config, &graph.CheckpointFilter{Limit: 3})
	if err != nil {
		fmt.Println("list limited:", err)
		return
	}
	fmt.Println("limited:", len(limited))

	even, err := manager.ListCheckpoints(ctx, config, &graph.CheckpointFilter{
		Metadata: map[string]any{"parity": 0},
	})
	if err != nil {
		fmt.Println("list by metadata:", err)
		return
	}
	fmt.Println("even steps:", len(even))

	// Output:
	// total: 5
	// limited: 3
	// even steps: 3
}
