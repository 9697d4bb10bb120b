//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func putCheckpoint(t *testing.T, saver *Saver, config map[string]any, values map[string]any, step int) (map[string]any, *graph.Checkpoint) {
	t.Helper()
	checkpoint := graph.NewCheckpoint(values, map[string]int64{"counter": int64(step + 1)}, nil)
	metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, step)
	updated, err := saver.Put(context.Background(), graph.PutRequest{
		Config:      config,
		Checkpoint:  checkpoint,
		Metadata:    metadata,
		NewVersions: checkpoint.ChannelVersions,
	})
	require.NoError(t, err)
	return updated, checkpoint
}

func TestSaverPutGet(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	updated, checkpoint := putCheckpoint(t, saver, config, map[string]any{"counter": 1}, -1)

	// The returned config carries the new checkpoint's ID.
	require.Equal(t, checkpoint.ID, graph.GetCheckpointID(updated))

	retrieved, err := saver.Get(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, checkpoint.ID, retrieved.ID)
	assert.Equal(t, 1, retrieved.ChannelValues["counter"])

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, graph.CheckpointSourceLoop, tuple.Metadata.Source)
	assert.Equal(t, -1, tuple.Metadata.Step)
	assert.Equal(t, checkpoint.ID, graph.GetCheckpointID(tuple.Config))
}

func TestSaverGetTupleLatest(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	var last *graph.Checkpoint
	for i := 0; i < 3; i++ {
		_, last = putCheckpoint(t, saver, config, map[string]any{"counter": i}, i)
	}

	tuple, err := saver.GetTuple(ctx, config)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, last.ID, tuple.Checkpoint.ID)
}

func TestSaverGetTupleMissingThread(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("nope", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	_, err = saver.GetTuple(ctx, map[string]any{})
	require.Error(t, err)
}

func TestSaverParentConfig(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	first, parent := putCheckpoint(t, saver, config, map[string]any{"counter": 0}, 0)

	// Storing against the parent-bearing config records the lineage.
	second, child := putCheckpoint(t, saver, first, map[string]any{"counter": 1}, 1)

	tuple, err := saver.GetTuple(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, parent.ID, graph.GetCheckpointID(tuple.ParentConfig))
	assert.Equal(t, child.ID, graph.GetCheckpointID(tuple.Config))
}

func TestSaverListNewestFirst(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		_, ckpt := putCheckpoint(t, saver, config, map[string]any{"counter": i}, i)
		ids = append(ids, ckpt.ID)
	}

	tuples, err := saver.List(ctx, config, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, ids[2], tuples[0].Checkpoint.ID)
	assert.Equal(t, ids[0], tuples[2].Checkpoint.ID)

	// A limit keeps the newest entries.
	limited, err := saver.List(ctx, config, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[2], limited[0].Checkpoint.ID)
	assert.Equal(t, ids[1], limited[1].Checkpoint.ID)
}

func TestSaverListMetadataFilter(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	for i := 0; i < 4; i++ {
		checkpoint := graph.NewCheckpoint(map[string]any{"counter": i}, nil, nil)
		metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i)
		metadata.Extra["parity"] = i % 2
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:     config,
			Checkpoint: checkpoint,
			Metadata:   metadata,
		})
		require.NoError(t, err)
	}

	even, err := saver.List(ctx, config, &graph.CheckpointFilter{
		Metadata: map[string]any{"parity": 0},
	})
	require.NoError(t, err)
	assert.Len(t, even, 2)
}

func TestSaverPutWritesAccumulate(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 0}, 0)

	require.NoError(t, saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{
			{Channel: "counter", Value: 1, Sequence: 1},
		},
		TaskID: "task-a",
	}))
	require.NoError(t, saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{
			{Channel: "message", Value: "hello", Sequence: 2},
		},
		TaskID: "task-b",
	}))

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, "task-b", tuple.PendingWrites[1].TaskID)

	// Re-recording a task replaces only that task's entries.
	require.NoError(t, saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{
			{Channel: "counter", Value: 2, Sequence: 3},
		},
		TaskID: "task-a",
	}))
	tuple, err = saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	for _, w := range tuple.PendingWrites {
		if w.TaskID == "task-a" {
			assert.Equal(t, 2, w.Value)
		}
	}
}

func TestSaverPutFull(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	checkpoint := graph.NewCheckpoint(map[string]any{"counter": 7}, nil, nil)
	writes := []graph.PendingWrite{
		{TaskID: "task-a", Channel: "counter", Value: 8, Sequence: 1},
	}
	updated, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:        config,
		Checkpoint:    checkpoint,
		Metadata:      graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
		NewVersions:   checkpoint.ChannelVersions,
		PendingWrites: writes,
	})
	require.NoError(t, err)
	require.Equal(t, checkpoint.ID, graph.GetCheckpointID(updated))

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, 8, tuple.PendingWrites[0].Value)
}

func TestSaverDeleteThread(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 42}, 0)

	require.NoError(t, saver.DeleteThread(ctx, "test-thread"))

	retrieved, err := saver.Get(ctx, updated)
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}

func TestSaverMaxCheckpoints(t *testing.T) {
	saver := NewSaver().WithMaxCheckpointsPerThread(2)
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		_, ckpt := putCheckpoint(t, saver, config, map[string]any{"counter": i}, i)
		ids = append(ids, ckpt.ID)
	}

	tuples, err := saver.List(ctx, config, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	// The oldest checkpoint was evicted.
	for _, tuple := range tuples {
		assert.NotEqual(t, ids[0], tuple.Checkpoint.ID)
	}
}

func TestSaverConcurrentAccess(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			checkpoint := graph.NewCheckpoint(map[string]any{"counter": id}, nil, nil)
			_, err := saver.Put(ctx, graph.PutRequest{
				Config:     config,
				Checkpoint: checkpoint,
				Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, id),
			})
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	tuples, err := saver.List(ctx, config, nil)
	require.NoError(t, err)
	assert.Len(t, tuples, 10)
}

func TestSaverClose(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	config := graph.CreateCheckpointConfig("test-thread", "", "")
	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 42}, 0)

	require.NoError(t, saver.Close())

	retrieved, err := saver.Get(ctx, updated)
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}

func TestSaverIsolationBetweenNamespaces(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	root := graph.CreateCheckpointConfig("test-thread", "", "")
	child := graph.CreateCheckpointConfig("test-thread", "", fmt.Sprintf("sub%sworker:1", graph.CheckpointNSSeparator))

	_, rootCkpt := putCheckpoint(t, saver, root, map[string]any{"counter": 1}, 0)
	_, childCkpt := putCheckpoint(t, saver, child, map[string]any{"counter": 2}, 0)

	rootTuple, err := saver.GetTuple(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, rootTuple)
	assert.Equal(t, rootCkpt.ID, rootTuple.Checkpoint.ID)

	childTuple, err := saver.GetTuple(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, childTuple)
	assert.Equal(t, childCkpt.ID, childTuple.Checkpoint.ID)
}
