//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

func setupTestRedis(t testing.TB) string {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return "redis://" + mr.Addr()
}

func openTestSaver(t *testing.T) *Saver {
	t.Helper()
	saver, err := NewSaver(WithRedisClientURL(setupTestRedis(t)))
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	return saver
}

// putCheckpoint stores a loop checkpoint and returns the updated config with
// the new checkpoint id.
func putCheckpoint(t *testing.T, saver *Saver, config map[string]any, values map[string]any, step int) (map[string]any, *graph.Checkpoint) {
	t.Helper()
	checkpoint := graph.NewCheckpoint(values, map[string]int64{"counter": int64(step + 1)}, nil)
	updated, err := saver.Put(context.Background(), graph.PutRequest{
		Config:      config,
		Checkpoint:  checkpoint,
		Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, step),
		NewVersions: map[string]int64{"counter": int64(step + 1)},
	})
	require.NoError(t, err)
	return updated, checkpoint
}

func TestNewSaverWithRedisInstance(t *testing.T) {
	redisURL := setupTestRedis(t)
	const name = "checkpoint-test-instance"

	storage.RegisterRedisInstance(name, storage.WithClientBuilderURL(redisURL))
	opts, ok := storage.GetRedisInstance(name)
	require.True(t, ok, "expected instance to exist")
	require.NotEmpty(t, opts, "expected at least one option")

	saver, err := NewSaver(WithRedisInstance(name))
	require.NoError(t, err)
	defer saver.Close()
}

func TestNewSaverWithRedisInstanceNotFound(t *testing.T) {
	saver, err := NewSaver(WithRedisInstance("no-such-instance"))
	require.Error(t, err)
	require.Nil(t, saver)
}

func TestNewSaverEmptyURL(t *testing.T) {
	saver, err := NewSaver(WithRedisClientURL(""))
	require.Error(t, err)
	require.Nil(t, saver)
}

func TestSaverPutGetTuple(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-put", "", "")

	checkpoint := graph.NewCheckpoint(
		map[string]any{"counter": 1},
		map[string]int64{"counter": 1},
		map[string]map[string]int64{},
	)
	metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1)

	updated, err := saver.Put(ctx, graph.PutRequest{
		Config:      config,
		Checkpoint:  checkpoint,
		Metadata:    metadata,
		NewVersions: map[string]int64{"counter": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ID, graph.GetCheckpointID(updated))

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)

	assert.Equal(t, checkpoint.ID, tuple.Checkpoint.ID)
	// Values round-trip through JSON, so numbers come back as float64.
	assert.Equal(t, float64(1), tuple.Checkpoint.ChannelValues["counter"])
	assert.Equal(t, int64(1), tuple.Checkpoint.ChannelVersions["counter"])
	assert.Equal(t, metadata.Source, tuple.Metadata.Source)
	assert.Equal(t, metadata.Step, tuple.Metadata.Step)
	assert.Equal(t, checkpoint.ID, graph.GetCheckpointID(tuple.Config))
	assert.Nil(t, tuple.ParentConfig)
}

func TestSaverGetTupleLatest(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-latest", "", "")

	var last *graph.Checkpoint
	for i := 0; i < 3; i++ {
		// Distinct timestamps keep the score index ordered.
		time.Sleep(2 * time.Millisecond)
		_, last = putCheckpoint(t, saver, config, map[string]any{"counter": i}, i)
	}

	tuple, err := saver.GetTuple(ctx, config)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, last.ID, tuple.Checkpoint.ID)
	assert.Equal(t, float64(2), tuple.Checkpoint.ChannelValues["counter"])
}

func TestSaverGetTupleEmpty(t *testing.T) {
	saver := openTestSaver(t)

	tuple, err := saver.GetTuple(context.Background(), graph.CreateCheckpointConfig("thread-empty", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestSaverNamespaceIsolation(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	threadID := "thread-ns"
	childNS := "sub" + graph.CheckpointNSSeparator + "worker:1"

	rootCfg, rootCkpt := putCheckpoint(t, saver, graph.CreateCheckpointConfig(threadID, "", ""), map[string]any{"counter": 1}, 0)
	_ = rootCfg
	time.Sleep(2 * time.Millisecond)
	_, childCkpt := putCheckpoint(t, saver, graph.CreateCheckpointConfig(threadID, "", childNS), map[string]any{"counter": 2}, 1)

	rootTuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, "", ""))
	require.NoError(t, err)
	require.NotNil(t, rootTuple)
	assert.Equal(t, rootCkpt.ID, rootTuple.Checkpoint.ID)

	childTuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, "", childNS))
	require.NoError(t, err)
	require.NotNil(t, childTuple)
	assert.Equal(t, childCkpt.ID, childTuple.Checkpoint.ID)
	assert.Equal(t, childNS, graph.GetNamespace(childTuple.Config))
}

func TestSaverParentConfigAcrossNamespaces(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	threadID := "thread-parent"

	parent := graph.NewCheckpoint(map[string]any{"p": 1}, map[string]int64{"p": 1}, nil)
	_, err := saver.Put(ctx, graph.PutRequest{
		Config:      graph.CreateCheckpointConfig(threadID, "", "nsA"),
		Checkpoint:  parent,
		Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceInput, 0),
		NewVersions: map[string]int64{"p": 1},
	})
	require.NoError(t, err)

	child := graph.NewCheckpoint(map[string]any{"c": 2}, map[string]int64{"c": 1}, nil)
	child.ParentCheckpointID = parent.ID
	childCfg, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:      graph.CreateCheckpointConfig(threadID, "", "nsB"),
		Checkpoint:  child,
		Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceFork, 1),
		NewVersions: map[string]int64{"c": 1},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, childCfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, parent.ID, graph.GetCheckpointID(tuple.ParentConfig))
	// The parent lives in another namespace; the link must resolve it.
	assert.Equal(t, "nsA", graph.GetNamespace(tuple.ParentConfig))
}

func TestSaverListNewestFirst(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-list", "", "")

	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		_, ckpt := putCheckpoint(t, saver, config, map[string]any{"counter": i}, i)
		ids[i] = ckpt.ID
	}

	tuples, err := saver.List(ctx, config, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, ids[2], tuples[0].Checkpoint.ID)
	assert.Equal(t, ids[0], tuples[2].Checkpoint.ID)

	limited, err := saver.List(ctx, config, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[2], limited[0].Checkpoint.ID)
	assert.Equal(t, ids[1], limited[1].Checkpoint.ID)
}

func TestSaverListBefore(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	threadID := "thread-before"
	config := graph.CreateCheckpointConfig(threadID, "", "")

	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		_, ckpt := putCheckpoint(t, saver, config, map[string]any{"counter": i}, i)
		ids[i] = ckpt.ID
	}

	filter := graph.NewCheckpointFilter().WithBefore(graph.CreateCheckpointConfig(threadID, ids[2], ""))
	older, err := saver.List(ctx, config, filter)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[1], older[0].Checkpoint.ID)
	assert.Equal(t, ids[0], older[1].Checkpoint.ID)

	// A Before reference that is not part of this namespace yields nothing.
	missing := graph.NewCheckpointFilter().WithBefore(graph.CreateCheckpointConfig(threadID, "no-such-checkpoint", ""))
	none, err := saver.List(ctx, config, missing)
	require.NoError(t, err)
	assert.Len(t, none, 0)
}

func TestSaverListMetadataFilter(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-meta", "", "")

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		checkpoint := graph.NewCheckpoint(map[string]any{"step": i}, map[string]int64{"step": int64(i + 1)}, nil)
		metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i)
		metadata.Extra["kind"] = "test"
		if i == 1 {
			metadata.Extra["special"] = "yes"
		}
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:      config,
			Checkpoint:  checkpoint,
			Metadata:    metadata,
			NewVersions: map[string]int64{"step": int64(i + 1)},
		})
		require.NoError(t, err)
	}

	filter := graph.NewCheckpointFilter().WithMetadata("special", "yes")
	tuples, err := saver.List(ctx, config, filter)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, float64(1), tuples[0].Checkpoint.ChannelValues["step"])

	mismatched, err := saver.List(ctx, config, graph.NewCheckpointFilter().WithMetadata("kind", "other"))
	require.NoError(t, err)
	assert.Len(t, mismatched, 0)
}

func TestSaverListMetadataFilterNilExtra(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-nil-extra", "", "")

	// Metadata built by hand carries no Extra map; the filter must skip it
	// rather than match or panic.
	checkpoint := graph.NewCheckpoint(map[string]any{"x": 1}, map[string]int64{"x": 1}, nil)
	_, err := saver.Put(ctx, graph.PutRequest{
		Config:      config,
		Checkpoint:  checkpoint,
		Metadata:    &graph.CheckpointMetadata{Source: graph.CheckpointSourceInput, Step: 0},
		NewVersions: map[string]int64{"x": 1},
	})
	require.NoError(t, err)

	tuples, err := saver.List(ctx, config, graph.NewCheckpointFilter().WithMetadata("k", "v"))
	require.NoError(t, err)
	assert.Len(t, tuples, 0)

	all, err := saver.List(ctx, config, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSaverWritesRoundTrip(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-writes", "", "")

	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 0}, 0)

	// Out-of-order sequences; restoration must order by sequence and keep
	// task ids for replay.
	writes := []graph.PendingWrite{
		{TaskID: "task-a", Channel: "counter", Value: 42, Sequence: 7},
		{TaskID: "task-a", Channel: "message", Value: "hello", Sequence: 3},
	}
	err := saver.PutWrites(ctx, graph.PutWritesRequest{Config: updated, Writes: writes, TaskID: "task-a"})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "message", tuple.PendingWrites[0].Channel)
	assert.Equal(t, int64(3), tuple.PendingWrites[0].Sequence)
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, "counter", tuple.PendingWrites[1].Channel)
	assert.Equal(t, float64(42), tuple.PendingWrites[1].Value)
}

func TestSaverPutWritesAccumulateAcrossTasks(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-accumulate", "", "")

	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 0}, 0)

	err := saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{{TaskID: "task-a", Channel: "a", Value: 1, Sequence: 1}},
		TaskID: "task-a",
	})
	require.NoError(t, err)
	err = saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{{TaskID: "task-b", Channel: "b", Value: 2, Sequence: 2}},
		TaskID: "task-b",
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)

	// Re-recording a task replaces its entries without touching other tasks.
	err = saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{{TaskID: "task-a", Channel: "a", Value: 10, Sequence: 1}},
		TaskID: "task-a",
	})
	require.NoError(t, err)

	tuple, err = saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, float64(10), tuple.PendingWrites[0].Value)
	assert.Equal(t, "task-b", tuple.PendingWrites[1].TaskID)
}

func TestSaverPutWritesSequenceZeroUsesIndex(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-seq0", "", "")

	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 0}, 0)

	err := saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{
			{Channel: "c", Value: 1},
			{Channel: "d", Value: 2},
		},
		TaskID: "task-a",
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, int64(0), tuple.PendingWrites[0].Sequence)
	assert.Equal(t, "c", tuple.PendingWrites[0].Channel)
	// Writes with no task id inherit the request task id.
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, int64(1), tuple.PendingWrites[1].Sequence)
}

func TestSaverPutFullWithWrites(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-full", "", "")

	checkpoint := graph.NewCheckpoint(map[string]any{"v": 1}, map[string]int64{"v": 1}, nil)
	updated, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:      config,
		Checkpoint:  checkpoint,
		Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceInterrupt, 2),
		NewVersions: map[string]int64{"v": 1},
		PendingWrites: []graph.PendingWrite{
			{TaskID: "task-1", Channel: "v", Value: 99, Sequence: 5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ID, graph.GetCheckpointID(updated))

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "task-1", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, int64(5), tuple.PendingWrites[0].Sequence)
	assert.Equal(t, float64(99), tuple.PendingWrites[0].Value)
}

func TestSaverPutFullSequenceZeroAssigned(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-full-seq0", "", "")

	updated, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:      config,
		Checkpoint:  graph.NewCheckpoint(map[string]any{"v": 1}, map[string]int64{"v": 1}, nil),
		Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 1),
		NewVersions: map[string]int64{"v": 1},
		PendingWrites: []graph.PendingWrite{
			{TaskID: "t", Channel: "first", Value: 1},
			{TaskID: "t", Channel: "second", Value: 2},
		},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Greater(t, tuple.PendingWrites[0].Sequence, int64(0))
	// Assigned sequences keep the original slice order.
	assert.Equal(t, "first", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "second", tuple.PendingWrites[1].Channel)
}

func TestSaverDeleteThread(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	threadID := "thread-delete"
	config := graph.CreateCheckpointConfig(threadID, "", "")

	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 42}, 0)
	err := saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{{TaskID: "t", Channel: "c", Value: 1, Sequence: 1}},
		TaskID: "t",
	})
	require.NoError(t, err)

	require.NoError(t, saver.DeleteThread(ctx, threadID))

	tuple, err := saver.GetTuple(ctx, config)
	require.NoError(t, err)
	assert.Nil(t, tuple)

	// Deleting a thread that has no data is not an error.
	require.NoError(t, saver.DeleteThread(ctx, "thread-never-existed"))
}

func TestSaverNilMetadataDefaults(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-nil-meta", "", "ns")

	checkpoint := graph.NewCheckpoint(map[string]any{"x": 1}, map[string]int64{"x": 1}, nil)
	updated, err := saver.Put(ctx, graph.PutRequest{
		Config:      config,
		Checkpoint:  checkpoint,
		NewVersions: map[string]int64{"x": 1},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.Metadata)
	assert.Equal(t, graph.CheckpointSourceUpdate, tuple.Metadata.Source)
	assert.Equal(t, 0, tuple.Metadata.Step)
}

func TestSaverErrorCases(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()

	_, err := saver.GetTuple(ctx, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_id is required")

	_, err = saver.Put(ctx, graph.PutRequest{
		Config:     map[string]any{graph.CfgKeyConfigurable: map[string]any{}},
		Checkpoint: graph.NewCheckpoint(nil, nil, nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_id is required")

	_, err = saver.Put(ctx, graph.PutRequest{Config: graph.CreateCheckpointConfig("t", "", "")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint cannot be nil")

	err = saver.PutWrites(ctx, graph.PutWritesRequest{Config: graph.CreateCheckpointConfig("t", "", "")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_id and checkpoint_id are required")

	_, err = saver.PutFull(ctx, graph.PutFullRequest{
		Config:     graph.CreateCheckpointConfig("t", "", ""),
		Checkpoint: nil,
	})
	require.Error(t, err)

	err = saver.DeleteThread(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_id is required")

	_, err = saver.List(ctx, map[string]any{}, nil)
	require.Error(t, err)
}

func TestSaverWriteMarshalErrors(t *testing.T) {
	saver := openTestSaver(t)
	ctx := context.Background()
	config := graph.CreateCheckpointConfig("thread-marshal", "", "")

	updated, _ := putCheckpoint(t, saver, config, map[string]any{"counter": 0}, 0)

	// Channels cannot be serialized to JSON.
	err := saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{{TaskID: "t", Channel: "c", Value: make(chan int)}},
		TaskID: "t",
	})
	require.Error(t, err)

	_, err = saver.Put(ctx, graph.PutRequest{
		Config:     config,
		Checkpoint: graph.NewCheckpoint(map[string]any{"bad": make(chan int)}, nil, nil),
	})
	require.Error(t, err)

	_, err = saver.PutFull(ctx, graph.PutFullRequest{
		Config:        config,
		Checkpoint:    graph.NewCheckpoint(map[string]any{"v": 1}, map[string]int64{"v": 1}, nil),
		Metadata:      graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 1),
		PendingWrites: []graph.PendingWrite{{TaskID: "t", Channel: "c", Value: make(chan int)}},
	})
	require.Error(t, err)
}

func TestSaverCloseIdempotent(t *testing.T) {
	saver := openTestSaver(t)

	assert.NoError(t, saver.Close())
	assert.NoError(t, saver.Close())
}

func TestSaverCloseNilClient(t *testing.T) {
	s := &Saver{}
	assert.NoError(t, s.Close())
}
