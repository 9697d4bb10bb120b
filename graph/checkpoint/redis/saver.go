//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed checkpoint saver. Each checkpoint
// lives in a hash keyed by (thread, namespace, id) with a sorted-set
// timestamp index per (thread, namespace) for latest-first listing. Values
// round-trip through JSON, so restored numbers carry JSON typing.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

const (
	keyPrefixCheckpoint   = "ckpt:"
	keyPrefixCheckpointTS = "ckpt_ts:"
	keyPrefixWrites       = "writes:"
	keyPrefixThreadNS     = "thread_ns:"
)

const (
	threadIDKey           = "thread_id"
	checkpointIDKey       = "checkpoint_id"
	checkpointNSKey       = "checkpoint_ns"
	parentCheckpointIDKey = "parent_checkpoint_id"
	tsKey                 = "ts"
	checkpointJSONKey     = "checkpoint_json"
	metadataJSONKey       = "metadata_json"
)

func checkpointKey(threadID, checkpointNS, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixCheckpoint, threadID, checkpointNS, checkpointID)
}

func checkpointTSKey(threadID, checkpointNS string) string {
	if checkpointNS == "" {
		return fmt.Sprintf("%s%s", keyPrefixCheckpointTS, threadID)
	}
	return fmt.Sprintf("%s%s:%s", keyPrefixCheckpointTS, threadID, checkpointNS)
}

func writesKey(threadID, checkpointNS, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixWrites, threadID, checkpointNS, checkpointID)
}

func threadNSKey(threadID string) string {
	return fmt.Sprintf("%s%s", keyPrefixThreadNS, threadID)
}

// writeData is the stored form of a pending write. Hash fields are keyed by
// task id and index, so re-recording a task overwrites its previous entries.
type writeData struct {
	TaskID    string `json:"task_id"`
	Idx       int    `json:"idx"`
	Channel   string `json:"channel"`
	ValueJSON []byte `json:"value_json"`
	TaskPath  string `json:"task_path"`
	Seq       int64  `json:"seq"`
}

// Saver is the redis checkpoint service.
type Saver struct {
	opts   Options
	client redis.UniversalClient
	once   sync.Once // ensure Close is called only once
}

// NewSaver creates a new saver.
func NewSaver(options ...Option) (*Saver, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}

	builderOpts := []storage.ClientBuilderOpt{
		storage.WithClientBuilderURL(opts.url),
		storage.WithExtraOptions(opts.extraOptions...),
	}

	// If instance name is set and url is not, resolve the registered instance.
	if opts.url == "" && opts.instanceName != "" {
		var ok bool
		if builderOpts, ok = storage.GetRedisInstance(opts.instanceName); !ok {
			return nil, fmt.Errorf("redis instance %s not found", opts.instanceName)
		}
	}

	redisClient, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create redis client from url failed: %w", err)
	}

	s := &Saver{
		opts:   opts,
		client: redisClient,
	}
	return s, nil
}

// Get returns the checkpoint for the given config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	t, err := s.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	return t.Checkpoint, nil
}

// GetTuple returns the checkpoint tuple for the given config. An empty
// checkpoint id resolves to the latest checkpoint in the namespace.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}

	checkpointID, err := s.findCheckpointID(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, nil
	}

	checkpointData, err := s.client.HGetAll(ctx, checkpointKey(threadID, checkpointNS, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint data: %w", err)
	}
	if len(checkpointData) == 0 {
		return nil, nil
	}

	var ckpt graph.Checkpoint
	if err := json.Unmarshal([]byte(checkpointData[checkpointJSONKey]), &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	var meta graph.CheckpointMetadata
	if err := json.Unmarshal([]byte(checkpointData[metadataJSONKey]), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	parentID := checkpointData[parentCheckpointIDKey]
	ts, err := strconv.ParseInt(checkpointData[tsKey], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	writes, err := s.loadWrites(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}

	var parentCfg map[string]any
	if parentID != "" {
		parentNS, err := s.findCheckpointNamespace(ctx, threadID, parentID)
		if err != nil {
			return nil, err
		}
		parentCfg = graph.CreateCheckpointConfig(threadID, parentID, parentNS)
	}

	returnCfg := graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS)
	if ts > 0 {
		ckpt.Timestamp = time.Unix(0, ts).UTC()
	}

	return &graph.CheckpointTuple{
		Config:        returnCfg,
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		ParentConfig:  parentCfg,
		PendingWrites: writes,
	}, nil
}

func (s *Saver) findCheckpointID(ctx context.Context, threadID, checkpointNS, checkpointID string) (string, error) {
	if checkpointID != "" {
		return checkpointID, nil
	}
	// Highest score wins; score ties resolve by member order, and ids are
	// time-ordered within a thread.
	key := checkpointTSKey(threadID, checkpointNS)
	members, err := s.client.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", nil
	}
	return members[0], nil
}

// List returns checkpoints for the thread/namespace newest first, with
// optional filters.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}

	checkpointIDs, err := s.getCheckpointIDs(ctx, threadID, checkpointNS, filter)
	if err != nil {
		return nil, err
	}

	var tuples []*graph.CheckpointTuple
	for _, checkpointID := range checkpointIDs {
		cfg := graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS)
		tuple, err := s.GetTuple(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			continue
		}

		if filter != nil && len(filter.Metadata) > 0 {
			if tuple.Metadata == nil || tuple.Metadata.Extra == nil {
				continue
			}
			matches := true
			for key, value := range filter.Metadata {
				if tuple.Metadata.Extra[key] != value {
					matches = false
					break
				}
			}
			if !matches {
				continue
			}
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}

	return tuples, nil
}

// getCheckpointIDs resolves the ids to visit, newest first. A Before filter
// restricts the range to scores strictly below the referenced checkpoint.
func (s *Saver) getCheckpointIDs(ctx context.Context, threadID, checkpointNS string, filter *graph.CheckpointFilter) ([]string, error) {
	key := checkpointTSKey(threadID, checkpointNS)
	var members []string
	filtered := false

	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		if beforeID != "" {
			beforeScore, err := s.getCheckpointScore(ctx, threadID, checkpointNS, beforeID)
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// The referenced checkpoint is not in this namespace,
					// so nothing predates it here.
					return nil, nil
				}
				return nil, err
			}
			members, err = s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
				Min: "-inf",
				Max: fmt.Sprintf("(%d", beforeScore),
			}).Result()
			if err != nil {
				return nil, err
			}
			filtered = true
		}
	}

	if !filtered {
		all, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		members = all
	}

	var checkpointIDs []string
	for _, id := range members {
		if id == "" {
			log.Warnf("invalid checkpoint id in timestamp index for thread %s", threadID)
			continue
		}
		checkpointIDs = append(checkpointIDs, id)
	}

	return checkpointIDs, nil
}

func (s *Saver) getCheckpointScore(ctx context.Context, threadID, checkpointNS, checkpointID string) (int64, error) {
	key := checkpointTSKey(threadID, checkpointNS)
	score, err := s.client.ZScore(ctx, key, checkpointID).Result()
	if err != nil {
		return 0, err
	}
	return int64(score), nil
}

// Put stores the checkpoint and returns the updated config with checkpoint ID.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}

	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}

	pipe := s.client.TxPipeline()
	if err := s.stageCheckpoint(ctx, pipe, threadID, checkpointNS, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis transaction failed: %w", err)
	}

	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// PutWrites records per-task pending writes for the referenced checkpoint.
// Writes from other tasks are kept; re-recording a task replaces its entries.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return errors.New("thread_id and checkpoint_id are required")
	}

	pipe := s.client.Pipeline()

	writeKey := writesKey(threadID, checkpointNS, checkpointID)

	for idx, w := range req.Writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}

		taskID := w.TaskID
		if taskID == "" {
			taskID = req.TaskID
		}
		seq := w.Sequence
		if seq == 0 {
			seq = int64(idx)
		}

		if err := stageWrite(ctx, pipe, writeKey, writeData{
			TaskID:    taskID,
			Idx:       idx,
			Channel:   w.Channel,
			ValueJSON: valueJSON,
			TaskPath:  req.TaskPath,
			Seq:       seq,
		}); err != nil {
			return err
		}
	}
	pipe.Expire(ctx, writeKey, s.opts.ttl)

	_, err := pipe.Exec(ctx)
	return err
}

// PutFull atomically stores a checkpoint with its pending writes in a single
// transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}

	pipe := s.client.TxPipeline()
	if err := s.stageCheckpoint(ctx, pipe, threadID, checkpointNS, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}

	writeKey := writesKey(threadID, checkpointNS, req.Checkpoint.ID)
	seqBase := time.Now().UnixNano()
	for idx, w := range req.PendingWrites {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal write value: %w", err)
		}

		seq := w.Sequence
		if seq == 0 {
			// Slice order is preserved for writes that carry no sequence.
			seq = seqBase + int64(idx)
		}

		if err := stageWrite(ctx, pipe, writeKey, writeData{
			TaskID:    w.TaskID,
			Idx:       idx,
			Channel:   w.Channel,
			ValueJSON: valueJSON,
			Seq:       seq,
		}); err != nil {
			return nil, err
		}
	}
	pipe.Expire(ctx, writeKey, s.opts.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis transaction failed: %w", err)
	}

	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// DeleteThread deletes all checkpoints and writes for the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread_id is required")
	}

	nsKey := threadNSKey(threadID)
	namespaces, err := s.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()

	for _, ns := range namespaces {
		indexKey := checkpointTSKey(threadID, ns)
		members, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
		if err != nil {
			continue
		}

		for _, checkpointID := range members {
			pipe.Del(ctx, checkpointKey(threadID, ns, checkpointID))
			pipe.Del(ctx, writesKey(threadID, ns, checkpointID))
		}

		pipe.Del(ctx, indexKey)
	}

	pipe.Del(ctx, nsKey)

	_, err = pipe.Exec(ctx)
	return err
}

// stageCheckpoint marshals the checkpoint and queues the hash, the
// timestamp index, and the namespace set updates on the pipeline.
func (s *Saver) stageCheckpoint(
	ctx context.Context,
	pipe redis.Pipeliner,
	threadID, checkpointNS string,
	checkpoint *graph.Checkpoint,
	metadata *graph.CheckpointMetadata,
) error {
	checkpointJSON, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if metadata == nil {
		metadata = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	ts := checkpoint.Timestamp.UnixNano()
	if ts <= 0 {
		ts = time.Now().UTC().UnixNano()
	}

	ckptKey := checkpointKey(threadID, checkpointNS, checkpoint.ID)
	pipe.HSet(ctx, ckptKey,
		threadIDKey, threadID,
		checkpointNSKey, checkpointNS,
		checkpointIDKey, checkpoint.ID,
		parentCheckpointIDKey, checkpoint.ParentCheckpointID,
		tsKey, ts,
		checkpointJSONKey, checkpointJSON,
		metadataJSONKey, metadataJSON,
	)
	pipe.Expire(ctx, ckptKey, s.opts.ttl)

	indexKey := checkpointTSKey(threadID, checkpointNS)
	pipe.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(ts),
		Member: checkpoint.ID,
	})
	pipe.Expire(ctx, indexKey, s.opts.ttl)

	nsKey := threadNSKey(threadID)
	pipe.SAdd(ctx, nsKey, checkpointNS)
	pipe.Expire(ctx, nsKey, s.opts.ttl)

	return nil
}

func stageWrite(ctx context.Context, pipe redis.Pipeliner, writeKey string, data writeData) error {
	writeJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal write data: %w", err)
	}
	field := fmt.Sprintf("%s:%d", data.TaskID, data.Idx)
	pipe.HSet(ctx, writeKey, field, writeJSON)
	return nil
}

// loadWrites restores pending writes ordered by sequence, then task id and
// index for writes that share a sequence.
func (s *Saver) loadWrites(ctx context.Context, threadID, checkpointNS, checkpointID string) ([]graph.PendingWrite, error) {
	writeKey := writesKey(threadID, checkpointNS, checkpointID)
	writeMap, err := s.client.HGetAll(ctx, writeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get writes: %w", err)
	}

	entries := make([]writeData, 0, len(writeMap))
	for _, writeJSON := range writeMap {
		var data writeData
		if err := json.Unmarshal([]byte(writeJSON), &data); err != nil {
			continue
		}
		entries = append(entries, data)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seq != entries[j].Seq {
			return entries[i].Seq < entries[j].Seq
		}
		if entries[i].TaskID != entries[j].TaskID {
			return entries[i].TaskID < entries[j].TaskID
		}
		return entries[i].Idx < entries[j].Idx
	})

	var writes []graph.PendingWrite
	for _, data := range entries {
		var value any
		if err := json.Unmarshal(data.ValueJSON, &value); err != nil {
			continue
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:   data.TaskID,
			Channel:  data.Channel,
			Value:    value,
			Sequence: data.Seq,
		})
	}

	return writes, nil
}

// findCheckpointNamespace locates the namespace holding the checkpoint id.
// Ids are unique within a thread, so the first hit wins.
func (s *Saver) findCheckpointNamespace(ctx context.Context, threadID, checkpointID string) (string, error) {
	if checkpointID == "" || threadID == "" {
		return "", nil
	}

	nsKey := threadNSKey(threadID)
	namespaces, err := s.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return "", err
	}

	for _, ns := range namespaces {
		exists, err := s.client.Exists(ctx, checkpointKey(threadID, ns, checkpointID)).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			return ns, nil
		}
	}

	return "", nil
}

// Close closes the service.
func (s *Saver) Close() error {
	s.once.Do(func() {
		// Close redis connection.
		if s.client != nil {
			s.client.Close()
		}
	})

	return nil
}
