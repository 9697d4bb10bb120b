//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local CheckpointSaver. It is the
// reference backend used by tests and examples; data lives only as long as
// the process.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Saver stores checkpoint tuples in a three-level map keyed by thread,
// namespace and checkpoint ID. All methods are safe for concurrent use.
type Saver struct {
	mu      sync.RWMutex
	threads map[string]map[string]map[string]*graph.CheckpointTuple
	writes  map[string]map[string]map[string][]graph.PendingWrite

	// maxCheckpointsPerThread caps retained checkpoints per (thread, namespace);
	// the oldest are dropped first.
	maxCheckpointsPerThread int
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		threads:                 make(map[string]map[string]map[string]*graph.CheckpointTuple),
		writes:                  make(map[string]map[string]map[string][]graph.PendingWrite),
		maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
}

// WithMaxCheckpointsPerThread sets the retention cap and returns the saver.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, nil
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. Without a
// checkpoint ID it returns the latest tuple for (thread, namespace), or nil
// when none exists.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoints := s.threads[threadID][namespace]
	if len(checkpoints) == 0 {
		return nil, nil
	}
	if checkpointID == "" {
		latest := latestTuple(checkpoints)
		if latest == nil {
			return nil, nil
		}
		checkpointID = latest.Checkpoint.ID
	}
	tuple, ok := checkpoints[checkpointID]
	if !ok {
		return nil, nil
	}
	return s.copyTupleLocked(threadID, namespace, tuple), nil
}

// List retrieves checkpoints matching the filter, newest first.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	namespace := graph.GetNamespace(config)

	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoints := s.threads[threadID][namespace]
	var before *graph.Checkpoint
	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		if beforeID != "" {
			beforeTuple, ok := checkpoints[beforeID]
			if !ok {
				return nil, nil
			}
			before = beforeTuple.Checkpoint
		}
	}

	var results []*graph.CheckpointTuple
	for _, tuple := range checkpoints {
		if tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		if before != nil && !newerThan(before, tuple.Checkpoint) {
			continue
		}
		if !matchesMetadata(tuple.Metadata, filter) {
			continue
		}
		results = append(results, s.copyTupleLocked(threadID, namespace, tuple))
	}

	sort.Slice(results, func(i, j int) bool {
		return newerThan(results[i].Checkpoint, results[j].Checkpoint)
	})
	if filter != nil && filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Put stores a checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(req.Config, req.Checkpoint, req.Metadata, nil)
}

// PutWrites stores intermediate writes linked to a checkpoint. Writes from
// other tasks are kept; re-recording a task replaces its previous entries.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return errors.New("thread_id and checkpoint_id are required")
	}
	namespace := graph.GetNamespace(req.Config)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureWritesLocked(threadID, namespace)
	existing := s.writes[threadID][namespace][checkpointID]
	kept := make([]graph.PendingWrite, 0, len(existing)+len(req.Writes))
	for _, w := range existing {
		if w.TaskID != req.TaskID {
			kept = append(kept, w)
		}
	}
	for _, w := range req.Writes {
		if w.TaskID == "" {
			w.TaskID = req.TaskID
		}
		kept = append(kept, w)
	}
	s.writes[threadID][namespace][checkpointID] = kept
	return nil
}

// PutFull stores a checkpoint together with its pending writes in one call.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.writes, threadID)
	return nil
}

// Close drops all stored data.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]map[string]map[string]*graph.CheckpointTuple)
	s.writes = make(map[string]map[string]map[string][]graph.PendingWrite)
	return nil
}

// storeLocked stores the checkpoint under its own config. The request config
// carries the parent checkpoint ID, which becomes the ParentConfig link.
func (s *Saver) storeLocked(
	config map[string]any,
	checkpoint *graph.Checkpoint,
	metadata *graph.CheckpointMetadata,
	writes []graph.PendingWrite,
) (map[string]any, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	if checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	namespace := graph.GetNamespace(config)

	if s.threads[threadID] == nil {
		s.threads[threadID] = make(map[string]map[string]*graph.CheckpointTuple)
	}
	if s.threads[threadID][namespace] == nil {
		s.threads[threadID][namespace] = make(map[string]*graph.CheckpointTuple)
	}

	stored := graph.CreateCheckpointConfig(threadID, checkpoint.ID, namespace)
	tuple := &graph.CheckpointTuple{
		Config:     stored,
		Checkpoint: checkpoint.Copy(),
		Metadata:   metadata,
	}
	if parentID := graph.GetCheckpointID(config); parentID != "" && parentID != checkpoint.ID {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID, namespace)
	}
	s.threads[threadID][namespace][checkpoint.ID] = tuple

	if len(writes) > 0 {
		s.ensureWritesLocked(threadID, namespace)
		copied := make([]graph.PendingWrite, len(writes))
		copy(copied, writes)
		s.writes[threadID][namespace][checkpoint.ID] = copied
	}

	s.cleanupLocked(threadID, namespace)
	return stored, nil
}

func (s *Saver) ensureWritesLocked(threadID, namespace string) {
	if s.writes[threadID] == nil {
		s.writes[threadID] = make(map[string]map[string][]graph.PendingWrite)
	}
	if s.writes[threadID][namespace] == nil {
		s.writes[threadID][namespace] = make(map[string][]graph.PendingWrite)
	}
}

// copyTupleLocked clones the tuple so callers cannot mutate stored data.
func (s *Saver) copyTupleLocked(threadID, namespace string, tuple *graph.CheckpointTuple) *graph.CheckpointTuple {
	result := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if writes := s.writes[threadID][namespace][tuple.Checkpoint.ID]; len(writes) > 0 {
		result.PendingWrites = make([]graph.PendingWrite, len(writes))
		copy(result.PendingWrites, writes)
	}
	return result
}

// cleanupLocked drops the oldest checkpoints above the retention cap.
func (s *Saver) cleanupLocked(threadID, namespace string) {
	checkpoints := s.threads[threadID][namespace]
	if s.maxCheckpointsPerThread <= 0 || len(checkpoints) <= s.maxCheckpointsPerThread {
		return
	}
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	// Oldest first.
	sort.Slice(ids, func(i, j int) bool {
		return newerThan(checkpoints[ids[j]].Checkpoint, checkpoints[ids[i]].Checkpoint)
	})
	for _, id := range ids[:len(checkpoints)-s.maxCheckpointsPerThread] {
		delete(checkpoints, id)
		if w := s.writes[threadID][namespace]; w != nil {
			delete(w, id)
		}
	}
}

// newerThan reports whether a was created after b. Ties on timestamp fall
// back to the lexicographically larger ID; IDs are time-ordered per thread.
func newerThan(a, b *graph.Checkpoint) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

func latestTuple(checkpoints map[string]*graph.CheckpointTuple) *graph.CheckpointTuple {
	var latest *graph.CheckpointTuple
	for _, tuple := range checkpoints {
		if tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		if latest == nil || newerThan(tuple.Checkpoint, latest.Checkpoint) {
			latest = tuple
		}
	}
	return latest
}

func matchesMetadata(metadata *graph.CheckpointMetadata, filter *graph.CheckpointFilter) bool {
	if filter == nil || filter.Metadata == nil {
		return true
	}
	if metadata == nil || metadata.Extra == nil {
		return false
	}
	for key, value := range filter.Metadata {
		if metadata.Extra[key] != value {
			return false
		}
	}
	return true
}
