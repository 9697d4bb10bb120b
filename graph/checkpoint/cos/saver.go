//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package cos provides a Tencent Cloud Object Storage (COS) backed checkpoint
// saver. Each checkpoint is one JSON object and each task's pending writes
// are one JSON batch object:
//
//	{prefix}/{thread}/{namespace}/checkpoint/{checkpoint_id}
//	{prefix}/{thread}/{namespace}/writes/{checkpoint_id}/{task_id}
//
// Checkpoint ids are time ordered, so listing a prefix and sorting the keys
// descending yields checkpoints newest first. The empty namespace is stored
// under the __root__ segment; other namespaces are path escaped. Values
// round-trip through JSON, so restored numbers carry JSON typing.
//
// Authentication credentials can be provided via the COS_SECRETID and
// COS_SECRETKEY environment variables, the WithSecretID and WithSecretKey
// options, or a pre-configured client through WithClient.
package cos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tencentyun/cos-go-sdk-v5"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultPrefix   = "checkpoints"
	contentTypeJSON = "application/json"
	listPageSize    = 1000
	// Multi delete accepts at most 1000 keys per call.
	deleteBatchSize = 1000
	// rootNSSegment holds checkpoints of the empty namespace.
	rootNSSegment = "__root__"
)

// checkpointDoc is the stored form of a checkpoint with its metadata.
type checkpointDoc struct {
	Checkpoint *graph.Checkpoint         `json:"checkpoint"`
	Metadata   *graph.CheckpointMetadata `json:"metadata"`
}

// writeBatch is the stored form of one task's pending writes. Re-recording a
// task replaces the whole batch object, while batches of other tasks stay.
type writeBatch struct {
	TaskID   string       `json:"task_id"`
	TaskPath string       `json:"task_path,omitempty"`
	Writes   []writeEntry `json:"writes"`
}

type writeEntry struct {
	Idx     int    `json:"idx"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
	Seq     int64  `json:"seq"`
}

// Saver is the COS checkpoint service.
type Saver struct {
	opts   options
	client *cos.Client
}

// NewSaver creates a new saver storing checkpoints in the given bucket.
func NewSaver(bucketURL string, opt ...Option) (*Saver, error) {
	opts := options{
		timeout:   defaultTimeout,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
		prefix:    defaultPrefix,
	}
	for _, o := range opt {
		o(&opts)
	}

	if opts.cosClient != nil {
		return &Saver{opts: opts, client: opts.cosClient}, nil
	}

	if bucketURL == "" {
		return nil, errors.New("bucket url is required")
	}
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url failed: %w", err)
	}
	baseURL := &cos.BaseURL{BucketURL: u}

	httpClient := opts.httpClient
	if httpClient != nil {
		if opts.timeout > 0 {
			httpClient.Timeout = opts.timeout
		}
	} else {
		httpClient = &http.Client{
			Timeout: opts.timeout,
			Transport: &cos.AuthorizationTransport{
				SecretID:  opts.secretID,
				SecretKey: opts.secretKey,
			},
		}
	}

	return &Saver{opts: opts, client: cos.NewClient(baseURL, httpClient)}, nil
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

	if checkpointID == "" {
		ids, err := s.listCheckpointIDs(ctx, threadID, checkpointNS)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}

	return s.loadTuple(ctx, threadID, checkpointNS, checkpointID)
}

// List returns checkpoints for the thread/namespace newest first, with
// optional filters.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}

	checkpointIDs, err := s.listCheckpointIDs(ctx, threadID, checkpointNS)
	if err != nil {
		return nil, err
	}
	if filter != nil && filter.Before != nil {
		if checkpointIDs, err = s.applyBeforeFilter(ctx, threadID, checkpointNS, checkpointIDs, filter.Before); err != nil {
			return nil, err
		}
	}

	var tuples []*graph.CheckpointTuple
	for _, checkpointID := range checkpointIDs {
		tuple, err := s.loadTuple(ctx, threadID, checkpointNS, checkpointID)
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

// applyBeforeFilter keeps ids strictly older than the referenced checkpoint.
// Ids sort by creation time, so an id compare is enough.
func (s *Saver) applyBeforeFilter(ctx context.Context, threadID, checkpointNS string, ids []string, before map[string]any) ([]string, error) {
	beforeID := graph.GetCheckpointID(before)
	if beforeID == "" {
		return ids, nil
	}
	exists, err := s.objectExists(ctx, s.checkpointObjectKey(threadID, checkpointNS, beforeID))
	if err != nil {
		return nil, err
	}
	if !exists {
		// The referenced checkpoint is not in this namespace, so nothing
		// predates it here.
		return nil, nil
	}
	older := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < beforeID {
			older = append(older, id)
		}
	}
	return older, nil
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

	if err := s.putCheckpointDoc(ctx, threadID, checkpointNS, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}

	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// PutWrites records per-task pending writes for the referenced checkpoint.
// Writes from other tasks are kept; re-recording a task replaces its batch.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return errors.New("thread_id and checkpoint_id are required")
	}

	batches := groupWrites(req.Writes, req.TaskID, req.TaskPath, 0)
	return s.putWriteBatches(ctx, threadID, checkpointNS, checkpointID, batches)
}

// PutFull stores a checkpoint together with its pending writes. Object
// storage offers no transactions; the checkpoint object lands before the
// write batches.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}

	if err := s.putCheckpointDoc(ctx, threadID, checkpointNS, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}

	batches := groupWrites(req.PendingWrites, "", "", time.Now().UnixNano())
	if err := s.putWriteBatches(ctx, threadID, checkpointNS, req.Checkpoint.ID, batches); err != nil {
		return nil, err
	}

	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// DeleteThread deletes all checkpoints and writes for the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread_id is required")
	}

	keys, err := s.listKeys(ctx, s.threadPrefix(threadID))
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]cos.Object, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, cos.Object{Key: key})
		}
		opt := &cos.ObjectDeleteMultiOptions{Quiet: true, Objects: objects}
		if _, _, err := s.client.Object.DeleteMulti(ctx, opt); err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
	}

	return nil
}

// Close implements CheckpointSaver. The client holds no connection state.
func (s *Saver) Close() error {
	return nil
}

func (s *Saver) threadPrefix(threadID string) string {
	return fmt.Sprintf("%s/%s/", s.opts.prefix, url.PathEscape(threadID))
}

func (s *Saver) namespacePrefix(threadID, checkpointNS string) string {
	return s.threadPrefix(threadID) + nsSegment(checkpointNS) + "/"
}

func (s *Saver) checkpointListPrefix(threadID, checkpointNS string) string {
	return s.namespacePrefix(threadID, checkpointNS) + "checkpoint/"
}

func (s *Saver) checkpointObjectKey(threadID, checkpointNS, checkpointID string) string {
	return s.checkpointListPrefix(threadID, checkpointNS) + checkpointID
}

func (s *Saver) writesListPrefix(threadID, checkpointNS, checkpointID string) string {
	return s.namespacePrefix(threadID, checkpointNS) + "writes/" + checkpointID + "/"
}

func (s *Saver) writesObjectKey(threadID, checkpointNS, checkpointID, taskID string) string {
	return s.writesListPrefix(threadID, checkpointNS, checkpointID) + url.PathEscape(taskID)
}

// nsSegment maps a checkpoint namespace to an object key segment. Namespaces
// may contain the key delimiter, so they are path escaped.
func nsSegment(checkpointNS string) string {
	if checkpointNS == "" {
		return rootNSSegment
	}
	return url.PathEscape(checkpointNS)
}

func decodeNSSegment(segment string) string {
	if segment == rootNSSegment {
		return ""
	}
	ns, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return ns
}

func (s *Saver) putCheckpointDoc(ctx context.Context, threadID, checkpointNS string, checkpoint *graph.Checkpoint, metadata *graph.CheckpointMetadata) error {
	if metadata == nil {
		metadata = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	data, err := json.Marshal(checkpointDoc{Checkpoint: checkpoint, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.putObject(ctx, s.checkpointObjectKey(threadID, checkpointNS, checkpoint.ID), data)
}

// groupWrites buckets writes by task, filling in the request task id and a
// sequence for writes that carry none. Slice order is preserved for writes
// that share a batch.
func groupWrites(writes []graph.PendingWrite, fallbackTaskID, taskPath string, seqBase int64) []writeBatch {
	var batches []writeBatch
	index := make(map[string]int)
	for idx, w := range writes {
		taskID := w.TaskID
		if taskID == "" {
			taskID = fallbackTaskID
		}
		seq := w.Sequence
		if seq == 0 {
			seq = seqBase + int64(idx)
		}

		i, ok := index[taskID]
		if !ok {
			i = len(batches)
			index[taskID] = i
			batches = append(batches, writeBatch{TaskID: taskID, TaskPath: taskPath})
		}
		batches[i].Writes = append(batches[i].Writes, writeEntry{
			Idx:     idx,
			Channel: w.Channel,
			Value:   w.Value,
			Seq:     seq,
		})
	}
	return batches
}

func (s *Saver) putWriteBatches(ctx context.Context, threadID, checkpointNS, checkpointID string, batches []writeBatch) error {
	for _, batch := range batches {
		data, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshal write batch: %w", err)
		}
		key := s.writesObjectKey(threadID, checkpointNS, checkpointID, batch.TaskID)
		if err := s.putObject(ctx, key, data); err != nil {
			return err
		}
	}
	return nil
}

// loadTuple reads one checkpoint object plus its write batches. A missing
// checkpoint object yields a nil tuple without error.
func (s *Saver) loadTuple(ctx context.Context, threadID, checkpointNS, checkpointID string) (*graph.CheckpointTuple, error) {
	data, err := s.getObject(ctx, s.checkpointObjectKey(threadID, checkpointNS, checkpointID))
	if err != nil || data == nil {
		return nil, err
	}

	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	writes, err := s.loadWrites(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}

	var parentCfg map[string]any
	if doc.Checkpoint != nil && doc.Checkpoint.ParentCheckpointID != "" {
		parentNS, err := s.findCheckpointNamespace(ctx, threadID, doc.Checkpoint.ParentCheckpointID)
		if err != nil {
			return nil, err
		}
		parentCfg = graph.CreateCheckpointConfig(threadID, doc.Checkpoint.ParentCheckpointID, parentNS)
	}

	return &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS),
		Checkpoint:    doc.Checkpoint,
		Metadata:      doc.Metadata,
		ParentConfig:  parentCfg,
		PendingWrites: writes,
	}, nil
}

// loadWrites restores pending writes ordered by sequence, then task id and
// index for writes that share a sequence.
func (s *Saver) loadWrites(ctx context.Context, threadID, checkpointNS, checkpointID string) ([]graph.PendingWrite, error) {
	listPrefix := s.writesListPrefix(threadID, checkpointNS, checkpointID)
	keys, err := s.listKeys(ctx, listPrefix)
	if err != nil {
		return nil, err
	}

	type flatWrite struct {
		taskID string
		entry  writeEntry
	}
	var entries []flatWrite
	for _, key := range keys {
		data, err := s.getObject(ctx, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var batch writeBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			continue
		}
		for _, entry := range batch.Writes {
			entries = append(entries, flatWrite{taskID: batch.TaskID, entry: entry})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].entry.Seq != entries[j].entry.Seq {
			return entries[i].entry.Seq < entries[j].entry.Seq
		}
		if entries[i].taskID != entries[j].taskID {
			return entries[i].taskID < entries[j].taskID
		}
		return entries[i].entry.Idx < entries[j].entry.Idx
	})

	var writes []graph.PendingWrite
	for _, fw := range entries {
		writes = append(writes, graph.PendingWrite{
			TaskID:   fw.taskID,
			Channel:  fw.entry.Channel,
			Value:    fw.entry.Value,
			Sequence: fw.entry.Seq,
		})
	}
	return writes, nil
}

// findCheckpointNamespace locates the namespace holding the checkpoint id.
// Ids are unique within a thread, so the first hit wins.
func (s *Saver) findCheckpointNamespace(ctx context.Context, threadID, checkpointID string) (string, error) {
	if threadID == "" || checkpointID == "" {
		return "", nil
	}

	segments, err := s.listNamespaceSegments(ctx, threadID)
	if err != nil {
		return "", err
	}

	for _, segment := range segments {
		checkpointNS := decodeNSSegment(segment)
		exists, err := s.objectExists(ctx, s.checkpointObjectKey(threadID, checkpointNS, checkpointID))
		if err != nil {
			continue
		}
		if exists {
			return checkpointNS, nil
		}
	}

	return "", nil
}

// listNamespaceSegments enumerates the namespace segments of a thread via a
// delimited listing.
func (s *Saver) listNamespaceSegments(ctx context.Context, threadID string) ([]string, error) {
	threadPrefix := s.threadPrefix(threadID)
	result, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{
		Prefix:    threadPrefix,
		Delimiter: "/",
		MaxKeys:   listPageSize,
	})
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	segments := make([]string, 0, len(result.CommonPrefixes))
	for _, p := range result.CommonPrefixes {
		segment := strings.TrimSuffix(strings.TrimPrefix(p, threadPrefix), "/")
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments, nil
}

// listCheckpointIDs returns checkpoint ids newest first. Ids are time
// ordered, so the descending key sort is a timestamp sort.
func (s *Saver) listCheckpointIDs(ctx context.Context, threadID, checkpointNS string) ([]string, error) {
	listPrefix := s.checkpointListPrefix(threadID, checkpointNS)
	keys, err := s.listKeys(ctx, listPrefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, listPrefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// listKeys enumerates all keys under the prefix, following truncated pages.
func (s *Saver) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	opt := &cos.BucketGetOptions{Prefix: prefix, MaxKeys: listPageSize}
	for {
		result, _, err := s.client.Bucket.Get(ctx, opt)
		if err != nil {
			if cos.IsNotFoundError(err) {
				return keys, nil
			}
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated {
			return keys, nil
		}
		opt.Marker = result.NextMarker
	}
}

func (s *Saver) putObject(ctx context.Context, key string, data []byte) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: contentTypeJSON,
		},
	}
	if _, err := s.client.Object.Put(ctx, key, bytes.NewReader(data), opt); err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

// getObject returns nil data without error when the key does not exist.
func (s *Saver) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *Saver) objectExists(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.Object.Head(ctx, key, nil); err != nil {
		if cos.IsNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return true, nil
}
