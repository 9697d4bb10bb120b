//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed CheckpointSaver. Checkpoints and
// metadata are stored as JSON blobs, so restored values carry JSON typing;
// the executor rehydrates them against the graph schema.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"metadata_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)" +
		")"

	sqliteCreateWrites = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"idx INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"seq INTEGER NOT NULL DEFAULT 0, " +
		"task_path TEXT, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)" +
		")"

	sqliteInsertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, " +
		"checkpoint_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)"

	sqliteSelectLatest = "SELECT checkpoint_json, metadata_json, parent_checkpoint_id, checkpoint_id " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? " +
		"ORDER BY ts DESC, checkpoint_id DESC LIMIT 1"

	sqliteSelectByID = "SELECT checkpoint_json, metadata_json, parent_checkpoint_id " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	sqliteSelectIDsDesc = "SELECT checkpoint_id FROM checkpoints " +
		"WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY ts DESC, checkpoint_id DESC"

	sqliteInsertWrite = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json, seq, task_path) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"

	sqliteSelectWrites = "SELECT task_id, channel, value_json, seq FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY seq, task_id, idx"

	sqliteDeleteThreadCkpts  = "DELETE FROM checkpoints WHERE thread_id = ?"
	sqliteDeleteThreadWrites = "DELETE FROM checkpoint_writes WHERE thread_id = ?"
)

// Saver is a SQLite-backed implementation of CheckpointSaver. It expects an
// initialized *sql.DB using a SQLite driver and creates its schema on
// construction. PutFull runs in a transaction, so a checkpoint and its
// writes land together or not at all.
type Saver struct {
	db *sql.DB
}

// NewSaver creates a new saver using the provided DB and creates the
// required tables if they do not exist.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(sqliteCreateWrites); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db}, nil
}

// Get returns the checkpoint for the given config.
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

// GetTuple returns the checkpoint tuple for the given config. Without a
// checkpoint ID the latest for (thread, namespace) is returned.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	checkpointNS := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	var checkpointJSON, metadataJSON []byte
	var parentID sql.NullString
	if checkpointID == "" {
		row := s.db.QueryRowContext(ctx, sqliteSelectLatest, threadID, checkpointNS)
		if err := row.Scan(&checkpointJSON, &metadataJSON, &parentID, &checkpointID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("select latest: %w", err)
		}
	} else {
		row := s.db.QueryRowContext(ctx, sqliteSelectByID, threadID, checkpointNS, checkpointID)
		if err := row.Scan(&checkpointJSON, &metadataJSON, &parentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("select by id: %w", err)
		}
	}

	var ckpt graph.Checkpoint
	if err := json.Unmarshal(checkpointJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}
	var parentCfg map[string]any
	if parentID.Valid && parentID.String != "" {
		parentCfg = graph.CreateCheckpointConfig(threadID, parentID.String, checkpointNS)
	}
	return &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS),
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		ParentConfig:  parentCfg,
		PendingWrites: writes,
	}, nil
}

// List returns checkpoints for the thread and namespace, newest first,
// honoring the optional filter.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, errors.New("thread_id is required")
	}
	checkpointNS := graph.GetNamespace(config)

	rows, err := s.db.QueryContext(ctx, sqliteSelectIDsDesc, threadID, checkpointNS)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var beforeID string
	var limit int
	if filter != nil {
		if filter.Before != nil {
			beforeID = graph.GetCheckpointID(filter.Before)
		}
		limit = filter.Limit
	}
	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var checkpointID string
		if err := rows.Scan(&checkpointID); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		// Checkpoint IDs are time-ordered, so a lexicographic comparison
		// filters by creation time.
		if beforeID != "" && checkpointID >= beforeID {
			continue
		}
		cfg := graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS)
		tuple, err := s.GetTuple(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			continue
		}
		if filter != nil && !metadataMatches(tuple.Metadata, filter.Metadata) {
			continue
		}
		tuples = append(tuples, tuple)
		if limit > 0 && len(tuples) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	return tuples, nil
}

// Put stores the checkpoint and returns the config pointing at it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	threadID, checkpointNS, err := validatePut(req.Config, req.Checkpoint)
	if err != nil {
		return nil, err
	}
	if err := insertCheckpoint(ctx, s.db, threadID, checkpointNS, req.Config, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// PutWrites stores write entries for a checkpoint. Rows are keyed by task
// and index, so writes of other tasks are kept and re-recording a task
// overwrites its previous entries.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return errors.New("thread_id and checkpoint_id are required")
	}
	for idx, w := range req.Writes {
		taskID := w.TaskID
		if taskID == "" {
			taskID = req.TaskID
		}
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}
		_, err = s.db.ExecContext(
			ctx,
			sqliteInsertWrite,
			threadID,
			checkpointNS,
			checkpointID,
			taskID,
			idx,
			w.Channel,
			valueJSON,
			w.Sequence,
			req.TaskPath,
		)
		if err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// PutFull atomically stores a checkpoint with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID, checkpointNS, err := validatePut(req.Config, req.Checkpoint)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertCheckpoint(ctx, tx, threadID, checkpointNS, req.Config, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	for idx, w := range req.PendingWrites {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal write: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			sqliteInsertWrite,
			threadID,
			checkpointNS,
			req.Checkpoint.ID,
			w.TaskID,
			idx,
			w.Channel,
			valueJSON,
			w.Sequence,
			"",
		)
		if err != nil {
			return nil, fmt.Errorf("insert write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// DeleteThread deletes all checkpoints and writes for the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread_id is required")
	}
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThreadCkpts, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// Close closes the underlying DB.
func (s *Saver) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// execer covers *sql.DB and *sql.Tx so checkpoint inserts can run either
// standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func validatePut(config map[string]any, checkpoint *graph.Checkpoint) (threadID, checkpointNS string, err error) {
	if checkpoint == nil {
		return "", "", errors.New("checkpoint cannot be nil")
	}
	threadID = graph.GetThreadID(config)
	if threadID == "" {
		return "", "", errors.New("thread_id is required")
	}
	return threadID, graph.GetNamespace(config), nil
}

func insertCheckpoint(
	ctx context.Context,
	db execer,
	threadID, checkpointNS string,
	config map[string]any,
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
	_, err = db.ExecContext(
		ctx,
		sqliteInsertCheckpoint,
		threadID,
		checkpointNS,
		checkpoint.ID,
		graph.GetCheckpointID(config),
		checkpoint.Timestamp.UnixNano(),
		checkpointJSON,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *Saver) loadWrites(
	ctx context.Context,
	threadID, checkpointNS, checkpointID string,
) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectWrites, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var taskID, channel string
		var valueJSON []byte
		var seq int64
		if err := rows.Scan(&taskID, &channel, &valueJSON, &seq); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var value any
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:   taskID,
			Channel:  channel,
			Value:    value,
			Sequence: seq,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}

// metadataMatches reports whether metadata extra fields match the filter.
// Values are compared after JSON decoding, so numeric filters should use
// float64.
func metadataMatches(metadata *graph.CheckpointMetadata, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if metadata == nil || metadata.Extra == nil {
		return false
	}
	for key, value := range want {
		if metadata.Extra[key] != value {
			return false
		}
	}
	return true
}
