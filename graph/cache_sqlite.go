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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/log"
)

const (
	sqliteCreateNodeCache = "CREATE TABLE IF NOT EXISTS node_cache (" +
		"ns TEXT NOT NULL, " +
		"cache_key TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"expires_at INTEGER NOT NULL, " +
		"PRIMARY KEY (ns, cache_key)" +
		")"

	sqliteUpsertCacheEntry = "INSERT OR REPLACE INTO node_cache (" +
		"ns, cache_key, value_json, expires_at) VALUES (?, ?, ?, ?)"

	sqliteSelectCacheEntry = "SELECT value_json, expires_at FROM node_cache " +
		"WHERE ns = ? AND cache_key = ? LIMIT 1"

	sqliteDeleteCacheEntry = "DELETE FROM node_cache WHERE ns = ? AND cache_key = ?"

	sqliteClearCacheNS = "DELETE FROM node_cache WHERE ns = ?"
)

// SQLiteCache is a SQLite-backed implementation of Cache. It persists node
// results across process restarts so a rerun of an unchanged graph can reuse
// them. Values round-trip through JSON, so cached results come back with JSON
// typing (maps and float64 numbers), which the executor's result handling
// accepts.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCacheFromDB creates a cache using the provided DB. The DB must use
// a SQLite driver. The constructor creates the table if needed.
func NewSQLiteCacheFromDB(db *sql.DB) (*SQLiteCache, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateNodeCache); err != nil {
		return nil, fmt.Errorf("create node_cache table: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// Get implements Cache. Storage errors count as misses: caching is
// best-effort and must never fail a task.
func (c *SQLiteCache) Get(ns, key string) (any, bool) {
	row := c.db.QueryRow(sqliteSelectCacheEntry, ns, key)
	var valueJSON []byte
	var expiresAt int64
	if err := row.Scan(&valueJSON, &expiresAt); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Debugf("sqlite cache: select %s/%s: %v", ns, key, err)
		}
		return nil, false
	}
	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		if _, err := c.db.Exec(sqliteDeleteCacheEntry, ns, key); err != nil {
			log.Debugf("sqlite cache: expire %s/%s: %v", ns, key, err)
		}
		return nil, false
	}
	var value any
	if err := json.Unmarshal(valueJSON, &value); err != nil {
		log.Debugf("sqlite cache: unmarshal %s/%s: %v", ns, key, err)
		return nil, false
	}
	return value, true
}

// Set implements Cache. Unserializable values drop the entry with a debug
// log rather than failing the task that produced them.
func (c *SQLiteCache) Set(ns, key string, val any, ttl time.Duration) {
	valueJSON, err := json.Marshal(val)
	if err != nil {
		log.Debugf("sqlite cache: marshal %s/%s: %v", ns, key, err)
		return
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	if _, err := c.db.Exec(sqliteUpsertCacheEntry, ns, key, valueJSON, expiresAt); err != nil {
		log.Debugf("sqlite cache: upsert %s/%s: %v", ns, key, err)
	}
}

// Clear implements Cache.
func (c *SQLiteCache) Clear(ns string) {
	if _, err := c.db.Exec(sqliteClearCacheNS, ns); err != nil {
		log.Debugf("sqlite cache: clear %s: %v", ns, err)
	}
}
