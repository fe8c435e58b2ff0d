// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists shard indexes in BadgerDB so a restarted
// router can serve symbol queries before its workers finish reindexing.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// ErrNotFound is returned when no index is cached for a shard.
var ErrNotFound = errors.New("shard index not cached")

var keyPrefix = []byte("shard/")

// Config holds configuration for the index cache.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory
	// is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful
	// for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no
// sync overhead.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// IndexCache stores one serialized ShardIndex per shard.
//
// Thread Safety: safe for concurrent use.
type IndexCache struct {
	db *badger.DB
}

// Open creates and opens an index cache.
func Open(cfg Config) (*IndexCache, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open index cache: %w", err)
	}
	return &IndexCache{db: db}, nil
}

func shardKey(id protocol.ShardID) []byte {
	return fmt.Appendf(nil, "%s%d", keyPrefix, id)
}

// Put stores a full replacement index for its shard.
func (c *IndexCache) Put(index *protocol.ShardIndex) error {
	value, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode shard %d index: %w", index.ShardID, err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardKey(index.ShardID), value)
	})
	if err != nil {
		return fmt.Errorf("store shard %d index: %w", index.ShardID, err)
	}
	return nil
}

// Get loads the cached index for one shard. Returns ErrNotFound when the
// shard has never been persisted.
func (c *IndexCache) Get(shardID protocol.ShardID) (*protocol.ShardIndex, error) {
	var index protocol.ShardIndex
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey(shardID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &index)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: shard %d", ErrNotFound, shardID)
	}
	if err != nil {
		return nil, fmt.Errorf("load shard %d index: %w", shardID, err)
	}
	return &index, nil
}

// All loads every cached shard index. Used once at startup for
// rehydration.
func (c *IndexCache) All() ([]*protocol.ShardIndex, error) {
	var indexes []*protocol.ShardIndex
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(keyPrefix); it.Next() {
			var index protocol.ShardIndex
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &index)
			})
			if err != nil {
				return err
			}
			indexes = append(indexes, &index)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cached shard indexes: %w", err)
	}
	return indexes, nil
}

// Close releases the underlying database.
func (c *IndexCache) Close() error {
	return c.db.Close()
}
