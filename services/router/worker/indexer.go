// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianIndex/services/router/ast"
	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// ShardIndexer holds one shard's parsed file set and produces complete
// index snapshots from it. Files that fail to parse cleanly still
// contribute whatever declarations error recovery salvaged; files that
// cannot be parsed at all are recorded empty.
//
// Thread Safety: all methods are safe for concurrent use, though the
// wire protocol serializes callers in practice.
type ShardIndexer struct {
	shardID protocol.ShardID
	logger  *slog.Logger

	mu         sync.Mutex
	parser     *ast.JavaParser
	files      map[string][]protocol.Symbol
	revision   protocol.Revision
	generation uint64
}

// NewShardIndexer returns an empty indexer for the shard.
func NewShardIndexer(shardID protocol.ShardID, logger *slog.Logger) *ShardIndexer {
	return &ShardIndexer{
		shardID: shardID,
		logger:  logger.With(slog.Uint64("shard_id", uint64(shardID))),
		parser:  ast.NewJavaParser(),
		files:   make(map[string][]protocol.Symbol),
	}
}

// IndexShard replaces the whole file set and returns a fresh snapshot
// tagged with rev and the next generation.
func (ix *ShardIndexer) IndexShard(ctx context.Context, rev protocol.Revision, files []protocol.FileText) (*protocol.ShardIndex, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.files = make(map[string][]protocol.Symbol, len(files))
	for i := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ix.files[files[i].Path] = ix.parseLocked(ctx, &files[i])
	}
	return ix.snapshotLocked(rev), nil
}

// UpdateFile upserts one file and returns the resulting snapshot.
func (ix *ShardIndexer) UpdateFile(ctx context.Context, rev protocol.Revision, file *protocol.FileText) (*protocol.ShardIndex, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.files[file.Path] = ix.parseLocked(ctx, file)
	return ix.snapshotLocked(rev), nil
}

// LoadFiles parses files into the set without producing a snapshot.
// Used to warm a restarted worker so the next UpdateFile sees the whole
// shard, not just the changed file.
func (ix *ShardIndexer) LoadFiles(ctx context.Context, files []protocol.FileText) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i := range files {
		if ctx.Err() != nil {
			return
		}
		ix.files[files[i].Path] = ix.parseLocked(ctx, &files[i])
	}
}

// Stats reports the indexer's current state.
func (ix *ShardIndexer) Stats() protocol.WorkerStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var symbolCount int
	for _, syms := range ix.files {
		symbolCount += len(syms)
	}
	return protocol.WorkerStats{
		ShardID:         ix.shardID,
		Revision:        ix.revision,
		IndexGeneration: ix.generation,
		FileCount:       uint32(len(ix.files)),
		SymbolCount:     uint32(symbolCount),
	}
}

func (ix *ShardIndexer) parseLocked(ctx context.Context, file *protocol.FileText) []protocol.Symbol {
	syms, err := ix.parser.Parse(ctx, []byte(file.Text), file.Path)
	if err != nil {
		ix.logger.Warn("parse failed",
			slog.String("path", file.Path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return syms
}

// snapshotLocked builds a complete index from the file set. The
// generation counter bumps on every snapshot, ordering rebuilds that
// share a revision.
func (ix *ShardIndexer) snapshotLocked(rev protocol.Revision) *protocol.ShardIndex {
	ix.revision = rev
	ix.generation++

	paths := make([]string, 0, len(ix.files))
	for path := range ix.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var symbols []protocol.Symbol
	for _, path := range paths {
		symbols = append(symbols, ix.files[path]...)
	}
	return &protocol.ShardIndex{
		ShardID:         ix.shardID,
		Revision:        rev,
		IndexGeneration: ix.generation,
		Symbols:         symbols,
	}
}
