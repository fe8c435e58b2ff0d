// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/storage"
	"github.com/AleutianAI/AleutianIndex/services/router/worker"
)

// InProcessConfig configures an in-process router.
type InProcessConfig struct {
	// SourceRoots are the workspace directories, one shard per root.
	SourceRoots []string

	// CacheDir, when set, persists shard indexes across restarts.
	CacheDir string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// InProcessRouter indexes the workspace inside the caller's process,
// with one indexer per shard instead of worker connections. It serves
// the same operations as the distributed router and shares its index
// state machinery, so revision and staleness semantics are identical.
//
// Thread Safety: all exported methods are safe for concurrent use.
type InProcessRouter struct {
	logger      *slog.Logger
	sourceRoots []string
	state       *routerState
	cache       *storage.IndexCache
	indexers    []*worker.ShardIndexer

	// passToken identifies the newest indexing pass. A pass that sees a
	// larger token aborts instead of publishing stale results.
	passToken atomic.Uint64

	cancelMu   sync.Mutex
	cancelPass context.CancelFunc

	closeOnce sync.Once
}

// NewInProcessRouter builds the per-shard indexers and rehydrates any
// cached indexes.
func NewInProcessRouter(cfg InProcessConfig) (*InProcessRouter, error) {
	if len(cfg.SourceRoots) == 0 {
		return nil, fmt.Errorf("%w: at least one source root is required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "router"))

	var cache *storage.IndexCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = storage.Open(storage.DefaultConfig(filepath.Join(cfg.CacheDir, "router")))
		if err != nil {
			return nil, fmt.Errorf("open index cache: %w", err)
		}
	}

	indexers := make([]*worker.ShardIndexer, len(cfg.SourceRoots))
	for i := range indexers {
		indexers[i] = worker.NewShardIndexer(protocol.ShardID(i), logger)
	}

	r := &InProcessRouter{
		logger:      logger,
		sourceRoots: cfg.SourceRoots,
		state:       newRouterState(len(cfg.SourceRoots), cache, logger),
		cache:       cache,
		indexers:    indexers,
	}
	r.state.rehydrate()
	return r, nil
}

// IndexWorkspace rebuilds every shard's index from disk. A newer call
// supersedes an in-flight one: the older pass is canceled and anything
// it already produced loses to the newer pass's revision.
func (r *InProcessRouter) IndexWorkspace(ctx context.Context) error {
	ctx, span := startRouterSpan(ctx, "IndexWorkspace")
	defer span.End()

	token := r.passToken.Add(1)
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.cancelMu.Lock()
	if r.cancelPass != nil {
		r.cancelPass()
	}
	r.cancelPass = cancel
	r.cancelMu.Unlock()

	rev := r.state.nextRevision()

	g, gctx := errgroup.WithContext(passCtx)
	g.SetLimit(snapshotConcurrency)
	for i := range r.sourceRoots {
		shardID := protocol.ShardID(i)
		root := r.sourceRoots[i]
		g.Go(func() error {
			return r.indexShardPass(gctx, token, rev, shardID, root)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("index workspace at revision %d: %w", rev, err)
	}
	r.logger.Info("workspace indexed",
		slog.Uint64("revision", uint64(rev)),
		slog.Int("symbols", r.state.global.SymbolCount()),
	)
	return nil
}

// indexShardPass rebuilds one shard for the pass identified by token.
// The token is checked before any work and again before publishing, so
// a pass that lost to a newer one publishes nothing.
func (r *InProcessRouter) indexShardPass(ctx context.Context, token uint64, rev protocol.Revision, shardID protocol.ShardID, root string) error {
	if r.passToken.Load() != token {
		return ErrSuperseded
	}

	paths, err := CollectJavaFiles(ctx, root)
	if err != nil {
		return fmt.Errorf("shard %d walk: %w", shardID, err)
	}
	files, err := readFileTexts(ctx, paths, r.logger)
	if err != nil {
		return err
	}

	index, err := r.indexers[shardID].IndexShard(ctx, rev, files)
	if err != nil {
		return fmt.Errorf("shard %d index: %w", shardID, err)
	}

	if r.passToken.Load() != token {
		return ErrSuperseded
	}
	r.state.applyShardIndex(index)
	return nil
}

// UpdateFile reindexes one file on its owning shard. Updates do not
// supersede full passes; staleness is resolved by revision when the
// results are applied.
func (r *InProcessRouter) UpdateFile(ctx context.Context, path, text string) error {
	ctx, span := startRouterSpan(ctx, "UpdateFile")
	defer span.End()

	shardID, ok := shardForPath(r.sourceRoots, path)
	if !ok {
		return fmt.Errorf("%w: %s is outside every source root", ErrUnknownShard, path)
	}

	rev := r.state.nextRevision()
	index, err := r.indexers[shardID].UpdateFile(ctx, rev, &protocol.FileText{Path: path, Text: text})
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}

	r.state.applyShardIndex(index)
	recordFileUpdate(ctx)
	return nil
}

// WorkspaceSymbols searches the merged global index.
func (r *InProcessRouter) WorkspaceSymbols(ctx context.Context, query string, limit int) []protocol.Symbol {
	_, span := startRouterSpan(ctx, "WorkspaceSymbols")
	defer span.End()
	return r.state.global.Search(query, limit)
}

// WorkerStats reports every shard indexer's state in shard order.
func (r *InProcessRouter) WorkerStats(ctx context.Context) ([]protocol.WorkerStats, error) {
	_, span := startRouterSpan(ctx, "WorkerStats")
	defer span.End()

	stats := make([]protocol.WorkerStats, 0, len(r.indexers))
	for _, indexer := range r.indexers {
		stats = append(stats, indexer.Stats())
	}
	return stats, nil
}

// SymbolCount reports the size of the current global index.
func (r *InProcessRouter) SymbolCount() int {
	return r.state.global.SymbolCount()
}

// Revision returns the current global revision counter.
func (r *InProcessRouter) Revision() protocol.Revision {
	return protocol.Revision(r.state.revision.Load())
}

// Shutdown cancels any in-flight pass and closes the cache. Idempotent.
func (r *InProcessRouter) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.cancelMu.Lock()
		if r.cancelPass != nil {
			r.cancelPass()
		}
		r.cancelMu.Unlock()

		if r.cache != nil {
			if err := r.cache.Close(); err != nil {
				r.logger.Warn("index cache close", slog.String("error", err.Error()))
			}
		}
	})
	return nil
}
