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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/storage"
	"github.com/AleutianAI/AleutianIndex/services/router/symbols"
)

// workerWaitTimeout bounds how long an operation waits for a worker to
// bind to its shard before failing with ErrWorkerUnavailable.
const workerWaitTimeout = 10 * time.Second

// shardState tracks the single worker bound to one shard.
type shardState struct {
	mu     sync.Mutex
	worker *WorkerHandle

	// notify is closed and replaced whenever a worker binds, waking
	// waiters parked in waitForWorker.
	notify chan struct{}
}

// routerState holds everything shared between the accept loop, the
// supervisors and the query surface.
type routerState struct {
	logger *slog.Logger
	cache  *storage.IndexCache
	global *symbols.GlobalIndex

	shards []*shardState

	// revision counts mutating operations. Bumped once per operation,
	// before any shard work starts, so a later operation's results
	// always carry a larger revision than an earlier one's.
	revision atomic.Uint64

	// nextWorkerID hands out worker ids at handshake time.
	nextWorkerID atomic.Uint64

	// updateID orders global index publications.
	updateID atomic.Uint64

	// indexMu guards indexes, the newest accepted index per shard.
	indexMu sync.Mutex
	indexes map[protocol.ShardID]*protocol.ShardIndex
}

func newRouterState(numShards int, cache *storage.IndexCache, logger *slog.Logger) *routerState {
	shards := make([]*shardState, numShards)
	for i := range shards {
		shards[i] = &shardState{notify: make(chan struct{})}
	}
	return &routerState{
		logger:  logger,
		cache:   cache,
		global:  symbols.NewGlobalIndex(),
		shards:  shards,
		indexes: make(map[protocol.ShardID]*protocol.ShardIndex, numShards),
	}
}

func (s *routerState) shardFor(id protocol.ShardID) (*shardState, bool) {
	if int(id) >= len(s.shards) {
		return nil, false
	}
	return s.shards[id], true
}

// nextRevision bumps the global revision counter and returns the new
// value. Called exactly once per mutating operation, before any work.
func (s *routerState) nextRevision() protocol.Revision {
	return protocol.Revision(s.revision.Add(1))
}

// assignWorkerID hands out a fresh monotonic worker id.
func (s *routerState) assignWorkerID() protocol.WorkerID {
	return protocol.WorkerID(s.nextWorkerID.Add(1))
}

// ===== WORKER BINDING =====

// bindWorker installs handle as the shard's worker. It fails when a
// live worker is already bound; a dead handle still occupying the slot
// is evicted first.
func (s *routerState) bindWorker(handle *WorkerHandle) error {
	shard, ok := s.shardFor(handle.ShardID())
	if !ok {
		return ErrUnknownShard
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.worker != nil {
		select {
		case <-shard.worker.Done():
			shard.worker = nil
		default:
			return ErrDuplicateWorker
		}
	}

	shard.worker = handle
	close(shard.notify)
	shard.notify = make(chan struct{})
	return nil
}

// unbindWorker clears the shard's binding, but only if handle still
// owns it. A stale disconnect must not evict a replacement worker.
func (s *routerState) unbindWorker(handle *WorkerHandle) {
	shard, ok := s.shardFor(handle.ShardID())
	if !ok {
		return
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.worker == handle {
		shard.worker = nil
	}
}

// liveWorker returns the shard's worker if one is bound and alive.
func (s *routerState) liveWorker(id protocol.ShardID) (*WorkerHandle, bool) {
	shard, ok := s.shardFor(id)
	if !ok {
		return nil, false
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.worker == nil {
		return nil, false
	}
	select {
	case <-shard.worker.Done():
		return nil, false
	default:
		return shard.worker, true
	}
}

// waitForWorker blocks until a worker binds to the shard, the timeout
// elapses or ctx is canceled. Workers restart under supervision, so a
// short wait papers over a crash mid-operation.
func (s *routerState) waitForWorker(ctx context.Context, id protocol.ShardID) (*WorkerHandle, error) {
	shard, ok := s.shardFor(id)
	if !ok {
		return nil, ErrUnknownShard
	}

	timer := time.NewTimer(workerWaitTimeout)
	defer timer.Stop()

	for {
		shard.mu.Lock()
		worker := shard.worker
		notify := shard.notify
		shard.mu.Unlock()

		if worker != nil {
			select {
			case <-worker.Done():
				// Fall through and wait for a replacement.
			default:
				return worker, nil
			}
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil, ErrWorkerUnavailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// connectedWorkers snapshots the currently bound, live handles.
func (s *routerState) connectedWorkers() []*WorkerHandle {
	var handles []*WorkerHandle
	for i := range s.shards {
		if worker, ok := s.liveWorker(protocol.ShardID(i)); ok {
			handles = append(handles, worker)
		}
	}
	return handles
}

// ===== INDEX APPLICATION =====

// applyShardIndex installs a shard's index and republishes the merged
// global symbol index. Results from a superseded operation are dropped:
// an index is accepted only when its (revision, generation) pair is at
// least the installed one's. Returns whether the index was applied.
func (s *routerState) applyShardIndex(idx *protocol.ShardIndex) bool {
	s.indexMu.Lock()

	if existing, ok := s.indexes[idx.ShardID]; ok {
		stale := idx.Revision < existing.Revision ||
			(idx.Revision == existing.Revision && idx.IndexGeneration < existing.IndexGeneration)
		if stale {
			s.indexMu.Unlock()
			s.logger.Debug("dropping stale shard index",
				slog.Uint64("shard_id", uint64(idx.ShardID)),
				slog.Uint64("revision", uint64(idx.Revision)),
				slog.Uint64("installed_revision", uint64(existing.Revision)),
			)
			return false
		}
	}

	s.indexes[idx.ShardID] = idx
	perShard := make([]*protocol.ShardIndex, 0, len(s.indexes))
	for _, installed := range s.indexes {
		perShard = append(perShard, installed)
	}
	updateID := s.updateID.Add(1)
	s.indexMu.Unlock()

	s.global.Replace(symbols.BuildGlobalSymbols(perShard), updateID)

	if s.cache != nil {
		if err := s.cache.Put(idx); err != nil {
			s.logger.Warn("persisting shard index failed",
				slog.Uint64("shard_id", uint64(idx.ShardID)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Debug("applied shard index",
		slog.Uint64("shard_id", uint64(idx.ShardID)),
		slog.Uint64("revision", uint64(idx.Revision)),
		slog.Int("symbols", len(idx.Symbols)),
	)
	return true
}

// installedIndex returns the newest accepted index for a shard.
func (s *routerState) installedIndex(id protocol.ShardID) (*protocol.ShardIndex, bool) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	idx, ok := s.indexes[id]
	return idx, ok
}

// fastForwardRevision raises the revision counter to at least rev, so
// new operations outrank indexes that arrived from a cache or a
// reconnecting worker.
func (s *routerState) fastForwardRevision(rev protocol.Revision) {
	for {
		cur := s.revision.Load()
		if cur >= uint64(rev) || s.revision.CompareAndSwap(cur, uint64(rev)) {
			return
		}
	}
}

// rehydrate loads persisted shard indexes from the cache so symbol
// search works before any worker reconnects.
func (s *routerState) rehydrate() {
	if s.cache == nil {
		return
	}

	cached, err := s.cache.All()
	if err != nil {
		s.logger.Warn("loading cached shard indexes failed",
			slog.String("error", err.Error()))
		return
	}
	if len(cached) == 0 {
		return
	}

	var maxRev protocol.Revision
	for _, idx := range cached {
		if int(idx.ShardID) >= len(s.shards) {
			// Shard layout shrank since the cache was written.
			continue
		}
		s.applyShardIndex(idx)
		if idx.Revision > maxRev {
			maxRev = idx.Revision
		}
	}
	s.fastForwardRevision(maxRev)

	s.logger.Info("rehydrated shard indexes from cache",
		slog.Int("shards", len(cached)),
		slog.Uint64("revision", uint64(maxRev)),
	)
}
