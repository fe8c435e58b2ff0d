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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/storage"
)

func newIdleHandle(t *testing.T, shardID protocol.ShardID) *WorkerHandle {
	t.Helper()
	routerSide, workerSide := net.Pipe()
	t.Cleanup(func() { workerSide.Close() })

	handle := newWorkerHandle(protocol.WorkerID(time.Now().UnixNano()), shardID, routerSide, slog.Default())
	t.Cleanup(func() { handle.Close(nil) })
	return handle
}

func TestBindWorkerRejectsDuplicate(t *testing.T) {
	state := newRouterState(2, nil, slog.Default())

	first := newIdleHandle(t, 0)
	require.NoError(t, state.bindWorker(first))

	second := newIdleHandle(t, 0)
	require.ErrorIs(t, state.bindWorker(second), ErrDuplicateWorker)

	// A different shard is unaffected.
	other := newIdleHandle(t, 1)
	require.NoError(t, state.bindWorker(other))
}

func TestBindWorkerEvictsDeadHandle(t *testing.T) {
	state := newRouterState(1, nil, slog.Default())

	first := newIdleHandle(t, 0)
	require.NoError(t, state.bindWorker(first))
	first.Close(nil)

	replacement := newIdleHandle(t, 0)
	require.NoError(t, state.bindWorker(replacement))

	worker, ok := state.liveWorker(0)
	require.True(t, ok)
	assert.Same(t, replacement, worker)
}

func TestUnbindWorkerIgnoresStaleHandle(t *testing.T) {
	state := newRouterState(1, nil, slog.Default())

	first := newIdleHandle(t, 0)
	require.NoError(t, state.bindWorker(first))
	first.Close(nil)

	replacement := newIdleHandle(t, 0)
	require.NoError(t, state.bindWorker(replacement))

	// The dead session's cleanup must not evict its replacement.
	state.unbindWorker(first)

	worker, ok := state.liveWorker(0)
	require.True(t, ok)
	assert.Same(t, replacement, worker)
}

func TestBindWorkerUnknownShard(t *testing.T) {
	state := newRouterState(1, nil, slog.Default())
	handle := newIdleHandle(t, 5)
	require.ErrorIs(t, state.bindWorker(handle), ErrUnknownShard)
}

func TestWaitForWorkerWakesOnBind(t *testing.T) {
	state := newRouterState(1, nil, slog.Default())

	got := make(chan *WorkerHandle, 1)
	go func() {
		worker, err := state.waitForWorker(context.Background(), 0)
		if err == nil {
			got <- worker
		}
	}()

	handle := newIdleHandle(t, 0)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, state.bindWorker(handle))

	select {
	case worker := <-got:
		assert.Same(t, handle, worker)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitForWorkerHonorsContext(t *testing.T) {
	state := newRouterState(1, nil, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := state.waitForWorker(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRevisionMonotonic(t *testing.T) {
	state := newRouterState(1, nil, slog.Default())
	assert.Equal(t, protocol.Revision(1), state.nextRevision())
	assert.Equal(t, protocol.Revision(2), state.nextRevision())
	assert.Equal(t, protocol.WorkerID(1), state.assignWorkerID())
	assert.Equal(t, protocol.WorkerID(2), state.assignWorkerID())
}

func TestApplyShardIndexDropsStale(t *testing.T) {
	state := newRouterState(2, nil, slog.Default())

	applied := state.applyShardIndex(&protocol.ShardIndex{
		ShardID:         0,
		Revision:        5,
		IndexGeneration: 2,
		Symbols:         []protocol.Symbol{{Name: "Fresh", Path: "F.java"}},
	})
	require.True(t, applied)

	// Older revision loses.
	applied = state.applyShardIndex(&protocol.ShardIndex{
		ShardID:  0,
		Revision: 4,
		Symbols:  []protocol.Symbol{{Name: "Stale", Path: "S.java"}},
	})
	assert.False(t, applied)

	// Same revision, older generation loses.
	applied = state.applyShardIndex(&protocol.ShardIndex{
		ShardID:         0,
		Revision:        5,
		IndexGeneration: 1,
		Symbols:         []protocol.Symbol{{Name: "Stale", Path: "S.java"}},
	})
	assert.False(t, applied)

	// Equal pair is accepted.
	applied = state.applyShardIndex(&protocol.ShardIndex{
		ShardID:         0,
		Revision:        5,
		IndexGeneration: 2,
		Symbols:         []protocol.Symbol{{Name: "Fresh2", Path: "F.java"}},
	})
	assert.True(t, applied)

	results := state.global.Search("Fresh2", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "Fresh2", results[0].Name)
}

func TestApplyShardIndexMergesShards(t *testing.T) {
	state := newRouterState(2, nil, slog.Default())

	state.applyShardIndex(&protocol.ShardIndex{
		ShardID: 0, Revision: 1,
		Symbols: []protocol.Symbol{{Name: "Alpha", Path: "a/A.java"}},
	})
	state.applyShardIndex(&protocol.ShardIndex{
		ShardID: 1, Revision: 1,
		Symbols: []protocol.Symbol{{Name: "Beta", Path: "b/B.java"}},
	})

	assert.Equal(t, 2, state.global.SymbolCount())
	assert.Len(t, state.global.Search("Alpha", 10), 1)
	assert.Len(t, state.global.Search("Beta", 10), 1)
}

func TestRehydrateRestoresFromCache(t *testing.T) {
	cache, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put(&protocol.ShardIndex{
		ShardID:  0,
		Revision: 7,
		Symbols:  []protocol.Symbol{{Name: "Cached", Path: "C.java"}},
	}))

	state := newRouterState(1, cache, slog.Default())
	state.rehydrate()

	assert.Equal(t, 1, state.global.SymbolCount())

	// New operations must outrank the cached revision.
	assert.Equal(t, protocol.Revision(8), state.nextRevision())
}

func TestRehydrateSkipsOutOfLayoutShards(t *testing.T) {
	cache, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put(&protocol.ShardIndex{
		ShardID:  3,
		Revision: 2,
		Symbols:  []protocol.Symbol{{Name: "Orphan", Path: "O.java"}},
	}))

	state := newRouterState(1, cache, slog.Default())
	state.rehydrate()

	assert.Equal(t, 0, state.global.SymbolCount())
}
