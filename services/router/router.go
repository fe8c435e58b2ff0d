// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router coordinates Java workspace indexing across shards.
//
// A workspace is split into shards, one per configured source root.
// Each shard's files are parsed into symbol listings, which the router
// merges into a single searchable global index. Two arrangements share
// the same semantics: DistributedRouter farms parsing out to worker
// processes over a framed lockstep protocol, while InProcessRouter
// parses in the caller's process.
package router

import (
	"context"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// QueryRouter is the operation surface shared by the distributed and
// in-process routers.
type QueryRouter interface {
	// IndexWorkspace rebuilds every shard's index from the source roots.
	IndexWorkspace(ctx context.Context) error

	// UpdateFile reindexes one file on the shard owning it.
	UpdateFile(ctx context.Context, path, text string) error

	// WorkspaceSymbols searches the merged global index.
	WorkspaceSymbols(ctx context.Context, query string, limit int) []protocol.Symbol

	// WorkerStats reports every shard's self-reported indexer state in
	// shard order. Any unreachable shard fails the whole call.
	WorkerStats(ctx context.Context) ([]protocol.WorkerStats, error)

	// SymbolCount reports the size of the current global index.
	SymbolCount() int

	// Revision returns the current global revision counter.
	Revision() protocol.Revision

	// Shutdown stops the router. Idempotent.
	Shutdown(ctx context.Context) error
}

var (
	_ QueryRouter = (*DistributedRouter)(nil)
	_ QueryRouter = (*InProcessRouter)(nil)
)
