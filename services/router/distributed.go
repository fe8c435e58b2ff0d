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
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/storage"
	"github.com/AleutianAI/AleutianIndex/services/router/transport"
)

// Handshake and shutdown timing.
const (
	handshakeTimeout = 10 * time.Second

	// shutdownJoinTimeout bounds how long Shutdown waits for worker
	// connections to drain.
	shutdownJoinTimeout = 1 * time.Second

	// snapshotConcurrency bounds how many shards read their source
	// trees at once during a workspace index pass.
	snapshotConcurrency = 2
)

// ===== DISTRIBUTED ROUTER =====

// DistributedRouter owns the worker listener, one supervisor per shard
// when spawning is enabled, the per-shard index state and the merged
// global symbol index.
//
// Thread Safety: all exported methods are safe for concurrent use.
type DistributedRouter struct {
	cfg    DistributedConfig
	logger *slog.Logger
	state  *routerState
	cache  *storage.IndexCache

	listener *transport.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handshakeSem *semaphore.Weighted
	snapshotSem  *semaphore.Weighted
	connCount    atomic.Int64

	shutdownOnce sync.Once
	shuttingDown atomic.Bool
}

// NewDistributedRouter validates cfg, opens the index cache, binds the
// listener and starts the accept loop and shard supervisors. The router
// serves cached symbols immediately; workers attach asynchronously.
func NewDistributedRouter(cfg DistributedConfig) (*DistributedRouter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.logger().With(slog.String("component", "router"))

	addr, err := cfg.Addr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var tlsCfg *tls.Config
	if addr.Scheme == transport.SchemeTCPTLS {
		requireClientCert := cfg.Fingerprints.Configured()
		tlsCfg, err = transport.ServerTLSConfig(
			cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile, requireClientCert)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	cache, err := storage.Open(storage.DefaultConfig(filepath.Join(cfg.CacheDir, "router")))
	if err != nil {
		return nil, fmt.Errorf("open index cache: %w", err)
	}

	listener, err := transport.Listen(addr, transport.Options{TLS: tlsCfg})
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &DistributedRouter{
		cfg:          cfg,
		logger:       logger,
		state:        newRouterState(cfg.NumShards(), cache, logger),
		cache:        cache,
		listener:     listener,
		ctx:          ctx,
		cancel:       cancel,
		handshakeSem: semaphore.NewWeighted(int64(cfg.MaxInflightHandshakes)),
		snapshotSem:  semaphore.NewWeighted(snapshotConcurrency),
	}

	r.state.rehydrate()

	r.wg.Add(1)
	go r.acceptLoop()

	if cfg.SpawnWorkers {
		for i := 0; i < cfg.NumShards(); i++ {
			shardID := protocol.ShardID(i)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.superviseWorker(ctx, shardID)
			}()
		}
	}

	logger.Info("router listening",
		slog.String("addr", addr.String()),
		slog.Int("shards", cfg.NumShards()),
		slog.Bool("spawn_workers", cfg.SpawnWorkers),
	)
	return r, nil
}

// Addr returns the bound listen address.
func (r *DistributedRouter) Addr() transport.Addr {
	return r.listener.Addr()
}

// ===== ACCEPT AND HANDSHAKE =====

func (r *DistributedRouter) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if r.connCount.Load() >= int64(r.cfg.MaxWorkerConnections) {
			r.logger.Warn("rejecting connection, worker limit reached",
				slog.Int("limit", r.cfg.MaxWorkerConnections))
			conn.Close()
			continue
		}

		if !r.handshakeSem.TryAcquire(1) {
			r.logger.Warn("rejecting connection, handshake limit reached",
				slog.Int("limit", r.cfg.MaxInflightHandshakes))
			conn.Close()
			continue
		}

		r.connCount.Add(1)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConnection(conn)
		}()
	}
}

// handleConnection performs the handshake and, on success, binds the
// worker and babysits it until disconnect.
func (r *DistributedRouter) handleConnection(conn *transport.Conn) {
	handle, err := r.admitWorker(conn)
	r.handshakeSem.Release(1)
	if err != nil {
		r.connCount.Add(-1)
		conn.Close()
		if !errors.Is(err, context.Canceled) {
			r.logger.Info("worker handshake rejected",
				slog.String("error", err.Error()))
		}
		return
	}

	recordWorkerConnected(r.ctx, 1)
	r.logger.Info("worker connected",
		slog.Uint64("worker_id", uint64(handle.ID())),
		slog.Uint64("shard_id", uint64(handle.ShardID())),
	)

	r.warmWorker(handle)

	select {
	case <-handle.Done():
	case <-r.ctx.Done():
		handle.Close(ErrShuttingDown)
	}

	r.state.unbindWorker(handle)
	r.connCount.Add(-1)
	recordWorkerConnected(context.Background(), -1)
	r.logger.Info("worker disconnected",
		slog.Uint64("worker_id", uint64(handle.ID())),
		slog.Uint64("shard_id", uint64(handle.ShardID())),
	)
}

// admitWorker runs the handshake. Checks run in a fixed order so an
// unauthenticated caller cannot learn shard topology without first
// presenting a valid token and certificate.
func (r *DistributedRouter) admitWorker(conn *transport.Conn) (*WorkerHandle, error) {
	ctx, cancel := context.WithTimeout(r.ctx, handshakeTimeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := conn.Handshake(ctx); err != nil {
		return nil, fmt.Errorf("transport handshake: %w", err)
	}

	var hello protocol.WorkerHello
	if err := protocol.ReadMessage(conn, &hello, protocol.MaxHelloBytes); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	if hello.ProtocolVersion != protocol.ProtocolVersion {
		return nil, r.reject(conn, protocol.RejectIncompatible,
			fmt.Sprintf("protocol version %d, router speaks %d",
				hello.ProtocolVersion, protocol.ProtocolVersion))
	}

	if r.cfg.AuthToken != "" {
		if subtle.ConstantTimeCompare([]byte(hello.AuthToken), []byte(r.cfg.AuthToken)) != 1 {
			return nil, r.reject(conn, protocol.RejectUnauthorized, "invalid auth token")
		}
	}

	if r.cfg.Fingerprints.RequiredFor(hello.ShardID) {
		fp := conn.Identity().TLSFingerprint
		if fp == "" || !r.cfg.Fingerprints.Allowed(hello.ShardID, fp) {
			return nil, r.reject(conn, protocol.RejectUnauthorized,
				"client certificate not allowed for shard")
		}
	}

	if _, ok := r.state.shardFor(hello.ShardID); !ok {
		return nil, r.reject(conn, protocol.RejectUnknownShard,
			fmt.Sprintf("shard %d not in layout of %d shards",
				hello.ShardID, r.cfg.NumShards()))
	}

	// The handle's read loop parks on the connection immediately; the
	// handshake deadline must not apply to it.
	conn.SetDeadline(time.Time{})
	handle := newWorkerHandle(r.state.assignWorkerID(), hello.ShardID, conn, r.logger)
	if err := r.state.bindWorker(handle); err != nil {
		// The handle's writer loop is already running; close it without
		// tearing down state it never owned.
		rejErr := r.reject(conn, protocol.RejectDuplicateShard, err.Error())
		handle.Close(err)
		return nil, rejErr
	}

	if idx := hello.CachedIndex; idx != nil && idx.ShardID == hello.ShardID {
		// The worker's persisted index from a previous session. Install
		// it now and fold its revision into the counter so new
		// operations outrank it.
		if r.state.applyShardIndex(idx) {
			r.state.fastForwardRevision(idx.Revision)
			r.logger.Info("installed worker cached index",
				slog.Uint64("shard_id", uint64(idx.ShardID)),
				slog.Uint64("revision", uint64(idx.Revision)),
				slog.Int("symbols", len(idx.Symbols)),
			)
		}
	}

	welcome := protocol.HelloReply{Welcome: &protocol.RouterWelcome{
		WorkerID:        handle.ID(),
		ShardID:         handle.ShardID(),
		Revision:        protocol.Revision(r.state.revision.Load()),
		ProtocolVersion: protocol.ProtocolVersion,
	}}
	if err := protocol.WriteMessage(conn, welcome); err != nil {
		r.state.unbindWorker(handle)
		handle.Close(err)
		return nil, fmt.Errorf("write welcome: %w", err)
	}
	return handle, nil
}

// reject writes the refusal frame on a best-effort basis and returns an
// error describing it. The caller closes the connection.
func (r *DistributedRouter) reject(conn net.Conn, code protocol.RejectCode, message string) error {
	recordHandshakeRejected(r.ctx, string(code))
	reply := protocol.HelloReply{Reject: &protocol.HandshakeReject{
		Code:    code,
		Message: message,
	}}
	if err := protocol.WriteMessage(conn, reply); err != nil {
		r.logger.Debug("writing handshake reject failed",
			slog.String("error", err.Error()))
	}
	return fmt.Errorf("rejected worker: %s: %s", code, message)
}

// warmWorker preloads a freshly connected worker's file set when the
// shard has been indexed before, so single-file updates work without
// waiting for the next full pass.
func (r *DistributedRouter) warmWorker(handle *WorkerHandle) {
	if _, ok := r.state.installedIndex(handle.ShardID()); !ok {
		return
	}
	root := r.cfg.SourceRoots[handle.ShardID()]

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		paths, err := CollectJavaFiles(r.ctx, root)
		if err != nil {
			r.logger.Warn("warm load walk failed",
				slog.Uint64("shard_id", uint64(handle.ShardID())),
				slog.String("error", err.Error()))
			return
		}
		files, err := readFileTexts(r.ctx, paths, r.logger)
		if err != nil {
			return
		}
		req := protocol.Request{Kind: protocol.RequestLoadFiles, Files: files}
		if err := handle.Notify(r.ctx, req); err != nil {
			r.logger.Debug("warm load notify failed",
				slog.Uint64("shard_id", uint64(handle.ShardID())),
				slog.String("error", err.Error()))
		}
	}()
}

// ===== OPERATIONS =====

// IndexWorkspace snapshots every source root and fans a full reindex
// out to the shard workers. The revision is claimed before any work,
// and stale results are dropped at application time, so overlapping
// passes converge on the newest one's output.
func (r *DistributedRouter) IndexWorkspace(ctx context.Context) error {
	if r.shuttingDown.Load() {
		return ErrShuttingDown
	}
	ctx, span := startRouterSpan(ctx, "IndexWorkspace")
	defer span.End()

	started := time.Now()
	rev := r.state.nextRevision()
	span.SetAttributes(attribute.Int64("revision", int64(rev)))

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.SourceRoots {
		shardID := protocol.ShardID(i)
		root := r.cfg.SourceRoots[i]
		g.Go(func() error {
			return r.indexShard(gctx, shardID, root, rev)
		})
	}

	err := g.Wait()
	recordIndexRun(ctx, time.Since(started), err == nil)
	if err != nil {
		return fmt.Errorf("index workspace at revision %d: %w", rev, err)
	}
	r.logger.Info("workspace indexed",
		slog.Uint64("revision", uint64(rev)),
		slog.Duration("took", time.Since(started)),
		slog.Int("symbols", r.state.global.SymbolCount()),
	)
	return nil
}

func (r *DistributedRouter) indexShard(ctx context.Context, shardID protocol.ShardID, root string, rev protocol.Revision) error {
	worker, err := r.state.waitForWorker(ctx, shardID)
	if err != nil {
		return fmt.Errorf("shard %d: %w", shardID, err)
	}

	if err := r.snapshotSem.Acquire(ctx, 1); err != nil {
		return err
	}
	paths, err := CollectJavaFiles(ctx, root)
	if err == nil {
		var files []protocol.FileText
		files, err = readFileTexts(ctx, paths, r.logger)
		if err == nil {
			r.snapshotSem.Release(1)
			return r.dispatchIndexShard(ctx, worker, rev, files)
		}
	}
	r.snapshotSem.Release(1)
	return fmt.Errorf("shard %d snapshot: %w", shardID, err)
}

func (r *DistributedRouter) dispatchIndexShard(ctx context.Context, worker *WorkerHandle, rev protocol.Revision, files []protocol.FileText) error {
	resp, err := worker.Request(ctx, protocol.Request{
		Kind:     protocol.RequestIndexShard,
		Revision: rev,
		Files:    files,
	})
	if err != nil {
		return fmt.Errorf("shard %d: %w", worker.ShardID(), err)
	}
	if resp.Kind != protocol.ResponseShardIndex || resp.ShardIndex == nil {
		return fmt.Errorf("shard %d: %w: kind %q", worker.ShardID(), ErrWorkerResponse, resp.Kind)
	}
	if resp.ShardIndex.ShardID != worker.ShardID() {
		// The worker answered for a shard it does not own. Its state
		// cannot be trusted; drop the connection.
		err := fmt.Errorf("shard %d: %w: index for shard %d",
			worker.ShardID(), ErrWorkerResponse, resp.ShardIndex.ShardID)
		worker.Close(err)
		return err
	}

	r.state.applyShardIndex(resp.ShardIndex)
	return nil
}

// UpdateFile reindexes a single changed file on the shard owning it.
// The merged global index is republished with the worker's response.
func (r *DistributedRouter) UpdateFile(ctx context.Context, path, text string) error {
	if r.shuttingDown.Load() {
		return ErrShuttingDown
	}
	ctx, span := startRouterSpan(ctx, "UpdateFile")
	defer span.End()

	shardID, ok := shardForPath(r.cfg.SourceRoots, path)
	if !ok {
		return fmt.Errorf("%w: %s is outside every source root", ErrUnknownShard, path)
	}
	span.SetAttributes(attribute.Int("shard_id", int(shardID)))

	rev := r.state.nextRevision()
	worker, err := r.state.waitForWorker(ctx, shardID)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}

	resp, err := worker.Request(ctx, protocol.Request{
		Kind:     protocol.RequestUpdateFile,
		Revision: rev,
		File:     &protocol.FileText{Path: path, Text: text},
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if resp.Kind != protocol.ResponseShardIndex || resp.ShardIndex == nil {
		return fmt.Errorf("update %s: %w: kind %q", path, ErrWorkerResponse, resp.Kind)
	}
	if resp.ShardIndex.ShardID != shardID {
		err := fmt.Errorf("update %s: %w: index for shard %d, not %d",
			path, ErrWorkerResponse, resp.ShardIndex.ShardID, shardID)
		worker.Close(err)
		return err
	}

	r.state.applyShardIndex(resp.ShardIndex)
	recordFileUpdate(ctx)
	return nil
}

// WorkspaceSymbols searches the merged global index. Results are served
// from the last published snapshot without touching any worker.
func (r *DistributedRouter) WorkspaceSymbols(ctx context.Context, query string, limit int) []protocol.Symbol {
	_, span := startRouterSpan(ctx, "WorkspaceSymbols")
	defer span.End()

	started := time.Now()
	results := r.state.global.Search(query, limit)
	recordSearchLatency(ctx, time.Since(started))
	return results
}

// SymbolCount reports the size of the current global index.
func (r *DistributedRouter) SymbolCount() int {
	return r.state.global.SymbolCount()
}

// WorkerStats collects every shard's self-reported state in shard
// order, waiting for workers the same way indexing does. An unreachable
// shard fails the whole call.
func (r *DistributedRouter) WorkerStats(ctx context.Context) ([]protocol.WorkerStats, error) {
	if r.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	ctx, span := startRouterSpan(ctx, "WorkerStats")
	defer span.End()

	stats := make([]protocol.WorkerStats, 0, r.cfg.NumShards())
	for i := 0; i < r.cfg.NumShards(); i++ {
		shardID := protocol.ShardID(i)
		worker, err := r.state.waitForWorker(ctx, shardID)
		if err != nil {
			return nil, fmt.Errorf("shard %d stats: %w", shardID, err)
		}
		resp, err := worker.Request(ctx, protocol.Request{Kind: protocol.RequestGetWorkerStats})
		if err != nil {
			return nil, fmt.Errorf("shard %d stats: %w", shardID, err)
		}
		if resp.Kind != protocol.ResponseWorkerStats || resp.Stats == nil {
			return nil, fmt.Errorf("shard %d stats: %w: kind %q", shardID, ErrWorkerResponse, resp.Kind)
		}
		if resp.Stats.ShardID != shardID {
			err := fmt.Errorf("shard %d stats: %w: stats for shard %d",
				shardID, ErrWorkerResponse, resp.Stats.ShardID)
			worker.Close(err)
			return nil, err
		}
		stats = append(stats, *resp.Stats)
	}
	return stats, nil
}

// Revision returns the current global revision counter.
func (r *DistributedRouter) Revision() protocol.Revision {
	return protocol.Revision(r.state.revision.Load())
}

// ===== SHUTDOWN =====

// Shutdown stops the router: new operations fail fast, workers get a
// shutdown notification, and connection teardown is bounded rather than
// waited on indefinitely. Idempotent.
func (r *DistributedRouter) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shuttingDown.Store(true)
		r.logger.Info("router shutting down")

		// Ask workers to exit before their connections drop, so
		// supervised processes do not race a reconnect.
		for _, handle := range r.state.connectedWorkers() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), shutdownJoinTimeout)
			if err := handle.Notify(notifyCtx, protocol.Request{Kind: protocol.RequestShutdown}); err != nil {
				r.logger.Debug("shutdown notify failed",
					slog.Uint64("worker_id", uint64(handle.ID())),
					slog.String("error", err.Error()))
			}
			cancel()
		}

		r.cancel()
		if err := r.listener.Close(); err != nil {
			r.logger.Debug("listener close", slog.String("error", err.Error()))
		}

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownJoinTimeout):
			r.logger.Warn("shutdown join timed out, abandoning remaining connections")
		case <-ctx.Done():
		}

		if err := r.cache.Close(); err != nil {
			r.logger.Warn("index cache close", slog.String("error", err.Error()))
		}
	})
	return nil
}
