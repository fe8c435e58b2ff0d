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
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/storage"
	"github.com/AleutianAI/AleutianIndex/services/router/transport"
)

// AuthTokenEnv is the environment variable the worker reads its
// handshake token from.
const AuthTokenEnv = "ALEUTIAN_WORKER_TOKEN"

// ErrRejected is returned when the router refuses the handshake.
var ErrRejected = errors.New("handshake rejected")

// TLSClientOptions holds the PEM material for tcp+tls connections.
type TLSClientOptions struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Options configures a worker session.
type Options struct {
	// Connect is the router's scheme-prefixed address.
	Connect string

	ShardID protocol.ShardID

	// CacheDir, when set, persists the worker's latest index under a
	// per-shard subdirectory.
	CacheDir string

	// AuthToken defaults to the AuthTokenEnv environment variable.
	AuthToken string

	TLS *TLSClientOptions

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Run connects to the router, completes the handshake and serves
// requests until the router sends a shutdown, the connection drops or
// ctx is canceled. Supervised workers are restarted by the router, so
// Run makes no reconnect attempts of its own.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("component", "worker"),
		slog.Uint64("shard_id", uint64(opts.ShardID)),
	)

	token := opts.AuthToken
	if token == "" {
		token = os.Getenv(AuthTokenEnv)
	}

	addr, err := transport.ParseAddr(opts.Connect)
	if err != nil {
		return fmt.Errorf("connect address: %w", err)
	}

	var tlsCfg *tls.Config
	if addr.Scheme == transport.SchemeTCPTLS {
		if opts.TLS == nil {
			return transport.ErrMissingTLSConfig
		}
		tlsCfg, err = transport.ClientTLSConfig(
			opts.TLS.CertFile, opts.TLS.KeyFile, opts.TLS.CAFile, opts.TLS.ServerName)
		if err != nil {
			return err
		}
	}

	var cache *storage.IndexCache
	if opts.CacheDir != "" {
		path := filepath.Join(opts.CacheDir, fmt.Sprintf("worker-%d", opts.ShardID))
		cache, err = storage.Open(storage.DefaultConfig(path))
		if err != nil {
			logger.Warn("opening worker cache failed, continuing without",
				slog.String("error", err.Error()))
		} else {
			defer cache.Close()
		}
	}

	conn, err := transport.Dial(ctx, addr, transport.Options{TLS: tlsCfg})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	hello := buildHello(opts.ShardID, token, loadCachedIndex(cache, opts.ShardID, logger))
	welcome, err := handshake(conn, hello)
	if err != nil {
		return err
	}
	logger.Info("connected to router",
		slog.Uint64("worker_id", uint64(welcome.WorkerID)),
		slog.Uint64("revision", uint64(welcome.Revision)),
	)

	session := &session{
		indexer: NewShardIndexer(opts.ShardID, logger),
		cache:   cache,
		logger:  logger,
	}
	return session.serve(ctx, conn)
}

// loadCachedIndex reads the index persisted by a previous session, so
// a reconnecting worker can hand the router its last known state.
func loadCachedIndex(cache *storage.IndexCache, shardID protocol.ShardID, logger *slog.Logger) *protocol.ShardIndex {
	if cache == nil {
		return nil
	}
	index, err := cache.Get(shardID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("loading cached index failed", slog.String("error", err.Error()))
		}
		return nil
	}
	if index.ShardID != shardID {
		return nil
	}
	return index
}

// buildHello assembles the hello frame. A cached index that would push
// the frame past the hello size limit is left out; the router's own
// cache still covers the shard.
func buildHello(shardID protocol.ShardID, token string, cached *protocol.ShardIndex) protocol.WorkerHello {
	hello := protocol.WorkerHello{
		ShardID:         shardID,
		AuthToken:       token,
		ProtocolVersion: protocol.ProtocolVersion,
		CachedIndex:     cached,
	}
	if cached == nil {
		return hello
	}
	payload, err := json.Marshal(hello)
	if err != nil || len(payload) > protocol.MaxHelloBytes {
		hello.CachedIndex = nil
	}
	return hello
}

// handshake sends the hello and interprets the router's reply.
func handshake(conn net.Conn, hello protocol.WorkerHello) (*protocol.RouterWelcome, error) {
	if err := protocol.WriteMessage(conn, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var reply protocol.HelloReply
	if err := protocol.ReadMessage(conn, &reply, protocol.MaxHelloBytes); err != nil {
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	if reply.Reject != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, reply.Reject.Code, reply.Reject.Message)
	}
	if reply.Welcome == nil {
		return nil, fmt.Errorf("%w: empty hello reply", protocol.ErrInvalidMessage)
	}
	return reply.Welcome, nil
}

// session is one connected worker's request loop state.
type session struct {
	indexer *ShardIndexer
	cache   *storage.IndexCache
	logger  *slog.Logger
}

// serve handles requests in wire order until shutdown or disconnect.
func (s *session) serve(ctx context.Context, conn net.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req protocol.Request
		if err := protocol.ReadMessage(conn, &req, protocol.MaxFrameBytes); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("router closed connection")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if req.Kind == protocol.RequestShutdown {
			s.logger.Info("shutdown requested")
			return nil
		}

		resp, respond := s.handle(ctx, &req)
		if !respond {
			continue
		}
		if err := protocol.WriteMessage(conn, resp); err != nil {
			return fmt.Errorf("write %s response: %w", req.Kind, err)
		}
	}
}

// handle executes one request. The second return is false for
// notifications, which produce no frame.
func (s *session) handle(ctx context.Context, req *protocol.Request) (protocol.Response, bool) {
	switch req.Kind {
	case protocol.RequestIndexShard:
		index, err := s.indexer.IndexShard(ctx, req.Revision, req.Files)
		if err != nil {
			return errorResponse(err), true
		}
		s.persist(index)
		return protocol.Response{Kind: protocol.ResponseShardIndex, ShardIndex: index}, true

	case protocol.RequestUpdateFile:
		if req.File == nil {
			return errorResponse(fmt.Errorf("update_file without a file")), true
		}
		index, err := s.indexer.UpdateFile(ctx, req.Revision, req.File)
		if err != nil {
			return errorResponse(err), true
		}
		s.persist(index)
		return protocol.Response{Kind: protocol.ResponseShardIndex, ShardIndex: index}, true

	case protocol.RequestLoadFiles:
		s.indexer.LoadFiles(ctx, req.Files)
		s.logger.Debug("warm loaded files", slog.Int("count", len(req.Files)))
		return protocol.Response{}, false

	case protocol.RequestGetWorkerStats:
		stats := s.indexer.Stats()
		return protocol.Response{Kind: protocol.ResponseWorkerStats, Stats: &stats}, true

	default:
		return errorResponse(fmt.Errorf("unknown request kind %q", req.Kind)), true
	}
}

// persist writes the latest index to the worker's local cache.
func (s *session) persist(index *protocol.ShardIndex) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(index); err != nil {
		s.logger.Warn("persisting index failed", slog.String("error", err.Error()))
	}
}

func errorResponse(err error) protocol.Response {
	return protocol.Response{Kind: protocol.ResponseError, Error: err.Error()}
}
