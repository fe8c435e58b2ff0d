// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the framed wire protocol spoken between the
// router and its shard workers.
//
// The protocol is lockstep: the router writes one request frame and, for
// request kinds that expect a reply, reads exactly one response frame
// before writing the next request. Notifications produce no reply.
// Payloads are JSON; frames carry a 4-byte little-endian length prefix.
package protocol

import (
	"log/slog"
)

// ProtocolVersion is the single version this router speaks. A hello
// carrying a different version is rejected as incompatible.
const ProtocolVersion uint32 = 1

// ShardID identifies a shard within one router.
type ShardID uint32

// Revision is the router's monotonic global revision counter.
type Revision uint64

// WorkerID identifies one worker session. IDs are never reused within a
// router's lifetime, which lets cleanup distinguish a stale session from
// a reconnected one.
type WorkerID uint64

// FileText is a workspace file shipped to a worker.
type FileText struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// Symbol is one indexed declaration.
type Symbol struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// Line and Column are the 0-based position of the declaring
	// identifier. Zero when the producer does not track positions.
	Line   uint32 `json:"line,omitempty"`
	Column uint32 `json:"column,omitempty"`
}

// ShardIndex is the full symbol listing for one shard. Workers always
// send complete replacements, never deltas.
type ShardIndex struct {
	ShardID         ShardID  `json:"shard_id"`
	Revision        Revision `json:"revision"`
	IndexGeneration uint64   `json:"index_generation"`
	Symbols         []Symbol `json:"symbols"`
}

// WorkerStats is a worker's self-reported state.
type WorkerStats struct {
	ShardID         ShardID  `json:"shard_id"`
	Revision        Revision `json:"revision"`
	IndexGeneration uint64   `json:"index_generation"`
	FileCount       uint32   `json:"file_count"`
	SymbolCount     uint32   `json:"symbol_count"`
}

// ===== HANDSHAKE =====

// WorkerHello is the first frame a worker sends after connecting.
type WorkerHello struct {
	ShardID         ShardID `json:"shard_id"`
	AuthToken       string  `json:"auth_token,omitempty"`
	ProtocolVersion uint32  `json:"protocol_version"`

	// CachedIndex carries the worker's persisted index, when it has one
	// that fits the hello frame. The router installs it immediately so
	// cached symbols are searchable before the first index pass.
	CachedIndex *ShardIndex `json:"cached_index,omitempty"`
}

// LogValue keeps the auth token out of logs.
func (h WorkerHello) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("shard_id", uint64(h.ShardID)),
		slog.Bool("auth_present", h.AuthToken != ""),
		slog.Uint64("protocol_version", uint64(h.ProtocolVersion)),
		slog.Bool("cached_index", h.CachedIndex != nil),
	)
}

// RejectCode classifies a handshake rejection.
type RejectCode string

const (
	RejectUnauthorized   RejectCode = "unauthorized"
	RejectUnknownShard   RejectCode = "unknown_shard"
	RejectDuplicateShard RejectCode = "duplicate_shard"
	RejectIncompatible   RejectCode = "incompatible"
	RejectInvalidRequest RejectCode = "invalid_request"
)

// RouterWelcome completes a successful handshake.
type RouterWelcome struct {
	WorkerID        WorkerID `json:"worker_id"`
	ShardID         ShardID  `json:"shard_id"`
	Revision        Revision `json:"revision"`
	ProtocolVersion uint32   `json:"protocol_version"`
}

// HandshakeReject tells the worker why it was refused. The connection is
// closed immediately after this frame.
type HandshakeReject struct {
	Code    RejectCode `json:"code"`
	Message string     `json:"message"`
}

// HelloReply is the router's answer to a WorkerHello. Exactly one of the
// two fields is set.
type HelloReply struct {
	Welcome *RouterWelcome   `json:"welcome,omitempty"`
	Reject  *HandshakeReject `json:"reject,omitempty"`
}

// ===== REQUESTS =====

// RequestKind discriminates request frames.
type RequestKind string

const (
	// RequestIndexShard replaces the worker's file set and asks for a
	// fresh shard index. Expects a ShardIndex response.
	RequestIndexShard RequestKind = "index_shard"

	// RequestUpdateFile upserts one file. Expects a ShardIndex response.
	RequestUpdateFile RequestKind = "update_file"

	// RequestLoadFiles warms the worker's file set without reindexing.
	// Notification; no response.
	RequestLoadFiles RequestKind = "load_files"

	// RequestGetWorkerStats expects a WorkerStats response.
	RequestGetWorkerStats RequestKind = "get_worker_stats"

	// RequestShutdown asks the worker to exit. Notification; no response.
	RequestShutdown RequestKind = "shutdown"
)

// Request is a router-to-worker frame.
type Request struct {
	Kind     RequestKind `json:"type"`
	Revision Revision    `json:"revision,omitempty"`
	Files    []FileText  `json:"files,omitempty"`
	File     *FileText   `json:"file,omitempty"`
}

// ExpectsResponse reports whether the lockstep discipline requires the
// router to read one response frame after writing this request.
func (r *Request) ExpectsResponse() bool {
	switch r.Kind {
	case RequestLoadFiles, RequestShutdown:
		return false
	default:
		return true
	}
}

// ===== RESPONSES =====

// ResponseKind discriminates response frames.
type ResponseKind string

const (
	ResponseShardIndex  ResponseKind = "shard_index"
	ResponseWorkerStats ResponseKind = "worker_stats"
	ResponseError       ResponseKind = "error"
)

// Response is a worker-to-router frame. The field matching Kind is set.
type Response struct {
	Kind       ResponseKind `json:"type"`
	ShardIndex *ShardIndex  `json:"shard_index,omitempty"`
	Stats      *WorkerStats `json:"worker_stats,omitempty"`
	Error      string       `json:"error,omitempty"`
}
