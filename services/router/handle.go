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
	"net"
	"sync"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// workerQueueDepth bounds how many operations may queue behind a slow
// worker before callers block.
const workerQueueDepth = 64

// queuedOp is one request or notification awaiting the writer loop.
// reply is nil for notifications; consumed is closed by the read loop
// once the response has been taken off the wire.
type queuedOp struct {
	req      protocol.Request
	reply    chan opResult
	consumed chan struct{}
}

type opResult struct {
	resp protocol.Response
	err  error
}

// ===== WORKER HANDLE =====

// WorkerHandle owns one worker connection. The wire protocol is
// lockstep: the writer goroutine sends each queued operation and, when
// the operation expects a response, waits until the read loop has
// consumed exactly one frame for it before touching the next operation.
// Ordering on the wire therefore matches queue order, and responses can
// never be misattributed. The read loop is always parked on the
// connection, so a worker dropping off is noticed immediately, not at
// the next operation.
//
// Thread Safety: all methods are safe for concurrent use.
type WorkerHandle struct {
	id      protocol.WorkerID
	shardID protocol.ShardID
	conn    net.Conn
	logger  *slog.Logger

	queue   chan *queuedOp
	pending chan *queuedOp

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.Mutex
	closeErr error
}

// newWorkerHandle wraps an authenticated connection and starts its
// writer and reader loops. The handle owns conn from this point on.
func newWorkerHandle(id protocol.WorkerID, shardID protocol.ShardID, conn net.Conn, logger *slog.Logger) *WorkerHandle {
	h := &WorkerHandle{
		id:      id,
		shardID: shardID,
		conn:    conn,
		logger: logger.With(
			slog.Uint64("worker_id", uint64(id)),
			slog.Uint64("shard_id", uint64(shardID)),
		),
		queue:   make(chan *queuedOp, workerQueueDepth),
		pending: make(chan *queuedOp, workerQueueDepth),
		closed:  make(chan struct{}),
	}
	go h.writeLoop()
	go h.readLoop()
	return h
}

// ID returns the router-assigned worker id.
func (h *WorkerHandle) ID() protocol.WorkerID { return h.id }

// ShardID returns the shard this worker is bound to.
func (h *WorkerHandle) ShardID() protocol.ShardID { return h.shardID }

// Done is closed once the handle has shut down.
func (h *WorkerHandle) Done() <-chan struct{} { return h.closed }

// Err reports why the handle closed. Nil until Done is closed.
func (h *WorkerHandle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.closeErr
}

// Request sends req and waits for its response. It fails with
// ErrWorkerGone if the connection dies before the response arrives,
// and with ctx.Err() if the caller gives up first. A caller that gives
// up does not desynchronize the stream; the read loop still consumes
// the worker's response.
func (h *WorkerHandle) Request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if !req.ExpectsResponse() {
		return protocol.Response{}, fmt.Errorf("request %q is a notification", req.Kind)
	}

	op := &queuedOp{req: req, reply: make(chan opResult, 1), consumed: make(chan struct{})}
	select {
	case h.queue <- op:
		// The loops drain the queue only up to the moment they observe
		// the close; an op squeezing in afterwards is failed here.
		select {
		case <-h.closed:
			h.failQueued()
		default:
		}
	case <-h.closed:
		return protocol.Response{}, h.goneErr()
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}

	select {
	case res := <-op.reply:
		return res.resp, res.err
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// Notify sends a request that expects no response. It blocks only for
// queue admission.
func (h *WorkerHandle) Notify(ctx context.Context, req protocol.Request) error {
	if req.ExpectsResponse() {
		return fmt.Errorf("request %q expects a response", req.Kind)
	}

	op := &queuedOp{req: req}
	select {
	case h.queue <- op:
		select {
		case <-h.closed:
			h.failQueued()
			return h.goneErr()
		default:
		}
		return nil
	case <-h.closed:
		return h.goneErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down and fails every queued operation.
// The first cause wins; later calls are no-ops.
func (h *WorkerHandle) Close(cause error) {
	h.closeOnce.Do(func() {
		h.errMu.Lock()
		h.closeErr = cause
		h.errMu.Unlock()

		close(h.closed)
		if err := h.conn.Close(); err != nil {
			h.logger.Debug("worker connection close", slog.String("error", err.Error()))
		}
	})
}

func (h *WorkerHandle) goneErr() error {
	if cause := h.Err(); cause != nil {
		return fmt.Errorf("%w: %v", ErrWorkerGone, cause)
	}
	return ErrWorkerGone
}

// writeLoop is the single writer. It drains the queue in order and
// holds back each subsequent request until the read loop has consumed
// the current one's response.
func (h *WorkerHandle) writeLoop() {
	for {
		var op *queuedOp
		select {
		case op = <-h.queue:
		case <-h.closed:
			h.failQueued()
			h.failPending()
			return
		}

		if op.reply != nil {
			// Registered before the write so a fast response always
			// finds its op waiting.
			h.pending <- op
		}
		if err := protocol.WriteMessage(h.conn, op.req); err != nil {
			h.Close(fmt.Errorf("%w: write %s: %v", ErrWorkerGone, op.req.Kind, err))
			h.failQueued()
			h.failPending()
			return
		}
		if op.reply == nil {
			continue
		}

		select {
		case <-op.consumed:
		case <-h.closed:
			h.failQueued()
			h.failPending()
			return
		}
	}
}

// readLoop is the single reader. It pairs each frame with the oldest
// pending operation; a frame with no operation waiting, or any read
// error, closes the handle.
func (h *WorkerHandle) readLoop() {
	for {
		var resp protocol.Response
		if err := protocol.ReadMessage(h.conn, &resp, protocol.MaxFrameBytes); err != nil {
			h.Close(fmt.Errorf("%w: %v", ErrWorkerGone, err))
			h.failPending()
			return
		}

		var op *queuedOp
		select {
		case op = <-h.pending:
		default:
			h.Close(fmt.Errorf("%w: unsolicited %s frame", ErrWorkerResponse, resp.Kind))
			h.failPending()
			return
		}

		if resp.Kind == protocol.ResponseError {
			h.deliver(op, resp, fmt.Errorf("%w: %s", ErrWorkerResponse, resp.Error))
		} else {
			h.deliver(op, resp, nil)
		}
		close(op.consumed)
	}
}

// deliver hands the result to the waiting caller. The first delivery
// wins; both loops may race to fail distinct pending ops on shutdown.
func (h *WorkerHandle) deliver(op *queuedOp, resp protocol.Response, err error) {
	if op.reply == nil {
		return
	}
	select {
	case op.reply <- opResult{resp: resp, err: err}:
	default:
	}
}

// failQueued fails whatever is still sitting in the queue after close.
func (h *WorkerHandle) failQueued() {
	for {
		select {
		case op := <-h.queue:
			h.deliver(op, protocol.Response{}, h.goneErr())
		default:
			return
		}
	}
}

// failPending fails operations whose request went out but whose
// response never arrived. Each op is popped by exactly one loop, so
// its consumed channel is closed once.
func (h *WorkerHandle) failPending() {
	for {
		select {
		case op := <-h.pending:
			h.deliver(op, protocol.Response{}, h.goneErr())
			close(op.consumed)
		default:
			return
		}
	}
}
