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
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// fakeWorker answers frames on the far side of a net.Pipe.
func fakeWorker(t *testing.T, conn net.Conn, respond func(req protocol.Request) *protocol.Response) {
	t.Helper()
	go func() {
		for {
			var req protocol.Request
			if err := protocol.ReadMessage(conn, &req, protocol.MaxFrameBytes); err != nil {
				return
			}
			resp := respond(req)
			if resp == nil {
				continue
			}
			if err := protocol.WriteMessage(conn, *resp); err != nil {
				return
			}
		}
	}()
}

func newTestHandle(t *testing.T, respond func(req protocol.Request) *protocol.Response) *WorkerHandle {
	t.Helper()
	routerSide, workerSide := net.Pipe()
	fakeWorker(t, workerSide, respond)

	handle := newWorkerHandle(1, 0, routerSide, slog.Default())
	t.Cleanup(func() { handle.Close(nil) })
	return handle
}

func TestHandleRequestResponse(t *testing.T) {
	handle := newTestHandle(t, func(req protocol.Request) *protocol.Response {
		require.Equal(t, protocol.RequestGetWorkerStats, req.Kind)
		return &protocol.Response{
			Kind:  protocol.ResponseWorkerStats,
			Stats: &protocol.WorkerStats{ShardID: 0, FileCount: 3},
		}
	})

	resp, err := handle.Request(context.Background(), protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.NoError(t, err)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, uint32(3), resp.Stats.FileCount)
}

func TestHandlePreservesOrder(t *testing.T) {
	var seen []protocol.Revision
	handle := newTestHandle(t, func(req protocol.Request) *protocol.Response {
		seen = append(seen, req.Revision)
		return &protocol.Response{
			Kind:       protocol.ResponseShardIndex,
			ShardIndex: &protocol.ShardIndex{Revision: req.Revision},
		}
	})

	for rev := protocol.Revision(1); rev <= 5; rev++ {
		resp, err := handle.Request(context.Background(), protocol.Request{
			Kind:     protocol.RequestIndexShard,
			Revision: rev,
		})
		require.NoError(t, err)
		assert.Equal(t, rev, resp.ShardIndex.Revision)
	}
	assert.Equal(t, []protocol.Revision{1, 2, 3, 4, 5}, seen)
}

func TestHandleNotifyGetsNoResponse(t *testing.T) {
	loaded := make(chan int, 1)
	handle := newTestHandle(t, func(req protocol.Request) *protocol.Response {
		if req.Kind == protocol.RequestLoadFiles {
			loaded <- len(req.Files)
			return nil
		}
		stats := protocol.WorkerStats{}
		return &protocol.Response{Kind: protocol.ResponseWorkerStats, Stats: &stats}
	})

	err := handle.Notify(context.Background(), protocol.Request{
		Kind:  protocol.RequestLoadFiles,
		Files: []protocol.FileText{{Path: "A.java", Text: "class A {}"}},
	})
	require.NoError(t, err)

	// The stream stays lockstep: a request after the notify still pairs
	// with its own response.
	_, err = handle.Request(context.Background(), protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.NoError(t, err)

	select {
	case n := <-loaded:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("notify never arrived")
	}
}

func TestHandleErrorResponse(t *testing.T) {
	handle := newTestHandle(t, func(req protocol.Request) *protocol.Response {
		return &protocol.Response{Kind: protocol.ResponseError, Error: "boom"}
	})

	_, err := handle.Request(context.Background(), protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.ErrorIs(t, err, ErrWorkerResponse)
	assert.Contains(t, err.Error(), "boom")
}

func TestHandleRejectsMismatchedKinds(t *testing.T) {
	handle := newTestHandle(t, func(req protocol.Request) *protocol.Response { return nil })

	_, err := handle.Request(context.Background(), protocol.Request{Kind: protocol.RequestShutdown})
	require.Error(t, err)

	err = handle.Notify(context.Background(), protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.Error(t, err)
}

func TestHandleCloseFailsPending(t *testing.T) {
	routerSide, workerSide := net.Pipe()
	handle := newWorkerHandle(1, 0, routerSide, slog.Default())

	// The worker reads the request and then drops the connection.
	go func() {
		var req protocol.Request
		_ = protocol.ReadMessage(workerSide, &req, protocol.MaxFrameBytes)
		workerSide.Close()
	}()

	_, err := handle.Request(context.Background(), protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.ErrorIs(t, err, ErrWorkerGone)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("handle never closed")
	}
}

func TestHandleRequestAfterClose(t *testing.T) {
	handle := newTestHandle(t, func(req protocol.Request) *protocol.Response { return nil })

	cause := errors.New("going away")
	handle.Close(cause)
	assert.ErrorIs(t, handle.Err(), cause)

	_, err := handle.Request(context.Background(), protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.ErrorIs(t, err, ErrWorkerGone)
}

func TestHandleDetectsIdleDisconnect(t *testing.T) {
	routerSide, workerSide := net.Pipe()
	handle := newWorkerHandle(1, 0, routerSide, slog.Default())

	// No operation is in flight; the worker just goes away.
	workerSide.Close()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("disconnect of an idle worker never surfaced")
	}
	assert.ErrorIs(t, handle.Err(), ErrWorkerGone)
}

func TestHandleClosesOnUnsolicitedFrame(t *testing.T) {
	routerSide, workerSide := net.Pipe()
	handle := newWorkerHandle(1, 0, routerSide, slog.Default())

	// A response with no request outstanding breaks the lockstep
	// discipline.
	go func() {
		_ = protocol.WriteMessage(workerSide, protocol.Response{
			Kind: protocol.ResponseWorkerStats,
			Stats: &protocol.WorkerStats{ShardID: 0},
		})
	}()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("unsolicited frame never closed the handle")
	}
	assert.ErrorIs(t, handle.Err(), ErrWorkerResponse)
}

func TestHandleRequestHonorsContext(t *testing.T) {
	// A worker that never answers.
	routerSide, workerSide := net.Pipe()
	go func() {
		var req protocol.Request
		_ = protocol.ReadMessage(workerSide, &req, protocol.MaxFrameBytes)
		// Hold the connection open without responding.
	}()
	handle := newWorkerHandle(1, 0, routerSide, slog.Default())
	t.Cleanup(func() { handle.Close(nil) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := handle.Request(ctx, protocol.Request{Kind: protocol.RequestGetWorkerStats})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
