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

import "errors"

var (
	// ErrInvalidConfig indicates the router configuration failed validation.
	ErrInvalidConfig = errors.New("invalid router configuration")

	// ErrShuttingDown is returned by operations issued after Shutdown began.
	ErrShuttingDown = errors.New("router is shutting down")

	// ErrWorkerGone is returned for requests whose worker connection
	// closed before a response arrived.
	ErrWorkerGone = errors.New("worker connection closed")

	// ErrWorkerUnavailable is returned when no worker for a shard
	// connects within the wait timeout.
	ErrWorkerUnavailable = errors.New("timed out waiting for worker")

	// ErrUnknownShard is returned when a path or id maps to no shard.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrDuplicateWorker is returned when a worker handshakes for a
	// shard that already has a live worker bound.
	ErrDuplicateWorker = errors.New("shard already has a worker")

	// ErrSuperseded is returned by an indexing pass that a newer pass
	// cancelled.
	ErrSuperseded = errors.New("indexing pass superseded")

	// ErrWorkerResponse is returned when a worker answers a request with
	// an error payload or a mismatched response kind.
	ErrWorkerResponse = errors.New("unexpected worker response")
)
