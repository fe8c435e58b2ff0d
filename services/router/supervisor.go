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
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// AuthTokenEnv is the environment variable spawned workers read their
// handshake token from. Tokens never appear on the command line, where
// any local process could read them from the process table.
const AuthTokenEnv = "ALEUTIAN_WORKER_TOKEN"

// Supervision timing.
const (
	restartBackoffMin = 50 * time.Millisecond
	restartBackoffMax = 5 * time.Second

	// stableSessionAfter resets the backoff once a worker has stayed up
	// this long, so a crash after hours of service restarts promptly.
	stableSessionAfter = 10 * time.Second

	// workerOutputLineMax truncates a single stderr/stdout line from a
	// worker before it is logged.
	workerOutputLineMax = 64 * 1024
)

// RestartBackoff computes exponentially growing restart delays with
// jitter. Not safe for concurrent use; each supervisor owns one.
type RestartBackoff struct {
	current time.Duration
	rng     *rand.Rand
}

// NewRestartBackoff returns a backoff starting at the minimum delay.
func NewRestartBackoff() *RestartBackoff {
	return &RestartBackoff{
		current: restartBackoffMin,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next restart attempt and advances
// the schedule. Jitter of up to a quarter of the delay spreads out
// simultaneous shard restarts.
func (b *RestartBackoff) Next() time.Duration {
	delay := b.current
	b.current *= 2
	if b.current > restartBackoffMax {
		b.current = restartBackoffMax
	}
	if delay > 0 {
		delay += time.Duration(b.rng.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// Reset returns the schedule to the minimum delay.
func (b *RestartBackoff) Reset() {
	b.current = restartBackoffMin
}

// ===== WORKER SUPERVISION =====

// superviseWorker runs one shard's worker process in a restart loop
// until ctx is canceled. Each session spawns the configured command,
// drains its output into the log, and waits for exit. Sessions that
// survive stableSessionAfter reset the backoff.
func (r *DistributedRouter) superviseWorker(ctx context.Context, shardID protocol.ShardID) {
	logger := r.logger.With(slog.Uint64("shard_id", uint64(shardID)))
	backoff := NewRestartBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := r.runWorkerSession(ctx, shardID, logger)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) >= stableSessionAfter {
			backoff.Reset()
		}

		delay := backoff.Next()
		if err != nil {
			logger.Warn("worker session ended",
				slog.String("error", err.Error()),
				slog.Duration("restart_in", delay),
			)
		} else {
			logger.Info("worker exited", slog.Duration("restart_in", delay))
		}
		recordWorkerRestart(ctx, uint32(shardID))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runWorkerSession spawns the worker command for a shard and blocks
// until it exits or ctx is canceled.
func (r *DistributedRouter) runWorkerSession(ctx context.Context, shardID protocol.ShardID, logger *slog.Logger) error {
	cmd := exec.CommandContext(ctx, r.cfg.WorkerCommand,
		"--connect", r.cfg.ListenAddr,
		"--shard-id", strconv.FormatUint(uint64(shardID), 10),
		"--cache-dir", r.cfg.CacheDir,
	)
	cmd.Env = os.Environ()
	if r.cfg.AuthToken != "" {
		cmd.Env = append(cmd.Env, AuthTokenEnv+"="+r.cfg.AuthToken)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker %q: %w", r.cfg.WorkerCommand, err)
	}
	logger.Info("spawned worker", slog.Int("pid", cmd.Process.Pid))

	go drainWorkerOutput(stdout, logger, slog.LevelDebug)
	go drainWorkerOutput(stderr, logger, slog.LevelWarn)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}

// drainWorkerOutput logs a worker stream line by line. Lines are
// truncated at workerOutputLineMax so a worker cannot balloon the
// router's memory through its output.
func drainWorkerOutput(stream io.Reader, logger *slog.Logger, level slog.Level) {
	reader := bufio.NewReaderSize(stream, workerOutputLineMax)
	for {
		line, isPrefix, err := reader.ReadLine()
		if len(line) > 0 {
			logger.Log(context.Background(), level, "worker: "+string(line))
		}
		// Discard the rest of an overlong line.
		for isPrefix && err == nil {
			_, isPrefix, err = reader.ReadLine()
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("worker output stream closed",
					slog.String("error", err.Error()))
			}
			return
		}
	}
}
