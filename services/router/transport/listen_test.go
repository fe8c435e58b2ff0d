// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

func echoOnce(t *testing.T, ln *Listener) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()

		payload, err := protocol.ReadFrame(conn, protocol.MaxFrameBytes)
		if err != nil {
			done <- err
			return
		}
		done <- protocol.WriteFrame(conn, payload)
	}()
	return done
}

func testRoundTrip(t *testing.T, addr Addr) {
	t.Helper()

	ln, err := Listen(addr, Options{})
	require.NoError(t, err)
	defer ln.Close()

	done := echoOnce(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, ln.Addr(), Options{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Handshake(ctx))
	assert.Empty(t, conn.Identity().TLSFingerprint)

	require.NoError(t, protocol.WriteFrame(conn, []byte("ping")))
	got, err := protocol.ReadFrame(conn, protocol.MaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, <-done)
}

func TestUnixRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "r.sock")
	testRoundTrip(t, Addr{Scheme: SchemeUnix, Target: sock})
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := Listen(Addr{Scheme: SchemeTCP, Target: "127.0.0.1:0"}, Options{})
	require.NoError(t, err)
	defer ln.Close()

	done := echoOnce(t, ln)

	// The listener bound an ephemeral port; dial the resolved one.
	resolved := Addr{Scheme: SchemeTCP, Target: ln.inner.Addr().String()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, resolved, Options{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, []byte("ping")))
	got, err := protocol.ReadFrame(conn, protocol.MaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, <-done)
}

func TestUnixListenerReplacesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	addr := Addr{Scheme: SchemeUnix, Target: sock}

	first, err := Listen(addr, Options{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A second bind over the leftover path must succeed.
	second, err := Listen(addr, Options{})
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestTLSListenRequiresConfig(t *testing.T) {
	_, err := Listen(Addr{Scheme: SchemeTCPTLS, Target: "127.0.0.1:0"}, Options{})
	assert.ErrorIs(t, err, ErrMissingTLSConfig)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = Dial(ctx, Addr{Scheme: SchemeTCPTLS, Target: "127.0.0.1:1"}, Options{})
	assert.ErrorIs(t, err, ErrMissingTLSConfig)
}
