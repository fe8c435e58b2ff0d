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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherPushesWrites(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	ctx := context.Background()
	require.NoError(t, r.IndexWorkspace(ctx))

	w, err := NewSourceWatcher(r, roots, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, filepath.Join(roots[0], "Shipping.java"),
		"public class Shipping { void track() {} }")

	assert.Eventually(t, func() bool {
		return len(r.WorkspaceSymbols(ctx, "Shipping", 10)) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherDropsRemovedFiles(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	ctx := context.Background()

	path := filepath.Join(roots[0], "Temp.java")
	writeFile(t, path, "public class Temp {}")
	require.NoError(t, r.IndexWorkspace(ctx))
	require.NotEmpty(t, r.WorkspaceSymbols(ctx, "Temp", 10))

	w, err := NewSourceWatcher(r, roots, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		results := r.WorkspaceSymbols(ctx, "Temp", 10)
		for _, sym := range results {
			if sym.Name == "Temp" {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresNonJava(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	ctx := context.Background()
	require.NoError(t, r.IndexWorkspace(ctx))
	before := r.Revision()

	w, err := NewSourceWatcher(r, roots, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, filepath.Join(roots[0], "notes.txt"), "not java")

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, r.Revision())
}

func TestWatcherStopIdempotent(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	w, err := NewSourceWatcher(r, roots, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
