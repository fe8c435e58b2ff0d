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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInProcessWorkspace(t *testing.T) (*InProcessRouter, []string) {
	t.Helper()
	coreRoot := t.TempDir()
	apiRoot := t.TempDir()
	writeFile(t, filepath.Join(coreRoot, "OrderService.java"),
		"public class OrderService { void submitOrder() {} }")
	writeFile(t, filepath.Join(apiRoot, "UserEndpoint.java"),
		"public class UserEndpoint {}")

	r, err := NewInProcessRouter(InProcessConfig{
		SourceRoots: []string{coreRoot, apiRoot},
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, []string{coreRoot, apiRoot}
}

func TestInProcessIndexAndSearch(t *testing.T) {
	r, _ := newInProcessWorkspace(t)
	ctx := context.Background()

	require.NoError(t, r.IndexWorkspace(ctx))
	assert.Equal(t, 3, r.SymbolCount())

	results := r.WorkspaceSymbols(ctx, "OrderService", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "OrderService", results[0].Name)

	// Fuzzy across shards.
	results = r.WorkspaceSymbols(ctx, "UsrEnd", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "UserEndpoint", results[0].Name)
}

func TestInProcessUpdateFile(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	ctx := context.Background()
	require.NoError(t, r.IndexWorkspace(ctx))

	path := filepath.Join(roots[0], "OrderService.java")
	err := r.UpdateFile(ctx, path,
		"public class OrderService { void submitOrder() {} void cancelOrder() {} }")
	require.NoError(t, err)

	results := r.WorkspaceSymbols(ctx, "cancelOrder", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "cancelOrder", results[0].Name)

	// Symbols from the other shard survive the update.
	assert.NotEmpty(t, r.WorkspaceSymbols(ctx, "UserEndpoint", 10))
}

func TestInProcessUpdateFileOutsideRoots(t *testing.T) {
	r, _ := newInProcessWorkspace(t)

	err := r.UpdateFile(context.Background(), filepath.Join(t.TempDir(), "X.java"), "class X {}")
	require.ErrorIs(t, err, ErrUnknownShard)
}

func TestInProcessRevisionAdvances(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	ctx := context.Background()

	require.NoError(t, r.IndexWorkspace(ctx))
	rev := r.Revision()

	path := filepath.Join(roots[0], "OrderService.java")
	require.NoError(t, r.UpdateFile(ctx, path, "class OrderService {}"))
	assert.Greater(t, r.Revision(), rev)
}

func TestInProcessPersistsAcrossRestart(t *testing.T) {
	coreRoot := t.TempDir()
	cacheDir := t.TempDir()
	writeFile(t, filepath.Join(coreRoot, "Billing.java"), "public class Billing {}")

	cfg := InProcessConfig{SourceRoots: []string{coreRoot}, CacheDir: cacheDir}

	first, err := NewInProcessRouter(cfg)
	require.NoError(t, err)
	require.NoError(t, first.IndexWorkspace(context.Background()))
	require.NoError(t, first.Shutdown(context.Background()))

	second, err := NewInProcessRouter(cfg)
	require.NoError(t, err)
	defer second.Shutdown(context.Background())

	// Served from cache, no index pass needed.
	results := second.WorkspaceSymbols(context.Background(), "Billing", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "Billing", results[0].Name)
}

func TestSupersededPassPublishesNothing(t *testing.T) {
	r, roots := newInProcessWorkspace(t)
	ctx := context.Background()

	token := r.passToken.Add(1)
	// A newer pass starts before this one does any work.
	r.passToken.Add(1)

	err := r.indexShardPass(ctx, token, r.state.nextRevision(), 0, roots[0])
	require.ErrorIs(t, err, ErrSuperseded)
	assert.Zero(t, r.SymbolCount())
}

func TestCancelledPassPublishesNothing(t *testing.T) {
	r, _ := newInProcessWorkspace(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, r.IndexWorkspace(ctx))
	assert.Zero(t, r.SymbolCount())
	assert.Empty(t, r.WorkspaceSymbols(context.Background(), "OrderService", 10))
}

func TestInProcessRequiresRoots(t *testing.T) {
	_, err := NewInProcessRouter(InProcessConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInProcessShutdownIdempotent(t *testing.T) {
	r, _ := newInProcessWorkspace(t)
	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
}
