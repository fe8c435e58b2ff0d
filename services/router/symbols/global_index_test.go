// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

func sym(name, path string) protocol.Symbol {
	return protocol.Symbol{Name: name, Path: path}
}

func TestSearchPrefersPrefixMatches(t *testing.T) {
	snap := newSnapshot([]protocol.Symbol{
		sym("foobar", "a.java"),
		sym("barfoo", "b.java"),
	}, 0)

	results := snap.search("foo", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "foobar", results[0].Name)
}

func TestSearchSupportsAcronymQueries(t *testing.T) {
	snap := newSnapshot([]protocol.Symbol{
		sym("FooBar", "a.java"),
		sym("foobar", "b.java"),
	}, 0)

	results := snap.search("fb", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "FooBar", results[0].Name)
}

func TestSearchFiltersByTrigramsForLongQueries(t *testing.T) {
	snap := newSnapshot([]protocol.Symbol{
		sym("HashMap", "a.java"),
		sym("FooBar", "b.java"),
	}, 0)

	results := snap.search("Hash", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "HashMap", results[0].Name)
}

func TestSearchOrdersTiesDeterministically(t *testing.T) {
	var syms []protocol.Symbol

	// Every symbol is a same-length prefix match for "foo", so ranking
	// falls through to the name/path/id tie-breakers. Duplicates of the
	// lexicographically-first name exercise path and id ordering.
	syms = append(syms,
		sym("fooaa", "b.java"), // id 0
		sym("fooaa", "a.java"), // id 1
		sym("fooaa", "a.java"), // id 2, ordered after id 1
	)
	for a := byte('a'); a <= 'z'; a++ {
		for b := byte('a'); b <= 'z'; b++ {
			if a == 'a' && b == 'a' {
				continue
			}
			syms = append(syms, sym(
				fmt.Sprintf("foo%c%c", a, b),
				fmt.Sprintf("%d%d.java", a, b),
			))
		}
	}

	snap := newSnapshot(syms, 0)
	results := snap.search("foo", 5)

	got := make([][2]string, 0, len(results))
	for _, s := range results {
		got = append(got, [2]string{s.Name, s.Path})
	}
	assert.Equal(t, [][2]string{
		{"fooaa", "a.java"},
		{"fooaa", "a.java"},
		{"fooaa", "b.java"},
		{"fooab", "9798.java"},
		{"fooac", "9799.java"},
	}, got)
}

func TestSearchEmptyQueryReturnsFirstSymbols(t *testing.T) {
	snap := newSnapshot([]protocol.Symbol{
		sym("Alpha", "a.java"),
		sym("Beta", "b.java"),
		sym("Gamma", "c.java"),
	}, 0)

	results := snap.search("", 2)
	require.Len(t, results, 2)
	assert.Equal(t, "Alpha", results[0].Name)
	assert.Equal(t, "Beta", results[1].Name)
}

func TestSearchZeroLimit(t *testing.T) {
	snap := newSnapshot([]protocol.Symbol{sym("Alpha", "a.java")}, 0)
	assert.Empty(t, snap.search("Alpha", 0))
}

func TestSearchClampsLimit(t *testing.T) {
	syms := make([]protocol.Symbol, 0, MaxResults+50)
	for i := 0; i < MaxResults+50; i++ {
		syms = append(syms, sym(fmt.Sprintf("Name%04d", i), "a.java"))
	}
	snap := newSnapshot(syms, 0)

	results := snap.search("", MaxResults+50)
	assert.Len(t, results, MaxResults)
}

func TestSearchFallsBackToScanWhenBucketIsEmpty(t *testing.T) {
	snap := newSnapshot([]protocol.Symbol{
		sym("foobar", "a.java"),
	}, 0)

	// "ob" starts with a byte no symbol name starts with, so the
	// first-byte bucket is empty and the capped scan must run.
	results := snap.search("ob", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "foobar", results[0].Name)
}

func TestBuildGlobalSymbolsSortsAndDedupes(t *testing.T) {
	shards := []*protocol.ShardIndex{
		{ShardID: 0, Symbols: []protocol.Symbol{
			sym("Zeta", "z.java"),
			sym("Alpha", "a.java"),
		}},
		{ShardID: 1, Symbols: []protocol.Symbol{
			sym("Alpha", "a.java"), // duplicate across shards
			sym("Alpha", "b.java"),
		}},
	}

	merged := BuildGlobalSymbols(shards)
	assert.Equal(t, []protocol.Symbol{
		sym("Alpha", "a.java"),
		sym("Alpha", "b.java"),
		sym("Zeta", "z.java"),
	}, merged)
}

func TestGlobalIndexReplaceGuardsStaleUpdates(t *testing.T) {
	g := NewGlobalIndex()

	g.Replace([]protocol.Symbol{sym("Newer", "n.java")}, 5)
	g.Replace([]protocol.Symbol{sym("Stale", "s.java")}, 3)

	results := g.Search("", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "Newer", results[0].Name)
	assert.Equal(t, 1, g.SymbolCount())
}

func TestGlobalIndexReplaceAcceptsEqualUpdateID(t *testing.T) {
	g := NewGlobalIndex()

	g.Replace([]protocol.Symbol{sym("First", "a.java")}, 2)
	g.Replace([]protocol.Symbol{sym("Second", "b.java")}, 2)

	results := g.Search("", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "Second", results[0].Name)
}
