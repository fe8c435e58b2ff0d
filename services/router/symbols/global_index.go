// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols maintains the merged workspace-wide symbol index and
// answers fuzzy name queries over it.
package symbols

import (
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianIndex/services/router/fuzzy"
	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

const (
	// FallbackScanLimit caps the linear scan used when neither the
	// trigram index nor a first-byte bucket narrows the query.
	FallbackScanLimit = 50_000

	// MaxResults caps any single query's result count.
	MaxResults = 200
)

// BuildGlobalSymbols merges shard indexes into one sorted, deduplicated
// symbol list. Ordering is (name, path); exact duplicates collapse.
func BuildGlobalSymbols(shards []*protocol.ShardIndex) []protocol.Symbol {
	var out []protocol.Symbol
	for _, shard := range shards {
		out = append(out, shard.Symbols...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})

	deduped := out[:0]
	for i, s := range out {
		if i == 0 || s != deduped[len(deduped)-1] {
			deduped = append(deduped, s)
		}
	}
	return deduped
}

// snapshot is one immutable generation of the global index.
type snapshot struct {
	updateID uint64
	symbols  []protocol.Symbol
	trigram  *fuzzy.TrigramIndex
	prefix1  [256][]uint32 // symbol ids bucketed by folded first name byte
}

func newSnapshot(syms []protocol.Symbol, updateID uint64) *snapshot {
	s := &snapshot{updateID: updateID, symbols: syms}

	builder := fuzzy.NewTrigramIndexBuilder()
	for id, sym := range syms {
		builder.Insert(uint32(id), sym.Name)
		if len(sym.Name) > 0 {
			b0 := foldByte(sym.Name[0])
			s.prefix1[b0] = append(s.prefix1[b0], uint32(id))
		}
	}
	s.trigram = builder.Build()
	return s
}

func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

type scoredSymbol struct {
	id    uint32
	score fuzzy.MatchScore
}

// search runs the tiered candidate selection:
//
//	empty query        -> first limit symbols
//	len(query) < 3     -> first-byte bucket, else capped scan
//	len(query) >= 3    -> trigram intersection, else bucket, else capped scan
//
// All candidates are scored and ordered rank-descending with
// deterministic tie-breaks (shorter name, name, path, id).
func (s *snapshot) search(query string, limit int) []protocol.Symbol {
	if limit <= 0 || len(s.symbols) == 0 {
		return nil
	}
	if limit > MaxResults {
		limit = MaxResults
	}

	if query == "" {
		n := min(limit, len(s.symbols))
		out := make([]protocol.Symbol, n)
		copy(out, s.symbols[:n])
		return out
	}

	matcher := fuzzy.NewMatcher(query)
	b0 := foldByte(query[0])

	if len(query) < 3 {
		if bucket := s.prefix1[b0]; len(bucket) > 0 {
			return s.finish(s.scoreCandidates(bucket, matcher), limit)
		}
		return s.finish(s.scanScore(matcher), limit)
	}

	if candidates, _ := s.trigram.Candidates(query); len(candidates) > 0 {
		return s.finish(s.scoreCandidates(candidates, matcher), limit)
	}
	if bucket := s.prefix1[b0]; len(bucket) > 0 {
		return s.finish(s.scoreCandidates(bucket, matcher), limit)
	}
	return s.finish(s.scanScore(matcher), limit)
}

func (s *snapshot) scoreCandidates(ids []uint32, matcher *fuzzy.Matcher) []scoredSymbol {
	scored := make([]scoredSymbol, 0, len(ids))
	for _, id := range ids {
		if int(id) >= len(s.symbols) {
			continue
		}
		if score, ok := matcher.Score(s.symbols[id].Name); ok {
			scored = append(scored, scoredSymbol{id: id, score: score})
		}
	}
	return scored
}

func (s *snapshot) scanScore(matcher *fuzzy.Matcher) []scoredSymbol {
	n := min(FallbackScanLimit, len(s.symbols))
	var scored []scoredSymbol
	for id := 0; id < n; id++ {
		if score, ok := matcher.Score(s.symbols[id].Name); ok {
			scored = append(scored, scoredSymbol{id: uint32(id), score: score})
		}
	}
	return scored
}

func (s *snapshot) finish(scored []scoredSymbol, limit int) []protocol.Symbol {
	sort.Slice(scored, func(i, j int) bool { return s.ranksBefore(scored[i], scored[j]) })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]protocol.Symbol, 0, len(scored))
	for _, sc := range scored {
		out = append(out, s.symbols[sc.id])
	}
	return out
}

// ranksBefore is the total result order: higher rank first, then shorter
// name, then name, path and id ascending. The id tie-break makes the
// ordering independent of candidate-set iteration order.
func (s *snapshot) ranksBefore(a, b scoredSymbol) bool {
	if c := a.score.Compare(b.score); c != 0 {
		return c > 0
	}
	as, bs := &s.symbols[a.id], &s.symbols[b.id]
	if len(as.Name) != len(bs.Name) {
		return len(as.Name) < len(bs.Name)
	}
	if as.Name != bs.Name {
		return as.Name < bs.Name
	}
	if as.Path != bs.Path {
		return as.Path < bs.Path
	}
	return a.id < b.id
}

// GlobalIndex is the concurrently readable holder for the current
// snapshot. Replace installs full replacements; readers never block
// writers for long since snapshots are immutable.
type GlobalIndex struct {
	mu      sync.RWMutex
	current *snapshot
}

// NewGlobalIndex returns an empty index.
func NewGlobalIndex() *GlobalIndex {
	return &GlobalIndex{current: newSnapshot(nil, 0)}
}

// Replace installs a new generation. A stale updateID (older than the
// installed generation) is dropped, so concurrent rebuilds can finish in
// any order without regressing the index.
func (g *GlobalIndex) Replace(syms []protocol.Symbol, updateID uint64) {
	next := newSnapshot(syms, updateID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if updateID < g.current.updateID {
		return
	}
	g.current = next
}

// Search answers one query against the current generation.
func (g *GlobalIndex) Search(query string, limit int) []protocol.Symbol {
	g.mu.RLock()
	snap := g.current
	g.mu.RUnlock()
	return snap.search(query, limit)
}

// SymbolCount reports the size of the current generation.
func (g *GlobalIndex) SymbolCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.current.symbols)
}
