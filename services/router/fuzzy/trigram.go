// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fuzzy

import (
	"sort"
)

// Trigram is a packed 3-byte case-folded key: b0<<16 | b1<<8 | b2.
type Trigram = uint32

func packTrigram(a, b, c byte) Trigram {
	return Trigram(a)<<16 | Trigram(b)<<8 | Trigram(c)
}

// appendTrigrams appends all overlapping case-folded trigrams of text.
func appendTrigrams(out []Trigram, text string) []Trigram {
	if len(text) < 3 {
		return out
	}
	a := foldByte(text[0])
	b := foldByte(text[1])
	for i := 2; i < len(text); i++ {
		c := foldByte(text[i])
		out = append(out, packTrigram(a, b, c))
		a, b = b, c
	}
	return out
}

// TrigramIndex is a compact trigram to posting-list index in CSR layout.
// Posting lists are sorted ascending by id and contain no duplicates.
//
// # Thread Safety
//
// Immutable after build. Safe for concurrent reads.
type TrigramIndex struct {
	keys    []Trigram
	offsets []uint32 // len(keys)+1 offsets into values
	values  []uint32
}

// Postings returns the sorted posting list for a trigram, or nil.
func (ix *TrigramIndex) Postings(t Trigram) []uint32 {
	i := sort.Search(len(ix.keys), func(n int) bool { return ix.keys[n] >= t })
	if i >= len(ix.keys) || ix.keys[i] != t {
		return nil
	}
	return ix.values[ix.offsets[i]:ix.offsets[i+1]]
}

// Candidates intersects the posting lists of the query's trigrams,
// rarest list first. The result is sorted ascending with no duplicates.
// Returns ok=false when the query yields no trigrams, so callers can
// distinguish "no filter available" from "filter matched nothing".
func (ix *TrigramIndex) Candidates(query string) (ids []uint32, ok bool) {
	qt := appendTrigrams(nil, query)
	if len(qt) == 0 {
		return nil, false
	}
	sortDedupTrigrams(&qt)

	var lists [][]uint32
	for _, t := range qt {
		if p := ix.Postings(t); len(p) > 0 {
			lists = append(lists, p)
		}
	}
	if len(lists) == 0 {
		return nil, true
	}

	sort.Slice(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })

	base := lists[0]
	if len(lists) == 1 {
		return base, true
	}

	cursors := make([]int, len(lists)-1)
	out := make([]uint32, 0, len(base))
outer:
	for _, id := range base {
		for k, other := range lists[1:] {
			if !advanceTo(other, &cursors[k], id) {
				if cursors[k] >= len(other) {
					break outer
				}
				continue outer
			}
		}
		out = append(out, id)
	}
	return out, true
}

// advanceTo moves cursor forward to the first element >= target using
// galloping search, then reports whether the element equals target.
func advanceTo(list []uint32, cursor *int, target uint32) bool {
	n := len(list)
	ix := *cursor
	if ix >= n {
		return false
	}

	if list[ix] < target {
		step := 1
		for ix+step < n && list[ix+step] < target {
			step <<= 1
		}
		lo := ix + step>>1
		hi := ix + step + 1
		if hi > n {
			hi = n
		}
		ix = lo + sort.Search(hi-lo, func(k int) bool { return list[lo+k] >= target })
	}

	*cursor = ix
	return ix < n && list[ix] == target
}

// TrigramIndexBuilder accumulates (trigram, id) pairs and builds the
// immutable index in one pass.
type TrigramIndexBuilder struct {
	pairs   []uint64 // trigram<<32 | id
	scratch []Trigram
}

// NewTrigramIndexBuilder creates an empty builder.
func NewTrigramIndexBuilder() *TrigramIndexBuilder {
	return &TrigramIndexBuilder{}
}

// Insert records the trigrams of text under id.
func (b *TrigramIndexBuilder) Insert(id uint32, text string) {
	b.scratch = appendTrigrams(b.scratch[:0], text)
	if len(b.scratch) == 0 {
		return
	}
	sortDedupTrigrams(&b.scratch)
	for _, t := range b.scratch {
		b.pairs = append(b.pairs, uint64(t)<<32|uint64(id))
	}
}

// Build produces the index. The builder must not be reused afterwards.
func (b *TrigramIndexBuilder) Build() *TrigramIndex {
	sort.Slice(b.pairs, func(i, j int) bool { return b.pairs[i] < b.pairs[j] })
	b.pairs = dedupUint64(b.pairs)

	ix := &TrigramIndex{offsets: []uint32{0}}
	haveKey := false
	var curKey Trigram
	for _, pair := range b.pairs {
		t := Trigram(pair >> 32)
		id := uint32(pair)
		if haveKey && t != curKey {
			ix.keys = append(ix.keys, curKey)
			ix.offsets = append(ix.offsets, uint32(len(ix.values)))
		}
		curKey = t
		haveKey = true
		ix.values = append(ix.values, id)
	}
	if haveKey {
		ix.keys = append(ix.keys, curKey)
		ix.offsets = append(ix.offsets, uint32(len(ix.values)))
	}
	return ix
}

func sortDedupTrigrams(s *[]Trigram) {
	t := *s
	sort.Slice(t, func(i, j int) bool { return t[i] < t[j] })
	out := t[:0]
	for i, v := range t {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	*s = out
}

func dedupUint64(s []uint64) []uint64 {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
