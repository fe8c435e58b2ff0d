// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fuzzy provides subsequence scoring and trigram candidate
// selection for symbol name search.
//
// Scoring is ASCII case-insensitive and operates on raw bytes. Prefix
// matches always outrank fuzzy subsequence matches regardless of score.
package fuzzy

import "math"

// MatchKind classifies how a candidate matched the query.
type MatchKind int

const (
	// MatchFuzzy is a general subsequence match.
	MatchFuzzy MatchKind = iota

	// MatchPrefix means the candidate starts with the query
	// (case-insensitive). Prefix matches rank above all fuzzy matches.
	MatchPrefix
)

// String returns the string representation of the match kind.
func (k MatchKind) String() string {
	switch k {
	case MatchPrefix:
		return "prefix"
	case MatchFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// MatchScore is the result of scoring one candidate against a query.
type MatchScore struct {
	Kind  MatchKind
	Score int
}

// Compare orders two scores. A positive result means s ranks above other.
// Kind dominates: any prefix match beats any fuzzy match.
func (s MatchScore) Compare(other MatchScore) int {
	if s.Kind != other.Kind {
		return int(s.Kind) - int(other.Kind)
	}
	switch {
	case s.Score > other.Score:
		return 1
	case s.Score < other.Score:
		return -1
	default:
		return 0
	}
}

// Scoring constants. Tuned for short identifier queries against symbol
// names; word-start hits dominate raw adjacency.
const (
	baseMatch        = 10
	bonusWordStart   = 15
	bonusConsecutive = 5
	gapPenalty       = 1
	leadingPenalty   = 1
	trailingPenalty  = 1

	// prefixBase anchors prefix scores above any achievable fuzzy score.
	prefixBase = 1_000_000

	// minScore marks DP cells with no valid match path. Quarter of
	// MinInt32 so penalty arithmetic cannot wrap.
	minScore = math.MinInt32 / 4
)

func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func isSeparator(b byte) bool {
	switch b {
	case '_', '-', ' ', '/', '\\', '.', ':', '<', '>', '(', ')', '[', ']':
		return true
	}
	return false
}

func isASCIILower(b byte) bool { return b >= 'a' && b <= 'z' }
func isASCIIUpper(b byte) bool { return b >= 'A' && b <= 'Z' }
func isASCIIAlpha(b byte) bool { return isASCIILower(b) || isASCIIUpper(b) }
func isASCIIDigit(b byte) bool { return b >= '0' && b <= '9' }

func caseBonus(query, candidate byte) int {
	if query == candidate {
		return 2
	}
	return 0
}

// Matcher scores candidates against a fixed query. The zero value is not
// usable; construct with NewMatcher.
//
// # Thread Safety
//
// A Matcher reuses internal DP buffers across Score calls and is NOT safe
// for concurrent use. Create one per goroutine.
type Matcher struct {
	query       []byte
	queryFolded []byte
	dpPrev      []int
	dpCur       []int
	wordStarts  []bool
}

// NewMatcher creates a matcher for the given query.
//
// Inputs:
//   - query: Search query. An empty query prefix-matches everything with
//     score zero.
//
// Outputs:
//   - *Matcher: Reusable matcher, never nil.
func NewMatcher(query string) *Matcher {
	q := []byte(query)
	folded := make([]byte, len(q))
	for i, b := range q {
		folded[i] = foldByte(b)
	}
	return &Matcher{query: q, queryFolded: folded}
}

// Query returns the query the matcher was built with.
func (m *Matcher) Query() string {
	return string(m.query)
}

// Score scores a candidate against the query.
//
// Outputs:
//   - MatchScore: Kind and score when the query is a case-insensitive
//     subsequence of the candidate.
//   - bool: False when the candidate does not match at all.
func (m *Matcher) Score(candidate string) (MatchScore, bool) {
	if len(m.query) == 0 {
		return MatchScore{Kind: MatchPrefix, Score: 0}, true
	}

	c := []byte(candidate)
	if m.hasFoldedPrefix(c) {
		return MatchScore{Kind: MatchPrefix, Score: prefixBase - len(c)}, true
	}

	score, ok := m.subsequenceScore(c)
	if !ok {
		return MatchScore{}, false
	}
	return MatchScore{Kind: MatchFuzzy, Score: score}, true
}

func (m *Matcher) hasFoldedPrefix(candidate []byte) bool {
	if len(m.queryFolded) > len(candidate) {
		return false
	}
	for i, q := range m.queryFolded {
		if foldByte(candidate[i]) != q {
			return false
		}
	}
	return true
}

// subsequenceScore runs a two-row DP over the candidate. Row j holds the
// best score for matching the current query byte at candidate position j.
// runningMax carries max_{k<j}(dpPrev[k] + gapPenalty*(k+1)) so each row
// stays O(n).
func (m *Matcher) subsequenceScore(candidate []byte) (int, bool) {
	if len(m.query) > len(candidate) {
		return 0, false
	}

	n := len(candidate)
	m.dpPrev = resizeInts(m.dpPrev, n)
	m.dpCur = resizeInts(m.dpCur, n)
	m.wordStarts = resizeBools(m.wordStarts, n)

	for i, b := range candidate {
		if i == 0 {
			m.wordStarts[i] = true
			continue
		}
		prev := candidate[i-1]
		m.wordStarts[i] = isSeparator(prev) ||
			(isASCIILower(prev) && isASCIIUpper(b)) ||
			(isASCIIAlpha(prev) && isASCIIDigit(b)) ||
			(isASCIIDigit(prev) && isASCIIAlpha(b))
	}

	fillInts(m.dpPrev, minScore)

	q0 := m.query[0]
	for j, c := range candidate {
		if foldByte(c) != foldByte(q0) {
			continue
		}
		score := baseMatch
		if m.wordStarts[j] {
			score += bonusWordStart
		}
		score += caseBonus(q0, c)
		score -= leadingPenalty * j
		m.dpPrev[j] = score
	}

	for _, q := range m.query[1:] {
		fillInts(m.dpCur, minScore)
		runningMax := minScore
		for j, c := range candidate {
			if j > 0 {
				if prev := m.dpPrev[j-1]; prev > minScore/2 {
					if v := prev + gapPenalty*j; v > runningMax {
						runningMax = v
					}
				}
			}

			if foldByte(c) != foldByte(q) {
				continue
			}

			prevNonConsecutive := minScore
			if runningMax > minScore/2 {
				prevNonConsecutive = runningMax - gapPenalty*j
			}
			prevConsecutive := minScore
			if j > 0 {
				prevConsecutive = m.dpPrev[j-1] + bonusConsecutive
			}
			prevBest := max(prevNonConsecutive, prevConsecutive)
			if prevBest <= minScore/2 {
				continue
			}

			score := prevBest + baseMatch
			if m.wordStarts[j] {
				score += bonusWordStart
			}
			score += caseBonus(q, c)
			m.dpCur[j] = score
		}
		m.dpPrev, m.dpCur = m.dpCur, m.dpPrev
	}

	best := minScore
	for j, score := range m.dpPrev {
		if score <= minScore/2 {
			continue
		}
		trailing := n - 1 - j
		if v := score - trailingPenalty*trailing; v > best {
			best = v
		}
	}

	if best <= minScore/2 {
		return 0, false
	}
	return best, true
}

func resizeInts(s []int, n int) []int {
	if cap(s) < n {
		return make([]int, n)
	}
	return s[:n]
}

func resizeBools(s []bool, n int) []bool {
	if cap(s) < n {
		return make([]bool, n)
	}
	return s[:n]
}

func fillInts(s []int, v int) {
	for i := range s {
		s[i] = v
	}
}
