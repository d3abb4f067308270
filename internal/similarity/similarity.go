// Package similarity provides pure string-similarity scoring for product-name
// matching. No I/O; safe for concurrent use.
package similarity

import (
	"strings"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// Candidate is one (id, name) pair offered to BestMatch.
type Candidate struct {
	ID   string
	Name string
}

// Match is the winning candidate with its similarity score.
type Match struct {
	ID    string
	Name  string
	Score float64
}

// Score returns a similarity in [0,1] between a and b. Both strings are
// case-folded and trimmed first; equal strings score 1.0, otherwise the score
// is 1 - editDistance/maxLen using classic unit-cost edit distance.
func Score(a, b string) float64 {
	a = foldCaser.String(strings.TrimSpace(a))
	b = foldCaser.String(strings.TrimSpace(b))

	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1.0
	}

	dist := editDistance(ra, rb)
	return 1.0 - float64(dist)/float64(maxLen)
}

// BestMatch scans candidates and returns the highest-scoring one, or nil when
// the best score is strictly below threshold. A score equal to the threshold
// passes. First candidate encountered wins exact ties, so callers should pass
// deterministically ordered candidates.
func BestMatch(name string, candidates []Candidate, threshold float64) *Match {
	var best *Match
	for _, c := range candidates {
		score := Score(name, c.Name)
		if best == nil || score > best.Score {
			best = &Match{ID: c.ID, Name: c.Name, Score: score}
		}
	}
	if best == nil || best.Score < threshold {
		return nil
	}
	return best
}

// editDistance computes unit-cost Levenshtein distance with the two-row DP.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // delete
				curr[j-1]+1,    // insert
				prev[j-1]+cost, // substitute
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
