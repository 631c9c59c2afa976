// Package rerank implements Maximal Marginal Relevance selection over an
// over-fetched candidate pool.
package rerank

import (
	"fmt"
	"math"

	"infochat/internal/domain"
	"infochat/internal/vecmath"
)

// DefaultDiversity is the relevance weight λ used when none is configured.
const DefaultDiversity = 0.7

// MMR greedily picks up to k candidates balancing relevance to query against
// similarity to what was already picked:
//
//	score = λ·relevance − (1−λ)·max similarity to the selected set
//
// The first pick is always the most relevant candidate. Candidates must carry
// their stored vectors; a candidate without one falls back to its search score
// for relevance and counts as dissimilar to everything. Candidates are never
// re-embedded, and each pairwise similarity is computed once.
//
// The returned results keep their relevance as Score. Ties go to the earlier candidate.
func MMR(query []float32, candidates []domain.SearchResult, k int, lambda float64) ([]domain.SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidConfig, k)
	}
	if lambda < 0 || lambda > 1 || math.IsNaN(lambda) {
		return nil, fmt.Errorf("%w: diversity must be in [0,1], got %v", domain.ErrInvalidConfig, lambda)
	}
	n := len(candidates)
	if n == 0 {
		return []domain.SearchResult{}, nil
	}
	if k > n {
		k = n
	}

	q := vecmath.Normalize(query)
	vecs := make([][]float32, n)
	rel := make([]float32, n)
	for i, c := range candidates {
		if len(c.Vector) == 0 {
			rel[i] = c.Score
			continue
		}
		vecs[i] = vecmath.Normalize(c.Vector)
		rel[i] = vecmath.Dot(q, vecs[i])
	}

	picked := make([]bool, n)
	maxSim := make([]float32, n)
	out := make([]domain.SearchResult, 0, k)

	seed := 0
	for i := 1; i < n; i++ {
		if rel[i] > rel[seed] {
			seed = i
		}
	}
	pick := func(j int) {
		picked[j] = true
		r := candidates[j]
		r.Score = rel[j]
		out = append(out, r)
		for i := range candidates {
			if picked[i] || vecs[i] == nil || vecs[j] == nil {
				continue
			}
			if s := vecmath.Dot(vecs[i], vecs[j]); len(out) == 1 || s > maxSim[i] {
				maxSim[i] = s
			}
		}
	}
	pick(seed)

	lam := float32(lambda)
	for len(out) < k {
		best := -1
		var bestScore float32
		for i := range candidates {
			if picked[i] {
				continue
			}
			score := lam*rel[i] - (1-lam)*maxSim[i]
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		pick(best)
	}
	return out, nil
}
