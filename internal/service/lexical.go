package service

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"

	"infochat/internal/domain"
)

var unicodeWordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// lexical ranks every stored chunk by Ochiai token overlap with query. Chunks
// sharing no token are dropped. Backends that cannot list their chunks yield no results.
func (s *RetrievalService) lexical(ctx context.Context, query string, topK int) ([]domain.SearchResult, error) {
	chunks, err := s.index.Chunks(ctx)
	if errors.Is(err, domain.ErrUnsupported) {
		s.logger.Debug().Err(err).Msg("lexical fallback unavailable")
		return []domain.SearchResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	qset := toTokenSet(query)
	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, 0, len(chunks))
	for i, ch := range chunks {
		if sc := overlapOchiai(qset, ch.Text); sc > 0 {
			scores = append(scores, pair{i, sc})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if topK > len(scores) {
		topK = len(scores)
	}
	out := make([]domain.SearchResult, 0, topK)
	for _, p := range scores[:topK] {
		out = append(out, domain.SearchResult{Chunk: chunks[p.idx], Score: float32(p.score)})
	}
	s.logger.Debug().Int("results", len(out)).Msg("lexical fallback")
	return out, nil
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

// overlapOchiai is |A∩B| / sqrt(|A||B|) over distinct lower-cased tokens.
func overlapOchiai(qset map[string]struct{}, text string) float64 {
	stoks := unicodeWordRe.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]struct{}, len(stoks))
	inter := 0
	for _, t := range stoks {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	if len(qset) == 0 || len(seen) == 0 {
		return 0
	}
	return float64(inter) / math.Sqrt(float64(len(qset))*float64(len(seen)))
}
