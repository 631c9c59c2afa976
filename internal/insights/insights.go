// Package insights derives presentation helpers from a retrieval result set:
// common terms, source counts, an extractive answer and a frequency summary.
package insights

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"infochat/internal/domain"
)

// MaxCommonTerms caps Insights.CommonTerms.
const MaxCommonTerms = 10

// TermCount is a term and how often it occurs across the results.
type TermCount struct {
	Term  string
	Count int
}

type Insights struct {
	CommonTerms  []TermCount
	SourcesCount int
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var insightStopwords = toSet(
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with", "by",
	"is", "are", "was", "were", "be", "been", "have", "has", "had", "do", "does", "did",
	"will", "would", "could", "should", "may", "might", "must", "can",
	"this", "that", "these", "those",
)

// Generate counts terms longer than three characters, stopwords removed, and the
// distinct source URLs. Equal counts keep first-seen order.
func Generate(results []domain.SearchResult) Insights {
	if len(results) == 0 {
		return Insights{}
	}
	counts := make(map[string]int)
	var order []string
	sources := make(map[string]struct{})
	for _, r := range results {
		sources[r.Chunk.URL] = struct{}{}
		for _, w := range wordRe.FindAllString(strings.ToLower(r.Chunk.Text), -1) {
			if utf8.RuneCountInString(w) <= 3 {
				continue
			}
			if _, stop := insightStopwords[w]; stop {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	terms := make([]TermCount, len(order))
	for i, w := range order {
		terms[i] = TermCount{Term: w, Count: counts[w]}
	}
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].Count > terms[j].Count })
	if len(terms) > MaxCommonTerms {
		terms = terms[:MaxCommonTerms]
	}
	return Insights{CommonTerms: terms, SourcesCount: len(sources)}
}

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
