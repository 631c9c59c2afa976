package insights

import (
	"strings"

	"infochat/internal/domain"
)

const (
	answerChars  = 300
	passageChars = 200
	// SummarySentences caps the summary attached to an answer.
	SummarySentences = 3
	// NoAnswer is the answer text for an empty result set.
	NoAnswer = "No relevant information found."
)

type Source struct {
	Title string
	URL   string
}

type Passage struct {
	Text   string
	Score  float32
	Source Source
}

var summarizer = NewFrequencySummarizer()

// Answer is an extractive answer: the best passage plus citations and a
// frequency summary across all passages.
type Answer struct {
	Text     string
	Summary  string
	Sources  []Source
	Passages []Passage
}

// Extractive builds an answer from results without a language model. Sources
// are deduplicated in result order.
func Extractive(results []domain.SearchResult) Answer {
	if len(results) == 0 {
		return Answer{Text: NoAnswer}
	}
	var a Answer
	seen := make(map[Source]struct{})
	for _, r := range results {
		src := Source{Title: r.Chunk.Title, URL: r.Chunk.URL}
		a.Passages = append(a.Passages, Passage{Text: truncate(r.Chunk.Text, passageChars), Score: r.Score, Source: src})
		if _, ok := seen[src]; !ok {
			seen[src] = struct{}{}
			a.Sources = append(a.Sources, src)
		}
	}
	a.Text = truncate(results[0].Chunk.Text, answerChars)
	a.Summary = summarizer.SummarizeResults(results, SummarySentences)
	return a
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), " ") + "..."
}
