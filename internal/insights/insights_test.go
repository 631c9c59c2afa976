package insights

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"infochat/internal/domain"
)

func result(text, title, url string, score float32) domain.SearchResult {
	return domain.SearchResult{Chunk: domain.Chunk{Text: text, Title: title, URL: url}, Score: score}
}

func TestGenerate(t *testing.T) {
	res := []domain.SearchResult{
		result("Python lists and Python tuples", "A", "https://a", 0.9),
		result("Tuples are immutable; lists have methods. Python!", "B", "https://b", 0.5),
		result("python again", "A", "https://a", 0.1),
	}
	got := Generate(res)
	assert.Equal(t, 2, got.SourcesCount)
	assert.Equal(t, []TermCount{
		{"python", 4},
		{"lists", 2},
		{"tuples", 2},
		{"immutable", 1},
		{"methods", 1},
		{"again", 1},
	}, got.CommonTerms)
}

func TestGenerate_CapsAndEmpty(t *testing.T) {
	assert.Equal(t, Insights{}, Generate(nil))

	words := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet", "kilo", "lima"}
	got := Generate([]domain.SearchResult{result(strings.Join(words, " "), "", "u", 1)})
	assert.Len(t, got.CommonTerms, MaxCommonTerms)
	assert.Equal(t, "alpha", got.CommonTerms[0].Term)
}

func TestExtractive(t *testing.T) {
	assert.Equal(t, Answer{Text: NoAnswer}, Extractive(nil))

	long := strings.Repeat("word ", 100)
	res := []domain.SearchResult{
		result(long, "A", "https://a", 0.9),
		result("short", "A", "https://a", 0.5),
		result("other", "B", "https://b", 0.4),
	}
	a := Extractive(res)
	assert.True(t, strings.HasSuffix(a.Text, "..."))
	assert.LessOrEqual(t, len([]rune(a.Text)), answerChars+3)
	assert.Equal(t, []Source{{"A", "https://a"}, {"B", "https://b"}}, a.Sources)
	assert.Len(t, a.Passages, 3)
	assert.Equal(t, "short", a.Passages[1].Text)
	assert.Equal(t, float32(0.5), a.Passages[1].Score)
	assert.NotEmpty(t, a.Summary)
}

func TestExtractive_Summary(t *testing.T) {
	res := []domain.SearchResult{
		result("Goroutines are cheap. The weather is nice.", "A", "https://a", 0.9),
		result("Channels connect goroutines. Goroutines scale.", "B", "https://b", 0.8),
	}
	a := Extractive(res)
	assert.Equal(t, "Goroutines are cheap. Channels connect goroutines. Goroutines scale.", a.Summary)
}

func TestFrequencySummarizer(t *testing.T) {
	s := NewFrequencySummarizer()
	text := "Go has goroutines. Goroutines are cheap threads. The weather is nice. Channels connect goroutines"
	got := s.Summarize(text, 2)
	assert.Equal(t, "Goroutines are cheap threads. Channels connect goroutines", got)

	assert.Equal(t, "no punctuation", s.Summarize("  no punctuation ", 3))
	assert.Equal(t, "The a.", s.Summarize("The a.", 1))

	res := []domain.SearchResult{result("One fact.", "", "", 1), result("Two facts.", "", "", 1)}
	assert.Equal(t, "One fact. Two facts.", s.SummarizeResults(res, 5))
}
