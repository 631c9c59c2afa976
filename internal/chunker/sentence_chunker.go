package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"infochat/internal/domain"
)

// SentenceChunker splits text into sentence-based chunks with overlap.
// Offsets are still reported in token units.
type SentenceChunker struct {
	sentencesPerChunk int
	overlapSentences  int
	splitter          *regexp.Regexp
}

func NewSentenceChunker(sentencesPerChunk, overlapSentences int) (*SentenceChunker, error) {
	if sentencesPerChunk <= 0 {
		return nil, fmt.Errorf("%w: sentences_per_chunk must be positive, got %d", domain.ErrInvalidConfig, sentencesPerChunk)
	}
	if overlapSentences < 0 || overlapSentences >= sentencesPerChunk {
		return nil, fmt.Errorf("%w: overlap_sentences must be in [0, %d), got %d", domain.ErrInvalidConfig, sentencesPerChunk, overlapSentences)
	}
	return &SentenceChunker{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
		splitter:          regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`),
	}, nil
}

func (c *SentenceChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	text := Clean(document.Text)
	sentences := c.splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	// starts[i] is the token offset of sentence i
	starts := make([]int, len(sentences)+1)
	for i, s := range sentences {
		starts[i+1] = starts[i] + len(strings.Fields(s))
	}
	var chunks []domain.Chunk
	i := 0
	for i < len(sentences) {
		end := i + c.sentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		chunks = append(chunks, domain.Chunk{
			DocumentID:  document.ID,
			ChunkID:     len(chunks),
			Text:        strings.Join(sentences[i:end], " "),
			StartOffset: starts[i],
			EndOffset:   starts[end],
			Title:       document.Title,
			URL:         document.URL,
		})
		if end == len(sentences) {
			break
		}
		i = end - c.overlapSentences
	}
	return chunks, nil
}

// splitSentences keeps trailing text without terminal punctuation as its own sentence.
func (c *SentenceChunker) splitSentences(text string) []string {
	var out []string
	consumed := 0
	for _, loc := range c.splitter.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			out = append(out, s)
		}
		consumed = loc[1]
	}
	if rest := strings.TrimSpace(text[consumed:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
