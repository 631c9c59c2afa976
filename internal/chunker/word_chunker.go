package chunker

import (
	"fmt"
	"strings"

	"infochat/internal/domain"
)

const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
)

// WordChunker splits cleaned text into windows of chunkSize tokens that
// advance by chunkSize-overlap tokens.
type WordChunker struct {
	chunkSize int
	overlap   int
}

// NewWordChunker validates the window configuration. A non-positive step is rejected.
func NewWordChunker(chunkSize, overlap int) (*WordChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk_size must be positive, got %d", domain.ErrInvalidConfig, chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: chunk_overlap must not be negative, got %d", domain.ErrInvalidConfig, overlap)
	}
	if overlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk_overlap (%d) must be smaller than chunk_size (%d)", domain.ErrInvalidConfig, overlap, chunkSize)
	}
	return &WordChunker{chunkSize: chunkSize, overlap: overlap}, nil
}

func (c *WordChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	tokens := Tokens(document.Text)
	if len(tokens) == 0 {
		return nil, nil
	}
	step := c.chunkSize - c.overlap
	chunks := make([]domain.Chunk, 0, len(tokens)/step+1)
	for start := 0; ; start += step {
		end := start + c.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, domain.Chunk{
			DocumentID:  document.ID,
			ChunkID:     len(chunks),
			Text:        strings.Join(tokens[start:end], " "),
			StartOffset: start,
			EndOffset:   end,
			Title:       document.Title,
			URL:         document.URL,
		})
		if end == len(tokens) {
			break
		}
	}
	return chunks, nil
}
