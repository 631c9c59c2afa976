package service

import (
	"fmt"
	"time"

	"infochat/internal/chunker"
	"infochat/internal/domain"
	"infochat/internal/rerank"
)

// Config is the explicit configuration of a RetrievalService.
type Config struct {
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	// MMRDiversity is λ, the relevance weight of the MMR score.
	MMRDiversity float64
	// Overfetch multiplies top_k to size the MMR candidate pool.
	Overfetch int
	// MinScore drops results scoring below it; nil disables the threshold.
	MinScore *float32
	// LexicalFallback ranks by token overlap when the embedding finds nothing.
	LexicalFallback bool
	// EmbedTimeout bounds each provider call; zero means no bound.
	EmbedTimeout time.Duration
}

const (
	DefaultTopK      = 5
	DefaultOverfetch = 3
)

func DefaultConfig() Config {
	return Config{
		EmbeddingModel: "all-MiniLM-L6-v2",
		ChunkSize:      chunker.DefaultChunkSize,
		ChunkOverlap:   chunker.DefaultChunkOverlap,
		TopK:           DefaultTopK,
		MMRDiversity:   rerank.DefaultDiversity,
		Overfetch:      DefaultOverfetch,
		EmbedTimeout:   30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive, got %d", domain.ErrInvalidConfig, c.ChunkSize)
	case c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize:
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size %d)", domain.ErrInvalidConfig, c.ChunkOverlap, c.ChunkSize)
	case c.TopK <= 0:
		return fmt.Errorf("%w: top_k must be positive, got %d", domain.ErrInvalidConfig, c.TopK)
	case c.MMRDiversity < 0 || c.MMRDiversity > 1:
		return fmt.Errorf("%w: mmr_diversity must be in [0,1], got %v", domain.ErrInvalidConfig, c.MMRDiversity)
	case c.Overfetch < 1:
		return fmt.Errorf("%w: overfetch must be at least 1, got %d", domain.ErrInvalidConfig, c.Overfetch)
	case c.EmbedTimeout < 0:
		return fmt.Errorf("%w: negative embed timeout", domain.ErrInvalidConfig)
	}
	return nil
}
