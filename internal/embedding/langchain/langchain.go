// Package langchain adapts hosted embedding models reached through langchaingo
// (OpenAI-compatible endpoints and Ollama) to the domain Embedder contract.
package langchain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"infochat/internal/domain"
)

// Embedder wraps a langchaingo embeddings.Embedder.
// The dimension is learned from the first successful call and held fixed afterwards.
type Embedder struct {
	name   string
	inner  embeddings.Embedder
	logger zerolog.Logger

	mu  sync.RWMutex
	dim int
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Embedder) { e.logger = l }
}

// WithDimension pins the expected dimension up front instead of learning it.
func WithDimension(dim int) Option {
	return func(e *Embedder) { e.dim = dim }
}

// New wraps an existing langchaingo embedder under the given name.
func New(name string, inner embeddings.Embedder, opts ...Option) *Embedder {
	e := &Embedder{name: name, inner: inner, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenAIConfig selects an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
}

// NewOpenAI builds an embedder against an OpenAI-compatible API.
func NewOpenAI(cfg OpenAIConfig, opts ...Option) (*Embedder, error) {
	clientOpts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init openai client: %w", err)
	}
	inner, err := embeddings.NewEmbedder(llm, batchOpts(cfg.BatchSize)...)
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}
	return New("openai:"+cfg.Model, inner, opts...), nil
}

// OllamaConfig selects a model served by an Ollama instance.
type OllamaConfig struct {
	ServerURL string
	Model     string
	BatchSize int
}

// NewOllama builds an embedder against an Ollama server.
func NewOllama(cfg OllamaConfig, opts ...Option) (*Embedder, error) {
	clientOpts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.ServerURL != "" {
		clientOpts = append(clientOpts, ollama.WithServerURL(cfg.ServerURL))
	}
	llm, err := ollama.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init ollama client: %w", err)
	}
	inner, err := embeddings.NewEmbedder(llm, batchOpts(cfg.BatchSize)...)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return New("ollama:"+cfg.Model, inner, opts...), nil
}

func batchOpts(size int) []embeddings.Option {
	if size <= 0 {
		return nil
	}
	return []embeddings.Option{embeddings.WithBatchSize(size)}
}

func (e *Embedder) Name() string { return e.name }

// Prepare is a no-op: hosted models need no corpus statistics.
func (e *Embedder) Prepare(corpus []string) error { return nil }

// Dimension returns 0 until the first embedding call unless pinned.
func (e *Embedder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dim
}

// Embed sends texts to the provider in one logical batch. The underlying
// langchaingo embedder splits it according to its batch size.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var (
		vecs [][]float32
		err  error
	)
	if len(texts) == 1 {
		var v []float32
		v, err = e.inner.EmbedQuery(ctx, texts[0])
		vecs = [][]float32{v}
	} else {
		vecs, err = e.inner.EmbedDocuments(ctx, texts)
	}
	if err != nil {
		e.logger.Debug().Err(err).Str("embedder", e.name).Int("texts", len(texts)).Msg("embedding request failed")
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%s returned %d vectors for %d texts", e.name, len(vecs), len(texts))
	}
	if err := e.checkDimension(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (e *Embedder) checkDimension(vecs [][]float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%s returned empty vector at %d", e.name, i)
		}
		if e.dim == 0 {
			e.dim = len(v)
			continue
		}
		if len(v) != e.dim {
			return fmt.Errorf("%s returned dimension %d, expected %d", e.name, len(v), e.dim)
		}
	}
	return nil
}

var _ domain.Embedder = (*Embedder)(nil)
