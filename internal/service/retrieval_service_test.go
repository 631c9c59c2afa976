package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infochat/internal/chunker"
	"infochat/internal/domain"
	"infochat/internal/embedding/tfidf"
	"infochat/internal/index"
	"infochat/internal/vecmath"
)

func docs(texts ...string) []domain.Document {
	out := make([]domain.Document, len(texts))
	for i, t := range texts {
		out[i] = domain.Document{ID: string(rune('a' + i)), Title: "T", URL: "https://example.com", Text: t}
	}
	return out
}

func newService(t *testing.T, mutate func(*Config)) *RetrievalService {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewRetrievalService(cfg, index.New(tfidf.NewEmbedder(), nil))
	require.NoError(t, err)
	return svc
}

func TestRetrievalService_PlainSearch(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	stats, err := svc.Ingest(ctx, docs("the cat sat", "the dog ran", "cats and dogs are pets"))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Documents)
	assert.Equal(t, 3, stats.Chunks)

	res, err := svc.Retrieve(ctx, "cat", 1, false)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "the cat sat", res[0].Chunk.Text)
	assert.Equal(t, "a", res[0].Chunk.DocumentID)
	assert.Equal(t, "https://example.com", res[0].Chunk.URL)

	res, err = svc.Retrieve(ctx, "cat", 0, false)
	require.NoError(t, err)
	assert.Len(t, res, 3, "default top_k is capped by the index size")
}

func TestRetrievalService_DiversityAvoidsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, func(c *Config) { c.MMRDiversity = 0.5 })
	_, err := svc.Ingest(ctx, docs("the cat sat", "the dog ran", "cats and dogs are pets", "the cat sat"))
	require.NoError(t, err)

	plain, err := svc.Retrieve(ctx, "cat", 2, false)
	require.NoError(t, err)
	require.Len(t, plain, 2)
	assert.Equal(t, "the cat sat", plain[1].Chunk.Text, "plain search returns the duplicate second")

	diverse, err := svc.Retrieve(ctx, "cat", 2, true)
	require.NoError(t, err)
	require.Len(t, diverse, 2)
	assert.Equal(t, plain[0].Chunk, diverse[0].Chunk)
	assert.NotEqual(t, plain[1].Chunk.Text, diverse[1].Chunk.Text)

	sim := vecmath.Cosine(diverse[0].Vector, diverse[1].Vector)
	dup := vecmath.Cosine(plain[0].Vector, plain[1].Vector)
	assert.Less(t, sim, dup)
}

func TestRetrievalService_Errors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	_, err := svc.Retrieve(ctx, "cat", 1, false)
	assert.ErrorIs(t, err, domain.ErrIndexNotBuilt)
	_, err = svc.Ingest(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	_, err = svc.Ingest(ctx, docs("", "   "))
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
}

func TestRetrievalService_MinScore(t *testing.T) {
	ctx := context.Background()
	floor := float32(0.5)
	svc := newService(t, func(c *Config) { c.MinScore = &floor })
	_, err := svc.Ingest(ctx, docs("the cat sat", "the dog ran", "cats and dogs are pets"))
	require.NoError(t, err)

	res, err := svc.Retrieve(ctx, "cat", 3, false)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "the cat sat", res[0].Chunk.Text)

	res, err = svc.Retrieve(ctx, "zebra", 3, true)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRetrievalService_LexicalFallback(t *testing.T) {
	ctx := context.Background()
	corpus := docs("the cat sat", "the dog ran", "cats and dogs are pets")

	// "the" is a stopword for TF-IDF, so the query embeds to a zero vector.
	off := newService(t, nil)
	_, err := off.Ingest(ctx, corpus)
	require.NoError(t, err)
	res, err := off.Retrieve(ctx, "the", 3, false)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for _, r := range res {
		assert.Zero(t, r.Score)
	}

	on := newService(t, func(c *Config) { c.LexicalFallback = true })
	_, err = on.Ingest(ctx, corpus)
	require.NoError(t, err)
	res, err = on.Retrieve(ctx, "the", 3, false)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "the cat sat", res[0].Chunk.Text)
	assert.Equal(t, "the dog ran", res[1].Chunk.Text)
	assert.Greater(t, res[0].Score, float32(0))
}

func TestRetrievalService_SaveLoad(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)
	_, err := svc.Ingest(ctx, docs("the cat sat", "the dog ran"))
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, svc.Save(ctx, dir))

	loaded := newService(t, nil)
	require.NoError(t, loaded.Load(ctx, dir))
	assert.Equal(t, Stats{Built: true, Entries: 2, Dimension: 4, Embedder: "tfidf"}, loaded.Stats())

	res, err := loaded.Retrieve(ctx, "dog", 1, true)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "the dog ran", res[0].Chunk.Text)
}

func TestRetrievalService_WithSentenceChunker(t *testing.T) {
	ctx := context.Background()
	sc, err := chunker.NewSentenceChunker(1, 0)
	require.NoError(t, err)
	svc, err := NewRetrievalService(DefaultConfig(), index.New(tfidf.NewEmbedder(), nil), WithChunker(sc))
	require.NoError(t, err)
	stats, err := svc.Ingest(ctx, docs("Cats purr. Dogs bark."))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
}

// slowEmbedder blocks on queries until the context ends.
type slowEmbedder struct {
	*tfidf.Embedder
	block bool
}

func (s *slowEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Embedder.Embed(ctx, texts)
}

func TestRetrievalService_ProviderTimeout(t *testing.T) {
	ctx := context.Background()
	emb := &slowEmbedder{Embedder: tfidf.NewEmbedder()}
	cfg := DefaultConfig()
	cfg.EmbedTimeout = 20 * time.Millisecond
	svc, err := NewRetrievalService(cfg, index.New(emb, nil))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, docs("the cat sat"))
	require.NoError(t, err)

	emb.block = true
	_, err = svc.Retrieve(ctx, "cat", 1, true)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewRetrievalService_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.ChunkOverlap = c.ChunkSize }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"zero top_k", func(c *Config) { c.TopK = 0 }},
		{"diversity above one", func(c *Config) { c.MMRDiversity = 1.5 }},
		{"zero overfetch", func(c *Config) { c.Overfetch = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewRetrievalService(cfg, index.New(tfidf.NewEmbedder(), nil))
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
	_, err := NewRetrievalService(DefaultConfig(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestOverlapOchiai(t *testing.T) {
	q := toTokenSet("Cat dog")
	assert.InDelta(t, 1.0, overlapOchiai(q, "dog CAT"), 1e-9)
	assert.InDelta(t, 0.5, overlapOchiai(q, "cat bird"), 1e-9)
	assert.Zero(t, overlapOchiai(q, "fish"))
	assert.Zero(t, overlapOchiai(toTokenSet(""), "fish"))
}
