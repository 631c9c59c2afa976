// Package index is the flat vector index: it embeds chunks, normalizes their
// vectors, stores them in a backend and answers inner-product queries.
//
// Searches may run concurrently. Build and Load take the index exclusively.
package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"infochat/internal/domain"
	"infochat/internal/embedding"
	"infochat/internal/vecmath"
	"infochat/internal/vectorstore"
)

type Index struct {
	embedder domain.Embedder
	newStore vectorstore.Factory
	logger   zerolog.Logger

	mu    sync.RWMutex
	store domain.VectorStore
	dim   int
	built bool
}

// Option configures an Index.
type Option func(*Index)

func WithLogger(l zerolog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// New returns an unbuilt index. A nil factory selects the in-memory backend.
func New(embedder domain.Embedder, factory vectorstore.Factory, opts ...Option) *Index {
	if factory == nil {
		factory, _ = vectorstore.NewFactory(vectorstore.Config{})
	}
	ix := &Index{embedder: embedder, newStore: factory, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Build embeds every chunk in one provider call and replaces the index contents.
// A failed build leaves the previous contents and embedder state in place.
func (ix *Index) Build(ctx context.Context, chunks []domain.Chunk) (err error) {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks to index", domain.ErrEmptyInput)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	restore, err := ix.snapshotLocked()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			restore()
		}
	}()

	start := time.Now()
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	if err := ix.embedder.Prepare(texts); err != nil {
		return fmt.Errorf("%w: prepare %s: %w", domain.ErrProvider, ix.embedder.Name(), err)
	}
	raw, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embed chunks: %w", domain.ErrProvider, err)
	}
	vectors, dim, err := normalizeAll(raw, len(chunks))
	if err != nil {
		return err
	}

	store, err := ix.newStore()
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	if err := store.Init(dim); err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	if err := store.Upsert(ctx, chunks, vectors); err != nil {
		return fmt.Errorf("store vectors: %w", err)
	}
	ix.store, ix.dim, ix.built = store, dim, true
	ix.logger.Info().
		Int("chunks", len(chunks)).
		Int("dimension", dim).
		Str("embedder", ix.embedder.Name()).
		Dur("took", time.Since(start)).
		Msg("index built")
	return nil
}

// snapshotLocked captures the state of a stateful embedder backing a built
// index. The returned func puts that state back.
func (ix *Index) snapshotLocked() (func(), error) {
	st, ok := ix.embedder.(embedding.Stateful)
	if !ok || !ix.built || ix.store == nil {
		return func() {}, nil
	}
	state, err := st.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot embedder state: %w", domain.ErrProvider, err)
	}
	return func() {
		if err := st.UnmarshalState(state); err != nil {
			ix.logger.Error().Err(err).Msg("failed to restore embedder state")
		}
	}, nil
}

func normalizeAll(raw [][]float32, want int) ([][]float32, int, error) {
	if len(raw) != want {
		return nil, 0, fmt.Errorf("%w: got %d vectors for %d texts", domain.ErrProvider, len(raw), want)
	}
	dim := len(raw[0])
	if dim == 0 {
		return nil, 0, fmt.Errorf("%w: empty embedding", domain.ErrProvider)
	}
	out := make([][]float32, len(raw))
	for i, v := range raw {
		if len(v) != dim {
			return nil, 0, fmt.Errorf("%w: vector %d has dimension %d, expected %d", domain.ErrProvider, i, len(v), dim)
		}
		out[i] = vecmath.Normalize(v)
	}
	return out, dim, nil
}

// EmbedQuery embeds and normalizes query into the index's vector space.
func (ix *Index) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return nil, domain.ErrIndexNotBuilt
	}
	return ix.embedQueryLocked(ctx, query)
}

func (ix *Index) embedQueryLocked(ctx context.Context, query string) ([]float32, error) {
	raw, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", domain.ErrProvider, err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for 1 query", domain.ErrProvider, len(raw))
	}
	if ix.dim > 0 && len(raw[0]) != ix.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", domain.ErrProvider, len(raw[0]), ix.dim)
	}
	return vecmath.Normalize(raw[0]), nil
}

// Search returns the topK entries most similar to query, best first.
// Equal scores keep insertion order. An empty index yields no results.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ix.checkSearch(topK); err != nil {
		return nil, err
	}
	if ix.countLocked() == 0 {
		return []domain.SearchResult{}, nil
	}
	vec, err := ix.embedQueryLocked(ctx, query)
	if err != nil {
		return nil, err
	}
	return ix.searchLocked(ctx, vec, topK)
}

// SearchVector is Search for a query that has already been embedded and normalized.
func (ix *Index) SearchVector(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ix.checkSearch(topK); err != nil {
		return nil, err
	}
	if ix.countLocked() == 0 {
		return []domain.SearchResult{}, nil
	}
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", domain.ErrInvalidConfig, len(vector), ix.dim)
	}
	return ix.searchLocked(ctx, vector, topK)
}

func (ix *Index) checkSearch(topK int) error {
	if !ix.built {
		return domain.ErrIndexNotBuilt
	}
	if topK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", domain.ErrInvalidConfig, topK)
	}
	return nil
}

func (ix *Index) searchLocked(ctx context.Context, vec []float32, topK int) ([]domain.SearchResult, error) {
	results, err := ix.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search vector store: %w", err)
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	return results, nil
}

// Chunks lists the indexed chunks in insertion order.
func (ix *Index) Chunks(ctx context.Context) ([]domain.Chunk, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries, err := ix.entriesLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, len(entries))
	for i, e := range entries {
		out[i] = e.Chunk
	}
	return out, nil
}

func (ix *Index) entriesLocked(ctx context.Context) ([]domain.Entry, error) {
	if !ix.built {
		return nil, domain.ErrIndexNotBuilt
	}
	if ix.store == nil {
		return nil, nil
	}
	en, ok := ix.store.(domain.Enumerable)
	if !ok {
		return nil, fmt.Errorf("%w: vector store %T cannot list its entries", domain.ErrUnsupported, ix.store)
	}
	return en.Entries(ctx)
}

// Count is the number of entries; 0 before build.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.countLocked()
}

func (ix *Index) countLocked() int {
	if ix.store == nil {
		return 0
	}
	return ix.store.Count()
}

// Dimension of the stored vectors; 0 before build.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Built reports whether Build or Load has completed.
func (ix *Index) Built() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.built
}

// EmbedderName names the provider that produced the vectors.
func (ix *Index) EmbedderName() string { return ix.embedder.Name() }
