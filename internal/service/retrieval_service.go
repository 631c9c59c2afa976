package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"infochat/internal/chunker"
	"infochat/internal/domain"
	"infochat/internal/index"
	"infochat/internal/rerank"
	"infochat/internal/vecmath"
)

// RetrievalService composes chunking, the vector index and MMR re-ranking.
// It is safe for concurrent Retrieve calls; Ingest and Load are exclusive
// through the index's own locking.
type RetrievalService struct {
	cfg     Config
	chunker domain.Chunker
	index   *index.Index
	logger  zerolog.Logger
}

// Option configures a RetrievalService.
type Option func(*RetrievalService)

func WithLogger(l zerolog.Logger) Option {
	return func(s *RetrievalService) { s.logger = l }
}

// WithChunker replaces the word chunker derived from Config.
func WithChunker(c domain.Chunker) Option {
	return func(s *RetrievalService) { s.chunker = c }
}

func NewRetrievalService(cfg Config, ix *index.Index, opts ...Option) (*RetrievalService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ix == nil {
		return nil, fmt.Errorf("%w: nil index", domain.ErrInvalidConfig)
	}
	s := &RetrievalService{cfg: cfg, index: ix, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunker == nil {
		wc, err := chunker.NewWordChunker(cfg.ChunkSize, cfg.ChunkOverlap)
		if err != nil {
			return nil, err
		}
		s.chunker = wc
	}
	return s, nil
}

// IngestStats reports what an Ingest call indexed.
type IngestStats struct {
	Documents int
	Chunks    int
	Took      time.Duration
}

// Ingest chunks docs and rebuilds the index from them.
func (s *RetrievalService) Ingest(ctx context.Context, docs []domain.Document) (IngestStats, error) {
	start := time.Now()
	var all []domain.Chunk
	for _, d := range docs {
		chunks, err := s.chunker.Chunk(d)
		if err != nil {
			return IngestStats{}, fmt.Errorf("chunk document %s: %w", d.ID, err)
		}
		all = append(all, chunks...)
	}
	ctx, cancel := s.embedContext(ctx)
	defer cancel()
	if err := s.index.Build(ctx, all); err != nil {
		return IngestStats{}, err
	}
	stats := IngestStats{Documents: len(docs), Chunks: len(all), Took: time.Since(start)}
	s.logger.Info().Int("documents", stats.Documents).Int("chunks", stats.Chunks).Dur("took", stats.Took).Msg("ingest complete")
	return stats, nil
}

func (s *RetrievalService) embedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.EmbedTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	}
	return context.WithCancel(ctx)
}

// Retrieve returns up to topK chunks for query, best first. topK <= 0 uses the
// configured default. With useDiversity the index is over-fetched and the pool
// re-ranked by MMR using the stored candidate vectors.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, topK int, useDiversity bool) ([]domain.SearchResult, error) {
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if !s.index.Built() {
		return nil, domain.ErrIndexNotBuilt
	}
	if s.index.Count() == 0 {
		return []domain.SearchResult{}, nil
	}

	ectx, cancel := s.embedContext(ctx)
	vec, err := s.index.EmbedQuery(ectx, query)
	cancel()
	if err != nil {
		return nil, err
	}
	if s.cfg.LexicalFallback && vecmath.IsZero(vec) {
		return s.lexical(ctx, query, topK)
	}

	fetch := topK
	if useDiversity {
		fetch = topK * s.cfg.Overfetch
	}
	results, err := s.index.SearchVector(ctx, vec, fetch)
	if err != nil {
		return nil, err
	}
	if s.cfg.LexicalFallback && allNonPositive(results) {
		return s.lexical(ctx, query, topK)
	}
	results = s.applyThreshold(results)
	if useDiversity {
		results, err = rerank.MMR(vec, results, topK, s.cfg.MMRDiversity)
		if err != nil {
			return nil, err
		}
	}
	s.logger.Debug().
		Int("query_len", len(query)).
		Int("top_k", topK).
		Bool("diversity", useDiversity).
		Int("results", len(results)).
		Msg("retrieve")
	return results, nil
}

func (s *RetrievalService) applyThreshold(results []domain.SearchResult) []domain.SearchResult {
	if s.cfg.MinScore == nil {
		return results
	}
	floor := *s.cfg.MinScore
	out := results[:0]
	for _, r := range results {
		if r.Score >= floor {
			out = append(out, r)
		}
	}
	return out
}

func allNonPositive(results []domain.SearchResult) bool {
	for _, r := range results {
		if r.Score > 1e-9 {
			return false
		}
	}
	return true
}

// Save writes the index to dir.
func (s *RetrievalService) Save(ctx context.Context, dir string) error {
	return s.index.Save(ctx, dir)
}

// Load replaces the index with the one saved in dir.
func (s *RetrievalService) Load(ctx context.Context, dir string) error {
	return s.index.Load(ctx, dir)
}

// Stats describes the current index.
type Stats struct {
	Built     bool
	Entries   int
	Dimension int
	Embedder  string
}

func (s *RetrievalService) Stats() Stats {
	return Stats{
		Built:     s.index.Built(),
		Entries:   s.index.Count(),
		Dimension: s.index.Dimension(),
		Embedder:  s.index.EmbedderName(),
	}
}

// Config returns the service configuration.
func (s *RetrievalService) Config() Config { return s.cfg }

var _ domain.Retriever = (*RetrievalService)(nil)
