package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"infochat/internal/domain"
	"infochat/internal/vecmath"
)

// Storage is a flat in-memory vector store using brute-force inner product.
// Vectors are expected to be L2-normalized by the caller.
type Storage struct {
	mu        sync.RWMutex
	dimension int
	vectors   [][]float32
	chunks    []domain.Chunk
}

func NewStorage() *Storage { return &Storage{} }

func (s *Storage) Init(dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimension = dimension
	s.vectors = nil
	s.chunks = nil
	return nil
}

func (s *Storage) Upsert(_ context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return errors.New("chunks and vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		return errors.New("storage not initialized")
	}
	for i, v := range vectors {
		if len(v) != s.dimension {
			return fmt.Errorf("vector %d dimension %d, expected %d", i, len(v), s.dimension)
		}
	}
	s.chunks = append(s.chunks, chunks...)
	s.vectors = append(s.vectors, vectors...)
	return nil
}

// Search scores every entry against vector and returns the topK best. Equal
// scores keep insertion order.
func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 || len(s.vectors) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scores := make([]float32, len(s.vectors))
	for i := range s.vectors {
		scores[i] = vecmath.Dot(s.vectors[i], vector)
	}
	idxs := argsortDesc(scores)
	if topK > len(idxs) {
		topK = len(idxs)
	}
	results := make([]domain.SearchResult, 0, topK)
	for _, j := range idxs[:topK] {
		results = append(results, domain.SearchResult{Chunk: s.chunks[j], Score: scores[j], Vector: s.vectors[j]})
	}
	return results, nil
}

// Entries lists every stored chunk and vector in insertion order.
func (s *Storage) Entries(_ context.Context) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Entry, len(s.chunks))
	for i := range s.chunks {
		out[i] = domain.Entry{Chunk: s.chunks[i], Vector: s.vectors[i]}
	}
	return out, nil
}

func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *Storage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = nil
	s.chunks = nil
	return nil
}

func argsortDesc(vals []float32) []int {
	idxs := make([]int, len(vals))
	for i := range vals {
		idxs[i] = i
	}
	sort.SliceStable(idxs, func(a, b int) bool { return vals[idxs[a]] > vals[idxs[b]] })
	return idxs
}

var (
	_ domain.VectorStore = (*Storage)(nil)
	_ domain.Enumerable  = (*Storage)(nil)
)
