// Package chromem stores chunk vectors in a chromem-go collection, either in
// memory or in a persistent database directory.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"infochat/internal/domain"
	"infochat/internal/vecmath"
)

const (
	metaSeq         = "seq"
	metaDocID       = "doc_id"
	metaChunkID     = "chunk_id"
	metaStartOffset = "start_offset"
	metaEndOffset   = "end_offset"
	metaTitle       = "title"
	metaURL         = "url"

	DefaultCollection = "chunks"
)

var errNoEmbedding = errors.New("chromem store only accepts precomputed embeddings")

// Config selects where the chromem database lives.
type Config struct {
	// Path of the persistent database directory; empty keeps everything in memory.
	Path       string
	Collection string
	Compress   bool
}

// Storage is a domain.VectorStore backed by chromem-go.
//
// chromem normalizes every vector it receives, which turns an all-zero vector
// into NaN. Zero vectors are therefore held aside and always score 0.
type Storage struct {
	mu         sync.RWMutex
	db         *chromem.DB
	name       string
	collection *chromem.Collection
	dimension  int
	next       int
	zeros      []zeroEntry
	logger     zerolog.Logger
}

type zeroEntry struct {
	seq   int
	entry domain.Entry
}

// Option configures a Storage.
type Option func(*Storage)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// NewStorage opens the chromem database described by cfg.
func NewStorage(cfg Config, opts ...Option) (*Storage, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}
	name := cfg.Collection
	if name == "" {
		name = DefaultCollection
	}
	s := &Storage{db: db, name: name, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func rejectEmbed(context.Context, string) ([]float32, error) { return nil, errNoEmbedding }

// Init drops any previous collection of the same name and starts an empty one.
func (s *Storage) Init(dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resetLocked(); err != nil {
		return err
	}
	s.dimension = dimension
	return nil
}

func (s *Storage) resetLocked() error {
	if s.db.GetCollection(s.name, rejectEmbed) != nil {
		if err := s.db.DeleteCollection(s.name); err != nil {
			return fmt.Errorf("failed to drop collection %s: %w", s.name, err)
		}
	}
	c, err := s.db.GetOrCreateCollection(s.name, nil, rejectEmbed)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.name, err)
	}
	s.collection = c
	s.next = 0
	s.zeros = nil
	return nil
}

func (s *Storage) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return errors.New("chunks and vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collection == nil {
		return errors.New("storage not initialized")
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for i, ch := range chunks {
		v := vectors[i]
		if len(v) != s.dimension {
			return fmt.Errorf("vector %d dimension %d, expected %d", i, len(v), s.dimension)
		}
		seq := s.next + i
		if vecmath.IsZero(v) {
			s.zeros = append(s.zeros, zeroEntry{seq: seq, entry: domain.Entry{Chunk: ch, Vector: v}})
			continue
		}
		content := ch.Text
		if content == "" {
			content = " "
		}
		docs = append(docs, chromem.Document{
			ID:        strconv.Itoa(seq),
			Content:   content,
			Metadata:  toMetadata(ch, seq),
			Embedding: v,
		})
	}
	if len(docs) > 0 {
		if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("failed to add documents: %w", err)
		}
	}
	s.next += len(chunks)
	s.logger.Debug().Str("collection", s.name).Int("added", len(chunks)).Int("zero_vectors", len(chunks)-len(docs)).Msg("chromem upsert")
	return nil
}

type scored struct {
	seq    int
	result domain.SearchResult
}

// Search ranks every entry of the collection and keeps the topK best; equal
// scores are ordered by insertion.
func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 || s.collection == nil || s.next == 0 {
		return nil, nil
	}
	var hits []scored
	if n := s.collection.Count(); n > 0 && !vecmath.IsZero(vector) {
		results, err := s.collection.QueryEmbedding(ctx, vector, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query collection: %w", err)
		}
		hits = make([]scored, 0, len(results)+len(s.zeros))
		for _, r := range results {
			ch, seq, err := fromMetadata(r.Metadata, r.Content)
			if err != nil {
				return nil, err
			}
			hits = append(hits, scored{seq: seq, result: domain.SearchResult{Chunk: ch, Score: r.Similarity, Vector: r.Embedding}})
		}
	} else if n > 0 {
		// A zero query scores 0 against everything.
		all, err := s.entriesLocked(ctx)
		if err != nil {
			return nil, err
		}
		for seq, e := range all {
			hits = append(hits, scored{seq: seq, result: domain.SearchResult{Chunk: e.Chunk, Vector: e.Vector}})
		}
		return trim(hits, topK), nil
	}
	for _, z := range s.zeros {
		hits = append(hits, scored{seq: z.seq, result: domain.SearchResult{Chunk: z.entry.Chunk, Vector: z.entry.Vector}})
	}
	return trim(hits, topK), nil
}

func trim(hits []scored, topK int) []domain.SearchResult {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].result.Score != hits[j].result.Score {
			return hits[i].result.Score > hits[j].result.Score
		}
		return hits[i].seq < hits[j].seq
	})
	if topK > len(hits) {
		topK = len(hits)
	}
	out := make([]domain.SearchResult, topK)
	for i := range out {
		out[i] = hits[i].result
	}
	return out
}

// Entries lists every stored chunk and vector in insertion order.
func (s *Storage) Entries(ctx context.Context) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesLocked(ctx)
}

func (s *Storage) entriesLocked(ctx context.Context) ([]domain.Entry, error) {
	if s.collection == nil {
		return nil, nil
	}
	out := make([]domain.Entry, s.next)
	zero := make(map[int]domain.Entry, len(s.zeros))
	for _, z := range s.zeros {
		zero[z.seq] = z.entry
	}
	for seq := 0; seq < s.next; seq++ {
		if e, ok := zero[seq]; ok {
			out[seq] = e
			continue
		}
		doc, err := s.collection.GetByID(ctx, strconv.Itoa(seq))
		if err != nil {
			return nil, fmt.Errorf("failed to get document %d: %w", seq, err)
		}
		ch, _, err := fromMetadata(doc.Metadata, doc.Content)
		if err != nil {
			return nil, err
		}
		out[seq] = domain.Entry{Chunk: ch, Vector: doc.Embedding}
	}
	return out, nil
}

func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

func (s *Storage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

func toMetadata(ch domain.Chunk, seq int) map[string]string {
	return map[string]string{
		metaSeq:         strconv.Itoa(seq),
		metaDocID:       ch.DocumentID,
		metaChunkID:     strconv.Itoa(ch.ChunkID),
		metaStartOffset: strconv.Itoa(ch.StartOffset),
		metaEndOffset:   strconv.Itoa(ch.EndOffset),
		metaTitle:       ch.Title,
		metaURL:         ch.URL,
	}
}

func fromMetadata(meta map[string]string, content string) (domain.Chunk, int, error) {
	ints := make(map[string]int, 4)
	for _, key := range []string{metaSeq, metaChunkID, metaStartOffset, metaEndOffset} {
		n, err := strconv.Atoi(meta[key])
		if err != nil {
			return domain.Chunk{}, 0, fmt.Errorf("%w: chromem metadata %s: %v", domain.ErrCorruptIndex, key, err)
		}
		ints[key] = n
	}
	if content == " " {
		content = ""
	}
	return domain.Chunk{
		DocumentID:  meta[metaDocID],
		ChunkID:     ints[metaChunkID],
		Text:        content,
		StartOffset: ints[metaStartOffset],
		EndOffset:   ints[metaEndOffset],
		Title:       meta[metaTitle],
		URL:         meta[metaURL],
	}, ints[metaSeq], nil
}

var (
	_ domain.VectorStore = (*Storage)(nil)
	_ domain.Enumerable  = (*Storage)(nil)
)
