package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"infochat/internal/domain"
)

// Storage is a minimal REST client to Qdrant.
// Vectors arrive normalized, so the collection uses dot-product distance; Qdrant's
// cosine mode would renormalize and cannot represent zero vectors.
type Storage struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	logger     zerolog.Logger

	mu        sync.RWMutex
	dimension int
	count     int
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// Option configures a Storage.
type Option func(*Storage)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithHTTPClient replaces the default client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Storage) { s.client = c }
}

func NewStorage(cfg Config, opts ...Option) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "chunks"
	}
	s := &Storage{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: collection,
		client:     &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init recreates the collection: the index is always rebuilt wholesale.
func (s *Storage) Init(dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	ctx := context.Background()
	if err := s.dropCollection(ctx); err != nil {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Dot",
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(), body, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.dimension = dimension
	s.count = 0
	s.mu.Unlock()
	return nil
}

func (s *Storage) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return errors.New("chunks and vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		return errors.New("storage not initialized")
	}
	points := make([]map[string]any, len(chunks))
	for i := range chunks {
		if len(vectors[i]) != s.dimension {
			return fmt.Errorf("vector %d dimension %d, expected %d", i, len(vectors[i]), s.dimension)
		}
		seq := s.count + i
		points[i] = map[string]any{
			"id":     s.pointID(seq),
			"vector": vectors[i],
			"payload": map[string]any{
				"seq":          seq,
				"doc_id":       chunks[i].DocumentID,
				"chunk_id":     chunks[i].ChunkID,
				"text":         chunks[i].Text,
				"start_offset": chunks[i].StartOffset,
				"end_offset":   chunks[i].EndOffset,
				"title":        chunks[i].Title,
				"url":          chunks[i].URL,
			},
		}
	}
	body := map[string]any{"points": points}
	if err := s.do(ctx, http.MethodPut, s.collectionURL()+"/points?wait=true", body, nil); err != nil {
		return err
	}
	s.count += len(chunks)
	s.logger.Debug().Str("collection", s.collection).Int("points", len(points)).Msg("qdrant upsert")
	return nil
}

// pointID derives a stable UUID; Qdrant ids must be unsigned integers or UUIDs.
func (s *Storage) pointID(seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.collection+"/"+strconv.Itoa(seq))).String()
}

type payload struct {
	Seq         int    `json:"seq"`
	DocumentID  string `json:"doc_id"`
	ChunkID     int    `json:"chunk_id"`
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Title       string `json:"title"`
	URL         string `json:"url"`
}

type hit struct {
	Score   float32   `json:"score"`
	Payload payload   `json:"payload"`
	Vector  []float32 `json:"vector"`
}

type searchResponse struct {
	Result []hit `json:"result"`
}

// searchMargin is how many extra points are requested beyond topK so that
// equal scores at the cut can be ordered by insertion.
const searchMargin = 8

// Search asks Qdrant for a few more points than topK and orders equal scores
// by insertion. While ties reach past the fetched window the window is widened.
func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	count := s.Count()
	if topK <= 0 || count == 0 {
		return nil, nil
	}
	limit := topK + searchMargin
	var hits []hit
	for {
		if limit > count {
			limit = count
		}
		var err error
		hits, err = s.query(ctx, vector, limit)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(hits, func(i, j int) bool {
			a, b := hits[i], hits[j]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.Payload.Seq < b.Payload.Seq
		})
		if len(hits) <= topK || len(hits) < limit || limit == count || hits[len(hits)-1].Score != hits[topK-1].Score {
			break
		}
		limit *= 2
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	results := make([]domain.SearchResult, 0, len(hits))
	for _, r := range hits {
		p := r.Payload
		results = append(results, domain.SearchResult{
			Chunk: domain.Chunk{
				DocumentID:  p.DocumentID,
				ChunkID:     p.ChunkID,
				Text:        p.Text,
				StartOffset: p.StartOffset,
				EndOffset:   p.EndOffset,
				Title:       p.Title,
				URL:         p.URL,
			},
			Score:  r.Score,
			Vector: r.Vector,
		})
	}
	return results, nil
}

func (s *Storage) query(ctx context.Context, vector []float32, limit int) ([]hit, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	var resp searchResponse
	if err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

type collectionResponse struct {
	Result struct {
		PointsCount *int `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// Attach reopens a collection filled by an earlier process.
func (s *Storage) Attach(ctx context.Context) (int, int, error) {
	var resp collectionResponse
	err := s.do(ctx, http.MethodGet, s.collectionURL(), nil, &resp)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return 0, 0, fmt.Errorf("qdrant collection %s not found", s.collection)
	}
	if err != nil {
		return 0, 0, err
	}
	vec := resp.Result.Config.Params.Vectors
	if vec.Size <= 0 {
		return 0, 0, fmt.Errorf("qdrant collection %s has no single vector config", s.collection)
	}
	if vec.Distance != "" && vec.Distance != "Dot" {
		return 0, 0, fmt.Errorf("qdrant collection %s uses %s distance, expected Dot", s.collection, vec.Distance)
	}
	count := 0
	if resp.Result.PointsCount != nil {
		count = *resp.Result.PointsCount
	}
	s.mu.Lock()
	s.dimension = vec.Size
	s.count = count
	s.mu.Unlock()
	s.logger.Debug().Str("collection", s.collection).Int("points", count).Int("dimension", vec.Size).Msg("qdrant attach")
	return count, vec.Size, nil
}

func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Storage) Clear(ctx context.Context) error {
	if err := s.dropCollection(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.count = 0
	s.dimension = 0
	s.mu.Unlock()
	return nil
}

func (s *Storage) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", s.url, s.collection)
}

func (s *Storage) dropCollection(ctx context.Context) error {
	err := s.do(ctx, http.MethodDelete, s.collectionURL(), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	method string
	url    string
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %s", e.method, e.url, e.status)
}

func (s *Storage) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{method: method, url: url, code: resp.StatusCode, status: resp.Status}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var (
	_ domain.VectorStore = (*Storage)(nil)
	_ domain.Attachable  = (*Storage)(nil)
)
