package index

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infochat/internal/domain"
	"infochat/internal/embedding/tfidf"
	"infochat/internal/vectorstore"
	"infochat/internal/vectorstore/memory"
)

// mapEmbedder returns fixed vectors per text and a zero vector for unknown text.
type mapEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
	calls   int
	err     error
	short   bool
}

func (m *mapEmbedder) Name() string           { return "map" }
func (m *mapEmbedder) Prepare([]string) error { return nil }
func (m *mapEmbedder) Dimension() int         { return m.dim }

func (m *mapEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, ok := m.vectors[t]
		if !ok {
			v = make([]float32, m.dim)
		}
		out = append(out, v)
	}
	if m.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func fixture() (*mapEmbedder, []domain.Chunk) {
	emb := &mapEmbedder{dim: 3, vectors: map[string][]float32{
		"alpha": {2, 0, 0},
		"beta":  {0, 3, 0},
		"gamma": {1, 1, 0},
		"delta": {2, 0, 0},
		"q":     {1, 0, 0},
	}}
	var chunks []domain.Chunk
	for i, text := range []string{"alpha", "beta", "gamma", "delta"} {
		chunks = append(chunks, domain.Chunk{DocumentID: "doc", ChunkID: i, Text: text, StartOffset: i, EndOffset: i + 1, Title: "Doc", URL: "https://example.com"})
	}
	return emb, chunks
}

func TestIndex_BuildAndSearch(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	ix := New(emb, nil)
	require.NoError(t, ix.Build(ctx, chunks))
	assert.Equal(t, 4, ix.Count())
	assert.Equal(t, 3, ix.Dimension())
	assert.True(t, ix.Built())
	assert.Equal(t, 1, emb.calls, "build embeds in one batch")

	res, err := ix.Search(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, res, 4, "top_k larger than the index returns every entry")
	// alpha and delta tie at 1; insertion order breaks the tie
	assert.Equal(t, "alpha", res[0].Chunk.Text)
	assert.Equal(t, "delta", res[1].Chunk.Text)
	assert.Equal(t, "gamma", res[2].Chunk.Text)
	assert.Equal(t, "beta", res[3].Chunk.Text)
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}

	res, err = ix.Search(ctx, "q", 2)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestIndex_Errors(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	ix := New(emb, nil)

	_, err := ix.Search(ctx, "q", 1)
	assert.ErrorIs(t, err, domain.ErrIndexNotBuilt)
	_, err = ix.EmbedQuery(ctx, "q")
	assert.ErrorIs(t, err, domain.ErrIndexNotBuilt)
	assert.ErrorIs(t, ix.Save(ctx, t.TempDir()), domain.ErrIndexNotBuilt)

	assert.ErrorIs(t, ix.Build(ctx, nil), domain.ErrEmptyInput)

	require.NoError(t, ix.Build(ctx, chunks))
	_, err = ix.Search(ctx, "q", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestIndex_ProviderErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	emb, chunks := fixture()
	emb.err = boom
	err := New(emb, nil).Build(ctx, chunks)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.ErrorIs(t, err, boom)

	emb, chunks = fixture()
	emb.short = true
	assert.ErrorIs(t, New(emb, nil).Build(ctx, chunks), domain.ErrProvider)

	emb, chunks = fixture()
	emb.vectors["beta"] = []float32{1, 2}
	assert.ErrorIs(t, New(emb, nil).Build(ctx, chunks), domain.ErrProvider)

	emb, chunks = fixture()
	ix := New(emb, nil)
	require.NoError(t, ix.Build(ctx, chunks))
	emb.vectors["q"] = []float32{1, 0, 0, 0}
	_, err = ix.Search(ctx, "q", 1)
	assert.ErrorIs(t, err, domain.ErrProvider)
	emb.err = boom
	_, err = ix.Search(ctx, "q", 1)
	assert.ErrorIs(t, err, boom)
}

func TestIndex_ZeroVectorsNeverNaN(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	chunks = append(chunks, domain.Chunk{DocumentID: "doc", ChunkID: 4, Text: "unknown"})
	ix := New(emb, nil)
	require.NoError(t, ix.Build(ctx, chunks))

	res, err := ix.Search(ctx, "also unknown", 5)
	require.NoError(t, err)
	require.Len(t, res, 5)
	for _, r := range res {
		assert.Zero(t, r.Score)
	}
	res, err = ix.Search(ctx, "q", 5)
	require.NoError(t, err)
	assert.Equal(t, "unknown", res[4].Chunk.Text)
	assert.Zero(t, res[4].Score)
}

func TestIndex_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	ix := New(emb, nil)
	require.NoError(t, ix.Build(ctx, chunks))
	dir := filepath.Join(t.TempDir(), "idx")
	require.NoError(t, ix.Save(ctx, dir))

	m, err := Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, Manifest{Count: 4, Dimension: 3, Embedder: "map"}, m)

	loaded := New(emb, nil)
	require.NoError(t, loaded.Load(ctx, dir))
	assert.Equal(t, ix.Count(), loaded.Count())
	assert.Equal(t, ix.Dimension(), loaded.Dimension())

	got, err := loaded.Chunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)

	want, err := ix.Search(ctx, "q", 3)
	require.NoError(t, err)
	have, err := loaded.Search(ctx, "q", 3)
	require.NoError(t, err)
	require.Len(t, have, len(want))
	for i := range want {
		assert.Equal(t, want[i].Chunk, have[i].Chunk)
		assert.InDelta(t, want[i].Score, have[i].Score, 1e-6)
		assert.InDeltaSlice(t, want[i].Vector, have[i].Vector, 1e-6)
	}
}

func TestIndex_SaveLoadStatefulEmbedder(t *testing.T) {
	ctx := context.Background()
	chunks := []domain.Chunk{
		{DocumentID: "0", ChunkID: 0, Text: "the cat sat"},
		{DocumentID: "1", ChunkID: 0, Text: "the dog ran"},
	}
	ix := New(tfidf.NewEmbedder(), nil)
	require.NoError(t, ix.Build(ctx, chunks))
	dir := t.TempDir()
	require.NoError(t, ix.Save(ctx, dir))

	// a fresh, unprepared embedder picks up the saved vocabulary
	loaded := New(tfidf.NewEmbedder(), nil)
	require.NoError(t, loaded.Load(ctx, dir))
	res, err := loaded.Search(ctx, "cat", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "the cat sat", res[0].Chunk.Text)

	require.NoError(t, os.Remove(filepath.Join(dir, EmbedderFile)))
	assert.ErrorIs(t, New(tfidf.NewEmbedder(), nil).Load(ctx, dir), domain.ErrCorruptIndex)
}

func TestIndex_FailedRebuildKeepsEmbedderState(t *testing.T) {
	ctx := context.Background()
	ix := New(tfidf.NewEmbedder(), nil)
	require.NoError(t, ix.Build(ctx, []domain.Chunk{
		{DocumentID: "0", Text: "alpha beta"},
		{DocumentID: "1", Text: "beta gamma"},
	}))
	require.Equal(t, 3, ix.Dimension())

	assertSearchable := func(t *testing.T) {
		t.Helper()
		res, err := ix.Search(ctx, "alpha", 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "alpha beta", res[0].Chunk.Text)
		assert.Equal(t, 3, ix.Dimension())
	}

	t.Run("build", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := ix.Build(cancelled, []domain.Chunk{{DocumentID: "2", Text: "delta epsilon zeta eta"}})
		require.ErrorIs(t, err, domain.ErrProvider)
		assertSearchable(t)
	})

	t.Run("load", func(t *testing.T) {
		other := New(tfidf.NewEmbedder(), nil)
		require.NoError(t, other.Build(ctx, []domain.Chunk{
			{DocumentID: "3", Text: "delta epsilon"},
			{DocumentID: "4", Text: "zeta eta theta"},
		}))
		dir := t.TempDir()
		require.NoError(t, other.Save(ctx, dir))

		// vocabulary that decodes fine but does not match the saved vectors
		small := tfidf.NewEmbedder()
		require.NoError(t, small.Prepare([]string{"one two"}))
		state, err := small.MarshalState()
		require.NoError(t, err)
		data, err := json.Marshal(map[string]any{"name": "tfidf", "dimension": other.Dimension(), "state": json.RawMessage(state)})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, EmbedderFile), data, 0o644))

		require.ErrorIs(t, ix.Load(ctx, dir), domain.ErrCorruptIndex)
		assertSearchable(t)
	})
}

func TestIndex_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	ix := New(emb, nil)
	require.NoError(t, ix.Build(ctx, chunks))

	save := func(t *testing.T) string {
		dir := t.TempDir()
		require.NoError(t, ix.Save(ctx, dir))
		return dir
	}
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{"missing vectors", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, VectorsFile)))
		}},
		{"missing metadata", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, MetadataFile)))
		}},
		{"count mismatch", func(t *testing.T, dir string) {
			path := filepath.Join(dir, MetadataFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, append(data, []byte(`{"doc_id":"x","chunk_id":9,"text":"extra","start_offset":0,"end_offset":1,"title":"","url":""}`+"\n")...), 0o644))
		}},
		{"truncated vectors", func(t *testing.T, dir string) {
			path := filepath.Join(dir, VectorsFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))
		}},
		{"bad magic", func(t *testing.T, dir string) {
			path := filepath.Join(dir, VectorsFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			copy(data, "XXXX")
			require.NoError(t, os.WriteFile(path, data, 0o644))
		}},
		{"bad metadata json", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{not json\n"), 0o644))
		}},
		{"unknown metadata field", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte(`{"doc_id":"a","extra":1}`+"\n"), 0o644))
		}},
		{"embedder mismatch", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, EmbedderFile), []byte(`{"name":"other","dimension":3}`), 0o644))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := save(t)
			tt.corrupt(t, dir)
			loaded := New(emb, nil)
			assert.ErrorIs(t, loaded.Load(ctx, dir), domain.ErrCorruptIndex)
			assert.False(t, loaded.Built())
		})
	}
}

func TestIndex_EmptyLoadedIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var h [headerSize]byte
	copy(h[:4], vectorsMagic)
	h[4] = vectorsVersion
	require.NoError(t, os.WriteFile(filepath.Join(dir, VectorsFile), h[:], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), nil, 0o644))

	emb, _ := fixture()
	ix := New(emb, nil)
	require.NoError(t, ix.Load(ctx, dir))
	assert.Zero(t, ix.Count())
	res, err := ix.Search(ctx, "q", 3)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Zero(t, emb.calls)
}

func TestIndex_SaveUnsupportedBackend(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	factory := func() (vectorstore.Storage, error) { return &appendOnly{}, nil }
	ix := New(emb, factory)
	require.NoError(t, ix.Build(ctx, chunks))
	assert.ErrorIs(t, ix.Save(ctx, t.TempDir()), domain.ErrUnsupported)
	_, err := ix.Chunks(ctx)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

// appendOnly is a store that can neither list its entries nor be reopened.
type appendOnly struct{ n int }

func (a *appendOnly) Init(int) error { return nil }
func (a *appendOnly) Upsert(_ context.Context, c []domain.Chunk, _ [][]float32) error {
	a.n += len(c)
	return nil
}
func (a *appendOnly) Search(context.Context, []float32, int) ([]domain.SearchResult, error) {
	return nil, nil
}
func (a *appendOnly) Count() int                  { return a.n }
func (a *appendOnly) Clear(context.Context) error { return nil }

func TestIndex_ConcurrentSearches(t *testing.T) {
	ctx := context.Background()
	emb, chunks := fixture()
	ix := New(emb, nil)
	require.NoError(t, ix.Build(ctx, chunks))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ix.Search(ctx, "q", 2)
			assert.NoError(t, err)
			assert.Len(t, res, 2)
		}()
	}
	wg.Wait()
}

// remoteStore stands in for a backend service: every factory call hands out a
// client to the same collection, which can be reopened but not listed.
type remoteStore struct {
	mem *memory.Storage
	dim int
}

func (r *remoteStore) Init(dim int) error {
	r.dim = dim
	return r.mem.Init(dim)
}
func (r *remoteStore) Upsert(ctx context.Context, c []domain.Chunk, v [][]float32) error {
	return r.mem.Upsert(ctx, c, v)
}
func (r *remoteStore) Search(ctx context.Context, v []float32, k int) ([]domain.SearchResult, error) {
	return r.mem.Search(ctx, v, k)
}
func (r *remoteStore) Count() int                      { return r.mem.Count() }
func (r *remoteStore) Clear(ctx context.Context) error { return r.mem.Clear(ctx) }
func (r *remoteStore) Attach(context.Context) (int, int, error) {
	if r.dim == 0 {
		return 0, 0, errors.New("collection not found")
	}
	return r.mem.Count(), r.dim, nil
}

func TestIndex_SaveLoadRemoteBackend(t *testing.T) {
	ctx := context.Background()
	remote := &remoteStore{mem: memory.NewStorage()}
	factory := func() (vectorstore.Storage, error) { return remote, nil }

	dir := t.TempDir()
	// stale local files from an earlier in-memory build must not shadow the backend
	require.NoError(t, os.WriteFile(filepath.Join(dir, VectorsFile), []byte("stale"), 0o644))

	ix := New(tfidf.NewEmbedder(), factory)
	require.NoError(t, ix.Build(ctx, []domain.Chunk{
		{DocumentID: "0", Text: "the cat sat"},
		{DocumentID: "1", Text: "the dog ran"},
	}))
	require.NoError(t, ix.Save(ctx, dir))
	assert.NoFileExists(t, filepath.Join(dir, VectorsFile))
	assert.NoFileExists(t, filepath.Join(dir, MetadataFile))
	assert.FileExists(t, filepath.Join(dir, EmbedderFile))

	m, err := Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, Manifest{Dimension: ix.Dimension(), Embedder: "tfidf", Remote: true}, m)

	loaded := New(tfidf.NewEmbedder(), factory)
	require.NoError(t, loaded.Load(ctx, dir))
	assert.Equal(t, 2, loaded.Count())
	res, err := loaded.Search(ctx, "dog", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "the dog ran", res[0].Chunk.Text)

	// a local backend cannot stand in for the missing vectors file
	assert.ErrorIs(t, New(tfidf.NewEmbedder(), nil).Load(ctx, dir), domain.ErrCorruptIndex)
	// nor can a backend whose collection is gone
	gone := func() (vectorstore.Storage, error) { return &remoteStore{mem: memory.NewStorage()}, nil }
	assert.ErrorIs(t, New(tfidf.NewEmbedder(), gone).Load(ctx, dir), domain.ErrCorruptIndex)
}
