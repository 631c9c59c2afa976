package domain

import "context"

// Embedder converts free text into numeric vectors.
// Implementations may require a preparation phase over the corpus.
type Embedder interface {
	Name() string
	Prepare(corpus []string) error
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// VectorStore holds normalised vectors and supports inner-product search.
type VectorStore interface {
	Init(dimension int) error
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)
	Count() int
	Clear(ctx context.Context) error
}

// Entry is one stored chunk together with its vector.
type Entry struct {
	Chunk  Chunk
	Vector []float32
}

// Enumerable is implemented by stores that can list every entry in insertion order.
type Enumerable interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Attachable is implemented by stores that keep their entries in a remote
// service. Attach reopens an existing collection and reports its size.
type Attachable interface {
	Attach(ctx context.Context) (count, dimension int, err error)
}

// Retriever is the query surface exposed to answer consumers such as the TUI.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, useDiversity bool) ([]SearchResult, error)
}
