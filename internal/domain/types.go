package domain

import "strconv"

// Document is a single source record handed to the retrieval core.
// It is produced by an external scraper or loader and never mutated afterwards.
type Document struct {
	ID    string
	URL   string
	Title string
	Text  string
}

// Chunk is a window of a document's cleaned text, the unit of embedding and retrieval.
// StartOffset and EndOffset are token positions, EndOffset exclusive.
type Chunk struct {
	DocumentID  string `json:"doc_id"`
	ChunkID     int    `json:"chunk_id"`
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Title       string `json:"title"`
	URL         string `json:"url"`
}

// Key identifies the chunk across the whole index.
func (c Chunk) Key() string {
	return c.DocumentID + ":" + strconv.Itoa(c.ChunkID)
}

// SearchResult represents a matching chunk with a relevance score.
// Vector is the stored, normalised embedding of the chunk when the backend returns it.
type SearchResult struct {
	Chunk  Chunk
	Score  float32
	Vector []float32
}
