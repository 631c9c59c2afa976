// Package embedding holds the embedding providers and the optional
// capabilities the index checks for.
package embedding

import "infochat/internal/domain"

// Embedder is the provider contract consumed by the index.
type Embedder = domain.Embedder

// Stateful providers carry corpus-derived state that must be saved with the index
// so that queries after a load embed into the same space.
type Stateful interface {
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}
