// Package vectorstore selects a storage backend by name.
package vectorstore

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"infochat/internal/domain"
	"infochat/internal/vectorstore/chromem"
	"infochat/internal/vectorstore/memory"
	"infochat/internal/vectorstore/qdrant"
)

// Storage persists vectors and supports similarity search.
type Storage = domain.VectorStore

// Factory returns a fresh, uninitialised backend. The index calls it once per build or load.
type Factory func() (Storage, error)

const (
	TypeMemory  = "memory"
	TypeChromem = "chromem"
	TypeQdrant  = "qdrant"
)

// Config picks and parameterizes one backend.
type Config struct {
	Type    string
	Chromem chromem.Config
	Qdrant  qdrant.Config
	Logger  zerolog.Logger
}

// NewFactory validates cfg and returns a Factory for the selected backend.
func NewFactory(cfg Config) (Factory, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return func() (Storage, error) { return memory.NewStorage(), nil }, nil
	case TypeChromem:
		return func() (Storage, error) {
			return chromem.NewStorage(cfg.Chromem, chromem.WithLogger(cfg.Logger))
		}, nil
	case TypeQdrant:
		if cfg.Qdrant.URL == "" {
			return nil, fmt.Errorf("%w: qdrant url is required", domain.ErrInvalidConfig)
		}
		qc := cfg.Qdrant
		if qc.Timeout == 0 {
			qc.Timeout = 15 * time.Second
		}
		return func() (Storage, error) {
			return qdrant.NewStorage(qc, qdrant.WithLogger(cfg.Logger)), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown vector store type %q", domain.ErrInvalidConfig, cfg.Type)
	}
}
