package domain

import "errors"

// Error kinds surfaced by the retrieval core. Callers match them with errors.Is.
var (
	// ErrInvalidConfig indicates a bad chunk size, overlap, top_k or diversity value.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrEmptyInput indicates an index build was requested with no chunks.
	ErrEmptyInput = errors.New("empty input")

	// ErrIndexNotBuilt indicates a search before build or load.
	ErrIndexNotBuilt = errors.New("index not built")

	// ErrCorruptIndex indicates persisted index files are mismatched or unreadable.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrProvider indicates the embedding call failed or returned wrong dimensionality.
	ErrProvider = errors.New("embedding provider error")

	// ErrUnsupported indicates the configured backend cannot perform the operation.
	ErrUnsupported = errors.New("unsupported")

	// ErrInvalidDocument indicates a document record with an unknown or incomplete shape.
	ErrInvalidDocument = errors.New("invalid document")
)
