package models

import "errors"

// Ingestion errors.
var (
	ErrNoDocumentsProvided = errors.New("no documents provided")
	ErrExtractionFailed    = errors.New("text extraction failed")
	ErrUnsupportedType     = errors.New("unsupported document type")
	ErrDuplicateSource     = errors.New("several uploads share one source name")
	ErrInvalidChunkParams  = errors.New("chunk overlap must be non-negative and smaller than chunk size")
)

// Backend and storage errors.
var (
	ErrEmbeddingBackend  = errors.New("embedding backend error")
	ErrGenerationBackend = errors.New("generation backend error")
	ErrStoreUnavailable  = errors.New("vector store unavailable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidK          = errors.New("k must be positive")
)

// Query errors.
var (
	ErrEmptyQuestion  = errors.New("question is empty")
	ErrEmptyRetrieval = errors.New("no relevant context found")
)
